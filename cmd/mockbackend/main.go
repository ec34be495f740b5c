// Command mockbackend is the reference implementation of BattleHealer's
// five collaborator HTTP endpoints (generate-api-key, refresh-token,
// mock-response, queue-failed, log), backed by Postgres and Redis. It
// exists to exercise the collaborator contract end-to-end; production
// deployments point BattleHealer at whatever real or LLM-backed
// collaborator they choose instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "mockbackend",
		Short:   "Reference collaborator backend for battlehealer",
		Version: version,
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		listen    string
		jwtSecret string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the collaborator HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

			cfg := Config{
				Listen:     listen,
				DBHost:     getEnvOrDefault("MOCKBACKEND_DB_HOST", "localhost"),
				DBPort:     getEnvIntOrDefault("MOCKBACKEND_DB_PORT", 5432),
				DBName:     getEnvOrDefault("MOCKBACKEND_DB_NAME", "battlehealer_mock"),
				DBUser:     getEnvOrDefault("MOCKBACKEND_DB_USER", "postgres"),
				DBPassword: getEnvOrDefault("MOCKBACKEND_DB_PASSWORD", "postgres"),
				DBSSLMode:  getEnvOrDefault("MOCKBACKEND_DB_SSLMODE", "disable"),
				RedisHost:  getEnvOrDefault("MOCKBACKEND_REDIS_HOST", "localhost"),
				RedisPort:  getEnvIntOrDefault("MOCKBACKEND_REDIS_PORT", 6379),
				RedisDB:    getEnvIntOrDefault("MOCKBACKEND_REDIS_DB", 1),
				JWTSecret:  jwtSecret,
			}

			store, err := NewStore(cfg, logger)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer store.Close()

			tokens := NewTokenIssuer(cfg.JWTSecret, time.Hour)
			handlers := NewHandlers(store, tokens, logger)

			gin.SetMode(gin.ReleaseMode)
			router := gin.New()
			router.Use(gin.Recovery())
			router.Use(cors.New(cors.Config{
				AllowOrigins:     []string{"*"},
				AllowMethods:     []string{"GET", "POST"},
				AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
				AllowCredentials: false,
				MaxAge:           12 * time.Hour,
			}))
			router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
			handlers.Register(router)

			srv := &http.Server{
				Addr:         cfg.Listen,
				Handler:      router,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("mockbackend listening", "addr", cfg.Listen)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			signalChan := make(chan os.Signal, 1)
			signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-signalChan:
				logger.Info("shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", getEnvOrDefault("MOCKBACKEND_LISTEN", "0.0.0.0:4000"), "listen address")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", getEnvOrDefault("MOCKBACKEND_JWT_SECRET", "dev-secret-change-me"), "HS256 signing secret")

	return cmd
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

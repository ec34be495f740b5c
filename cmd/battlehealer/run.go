package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/battlehealer/internal/config"
	"github.com/khryptorgraphics/battlehealer/pkg/budget"
	"github.com/khryptorgraphics/battlehealer/pkg/cache"
	"github.com/khryptorgraphics/battlehealer/pkg/planner"
	"github.com/khryptorgraphics/battlehealer/pkg/region"
	"github.com/khryptorgraphics/battlehealer/pkg/state"
	"github.com/khryptorgraphics/battlehealer/pkg/supervisor"
	"github.com/khryptorgraphics/battlehealer/pkg/telemetry"
	"github.com/khryptorgraphics/battlehealer/pkg/toolkit"
	"github.com/khryptorgraphics/battlehealer/pkg/transport"
)

func runCmd() *cobra.Command {
	var (
		configPath string
		url        string
		method     string
		body       string
		userID     string
		serveTelemetry bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single self-healing request",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
			logger.Info("starting battlehealer", "version", version)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			signalChan := make(chan os.Signal, 1)
			signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-signalChan
				logger.Info("shutdown signal received")
				cancel()
			}()

			sup, collab, err := build(cfg, logger)
			if err != nil {
				return fmt.Errorf("build: %w", err)
			}

			hub := telemetry.NewHub(logger)
			sup.Hub = hub
			stop := make(chan struct{})
			go hub.Run(stop)
			defer close(stop)

			if serveTelemetry {
				mux := http.NewServeMux()
				mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
					if err := hub.Upgrade(w, r); err != nil {
						logger.Warn("telemetry upgrade failed", "error", err)
					}
				})
				srv := &http.Server{Addr: cfg.API.Listen, Handler: mux}
				go func() {
					logger.Info("telemetry server listening", "addr", cfg.API.Listen)
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("telemetry server failed", "error", err)
					}
				}()
				go func() {
					<-ctx.Done()
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer shutdownCancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			result, err := sup.Run(ctx, supervisor.Params{
				URL:     url,
				Request: state.Request{Method: method, Body: []byte(body)},
				TokenProvider: func(ctx context.Context) (string, error) {
					return collab.GenerateAPIKey(ctx, userID)
				},
				BackendBaseURL: cfg.Backend.BaseURL,
			})
			if err != nil {
				return err
			}

			out, _ := json.MarshalIndent(map[string]any{
				"success":     result.Success,
				"data":        result.Data,
				"degraded":    result.Degraded,
				"final_error": result.FinalError,
			}, "", "  ")
			fmt.Println(string(out))
			if !result.Success && result.Degraded.Degradation == state.DegradationNone {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file overlaying defaults")
	cmd.Flags().StringVar(&url, "url", "/external-api", "path or absolute URL to request")
	cmd.Flags().StringVar(&method, "method", http.MethodPost, "HTTP method")
	cmd.Flags().StringVar(&body, "body", "{}", "request body")
	cmd.Flags().StringVar(&userID, "user-id", "cli-user", "user id presented to the credential collaborator")
	cmd.Flags().BoolVar(&serveTelemetry, "serve-telemetry", false, "serve a /ws telemetry endpoint while the request runs")

	return cmd
}

// build wires a Supervisor from cfg, following the healing core's
// collaborator-injection design: RegionRegistry, stores, Planner, and
// Toolkit are all constructed here and handed to the Supervisor rather than
// reached for as globals.
func build(cfg *config.Config, logger *slog.Logger) (*supervisor.Supervisor, toolkit.Collaborators, error) {
	regions := defaultRegionTree()

	var cacheStore cache.Store
	var repairWindow budget.Store

	switch cfg.Store.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Store.RedisHost, cfg.Store.RedisPort),
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, toolkit.Collaborators{}, fmt.Errorf("redis ping: %w", err)
		}
		cacheStore = cache.NewRedisStore(rdb, logger)
		repairWindow = budget.NewRedisStore(rdb, logger)
	default:
		cacheStore = cache.NewMemoryStore(nil)
		repairWindow = budget.NewMemoryStore(nil)
	}

	collab := toolkit.NewCollaborators(cfg.Backend.BaseURL, logger)

	var p planner.Planner = planner.Heuristic{DisableRewrite: cfg.Planner.DisableRewrite}
	if cfg.Planner.UseLLM && cfg.Planner.AnthropicKey != "" {
		client := anthropic.NewClient(option.WithAPIKey(cfg.Planner.AnthropicKey))
		p = planner.LLM{
			Client:    client,
			Model:     anthropic.Model(cfg.Planner.Model),
			Toolkit:   "retry, refresh_token, switch_region, repair_payload, rewrite_request, adapt_schema, infer_schema, use_mock, queue_recovery, abort",
			Logger:    logger,
			Heuristic: planner.Heuristic{DisableRewrite: cfg.Planner.DisableRewrite},
		}
	}

	tk := toolkit.New(collab, regions, toolkit.DefaultRepairStrategy{}, repairWindow, logger)
	sup := supervisor.New(regions, cacheStore, p, tk, logger)
	sup.RateLimiter = transport.NewRegionLimiter(cfg.Transport.RateLimitPerSecond, cfg.Transport.RateLimitBurst)
	return sup, collab, nil
}

func defaultRegionTree() *region.Registry {
	root := &region.Node{
		ID:    "root",
		Label: "root",
		Children: []*region.Node{
			{ID: "aws-us-east-1", Label: "US East", Provider: "aws", Endpoint: "https://us-east-1.api.example.com", Fallbacks: []string{"aws-eu-west-1"}},
			{ID: "aws-eu-west-1", Label: "EU West", Provider: "aws", Endpoint: "https://eu-west-1.api.example.com", Fallbacks: []string{"aws-us-east-1"}},
		},
	}
	return region.New(root)
}

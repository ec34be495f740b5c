// Package config holds the application configuration for battlehealer:
// the transport retry/backoff knobs, repair window bounds, cache/budget
// backend selection, and the HTTP surfaces it serves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Transport   TransportConfig   `yaml:"transport" json:"transport"`
	Toolkit     ToolkitConfig     `yaml:"toolkit" json:"toolkit"`
	Supervisor  SupervisorConfig  `yaml:"supervisor" json:"supervisor"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	Backend     BackendConfig     `yaml:"backend" json:"backend"`
	Planner     PlannerConfig     `yaml:"planner" json:"planner"`
	API         APIConfig         `yaml:"api" json:"api"`
}

// TransportConfig mirrors the healing core's Transport configuration knobs.
type TransportConfig struct {
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	BackoffBaseMs    int64         `yaml:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffMaxMs     int64         `yaml:"backoff_max_ms" json:"backoff_max_ms"`
	JitterRatio      float64       `yaml:"jitter_ratio" json:"jitter_ratio"`
	RetryStatusCodes []int         `yaml:"retry_status_codes" json:"retry_status_codes"`
	RetryBudgetKey   string        `yaml:"retry_budget_key" json:"retry_budget_key"`
	RetryBudgetLimit int           `yaml:"retry_budget_limit" json:"retry_budget_limit"`
	RetryBudgetWindow time.Duration `yaml:"retry_budget_window" json:"retry_budget_window"`

	// RateLimitPerSecond and RateLimitBurst size the per-region token
	// bucket Transport.Send waits on before each attempt, independent of
	// the retry budget above.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second" json:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// ToolkitConfig mirrors the repair-allowance knobs.
type ToolkitConfig struct {
	MaxRepairAttempts int           `yaml:"max_repair_attempts" json:"max_repair_attempts"`
	RepairWindow      time.Duration `yaml:"repair_window" json:"repair_window"`
	RepairWindowLimit int           `yaml:"repair_window_limit" json:"repair_window_limit"`
}

// SupervisorConfig mirrors the outer cycle-loop knobs.
type SupervisorConfig struct {
	MaxCycles        int           `yaml:"max_cycles" json:"max_cycles"`
	StaleTTL         time.Duration `yaml:"stale_ttl" json:"stale_ttl"`
	EnableStaleCache bool          `yaml:"enable_stale_cache" json:"enable_stale_cache"`
	EnableMock       bool          `yaml:"enable_mock" json:"enable_mock"`
}

// StoreConfig selects and configures the RetryBudgetStore/ResponseCache
// backends: in-process (default) or shared Redis.
type StoreConfig struct {
	Backend       string `yaml:"backend" json:"backend"` // "memory" | "redis"
	RedisHost     string `yaml:"redis_host" json:"redis_host"`
	RedisPort     int    `yaml:"redis_port" json:"redis_port"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// BackendConfig points at the mock-backend collaborator.
type BackendConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// PlannerConfig selects and configures the Planner implementation.
type PlannerConfig struct {
	UseLLM         bool   `yaml:"use_llm" json:"use_llm"`
	AnthropicKey   string `yaml:"anthropic_key" json:"anthropic_key"`
	Model          string `yaml:"model" json:"model"`
	DisableRewrite bool   `yaml:"disable_rewrite" json:"disable_rewrite"`
}

// APIConfig configures the CLI's own HTTP surfaces (telemetry upgrade
// endpoint), distinct from BackendConfig which points at the collaborator.
type APIConfig struct {
	Listen     string   `yaml:"listen" json:"listen"`
	TLSEnabled bool     `yaml:"tls_enabled" json:"tls_enabled"`
	CertFile   string   `yaml:"cert_file" json:"cert_file"`
	KeyFile    string   `yaml:"key_file" json:"key_file"`
	CorsOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// Default returns the configuration documented as the healing core's
// baseline: max_retries 2, backoff 300ms/3000ms, jitter 0.25, max_cycles 6,
// MAX_REPAIR_ATTEMPTS 2, REPAIR_WINDOW_MS 60000, REPAIR_WINDOW_LIMIT 4,
// stale_ttl_ms 300000, stale cache and mock degradation both enabled.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			MaxRetries:        getEnvIntOrDefault("BATTLEHEALER_MAX_RETRIES", 2),
			BackoffBaseMs:     int64(getEnvIntOrDefault("BATTLEHEALER_BACKOFF_BASE_MS", 300)),
			BackoffMaxMs:      int64(getEnvIntOrDefault("BATTLEHEALER_BACKOFF_MAX_MS", 3000)),
			JitterRatio:       0.25,
			RetryBudgetWindow: 24 * time.Hour,
			RateLimitPerSecond: getEnvFloatOrDefault("BATTLEHEALER_RATE_LIMIT_RPS", 10),
			RateLimitBurst:     getEnvIntOrDefault("BATTLEHEALER_RATE_LIMIT_BURST", 20),
		},
		Toolkit: ToolkitConfig{
			MaxRepairAttempts: 2,
			RepairWindow:      60 * time.Second,
			RepairWindowLimit: 4,
		},
		Supervisor: SupervisorConfig{
			MaxCycles:        getEnvIntOrDefault("BATTLEHEALER_MAX_CYCLES", 6),
			StaleTTL:         5 * time.Minute,
			EnableStaleCache: true,
			EnableMock:       true,
		},
		Store: StoreConfig{
			Backend:   getEnvOrDefault("BATTLEHEALER_STORE_BACKEND", "memory"),
			RedisHost: getEnvOrDefault("BATTLEHEALER_REDIS_HOST", "localhost"),
			RedisPort: getEnvIntOrDefault("BATTLEHEALER_REDIS_PORT", 6379),
			RedisDB:   getEnvIntOrDefault("BATTLEHEALER_REDIS_DB", 0),
		},
		Backend: BackendConfig{
			BaseURL: getEnvOrDefault("BATTLEHEALER_BACKEND_URL", "http://localhost:4000"),
		},
		Planner: PlannerConfig{
			UseLLM:       getEnvBoolOrDefault("BATTLEHEALER_USE_LLM_PLANNER", false),
			AnthropicKey: getEnvOrDefault("ANTHROPIC_API_KEY", ""),
			Model:        getEnvOrDefault("BATTLEHEALER_LLM_MODEL", "claude-sonnet-4-5"),
		},
		API: APIConfig{
			Listen:      getEnvOrDefault("BATTLEHEALER_API_LISTEN", "0.0.0.0:8088"),
			CorsOrigins: []string{"*"},
		},
	}
}

// Load reads Default() and overlays a YAML file at path, if it exists. A
// missing path is not an error — the caller typically passes an
// optionally-configured flag.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

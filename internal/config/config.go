package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = "mawi-gateway"

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server    Server      `cfg:"server"`
	Store     Store       `cfg:"store"`
	Gateway   Gateway     `cfg:"gateway"`
	Breaker   Breaker     `cfg:"breaker"`
	Health    Health      `cfg:"health"`
	Agentic   Agentic     `cfg:"agentic"`
	Pricing   Pricing     `cfg:"pricing"`
	Ingest    Ingest      `cfg:"ingest"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8030"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, forwards auth requests to an external
	// authenticator instead of the gateway reimplementing session/cookie
	// storage (spec.md §1 names this an out-of-scope external collaborator).
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// UserHeader is the HTTP header name carrying the authenticated user's
	// identity, populated by the forward auth middleware.
	UserHeader string `cfg:"user_header" default:"X-User"`

	// AdminToken protects the minimal CRUD surface (§9 of SPEC_FULL). If
	// unset, admin endpoints are disabled (403).
	AdminToken string `cfg:"admin_token" log:"-"`

	// CORSAllowedOrigins mirrors the CORS_ALLOWED_ORIGINS env var (comma
	// separated, loaded by chu's env loader into a slice).
	CORSAllowedOrigins []string `cfg:"cors_allowed_origins"`

	// EnableMetrics gates the /metrics endpoint, mirroring ENABLE_METRICS.
	EnableMetrics bool `cfg:"enable_metrics"`
}

// Gateway configures bearer-token authentication for the /v1 surface.
type Gateway struct {
	AuthTokens []AuthTokenConfig `cfg:"auth_tokens"`
}

// AuthTokenConfig describes one sk_-prefixed bearer token, optionally scoped.
type AuthTokenConfig struct {
	Token            string   `cfg:"token" json:"token" log:"-"`
	Name             string   `cfg:"name" json:"name"`
	AllowedProviders []string `cfg:"allowed_providers" json:"allowed_providers"`
	AllowedModels    []string `cfg:"allowed_models" json:"allowed_models"`
	ExpiresAt        string   `cfg:"expires_at" json:"expires_at"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// Breaker configures the per-model circuit breaker (spec.md §4.4).
type Breaker struct {
	FailureThreshold int           `cfg:"failure_threshold" default:"3"`
	ResetTimeout     time.Duration `cfg:"reset_timeout" default:"60s"`
	MaxTracked       int           `cfg:"max_tracked" default:"10000"`
}

// Health configures passive ModelHealth tracking (spec.md §4.4), a second,
// deliberately independent failure counter from Breaker (see DESIGN.md).
type Health struct {
	FailureThreshold int `cfg:"failure_threshold" default:"5"`
}

// Agentic configures default bounds for AGENTIC services (spec.md §4.3).
type Agentic struct {
	MaxIterations    int           `cfg:"max_iterations" default:"10"`
	WallBudget       time.Duration `cfg:"wall_budget" default:"5m"`
	SubLoopMaxSteps  int           `cfg:"sub_loop_max_steps" default:"6"`
	VerifyMaxRetries int           `cfg:"verify_max_retries" default:"2"`
	FloorQuotaUSD    float64       `cfg:"floor_quota_usd" default:"0.05"`
}

// Pricing configures the static pricing table used as a least_cost fallback
// when a model has no DB-level cost override (spec.md §4.2).
type Pricing struct {
	TablePath      string  `cfg:"table_path"`
	DefaultCostUSD float64 `cfg:"default_cost_usd" default:"5.0"`
}

// Ingest configures the async logger/quota-charger worker pools (spec.md §4.5).
type Ingest struct {
	LogChannelCapacity   int           `cfg:"log_channel_capacity" default:"10000"`
	LogBatchSize         int           `cfg:"log_batch_size" default:"500"`
	LogFlushInterval     time.Duration `cfg:"log_flush_interval" default:"100ms"`
	QuotaChannelCapacity int           `cfg:"quota_channel_capacity" default:"1000"`
	QuotaWorkers         int           `cfg:"quota_workers" default:"10"`
	ShutdownDrainTimeout time.Duration `cfg:"shutdown_drain_timeout" default:"10s"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("MAWI_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

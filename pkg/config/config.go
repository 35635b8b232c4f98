// Package config assembles the typed service configuration from environment
// variables. Invalid configuration is a fatal initialisation failure: main
// calls Load, then Validate, and exits non-zero on error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects the storage implementation.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the complete service configuration.
type Config struct {
	HTTP      HTTPConfig
	Storage   StorageConfig
	Auth      AuthConfig
	Ingest    IngestConfig
	Bus       BusConfig
	Guardrail GuardrailConfig
	Retention RetentionConfig
	Analytics AnalyticsConfig
	Redact    RedactConfig
	Replay    ReplayConfig

	LogLevel  string // debug|info|warn|error
	LogFormat string // json|text
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port             string
	ShutdownTimeout  time.Duration
	HeartbeatEvery   time.Duration // SSE heartbeat interval
	StreamBufferSize int           // per-SSE-client bus buffer
}

// StorageConfig selects and tunes the storage backend. The PostgreSQL
// connection itself is configured in pkg/database.
type StorageConfig struct {
	Backend    string // sqlite|postgres
	SQLitePath string
	// VectorDims is the dimensionality of natively indexed embeddings on the
	// partitioned backend. Zero skips the pgvector probe.
	VectorDims int
}

// AuthConfig configures API-key authentication.
type AuthConfig struct {
	// Disabled binds every request to the default tenant. Local dev only.
	Disabled bool
	// SeedKey/SeedTenant insert an initial admin key at startup when the
	// key table is empty. The raw key must be a full al_… bearer string.
	SeedKey    string
	SeedTenant string
	// CacheTTL bounds how long a prefix→key lookup may be served from memory.
	CacheTTL time.Duration
}

// IngestConfig bounds the ingest gateway.
type IngestConfig struct {
	MaxBatchSize int
	// RatePerSecond and RateBurst parameterise the per-tenant token bucket.
	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond float64
	RateBurst     int
	// MaxStoredEvents per tenant; 0 disables the quota check.
	MaxStoredEvents int64
}

// BusConfig tunes the in-process event bus.
type BusConfig struct {
	// HighWaterMark is the per-subscriber buffer size; events beyond it are
	// dropped for that subscriber.
	HighWaterMark int
}

// GuardrailConfig tunes the rule engine.
type GuardrailConfig struct {
	Enabled      bool
	TickInterval time.Duration
	// MinEvents guards error-rate conditions against firing on near-empty
	// windows.
	MinEvents int
	// MaxConcurrentEvaluations bounds the evaluation worker pool.
	MaxConcurrentEvaluations int
	ActionTimeout            time.Duration
	// AgentgateURL is the base URL for agentgate_policy actions.
	AgentgateURL string
}

// RetentionConfig drives the daily purger.
type RetentionConfig struct {
	Enabled     bool
	DefaultDays int
	// TierDays maps a plan tier name to its retention window.
	TierDays map[string]int
	// TenantTiers maps a tenant id to its plan tier.
	TenantTiers map[string]string
	// TenantOverrideDays wins over the tier window for a tenant.
	TenantOverrideDays map[string]int
	WarnLeadDays       int
	// RunAt is the daily UTC wall-clock time of the purge, "HH:MM".
	RunAt string
}

// AnalyticsConfig parameterises health scoring and cost optimisation.
type AnalyticsConfig struct {
	HealthWeights    HealthWeights
	DefaultWindow    int // days
	CostWindow       int // days
	SimpleMaxInput   int // token thresholds for call-tier classification
	ModerateMaxInput int
	// ModelCosts maps a model name to its per-1K-token prices.
	ModelCosts map[string]ModelCost
}

// HealthWeights are the five dimension weights; they must sum to ~1.0
// (0.95–1.05 tolerated).
type HealthWeights struct {
	ErrorRate      float64
	CostEfficiency float64
	ToolSuccess    float64
	Latency        float64
	CompletionRate float64
}

// Sum returns the weight total.
func (w HealthWeights) Sum() float64 {
	return w.ErrorRate + w.CostEfficiency + w.ToolSuccess + w.Latency + w.CompletionRate
}

// ModelCost is the per-1K-token price of a model.
type ModelCost struct {
	InputPer1K  float64
	OutputPer1K float64
}

// RedactConfig parameterises the redaction pipeline.
type RedactConfig struct {
	// URLHostAllowlist hosts keep their URL paths; all others are scrubbed.
	URLHostAllowlist []string
	// ReviewThreshold is the confidence below which a finding forces human
	// review.
	ReviewThreshold float64
}

// ReplayConfig bounds the replay projector cache.
type ReplayConfig struct {
	CacheTTL     time.Duration
	CacheEntries int
	MaxPageSize  int
}

// Load assembles the configuration from the environment, applying defaults
// for everything absent.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:             getEnv("HTTP_PORT", "8080"),
			ShutdownTimeout:  getDuration("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second),
			HeartbeatEvery:   getDuration("STREAM_HEARTBEAT_INTERVAL", 30*time.Second),
			StreamBufferSize: getInt("STREAM_BUFFER_SIZE", 256),
		},
		Storage: StorageConfig{
			Backend:    getEnv("STORAGE_BACKEND", BackendSQLite),
			SQLitePath: getEnv("SQLITE_PATH", "./agentlens.db"),
			VectorDims: getInt("EMBEDDING_DIMS", 1536),
		},
		Auth: AuthConfig{
			Disabled:   getEnv("AUTH_MODE", "") == "disabled",
			SeedKey:    os.Getenv("AUTH_SEED_KEY"),
			SeedTenant: getEnv("AUTH_SEED_TENANT", "default"),
			CacheTTL:   getDuration("AUTH_CACHE_TTL", time.Minute),
		},
		Ingest: IngestConfig{
			MaxBatchSize:    getInt("INGEST_MAX_BATCH", 1000),
			RatePerSecond:   getFloat("INGEST_RATE_PER_SECOND", 0),
			RateBurst:       getInt("INGEST_RATE_BURST", 200),
			MaxStoredEvents: int64(getInt("INGEST_MAX_STORED_EVENTS", 0)),
		},
		Bus: BusConfig{
			HighWaterMark: getInt("BUS_HIGH_WATER_MARK", 256),
		},
		Guardrail: GuardrailConfig{
			Enabled:                  getBool("GUARDRAIL_ENABLED", true),
			TickInterval:             getDuration("GUARDRAIL_TICK_INTERVAL", 30*time.Second),
			MinEvents:                getInt("GUARDRAIL_MIN_EVENTS", 10),
			MaxConcurrentEvaluations: getInt("GUARDRAIL_MAX_CONCURRENT", 8),
			ActionTimeout:            getDuration("GUARDRAIL_ACTION_TIMEOUT", 10*time.Second),
			AgentgateURL:             os.Getenv("AGENTGATE_URL"),
		},
		Retention: RetentionConfig{
			Enabled:            getBool("RETENTION_ENABLED", true),
			DefaultDays:        getInt("RETENTION_DEFAULT_DAYS", 30),
			TierDays:           getIntMap("RETENTION_TIER_DAYS", map[string]int{"free": 7, "pro": 30, "enterprise": 365}),
			TenantTiers:        getStringMap("RETENTION_TENANT_TIERS"),
			TenantOverrideDays: getIntMap("RETENTION_TENANT_OVERRIDE_DAYS", nil),
			WarnLeadDays:       getInt("RETENTION_WARN_LEAD_DAYS", 7),
			RunAt:              getEnv("RETENTION_RUN_AT", "03:00"),
		},
		Analytics: AnalyticsConfig{
			HealthWeights: HealthWeights{
				ErrorRate:      getFloat("HEALTH_WEIGHT_ERROR_RATE", 0.30),
				CostEfficiency: getFloat("HEALTH_WEIGHT_COST_EFFICIENCY", 0.20),
				ToolSuccess:    getFloat("HEALTH_WEIGHT_TOOL_SUCCESS", 0.20),
				Latency:        getFloat("HEALTH_WEIGHT_LATENCY", 0.15),
				CompletionRate: getFloat("HEALTH_WEIGHT_COMPLETION_RATE", 0.15),
			},
			DefaultWindow:    getInt("HEALTH_WINDOW_DAYS", 7),
			CostWindow:       getInt("COST_WINDOW_DAYS", 30),
			SimpleMaxInput:   getInt("COST_TIER_SIMPLE_MAX_INPUT", 1000),
			ModerateMaxInput: getInt("COST_TIER_MODERATE_MAX_INPUT", 8000),
			ModelCosts:       defaultModelCosts(),
		},
		Redact: RedactConfig{
			URLHostAllowlist: getStringSlice("REDACT_URL_ALLOWLIST"),
			ReviewThreshold:  getFloat("REDACT_REVIEW_THRESHOLD", 0.5),
		},
		Replay: ReplayConfig{
			CacheTTL:     getDuration("REPLAY_CACHE_TTL", 10*time.Minute),
			CacheEntries: getInt("REPLAY_CACHE_ENTRIES", 100),
			MaxPageSize:  getInt("REPLAY_MAX_PAGE_SIZE", 5000),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints that env parsing cannot.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendSQLite, BackendPostgres, c.Storage.Backend)
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
	}
	if sum := c.Analytics.HealthWeights.Sum(); sum < 0.95 || sum > 1.05 {
		return fmt.Errorf("health weights must sum to ~1.0 (0.95–1.05), got %.3f", sum)
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("INGEST_MAX_BATCH must be positive")
	}
	if c.Bus.HighWaterMark <= 0 {
		return fmt.Errorf("BUS_HIGH_WATER_MARK must be positive")
	}
	if c.Guardrail.TickInterval <= 0 {
		return fmt.Errorf("GUARDRAIL_TICK_INTERVAL must be positive")
	}
	if _, err := ParseRunAt(c.Retention.RunAt); err != nil {
		return fmt.Errorf("invalid RETENTION_RUN_AT: %w", err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}

// ParseRunAt parses a "HH:MM" wall-clock time into hour and minute.
func ParseRunAt(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// defaultModelCosts is a starter cost table; deployments override it with
// MODEL_COSTS (comma-separated model=inputPer1K:outputPer1K entries).
func defaultModelCosts() map[string]ModelCost {
	costs := map[string]ModelCost{
		"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"claude-sonnet-4-5": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-haiku-4-5":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	}
	raw := os.Getenv("MODEL_COSTS")
	if raw == "" {
		return costs
	}
	for _, entry := range strings.Split(raw, ",") {
		name, prices, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		in, out, ok := strings.Cut(prices, ":")
		if !ok {
			continue
		}
		inF, err1 := strconv.ParseFloat(in, 64)
		outF, err2 := strconv.ParseFloat(out, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		costs[name] = ModelCost{InputPer1K: inF, OutputPer1K: outF}
	}
	return costs
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getStringSlice parses a comma-separated env var into a trimmed slice.
func getStringSlice(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getStringMap parses comma-separated key=value pairs.
func getStringMap(key string) map[string]string {
	raw := os.Getenv(key)
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if ok && k != "" {
			out[k] = v
		}
	}
	return out
}

// getIntMap parses comma-separated key=int pairs, falling back to defaults
// when the variable is unset.
func getIntMap(key string, defaults map[string]int) map[string]int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaults
	}
	out := make(map[string]int)
	for _, entry := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
		}
	}
	return out
}

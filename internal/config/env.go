// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings. Nothing in here
// is hot-updatable; a change requires a restart.
type EnvConfig struct {
	// Network
	ListenAddress string
	Port          int

	// Upstream
	UpstreamBaseURL  string
	UpstreamAPIKey   string
	AnthropicVersion string

	// Persistence
	DBPath         string
	DataFile       string
	FlushInterval  time.Duration
	FlushThreshold int

	// Connection pool
	PoolDisabled       bool
	PoolMinConnections int
	PoolMaxConnections int
	PoolWarm           bool
	PoolAcquireTimeout time.Duration
	PoolIdleTimeout    time.Duration
	PoolKeepAlive      time.Duration
	PoolHealthInterval time.Duration
	PoolEnableHTTP2    bool

	// Pipelining
	PipelineMaxPerConn   int
	PipelineMaxQueueSize int
	PipelineQueueTimeout time.Duration

	// Streaming
	StreamChunkSize         int
	StreamBufferPoolEnabled bool

	// Response cache
	CacheEnabled    bool
	CacheMaxEntries int
	CacheDefaultTTL time.Duration

	// Rolling window
	WindowDuration time.Duration
	BucketSize     time.Duration

	// Events
	EventBufferSize int

	// Maintenance
	MaintenanceSchedule string

	// Auth
	AdminToken          string
	AllowWeakAdminToken bool

	// Profiling
	ProfilingEnabled bool

	// Models
	ModelsFile   string
	DefaultModel string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error listing every invalid or missing value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("TOLLGATE_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("TOLLGATE_PORT", 8080, &errs)

	// --- Upstream ---
	cfg.UpstreamBaseURL = strings.TrimRight(envStr("TOLLGATE_UPSTREAM_BASE_URL", "https://api.z.ai/api/anthropic"), "/")
	cfg.UpstreamAPIKey = os.Getenv("ZAI_API_KEY")
	cfg.AnthropicVersion = envStr("TOLLGATE_ANTHROPIC_VERSION", "2023-06-01")

	// --- Persistence ---
	cfg.DBPath = envStr("TOLLGATE_DB_PATH", "/var/lib/tollgate/tenants.db")
	cfg.DataFile = envStr("DATA_FILE", "/var/lib/tollgate/tollgate.json")
	cfg.FlushInterval = envDuration("TOLLGATE_FLUSH_INTERVAL", time.Second, &errs)
	cfg.FlushThreshold = envInt("TOLLGATE_FLUSH_THRESHOLD", 256, &errs)

	// --- Connection pool ---
	cfg.PoolDisabled = envBool("DISABLE_CONNECTION_POOL", false, &errs)
	cfg.PoolMinConnections = envInt("POOL_MIN_CONNECTIONS", 2, &errs)
	cfg.PoolMaxConnections = envInt("POOL_MAX_CONNECTIONS", 10, &errs)
	cfg.PoolWarm = envBool("POOL_WARM", true, &errs)
	cfg.PoolAcquireTimeout = envDuration("POOL_ACQUIRE_TIMEOUT", 5*time.Second, &errs)
	cfg.PoolIdleTimeout = envDuration("POOL_IDLE_TIMEOUT", 60*time.Second, &errs)
	cfg.PoolKeepAlive = envDuration("POOL_KEEPALIVE_TIMEOUT", 30*time.Second, &errs)
	cfg.PoolHealthInterval = envDuration("POOL_HEALTH_CHECK_INTERVAL", 30*time.Second, &errs)
	cfg.PoolEnableHTTP2 = envBool("POOL_ENABLE_HTTP2", true, &errs)

	// --- Pipelining ---
	cfg.PipelineMaxPerConn = envInt("PIPELINE_MAX_PER_CONNECTION", 10, &errs)
	cfg.PipelineMaxQueueSize = envInt("PIPELINE_MAX_QUEUE_SIZE", 100, &errs)
	cfg.PipelineQueueTimeout = envDuration("PIPELINE_QUEUE_TIMEOUT", 30*time.Second, &errs)

	// --- Streaming ---
	cfg.StreamChunkSize = envInt("STREAM_REQUEST_CHUNK_SIZE", 32768, &errs)
	cfg.StreamBufferPoolEnabled = envBool("STREAM_BUFFER_POOL_ENABLED", true, &errs)

	// --- Response cache ---
	cfg.CacheEnabled = envBool("TOLLGATE_CACHE_ENABLED", false, &errs)
	cfg.CacheMaxEntries = envInt("TOLLGATE_CACHE_MAX_ENTRIES", 1024, &errs)
	cfg.CacheDefaultTTL = envDuration("TOLLGATE_CACHE_DEFAULT_TTL", 5*time.Minute, &errs)

	// --- Rolling window ---
	cfg.WindowDuration = envDuration("TOLLGATE_WINDOW_DURATION", 5*time.Hour, &errs)
	cfg.BucketSize = envDuration("TOLLGATE_BUCKET_SIZE", 5*time.Minute, &errs)

	// --- Events ---
	cfg.EventBufferSize = envInt("TOLLGATE_EVENT_BUFFER_SIZE", 64, &errs)

	// --- Maintenance ---
	cfg.MaintenanceSchedule = envStr("TOLLGATE_MAINTENANCE_SCHEDULE", "@every 1h")

	// --- Auth (must be defined; empty means admin surface disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("TOLLGATE_ADMIN_TOKEN")
	cfg.AdminToken = adminToken
	cfg.AllowWeakAdminToken = envBool("TOLLGATE_ALLOW_WEAK_ADMIN_TOKEN", false, &errs)

	// --- Profiling ---
	cfg.ProfilingEnabled = envBool("TOLLGATE_PROFILING_ENABLED", false, &errs)

	// --- Models ---
	cfg.ModelsFile = envStr("TOLLGATE_MODELS_FILE", "")
	cfg.DefaultModel = envStr("TOLLGATE_DEFAULT_MODEL", "glm-4.7")

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "TOLLGATE_LISTEN_ADDRESS must not be empty")
	}
	validatePort("TOLLGATE_PORT", cfg.Port, &errs)
	if cfg.UpstreamBaseURL == "" {
		errs = append(errs, "TOLLGATE_UPSTREAM_BASE_URL must not be empty")
	}
	if cfg.UpstreamAPIKey == "" {
		errs = append(errs, "ZAI_API_KEY must be set (upstream credential)")
	}
	if !hasAdminToken {
		errs = append(errs, "TOLLGATE_ADMIN_TOKEN must be defined (can be empty to disable the admin surface)")
	}
	if cfg.AdminToken != "" && !cfg.AllowWeakAdminToken && IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "TOLLGATE_ADMIN_TOKEN is too weak; set TOLLGATE_ALLOW_WEAK_ADMIN_TOKEN=1 to override")
	}

	if cfg.FlushInterval <= 0 || cfg.FlushInterval > time.Second {
		errs = append(errs, "TOLLGATE_FLUSH_INTERVAL must be in (0s, 1s]")
	}
	validatePositive("TOLLGATE_FLUSH_THRESHOLD", cfg.FlushThreshold, &errs)

	validatePositive("POOL_MIN_CONNECTIONS", cfg.PoolMinConnections, &errs)
	validatePositive("POOL_MAX_CONNECTIONS", cfg.PoolMaxConnections, &errs)
	if cfg.PoolMinConnections > cfg.PoolMaxConnections {
		errs = append(errs, "POOL_MIN_CONNECTIONS must be less than or equal to POOL_MAX_CONNECTIONS")
	}
	if cfg.PoolAcquireTimeout < 0 {
		errs = append(errs, "POOL_ACQUIRE_TIMEOUT must not be negative (0 fails fast)")
	}
	if cfg.PoolIdleTimeout <= 0 {
		errs = append(errs, "POOL_IDLE_TIMEOUT must be positive")
	}

	validatePositive("PIPELINE_MAX_PER_CONNECTION", cfg.PipelineMaxPerConn, &errs)
	validatePositive("PIPELINE_MAX_QUEUE_SIZE", cfg.PipelineMaxQueueSize, &errs)
	if cfg.PipelineQueueTimeout <= 0 {
		errs = append(errs, "PIPELINE_QUEUE_TIMEOUT must be positive")
	}

	validatePositive("STREAM_REQUEST_CHUNK_SIZE", cfg.StreamChunkSize, &errs)
	validatePositive("TOLLGATE_CACHE_MAX_ENTRIES", cfg.CacheMaxEntries, &errs)
	if cfg.CacheDefaultTTL <= 0 {
		errs = append(errs, "TOLLGATE_CACHE_DEFAULT_TTL must be positive")
	}

	if cfg.WindowDuration <= 0 {
		errs = append(errs, "TOLLGATE_WINDOW_DURATION must be positive")
	}
	if cfg.BucketSize <= 0 || cfg.BucketSize > cfg.WindowDuration {
		errs = append(errs, "TOLLGATE_BUCKET_SIZE must be positive and no larger than TOLLGATE_WINDOW_DURATION")
	}

	validatePositive("TOLLGATE_EVENT_BUFFER_SIZE", cfg.EventBufferSize, &errs)

	if _, err := cron.ParseStandard(cfg.MaintenanceSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("TOLLGATE_MAINTENANCE_SCHEDULE: invalid cron expression %q: %v", cfg.MaintenanceSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

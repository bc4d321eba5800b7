// Package config loads taskcore's runtime configuration the way the
// teacher does: viper for file+env layering, struct tags for mapping,
// go-playground/validator for the final validation pass instead of the
// teacher's hand-rolled field checks.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the process.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database" validate:"required"`
	Redis         RedisConfig         `mapstructure:"redis"`
	MessageQueue  MessageQueueConfig  `mapstructure:"message_queue" validate:"required"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Execution     ExecutionConfig     `mapstructure:"execution" validate:"required"`
	Backoff       BackoffConfig       `mapstructure:"backoff"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Coordinator   CoordinatorConfig   `mapstructure:"coordinator"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig is the health/metrics HTTP listener; the task/sequence
// REST and GraphQL API surfaces are out of CORE's scope (spec.md §1)
// and are not configured here.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gt=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MessageQueueConfig struct {
	URL      string         `mapstructure:"url" validate:"required"`
	Topology TopologyConfig `mapstructure:"topology"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

type TopologyConfig struct {
	TaskExchange  string `mapstructure:"task_exchange"`
	TaskQueue     string `mapstructure:"task_queue"`
	DelayExchange string `mapstructure:"delay_exchange"`
	DelayQueue    string `mapstructure:"delay_queue"`
	EventExchange string `mapstructure:"event_exchange"`
}

type ConsumerConfig struct {
	Workers       int           `mapstructure:"workers" validate:"gt=0"`
	PrefetchCount int           `mapstructure:"prefetch_count"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

// ExecutionConfig governs the step executor's batch sizing and timeout
// math (spec.md §4.4).
type ExecutionConfig struct {
	MinConcurrency           int           `mapstructure:"min_concurrency" validate:"gt=0"`
	MaxConcurrency           int           `mapstructure:"max_concurrency" validate:"gtefield=MinConcurrency"`
	ConcurrencyCacheDuration time.Duration `mapstructure:"concurrency_cache_duration"`
	BatchTimeoutBase         time.Duration `mapstructure:"batch_timeout_base"`
	BatchTimeoutPerStep      time.Duration `mapstructure:"batch_timeout_per_step"`
	MaxBatchTimeout          time.Duration `mapstructure:"max_batch_timeout"`
	FutureCleanupWait        time.Duration `mapstructure:"future_cleanup_wait"`
	GCHookEnabled            bool          `mapstructure:"gc_hook_enabled"`
	GCTriggerBatchSize       int           `mapstructure:"gc_trigger_batch_size"`
	GCTriggerDuration        time.Duration `mapstructure:"gc_trigger_duration"`
}

// BackoffConfig parameterizes backoff.Policy (spec.md §4.5).
type BackoffConfig struct {
	Multiplier float64       `mapstructure:"multiplier"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	Jitter     bool          `mapstructure:"jitter"`
}

// AnalysisConfig drives the dependency-graph analysis scoring that
// supplements the base spec (SPEC_FULL.md §6): depth and failure-ratio
// weights, the multiplier applied to the whole score when any step is
// permanently blocked, and the threshold past which a task is flagged
// as at risk of stalling.
type AnalysisConfig struct {
	Enabled                bool    `mapstructure:"enabled"`
	CriticalPathMultiplier float64 `mapstructure:"critical_path_multiplier"`
	FailureWeight          float64 `mapstructure:"failure_weight"`
	DepthWeight            float64 `mapstructure:"depth_weight"`
	AtRiskThreshold        float64 `mapstructure:"at_risk_threshold"`
}

// CacheConfig governs the readiness.Cached decorator's TTLs.
type CacheConfig struct {
	ActiveTTL time.Duration `mapstructure:"active_ttl"`
	IdleTTL   time.Duration `mapstructure:"idle_ttl"`
}

// ResilienceConfig sizes the per-named_step circuit breaker the step
// executor wraps StepHandler.Execute calls in, replacing the executor's
// previously hardcoded breaker literals with operator-tunable knobs.
type ResilienceConfig struct {
	StepBreakerMaxRequests                 uint32        `mapstructure:"step_breaker_max_requests"`
	StepBreakerInterval                    time.Duration `mapstructure:"step_breaker_interval"`
	StepBreakerTimeout                     time.Duration `mapstructure:"step_breaker_timeout"`
	StepBreakerConsecutiveFailureThreshold uint32        `mapstructure:"step_breaker_consecutive_failure_threshold"`
	StepBreakerFailureRateThreshold        float64       `mapstructure:"step_breaker_failure_rate_threshold"`
	StepBreakerMinThroughput               uint32        `mapstructure:"step_breaker_min_throughput"`
}

// CoordinatorConfig governs coordinator.Coordinator's outer loop,
// including the optional advisory-lock mode from SPEC_FULL.md's Open
// Question decisions.
type CoordinatorConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	UseAdvisoryLock     bool          `mapstructure:"use_advisory_lock"`
	MaxPassesPerInvoke  int           `mapstructure:"max_passes_per_invoke"`
}

// Load loads configuration from environment variables and an optional
// config file, applying defaults and validating the result.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/taskcore")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "taskcore")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")

	viper.SetDefault("server.address", ":8080")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("message_queue.topology.task_exchange", "taskcore.tasks")
	viper.SetDefault("message_queue.topology.task_queue", "taskcore.tasks.ready")
	viper.SetDefault("message_queue.topology.delay_exchange", "taskcore.tasks.delay")
	viper.SetDefault("message_queue.topology.delay_queue", "taskcore.tasks.delay.wait")
	viper.SetDefault("message_queue.topology.event_exchange", "taskcore.events")
	viper.SetDefault("message_queue.consumer.workers", 10)
	viper.SetDefault("message_queue.consumer.prefetch_count", 50)
	viper.SetDefault("message_queue.consumer.retry_delay", "5s")

	viper.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	viper.SetDefault("observability.service_name", "taskcore")
	viper.SetDefault("observability.environment", "development")

	viper.SetDefault("execution.min_concurrency", 3)
	viper.SetDefault("execution.max_concurrency", 12)
	viper.SetDefault("execution.concurrency_cache_duration", "30s")
	viper.SetDefault("execution.batch_timeout_base", "10s")
	viper.SetDefault("execution.batch_timeout_per_step", "2s")
	viper.SetDefault("execution.max_batch_timeout", "120s")
	viper.SetDefault("execution.future_cleanup_wait", "1s")
	viper.SetDefault("execution.gc_hook_enabled", true)
	viper.SetDefault("execution.gc_trigger_batch_size", 6)
	viper.SetDefault("execution.gc_trigger_duration", "30s")

	viper.SetDefault("backoff.multiplier", 2.0)
	viper.SetDefault("backoff.max_backoff", "5m")
	viper.SetDefault("backoff.jitter", true)

	viper.SetDefault("analysis.enabled", true)
	viper.SetDefault("analysis.critical_path_multiplier", 1.5)
	viper.SetDefault("analysis.failure_weight", 0.6)
	viper.SetDefault("analysis.depth_weight", 0.4)
	viper.SetDefault("analysis.at_risk_threshold", 0.75)

	viper.SetDefault("cache.active_ttl", "2s")
	viper.SetDefault("cache.idle_ttl", "30s")

	viper.SetDefault("coordinator.poll_interval", "1s")
	viper.SetDefault("coordinator.use_advisory_lock", false)
	viper.SetDefault("coordinator.max_passes_per_invoke", 0)

	viper.SetDefault("resilience.step_breaker_max_requests", 3)
	viper.SetDefault("resilience.step_breaker_interval", "1m")
	viper.SetDefault("resilience.step_breaker_timeout", "30s")
	viper.SetDefault("resilience.step_breaker_consecutive_failure_threshold", 5)
	viper.SetDefault("resilience.step_breaker_failure_rate_threshold", 0.5)
	viper.SetDefault("resilience.step_breaker_min_throughput", 10)
}

func bindEnvVars() {
	viper.BindEnv("app.environment", "NODE_ENV")

	viper.BindEnv("server.address", "SERVER_ADDR")

	viper.BindEnv("database.url", "POSTGRES_URL")
	viper.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	viper.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	viper.BindEnv("database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")

	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("message_queue.url", "RABBITMQ_URL")

	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")

	viper.BindEnv("execution.min_concurrency", "TASKCORE_MIN_CONCURRENCY")
	viper.BindEnv("execution.max_concurrency", "TASKCORE_MAX_CONCURRENCY")

	viper.BindEnv("coordinator.use_advisory_lock", "TASKCORE_USE_ADVISORY_LOCK")
}

var validate = validator.New()

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Execution.MinConcurrency <= 0 || cfg.Execution.MaxConcurrency < cfg.Execution.MinConcurrency {
		return fmt.Errorf("execution.min_concurrency/max_concurrency must satisfy 0 < min <= max")
	}
	return nil
}

package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" validate:"required"`
	Resilience ResilienceConfig `mapstructure:"resilience" validate:"required"`
	Workflow   WorkflowConfig   `mapstructure:"workflow" validate:"required"`
	Registry   RegistryConfig   `mapstructure:"registry" validate:"required"`
	Events     EventsConfig     `mapstructure:"events"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Workers    []WorkerConfig   `mapstructure:"workers" validate:"dive"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects the task and workflow storage.
type DatabaseConfig struct {
	// Driver is memory, postgres or sqlite
	Driver string `mapstructure:"driver" validate:"required,oneof=memory postgres sqlite"`
	// URL is a Postgres connection URL or a SQLite file path
	URL string `mapstructure:"url" validate:"required_unless=Driver memory"`
	// MaxOpenConns caps the connection pool
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"gte=0"`
}

// SchedulerConfig contains task scheduler settings.
type SchedulerConfig struct {
	PollInterval           time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxConcurrent          int           `mapstructure:"max_concurrent" validate:"gt=0"`
	MinPriority            int           `mapstructure:"min_priority"`
	MaxPriority            int           `mapstructure:"max_priority" validate:"gtefield=MinPriority"`
	DefaultMaxRetries      int           `mapstructure:"default_max_retries" validate:"gte=0"`
	DispatchAttempts       int           `mapstructure:"dispatch_attempts" validate:"gte=1"`
	HandlerTimeout         time.Duration `mapstructure:"handler_timeout" validate:"gte=0"`
	StuckTaskAge           time.Duration `mapstructure:"stuck_task_age" validate:"gt=0"`
	StuckTaskCheckInterval time.Duration `mapstructure:"stuck_task_check_interval" validate:"gt=0"`
	BackoffInitial         time.Duration `mapstructure:"backoff_initial" validate:"gt=0"`
	BackoffMax             time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffInitial"`
}

// ResilienceConfig contains retry, circuit breaker and concurrency settings
// shared by the scheduler and the workflow executor.
type ResilienceConfig struct {
	// MaxConcurrentOperations bounds in-flight tasks and steps together;
	// zero means unlimited
	MaxConcurrentOperations int           `mapstructure:"max_concurrent_operations" validate:"gte=0"`
	RetryMaxAttempts        int           `mapstructure:"retry_max_attempts" validate:"gte=1"`
	RetryBaseDelay          time.Duration `mapstructure:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay           time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	RetryJitter             bool          `mapstructure:"retry_jitter"`
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold" validate:"gte=1"`
	BreakerResetTimeout     time.Duration `mapstructure:"breaker_reset_timeout" validate:"gt=0"`
}

// WorkflowConfig contains planner and executor settings.
type WorkflowConfig struct {
	MaxAgents      int           `mapstructure:"max_agents" validate:"gt=0"`
	StepTimeout    time.Duration `mapstructure:"step_timeout" validate:"gte=0"`
	StepEstimate   time.Duration `mapstructure:"step_estimate" validate:"gt=0"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`
}

// RegistryConfig contains collaboration registry settings.
type RegistryConfig struct {
	SweepInterval   time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	RetentionWindow time.Duration `mapstructure:"retention_window" validate:"gt=0"`
	StallFactor     float64       `mapstructure:"stall_factor" validate:"gte=1"`

	// FailureRateThreshold is the failed share of finished workflows above
	// which a sweep logs a warning
	FailureRateThreshold float64 `mapstructure:"failure_rate_threshold" validate:"gt=0,lte=1"`
}

// EventsConfig contains event fan-out settings.
type EventsConfig struct {
	// NATSURL enables publishing events to NATS when set
	NATSURL       string `mapstructure:"nats_url" validate:"omitempty,url"`
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required_with=NATSURL"`
}

// AuthConfig contains API authentication settings. An empty secret disables
// authentication.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
	// TokenLifetime is the validity of tokens minted by the token command
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"gt=0"`
}

// WorkerConfig describes an HTTP webhook serving a task type or an agent.
type WorkerConfig struct {
	// Kind is task or agent
	Kind    string            `mapstructure:"kind" validate:"required,oneof=task agent"`
	Name    string            `mapstructure:"name" validate:"required"`
	URL     string            `mapstructure:"url" validate:"required,url"`
	Timeout time.Duration     `mapstructure:"timeout" validate:"gte=0"`
	Headers map[string]string `mapstructure:"headers"`
}

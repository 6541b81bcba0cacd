// Package config defines the process configuration for the scheduling and
// batch-processing services. Configuration is loaded once at startup and is
// immutable thereafter; components receive the sub-struct they need at
// construction time instead of reading the environment themselves.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
package config

import (
	"time"

	"jewelerp/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"jewelerp-scheduler"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Recurrence    RecurrenceConfig
	Batch         BatchConfig
	Business      BusinessConfig
	Stripe        StripeConfig
	PDF           PDFConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration for the operator API.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig configures the fleet-wide lease store. When URL is empty the
// Postgres job_locks table is used instead.
type RedisConfig struct {
	URL       SecretString `envconfig:"REDIS_URL"`
	KeyPrefix string       `envconfig:"REDIS_LOCK_PREFIX" default:"jewelerp:lock:"`
}

// AWSConfig holds queue identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	TaskQueueURL         string `envconfig:"SQS_TASKS" validate:"omitempty,url"`
	NotificationQueueURL string `envconfig:"SQS_NOTIFICATIONS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// RecurrenceConfig tunes the recurring-invoice cycle.
type RecurrenceConfig struct {
	// CycleSchedule is the cron expression used by cmd/scheduler.
	CycleSchedule string `envconfig:"RECURRENCE_CRON" default:"0 2 * * *"`
	// Timezone used to compute "today" for a cycle.
	Timezone string `envconfig:"RECURRENCE_TIMEZONE" default:"UTC"`
	// LockTTL bounds how long a crashed cycle can block the next one.
	LockTTL time.Duration `envconfig:"RECURRENCE_LOCK_TTL" default:"30m"`
	// Concurrency is the number of schedules processed in parallel.
	Concurrency int `envconfig:"RECURRENCE_CONCURRENCY" default:"4" validate:"min=1,max=64"`
	// GeneratorTimeout bounds a single InvoiceGenerator call.
	GeneratorTimeout time.Duration `envconfig:"RECURRENCE_GENERATOR_TIMEOUT" default:"5m"`
	// CatchUp selects how missed periods are handled: "one_per_cycle" fires
	// once per cycle from the stored date; "collapse" fires once and jumps to
	// the first date after today.
	CatchUp string `envconfig:"RECURRENCE_CATCH_UP" default:"one_per_cycle" validate:"oneof=one_per_cycle collapse"`
	// NotifyOnGeneration enqueues a customer notice after each invoice.
	NotifyOnGeneration bool `envconfig:"RECURRENCE_NOTIFY" default:"true"`
}

// BatchConfig holds the retry/backoff policy and batch limits.
type BatchConfig struct {
	RetryDelays  []time.Duration `envconfig:"BATCH_RETRY_DELAYS" default:"30s,60s,120s"`
	MaxAttempts  int             `envconfig:"BATCH_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	Deadline     time.Duration   `envconfig:"BATCH_DEADLINE" default:"2h"`
	CallTimeout  time.Duration   `envconfig:"BATCH_CALL_TIMEOUT" default:"5m"`
	ChunkSize    int             `envconfig:"BATCH_CHUNK_SIZE" default:"50" validate:"min=1"`
	LockTTL      time.Duration   `envconfig:"BATCH_LOCK_TTL" default:"15m"`
	// ReapSchedule is the cron spec cmd/scheduler uses for the reaper.
	ReapSchedule string          `envconfig:"BATCH_REAP_CRON" default:"@every 5m"`
	// DispatchGrace is the age after which the reaper re-sends the first
	// execute task of a batch still pending.
	DispatchGrace time.Duration `envconfig:"BATCH_DISPATCH_GRACE" default:"10m"`

	// SkipRetryOnValidation fails a batch immediately on a validation error
	// instead of spending the remaining attempts.
	SkipRetryOnValidation bool `envconfig:"BATCH_SKIP_RETRY_ON_VALIDATION" default:"false"`
}

// BusinessConfig holds tenant-facing identity used in notices.
type BusinessConfig struct {
	Name     string `envconfig:"BUSINESS_NAME" default:"Jewelry Store"`
	Currency string `envconfig:"BUSINESS_CURRENCY" default:"usd" validate:"len=3"`
}

// StripeConfig holds the invoice provider credentials.
type StripeConfig struct {
	SecretKey    SecretString `envconfig:"STRIPE_SECRET_KEY"`
	DaysUntilDue int64        `envconfig:"STRIPE_DAYS_UNTIL_DUE" default:"30"`
}

// PDFConfig points at the PDF rendering service.
type PDFConfig struct {
	RendererURL string        `envconfig:"PDF_RENDERER_URL" validate:"omitempty,url"`
	Timeout     time.Duration `envconfig:"PDF_RENDERER_TIMEOUT" default:"60s"`
	UserAgent   string        `envconfig:"PDF_USER_AGENT" default:"jewelerp-batch/1.0"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"JewelERP"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)

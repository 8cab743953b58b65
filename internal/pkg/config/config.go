package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	RedisAddr   string `env:"REDIS_ADDR,required"`
	PostgresURL string `env:"POSTGRES_URL,required"`

	IngestServerAddr string        `env:"INGEST_SERVER_ADDR" envDefault:":8080"`
	AdminServerAddr  string        `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`
	APIKeyCacheTTL   time.Duration `env:"API_KEY_CACHE_TTL" envDefault:"5m"`

	// Mailbox and push subscription.
	GraphBaseURL            string        `env:"GRAPH_BASE_URL" envDefault:"https://graph.microsoft.com/v1.0"`
	GraphTokenURL           string        `env:"GRAPH_TOKEN_URL"`
	GraphClientID           string        `env:"GRAPH_CLIENT_ID"`
	GraphClientSecret       string        `env:"GRAPH_CLIENT_SECRET"`
	Mailbox                 string        `env:"MAILBOX,required"`
	NotificationURL         string        `env:"NOTIFICATION_URL"`
	SubscriptionClientState string        `env:"SUBSCRIPTION_CLIENT_STATE"`
	SubscriptionDuration    time.Duration `env:"SUBSCRIPTION_DURATION" envDefault:"70h"`
	RenewMargin             time.Duration `env:"SUBSCRIPTION_RENEW_MARGIN" envDefault:"6h"`
	RecreateInterval        time.Duration `env:"SUBSCRIPTION_RECREATE_INTERVAL" envDefault:"10m"`
	PollInterval            time.Duration `env:"POLL_INTERVAL" envDefault:"15m"`
	PollIntervalDegraded    time.Duration `env:"POLL_INTERVAL_DEGRADED" envDefault:"2m"`
	PollBatchSize           int           `env:"POLL_BATCH_SIZE" envDefault:"50"`

	// Storage.
	AttachmentDir  string `env:"ATTACHMENT_DIR" envDefault:"./data/attachments"`
	WALPath        string `env:"WAL_PATH" envDefault:"./data/wal"`
	WALSegmentSize int64  `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`   // 100MB
	WALMaxDiskSize int64  `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB

	// Pipeline.
	Stages            []string      `env:"STAGES" envDefault:"extract,route,notify" envSeparator:","`
	ConsumerName      string        `env:"CONSUMER_NAME"`
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"20"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	LeaseDuration     time.Duration `env:"LEASE_DURATION" envDefault:"2m"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE" envDefault:"5s"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX" envDefault:"5m"`
	DirectoryCacheTTL time.Duration `env:"DIRECTORY_CACHE_TTL" envDefault:"1m"`

	// Matching.
	MatchThreshold float64 `env:"MATCH_THRESHOLD" envDefault:"0.85"`
	MatchMargin    float64 `env:"MATCH_MARGIN" envDefault:"0.05"`

	// Routing.
	ForwarderKind    string        `env:"FORWARDER" envDefault:"http"`
	ForwardURL       string        `env:"FORWARD_URL"`
	ForwardToken     string        `env:"FORWARD_TOKEN"`
	ForwardTimeout   time.Duration `env:"FORWARD_TIMEOUT" envDefault:"30s"`
	KafkaBrokers     []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string        `env:"KAFKA_FORWARD_TOPIC" envDefault:"invoices.routed"`
	UnmatchedPolicy  string        `env:"UNMATCHED_POLICY" envDefault:"hold"`
	HoldingRecipient string        `env:"HOLDING_RECIPIENT" envDefault:"ap-holding"`
	BreakerThreshold int           `env:"FORWARD_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerReset     time.Duration `env:"FORWARD_BREAKER_RESET" envDefault:"30s"`

	// Notifications.
	NotifyWebhookURL   string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifyRatePerSec   float64       `env:"NOTIFY_RATE_PER_SEC" envDefault:"1"`
	NotifyDedupTTL     time.Duration `env:"NOTIFY_DEDUP_TTL" envDefault:"72h"`
	PIIRedactionFields string        `env:"PII_REDACTION_FIELDS" envDefault:"sender"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ClaimTTL is the database claim and routing lease. It is shorter than the
// queue lease so a reclaimed entry never meets a claim left by a dead worker.
func (c *Config) ClaimTTL() time.Duration {
	return c.LeaseDuration * 9 / 10
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency)
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold >= 1 {
		return fmt.Errorf("MATCH_THRESHOLD must be in (0,1), got %v", c.MatchThreshold)
	}
	if c.MatchMargin < 0 || c.MatchMargin >= 1 {
		return fmt.Errorf("MATCH_MARGIN must be in [0,1), got %v", c.MatchMargin)
	}
	switch c.UnmatchedPolicy {
	case "hold", "withhold":
	default:
		return fmt.Errorf("UNMATCHED_POLICY must be hold or withhold, got %q", c.UnmatchedPolicy)
	}
	switch c.ForwarderKind {
	case "http", "kafka":
	default:
		return fmt.Errorf("FORWARDER must be http or kafka, got %q", c.ForwarderKind)
	}
	if c.RenewMargin >= c.SubscriptionDuration {
		return fmt.Errorf("SUBSCRIPTION_RENEW_MARGIN (%s) must be shorter than SUBSCRIPTION_DURATION (%s)", c.RenewMargin, c.SubscriptionDuration)
	}
	return nil
}

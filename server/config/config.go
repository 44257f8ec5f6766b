package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all application configuration
type Config struct {
	AgentName        string // Build-time metadata, not configurable via environment
	AgentDescription string // Build-time metadata, not configurable via environment
	AgentVersion     string // Build-time metadata, not configurable via environment
	AgentURL         string `env:"AGENT_URL"`
	ProtocolVersion  string `env:"PROTOCOL_VERSION,default=0.3.0" description:"A2A protocol version advertised on the agent card"`
	PathPrefix       string `env:"PATH_PREFIX,default=/" description:"URL prefix the protocol routes are mounted under"`
	Debug            bool   `env:"DEBUG,default=false"`
	Timezone         string `env:"TIMEZONE,default=UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York, Europe/London)"`

	DefaultInputModes  []string `env:"DEFAULT_INPUT_MODES,default=text/plain" description:"Media types accepted in incoming message parts"`
	DefaultOutputModes []string `env:"DEFAULT_OUTPUT_MODES,default=text/plain" description:"Media types produced in outgoing message parts"`

	TaskConfig         TaskConfig         `env:",prefix=TASK_"`
	CapabilitiesConfig CapabilitiesConfig `env:",prefix=CAPABILITIES_"`
	AuthConfig         AuthConfig         `env:",prefix=AUTH_"`
	StorageConfig      StorageConfig      `env:",prefix=STORAGE_"`
	PushConfig         PushConfig         `env:",prefix=PUSH_"`
	ServerConfig       ServerConfig       `env:",prefix=SERVER_"`
	TelemetryConfig    TelemetryConfig    `env:",prefix=TELEMETRY_"`
	ArtifactsConfig    ArtifactsConfig    `env:",prefix=ARTIFACTS_"`
}

// TaskConfig bounds the task pipeline
type TaskConfig struct {
	MaxHistoryLength       int           `env:"MAX_HISTORY_LENGTH,default=100" description:"Maximum messages retained per task history"`
	EventQueueCapacity     int           `env:"EVENT_QUEUE_CAPACITY,default=256" description:"Buffered events per task queue"`
	SyncSendTimeout        time.Duration `env:"SYNC_SEND_TIMEOUT,default=30s" description:"Maximum wait for a blocking message/send to reach a terminal state"`
	CancelGracePeriod      time.Duration `env:"CANCEL_GRACE_PERIOD,default=100ms" description:"Wait for a cooperative cancel before forcing the canceled state"`
	SubscriberWriteTimeout time.Duration `env:"SUBSCRIBER_WRITE_TIMEOUT,default=10s" description:"Maximum wait for a streaming client write"`
}

// CapabilitiesConfig defines agent capabilities
type CapabilitiesConfig struct {
	Streaming              bool `env:"STREAMING,default=true" description:"Enable streaming support"`
	PushNotifications      bool `env:"PUSH_NOTIFICATIONS,default=true" description:"Enable push notifications"`
	StateTransitionHistory bool `env:"STATE_TRANSITION_HISTORY,default=false" description:"Enable state transition history"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enable   bool   `env:"ENABLE,default=false"`
	CertPath string `env:"CERT_PATH" description:"TLS certificate path"`
	KeyPath  string `env:"KEY_PATH" description:"TLS key path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enable       bool   `env:"ENABLE,default=false"`
	IssuerURL    string `env:"ISSUER_URL" description:"OIDC issuer URL"`
	ClientID     string `env:"CLIENT_ID" description:"OIDC client id expected in the token audience"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// StorageConfig holds task store configuration
type StorageConfig struct {
	Provider    string            `env:"PROVIDER,default=memory" description:"Task store provider (memory, redis)"`
	URL         string            `env:"URL" description:"Connection URL for the store backend"`
	Credentials map[string]string `env:"CREDENTIALS" description:"Provider-specific credentials"`
	Options     map[string]string `env:"OPTIONS" description:"Provider-specific configuration options"`
}

// PushConfig bounds webhook delivery
type PushConfig struct {
	Timeout     time.Duration `env:"TIMEOUT,default=30s" description:"Webhook request timeout"`
	MaxAttempts int           `env:"MAX_ATTEMPTS,default=5" description:"Delivery attempts before a config is deactivated"`
	RetryBase   time.Duration `env:"RETRY_BASE,default=1s" description:"Base delay of the exponential backoff"`
	RetryMax    time.Duration `env:"RETRY_MAX,default=60s" description:"Backoff delay cap"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                  string        `env:"PORT,default=8080" description:"HTTP server port"`
	ReadTimeout           time.Duration `env:"READ_TIMEOUT,default=120s" description:"HTTP server read timeout"`
	WriteTimeout          time.Duration `env:"WRITE_TIMEOUT,default=120s" description:"HTTP server write timeout"`
	IdleTimeout           time.Duration `env:"IDLE_TIMEOUT,default=120s" description:"HTTP server idle timeout"`
	DisableHealthcheckLog bool          `env:"DISABLE_HEALTHCHECK_LOG,default=true" description:"Disable logging for health check requests"`
	TLSConfig             TLSConfig     `env:",prefix=TLS_"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Port         string        `env:"PORT,default=9090" description:"Metrics server port"`
	Host         string        `env:"HOST,default=" description:"Metrics server host (empty for all interfaces)"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT,default=30s" description:"Metrics server read timeout"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT,default=30s" description:"Metrics server write timeout"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT,default=60s" description:"Metrics server idle timeout"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enable        bool          `env:"ENABLE,default=false" description:"Enable telemetry collection"`
	MetricsConfig MetricsConfig `env:",prefix=METRICS_"`
}

// ArtifactsConfig holds artifact storage offload configuration
type ArtifactsConfig struct {
	Enable        bool                   `env:"ENABLE,default=false" description:"Enable offloading inline file parts to artifact storage"`
	MinSizeBytes  int64                  `env:"MIN_SIZE_BYTES,default=4096" description:"Inline file parts at or above this decoded size are offloaded"`
	StorageConfig ArtifactsStorageConfig `env:",prefix=STORAGE_" description:"Storage configuration for artifacts"`
}

// ArtifactsStorageConfig holds storage configuration for artifacts
type ArtifactsStorageConfig struct {
	Provider   string `env:"PROVIDER,default=filesystem" description:"Storage provider (filesystem, minio)"`
	BasePath   string `env:"BASE_PATH,default=./artifacts" description:"Base path for filesystem storage"`
	BaseURL    string `env:"BASE_URL" description:"Base URL for accessing artifacts (e.g., https://api.example.com)"`
	Endpoint   string `env:"ENDPOINT" description:"Storage endpoint URL (for MinIO)"`
	AccessKey  string `env:"ACCESS_KEY" description:"Storage access key"`
	SecretKey  string `env:"SECRET_KEY" description:"Storage secret key"`
	BucketName string `env:"BUCKET_NAME,default=artifacts" description:"Storage bucket name"`
	Region     string `env:"REGION,default=us-east-1" description:"Storage region"`
	UseSSL     bool   `env:"USE_SSL,default=true" description:"Use SSL for storage connections"`
}

// Load loads configuration from environment variables, merging with the provided base config.
func Load(ctx context.Context, baseConfig *Config) (*Config, error) {
	return LoadWithLookuper(ctx, baseConfig, envconfig.OsLookuper())
}

// LoadWithLookuper creates and loads configuration using a custom lookuper and merges with user config
func LoadWithLookuper(ctx context.Context, baseConfig *Config, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config

	if baseConfig != nil {
		cfg = *baseConfig
	}

	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// NewWithDefaults creates a new config with defaults applied from struct tags.
func NewWithDefaults(ctx context.Context, baseConfig *Config) (*Config, error) {
	return LoadWithLookuper(ctx, baseConfig, &emptyLookuper{})
}

// emptyLookuper ensures that only default values from struct tags are used
type emptyLookuper struct{}

func (e *emptyLookuper) Lookup(key string) (string, bool) {
	return "", false
}

// Validate validates the configuration and applies corrections for invalid values
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
	}

	if !strings.HasPrefix(c.PathPrefix, "/") {
		c.PathPrefix = "/" + c.PathPrefix
	}
	if c.PathPrefix != "/" {
		c.PathPrefix = strings.TrimSuffix(c.PathPrefix, "/")
	}

	if c.TaskConfig.MaxHistoryLength < 0 {
		c.TaskConfig.MaxHistoryLength = 0
	}
	if c.TaskConfig.EventQueueCapacity < 1 {
		c.TaskConfig.EventQueueCapacity = 256
	}

	switch c.StorageConfig.Provider {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unsupported storage provider '%s'", c.StorageConfig.Provider)
	}

	if c.AuthConfig.Enable && c.AuthConfig.IssuerURL == "" {
		return fmt.Errorf("auth is enabled but no issuer URL is configured")
	}

	return nil
}

// GetTimezone returns the timezone location for timestamps
func (c *Config) GetTimezone() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

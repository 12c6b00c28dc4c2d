package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch worker and tracking server.
type Config struct {
	Env          string             `yaml:"env"`
	LogLevel     string             `yaml:"log_level"`
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	AWS          AWSConfig          `yaml:"aws"`
	Worker       WorkerConfig       `yaml:"worker"`
	Claim        ClaimConfig        `yaml:"claim"`
	History      HistoryConfig      `yaml:"history"`
	Tracking     TrackingConfig     `yaml:"tracking"`
	Attachments  AttachmentsConfig  `yaml:"attachments"`
	Organization OrganizationConfig `yaml:"organization"`
	Transport    TransportConfig    `yaml:"transport"`
	SendGrid     SendGridConfig     `yaml:"sendgrid"`
	Mailgun      MailgunConfig      `yaml:"mailgun"`
	SparkPost    SparkPostConfig    `yaml:"sparkpost"`
	SES          SESConfig          `yaml:"ses"`
	SMTP         SMTPConfig         `yaml:"smtp"`
}

// ServerConfig holds HTTP server configuration for the webhook/metrics server.
type ServerConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns host:port, listening on all interfaces inside containers.
func (c ServerConfig) Addr() string {
	host := c.Host
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// ConnLifetime returns the connection max lifetime as a duration.
func (c DatabaseConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// RedisConfig holds the Redis connection settings. Redis is optional unless
// a Redis-backed claim queue or publisher is selected.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// AWSConfig holds shared AWS SDK settings.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// WorkerConfig controls the send worker pool.
type WorkerConfig struct {
	Concurrency           int    `yaml:"concurrency" validate:"min=1,max=256"`
	PollIntervalSeconds   int    `yaml:"poll_interval_seconds"`
	DueBatchSize          int    `yaml:"due_batch_size"`
	MediumID              string `yaml:"medium_id" validate:"required"`
	StaleClaimSeconds     int    `yaml:"stale_claim_seconds"`
	RecoveryIntervalSecs  int    `yaml:"recovery_interval_seconds"`
	PopulateResponseCodes bool   `yaml:"populate_response_codes"`
}

// PollInterval returns how often due communications are polled.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StaleClaimAge returns how long a claim may stay in sending before recovery.
func (c WorkerConfig) StaleClaimAge() time.Duration {
	return time.Duration(c.StaleClaimSeconds) * time.Second
}

// RecoveryInterval returns how often the stale-claim sweep runs.
func (c WorkerConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSecs) * time.Second
}

// ClaimConfig selects the recipient claim queue backend.
type ClaimConfig struct {
	Backend string `yaml:"backend" validate:"oneof=postgres redis memory"`
}

// HistoryConfig selects the audit history sink.
type HistoryConfig struct {
	Backend string `yaml:"backend" validate:"oneof=postgres dynamodb"`
	Table   string `yaml:"table"`
}

// TrackingConfig selects the communication-record publisher.
type TrackingConfig struct {
	Publisher string `yaml:"publisher" validate:"oneof=sqs redis none"`
	QueueURL  string `yaml:"queue_url"`
	ListKey   string `yaml:"list_key"`
}

// AttachmentsConfig selects the attachment blob store.
type AttachmentsConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=s3 local"`
	Bucket    string `yaml:"bucket"`
	LocalPath string `yaml:"local_path"`
}

// OrganizationConfig holds the organization values a send runs under.
type OrganizationConfig struct {
	Email         string              `yaml:"email"`
	Name          string              `yaml:"name"`
	PublicAppRoot string              `yaml:"public_app_root"`
	SafeDomains   []domain.SafeDomain `yaml:"safe_domains"`
}

// SendContext converts the organization section into a domain.SendContext.
func (c OrganizationConfig) SendContext() domain.SendContext {
	root := c.PublicAppRoot
	if root != "" && !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return domain.SendContext{
		OrgEmail:      c.Email,
		OrgName:       c.Name,
		SafeDomains:   c.SafeDomains,
		PublicAppRoot: root,
	}
}

// TransportConfig picks the transport used when a communication names none.
type TransportConfig struct {
	Default string `yaml:"default" validate:"oneof=sendgrid mailgun sparkpost ses smtp"`
}

// SendGridConfig holds SendGrid v3 API credentials.
type SendGridConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	TrackOpens     *bool  `yaml:"track_opens"`
}

// Timeout returns the timeout as a duration.
func (c SendGridConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// MailgunConfig holds Mailgun API credentials.
type MailgunConfig struct {
	APIKey            string `yaml:"api_key"`
	Domain            string `yaml:"domain"`
	BaseURL           string `yaml:"base_url"`
	WebhookSigningKey string `yaml:"webhook_signing_key"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	TrackOpens        *bool  `yaml:"track_opens"`
}

// Timeout returns the timeout as a duration.
func (c MailgunConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// SparkPostConfig holds SparkPost API credentials.
type SparkPostConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	TrackOpens     *bool  `yaml:"track_opens"`
}

// Timeout returns the timeout as a duration.
func (c SparkPostConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// SESConfig holds AWS SES credentials. Empty keys fall back to the default
// AWS credential chain.
type SESConfig struct {
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	Region           string `yaml:"region"`
	ConfigurationSet string `yaml:"configuration_set"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	TrackOpens       *bool  `yaml:"track_opens"`
}

// Timeout returns the timeout as a duration.
func (c SESConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// SMTPConfig holds relay settings for the SMTP transport.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TLS            string `yaml:"tls" validate:"omitempty,oneof=mandatory opportunistic ssl none"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the timeout as a duration.
func (c SMTPConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// TrackingEnabled resolves an optional track_opens flag, defaulting to true.
func TrackingEnabled(flag *bool) bool {
	return flag == nil || *flag
}

// Load reads the YAML file at path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Env == "" {
		cfg.Env = "production"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.PollIntervalSeconds == 0 {
		cfg.Worker.PollIntervalSeconds = 30
	}
	if cfg.Worker.DueBatchSize == 0 {
		cfg.Worker.DueBatchSize = 20
	}
	if cfg.Worker.MediumID == "" {
		cfg.Worker.MediumID = "email"
	}
	if cfg.Worker.StaleClaimSeconds == 0 {
		cfg.Worker.StaleClaimSeconds = 300
	}
	if cfg.Worker.RecoveryIntervalSecs == 0 {
		cfg.Worker.RecoveryIntervalSecs = 120
	}
	if cfg.Claim.Backend == "" {
		cfg.Claim.Backend = "postgres"
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = "postgres"
	}
	if cfg.History.Table == "" {
		cfg.History.Table = "communication_history"
	}
	if cfg.Tracking.Publisher == "" {
		cfg.Tracking.Publisher = "none"
	}
	if cfg.Tracking.ListKey == "" {
		cfg.Tracking.ListKey = "communication:records"
	}
	if cfg.Attachments.Backend == "" {
		cfg.Attachments.Backend = "local"
	}
	if cfg.Attachments.LocalPath == "" {
		cfg.Attachments.LocalPath = "./data/attachments"
	}
	if cfg.Transport.Default == "" {
		cfg.Transport.Default = string(domain.TransportSendGrid)
	}
	if cfg.SendGrid.BaseURL == "" {
		cfg.SendGrid.BaseURL = "https://api.sendgrid.com"
	}
	if cfg.SendGrid.TimeoutSeconds == 0 {
		cfg.SendGrid.TimeoutSeconds = 60
	}
	if cfg.Mailgun.BaseURL == "" {
		cfg.Mailgun.BaseURL = "https://api.mailgun.net/v3"
	}
	if cfg.Mailgun.TimeoutSeconds == 0 {
		cfg.Mailgun.TimeoutSeconds = 60
	}
	if cfg.SparkPost.BaseURL == "" {
		cfg.SparkPost.BaseURL = "https://api.sparkpost.com/api/v1"
	}
	if cfg.SparkPost.TimeoutSeconds == 0 {
		cfg.SparkPost.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = cfg.AWS.Region
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.TLS == "" {
		cfg.SMTP.TLS = "mandatory"
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 30
	}
}

var validate = validator.New()

// Validate checks struct constraints and cross-field requirements.
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Claim.Backend == "redis" && !cfg.Redis.Enabled() {
		return fmt.Errorf("invalid config: claim.backend=redis requires redis.addr")
	}
	if cfg.Tracking.Publisher == "redis" && !cfg.Redis.Enabled() {
		return fmt.Errorf("invalid config: tracking.publisher=redis requires redis.addr")
	}
	if cfg.Tracking.Publisher == "sqs" && cfg.Tracking.QueueURL == "" {
		return fmt.Errorf("invalid config: tracking.publisher=sqs requires tracking.queue_url")
	}
	if cfg.Attachments.Backend == "s3" && cfg.Attachments.Bucket == "" {
		return fmt.Errorf("invalid config: attachments.backend=s3 requires attachments.bucket")
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first when present so secrets can live there
// locally and in real env vars in containers.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"DATABASE_URL":        &cfg.Database.URL,
		"REDIS_ADDR":          &cfg.Redis.Addr,
		"REDIS_PASSWORD":      &cfg.Redis.Password,
		"AWS_REGION":          &cfg.AWS.Region,
		"SENDGRID_API_KEY":    &cfg.SendGrid.APIKey,
		"SENDGRID_BASE_URL":   &cfg.SendGrid.BaseURL,
		"MAILGUN_API_KEY":     &cfg.Mailgun.APIKey,
		"MAILGUN_DOMAIN":      &cfg.Mailgun.Domain,
		"MAILGUN_BASE_URL":    &cfg.Mailgun.BaseURL,
		"MAILGUN_WEBHOOK_KEY": &cfg.Mailgun.WebhookSigningKey,
		"SPARKPOST_API_KEY":   &cfg.SparkPost.APIKey,
		"SPARKPOST_BASE_URL":  &cfg.SparkPost.BaseURL,
		"AWS_SES_ACCESS_KEY":  &cfg.SES.AccessKey,
		"AWS_SES_SECRET_KEY":  &cfg.SES.SecretKey,
		"AWS_SES_REGION":      &cfg.SES.Region,
		"SMTP_HOST":           &cfg.SMTP.Host,
		"SMTP_USERNAME":       &cfg.SMTP.Username,
		"SMTP_PASSWORD":       &cfg.SMTP.Password,
		"TRACKING_QUEUE_URL":  &cfg.Tracking.QueueURL,
		"ATTACHMENTS_BUCKET":  &cfg.Attachments.Bucket,
		"ORGANIZATION_EMAIL":  &cfg.Organization.Email,
		"ORGANIZATION_NAME":   &cfg.Organization.Name,
		"PUBLIC_APP_ROOT":     &cfg.Organization.PublicAppRoot,
		"TRANSPORT_DEFAULT":   &cfg.Transport.Default,
		"LOG_LEVEL":           &cfg.LogLevel,
		"APP_ENV":             &cfg.Env,
	}
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = n
		}
	}

	return cfg, nil
}

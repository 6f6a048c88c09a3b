package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for etnwatch.
type Config struct {
	// NSX-T Manager
	NSXManagerURL string `yaml:"nsx_manager_url" json:"nsx_manager_url"`
	NSXUsername   string `yaml:"nsx_username" json:"nsx_username"`
	NSXPassword   string `yaml:"nsx_password" json:"nsx_password"`
	// NSXInsecureSkipVerify disables TLS verification toward the NSX
	// Manager. Managers running internal/self-signed certificates need
	// this set explicitly; it is never flipped silently.
	NSXInsecureSkipVerify bool `yaml:"nsx_insecure_skip_verify" json:"nsx_insecure_skip_verify"`
	NSXTimeoutSec         int  `yaml:"nsx_timeout_sec" json:"nsx_timeout_sec"`

	// Edge node SSH access
	SSHUsername   string `yaml:"ssh_username" json:"ssh_username"`
	SSHPassword   string `yaml:"ssh_password" json:"ssh_password"`
	SSHPort       int    `yaml:"ssh_port" json:"ssh_port"`
	SSHTimeoutSec int    `yaml:"ssh_timeout_sec" json:"ssh_timeout_sec"`

	// Certificate checks
	WarningDays      int      `yaml:"warning_days" json:"warning_days"`
	ProbeConcurrency int      `yaml:"probe_concurrency" json:"probe_concurrency"`
	ETNWhitelist     []string `yaml:"etn_whitelist" json:"etn_whitelist"`

	// Scheduling (crontab expressions)
	SyncCron   string `yaml:"sync_cron" json:"sync_cron"`
	CheckCron  string `yaml:"check_cron" json:"check_cron"`
	NotifyCron string `yaml:"notify_cron" json:"notify_cron"`
	RunOnStart bool   `yaml:"run_on_start" json:"run_on_start"`

	// Persistence
	DatabaseDSN string `yaml:"database_dsn" json:"database_dsn"`

	// Web API
	WebAddr string `yaml:"web_addr" json:"web_addr"`

	// Alerting
	TelegramBotToken string   `yaml:"telegram_bot_token" json:"telegram_bot_token"`
	TelegramChatID   string   `yaml:"telegram_chat_id" json:"telegram_chat_id"`
	WebhookURL       string   `yaml:"webhook_url" json:"webhook_url"`
	KafkaBrokers     []string `yaml:"kafka_brokers" json:"kafka_brokers"`
	KafkaTopic       string   `yaml:"kafka_topic" json:"kafka_topic"`

	// Redis (distributed cycle lock + alert suppression)
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.NSXTimeoutSec == 0 {
		c.NSXTimeoutSec = 30
	}
	if c.SSHPort == 0 {
		c.SSHPort = 22
	}
	if c.SSHTimeoutSec == 0 {
		c.SSHTimeoutSec = 30
	}
	if c.WarningDays == 0 {
		c.WarningDays = 30
	}
	if c.ProbeConcurrency == 0 {
		c.ProbeConcurrency = 5
	}
	if c.SyncCron == "" {
		c.SyncCron = "0 2 */2 * *"
	}
	if c.CheckCron == "" {
		c.CheckCron = "0 3 * * 1"
	}
	if c.NotifyCron == "" {
		c.NotifyCron = "0 10 * * *"
	}
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = "etnwatch.db"
	}
	if c.WebAddr == "" {
		c.WebAddr = ":8000"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELService == "" {
		c.OTELService = "etnwatch"
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "cert-alerts"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NSXManagerURL == "" {
		return fmt.Errorf("nsx_manager_url is required")
	}
	if c.NSXUsername == "" || c.NSXPassword == "" {
		return fmt.Errorf("nsx_username and nsx_password are required")
	}
	if c.SSHUsername == "" || c.SSHPassword == "" {
		return fmt.Errorf("ssh_username and ssh_password are required")
	}
	if c.WarningDays < 1 {
		return fmt.Errorf("warning_days must be at least 1")
	}
	if c.ProbeConcurrency < 1 || c.ProbeConcurrency > 10 {
		return fmt.Errorf("probe_concurrency must be between 1 and 10")
	}
	return nil
}

// NSXTimeout returns the NSX API timeout as a duration.
func (c *Config) NSXTimeout() time.Duration {
	return time.Duration(c.NSXTimeoutSec) * time.Second
}

// SSHTimeout returns the SSH connect/exec timeout as a duration.
func (c *Config) SSHTimeout() time.Duration {
	return time.Duration(c.SSHTimeoutSec) * time.Second
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()
	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration.
// Command-line flags take precedence over file configuration.
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["nsx_manager_url"].(string); ok && v != "" {
		c.NSXManagerURL = v
	}
	if v, ok := flags["nsx_insecure_skip_verify"].(bool); ok {
		c.NSXInsecureSkipVerify = v
	}
	if v, ok := flags["warning_days"].(int); ok && v > 0 {
		c.WarningDays = v
	}
	if v, ok := flags["probe_concurrency"].(int); ok && v > 0 {
		c.ProbeConcurrency = v
	}
	if v, ok := flags["database_dsn"].(string); ok && v != "" {
		c.DatabaseDSN = v
	}
	if v, ok := flags["web_addr"].(string); ok && v != "" {
		c.WebAddr = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
	if v, ok := flags["run_on_start"].(bool); ok {
		c.RunOnStart = v
	}
}

// LoadFromEnv loads configuration from environment variables.
// Secrets usually arrive this way in container deployments.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("NSX_MANAGER_URL"); v != "" {
		c.NSXManagerURL = v
	}
	if v := os.Getenv("NSX_USERNAME"); v != "" {
		c.NSXUsername = v
	}
	if v := os.Getenv("NSX_PASSWORD"); v != "" {
		c.NSXPassword = v
	}
	if v := os.Getenv("NSX_INSECURE_SKIP_VERIFY"); v != "" {
		c.NSXInsecureSkipVerify, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("ETN_SSH_USERNAME"); v != "" {
		c.SSHUsername = v
	}
	if v := os.Getenv("ETN_SSH_PASSWORD"); v != "" {
		c.SSHPassword = v
	}
	if v := os.Getenv("ETN_SSH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.SSHPort = p
		}
	}
	if v := os.Getenv("ETN_WHITELIST"); v != "" {
		c.ETNWhitelist = splitList(v)
	}
	if v := os.Getenv("CERT_WARNING_DAYS"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			c.WarningDays = d
		}
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.DatabaseDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.TelegramChatID = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.KafkaTopic = v
	}
	if v := os.Getenv("NSX_CHECK_CRON"); v != "" {
		c.SyncCron = v
	}
	if v := os.Getenv("CERT_CHECK_CRON"); v != "" {
		c.CheckCron = v
	}
	if v := os.Getenv("NOTIFY_CRON"); v != "" {
		c.NotifyCron = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Provider names accepted in the provider field.
const (
	ProviderMailjet = "mailjet"
	ProviderSES     = "ses"
	ProviderStdout  = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	// Provider selects the transport. Empty means auto-detect, see ResolvedProvider.
	Provider string `yaml:"provider" validate:"omitempty,oneof=mailjet ses stdout"`

	SMTP    SMTPConfig    `yaml:"smtp"`
	Mailjet MailjetConfig `yaml:"mailjet" validate:"-"`
	SES     SESConfig     `yaml:"ses" validate:"-"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	// envErrs holds environment values that could not be parsed. Validate
	// reports them alongside the struct tag failures.
	envErrs ValidationError
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen" validate:"required,hostname_port"`
	Hostname       string `yaml:"hostname" validate:"omitempty,hostname_rfc1123"`
	Username       string `yaml:"username" validate:"required_with=Password"`
	Password       string `yaml:"password" validate:"required_with=Username"`
	MaxMessageSize int64  `yaml:"max_message_size" validate:"gt=0"`
}

// MailjetConfig holds Mailjet API credentials.
type MailjetConfig struct {
	APIKey    string `yaml:"api_key" validate:"required"`
	APISecret string `yaml:"api_secret" validate:"required"`
}

// SESConfig holds AWS SES configuration. Static credentials are optional;
// without them the default AWS credential chain is used.
type SESConfig struct {
	Region          string `yaml:"region" validate:"required"`
	AccessKeyID     string `yaml:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_with=AccessKeyID"`
	Sender          string `yaml:"sender"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file" validate:"required_with=CertFile"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// MetricsConfig holds the metrics listener. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// MailjetConfigured returns true if both Mailjet API credentials are set.
func (c *Config) MailjetConfigured() bool {
	return c.Mailjet.APIKey != "" && c.Mailjet.APISecret != ""
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// ResolvedProvider returns the explicit provider, or auto-detects one:
// Mailjet when its credentials are set, then SES, then stdout.
func (c *Config) ResolvedProvider() string {
	if c.Provider != "" {
		return c.Provider
	}
	switch {
	case c.MailjetConfigured():
		return ProviderMailjet
	case c.SESConfigured():
		return ProviderSES
	default:
		return ProviderStdout
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
}

func (c *Config) envError(key, reason string) {
	if c.envErrs == nil {
		c.envErrs = make(ValidationError)
	}
	c.envErrs[key] = reason
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.envError("smtp.max_message_size", fmt.Sprintf("SMTP_MAX_MESSAGE_SIZE %q is not a whole number of bytes", v))
		} else {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("MAILJET_API_KEY"); v != "" {
		c.Mailjet.APIKey = v
	}
	if v := os.Getenv("MAILJET_API_SECRET"); v != "" {
		c.Mailjet.APISecret = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

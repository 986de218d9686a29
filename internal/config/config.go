// Package config provides layered configuration loading for the relay:
// built-in defaults, an optional YAML file, optional .env files and finally
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultDotEnv is loaded when no .env files are named explicitly and
// silently skipped when it does not exist.
const defaultDotEnv = ".env"

// Config holds the complete application configuration.
type Config struct {
	Provider string         `yaml:"provider" env:"PROVIDER"`
	SMTP     SMTPConfig     `yaml:"smtp" envPrefix:"SMTP_"`
	Mailgun  MailgunConfig  `yaml:"mailgun" envPrefix:"MAILGUN_"`
	SES      SESConfig      `yaml:"ses" envPrefix:"SES_"`
	Postmark PostmarkConfig `yaml:"postmark" envPrefix:"POSTMARK_"`
	Resend   ResendConfig   `yaml:"resend" envPrefix:"RESEND_"`
	TLS      TLSConfig      `yaml:"tls" envPrefix:"TLS_"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen" env:"LISTEN"`
	Hostname       string `yaml:"hostname" env:"HOSTNAME"`
	Username       string `yaml:"username" env:"USERNAME"`
	Password       string `yaml:"password" env:"PASSWORD"`
	MaxMessageSize int64  `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
}

// MailgunConfig holds Mailgun HTTP API configuration.
type MailgunConfig struct {
	Hostname       string        `yaml:"hostname" env:"HOSTNAME"`
	Domain         string        `yaml:"domain" env:"DOMAIN"`
	APIKey         string        `yaml:"api_key" env:"API_KEY"`
	InlinePolicy   string        `yaml:"inline_policy" env:"INLINE_POLICY"`
	AcceptedStatus []int         `yaml:"accepted_status" env:"ACCEPTED_STATUS"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Proxy          ProxyConfig   `yaml:"proxy" envPrefix:"PROXY_"`
}

// ProxyConfig describes an HTTP forward proxy in front of the Mailgun API.
type ProxyConfig struct {
	Protocol string `yaml:"protocol" env:"PROTOCOL"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region" env:"REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	Sender          string `yaml:"sender" env:"SENDER"`
}

// PostmarkConfig holds Postmark configuration.
type PostmarkConfig struct {
	ServerToken   string `yaml:"server_token" env:"SERVER_TOKEN"`
	MessageStream string `yaml:"message_stream" env:"MESSAGE_STREAM"`
	Sender        string `yaml:"sender" env:"SENDER"`
}

// ResendConfig holds Resend configuration.
type ResendConfig struct {
	APIKey string `yaml:"api_key" env:"API_KEY"`
	Sender string `yaml:"sender" env:"SENDER"`
}

// TLSConfig holds the STARTTLS certificate source.
type TLSConfig struct {
	CertFile  string   `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile   string   `yaml:"key_file" env:"KEY_FILE"`
	Hostnames []string `yaml:"hostnames" env:"HOSTNAMES"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Load loads configuration from environment variables with sensible
// defaults. Variables found in dotenvFiles are applied first without
// replacing variables already present in the environment. When no files
// are given, ".env" is used if it exists.
func Load(dotenvFiles ...string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnv(dotenvFiles); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string, dotenvFiles ...string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(dotenvFiles); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MailgunConfigured returns true if the Mailgun domain and API key are set.
func (c *Config) MailgunConfigured() bool {
	return c.Mailgun.Domain != "" && c.Mailgun.APIKey != ""
}

// SESConfigured returns true if the SES region and sender are set.
// Credentials may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// PostmarkConfigured returns true if a Postmark server token is set.
func (c *Config) PostmarkConfigured() bool {
	return c.Postmark.ServerToken != ""
}

// ResendConfigured returns true if a Resend API key is set.
func (c *Config) ResendConfigured() bool {
	return c.Resend.APIKey != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// ProviderName returns the delivery provider to use. An explicit Provider
// wins; otherwise the first fully configured provider is chosen, falling
// back to stdout.
func (c *Config) ProviderName() string {
	if c.Provider != "" {
		return c.Provider
	}
	switch {
	case c.MailgunConfigured():
		return "mailgun"
	case c.SESConfigured():
		return "ses"
	case c.PostmarkConfigured():
		return "postmark"
	case c.ResendConfigured():
		return "resend"
	default:
		return "stdout"
	}
}

// Validate checks that the selected provider has what it needs.
func (c *Config) Validate() error {
	var errs []error
	switch name := c.ProviderName(); name {
	case "mailgun":
		if !c.MailgunConfigured() {
			errs = append(errs, errors.New("mailgun provider requires MAILGUN_DOMAIN and MAILGUN_API_KEY"))
		}
	case "ses":
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses provider requires SES_REGION and SES_SENDER"))
		}
	case "postmark":
		if !c.PostmarkConfigured() {
			errs = append(errs, errors.New("postmark provider requires POSTMARK_SERVER_TOKEN"))
		}
	case "resend":
		if !c.ResendConfigured() {
			errs = append(errs, errors.New("resend provider requires RESEND_API_KEY"))
		}
	case "stdout":
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", name))
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("smtp max message size must be positive, got %d", c.SMTP.MaxMessageSize))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls cert file and key file must be set together"))
	}
	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Mailgun.InlinePolicy = "reference"
	c.Logging.Level = "info"
}

// applyEnv loads dotenv files and overrides configuration with environment
// variable values. Empty variables do not override existing values.
func (c *Config) applyEnv(dotenvFiles []string) error {
	if err := loadDotEnv(dotenvFiles); err != nil {
		return err
	}
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	c.Provider = strings.ToLower(c.Provider)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Mailgun.InlinePolicy = strings.ToLower(c.Mailgun.InlinePolicy)
	return nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(defaultDotEnv); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		files = []string{defaultDotEnv}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Package main is the entry point for the Mailgun relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/mailgun-relay/internal/config"
	"github.com/shineum/mailgun-relay/internal/provider"
	"github.com/shineum/mailgun-relay/internal/provider/mailgun"
	"github.com/shineum/mailgun-relay/internal/provider/postmark"
	"github.com/shineum/mailgun-relay/internal/provider/resend"
	"github.com/shineum/mailgun-relay/internal/provider/ses"
	"github.com/shineum/mailgun-relay/internal/provider/stdout"
	"github.com/shineum/mailgun-relay/internal/smtp"
	smtptls "github.com/shineum/mailgun-relay/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", "", "path to a dotenv file (optional, defaults to .env)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailgun-relay stopped")
}

// run wires the configured provider into the SMTP server and serves until
// ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	tlsOpts := smtptls.Options{
		CertFile:  cfg.TLS.CertFile,
		KeyFile:   cfg.TLS.KeyFile,
		Hostnames: cfg.TLS.Hostnames,
	}
	tlsConfig, err := smtptls.LoadOrGenerateTLS(tlsOpts)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting mailgun-relay",
		"listen", cfg.SMTP.Listen,
		"hostname", cfg.SMTP.Hostname,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsOpts.Mode(),
	)

	return server.ListenAndServe(ctx)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path, envFile string) (*config.Config, error) {
	var dotenv []string
	if envFile != "" {
		dotenv = append(dotenv, envFile)
	}
	if path != "" {
		return config.LoadFromFile(path, dotenv...)
	}
	return config.Load(dotenv...)
}

// parseLevel maps a configured level name to a slog level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger configures the global slog logger with JSON output.
func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider builds the delivery backend named by cfg.ProviderName.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch name := cfg.ProviderName(); name {
	case "mailgun":
		mgCfg, err := mailgunConfig(cfg.Mailgun)
		if err != nil {
			return nil, err
		}
		p, err := mailgun.New(mgCfg)
		if err != nil {
			return nil, err
		}
		slog.Info("using Mailgun provider",
			"domain", cfg.Mailgun.Domain,
			"inline_policy", mgCfg.Classifier.Name,
			"proxy", cfg.Mailgun.Proxy.Host != "",
		)
		return p, nil

	case "ses":
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		slog.Info("using AWS SES provider", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
		return p, nil

	case "postmark":
		p, err := postmark.New(postmark.Config{
			ServerToken:   cfg.Postmark.ServerToken,
			MessageStream: cfg.Postmark.MessageStream,
			Sender:        cfg.Postmark.Sender,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using Postmark provider", "message_stream", cfg.Postmark.MessageStream)
		return p, nil

	case "resend":
		p, err := resend.New(resend.Config{
			APIKey: cfg.Resend.APIKey,
			Sender: cfg.Resend.Sender,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using Resend provider", "sender", cfg.Resend.Sender)
		return p, nil

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// mailgunConfig maps the loaded configuration onto the transport options.
func mailgunConfig(c config.MailgunConfig) (mailgun.Config, error) {
	classifier, err := mailgun.ClassifierByName(c.InlinePolicy)
	if err != nil {
		return mailgun.Config{}, err
	}

	mg := mailgun.Config{
		Hostname:       c.Hostname,
		Domain:         c.Domain,
		APIKey:         c.APIKey,
		Classifier:     classifier,
		AcceptedStatus: c.AcceptedStatus,
		Timeout:        c.Timeout,
	}
	if c.Proxy.Host != "" {
		mg.Proxy = &mailgun.Proxy{
			Protocol: c.Proxy.Protocol,
			Host:     c.Proxy.Host,
			Port:     c.Proxy.Port,
		}
	}
	return mg, nil
}

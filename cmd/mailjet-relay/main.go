// Package main is the entry point for the Mailjet SMTP relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/mailjet-relay/internal/config"
	"github.com/shineum/mailjet-relay/internal/metrics"
	"github.com/shineum/mailjet-relay/internal/smtp"
	smtptls "github.com/shineum/mailjet-relay/internal/tls"
	"github.com/shineum/mailjet-relay/internal/transport"
	"github.com/shineum/mailjet-relay/internal/transport/mailjet"
	"github.com/shineum/mailjet-relay/internal/transport/ses"
	"github.com/shineum/mailjet-relay/internal/transport/stdout"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := selectTransport(ctx, cfg)
	if err != nil {
		slog.Error("failed to create transport", "error", err)
		os.Exit(1)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Listen != "" {
		collector = metrics.New()
		tr.RegisterPlugin(collector)
		go serveMetrics(ctx, cfg.Metrics.Listen, collector)
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Transport:      tr,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: int(cfg.SMTP.MaxMessageSize),
		Metrics:        collector,
	})

	slog.Info("starting mailjet-relay",
		"listen", cfg.SMTP.Listen,
		"hostname", cfg.SMTP.Hostname,
		"transport", tr.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"metrics_listen", cfg.Metrics.Listen,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Blocks until the context is cancelled
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailjet-relay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

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

// selectTransport builds the delivery transport named by the configuration,
// auto-detecting it when no provider is set.
func selectTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	provider := cfg.ResolvedProvider()
	auto := cfg.Provider == ""

	switch provider {
	case config.ProviderMailjet:
		if !cfg.MailjetConfigured() {
			return nil, errors.New("mailjet transport selected but MAILJET_API_KEY and MAILJET_API_SECRET are required")
		}
		slog.Info("using Mailjet transport", "endpoint", mailjet.Endpoint, "auto_detected", auto)
		return mailjet.New(cfg.Mailjet.APIKey, cfg.Mailjet.APISecret), nil

	case config.ProviderSES:
		if !cfg.SESConfigured() {
			return nil, errors.New("ses transport selected but SES_REGION is required")
		}
		slog.Info("using AWS SES transport",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
			"auto_detected", auto,
		)
		t, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return t, nil

	case config.ProviderStdout:
		if auto {
			slog.Info("no provider configured, using stdout transport")
		} else {
			slog.Info("using stdout transport")
		}
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// serveMetrics runs the metrics listener until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           collector.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "error", err)
	}
}

// Command courier-smtp accepts mail for local users over SMTP.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/bootstrap"
	"github.com/migadu/courier/pkg/errors"
	"github.com/migadu/courier/server/smtp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	errorHandler := errors.NewErrorHandler()

	args, err := bootstrap.ParseArgs("courier-smtp", os.Args[1:], os.Stderr)
	if err != nil {
		errorHandler.UsageError(bootstrap.Usage("courier-smtp"), err)
		return
	}

	cfg, found, err := bootstrap.LoadConfig(args.ConfigPath)
	if err != nil {
		errorHandler.ConfigError(args.ConfigPath, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		return
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		errorHandler.FatalError("initialize logger", err)
		return
	}
	if logFile != nil {
		defer logFile.Close()
	}
	if cfg.SMTP.Debug {
		logger.SetLevel("debug")
	}
	if !found {
		logger.Warn("Configuration file not found, using defaults", "path", args.ConfigPath)
	}
	logger.Info("courier-smtp starting", "version", version, "commit", commit)

	if err := run(&cfg, args.Port); err != nil {
		logger.Error("courier-smtp stopped", "error", err)
		errorHandler.FatalError("run SMTP server", err)
	}
}

func run(cfg *config.Config, port int) error {
	maxSize, err := cfg.SMTP.GetMaxMessageSize()
	if err != nil {
		return err
	}
	idle, err := cfg.SMTP.GetIdleTimeout()
	if err != nil {
		return err
	}
	drain, err := cfg.SMTP.GetShutdownTimeout()
	if err != nil {
		return err
	}

	store, err := bootstrap.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("open mail store: %w", err)
	}
	defer store.Close()

	srv, err := smtp.New(cfg.GetHostname(), bootstrap.ListenAddress(cfg.SMTP.BindAddress, port), store, smtp.SMTPServerOptions{
		MaxConnections:      cfg.SMTP.MaxConnections,
		MaxConnectionsPerIP: cfg.SMTP.MaxConnectionsPerIP,
		IdleTimeout:         idle,
		ShutdownTimeout:     drain,
		MaxMessageSize:      maxSize,
	})
	if err != nil {
		return err
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()
	return bootstrap.Run(ctx, "smtp", cfg.MetricsFor(&cfg.SMTP.ServerConfig), func(ctx context.Context) error {
		return srv.ListenAndServe(ctx)
	}, bootstrap.StoreChecker(store))
}

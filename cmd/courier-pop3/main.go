// Command courier-pop3 serves local mailboxes over POP3.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/bootstrap"
	"github.com/migadu/courier/pkg/errors"
	"github.com/migadu/courier/server/pop3"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	errorHandler := errors.NewErrorHandler()

	args, err := bootstrap.ParseArgs("courier-pop3", os.Args[1:], os.Stderr)
	if err != nil {
		errorHandler.UsageError(bootstrap.Usage("courier-pop3"), err)
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
	if cfg.POP3.Debug {
		logger.SetLevel("debug")
	}
	if !found {
		logger.Warn("Configuration file not found, using defaults", "path", args.ConfigPath)
	}
	logger.Info("courier-pop3 starting", "version", version, "commit", commit)

	if err := run(&cfg, args.Port); err != nil {
		logger.Error("courier-pop3 stopped", "error", err)
		errorHandler.FatalError("run POP3 server", err)
	}
}

func run(cfg *config.Config, port int) error {
	idle, err := cfg.POP3.GetIdleTimeout()
	if err != nil {
		return err
	}
	drain, err := cfg.POP3.GetShutdownTimeout()
	if err != nil {
		return err
	}

	store, err := bootstrap.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("open mail store: %w", err)
	}
	defer store.Close()

	srv, err := pop3.New(cfg.GetHostname(), bootstrap.ListenAddress(cfg.POP3.BindAddress, port), store, pop3.POP3ServerOptions{
		MaxConnections:      cfg.POP3.MaxConnections,
		MaxConnectionsPerIP: cfg.POP3.MaxConnectionsPerIP,
		IdleTimeout:         idle,
		ShutdownTimeout:     drain,
	})
	if err != nil {
		return err
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()
	return bootstrap.Run(ctx, "pop3", cfg.MetricsFor(&cfg.POP3.ServerConfig), func(ctx context.Context) error {
		return srv.ListenAndServe(ctx)
	}, bootstrap.StoreChecker(store))
}

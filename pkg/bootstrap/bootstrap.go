// Package bootstrap holds the start-up sequence shared by the courier
// daemons: argument parsing, configuration, mail store selection and the
// supervised run loop.
package bootstrap

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/status"
)

// Args are the parsed command line of a daemon.
type Args struct {
	ConfigPath string
	Port       int
}

// ErrUsage marks command lines that do not match the usage string.
var ErrUsage = errors.New("invalid arguments")

// Usage returns the one-line synopsis of a daemon.
func Usage(name string) string {
	return fmt.Sprintf("usage: %s [-config path] <port>", name)
}

// ParseArgs parses "[-config path] <port>". Exactly one positional argument,
// a port between 1 and 65535, is accepted.
func ParseArgs(name string, args []string, stderr io.Writer) (Args, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "/etc/courier/courier.toml", "Path to TOML configuration file")
	if err := fs.Parse(args); err != nil {
		return Args{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if fs.NArg() != 1 {
		return Args{}, fmt.Errorf("%w: expected exactly one argument, the listening port, got %d", ErrUsage, fs.NArg())
	}
	port, err := strconv.Atoi(fs.Arg(0))
	if err != nil || port < 1 || port > 65535 {
		return Args{}, fmt.Errorf("%w: invalid port %q", ErrUsage, fs.Arg(0))
	}
	return Args{ConfigPath: *configPath, Port: port}, nil
}

// ListenAddress joins the configured bind address with the port.
func ListenAddress(bind string, port int) string {
	return net.JoinHostPort(bind, strconv.Itoa(port))
}

// LoadConfig reads path over the defaults. A missing file leaves the
// defaults in place; the returned flag reports whether the file was found.
func LoadConfig(path string) (config.Config, bool, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, false, nil
		}
		return cfg, true, err
	}
	return cfg, true, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Run supervises serve and, when enabled, the status server. The first
// failure cancels the others; a cancelled ctx stops everything cleanly.
func Run(ctx context.Context, service string, metrics config.MetricsConfig, serve func(ctx context.Context) error, check status.Checker) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(gctx)
	})

	if metrics.Enabled {
		st := status.New(service, metrics.Addr, metrics.Path, check)
		g.Go(func() error {
			return st.Run(gctx)
		})
	}

	err := g.Wait()
	if err == nil {
		logger.Info("Shutdown complete", "service", service)
	}
	return err
}

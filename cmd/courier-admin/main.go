// Command courier-admin manages the users file and the SQL mail store schema.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/pkg/bootstrap"
)

var (
	version = "dev"
	commit  = "none"
)

type options struct {
	configPath string
	usersFile  string
}

// load reads the configuration, applying the --users override.
func (o *options) load() (config.Config, error) {
	cfg, _, err := bootstrap.LoadConfig(o.configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load configuration %s: %w", o.configPath, err)
	}
	if o.usersFile != "" {
		cfg.Mailstore.UsersFile = o.usersFile
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "courier-admin",
		Short:         "Administer a courier mail server",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "/etc/courier/courier.toml", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.usersFile, "users", "", "users file (overrides mailstore.users_file)")

	root.AddCommand(newUserCmd(opts))
	root.AddCommand(newHashCmd())
	root.AddCommand(newMigrateCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

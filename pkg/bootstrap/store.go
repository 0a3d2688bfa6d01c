package bootstrap

import (
	"context"
	"fmt"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/mailstore"
	"github.com/migadu/courier/mailstore/maildir"
	"github.com/migadu/courier/mailstore/memstore"
	"github.com/migadu/courier/mailstore/sqlstore"
	"github.com/migadu/courier/mailstore/userdb"
	"github.com/migadu/courier/pkg/status"
)

// OpenStore loads the users file and opens the configured mail store.
func OpenStore(cfg *config.Config) (mailstore.Store, error) {
	m := cfg.Mailstore
	users, err := userdb.Load(m.UsersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load users file: %w", err)
	}
	logger.Info("Loaded users", "file", m.UsersFile, "count", users.Len())

	switch m.Driver {
	case config.DriverMaildir:
		return maildir.New(m.Path, cfg.GetHostname(), users)
	case config.DriverSQLite, config.DriverPostgres:
		dialect, dsn := SQLTarget(m)
		if m.AutoMigrate {
			if err := sqlstore.Migrate(dialect, dsn); err != nil {
				return nil, err
			}
		}
		return sqlstore.Open(dialect, dsn, users, sqlstore.Options{MaxOpenConns: m.MaxOpenConns})
	case config.DriverMemory:
		logger.Warn("Using the in-memory mail store: messages are lost on exit")
		return memstore.New(users), nil
	default:
		return nil, fmt.Errorf("unknown mailstore driver %q", m.Driver)
	}
}

// SQLTarget maps a SQL mailstore section to its dialect and DSN. SQLite
// takes the DSN when set and the path otherwise.
func SQLTarget(m config.MailstoreConfig) (sqlstore.Dialect, string) {
	if m.Driver == config.DriverPostgres {
		return sqlstore.Postgres, m.DSN
	}
	if m.DSN != "" {
		return sqlstore.SQLite, m.DSN
	}
	return sqlstore.SQLite, m.Path
}

type pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker probes stores that can report their own health; other
// stores are always considered healthy.
func StoreChecker(store mailstore.Store) status.Checker {
	p, ok := store.(pinger)
	if !ok {
		return nil
	}
	return p.Ping
}

package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/courier/helpers"
)

// Mail store drivers understood by the daemons.
const (
	DriverMaildir  = "maildir"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"`     // Log output: "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"`     // Log format: "json" or "console"
	Level     string `toml:"level"`      // Log level: "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Tag used when output is "syslog" (default: binary name)
}

// ServerConfig holds the settings shared by the SMTP and POP3 listeners.
type ServerConfig struct {
	BindAddress         string `toml:"bind_address"`           // Interface to bind; the port always comes from the command line
	Debug               bool   `toml:"debug"`                  // Log every command and response
	MaxConnections      int    `toml:"max_connections"`        // 0 = unlimited
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"` // 0 = unlimited
	IdleTimeout         string `toml:"idle_timeout"`           // Empty disables the idle timeout
	ShutdownTimeout     string `toml:"shutdown_timeout"`       // How long live sessions may drain on shutdown (default: 10s)
	MetricsAddr         string `toml:"metrics_addr"`           // Overrides metrics.addr for this daemon
}

// GetIdleTimeout returns the idle timeout, or 0 when disabled.
func (c *ServerConfig) GetIdleTimeout() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return 0, nil
	}
	return helpers.ParseDuration(c.IdleTimeout)
}

// GetShutdownTimeout returns the drain timeout for graceful shutdown.
func (c *ServerConfig) GetShutdownTimeout() (time.Duration, error) {
	if c.ShutdownTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(c.ShutdownTimeout)
}

// SMTPServerConfig holds submission server configuration.
type SMTPServerConfig struct {
	ServerConfig
	MaxMessageSize string `toml:"max_message_size"` // Largest accepted body (default: 25mb)
}

// GetMaxMessageSize parses the maximum message size
func (c *SMTPServerConfig) GetMaxMessageSize() (int64, error) {
	if c.MaxMessageSize == "" {
		return 25 << 20, nil
	}
	return helpers.ParseSize(c.MaxMessageSize)
}

// POP3ServerConfig holds retrieval server configuration.
type POP3ServerConfig struct {
	ServerConfig
}

// MailstoreConfig selects and configures the mailbox storage backend.
type MailstoreConfig struct {
	Driver       string `toml:"driver"`         // maildir, sqlite, postgres or memory
	Path         string `toml:"path"`           // Maildir root, or SQLite database file
	DSN          string `toml:"dsn"`            // PostgreSQL connection string
	UsersFile    string `toml:"users_file"`     // TOML file with local users and password hashes
	AutoMigrate  bool   `toml:"auto_migrate"`   // Apply SQL migrations at start-up
	MaxOpenConns int    `toml:"max_open_conns"` // SQL connection pool size (0 = driver default)
}

// MetricsConfig holds the Prometheus status endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Hostname  string           `toml:"hostname"`
	Logging   LoggingConfig    `toml:"logging"`
	SMTP      SMTPServerConfig `toml:"smtp"`
	POP3      POP3ServerConfig `toml:"pop3"`
	Mailstore MailstoreConfig  `toml:"mailstore"`
	Metrics   MetricsConfig    `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",  // Default to stderr
			Format: "console", // Default to console format
			Level:  "info",    // Default to info level
		},
		SMTP: SMTPServerConfig{
			MaxMessageSize: "25mb",
		},
		POP3: POP3ServerConfig{
			ServerConfig: ServerConfig{MetricsAddr: ":9101"},
		},
		Mailstore: MailstoreConfig{
			Driver:      DriverMaildir,
			Path:        "/var/mail/courier",
			UsersFile:   "/etc/courier/users.toml",
			AutoMigrate: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9100",
			Path:    "/metrics",
		},
	}
}

// GetHostname returns the configured host name used in greetings, falling
// back to the machine host name.
func (c *Config) GetHostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// MetricsFor returns the status server settings of one daemon.
func (c *Config) MetricsFor(s *ServerConfig) MetricsConfig {
	m := c.Metrics
	if s.MetricsAddr != "" {
		m.Addr = s.MetricsAddr
	}
	return m
}

// Validate checks that the mail store section is usable for the selected driver.
func (c *Config) Validate() error {
	m := &c.Mailstore
	switch m.Driver {
	case DriverMaildir:
		if m.Path == "" {
			return fmt.Errorf("mailstore.path is required for the %s driver", m.Driver)
		}
	case DriverSQLite:
		if m.Path == "" && m.DSN == "" {
			return fmt.Errorf("mailstore.path or mailstore.dsn is required for the %s driver", m.Driver)
		}
	case DriverPostgres:
		if m.DSN == "" {
			return fmt.Errorf("mailstore.dsn is required for the %s driver", m.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown mailstore.driver %q (want maildir, sqlite, postgres or memory)", m.Driver)
	}
	if m.UsersFile == "" {
		return fmt.Errorf("mailstore.users_file is required")
	}

	if _, err := c.SMTP.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("smtp.max_message_size: %w", err)
	}
	for name, s := range map[string]*ServerConfig{"smtp": &c.SMTP.ServerConfig, "pop3": &c.POP3.ServerConfig} {
		if _, err := s.GetIdleTimeout(); err != nil {
			return fmt.Errorf("%s.idle_timeout: %w", name, err)
		}
		if _, err := s.GetShutdownTimeout(); err != nil {
			return fmt.Errorf("%s.shutdown_timeout: %w", name, err)
		}
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// This function wraps toml.DecodeFile and automatically cleans up string values.
// If the file contains duplicate keys, it will log a warning and use the first occurrence.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	// Try to decode - capture metadata to check for unknown keys
	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}
		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, err)
		log.Printf("WARNING: Ignoring duplicate entries. Only the first occurrence of each key will be used.")

		cleanedContent, parseErr := removeDuplicateKeysFromTOML(string(content))
		if parseErr != nil {
			return enhanceConfigError(err)
		}
		metadata, err = toml.Decode(cleanedContent, cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out every repeated key so the first
// occurrence wins. Keys of [[array]] tables are tracked per array element.
func removeDuplicateKeysFromTOML(content string) (string, error) {
	lines := strings.Split(content, "\n")
	seen := make(map[string]int)
	out := make([]string, 0, len(lines))
	section := ""

	for n, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]"):
			section = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seen {
				if strings.HasPrefix(k, section+".") {
					delete(seen, k)
				}
			}
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
		default:
			key, _, found := strings.Cut(trimmed, "=")
			if !found {
				break
			}
			full := strings.TrimSpace(key)
			if section != "" {
				full = section + "." + full
			}
			if first, dup := seen[full]; dup {
				log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.", full, n+1, first+1)
				out = append(out, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seen[full] = n
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), nil
}

// enhanceConfigError adds a hint to the most common TOML mistakes.
func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "expected value but found \"f\""), strings.Contains(msg, "expected value but found \"t\""):
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	case strings.Contains(msg, "expected"), strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: check quoting, balanced brackets and [section] headers in the configuration file", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}

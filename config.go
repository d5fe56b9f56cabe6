package occams

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Config consolidates settings for every component.
type Config struct {
	Database      DatabaseConfig      `json:"database"`
	Report        ReportConfig        `json:"report"`
	Randomization RandomizationConfig `json:"randomization"`
	Logging       LoggingConfig       `json:"logging"`
	Metrics       MetricsConfig       `json:"metrics"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Database        string        `json:"database"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"sslMode"`
	MaxConnections  int           `json:"maxConnections"`
	MinConnections  int           `json:"minConnections"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `json:"connMaxIdleTime"`
	Timeout         time.Duration `json:"timeout"`
}

// DSN renders the settings as a postgres:// connection URL including pool
// sizing parameters understood by pgxpool.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Database,
	}
	if d.Username != "" {
		u.User = url.UserPassword(d.Username, d.Password)
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if d.MaxConnections > 0 {
		q.Set("pool_max_conns", strconv.Itoa(d.MaxConnections))
	}
	if d.MinConnections > 0 {
		q.Set("pool_min_conns", strconv.Itoa(d.MinConnections))
	}
	if d.ConnMaxLifetime > 0 {
		q.Set("pool_max_conn_lifetime", d.ConnMaxLifetime.String())
	}
	if d.ConnMaxIdleTime > 0 {
		q.Set("pool_max_conn_idle_time", d.ConnMaxIdleTime.String())
	}
	if d.Timeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(d.Timeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ReportConfig contains report builder settings
type ReportConfig struct {
	// CollectionDelimiter joins the items of a collection column.
	CollectionDelimiter string        `json:"collectionDelimiter"`
	QueryTimeout        time.Duration `json:"queryTimeout"`
	// CacheSize bounds the number of compiled report queries kept in memory.
	CacheSize int `json:"cacheSize"`
}

// RandomizationConfig contains randomization wizard settings
type RandomizationConfig struct {
	// SessionStorePath is a buntdb path; ":memory:" keeps sessions in process.
	SessionStorePath string        `json:"sessionStorePath"`
	SessionTTL       time.Duration `json:"sessionTTL"`
	LockTimeout      time.Duration `json:"lockTimeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
}

// MetricsConfig contains metrics collection settings
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "occams",
			SSLMode:         "disable",
			MaxConnections:  25,
			MinConnections:  2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			Timeout:         30 * time.Second,
		},
		Report: ReportConfig{
			CollectionDelimiter: ";",
			QueryTimeout:        2 * time.Minute,
			CacheSize:           256,
		},
		Randomization: RandomizationConfig{
			SessionStorePath: ":memory:",
			SessionTTL:       30 * time.Minute,
			LockTimeout:      10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "occams",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return &ConfigError{Field: "database.host", Message: "must not be empty"}
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return &ConfigError{Field: "database.port", Message: "must be between 1 and 65535"}
	}
	if c.Database.MaxConnections <= 0 {
		return &ConfigError{Field: "database.maxConnections", Message: "must be greater than 0"}
	}
	if c.Database.MinConnections > c.Database.MaxConnections {
		return &ConfigError{Field: "database.minConnections", Message: "must be less than or equal to maxConnections"}
	}
	if c.Report.CollectionDelimiter == "" {
		return &ConfigError{Field: "report.collectionDelimiter", Message: "must not be empty"}
	}
	if c.Report.CacheSize < 0 {
		return &ConfigError{Field: "report.cacheSize", Message: "must not be negative"}
	}
	if c.Randomization.SessionStorePath == "" {
		return &ConfigError{Field: "randomization.sessionStorePath", Message: "must not be empty"}
	}
	if c.Randomization.SessionTTL <= 0 {
		return &ConfigError{Field: "randomization.sessionTTL", Message: "must be greater than 0"}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return &ConfigError{Field: "logging.format", Message: "must be json or console"}
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return &ConfigError{Field: "metrics.namespace", Message: "must not be empty when metrics are enabled"}
	}
	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}

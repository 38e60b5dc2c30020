// Package config provides configuration loading and management for the ETL engine.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding option is absent from the file.
const (
	defaultPageSize    = 10000
	defaultBatchSize   = 5000
	defaultWorkers     = 4
	defaultPageTimeout = "3m"
	defaultMaxRetries  = 4
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Source is the upstream subsidy API configuration
	Source SourceConfig `yaml:"source"`

	// ETL holds default run options for seeding and sync operations
	ETL ETLConfig `yaml:"etl,omitempty"`

	// Database holds the PostgreSQL connection settings
	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// SourceConfig defines the upstream paginated subsidy API
type SourceConfig struct {
	// BaseURL is the base API URL without trailing slash,
	// e.g. "https://www.infosubvenciones.es/bdnstrans/api"
	BaseURL string `yaml:"baseURL"`

	// VPD is the portal scope identifier sent on catalog requests
	VPD string `yaml:"vpd,omitempty"`

	// PageTimeout is the per-page request timeout (e.g. "3m").
	// Large page sizes can take minutes on the upstream side.
	PageTimeout string `yaml:"pageTimeout,omitempty"`

	// MaxRetries bounds the retry attempts for transient page failures
	MaxRetries int `yaml:"maxRetries,omitempty"`
}

// ETLConfig defines default run options for ETL executions
type ETLConfig struct {
	// Workers caps the number of concurrently extracting sources
	Workers int `yaml:"workers,omitempty"`

	// BatchSize is the number of records per database load batch
	BatchSize int `yaml:"batchSize,omitempty"`

	// PageSize is the number of records requested per source page
	PageSize int `yaml:"pageSize,omitempty"`

	// Parallel enables concurrent source extraction by default
	Parallel bool `yaml:"parallel,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of connections in the pool
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// MinConns is the minimum number of idle connections kept in the pool
	MinConns int32 `yaml:"minConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from BDNS_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("BDNS_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or BDNS_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyDefaults fills in defaults for optional ETL and source settings
func (c *Config) applyDefaults() {
	if c.ETL.Workers == 0 {
		c.ETL.Workers = defaultWorkers
	}
	if c.ETL.BatchSize == 0 {
		c.ETL.BatchSize = defaultBatchSize
	}
	if c.ETL.PageSize == 0 {
		c.ETL.PageSize = defaultPageSize
	}
	if c.Source.PageTimeout == "" {
		c.Source.PageTimeout = defaultPageTimeout
	}
	if c.Source.MaxRetries == 0 {
		c.Source.MaxRetries = defaultMaxRetries
	}
}

// GetPageTimeout returns the parsed per-page request timeout
func (c *Config) GetPageTimeout() time.Duration {
	d, err := time.ParseDuration(c.Source.PageTimeout)
	if err != nil {
		d, _ = time.ParseDuration(defaultPageTimeout)
	}
	return d
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateSourceConfig(&c.Source); err != nil {
		return err
	}

	if err := validateETLConfig(&c.ETL); err != nil {
		return err
	}

	if c.Database != nil {
		return validateDatabaseConfig(c.Database)
	}

	return nil
}

// validateSourceConfig validates the upstream API configuration
func validateSourceConfig(source *SourceConfig) error {
	if source.BaseURL == "" {
		return fmt.Errorf("source.baseURL is required")
	}

	parsed, err := url.Parse(source.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("source.baseURL must be an absolute URL, got %q", source.BaseURL)
	}

	if _, err := time.ParseDuration(source.PageTimeout); err != nil {
		return fmt.Errorf("source.pageTimeout must be a valid duration (e.g., '3m'): %w", err)
	}

	if source.MaxRetries < 0 {
		return fmt.Errorf("source.maxRetries cannot be negative")
	}

	return nil
}

// validateETLConfig validates the ETL run option defaults
func validateETLConfig(etl *ETLConfig) error {
	if etl.Workers < 1 {
		return fmt.Errorf("etl.workers must be at least 1")
	}
	if etl.BatchSize < 1 {
		return fmt.Errorf("etl.batchSize must be at least 1")
	}
	if etl.PageSize < 1 {
		return fmt.Errorf("etl.pageSize must be at least 1")
	}
	return nil
}

// validateDatabaseConfig validates the database connection settings
func validateDatabaseConfig(db *DatabaseConfig) error {
	if db.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if db.Port == 0 {
		return fmt.Errorf("database.port is required")
	}
	if db.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if db.Database == "" {
		return fmt.Errorf("database.database is required")
	}

	if db.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(db.ConnMaxLifetime); err != nil {
			return fmt.Errorf("database.connMaxLifetime must be a valid duration: %w", err)
		}
	}

	return nil
}

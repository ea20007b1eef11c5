package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
		Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP server timeout"`
	} `yaml:"server" json:"server" jsonschema:"description=Server configuration"`

	Database struct {
		DSN             string `yaml:"dsn" json:"dsn" jsonschema:"default=file:aggregator.db?cache=shared&mode=rwc,description=Database connection string"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
	} `yaml:"database" json:"database" jsonschema:"description=Database configuration"`

	Storage struct {
		DataDir      string `yaml:"data_dir" json:"data_dir" jsonschema:"default=./data,description=Root directory of the local content store"`
		PoolFilesDir string `yaml:"pool_files_dir" json:"pool_files_dir" jsonschema:"default=./pool_files,description=Directory for exported and importable pool files"`
	} `yaml:"storage" json:"storage" jsonschema:"description=Storage configuration"`

	Request RequestConfig `yaml:"request" json:"request" jsonschema:"description=Outgoing HTTP request configuration"`

	Verify struct {
		Pacing time.Duration `yaml:"pacing" json:"pacing" jsonschema:"default=200ms,description=Delay between batch test requests to the same site"`
	} `yaml:"verify" json:"verify" jsonschema:"description=Batch verification configuration"`
}

// RequestConfig holds defaults for outgoing API calls, used when an entry
// matches no enabled site
type RequestConfig struct {
	Timeout time.Duration     `yaml:"timeout" json:"timeout" jsonschema:"default=60s,description=Request timeout for entries without a site"`
	Headers map[string]string `yaml:"headers" json:"headers" jsonschema:"description=Default request headers"`
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// set defaults for server
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 30 * time.Second
	}

	// set defaults for database
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:aggregator.db?cache=shared&mode=rwc"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 3600
	}

	// set defaults for storage
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.PoolFilesDir == "" {
		cfg.Storage.PoolFilesDir = "./pool_files"
	}

	// set defaults for outgoing requests
	if cfg.Request.Timeout == 0 {
		cfg.Request.Timeout = 60 * time.Second
	}
	if cfg.Request.Headers == nil {
		cfg.Request.Headers = map[string]string{}
	}
	if _, ok := cfg.Request.Headers["User-Agent"]; !ok {
		cfg.Request.Headers["User-Agent"] = defaultUserAgent
	}
	if _, ok := cfg.Request.Headers["Accept"]; !ok {
		cfg.Request.Headers["Accept"] = "*/*"
	}

	if cfg.Verify.Pacing == 0 {
		cfg.Verify.Pacing = 200 * time.Millisecond
	}

	// validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// verify against embedded schema
	if err := VerifyAgainstEmbeddedSchema(&cfg); err != nil {
		// log warning but don't fail - schema validation is supplementary
		fmt.Printf("warning: schema validation failed: %v\n", err)
	}

	return &cfg, nil
}

// validate checks configuration for correctness
func validate(cfg *Config) error {
	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server.timeout must be at least 1 second")
	}
	if cfg.Database.MaxIdleConns > cfg.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns cannot exceed database.max_open_conns")
	}
	if cfg.Request.Timeout < time.Second {
		return fmt.Errorf("request.timeout must be at least 1 second")
	}
	if cfg.Verify.Pacing < 0 {
		return fmt.Errorf("verify.pacing must be non-negative")
	}
	return nil
}

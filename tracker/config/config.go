package config

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/bench-history/tracker/analysis"
	"github.com/bench-history/tracker/storage"
)

// Storage backends
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config is the benchhist configuration file
type Config struct {
	RepoURL   string          `yaml:"repo_url"`
	Storage   StorageConfig   `yaml:"storage"`
	Detection DetectionConfig `yaml:"detection"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Gate      GateConfig      `yaml:"gate"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig selects and configures the history backend
type StorageConfig struct {
	Backend          string        `yaml:"backend"`
	Format           string        `yaml:"format"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	File       FileConfig       `yaml:"file"`
	Redis      RedisConfig      `yaml:"redis"`
	S3         S3Config         `yaml:"s3"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
}

// FileConfig stores documents as <root>/<environment>/<name>
type FileConfig struct {
	Root string `yaml:"root"`
	Name string `yaml:"name"`
}

// RedisConfig configures the Redis backend
type RedisConfig struct {
	Addrs     []string `yaml:"addrs"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// S3Config configures the S3 backend
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Name            string `yaml:"name"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// PostgreSQLConfig contains database configuration
type PostgreSQLConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// SQLiteConfig configures the embedded SQLite backend
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// DetectionConfig tunes the regression detector
type DetectionConfig struct {
	WindowSize        int                           `yaml:"window_size"`
	ToleranceAbsolute float64                       `yaml:"tolerance_absolute"`
	ToleranceFactor   float64                       `yaml:"tolerance_factor"`
	Overrides         map[string]analysis.Tolerance `yaml:"overrides"`
}

// IngestConfig controls ingestion
type IngestConfig struct {
	ConflictRetries int `yaml:"conflict_retries"`
}

// GateConfig controls the CI gate
type GateConfig struct {
	WarnOnly bool `yaml:"warn_only"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration storing histories under ./benchmarks
func DefaultConfig() *Config {
	detector := analysis.DefaultConfig()
	return &Config{
		Storage: StorageConfig{
			Backend:          BackendFile,
			Format:           string(storage.FormatJSON),
			OperationTimeout: 30 * time.Second,
			File: FileConfig{
				Root: "benchmarks",
			},
			Redis: RedisConfig{
				Addrs:     []string{"localhost:6379"},
				KeyPrefix: "benchhist",
			},
			S3: S3Config{
				Region: "us-east-1",
			},
			PostgreSQL: PostgreSQLConfig{
				Host:         "localhost",
				Port:         5432,
				Database:     "benchhist",
				User:         "postgres",
				SSLMode:      "disable",
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
			SQLite: SQLiteConfig{
				Path: "benchhist.db",
			},
		},
		Detection: DetectionConfig{
			WindowSize:        detector.WindowSize,
			ToleranceAbsolute: detector.Tolerance.Absolute,
			ToleranceFactor:   detector.Tolerance.Factor,
		},
		Ingest: IngestConfig{
			ConflictRetries: 3,
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills fields a config file blanked out explicitly
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.Storage.Format == "" {
		c.Storage.Format = def.Storage.Format
	}
	if c.Storage.File.Root == "" {
		c.Storage.File.Root = def.Storage.File.Root
	}
	if c.Storage.PostgreSQL.SSLMode == "" {
		c.Storage.PostgreSQL.SSLMode = def.Storage.PostgreSQL.SSLMode
	}
	if c.Detection.WindowSize == 0 {
		c.Detection.WindowSize = def.Detection.WindowSize
	}
	if c.API.Addr == "" {
		c.API.Addr = def.API.Addr
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage configuration: %w", err)
	}
	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("invalid detection configuration: %w", err)
	}
	if c.Ingest.ConflictRetries < 0 {
		return fmt.Errorf("ingest.conflict_retries must not be negative")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Validate checks the selected backend's settings
func (c *StorageConfig) Validate() error {
	if c.Format != string(storage.FormatJSON) && c.Format != string(storage.FormatDataJS) {
		return fmt.Errorf("format must be %s or %s, got %q", storage.FormatJSON, storage.FormatDataJS, c.Format)
	}
	if c.OperationTimeout < 0 {
		return fmt.Errorf("operation_timeout must not be negative")
	}

	switch c.Backend {
	case BackendFile:
		if c.File.Root == "" {
			return fmt.Errorf("file.root is required")
		}
	case BackendRedis:
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis.addrs is required")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3.region is required")
		}
	case BackendPostgres:
		if err := c.PostgreSQL.Validate(); err != nil {
			return fmt.Errorf("invalid PostgreSQL configuration: %w", err)
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

// Validate validates the PostgreSQL configuration
func (c *PostgreSQLConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("connection limits must not be negative")
	}
	return nil
}

// Validate checks window and tolerances
func (c *DetectionConfig) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be greater than 0")
	}
	if c.ToleranceAbsolute < 0 || c.ToleranceFactor < 0 {
		return fmt.Errorf("tolerances must not be negative")
	}
	for name, tol := range c.Overrides {
		if tol.Absolute < 0 || tol.Factor < 0 {
			return fmt.Errorf("override %q: tolerances must not be negative", name)
		}
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgreSQLConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Detector converts the detection section
func (c *Config) Detector() analysis.Config {
	return analysis.Config{
		WindowSize: c.Detection.WindowSize,
		Tolerance: analysis.Tolerance{
			Absolute: c.Detection.ToleranceAbsolute,
			Factor:   c.Detection.ToleranceFactor,
		},
		Overrides: c.Detection.Overrides,
	}
}

// StoreOptions converts the document settings
func (c *Config) StoreOptions() storage.Options {
	return storage.Options{
		Format:           storage.Format(c.Storage.Format),
		RepoURL:          c.RepoURL,
		OperationTimeout: c.Storage.OperationTimeout,
	}
}

// DocumentName is the file or object name matching the configured format
func (c *StorageConfig) DocumentName() string {
	if c.Format == string(storage.FormatDataJS) {
		return "data.js"
	}
	return "data.json"
}

// SQLOptions converts the SQL settings for the selected SQL backend
func (c *StorageConfig) SQLOptions() storage.SQLOptions {
	if c.Backend == BackendSQLite {
		return storage.SQLOptions{Dialect: storage.DialectSQLite, DSN: c.SQLite.Path}
	}
	return storage.SQLOptions{
		Dialect:      storage.DialectPostgres,
		DSN:          c.PostgreSQL.ConnectionString(),
		MaxOpenConns: c.PostgreSQL.MaxOpenConns,
		MaxIdleConns: c.PostgreSQL.MaxIdleConns,
	}
}

// S3Options converts the S3 settings
func (c *S3Config) S3Options() storage.S3Options {
	return storage.S3Options{
		Bucket:          c.Bucket,
		Prefix:          c.Prefix,
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		UsePathStyle:    c.UsePathStyle,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
	}
}

// UniversalOptions converts the Redis settings
func (c *RedisConfig) UniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:    c.Addrs,
		Username: c.Username,
		Password: c.Password,
		DB:       c.DB,
	}
}

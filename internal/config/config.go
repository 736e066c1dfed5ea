// Package config provides configuration loading for the ingest pipeline.
// Supports YAML files, .env files and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Progress      ProgressConfig      `yaml:"progress"`
	Snapshot      SnapshotConfig      `yaml:"snapshot"`
	Database      DatabaseConfig      `yaml:"database"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Stages        []StageConfig       `yaml:"stages"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	CORSOrigins      []string      `yaml:"cors_origins"`
}

// ProgressConfig holds push channel settings.
type ProgressConfig struct {
	QueueSize int           `yaml:"queue_size"`
	Keepalive time.Duration `yaml:"keepalive"`
}

// SnapshotConfig holds latest-event storage settings.
type SnapshotConfig struct {
	Driver    string        `yaml:"driver"` // memory or redis
	TTL       time.Duration `yaml:"ttl"`
	QueueSize int           `yaml:"queue_size"`
	MaxItems  int           `yaml:"max_items"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// DatabaseConfig holds run audit database settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IngestionConfig holds upload and artifact settings.
type IngestionConfig struct {
	ScratchDir     string        `yaml:"scratch_dir"`
	WorkDir        string        `yaml:"work_dir"`
	ScriptsDir     string        `yaml:"scripts_dir"`
	Python         string        `yaml:"python"`
	AllowedTypes   []string      `yaml:"allowed_types"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
	KeepWorkDir    bool          `yaml:"keep_work_dir"`
	ResultPath     string        `yaml:"result_path"`
	FallbackPath   string        `yaml:"fallback_path"`
	TextPath       string        `yaml:"text_path"`
}

// StageConfig describes one external worker.
type StageConfig struct {
	Name             string            `yaml:"name"`
	Label            string            `yaml:"label"`
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args"`
	Env              map[string]string `yaml:"env"`
	Low              int               `yaml:"low"`
	High             int               `yaml:"high"`
	Absolute         bool              `yaml:"absolute"`
	Parser           string            `yaml:"parser"`
	ReceivesIdentity bool              `yaml:"receives_identity"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// Tokens maps bearer tokens to user ids.
	Tokens map[string]string `yaml:"tokens"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
// A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}

		cfg.Ingestion.ScriptsDir = ResolveRelativePath(path, cfg.Ingestion.ScriptsDir)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			RequestTimeout:   30 * time.Second,
			GracefulShutdown: 15 * time.Second,
			CORSOrigins:      []string{"*"},
		},
		Progress: ProgressConfig{
			QueueSize: 256,
			Keepalive: 15 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Driver:    "memory",
			TTL:       time.Hour,
			QueueSize: 1024,
			MaxItems:  10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/ingest-pipeline.db",
				MaxOpenConns: 1,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Ingestion: IngestionConfig{
			ScratchDir:     filepath.Join(os.TempDir(), "ingest-pipeline", "uploads"),
			WorkDir:        filepath.Join(os.TempDir(), "ingest-pipeline", "runs"),
			ScriptsDir:     "pipeline",
			Python:         "python3",
			AllowedTypes:   []string{"application/pdf"},
			MaxUploadBytes: 50 << 20,
			RunTimeout:     30 * time.Minute,
			ResultPath:     "output/problems_llm_structured.json",
			FallbackPath:   "output/problems.json",
			TextPath:       "output/result.paged.mmd",
		},
		Stages: DefaultStages(),
		Auth: AuthConfig{
			Enabled: false,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "ingest-pipeline",
		},
	}
}

// DefaultStages returns the four-stage document pipeline. Args may use the
// placeholders {python}, {scripts}, {input}, {workdir} and {output}.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{
			Name:    "convert",
			Label:   "Converting PDF",
			Command: "{python}",
			Args:    []string{"{scripts}/convert_pdf.py", "--input", "{input}"},
			Low:     5,
			High:    40,
			Parser:  "convert",
		},
		{
			Name:    "filter",
			Label:   "Filtering pages",
			Command: "{python}",
			Args:    []string{"{scripts}/filter_pages.py"},
			Low:     40,
			High:    50,
			Parser:  "filter",
		},
		{
			Name:    "split",
			Label:   "Splitting problems",
			Command: "{python}",
			Args:    []string{"{scripts}/split.py"},
			Low:     50,
			High:    70,
			Parser:  "split",
		},
		{
			Name:             "structure",
			Label:            "Structuring problems",
			Command:          "{python}",
			Args:             []string{"{scripts}/llm_structure.py"},
			Low:              70,
			High:             95,
			Parser:           "structure",
			ReceivesIdentity: true,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("postgres driver requires a dsn")
	}

	if c.Snapshot.Driver != "memory" && c.Snapshot.Driver != "redis" {
		return fmt.Errorf("invalid snapshot driver: %s", c.Snapshot.Driver)
	}

	if c.Ingestion.ScratchDir == "" || c.Ingestion.WorkDir == "" {
		return fmt.Errorf("scratch_dir and work_dir are required")
	}

	if len(c.Ingestion.AllowedTypes) == 0 {
		return fmt.Errorf("at least one allowed upload type is required")
	}

	if c.Ingestion.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}

	if c.Ingestion.ResultPath == "" {
		return fmt.Errorf("result_path is required")
	}

	if len(c.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}

	seen := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name: %s", s.Name)
		}
		seen[s.Name] = true
		if s.Command == "" {
			return fmt.Errorf("stage %s: command is required", s.Name)
		}
		if s.Low < 0 || s.High > 100 || s.Low >= s.High {
			return fmt.Errorf("stage %s: invalid band [%d, %d)", s.Name, s.Low, s.High)
		}
		if i > 0 && c.Stages[i-1].High > s.Low {
			return fmt.Errorf("stage %s: band overlaps stage %s", s.Name, c.Stages[i-1].Name)
		}
	}

	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Snapshot.Driver = "redis"
		cfg.Snapshot.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("PIPELINE_WORK_DIR"); v != "" {
		cfg.Ingestion.WorkDir = v
	}

	if v := os.Getenv("PIPELINE_SCRATCH_DIR"); v != "" {
		cfg.Ingestion.ScratchDir = v
	}

	if v := os.Getenv("PIPELINE_SCRIPTS_DIR"); v != "" {
		cfg.Ingestion.ScriptsDir = v
	}

	if v := os.Getenv("PIPELINE_PYTHON"); v != "" {
		cfg.Ingestion.Python = v
	}

	if v := os.Getenv("AUTH_ENABLED"); v == "true" {
		cfg.Auth.Enabled = true
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if targetPath == "" || filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}

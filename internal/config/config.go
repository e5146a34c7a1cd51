package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models escrowline.yml.
type Config struct {
	Server struct {
		Addr           string        `yaml:"addr"`
		JWTSecret      string        `yaml:"jwt_secret"`
		RateLimitRPS   float64       `yaml:"rate_limit_rps"`
		RateLimitBurst int           `yaml:"rate_limit_burst"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`
	Database Database `yaml:"database"`
	Cache    struct {
		RedisAddr string        `yaml:"redis_addr"`
		RedisDB   int           `yaml:"redis_db"`
		TTL       time.Duration `yaml:"ttl"`
		Prefix    string        `yaml:"prefix"`
	} `yaml:"cache"`
	Fees struct {
		EscrowFeePercent string `yaml:"escrow_fee_percent"`
		MinEscrowAmount  int64  `yaml:"min_escrow_amount"`
	} `yaml:"fees"`
	Contracts struct {
		SigningWindow time.Duration `yaml:"signing_window"`
	} `yaml:"contracts"`
	Engine struct {
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"engine"`
	Log Log `yaml:"log"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("config.database.driver must be sqlite, postgres or mysql (got %q)", c.Database.Driver)
	}
	if c.Database.Driver != "sqlite" && c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required for %s", c.Database.Driver)
	}
	pct, err := decimal.NewFromString(c.Fees.EscrowFeePercent)
	if err != nil {
		return fmt.Errorf("config.fees.escrow_fee_percent: %w", err)
	}
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("config.fees.escrow_fee_percent must be between 0 and 100")
	}
	if c.Fees.MinEscrowAmount < 0 {
		return fmt.Errorf("config.fees.min_escrow_amount must not be negative")
	}
	if c.Contracts.SigningWindow <= 0 {
		return fmt.Errorf("config.contracts.signing_window must be positive")
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("config.engine.max_retries must be at least 1")
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("config.server.rate_limit_rps must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with escrowline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  jwt_secret: ""
  rate_limit_rps: 0
  rate_limit_burst: 20
  read_timeout: 15s
  write_timeout: 15s

database:
  driver: sqlite
  dsn: ""

cache:
  redis_addr: ""
  redis_db: 0
  ttl: 30s
  prefix: escrowline

fees:
  escrow_fee_percent: "3"
  min_escrow_amount: 10000

contracts:
  signing_window: 72h

engine:
  max_retries: 3

log:
  level: info
  format: text
  file: ""
  max_size_mb: 50
  max_backups: 5
  max_age_days: 28
`

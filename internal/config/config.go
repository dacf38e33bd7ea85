package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port           string        `env:"PORT"             envDefault:"8080"`
	DBPath         string        `env:"DB_PATH"          envDefault:"campaigns.db"`
	LogLevel       string        `env:"LOG_LEVEL"        envDefault:"info"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
	MetricsEnabled bool          `env:"METRICS_ENABLED"  envDefault:"true"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE"   envDefault:"10s"`

	Runner  RunnerConfig
	Browser BrowserConfig
	Redis   RedisConfig
}

type RunnerConfig struct {
	BatchSize         int           `env:"BATCH_SIZE"         envDefault:"10"`
	MaxTotalCount     int           `env:"MAX_TOTAL_COUNT"    envDefault:"1000"`
	DefaultPrice      float64       `env:"DEFAULT_PRICE"      envDefault:"6000"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT"    envDefault:"30s"`
	NavigationTimeout time.Duration `env:"NAVIGATION_TIMEOUT" envDefault:"30s"`
	FormTimeout       time.Duration `env:"FORM_TIMEOUT"       envDefault:"10s"`
}

type BrowserConfig struct {
	ChromePath string `env:"CHROME_PATH"`
	Headless   bool   `env:"BROWSER_HEADLESS" envDefault:"true"`
	UserAgent  string `env:"BROWSER_USER_AGENT"`
}

type RedisConfig struct {
	// Addr enables checkpoint publishing when set.
	Addr          string        `env:"REDIS_ADDR"`
	Password      string        `env:"REDIS_PASSWORD"`
	DB            int           `env:"REDIS_DB"             envDefault:"0"`
	CheckpointTTL time.Duration `env:"REDIS_CHECKPOINT_TTL" envDefault:"24h"`
}

// Load reads configuration from the environment, after loading a .env file
// when one exists.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// Sanitize replaces out-of-range values with their defaults.
func (c *Config) Sanitize() {
	c.Port = strings.TrimSpace(c.Port)
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 10 << 20
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	c.Runner.Sanitize()
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
}

func (c *RunnerConfig) Sanitize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxTotalCount < 0 {
		c.MaxTotalCount = 0
	}
	if c.DefaultPrice <= 0 {
		c.DefaultPrice = 6000
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.FormTimeout <= 0 {
		c.FormTimeout = 10 * time.Second
	}
}

// Level maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const ReleaseMode = "release"

type DatabaseOptions struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	Name     string `env:"DB_NAME" envDefault:"postgres"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

// DSN builds a postgres connection URL for gorm.
func (d DatabaseOptions) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.Name + "?sslmode=" + d.SSLMode
}

type LockOptions struct {
	RedisURL string        `env:"REDIS_URL"`
	TTL      time.Duration `env:"LOCK_TTL" envDefault:"30s"`
	Timeout  time.Duration `env:"LOCK_TIMEOUT" envDefault:"10s"`
}

type Configuration struct {
	Database DatabaseOptions
	Lock     LockOptions

	Port        string   `env:"PORT" envDefault:"8080"`
	GinMode     string   `env:"GIN_MODE" envDefault:"debug"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	JWTSecret   string   `env:"JWT_SECRET"`
	MediaRoot   string   `env:"MEDIA_ROOT" envDefault:"media"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:5173,http://127.0.0.1:5173" envSeparator:","`
	MaxUpload   int64    `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"`
}

// IsRelease reports whether gin runs in release mode.
func (c *Configuration) IsRelease() bool {
	return c.GinMode == ReleaseMode
}

// Validate checks settings that have no safe default.
func (c *Configuration) Validate() error {
	if c.JWTSecret == "" && c.IsRelease() {
		return fmt.Errorf("JWT_SECRET environment variable is required in release mode")
	}
	if strings.TrimSpace(c.MediaRoot) == "" {
		return fmt.Errorf("MEDIA_ROOT must not be empty")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.Lock.TTL)
	}
	return nil
}

// Load reads the given .env files (missing files are skipped) and parses the environment.
func Load(envFiles ...string) (*Configuration, error) {
	existing := make([]string, 0, len(envFiles))
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}

	cfg := &Configuration{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "default_super_secret_key" // Development fallback only
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

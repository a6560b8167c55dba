/*
Package config loads server configuration from the environment.

PURPOSE:
  One Config struct, decoded from environment variables. A .env file in
  the working directory (or the path in ENV_FILE) is loaded first when it
  exists; variables already set in the process win over the file.

SECRETS:
  JWT_SECRET and WEBHOOK_SECRET have no defaults. The server refuses to
  start without them unless APP_ENV=development, where throwaway values
  are generated so local runs work out of the box.

SEE ALSO:
  - cmd/server/main.go: Flags override Port and the database settings
  - logging/logging.go: Consumes the Log* fields
*/
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

type Config struct {
	Env  string `env:"APP_ENV,default=development"`
	Port int    `env:"PORT,default=8080"`

	DBDriver string `env:"DB_DRIVER,default=sqlite3"`
	DBDSN    string `env:"DATABASE_URL,default=rebound.db"`

	// RulesFile overrides the embedded earning rules, catalog, features and badges.
	RulesFile string `env:"RULES_FILE"`
	Timezone  string `env:"TIMEZONE,default=UTC"`

	// AuditInterval is how often every ledger is replayed; 0 disables.
	AuditInterval time.Duration `env:"AUDIT_INTERVAL,default=1h"`

	JWTSecret     string        `env:"JWT_SECRET"`
	JWTTTL        time.Duration `env:"JWT_TTL,default=24h"`
	WebhookSecret string        `env:"WEBHOOK_SECRET"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
	RedisChannel  string `env:"REDIS_CHANNEL,default=rebound.events"`

	AuthRatePerMinute int    `env:"AUTH_RATE_PER_MINUTE,default=20"`
	AllowedOrigins    string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`

	LogLevel      string `env:"LOG_LEVEL,default=info"`
	LogPath       string `env:"LOG_PATH"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB,default=100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS,default=3"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS,default=7"`
	LogCompress   bool   `env:"LOG_COMPRESS,default=false"`
}

// Load reads the optional .env file and decodes the environment.
func Load() (Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	// Every field has a default or is optional; "nothing set" is fine.
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	if c.AuthRatePerMinute <= 0 {
		return fmt.Errorf("AUTH_RATE_PER_MINUTE must be positive")
	}
	if c.IsDevelopment() {
		if c.JWTSecret == "" {
			c.JWTSecret = randomSecret()
		}
		if c.WebhookSecret == "" {
			c.WebhookSecret = randomSecret()
		}
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required outside development")
	}
	return nil
}

func (c Config) IsDevelopment() bool { return c.Env == "development" }

// Location is the timezone that defines calendar days for caps and streaks.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Origins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

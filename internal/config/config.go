package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the EcoWatch API server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Admin    AdminConfig
	Trial    TrialConfig
	Cache    CacheConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AdminConfig struct {
	Token string
}

// TrialConfig tunes the per-IP throttle on the unauthenticated trial
// signup endpoint.
type TrialConfig struct {
	SignupsPerMinute float64
	SignupBurst      int
}

type CacheConfig struct {
	StatsTTL time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("ECOWATCH_PORT", 8080),
			Env:  envString("ECOWATCH_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Admin: AdminConfig{
			Token: os.Getenv("ECOWATCH_ADMIN_TOKEN"),
		},
		Trial: TrialConfig{
			SignupsPerMinute: envFloat("TRIAL_SIGNUPS_PER_MINUTE", 3),
			SignupBurst:      envInt("TRIAL_SIGNUP_BURST", 3),
		},
		Cache: CacheConfig{
			StatsTTL: envDuration("STATS_CACHE_TTL", 5*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Admin.Token == "" {
		return fmt.Errorf("ECOWATCH_ADMIN_TOKEN is required")
	}
	if len(c.Admin.Token) < 16 {
		return fmt.Errorf("ECOWATCH_ADMIN_TOKEN must be at least 16 characters")
	}
	if c.Trial.SignupsPerMinute <= 0 {
		return fmt.Errorf("TRIAL_SIGNUPS_PER_MINUTE must be positive")
	}
	if c.Trial.SignupBurst <= 0 {
		return fmt.Errorf("TRIAL_SIGNUP_BURST must be positive")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

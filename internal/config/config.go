package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is shared by the server and the CLI. Each field maps to one env var;
// a .env file in the working directory is read when present.
type Config struct {
	// Server
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"APP_ENV"` // development | production
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RedisURL      string `mapstructure:"REDIS_URL"`
	DefaultShopID string `mapstructure:"DEFAULT_SHOP_ID"`

	// Auth
	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`

	// Client
	APIBaseURL           string `mapstructure:"API_BASE_URL"`
	StateFile            string `mapstructure:"STATE_FILE"`
	DefaultCurrency      string `mapstructure:"DEFAULT_CURRENCY"`
	QueryCacheTTLSeconds int    `mapstructure:"QUERY_CACHE_TTL_SECONDS"`
	HTTPTimeoutSeconds   int    `mapstructure:"HTTP_TIMEOUT_SECONDS"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("DEFAULT_SHOP_ID", "main-shop")
	// No default secret: the server refuses to start without one.
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("API_BASE_URL", "http://127.0.0.1:8080")
	v.SetDefault("STATE_FILE", defaultStateFile())
	v.SetDefault("DEFAULT_CURRENCY", "KES")
	v.SetDefault("QUERY_CACHE_TTL_SECONDS", 30)
	v.SetDefault("HTTP_TIMEOUT_SECONDS", 15)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.QueryCacheTTLSeconds < 0 {
		cfg.QueryCacheTTLSeconds = 30
	}
	if cfg.HTTPTimeoutSeconds < 1 {
		cfg.HTTPTimeoutSeconds = 15
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) QueryCacheTTL() time.Duration {
	return time.Duration(c.QueryCacheTTLSeconds) * time.Second
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".dukapos-state.yaml"
	}
	return filepath.Join(dir, "dukapos", "state.yaml")
}

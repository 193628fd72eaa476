// Package config loads settings from the environment, an optional .env file
// and an optional config.yml.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DevEnv = "dev"
	ProEnv = "pro"

	insecureSecret = "unsecure"
)

type Config struct {
	Env           string        `mapstructure:"ENV"`
	AddressListen string        `mapstructure:"ADDRESS_LISTEN"`
	WhitelistHost string        `mapstructure:"WHITELIST_HOST"`
	TLSCacheDir   string        `mapstructure:"TLS_CACHE_DIR"`
	JWTSecret     string        `mapstructure:"JWT_SECRET"`
	DBDriver      string        `mapstructure:"DB_DRIVER"`
	DBURL         string        `mapstructure:"DB_URL"`
	RedisURL      string        `mapstructure:"REDIS_URL"`
	AppID         string        `mapstructure:"APP_ID"`
	APIURI        string        `mapstructure:"API_URI"`
	WebsocketURI  string        `mapstructure:"WEBSOCKET_URI"`
	MagicCodeTTL  time.Duration `mapstructure:"MAGIC_CODE_TTL"`
	CodeRateLimit int           `mapstructure:"CODE_RATE_LIMIT"`
	SMTPHost      string        `mapstructure:"SMTP_HOST"`
	SMTPPort      int           `mapstructure:"SMTP_PORT"`
	SMTPUsername  string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword  string        `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom      string        `mapstructure:"SMTP_FROM"`

	// TrustedProxies are the CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES"`
	MetricsListen  string   `mapstructure:"METRICS_LISTEN"`
}

var keys = []string{
	"ENV", "ADDRESS_LISTEN", "WHITELIST_HOST", "TLS_CACHE_DIR", "JWT_SECRET",
	"DB_DRIVER", "DB_URL", "REDIS_URL", "APP_ID", "API_URI", "WEBSOCKET_URI",
	"MAGIC_CODE_TTL", "CODE_RATE_LIMIT",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"TRUSTED_PROXIES", "METRICS_LISTEN",
}

func (c *Config) IsDev() bool { return c.Env == DevEnv }

// Load reads the configuration. A missing .env or config.yml is fine.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	v.SetDefault("ENV", ProEnv)
	v.SetDefault("TLS_CACHE_DIR", "/var/www/.cache")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("APP_ID", "microblog")
	v.SetDefault("API_URI", "/api")
	v.SetDefault("WEBSOCKET_URI", "/live")
	v.SetDefault("MAGIC_CODE_TTL", 10*time.Minute)
	v.SetDefault("CODE_RATE_LIMIT", 5)
	v.SetDefault("SMTP_PORT", 587)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.applyEnvDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvDefaults() {
	if c.JWTSecret == "" && c.IsDev() {
		c.JWTSecret = insecureSecret
	}
	if c.AddressListen == "" && c.IsDev() {
		c.AddressListen = ":8080"
	}
}

func (c *Config) Validate() error {
	if c.Env != DevEnv && c.Env != ProEnv {
		return fmt.Errorf("ENV must be %q or %q, got %q", DevEnv, ProEnv, c.Env)
	}
	if c.JWTSecret == "" {
		return errors.New("no secret defined")
	}
	if c.Env == ProEnv && (c.JWTSecret == insecureSecret || len(c.JWTSecret) < 32) {
		return errors.New("JWT_SECRET must be at least 32 characters in pro")
	}
	if c.AppID == "" {
		return errors.New("APP_ID is required")
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		return errors.New("SMTP_FROM is required when SMTP_HOST is set")
	}
	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
	}
	return nil
}

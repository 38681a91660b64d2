package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds service settings loaded from the environment and an optional .env file.
type Config struct {
	DBSource    string `mapstructure:"DB_SOURCE"`
	Port        string `mapstructure:"SERVER_PORT"`
	Env         string `mapstructure:"ENVIRONMENT"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`

	RedisURL                string `mapstructure:"REDIS_URL"`
	CategoryCacheTTLSeconds int    `mapstructure:"CATEGORY_CACHE_TTL_SECONDS"`

	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	GatewayBaseURL        string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayReadyPath      string `mapstructure:"GATEWAY_READY_PATH"`
	GatewayApprovePath    string `mapstructure:"GATEWAY_APPROVE_PATH"`
	GatewaySecretKey      string `mapstructure:"GATEWAY_SECRET_KEY"`
	GatewayCID            string `mapstructure:"GATEWAY_CID"`
	GatewayTimeoutSeconds int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`

	CallbackHost         string `mapstructure:"CALLBACK_HOST"`
	CallbackApprovalPath string `mapstructure:"CALLBACK_APPROVAL_PATH"`
	CallbackCancelPath   string `mapstructure:"CALLBACK_CANCEL_PATH"`
	CallbackFailPath     string `mapstructure:"CALLBACK_FAIL_PATH"`
	FrontendBaseURL      string `mapstructure:"FRONTEND_BASE_URL"`

	PendingExpiryMinutes  int    `mapstructure:"PENDING_EXPIRY_MINUTES"`
	PendingExpirySchedule string `mapstructure:"PENDING_EXPIRY_SCHEDULE"`
}

var keys = []string{
	"DB_SOURCE", "SERVER_PORT", "ENVIRONMENT", "STORE_DRIVER", "LOG_LEVEL", "JWT_SECRET",
	"REDIS_URL", "CATEGORY_CACHE_TTL_SECONDS", "RABBITMQ_URL", "EVENTS_EXCHANGE",
	"GATEWAY_BASE_URL", "GATEWAY_READY_PATH", "GATEWAY_APPROVE_PATH", "GATEWAY_SECRET_KEY",
	"GATEWAY_CID", "GATEWAY_TIMEOUT_SECONDS",
	"CALLBACK_HOST", "CALLBACK_APPROVAL_PATH", "CALLBACK_CANCEL_PATH", "CALLBACK_FAIL_PATH",
	"FRONTEND_BASE_URL", "PENDING_EXPIRY_MINUTES", "PENDING_EXPIRY_SCHEDULE",
}

// Load reads configuration from the environment, falling back to a .env file in path.
func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("STORE_DRIVER", DriverPostgres)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("CATEGORY_CACHE_TTL_SECONDS", 300)
	viper.SetDefault("EVENTS_EXCHANGE", "greenpoint.ledger")
	viper.SetDefault("GATEWAY_BASE_URL", "https://open-api.kakaopay.com")
	viper.SetDefault("GATEWAY_READY_PATH", "/online/v1/payment/ready")
	viper.SetDefault("GATEWAY_APPROVE_PATH", "/online/v1/payment/approve")
	viper.SetDefault("GATEWAY_CID", "TC0ONETIME")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 10)
	viper.SetDefault("CALLBACK_HOST", "http://localhost:8080")
	viper.SetDefault("CALLBACK_APPROVAL_PATH", "/api/v1/transactions/gateway/success")
	viper.SetDefault("CALLBACK_CANCEL_PATH", "/api/v1/transactions/gateway/cancel")
	viper.SetDefault("CALLBACK_FAIL_PATH", "/api/v1/transactions/gateway/fail")
	viper.SetDefault("FRONTEND_BASE_URL", "http://localhost:3000")
	viper.SetDefault("PENDING_EXPIRY_MINUTES", 30)
	viper.SetDefault("PENDING_EXPIRY_SCHEDULE", "@every 5m")

	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file read failed: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal failed: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.PendingExpiryMinutes <= 0 {
		return fmt.Errorf("PENDING_EXPIRY_MINUTES must be positive")
	}
	return nil
}

func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

func (c *Config) CategoryCacheTTL() time.Duration {
	return time.Duration(c.CategoryCacheTTLSeconds) * time.Second
}

func (c *Config) PendingExpiry() time.Duration {
	return time.Duration(c.PendingExpiryMinutes) * time.Minute
}

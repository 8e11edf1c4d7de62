/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the groupbuy-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	GroupEventQueue        string `mapstructure:"GROUP_EVENT_QUEUE"`
	JWKSURL                string `mapstructure:"JWKS_URL"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	GatewayAPIBaseURL      string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey          string `mapstructure:"GATEWAY_API_KEY"`
	GatewayWebhookSecret   string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	GatewayTimeoutSeconds  int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	DefaultCurrency        string `mapstructure:"DEFAULT_CURRENCY"`
	JoinMaxRetries         int    `mapstructure:"JOIN_MAX_RETRIES"`
	JoinRetryBackoffMS     int    `mapstructure:"JOIN_RETRY_BACKOFF_MS"`
	JoinRateLimitPerMinute int    `mapstructure:"JOIN_RATE_LIMIT_PER_MINUTE"`
	SweepSchedule          string `mapstructure:"SWEEP_SCHEDULE"`
	SweepBatchSize         int    `mapstructure:"SWEEP_BATCH_SIZE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("GROUP_EVENT_QUEUE", "groupbuy_service.group_updates")
	viper.SetDefault("DEFAULT_CURRENCY", "SAR")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 15)
	viper.SetDefault("JOIN_MAX_RETRIES", 5)
	viper.SetDefault("JOIN_RETRY_BACKOFF_MS", 25)
	viper.SetDefault("JOIN_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("SWEEP_BATCH_SIZE", 100)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "GROUPBUY_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("GROUP_EVENT_QUEUE")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "GROUPBUY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("JOIN_MAX_RETRIES")
	_ = viper.BindEnv("JOIN_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("JOIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("GROUPBUY_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "SAR"
	}

	if config.GatewayTimeoutSeconds <= 0 {
		config.GatewayTimeoutSeconds = 15
	}
	if config.JoinMaxRetries <= 0 {
		config.JoinMaxRetries = 5
	}
	if config.JoinRetryBackoffMS <= 0 {
		config.JoinRetryBackoffMS = 25
	}
	if config.JoinRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative join rate limit configured; disabling\" limit=%d", config.JoinRateLimitPerMinute)
		config.JoinRateLimitPerMinute = 0
	}
	if strings.TrimSpace(config.SweepSchedule) == "" {
		config.SweepSchedule = "@every 1m"
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 100
	}

	return
}

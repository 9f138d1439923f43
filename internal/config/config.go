/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Provider topology modes recognized by PROVIDER_MODE.
const (
	ProviderModeMock           = "mock"
	ProviderModeStripeBridge   = "stripe_bridge_jit"
	ProviderModeBridgeOnly     = "bridge_only"
	ProviderModeGenericWebhook = "generic_webhook"
)

// Config holds all the configuration variables for the payout-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	JWKSURL              string `mapstructure:"JWKS_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	ProviderMode      string `mapstructure:"PROVIDER_MODE"`
	DebitProviderName string `mapstructure:"DEBIT_PROVIDER_NAME"`
	BankProviderName  string `mapstructure:"BANK_PROVIDER_NAME"`

	DebitEnabledRegions string `mapstructure:"DEBIT_ENABLED_REGIONS"`
	DebitMaxAmountUsdc  int64  `mapstructure:"DEBIT_MAX_AMOUNT_USDC"`
	ForceDebitFallback  bool   `mapstructure:"FORCE_DEBIT_FALLBACK"`

	RelayerBaseURL string `mapstructure:"RELAYER_BASE_URL"`
	RelayerAPIKey  string `mapstructure:"RELAYER_API_KEY"`
	DefaultChainID int64  `mapstructure:"DEFAULT_CHAIN_ID"`

	StripeAPIBaseURL string `mapstructure:"STRIPE_API_BASE_URL"`
	StripeAPIKey     string `mapstructure:"STRIPE_API_KEY"`
	BridgeAPIBaseURL string `mapstructure:"BRIDGE_API_BASE_URL"`
	BridgeAPIKey     string `mapstructure:"BRIDGE_API_KEY"`

	GenericWebhookURL            string `mapstructure:"GENERIC_WEBHOOK_URL"`
	GenericWebhookSecret         string `mapstructure:"GENERIC_WEBHOOK_SECRET"`
	GenericWebhookTimeoutSeconds int    `mapstructure:"GENERIC_WEBHOOK_TIMEOUT_SECONDS"`

	BridgeWebhookPublicKeys string `mapstructure:"BRIDGE_WEBHOOK_PUBLIC_KEYS"`
	WebhookMaxAgeSeconds    int    `mapstructure:"WEBHOOK_MAX_AGE_SECONDS"`

	ContactEncryptionKey string `mapstructure:"CONTACT_ENCRYPTION_KEY"`

	StoreMaxRetries  int `mapstructure:"STORE_MAX_RETRIES"`
	StoreRetryBaseMs int `mapstructure:"STORE_RETRY_BASE_MS"`

	ProviderTimeoutSeconds int `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`

	OtpTTLSeconds           int `mapstructure:"OTP_TTL_SECONDS"`
	OtpMaxAttempts          int `mapstructure:"OTP_MAX_ATTEMPTS"`
	OtpSendRateLimitPerHour int `mapstructure:"OTP_SEND_RATE_LIMIT_PER_HOUR"`
	ClaimRateLimitPerMinute int `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
}

// EnabledDebitRegions returns the debit allow-list as a normalized set.
func (c Config) EnabledDebitRegions() map[string]bool {
	regions := make(map[string]bool)
	for _, region := range strings.Split(c.DebitEnabledRegions, ",") {
		region = strings.ToUpper(strings.TrimSpace(region))
		if region != "" {
			regions[region] = true
		}
	}
	return regions
}

// WebhookPublicKeys splits the configured verifier keys. Multiple keys are
// separated by "||" so that PEM blocks (which contain newlines but no pipes)
// survive env-var transport; all configured keys stay valid during rotation.
func (c Config) WebhookPublicKeys() []string {
	var keys []string
	for _, key := range strings.Split(c.BridgeWebhookPublicKeys, "||") {
		key = strings.TrimSpace(key)
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "claimlink:rate_limit")
	viper.SetDefault("PROVIDER_MODE", ProviderModeMock)
	viper.SetDefault("DEBIT_PROVIDER_NAME", "stripe")
	viper.SetDefault("BANK_PROVIDER_NAME", "bridge")
	viper.SetDefault("DEBIT_ENABLED_REGIONS", "US")
	viper.SetDefault("DEBIT_MAX_AMOUNT_USDC", int64(2_500_000_000))
	viper.SetDefault("DEFAULT_CHAIN_ID", int64(8453))
	viper.SetDefault("GENERIC_WEBHOOK_TIMEOUT_SECONDS", 15)
	viper.SetDefault("WEBHOOK_MAX_AGE_SECONDS", 300)
	viper.SetDefault("STORE_MAX_RETRIES", 3)
	viper.SetDefault("STORE_RETRY_BASE_MS", 100)
	viper.SetDefault("PROVIDER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("OTP_TTL_SECONDS", 600)
	viper.SetDefault("OTP_MAX_ATTEMPTS", 5)
	viper.SetDefault("OTP_SEND_RATE_LIMIT_PER_HOUR", 10)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYOUT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PROVIDER_MODE")
	_ = viper.BindEnv("DEBIT_PROVIDER_NAME")
	_ = viper.BindEnv("BANK_PROVIDER_NAME")
	_ = viper.BindEnv("DEBIT_ENABLED_REGIONS")
	_ = viper.BindEnv("DEBIT_MAX_AMOUNT_USDC")
	_ = viper.BindEnv("FORCE_DEBIT_FALLBACK")
	_ = viper.BindEnv("RELAYER_BASE_URL")
	_ = viper.BindEnv("RELAYER_API_KEY")
	_ = viper.BindEnv("DEFAULT_CHAIN_ID")
	_ = viper.BindEnv("STRIPE_API_BASE_URL")
	_ = viper.BindEnv("STRIPE_API_KEY")
	_ = viper.BindEnv("BRIDGE_API_BASE_URL")
	_ = viper.BindEnv("BRIDGE_API_KEY")
	_ = viper.BindEnv("GENERIC_WEBHOOK_URL")
	_ = viper.BindEnv("GENERIC_WEBHOOK_SECRET")
	_ = viper.BindEnv("GENERIC_WEBHOOK_TIMEOUT_SECONDS")
	_ = viper.BindEnv("BRIDGE_WEBHOOK_PUBLIC_KEYS", "BRIDGE_WEBHOOK_PUBLIC_KEYS", "BRIDGE_WEBHOOK_PUBLIC_KEY")
	_ = viper.BindEnv("WEBHOOK_MAX_AGE_SECONDS")
	_ = viper.BindEnv("CONTACT_ENCRYPTION_KEY")
	_ = viper.BindEnv("STORE_MAX_RETRIES")
	_ = viper.BindEnv("STORE_RETRY_BASE_MS")
	_ = viper.BindEnv("PROVIDER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("OTP_TTL_SECONDS")
	_ = viper.BindEnv("OTP_MAX_ATTEMPTS")
	_ = viper.BindEnv("OTP_SEND_RATE_LIMIT_PER_HOUR")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYOUT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "claimlink:rate_limit"
	}

	config.ProviderMode = strings.ToLower(strings.TrimSpace(config.ProviderMode))
	switch config.ProviderMode {
	case ProviderModeMock, ProviderModeStripeBridge, ProviderModeBridgeOnly, ProviderModeGenericWebhook:
	case "":
		config.ProviderMode = ProviderModeMock
	default:
		return config, fmt.Errorf("unrecognized PROVIDER_MODE %q", config.ProviderMode)
	}

	if config.DebitMaxAmountUsdc <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive debit cap configured; using default\" max_usdc=%d", config.DebitMaxAmountUsdc)
		config.DebitMaxAmountUsdc = 2_500_000_000
	}
	if config.WebhookMaxAgeSeconds <= 0 {
		config.WebhookMaxAgeSeconds = 300
	}
	if config.StoreMaxRetries <= 0 {
		config.StoreMaxRetries = 3
	}
	if config.StoreRetryBaseMs <= 0 {
		config.StoreRetryBaseMs = 100
	}
	if config.ProviderTimeoutSeconds <= 0 {
		config.ProviderTimeoutSeconds = 30
	}
	if config.GenericWebhookTimeoutSeconds <= 0 {
		config.GenericWebhookTimeoutSeconds = 15
	}
	if config.OtpTTLSeconds <= 0 {
		config.OtpTTLSeconds = 600
	}
	if config.OtpMaxAttempts <= 0 {
		config.OtpMaxAttempts = 5
	}
	if config.OtpSendRateLimitPerHour <= 0 {
		config.OtpSendRateLimitPerHour = 10
	}
	if config.ClaimRateLimitPerMinute <= 0 {
		config.ClaimRateLimitPerMinute = 30
	}

	return
}

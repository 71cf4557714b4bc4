// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage and messaging. Each is optional; in-memory stand-ins are used
	// when unset.
	DatabaseURL string
	RedisURL    string
	AMQPURL     string

	// Chain settings
	RPCURL              string
	ChainID             int64
	FactoryAddress      string
	ConfirmationTimeout time.Duration
	RPCRateLimit        float64 // calls per second, 0 = unlimited

	// Escrow provisioning. FeeRecipient and DeployerPrivateKey may be unset;
	// provisioning then fails with a configuration error.
	FeeRecipient       string
	DeployerPrivateKey string // Hex-encoded, with or without 0x
	ArbiterPrivateKey  string
	ArbiterAddress     string // defaults to the arbiter key's address
	PaymentToken       string // empty for the native currency
	PlatformFeeBps     int64
	BuyerFeeBps        int64
	VendorFeeBps       int64
	DisputeFeeBps      int64
	RewardRateBps      int64
	MaxFeeBps          int64

	// Orchestration
	StrictContentHash bool
	ReconcileInterval time.Duration
	LockBackend       string // "memory" or "redis"

	// Security
	JWTSecret    string
	JWTIssuer    string
	RateLimitRPM int
	CORSOrigins  []string

	// Tracing
	OTelEndpoint    string
	OTelSampleRatio float64
}

// Defaults
const (
	DefaultRPCURL              = "http://127.0.0.1:8545"
	DefaultChainID             = 31337
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultJWTIssuer           = "workescrow"
	DefaultMaxFeeBps           = 1000
	DefaultPlatformFeeBps      = 250
	DefaultDisputeFeeBps       = 200
	DefaultConfirmationTimeout = 90 * time.Second
	DefaultReconcileInterval   = time.Minute
	DefaultRateLimitRPM        = 120
)

var hexKeyRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		AMQPURL:             os.Getenv("AMQP_URL"),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		FactoryAddress:      os.Getenv("FACTORY_ADDRESS"),
		ConfirmationTimeout: getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		RPCRateLimit:        getEnvFloat("RPC_RATE_LIMIT", 0),
		FeeRecipient:        os.Getenv("FEE_RECIPIENT"),
		DeployerPrivateKey:  os.Getenv("DEPLOYER_PRIVATE_KEY"),
		ArbiterPrivateKey:   os.Getenv("ARBITER_PRIVATE_KEY"),
		ArbiterAddress:      os.Getenv("ARBITER_ADDRESS"),
		PaymentToken:        os.Getenv("PAYMENT_TOKEN"),
		PlatformFeeBps:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
		BuyerFeeBps:         getEnvInt64("BUYER_FEE_BPS", 0),
		VendorFeeBps:        getEnvInt64("VENDOR_FEE_BPS", 0),
		DisputeFeeBps:       getEnvInt64("DISPUTE_FEE_BPS", DefaultDisputeFeeBps),
		RewardRateBps:       getEnvInt64("REWARD_RATE_BPS", 0),
		MaxFeeBps:           getEnvInt64("MAX_FEE_BPS", DefaultMaxFeeBps),
		StrictContentHash:   getEnvBool("STRICT_CONTENT_HASH", false),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		LockBackend:         getEnv("LOCK_BACKEND", ""),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		JWTIssuer:           getEnv("JWT_ISSUER", DefaultJWTIssuer),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		OTelEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}
	if cfg.LockBackend == "" {
		cfg.LockBackend = "memory"
		if cfg.RedisURL != "" {
			cfg.LockBackend = "redis"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and that
// every optional value that is set is well formed.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	for name, key := range map[string]string{
		"DEPLOYER_PRIVATE_KEY": c.DeployerPrivateKey,
		"ARBITER_PRIVATE_KEY":  c.ArbiterPrivateKey,
	} {
		if key != "" && !hexKeyRegex.MatchString(strings.TrimPrefix(key, "0x")) {
			return fmt.Errorf("%s must be 64 hex characters (with or without 0x prefix)", name)
		}
	}
	for name, addr := range map[string]string{
		"FACTORY_ADDRESS": c.FactoryAddress,
		"FEE_RECIPIENT":   c.FeeRecipient,
		"ARBITER_ADDRESS": c.ArbiterAddress,
		"PAYMENT_TOKEN":   c.PaymentToken,
	} {
		if addr != "" && !isHexAddress(addr) {
			return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", name)
		}
	}

	if c.MaxFeeBps <= 0 || c.MaxFeeBps > 10000 {
		return fmt.Errorf("MAX_FEE_BPS must be between 1 and 10000")
	}
	if c.BuyerFeeBps < 0 || c.VendorFeeBps < 0 || c.BuyerFeeBps+c.VendorFeeBps > c.MaxFeeBps {
		return fmt.Errorf("BUYER_FEE_BPS + VENDOR_FEE_BPS must be between 0 and MAX_FEE_BPS (%d)", c.MaxFeeBps)
	}
	for name, v := range map[string]int64{
		"PLATFORM_FEE_BPS": c.PlatformFeeBps,
		"DISPUTE_FEE_BPS":  c.DisputeFeeBps,
		"REWARD_RATE_BPS":  c.RewardRateBps,
	} {
		if v < 0 || v > c.MaxFeeBps {
			return fmt.Errorf("%s must be between 0 and MAX_FEE_BPS (%d)", name, c.MaxFeeBps)
		}
	}

	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}

	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	switch c.LockBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("LOCK_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be memory or redis")
	}

	return nil
}

// CanProvision reports whether escrow provisioning is configured.
func (c *Config) CanProvision() bool {
	return c.FeeRecipient != "" && c.DeployerPrivateKey != "" && c.FactoryAddress != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func isHexAddress(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvDuration accepts Go durations ("90s") or whole seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

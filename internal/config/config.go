// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Auth
	GatewayTokens    []string // bearer tokens the API gateway presents
	InternalAPIToken string   // bearer token for watcher and relayer routes

	// HTTP
	CORSOrigins []string // empty allows any origin

	// Rate limiting
	RateLimitRPM   int
	RateLimitBurst int

	// Redis (optional): cross-instance sweep lock and asynq sweep trigger
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Escrow policy
	FinalApprovalWindow time.Duration
	DisputeWindow       time.Duration
	ServiceFeeBps       uint64

	// Deadline scheduler
	SweepSchedule     string // standard 5-field cron spec
	SweepBatchSize    int
	SettlementTimeout time.Duration

	// Settlement executor
	OperatorPrivateKey string            // Hex-encoded, optional 0x prefix
	RPCURLs            map[string]string // network -> RPC endpoint
	ChainIDs           map[string]int64  // network -> EIP-155 chain id
	WaitForReceipts    bool

	// Bridge routing provider
	BridgeAPIURL     string // empty = static provider derived from the route table
	BridgeAPIKey     string
	BridgeRPS        float64
	BridgeRoutesFile string // optional YAML override for the static bridge table

	// Network classification
	StrictNetworkClassification bool
	FallbackNetwork             string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultFinalApprovalWindow = 48 * time.Hour
	DefaultDisputeWindow       = 7 * 24 * time.Hour
	DefaultServiceFeeBps       = 200
	DefaultSweepSchedule       = "*/30 * * * *"
	DefaultSweepBatchSize      = 100
	DefaultSettlementTimeout   = 45 * time.Second
	DefaultBridgeRPS           = 5
	DefaultFallbackNetwork     = "ethereum"
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	rpcURLs, err := parsePairs(os.Getenv("RPC_URLS"))
	if err != nil {
		return nil, fmt.Errorf("RPC_URLS: %w", err)
	}
	chainIDs, err := parseChainIDs(os.Getenv("CHAIN_IDS"))
	if err != nil {
		return nil, fmt.Errorf("CHAIN_IDS: %w", err)
	}

	cfg := &Config{
		Port:                        getEnv("PORT", DefaultPort),
		Env:                         getEnv("ENV", DefaultEnv),
		LogLevel:                    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		AutoMigrate:                 getEnvBool("AUTO_MIGRATE", false),
		GatewayTokens:               splitList(os.Getenv("GATEWAY_TOKENS")),
		InternalAPIToken:            os.Getenv("INTERNAL_API_TOKEN"),
		CORSOrigins:                 splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:                int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:              int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		RedisAddr:                   os.Getenv("REDIS_ADDR"),
		RedisPassword:               os.Getenv("REDIS_PASSWORD"),
		RedisDB:                     int(getEnvInt64("REDIS_DB", 0)),
		FinalApprovalWindow:         getEnvDuration("FINAL_APPROVAL_WINDOW", DefaultFinalApprovalWindow),
		DisputeWindow:               getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		ServiceFeeBps:               uint64(getEnvInt64("SERVICE_FEE_BPS", DefaultServiceFeeBps)),
		SweepSchedule:               getEnv("SWEEP_SCHEDULE", DefaultSweepSchedule),
		SweepBatchSize:              int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		SettlementTimeout:           getEnvDuration("SETTLEMENT_TIMEOUT", DefaultSettlementTimeout),
		OperatorPrivateKey:          os.Getenv("OPERATOR_PRIVATE_KEY"),
		RPCURLs:                     rpcURLs,
		ChainIDs:                    chainIDs,
		WaitForReceipts:             getEnvBool("WAIT_FOR_RECEIPTS", true),
		BridgeAPIURL:                os.Getenv("BRIDGE_API_URL"),
		BridgeAPIKey:                os.Getenv("BRIDGE_API_KEY"),
		BridgeRPS:                   getEnvFloat("BRIDGE_RPS", DefaultBridgeRPS),
		BridgeRoutesFile:            os.Getenv("BRIDGE_ROUTES_FILE"),
		StrictNetworkClassification: getEnvBool("STRICT_NETWORK_CLASSIFICATION", false),
		FallbackNetwork:             getEnv("FALLBACK_NETWORK", DefaultFallbackNetwork),
		OTLPEndpoint:                os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:            getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.FinalApprovalWindow <= 0 {
		return fmt.Errorf("FINAL_APPROVAL_WINDOW must be positive")
	}
	if c.DisputeWindow <= 0 {
		return fmt.Errorf("DISPUTE_WINDOW must be positive")
	}
	if c.ServiceFeeBps > 10_000 {
		return fmt.Errorf("SERVICE_FEE_BPS must be between 0 and 10000")
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE is not a valid cron spec: %w", err)
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}

	if c.OperatorPrivateKey != "" {
		key := strings.TrimPrefix(c.OperatorPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("OPERATOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if len(c.RPCURLs) == 0 {
			return fmt.Errorf("RPC_URLS is required when OPERATOR_PRIVATE_KEY is set")
		}
		for network := range c.RPCURLs {
			if c.ChainIDs[network] == 0 {
				return fmt.Errorf("CHAIN_IDS is missing a chain id for %s", network)
			}
		}
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}

	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if len(c.GatewayTokens) == 0 {
			return fmt.Errorf("GATEWAY_TOKENS is required in production")
		}
	}
	return nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePairs parses "a=x,b=y" into a map. Keys are lower-cased.
func parsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed entry %q, want network=value", part)
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out, nil
}

func parseChainIDs(raw string) (map[string]int64, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(pairs))
	for k, v := range pairs {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid chain id %q for %s", v, k)
		}
		out[k] = id
	}
	return out, nil
}

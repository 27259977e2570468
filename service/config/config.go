package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment
// variables. All required fields are validated at startup so a
// misconfigured process fails fast instead of failing on first use.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// API keys accepted at the gateway boundary. Keys use the "aya_" prefix.
	APIKeys []string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Vault configuration. The secret is 32 hex-encoded bytes and keys the
	// AES-256-GCM sealing of wallet key blobs.
	VaultSecret []byte

	// Chain RPC endpoints. A chain with an empty endpoint is simply not
	// configured; at least one chain is required.
	EthereumRPCURL string
	PolygonRPCURL  string
	SolanaRPCURL   string
	Testnet        bool

	// Swap aggregator endpoints (1inch-style for EVM, Jupiter-style for
	// Solana). The adapters append chain ids and query paths.
	EVMAggregatorURL    string
	SolanaAggregatorURL string
	AggregatorAPIKey    string

	// Pricing collaborator
	PriceAPIURL   string
	PriceAPIKey   string
	RedisAddr     string // optional quote cache; empty disables caching
	PriceCacheTTL time.Duration

	// Text-completion collaborator (optional; empty disables defi.analyze)
	OpenAIAPIKey string

	// Outbound call policy
	RPCTimeout time.Duration

	// Orchestrator policy
	MaxSlippagePct  float64
	ExecuteAttempts int
	ExecuteBackoff  time.Duration

	// Tracker policy
	TrackInitialInterval time.Duration
	TrackMaxInterval     time.Duration
	TrackMaxAge          time.Duration
}

// Load reads configuration from environment variables and validates all
// required fields. Returns an error listing every violation found.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if raw := os.Getenv("API_KEYS"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.APIKeys = append(cfg.APIKeys, k)
			}
		}
	}
	if len(cfg.APIKeys) == 0 {
		errs = append(errs, fmt.Errorf("API_KEYS is required (comma-separated list)"))
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "defigw-tx-tracking")

	secretHex := os.Getenv("VAULT_SECRET")
	switch {
	case secretHex == "":
		errs = append(errs, fmt.Errorf("VAULT_SECRET is required"))
	default:
		secret, err := hex.DecodeString(secretHex)
		if err != nil {
			errs = append(errs, fmt.Errorf("VAULT_SECRET must be hex-encoded: %w", err))
		} else if len(secret) != 32 {
			errs = append(errs, fmt.Errorf("VAULT_SECRET must decode to 32 bytes, got %d", len(secret)))
		} else {
			cfg.VaultSecret = secret
		}
	}

	cfg.EthereumRPCURL = os.Getenv("ETHEREUM_RPC_URL")
	cfg.PolygonRPCURL = os.Getenv("POLYGON_RPC_URL")
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.EthereumRPCURL == "" && cfg.PolygonRPCURL == "" && cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("at least one of ETHEREUM_RPC_URL, POLYGON_RPC_URL, SOLANA_RPC_URL is required"))
	}
	cfg.Testnet = os.Getenv("TESTNET") == "true"

	cfg.EVMAggregatorURL = getEnvOrDefault("EVM_AGGREGATOR_URL", "https://api.1inch.dev/swap/v5.2")
	cfg.SolanaAggregatorURL = getEnvOrDefault("SOLANA_AGGREGATOR_URL", "https://quote-api.jup.ag/v6")
	cfg.AggregatorAPIKey = os.Getenv("AGGREGATOR_API_KEY")

	cfg.PriceAPIURL = getEnvOrDefault("PRICE_API_URL", "https://api.coingecko.com/api/v3")
	cfg.PriceAPIKey = os.Getenv("PRICE_API_KEY")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	var err error
	if cfg.PriceCacheTTL, err = parseDuration("PRICE_CACHE_TTL", "60s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.RPCTimeout, err = parseDuration("RPC_TIMEOUT", "30s"); err != nil {
		errs = append(errs, err)
	}

	if cfg.MaxSlippagePct, err = parseFloat("MAX_SLIPPAGE_PCT", "5.0"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxSlippagePct <= 0 || cfg.MaxSlippagePct > 50 {
		errs = append(errs, fmt.Errorf("MAX_SLIPPAGE_PCT must be in (0, 50], got %v", cfg.MaxSlippagePct))
	}

	if cfg.ExecuteAttempts, err = parseInt("EXECUTE_ATTEMPTS", "3"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ExecuteAttempts < 1 {
		errs = append(errs, fmt.Errorf("EXECUTE_ATTEMPTS must be >= 1, got %d", cfg.ExecuteAttempts))
	}
	if cfg.ExecuteBackoff, err = parseDuration("EXECUTE_BACKOFF", "500ms"); err != nil {
		errs = append(errs, err)
	}

	if cfg.TrackInitialInterval, err = parseDuration("TRACK_INITIAL_INTERVAL", "5s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.TrackMaxInterval, err = parseDuration("TRACK_MAX_INTERVAL", "60s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.TrackMaxAge, err = parseDuration("TRACK_MAX_AGE", "30m"); err != nil {
		errs = append(errs, err)
	}
	if cfg.TrackInitialInterval > cfg.TrackMaxInterval {
		errs = append(errs, fmt.Errorf("TRACK_INITIAL_INTERVAL (%v) cannot exceed TRACK_MAX_INTERVAL (%v)",
			cfg.TrackInitialInterval, cfg.TrackMaxInterval))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid. Useful for
// server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// ValidAPIKey reports whether key is one of the configured keys and has the
// expected "aya_" format. Comparison is exact; keys are opaque tokens.
func (c *Config) ValidAPIKey(key string) bool {
	if !strings.HasPrefix(key, "aya_") || len(key) < 36 {
		return false
	}
	for _, k := range c.APIKeys {
		if k == key {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDuration(key, def string) (time.Duration, error) {
	raw := getEnvOrDefault(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. \"30s\"), got %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseInt(key, def string) (int, error) {
	raw := getEnvOrDefault(key, def)
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q: %w", key, raw, err)
	}
	return n, nil
}

func parseFloat(key, def string) (float64, error) {
	raw := getEnvOrDefault(key, def)
	var f float64
	if _, err := fmt.Sscanf(raw, "%g", &f); err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q: %w", key, raw, err)
	}
	return f, nil
}

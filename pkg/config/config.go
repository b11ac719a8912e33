package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
)

// Config holds the configuration for the settler service
type Config struct {
	APIPort        string
	MetricsPort    string
	MetricsAPIKey  string
	Ledger         LedgerConfig
	Store          StoreConfig
	Intents        IntentConfig
	AutoSettle     bool
	WorkerCount    int
	MaxRetries     int
	CircuitBreaker CircuitBreakerConfig
	RateLimit      RateLimitConfig
	LoggerConfig   LoggerConfig
	BaseToken      string
	BaseDecimals   uint8
	Pools          []PoolConfig
}

// LedgerConfig selects and configures the ledger adapter
type LedgerConfig struct {
	Mode   string
	RPCURL string
	// WSURL selects the push capability when set; otherwise deposits are polled
	WSURL           string
	Seed            []byte
	PollingInterval time.Duration
	PageSize        int
	// DevPort serves the in-memory ledger over JSON-RPC in memory mode; empty disables it
	DevPort string
}

// StoreConfig selects the intent store backend
type StoreConfig struct {
	Backend     string
	PostgresDSN string
	BoltPath    string
}

// IntentConfig controls intent lifetimes
type IntentConfig struct {
	TTL           time.Duration
	Retention     time.Duration
	PruneInterval time.Duration
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// RateLimitConfig throttles intake requests per client
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment
func FromEnv() (*Config, error) {
	apiPort, err := GetEnvAPIPort()
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	ledgerMode, err := GetEnvLedgerMode()
	if err != nil {
		return nil, err
	}

	seed, err := GetEnvLedgerSeed(ledgerMode)
	if err != nil {
		return nil, err
	}

	pollingInterval, err := GetEnvPollingInterval()
	if err != nil {
		return nil, err
	}

	pageSize, err := GetEnvHistoryPageSize()
	if err != nil {
		return nil, err
	}

	storeBackend, err := GetEnvStoreBackend()
	if err != nil {
		return nil, err
	}

	pruneInterval, err := GetEnvPruneInterval()
	if err != nil {
		return nil, err
	}

	ttl, err := GetEnvIntentTTL()
	if err != nil {
		return nil, err
	}

	retention, err := GetEnvIntentRetention()
	if err != nil {
		return nil, err
	}

	autoSettle, err := GetEnvAutoSettle()
	if err != nil {
		return nil, err
	}

	workerCount, err := GetEnvWorkerCount()
	if err != nil {
		return nil, err
	}

	maxRetries, err := GetEnvMaxRetries()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	rateLimit, err := GetEnvAPIRateLimit()
	if err != nil {
		return nil, err
	}

	rateBurst, err := GetEnvAPIRateBurst()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	baseDecimals, err := GetEnvBaseDecimals()
	if err != nil {
		return nil, err
	}

	pools, err := GetEnvPoolConfigs()
	if err != nil {
		return nil, err
	}

	devPort, err := getEnvPort("LEDGER_DEV_PORT", "")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIPort:       apiPort,
		MetricsPort:   metricsPort,
		MetricsAPIKey: os.Getenv("METRICS_API_KEY"),
		Ledger: LedgerConfig{
			Mode:            ledgerMode,
			RPCURL:          os.Getenv("LEDGER_RPC_URL"),
			WSURL:           os.Getenv("LEDGER_WS_URL"),
			Seed:            seed,
			PollingInterval: pollingInterval,
			PageSize:        pageSize,
			DevPort:         devPort,
		},
		Store: StoreConfig{
			Backend:     storeBackend,
			PostgresDSN: os.Getenv("POSTGRES_DSN"),
			BoltPath:    GetEnvBoltPath(),
		},
		Intents: IntentConfig{
			TTL:           ttl,
			Retention:     retention,
			PruneInterval: pruneInterval,
		},
		AutoSettle:  autoSettle,
		WorkerCount: workerCount,
		MaxRetries:  maxRetries,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		RateLimit: RateLimitConfig{
			PerSecond: rateLimit,
			Burst:     rateBurst,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
		BaseToken:    GetEnvBaseToken(),
		BaseDecimals: baseDecimals,
		Pools:        pools,
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Ledger.Mode == LedgerModeJSONRPC {
		if cfg.Ledger.RPCURL == "" {
			return fmt.Errorf("LEDGER_RPC_URL environment variable is required in %s mode", LedgerModeJSONRPC)
		}
		if _, err := url.ParseRequestURI(cfg.Ledger.RPCURL); err != nil {
			return fmt.Errorf("invalid LEDGER_RPC_URL value: %s, must be a valid URL", cfg.Ledger.RPCURL)
		}
		if cfg.Ledger.WSURL != "" {
			u, err := url.Parse(cfg.Ledger.WSURL)
			if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
				return fmt.Errorf("invalid LEDGER_WS_URL value: %s, must be a ws:// or wss:// URL", cfg.Ledger.WSURL)
			}
		}
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN environment variable is required for the %s store", StorePostgres)
	}
	if len(cfg.Pools) == 0 {
		return fmt.Errorf("at least one pool is required in POOL_TOKENS")
	}

	seen := map[string]bool{cfg.BaseToken: true}
	indexes := make(map[uint32]string)
	for _, p := range cfg.Pools {
		if seen[p.QuoteToken] || seen[p.LPToken] {
			return fmt.Errorf("token %s or %s is configured more than once", p.QuoteToken, p.LPToken)
		}
		seen[p.QuoteToken], seen[p.LPToken] = true, true

		if other, ok := indexes[p.AccountIndex]; ok {
			return fmt.Errorf("pools %s and %s share account index %d", other, p.QuoteToken, p.AccountIndex)
		}
		indexes[p.AccountIndex] = p.QuoteToken
	}
	return nil
}

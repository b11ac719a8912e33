package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
)

const (
	LedgerModeJSONRPC = "jsonrpc"
	LedgerModeMemory  = "memory"

	StoreMemory   = "memory"
	StoreBolt     = "bbolt"
	StorePostgres = "postgres"

	// DefaultAPIPort defines the default port for the public API
	DefaultAPIPort = "8000"

	// DefaultMetricsPort defines the default port for the health and metrics server
	DefaultMetricsPort = "8080"

	// DefaultLedgerMode selects the ledger adapter
	DefaultLedgerMode = LedgerModeJSONRPC

	// DefaultPollingInterval defines the default history polling interval in seconds
	DefaultPollingInterval = 5

	// DefaultHistoryPageSize is the number of ledger operations fetched per poll
	DefaultHistoryPageSize = 100

	// DefaultStoreBackend keeps intents in process memory
	DefaultStoreBackend = StoreMemory

	// DefaultBoltPath is the database file of the bbolt backend
	DefaultBoltPath = "settler.db"

	// DefaultPruneInterval is how often expired intents are swept
	DefaultPruneInterval = 30 * time.Second

	// DefaultIntentTTL is the deadline given to intents submitted without one
	DefaultIntentTTL = 15 * time.Minute

	// DefaultIntentRetention is how long terminal intents are kept before purging
	DefaultIntentRetention = 7 * 24 * time.Hour

	// DefaultAutoSettle settles filled intents without waiting for a settle request
	DefaultAutoSettle = true

	// DefaultWorkerCount defines the default number of settlement workers
	DefaultWorkerCount = 5

	// DefaultMaxRetries defines the maximum number of payout retries
	DefaultMaxRetries = 3

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker, in seconds
	DefaultCircuitBreakerWindow = 5

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker, in seconds
	DefaultCircuitBreakerReset = 15

	// DefaultAPIRateLimit is the per-client intake request rate, per second
	DefaultAPIRateLimit = 5.0

	// DefaultAPIRateBurst is the per-client intake burst
	DefaultAPIRateBurst = 10

	// DefaultBaseToken is the token shared by every pool
	DefaultBaseToken = "BASE"

	// DefaultBaseDecimals are the decimals of the base token
	DefaultBaseDecimals = 18

	// DefaultPoolTokens lists the quote tokens with a pool
	DefaultPoolTokens = "USDC"

	// DefaultPoolDecimals, DefaultLPDecimals and DefaultFeeBps apply to pools without overrides
	DefaultPoolDecimals = 6
	DefaultLPDecimals   = 18
	DefaultFeeBps       = 30

	// devSeed derives accounts in memory mode when LEDGER_SEED is unset
	devSeed = "0x736574746c65722d6465762d73656564"
)

// GetEnvAPIPort returns the API server port from environment variables
func GetEnvAPIPort() (string, error) {
	return getEnvPort("API_PORT", DefaultAPIPort)
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	return getEnvPort("METRICS_PORT", DefaultMetricsPort)
}

// GetEnvLedgerMode returns the ledger adapter from environment variables
func GetEnvLedgerMode() (string, error) {
	mode := os.Getenv("LEDGER_MODE")
	if mode == "" {
		return DefaultLedgerMode, nil
	}
	if mode != LedgerModeJSONRPC && mode != LedgerModeMemory {
		return "", fmt.Errorf("invalid LEDGER_MODE value: %s, must be '%s' or '%s'", mode, LedgerModeJSONRPC, LedgerModeMemory)
	}
	return mode, nil
}

// GetEnvLedgerSeed returns the account derivation seed. Memory mode falls back to a fixed dev seed.
func GetEnvLedgerSeed(mode string) ([]byte, error) {
	seed := os.Getenv("LEDGER_SEED")
	if seed == "" {
		if mode != LedgerModeMemory {
			return nil, fmt.Errorf("LEDGER_SEED environment variable is required")
		}
		seed = devSeed
	}
	if !strings.HasPrefix(seed, "0x") {
		seed = "0x" + seed
	}
	decoded, err := hexutil.Decode(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid LEDGER_SEED value: must be hex encoded: %w", err)
	}
	if len(decoded) < 16 {
		return nil, fmt.Errorf("LEDGER_SEED must be at least 16 bytes")
	}
	return decoded, nil
}

// GetEnvPollingInterval returns the polling interval in seconds from environment variables
func GetEnvPollingInterval() (time.Duration, error) {
	pollingInterval := os.Getenv("POLLING_INTERVAL")
	if pollingInterval == "" {
		return time.Duration(DefaultPollingInterval) * time.Second, nil
	}

	interval, err := strconv.Atoi(pollingInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid POLLING_INTERVAL value: %s, must be an integer", pollingInterval)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("POLLING_INTERVAL must be greater than 0")
	}
	return time.Duration(interval) * time.Second, nil
}

// GetEnvHistoryPageSize returns the poll page size from environment variables
func GetEnvHistoryPageSize() (int, error) {
	return getEnvPositiveInt("HISTORY_PAGE_SIZE", DefaultHistoryPageSize)
}

// GetEnvStoreBackend returns the intent store backend from environment variables
func GetEnvStoreBackend() (string, error) {
	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		return DefaultStoreBackend, nil
	}
	switch backend {
	case StoreMemory, StoreBolt, StorePostgres:
		return backend, nil
	}
	return "", fmt.Errorf("invalid STORE_BACKEND value: %s, must be one of %s, %s, %s", backend, StoreMemory, StoreBolt, StorePostgres)
}

// GetEnvBoltPath returns the bbolt database file from environment variables
func GetEnvBoltPath() string {
	if path := os.Getenv("BOLT_PATH"); path != "" {
		return path
	}
	return DefaultBoltPath
}

// GetEnvPruneInterval returns how often expired intents are swept
func GetEnvPruneInterval() (time.Duration, error) {
	return getEnvDuration("PRUNE_INTERVAL", DefaultPruneInterval)
}

// GetEnvIntentTTL returns the default intent deadline; 0 disables it
func GetEnvIntentTTL() (time.Duration, error) {
	ttl := os.Getenv("INTENT_TTL")
	if ttl == "0" {
		return 0, nil
	}
	return getEnvDuration("INTENT_TTL", DefaultIntentTTL)
}

// GetEnvIntentRetention returns how long terminal intents are kept
func GetEnvIntentRetention() (time.Duration, error) {
	return getEnvDuration("INTENT_RETENTION", DefaultIntentRetention)
}

// GetEnvAutoSettle returns whether filled intents are settled automatically
func GetEnvAutoSettle() (bool, error) {
	return getEnvBool("AUTO_SETTLE", DefaultAutoSettle)
}

// GetEnvWorkerCount returns the number of workers from environment variables
func GetEnvWorkerCount() (int, error) {
	return getEnvPositiveInt("WORKER_COUNT", DefaultWorkerCount)
}

// GetEnvMaxRetries returns the maximum number of retries from environment variables
func GetEnvMaxRetries() (int, error) {
	maxRetries := os.Getenv("MAX_RETRIES")
	if maxRetries == "" {
		return DefaultMaxRetries, nil
	}

	maxRetriesInt, err := strconv.Atoi(maxRetries)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_RETRIES value: %s, must be an integer", maxRetries)
	}
	if maxRetriesInt < 0 {
		return 0, fmt.Errorf("MAX_RETRIES must be greater than or equal to 0")
	}
	return maxRetriesInt, nil
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window duration from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow*time.Second)
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset*time.Second)
}

// GetEnvAPIRateLimit returns the per-client intake rate; 0 disables limiting
func GetEnvAPIRateLimit() (float64, error) {
	limit := os.Getenv("API_RATE_LIMIT")
	if limit == "" {
		return DefaultAPIRateLimit, nil
	}
	parsed, err := strconv.ParseFloat(limit, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid API_RATE_LIMIT value: %s, must be a number", limit)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("API_RATE_LIMIT must be greater than or equal to 0")
	}
	return parsed, nil
}

// GetEnvAPIRateBurst returns the per-client intake burst
func GetEnvAPIRateBurst() (int, error) {
	return getEnvPositiveInt("API_RATE_BURST", DefaultAPIRateBurst)
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return logger.InfoLevel, nil
	}
	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %s, must be one of debug, info, notice, error", level)
	}
	return parsed, nil
}

// GetEnvLogColoring returns whether log output is colored
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", true)
}

func getEnvPort(name, fallback string) (string, error) {
	port := os.Getenv(name)
	if port == "" {
		return fallback, nil
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid integer", name, port)
	}
	return port, nil
}

func getEnvPositiveInt(name string, fallback int) (int, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvDuration(name string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvBool(name string, fallback bool) (bool, error) {
	value := os.Getenv(name)
	switch value {
	case "":
		return fallback, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}

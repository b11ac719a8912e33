package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
)

// setEnv applies vars and clears every other variable FromEnv reads
func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, name := range []string{
		"API_PORT", "METRICS_PORT", "METRICS_API_KEY", "LEDGER_MODE", "LEDGER_RPC_URL", "LEDGER_WS_URL",
		"LEDGER_SEED", "LEDGER_DEV_PORT", "POLLING_INTERVAL", "HISTORY_PAGE_SIZE", "STORE_BACKEND",
		"POSTGRES_DSN", "BOLT_PATH", "PRUNE_INTERVAL", "INTENT_TTL", "INTENT_RETENTION", "AUTO_SETTLE",
		"WORKER_COUNT", "MAX_RETRIES", "CIRCUIT_BREAKER_ENABLED", "CIRCUIT_BREAKER_THRESHOLD",
		"CIRCUIT_BREAKER_WINDOW", "CIRCUIT_BREAKER_RESET", "API_RATE_LIMIT", "API_RATE_BURST",
		"LOG_LEVEL", "LOG_COLORING", "BASE_TOKEN", "BASE_DECIMALS", "POOL_TOKENS",
		"POOL_USDC_DECIMALS", "POOL_USDC_LP_TOKEN", "POOL_USDC_LP_DECIMALS", "POOL_USDC_FEE_BPS",
		"POOL_USDC_ACCOUNT_INDEX", "POOL_DAI_ACCOUNT_INDEX",
	} {
		t.Setenv(name, "")
	}
	for name, value := range vars {
		t.Setenv(name, value)
	}
}

func TestFromEnvMemoryDefaults(t *testing.T) {
	setEnv(t, map[string]string{"LEDGER_MODE": "memory"})

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIPort, cfg.APIPort)
	assert.Equal(t, DefaultMetricsPort, cfg.MetricsPort)
	assert.Equal(t, LedgerModeMemory, cfg.Ledger.Mode)
	assert.Equal(t, []byte("settler-dev-seed"), cfg.Ledger.Seed)
	assert.Equal(t, 5*time.Second, cfg.Ledger.PollingInterval)
	assert.Equal(t, DefaultHistoryPageSize, cfg.Ledger.PageSize)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, DefaultIntentTTL, cfg.Intents.TTL)
	assert.True(t, cfg.AutoSettle)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.True(t, cfg.CircuitBreaker.Enabled)
	assert.Equal(t, 15*time.Second, cfg.CircuitBreaker.ResetTimeout)
	assert.Equal(t, logger.InfoLevel, cfg.LoggerConfig.Level)

	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, PoolConfig{
		QuoteToken:    "USDC",
		QuoteDecimals: DefaultPoolDecimals,
		LPToken:       "LP-USDC",
		LPDecimals:    DefaultLPDecimals,
		FeeBps:        DefaultFeeBps,
		AccountIndex:  1,
	}, cfg.Pools[0])
}

func TestFromEnvJSONRPC(t *testing.T) {
	setEnv(t, map[string]string{
		"LEDGER_RPC_URL":          "http://localhost:8545",
		"LEDGER_WS_URL":           "ws://localhost:8546",
		"LEDGER_SEED":             "0x000102030405060708090a0b0c0d0e0f",
		"STORE_BACKEND":           "postgres",
		"POSTGRES_DSN":            "postgres://settler@localhost/settler",
		"POOL_TOKENS":             "USDC, DAI",
		"POOL_USDC_FEE_BPS":       "5",
		"POOL_USDC_LP_TOKEN":      "sUSDC",
		"POOL_DAI_ACCOUNT_INDEX":  "7",
		"INTENT_TTL":              "0",
		"LOG_LEVEL":               "debug",
		"CIRCUIT_BREAKER_WINDOW":  "30s",
		"API_RATE_LIMIT":          "0",
		"AUTO_SETTLE":             "false",
		"POOL_USDC_LP_DECIMALS":   "6",
		"POOL_USDC_ACCOUNT_INDEX": "3",
	})

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, LedgerModeJSONRPC, cfg.Ledger.Mode)
	assert.Equal(t, "ws://localhost:8546", cfg.Ledger.WSURL)
	assert.Len(t, cfg.Ledger.Seed, 16)
	assert.Equal(t, StorePostgres, cfg.Store.Backend)
	assert.Zero(t, cfg.Intents.TTL)
	assert.Equal(t, logger.DebugLevel, cfg.LoggerConfig.Level)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.WindowDuration)
	assert.Zero(t, cfg.RateLimit.PerSecond)
	assert.False(t, cfg.AutoSettle)

	require.Len(t, cfg.Pools, 2)
	assert.Equal(t, "sUSDC", cfg.Pools[0].LPToken)
	assert.Equal(t, uint32(5), cfg.Pools[0].FeeBps)
	assert.Equal(t, uint8(6), cfg.Pools[0].LPDecimals)
	assert.Equal(t, uint32(3), cfg.Pools[0].AccountIndex)
	assert.Equal(t, "DAI", cfg.Pools[1].QuoteToken)
	assert.Equal(t, "LP-DAI", cfg.Pools[1].LPToken)
	assert.Equal(t, uint32(7), cfg.Pools[1].AccountIndex)
}

func TestFromEnvRejects(t *testing.T) {
	rpc := map[string]string{
		"LEDGER_RPC_URL": "http://localhost:8545",
		"LEDGER_SEED":    "000102030405060708090a0b0c0d0e0f",
	}
	with := func(extra map[string]string) map[string]string {
		vars := make(map[string]string)
		for k, v := range rpc {
			vars[k] = v
		}
		for k, v := range extra {
			vars[k] = v
		}
		return vars
	}

	tests := []struct {
		name string
		vars map[string]string
		msg  string
	}{
		{"unknown ledger mode", map[string]string{"LEDGER_MODE": "grpc"}, "LEDGER_MODE"},
		{"missing seed", map[string]string{"LEDGER_RPC_URL": "http://localhost:8545"}, "LEDGER_SEED"},
		{"short seed", with(map[string]string{"LEDGER_SEED": "0x0102"}), "at least 16 bytes"},
		{"non-hex seed", with(map[string]string{"LEDGER_SEED": "not-hex"}), "LEDGER_SEED"},
		{"missing rpc url", map[string]string{"LEDGER_SEED": "000102030405060708090a0b0c0d0e0f"}, "LEDGER_RPC_URL"},
		{"http websocket url", with(map[string]string{"LEDGER_WS_URL": "http://localhost:8546"}), "LEDGER_WS_URL"},
		{"postgres without dsn", with(map[string]string{"STORE_BACKEND": "postgres"}), "POSTGRES_DSN"},
		{"unknown store", with(map[string]string{"STORE_BACKEND": "redis"}), "STORE_BACKEND"},
		{"bad polling interval", with(map[string]string{"POLLING_INTERVAL": "5s"}), "POLLING_INTERVAL"},
		{"zero workers", with(map[string]string{"WORKER_COUNT": "0"}), "WORKER_COUNT"},
		{"negative retries", with(map[string]string{"MAX_RETRIES": "-1"}), "MAX_RETRIES"},
		{"bad bool", with(map[string]string{"AUTO_SETTLE": "yes"}), "AUTO_SETTLE"},
		{"bad log level", with(map[string]string{"LOG_LEVEL": "loud"}), "LOG_LEVEL"},
		{"fee too high", with(map[string]string{"POOL_USDC_FEE_BPS": "10000"}), "FEE_BPS"},
		{"duplicate index", with(map[string]string{"POOL_TOKENS": "USDC,DAI", "POOL_DAI_ACCOUNT_INDEX": "1"}), "share account index"},
		{"pool is base token", with(map[string]string{"POOL_TOKENS": "BASE"}), "more than once"},
		{"empty pool list", with(map[string]string{"POOL_TOKENS": " , "}), "at least one pool"},
		{"bad port", with(map[string]string{"API_PORT": "http"}), "API_PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.vars)
			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "USDC", envKey("usdc"))
	assert.Equal(t, "USDC_E", envKey("USDC.e"))
	assert.Equal(t, "LP_USDC", envKey("LP-USDC"))
}

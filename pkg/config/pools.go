package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PoolConfig describes one base/quote pool
type PoolConfig struct {
	QuoteToken    string
	QuoteDecimals uint8
	LPToken       string
	LPDecimals    uint8
	FeeBps        uint32
	// AccountIndex derives the pool's ledger account from the seed
	AccountIndex uint32
}

// GetEnvBaseToken returns the token every pool shares
func GetEnvBaseToken() string {
	if token := strings.TrimSpace(os.Getenv("BASE_TOKEN")); token != "" {
		return token
	}
	return DefaultBaseToken
}

// GetEnvBaseDecimals returns the decimals of the base token
func GetEnvBaseDecimals() (uint8, error) {
	return getEnvDecimals("BASE_DECIMALS", DefaultBaseDecimals)
}

// GetEnvPoolConfigs reads POOL_TOKENS and the POOL_<TOKEN>_* overrides of each listed pool.
// Pools get account indexes 1, 2, ... in listed order unless POOL_<TOKEN>_ACCOUNT_INDEX is set.
func GetEnvPoolConfigs() ([]PoolConfig, error) {
	list := os.Getenv("POOL_TOKENS")
	if list == "" {
		list = DefaultPoolTokens
	}

	var pools []PoolConfig
	for n, token := range strings.Split(list, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		prefix := "POOL_" + envKey(token) + "_"

		decimals, err := getEnvDecimals(prefix+"DECIMALS", DefaultPoolDecimals)
		if err != nil {
			return nil, err
		}
		lpDecimals, err := getEnvDecimals(prefix+"LP_DECIMALS", DefaultLPDecimals)
		if err != nil {
			return nil, err
		}
		feeBps, err := getEnvUint32(prefix+"FEE_BPS", DefaultFeeBps)
		if err != nil {
			return nil, err
		}
		if feeBps >= 10_000 {
			return nil, fmt.Errorf("%sFEE_BPS must be below 10000", prefix)
		}
		index, err := getEnvUint32(prefix+"ACCOUNT_INDEX", uint32(n+1))
		if err != nil {
			return nil, err
		}

		lpToken := os.Getenv(prefix + "LP_TOKEN")
		if lpToken == "" {
			lpToken = "LP-" + token
		}

		pools = append(pools, PoolConfig{
			QuoteToken:    token,
			QuoteDecimals: decimals,
			LPToken:       lpToken,
			LPDecimals:    lpDecimals,
			FeeBps:        feeBps,
			AccountIndex:  index,
		})
	}
	return pools, nil
}

// envKey turns a token symbol into its environment variable infix
func envKey(token string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(token))
}

func getEnvDecimals(name string, fallback uint8) (uint8, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 8)
	if err != nil || parsed > 36 {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer between 0 and 36", name, value)
	}
	return uint8(parsed), nil
}

func getEnvUint32(name string, fallback uint32) (uint32, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a non-negative integer", name, value)
	}
	return uint32(parsed), nil
}

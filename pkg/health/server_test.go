package health

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settler/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/testutil"
)

// downLedger fails every call
type downLedger struct {
	ledger.Client
}

func (downLedger) TotalSupply(context.Context, string) (*big.Int, error) {
	return nil, ledger.Unavailable("ledger_totalSupply", context.DeadlineExceeded)
}

func newServer(t *testing.T, client ledger.Client, apiKey string) (*Server, *circuitbreaker.CircuitBreaker) {
	t.Helper()
	env := testutil.NewEnv(t)
	if client == nil {
		client = env.Ledger
	}
	breaker := circuitbreaker.NewCircuitBreaker("ledger-health-test", true, 1, time.Minute, time.Hour, nil)
	return NewServer(Config{
		MetricsAPIKey: apiKey,
		LedgerMode:    "memory",
		DepositMode:   "push",
		Ledger:        client,
		Pools:         env.Pools,
		Reserves:      env.View,
		Book:          env.Book,
		Breaker:       breaker,
	}), breaker
}

func serve(s *Server, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newServer(t, nil, "")
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/ready", "").Code)

	down, _ := newServer(t, downLedger{}, "")
	rec := serve(down, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "USDC")
}

func TestStatusReportsPoolsAndBreaker(t *testing.T) {
	s, breaker := newServer(t, nil, "")
	breaker.RecordFailure()

	rec := serve(s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		DepositMode string `json:"deposit_mode"`
		Circuit     struct {
			Open bool `json:"open"`
		} `json:"circuit"`
		Pools map[string]poolStatus `json:"pools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "push", status.DepositMode)
	assert.True(t, status.Circuit.Open)
	require.Contains(t, status.Pools, "USDC")
	assert.Equal(t, "1", status.Pools["USDC"].ReserveBase)
	assert.Equal(t, "2", status.Pools["USDC"].ReserveQuote)
	assert.Equal(t, "1.414213", status.Pools["USDC"].LPSupply)
}

func TestCircuitReset(t *testing.T) {
	s, breaker := newServer(t, nil, "")
	breaker.RecordFailure()
	require.True(t, breaker.IsOpen())

	assert.Equal(t, http.StatusMethodNotAllowed, serve(s, http.MethodGet, "/circuit/reset", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodPost, "/circuit/reset", "").Code)
	assert.False(t, breaker.IsOpen())
}

func TestMetricsAuth(t *testing.T) {
	s, _ := newServer(t, nil, "secret")

	assert.Equal(t, http.StatusUnauthorized, serve(s, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(s, http.MethodGet, "/metrics", "Token secret").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(s, http.MethodGet, "/metrics", "Bearer wrong").Code)

	rec := serve(s, http.MethodGet, "/metrics", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "settler_circuit_breaker_open")
}

// Package testutil builds a wired settler core over the in-process ledger for tests.
package testutil

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/speedrun-settler/pkg/intents"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger/memledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/quote"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage/memory"
)

const (
	DefaultTestTimeout = 5 * time.Second

	BaseToken  = "BASE"
	QuoteToken = "USDC"
	LPToken    = "LP-USDC"
	Decimals   = 6
	FeeBps     = 30

	// LPInventory is the unissued LP held by the pool account
	LPInventory = 1_000_000_000_000
)

// Seed is the service seed every test environment derives accounts from
var Seed = []byte("settler test seed")

// Start is the fixed time test clocks begin at
var Start = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// Clock is a settable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current test time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Env is one pool seeded with 1_000_000 BASE and 2_000_000 USDC (raw), and 1_414_213 LP in circulation
type Env struct {
	Ledger *memledger.Ledger
	Store  *memory.Store
	Book   *intents.Book
	Pools  *pool.Registry
	Pool   *pool.Pool
	View   *pool.View
	Quoter *quote.Quoter
	Clock  *Clock
	// User is a funded depositor
	User string
	// Holder owns the circulating LP tokens
	Holder string
}

// NewEnv builds a test environment
func NewEnv(t *testing.T) *Env {
	t.Helper()

	l := memledger.New()
	store := memory.NewStore()
	clock := &Clock{now: Start}
	book := intents.NewBook(store, &logger.EmptyLogger{})
	book.SetClock(clock.Now)

	account, err := ledger.DeriveAccount(Seed, 1)
	require.NoError(t, err)

	registry, err := pool.NewRegistry(BaseToken, Decimals, []pool.Pool{{
		QuoteToken:    QuoteToken,
		QuoteDecimals: Decimals,
		LPToken:       LPToken,
		LPDecimals:    Decimals,
		FeeBps:        FeeBps,
		Account:       account,
	}})
	require.NoError(t, err)
	p, err := registry.Get(QuoteToken)
	require.NoError(t, err)

	view := pool.NewView(l, book)
	env := &Env{
		Ledger: l,
		Store:  store,
		Book:   book,
		Pools:  registry,
		Pool:   p,
		View:   view,
		Quoter: quote.NewQuoter(registry, view),
		Clock:  clock,
		User:   GenerateAddress().Hex(),
		Holder: GenerateAddress().Hex(),
	}

	l.Mint(account.Address, BaseToken, big.NewInt(1_000_000))
	l.Mint(account.Address, QuoteToken, big.NewInt(2_000_000))
	l.Mint(account.Address, LPToken, big.NewInt(LPInventory))
	l.Mint(env.Holder, LPToken, big.NewInt(1_414_213))

	l.Mint(env.User, BaseToken, big.NewInt(1_000_000_000))
	l.Mint(env.User, QuoteToken, big.NewInt(1_000_000_000))

	return env
}

// Deposit sends amount of token from the user to the pool account tagged with id
func (e *Env) Deposit(t *testing.T, id, token string, amount int64) *ledger.Receipt {
	t.Helper()
	receipt, err := e.Ledger.Send(context.Background(), e.User, e.Pool.Account.Address, big.NewInt(amount), token, id)
	require.NoError(t, err)
	return receipt
}

// Balance returns the raw balance of account in token
func (e *Env) Balance(t *testing.T, account, token string) *big.Int {
	t.Helper()
	b, err := e.Ledger.BalanceOf(context.Background(), account, token)
	require.NoError(t, err)
	return b
}

// GenerateAddress creates a random address for testing
func GenerateAddress() common.Address {
	privateKey, _ := crypto.GenerateKey()
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// CreateBigInt parses a string into a big.Int
func CreateBigInt(value string) *big.Int {
	result := new(big.Int)
	result.SetString(value, 10)
	return result
}

// AssertBigIntEqual compares two big.Int values for equality in tests
func AssertBigIntEqual(t *testing.T, expected, actual *big.Int, msgAndArgs ...interface{}) {
	if expected == nil && actual == nil {
		return
	}

	if (expected == nil && actual != nil) || (expected != nil && actual == nil) {
		assert.Fail(t, "Values not equal", msgAndArgs...)
		return
	}

	assert.Equal(t, 0, expected.Cmp(actual), msgAndArgs...)
}

// SetupTestWithTimeout returns a context that expires after DefaultTestTimeout
func SetupTestWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), DefaultTestTimeout)
}

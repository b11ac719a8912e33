// Package pool describes the constant-product pools the settler makes markets in and reads
// their reserves from the ledger.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/speedrun-hq/speedrun-settler/pkg/amm"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
)

var (
	// ErrUnknownPool is returned when no pool matches a token or id
	ErrUnknownPool = errors.New("unknown pool")

	// ErrUnsupportedPair is returned for swaps that do not go through the base token
	ErrUnsupportedPair = errors.New("unsupported token pair")
)

// Pool pairs the shared base token with one quote token. The pool id is the quote token.
type Pool struct {
	ID            string
	BaseToken     string
	BaseDecimals  uint8
	QuoteToken    string
	QuoteDecimals uint8
	LPToken       string
	LPDecimals    uint8
	FeeBps        uint32
	// Account holds the reserves and the unissued LP tokens
	Account ledger.Account
}

// Registry is the fixed set of pools, keyed by quote token
type Registry struct {
	baseToken    string
	baseDecimals uint8
	pools        map[string]*Pool
	byAccount    map[string]*Pool
	byLP         map[string]*Pool
}

// NewRegistry validates pools and indexes them by quote token, LP token and account
func NewRegistry(baseToken string, baseDecimals uint8, pools []Pool) (*Registry, error) {
	if baseToken == "" {
		return nil, errors.New("base token is required")
	}
	if len(pools) == 0 {
		return nil, errors.New("at least one pool is required")
	}

	r := &Registry{
		baseToken:    baseToken,
		baseDecimals: baseDecimals,
		pools:        make(map[string]*Pool, len(pools)),
		byAccount:    make(map[string]*Pool, len(pools)),
		byLP:         make(map[string]*Pool, len(pools)),
	}
	for i := range pools {
		p := pools[i]
		p.BaseToken = baseToken
		p.BaseDecimals = baseDecimals
		if p.ID == "" {
			p.ID = p.QuoteToken
		}

		switch {
		case p.QuoteToken == "" || p.LPToken == "":
			return nil, fmt.Errorf("pool %q: quote and LP tokens are required", p.ID)
		case p.QuoteToken == baseToken || p.LPToken == baseToken || p.LPToken == p.QuoteToken:
			return nil, fmt.Errorf("pool %q: tokens must be distinct", p.ID)
		case p.FeeBps >= amm.BpsDenominator:
			return nil, fmt.Errorf("pool %q: fee %d bps out of range", p.ID, p.FeeBps)
		case p.Account.Address == "":
			return nil, fmt.Errorf("pool %q: missing account", p.ID)
		}
		if _, dup := r.pools[p.QuoteToken]; dup {
			return nil, fmt.Errorf("pool %q: duplicate quote token", p.ID)
		}
		if _, dup := r.byAccount[p.Account.Address]; dup {
			return nil, fmt.Errorf("pool %q: account %s is shared with another pool", p.ID, p.Account.Address)
		}
		if _, dup := r.byLP[p.LPToken]; dup {
			return nil, fmt.Errorf("pool %q: duplicate LP token", p.ID)
		}

		r.pools[p.QuoteToken] = &p
		r.byAccount[p.Account.Address] = &p
		r.byLP[p.LPToken] = &p
	}
	return r, nil
}

// BaseToken is the token every pool shares
func (r *Registry) BaseToken() string {
	return r.baseToken
}

// Get returns the pool with the given id
func (r *Registry) Get(id string) (*Pool, error) {
	p, ok := r.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, id)
	}
	return p, nil
}

// ForToken returns the pool quoting token
func (r *Registry) ForToken(token string) (*Pool, error) {
	return r.Get(token)
}

// ForLPToken returns the pool issuing lpToken
func (r *Registry) ForLPToken(lpToken string) (*Pool, error) {
	p, ok := r.byLP[lpToken]
	if !ok {
		return nil, fmt.Errorf("%w: LP token %s", ErrUnknownPool, lpToken)
	}
	return p, nil
}

// ForAccount returns the pool owning a ledger account
func (r *Registry) ForAccount(address string) (*Pool, bool) {
	p, ok := r.byAccount[address]
	if ok {
		return p, true
	}
	for addr, p := range r.byAccount {
		if strings.EqualFold(addr, address) {
			return p, true
		}
	}
	return nil, false
}

// ForSwap resolves the pool of a single-hop swap. baseIn is true when the user sells the base token.
func (r *Registry) ForSwap(tokenIn, tokenOut string) (p *Pool, baseIn bool, err error) {
	switch {
	case tokenIn == r.baseToken && tokenOut != r.baseToken:
		p, err = r.ForToken(tokenOut)
		return p, true, err
	case tokenOut == r.baseToken && tokenIn != r.baseToken:
		p, err = r.ForToken(tokenIn)
		return p, false, err
	}
	return nil, false, fmt.Errorf("%w: %s -> %s", ErrUnsupportedPair, tokenIn, tokenOut)
}

// Decimals returns the decimals of a base, quote or LP token
func (r *Registry) Decimals(token string) (uint8, bool) {
	if token == r.baseToken {
		return r.baseDecimals, true
	}
	if p, ok := r.pools[token]; ok {
		return p.QuoteDecimals, true
	}
	if p, ok := r.byLP[token]; ok {
		return p.LPDecimals, true
	}
	return 0, false
}

// Pools returns every pool ordered by id
func (r *Registry) Pools() []*Pool {
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

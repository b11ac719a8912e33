// Package ledger defines the contract between the settler and the external ledger that holds
// pool reserves, and the account derivation shared by every implementation.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/speedrun-settler/pkg/models"
)

var (
	// ErrUnavailable marks transient failures reaching the ledger
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrUnconfirmed marks a transfer that may or may not have executed: the request reached
	// the ledger but no answer came back. Resending it could pay twice.
	ErrUnconfirmed = errors.New("transfer outcome unknown")

	// ErrInsufficientBalance is a permanent transfer failure
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNoCapability is returned when a capability has neither or both sources set
	ErrNoCapability = errors.New("ledger capability must provide exactly one of push or poll")
)

// Unavailable wraps a transport failure so errors.Is(err, ErrUnavailable) holds
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Unconfirmed wraps a failure after a transfer request was sent
func Unconfirmed(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnconfirmed, err)
}

// Account is a ledger address derived from the service seed
type Account struct {
	Index   uint32
	Address string
}

// Receipt confirms a transfer
type Receipt struct {
	TxRef       string   `json:"tx_ref"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Token       string   `json:"token"`
	Amount      *big.Int `json:"amount"`
	ExternalTag string   `json:"external_tag,omitempty"`
}

// Client reads balances and moves funds
type Client interface {
	DeriveAccount(seed []byte, index uint32) (Account, error)
	BalanceOf(ctx context.Context, account, token string) (*big.Int, error)
	TotalSupply(ctx context.Context, token string) (*big.Int, error)
	// Send transfers amount of token and tags the transfer with externalTag for audit
	Send(ctx context.Context, from, to string, amount *big.Int, token, externalTag string) (*Receipt, error)
}

// PushSource streams incoming transfers to account. The channel is bounded: a slow consumer
// slows the producer instead of losing events. It is closed when ctx is done.
type PushSource interface {
	Subscribe(ctx context.Context, account string) (<-chan models.DepositEvent, error)
}

// HistoryPage is one page of incoming transfers in ledger order
type HistoryPage struct {
	Events     []models.DepositEvent `json:"events"`
	NextCursor string                `json:"next_cursor"`
}

// PollSource pages through incoming transfers after cursor. An empty cursor starts at the beginning.
type PollSource interface {
	History(ctx context.Context, account, cursor string, limit int) (*HistoryPage, error)
}

// Capability is how deposits are observed, chosen once at construction
type Capability struct {
	Push PushSource
	Poll PollSource
}

// PushCapability observes deposits through a subscription
func PushCapability(src PushSource) Capability {
	return Capability{Push: src}
}

// PollCapability observes deposits by paging history
func PollCapability(src PollSource) Capability {
	return Capability{Poll: src}
}

// Validate checks that exactly one source is present
func (c Capability) Validate() error {
	if (c.Push == nil) == (c.Poll == nil) {
		return ErrNoCapability
	}
	return nil
}

// Mode names the selected source
func (c Capability) Mode() string {
	switch {
	case c.Push != nil && c.Poll == nil:
		return "push"
	case c.Poll != nil && c.Push == nil:
		return "poll"
	}
	return "invalid"
}

// DeriveAccount derives the index-th account of seed: the secp256k1 key is
// keccak256(seed || big-endian index) and the address is derived from its public key.
func DeriveAccount(seed []byte, index uint32) (Account, error) {
	if len(seed) == 0 {
		return Account{}, errors.New("empty seed")
	}

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	key, err := crypto.ToECDSA(crypto.Keccak256(seed, idx[:]))
	if err != nil {
		return Account{}, fmt.Errorf("derive account %d: %w", index, err)
	}

	return Account{
		Index:   index,
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Package jsonrpc talks to a ledger node over JSON-RPC and serves any ledger backend
// with the same method set.
package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
)

const (
	MethodBalanceOf   = "ledger_balanceOf"
	MethodTotalSupply = "ledger_totalSupply"
	MethodSend        = "ledger_send"
	MethodHistory     = "ledger_history"
	MethodMint        = "ledger_mint"
)

// SendArgs is the single argument of ledger_send
type SendArgs struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	Token       string `json:"token"`
	ExternalTag string `json:"externalTag,omitempty"`
}

// ReceiptMessage is the wire form of a transfer receipt
type ReceiptMessage struct {
	TxRef       string `json:"txRef"`
	From        string `json:"from"`
	To          string `json:"to"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	ExternalTag string `json:"externalTag,omitempty"`
}

// HistoryMessage is the wire form of a history page
type HistoryMessage struct {
	Events     []ledger.EventMessage `json:"events"`
	NextCursor string                `json:"nextCursor"`
}

// Client is a ledger.Client and ledger.PollSource backed by a JSON-RPC endpoint
type Client struct {
	rpc *rpc.Client
}

var (
	_ ledger.Client     = (*Client)(nil)
	_ ledger.PollSource = (*Client)(nil)
)

// Dial connects to the ledger node at url (http, https, ws or wss)
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger at %s: %w", url, err)
	}
	return &Client{rpc: c}, nil
}

// NewClient wraps an existing rpc client
func NewClient(c *rpc.Client) *Client {
	return &Client{rpc: c}
}

// Close releases the underlying connection
func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) DeriveAccount(seed []byte, index uint32) (ledger.Account, error) {
	return ledger.DeriveAccount(seed, index)
}

func (c *Client) BalanceOf(ctx context.Context, account, token string) (*big.Int, error) {
	var raw string
	if err := c.call(ctx, &raw, MethodBalanceOf, account, token); err != nil {
		return nil, err
	}
	return parseResult(MethodBalanceOf, raw)
}

func (c *Client) TotalSupply(ctx context.Context, token string) (*big.Int, error) {
	var raw string
	if err := c.call(ctx, &raw, MethodTotalSupply, token); err != nil {
		return nil, err
	}
	return parseResult(MethodTotalSupply, raw)
}

func (c *Client) Send(ctx context.Context, from, to string, amount *big.Int, token, externalTag string) (*ledger.Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%s: amount must be positive", MethodSend)
	}
	args := SendArgs{From: from, To: to, Amount: amount.String(), Token: token, ExternalTag: externalTag}

	if err := ctx.Err(); err != nil {
		return nil, ledger.Unavailable(MethodSend, err)
	}
	var msg ReceiptMessage
	if err := c.rpc.CallContext(ctx, &msg, MethodSend, args); err != nil {
		metrics.LedgerErrors.WithLabelValues(MethodSend).Inc()
		var appErr rpc.Error
		if !errors.As(err, &appErr) && !neverSent(err) {
			return nil, ledger.Unconfirmed(MethodSend, err)
		}
		return nil, mapError(MethodSend, err)
	}
	sent, err := parseResult(MethodSend, msg.Amount)
	if err != nil {
		return nil, ledger.Unconfirmed(MethodSend, err)
	}
	return &ledger.Receipt{
		TxRef:       msg.TxRef,
		From:        msg.From,
		To:          msg.To,
		Token:       msg.Token,
		Amount:      sent,
		ExternalTag: msg.ExternalTag,
	}, nil
}

func (c *Client) History(ctx context.Context, account, cursor string, limit int) (*ledger.HistoryPage, error) {
	var msg HistoryMessage
	if err := c.call(ctx, &msg, MethodHistory, account, cursor, limit); err != nil {
		return nil, err
	}
	page := &ledger.HistoryPage{NextCursor: msg.NextCursor, Events: make([]models.DepositEvent, 0, len(msg.Events))}
	for _, m := range msg.Events {
		event, err := m.Decode()
		if err != nil {
			metrics.LedgerErrors.WithLabelValues(MethodHistory).Inc()
			return nil, fmt.Errorf("%s: %w", MethodHistory, err)
		}
		page.Events = append(page.Events, event)
	}
	return page, nil
}

// Mint credits amount of token to account on ledgers that allow it
func (c *Client) Mint(ctx context.Context, account, token string, amount *big.Int) error {
	return c.call(ctx, nil, MethodMint, account, token, amount.String())
}

// call maps failures: application errors from the node are permanent,
// everything else means the ledger could not be reached.
func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	err := c.rpc.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	metrics.LedgerErrors.WithLabelValues(method).Inc()
	return mapError(method, err)
}

func mapError(method string, err error) error {
	var appErr rpc.Error
	if errors.As(err, &appErr) {
		if strings.Contains(strings.ToLower(appErr.Error()), "insufficient") {
			return fmt.Errorf("%s: %w: %s", method, ledger.ErrInsufficientBalance, appErr.Error())
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return ledger.Unavailable(method, err)
}

// neverSent reports transport failures that happen before the request leaves,
// after which a transfer is known not to have executed
func neverSent(err error) bool {
	var dnsErr *net.DNSError
	return errors.Is(err, syscall.ECONNREFUSED) || errors.As(err, &dnsErr)
}

func parseResult(method, raw string) (*big.Int, error) {
	v, err := ledger.ParseAmount(raw)
	if err != nil {
		metrics.LedgerErrors.WithLabelValues(method).Inc()
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return v, nil
}

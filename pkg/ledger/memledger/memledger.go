// Package memledger is an in-process ledger. It backs LEDGER_MODE=memory and the tests,
// and can be served over JSON-RPC to stand in for a real ledger node.
package memledger

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
)

// SubscriptionBuffer bounds each subscriber's channel
const SubscriptionBuffer = 64

// SendFault can fail a Send before any balance moves
type SendFault func(from, to, token string, amount *big.Int) error

type subscriber struct {
	ctx     context.Context
	account string
	ch      chan models.DepositEvent
}

// Ledger keeps balances per token and an ordered log of transfers.
// Operation refs are sequence numbers and double as history cursors.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]map[string]*big.Int
	supply   map[string]*big.Int
	ops      []models.DepositEvent
	subs     map[int]*subscriber
	nextSub  int
	fault    SendFault
	now      func() time.Time

	// deliverMu keeps subscriber delivery in ledger order. Always taken before mu.
	deliverMu sync.Mutex
}

var (
	_ ledger.Client     = (*Ledger)(nil)
	_ ledger.PushSource = (*Ledger)(nil)
	_ ledger.PollSource = (*Ledger)(nil)
)

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		balances: make(map[string]map[string]*big.Int),
		supply:   make(map[string]*big.Int),
		subs:     make(map[int]*subscriber),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetSendFault installs or clears (nil) a fault injected into Send
func (l *Ledger) SetSendFault(fault SendFault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fault = fault
}

func (l *Ledger) DeriveAccount(seed []byte, index uint32) (ledger.Account, error) {
	return ledger.DeriveAccount(seed, index)
}

// Mint creates amount of token in account
func (l *Ledger) Mint(account, token string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.credit(account, token, amount)
	s, ok := l.supply[token]
	if !ok {
		s = new(big.Int)
		l.supply[token] = s
	}
	s.Add(s, amount)
}

func (l *Ledger) BalanceOf(ctx context.Context, account, token string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Unavailable("balanceOf", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(account, token)), nil
}

func (l *Ledger) TotalSupply(ctx context.Context, token string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Unavailable("totalSupply", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.supply[token]; ok {
		return new(big.Int).Set(s), nil
	}
	return new(big.Int), nil
}

// Send moves amount of token from one account to another and records the operation
func (l *Ledger) Send(ctx context.Context, from, to string, amount *big.Int, token, externalTag string) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Unavailable("send", err)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("send: amount must be positive")
	}

	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	if l.fault != nil {
		if err := l.fault(from, to, token, amount); err != nil {
			l.mu.Unlock()
			return nil, err
		}
	}

	src := l.balance(from, token)
	if src.Cmp(amount) < 0 {
		l.mu.Unlock()
		return nil, fmt.Errorf("send %s %s from %s: %w", amount, token, from, ledger.ErrInsufficientBalance)
	}
	src.Sub(src, amount)
	l.credit(to, token, amount)

	event := models.DepositEvent{
		Ref:         strconv.Itoa(len(l.ops) + 1),
		From:        from,
		To:          to,
		Token:       token,
		Amount:      new(big.Int).Set(amount),
		ExternalTag: externalTag,
		Timestamp:   l.now(),
	}
	l.ops = append(l.ops, event)

	var targets []*subscriber
	for _, sub := range l.subs {
		if sub.account == to {
			targets = append(targets, sub)
		}
	}
	l.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- cloneEvent(event):
		case <-sub.ctx.Done():
		}
	}

	return &ledger.Receipt{
		TxRef:       event.Ref,
		From:        from,
		To:          to,
		Token:       token,
		Amount:      new(big.Int).Set(amount),
		ExternalTag: externalTag,
	}, nil
}

// Subscribe streams transfers into account made after the call
func (l *Ledger) Subscribe(ctx context.Context, account string) (<-chan models.DepositEvent, error) {
	return l.SubscribeFrom(ctx, account, "")
}

// SubscribeFrom replays transfers into account after cursor, then streams new ones.
// An empty cursor skips the replay.
func (l *Ledger) SubscribeFrom(ctx context.Context, account, cursor string) (<-chan models.DepositEvent, error) {
	start, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{ctx: ctx, account: account, ch: make(chan models.DepositEvent, SubscriptionBuffer)}

	// Registering and snapshotting the backlog under deliverMu orders the replay before any live event
	l.deliverMu.Lock()
	l.mu.Lock()
	var backlog []models.DepositEvent
	if cursor != "" {
		backlog = l.incoming(account, start, 0)
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = sub
	l.mu.Unlock()

	go func() {
		defer l.deliverMu.Unlock()
		for _, event := range backlog {
			select {
			case sub.ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		l.deliverMu.Lock()
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		close(sub.ch)
		l.deliverMu.Unlock()
	}()

	return sub.ch, nil
}

// History returns transfers into account after cursor, at most limit of them
func (l *Ledger) History(ctx context.Context, account, cursor string, limit int) (*ledger.HistoryPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Unavailable("history", err)
	}
	start, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.incoming(account, start, limit)
	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].Ref
	}
	return &ledger.HistoryPage{Events: events, NextCursor: next}, nil
}

// Operations returns a copy of every transfer in order
func (l *Ledger) Operations() []models.DepositEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.DepositEvent, len(l.ops))
	for i, op := range l.ops {
		out[i] = cloneEvent(op)
	}
	return out
}

// incoming collects transfers into account with sequence > start; limit <= 0 means no limit
func (l *Ledger) incoming(account string, start, limit int) []models.DepositEvent {
	var events []models.DepositEvent
	for i := start; i < len(l.ops); i++ {
		if l.ops[i].To != account {
			continue
		}
		events = append(events, cloneEvent(l.ops[i]))
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events
}

func (l *Ledger) balance(account, token string) *big.Int {
	byAccount, ok := l.balances[token]
	if !ok {
		byAccount = make(map[string]*big.Int)
		l.balances[token] = byAccount
	}
	b, ok := byAccount[account]
	if !ok {
		b = new(big.Int)
		byAccount[account] = b
	}
	return b
}

func (l *Ledger) credit(account, token string, amount *big.Int) {
	b := l.balance(account, token)
	b.Add(b, amount)
}

func parseCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid history cursor %q", cursor)
	}
	return n, nil
}

func cloneEvent(e models.DepositEvent) models.DepositEvent {
	if e.Amount != nil {
		e.Amount = new(big.Int).Set(e.Amount)
	}
	return e
}

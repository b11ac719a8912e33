package jsonrpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
)

// Namespace is the JSON-RPC namespace of every ledger method
const Namespace = "ledger"

// Backend is what a served ledger must provide
type Backend interface {
	ledger.Client
	ledger.PollSource
	// SubscribeFrom replays incoming transfers after cursor, then streams new ones
	SubscribeFrom(ctx context.Context, account, cursor string) (<-chan models.DepositEvent, error)
}

// Minter is implemented by backends that can create funds
type Minter interface {
	Mint(account, token string, amount *big.Int)
}

// Service holds the exported ledger_* methods
type Service struct {
	backend Backend
}

// NewServer returns an rpc server exposing backend under the ledger namespace.
// It serves HTTP directly and websockets through WebsocketHandler.
func NewServer(backend Backend) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(Namespace, &Service{backend: backend}); err != nil {
		return nil, fmt.Errorf("failed to register ledger service: %w", err)
	}
	return srv, nil
}

func (s *Service) BalanceOf(ctx context.Context, account, token string) (string, error) {
	v, err := s.backend.BalanceOf(ctx, account, token)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

func (s *Service) TotalSupply(ctx context.Context, token string) (string, error) {
	v, err := s.backend.TotalSupply(ctx, token)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

func (s *Service) Send(ctx context.Context, args SendArgs) (*ReceiptMessage, error) {
	amount, err := ledger.ParseAmount(args.Amount)
	if err != nil {
		return nil, err
	}
	receipt, err := s.backend.Send(ctx, args.From, args.To, amount, args.Token, args.ExternalTag)
	if err != nil {
		return nil, err
	}
	return &ReceiptMessage{
		TxRef:       receipt.TxRef,
		From:        receipt.From,
		To:          receipt.To,
		Token:       receipt.Token,
		Amount:      receipt.Amount.String(),
		ExternalTag: receipt.ExternalTag,
	}, nil
}

func (s *Service) History(ctx context.Context, account, cursor string, limit int) (*HistoryMessage, error) {
	page, err := s.backend.History(ctx, account, cursor, limit)
	if err != nil {
		return nil, err
	}
	msg := &HistoryMessage{NextCursor: page.NextCursor, Events: make([]ledger.EventMessage, len(page.Events))}
	for i, e := range page.Events {
		msg.Events[i] = ledger.EncodeEvent(e)
	}
	return msg, nil
}

func (s *Service) Mint(_ context.Context, account, token, amount string) error {
	minter, ok := s.backend.(Minter)
	if !ok {
		return fmt.Errorf("minting is not supported by this ledger")
	}
	v, err := ledger.ParseAmount(amount)
	if err != nil {
		return err
	}
	minter.Mint(account, token, v)
	return nil
}

// Deposits is the "deposits" subscription: transfers into account after cursor, then live ones
func (s *Service) Deposits(ctx context.Context, account, cursor string) (*rpc.Subscription, error) {
	notifier, ok := rpc.NotifierFromContext(ctx)
	if !ok {
		return nil, rpc.ErrNotificationsUnsupported
	}
	sub := notifier.CreateSubscription()

	// ctx ends with the subscribe call, the stream lives until the client unsubscribes
	streamCtx, cancel := context.WithCancel(context.Background())
	events, err := s.backend.SubscribeFrom(streamCtx, account, cursor)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer cancel()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := notifier.Notify(sub.ID, ledger.EncodeEvent(event)); err != nil {
					return
				}
			case <-sub.Err():
				return
			}
		}
	}()

	return sub, nil
}

// Package intake turns user requests into priced PENDING intents.
package intake

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/speedrun-hq/speedrun-settler/pkg/amount"
	"github.com/speedrun-hq/speedrun-settler/pkg/intents"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/quote"
)

// ErrValidation is returned for malformed requests
var ErrValidation = errors.New("invalid request")

// SwapRequest asks to sell AmountIn of TokenIn for TokenOut
type SwapRequest struct {
	ID             string     `json:"id,omitempty"`
	User           string     `json:"user"`
	TokenIn        string     `json:"tokenIn"`
	TokenOut       string     `json:"tokenOut"`
	AmountIn       string     `json:"amountIn"`
	MaxSlippageBps int64      `json:"maxSlippageBps"`
	Deadline       *time.Time `json:"deadline,omitempty"`
}

// AddLiquidityRequest asks to deposit both tokens of the pool of Token
type AddLiquidityRequest struct {
	ID             string     `json:"id,omitempty"`
	User           string     `json:"user"`
	Token          string     `json:"tokenX"`
	AddBase        string     `json:"addBase"`
	AddQuote       string     `json:"addX"`
	MaxSlippageBps int64      `json:"maxSlippageBps"`
	Deadline       *time.Time `json:"deadline,omitempty"`
}

// RemoveLiquidityRequest asks to redeem LPAmount LP tokens of the pool of Token
type RemoveLiquidityRequest struct {
	ID             string     `json:"id,omitempty"`
	User           string     `json:"user"`
	Token          string     `json:"tokenX"`
	LPAmount       string     `json:"lpAmount"`
	MaxSlippageBps int64      `json:"maxSlippageBps"`
	Deadline       *time.Time `json:"deadline,omitempty"`
}

// Receipt tells the user where to deposit
type Receipt struct {
	ID             string         `json:"id"`
	DepositAccount string         `json:"depositAccount"`
	Created        bool           `json:"created"`
	Intent         *models.Intent `json:"-"`
}

// Service records intents priced by the quoter
type Service struct {
	book   *intents.Book
	quoter *quote.Quoter
	ttl    time.Duration
	logger logger.Logger
}

// NewService creates an intake service. Intents without a deadline get now+ttl; ttl 0 means none.
func NewService(book *intents.Book, quoter *quote.Quoter, ttl time.Duration, log logger.Logger) *Service {
	return &Service{book: book, quoter: quoter, ttl: ttl, logger: log}
}

// SubmitSwap prices and records a SWAP intent
func (s *Service) SubmitSwap(ctx context.Context, req SwapRequest) (*Receipt, error) {
	user, err := normalizeUser(req.User)
	if err != nil {
		return nil, err
	}
	amountIn, err := s.parse("amountIn", req.AmountIn, req.TokenIn)
	if err != nil {
		return nil, err
	}
	deadline, err := s.deadline(req.Deadline)
	if err != nil {
		return nil, err
	}

	q, err := s.quoter.Swap(ctx, req.TokenIn, req.TokenOut, amountIn, req.MaxSlippageBps)
	if err != nil {
		return nil, err
	}

	return s.record(ctx, q.Pool, &models.Intent{
		ID:       intentID(req.ID),
		Kind:     models.KindSwap,
		User:     user,
		Pool:     q.Pool.ID,
		Deadline: deadline,
		Swap: &models.SwapTerms{
			TokenIn:      req.TokenIn,
			TokenOut:     req.TokenOut,
			AmountIn:     q.AmountIn,
			MinAmountOut: q.MinAmountOut,
			QuotedOut:    q.QuotedOut,
		},
	})
}

// SubmitAddLiquidity prices and records an LPADD intent
func (s *Service) SubmitAddLiquidity(ctx context.Context, req AddLiquidityRequest) (*Receipt, error) {
	user, err := normalizeUser(req.User)
	if err != nil {
		return nil, err
	}
	p, err := s.quoter.Pools().ForToken(req.Token)
	if err != nil {
		return nil, err
	}
	base, err := s.parse("addBase", req.AddBase, p.BaseToken)
	if err != nil {
		return nil, err
	}
	quoteAmount, err := s.parse("addX", req.AddQuote, p.QuoteToken)
	if err != nil {
		return nil, err
	}
	deadline, err := s.deadline(req.Deadline)
	if err != nil {
		return nil, err
	}

	q, err := s.quoter.AddLiquidity(ctx, req.Token, base, quoteAmount, req.MaxSlippageBps)
	if err != nil {
		return nil, err
	}

	return s.record(ctx, p, &models.Intent{
		ID:       intentID(req.ID),
		Kind:     models.KindAddLiquidity,
		User:     user,
		Pool:     p.ID,
		Deadline: deadline,
		AddLiquidity: &models.AddLiquidityTerms{
			BaseToken:     p.BaseToken,
			BaseAmount:    q.BaseAmount,
			QuoteToken:    p.QuoteToken,
			QuoteAmount:   q.QuoteAmount,
			LPToken:       p.LPToken,
			MintAmount:    q.LP,
			MinMintAmount: q.MinLP,
		},
	})
}

// SubmitRemoveLiquidity prices and records an LPREM intent
func (s *Service) SubmitRemoveLiquidity(ctx context.Context, req RemoveLiquidityRequest) (*Receipt, error) {
	user, err := normalizeUser(req.User)
	if err != nil {
		return nil, err
	}
	p, err := s.quoter.Pools().ForToken(req.Token)
	if err != nil {
		return nil, err
	}
	lp, err := s.parse("lpAmount", req.LPAmount, p.LPToken)
	if err != nil {
		return nil, err
	}
	deadline, err := s.deadline(req.Deadline)
	if err != nil {
		return nil, err
	}

	q, err := s.quoter.RemoveLiquidity(ctx, req.Token, lp, req.MaxSlippageBps)
	if err != nil {
		return nil, err
	}

	return s.record(ctx, p, &models.Intent{
		ID:       intentID(req.ID),
		Kind:     models.KindRemoveLiquidity,
		User:     user,
		Pool:     p.ID,
		Deadline: deadline,
		RemoveLiquidity: &models.RemoveLiquidityTerms{
			LPToken:             p.LPToken,
			LPAmount:            q.LPAmount,
			BaseToken:           p.BaseToken,
			ExpectedBaseAmount:  q.BaseOut,
			ExpectedQuoteToken:  p.QuoteToken,
			ExpectedQuoteAmount: q.QuoteOut,
			MinBaseAmount:       q.MinBaseOut,
			MinQuoteAmount:      q.MinQuoteOut,
		},
	})
}

func (s *Service) record(ctx context.Context, p *pool.Pool, intent *models.Intent) (*Receipt, error) {
	stored, created, err := s.book.Upsert(ctx, intent)
	if err != nil {
		if errors.Is(err, models.ErrInvalidIntent) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil, err
	}
	if !created {
		s.logger.InfoWithKind(string(stored.Kind), "Intent %s re-submitted, status %s", stored.ID, stored.Status)
	}
	return &Receipt{
		ID:             stored.ID,
		DepositAccount: p.Account.Address,
		Created:        created,
		Intent:         stored,
	}, nil
}

// parse converts a display amount of token to raw units; the amount must be positive
func (s *Service) parse(field, value, token string) (*big.Int, error) {
	decimals, ok := s.quoter.Pools().Decimals(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unknown token %q", pool.ErrUnknownPool, field, token)
	}
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	raw, err := amount.ToRaw(strings.TrimSpace(value), decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if raw.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrValidation, field)
	}
	return raw, nil
}

func (s *Service) deadline(requested *time.Time) (*time.Time, error) {
	now := s.book.Now()
	if requested != nil {
		if !requested.After(now) {
			return nil, fmt.Errorf("%w: deadline %s is in the past", ErrValidation, requested.Format(time.RFC3339))
		}
		d := requested.UTC()
		return &d, nil
	}
	if s.ttl <= 0 {
		return nil, nil
	}
	d := now.Add(s.ttl)
	return &d, nil
}

func normalizeUser(user string) (string, error) {
	if !common.IsHexAddress(user) {
		return "", fmt.Errorf("%w: user %q is not an account address", ErrValidation, user)
	}
	return common.HexToAddress(user).Hex(), nil
}

func intentID(requested string) string {
	if id := strings.TrimSpace(requested); id != "" {
		return id
	}
	return uuid.NewString()
}

// Package settlement re-prices filled intents against fresh reserves and pays them out.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/speedrun-hq/speedrun-settler/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-settler/pkg/intents"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/quote"
	"github.com/speedrun-hq/speedrun-settler/pkg/slippage"
)

// sendTimeout bounds one ledger transfer
const sendTimeout = 30 * time.Second

var (
	// ErrNotSettleable matches any *NotSettleableError
	ErrNotSettleable = errors.New("intent not settleable")

	// ErrKindMismatch is returned when a settle request names the wrong kind
	ErrKindMismatch = errors.New("intent kind mismatch")

	// ErrLedgerUnavailable is ledger.ErrUnavailable under the name callers of Settle expect
	ErrLedgerUnavailable = ledger.ErrUnavailable

	// ErrPayoutUnconfirmed is returned when a payout may have landed without a confirmation;
	// the intent is failed and queued for reconciliation instead of being sent again
	ErrPayoutUnconfirmed = ledger.ErrUnconfirmed

	// ErrPayoutDeferred is returned with a SETTLING intent whose unpaid legs were scheduled for retry
	ErrPayoutDeferred = errors.New("payout deferred")
)

// NotSettleableError carries the status that prevented settlement
type NotSettleableError struct {
	ID     string
	Status models.Status
}

func (e *NotSettleableError) Error() string {
	return fmt.Sprintf("intent %s not settleable in status %s", e.ID, e.Status)
}

// Is lets errors.Is(err, ErrNotSettleable) match
func (e *NotSettleableError) Is(target error) bool {
	return target == ErrNotSettleable
}

// Executor settles FILLED intents. Settlement of one intent happens at most once: the
// FILLED -> SETTLING transition is the only way in and exactly one caller wins it.
type Executor struct {
	book     *intents.Book
	pools    *pool.Registry
	reserves quote.ReserveReader
	ledger   ledger.Client
	breaker  *circuitbreaker.CircuitBreaker
	retries  *RetryManager
	logger   logger.Logger
}

// NewExecutor creates an executor
func NewExecutor(
	book *intents.Book,
	pools *pool.Registry,
	reserves quote.ReserveReader,
	client ledger.Client,
	breaker *circuitbreaker.CircuitBreaker,
	retries *RetryManager,
	log logger.Logger,
) *Executor {
	return &Executor{
		book:     book,
		pools:    pools,
		reserves: reserves,
		ledger:   client,
		breaker:  breaker,
		retries:  retries,
		logger:   log,
	}
}

// Settle re-quotes intent id against fresh reserves, checks slippage and pays out
func (e *Executor) Settle(ctx context.Context, id string, kind models.Kind) (*models.Intent, error) {
	start := time.Now()
	defer func() {
		metrics.SettlementDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	intent, err := e.book.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if intent.Kind != kind {
		return intent, fmt.Errorf("%w: intent %s is %s, not %s", ErrKindMismatch, id, intent.Kind, kind)
	}
	if intent.Status != models.StatusFilled {
		return intent, &NotSettleableError{ID: id, Status: intent.Status}
	}
	if e.breaker != nil && e.breaker.IsOpen() {
		metrics.SettlementErrors.WithLabelValues(string(kind), "circuit_open").Inc()
		return intent, fmt.Errorf("%w: circuit breaker %s is open", ErrLedgerUnavailable, e.breaker.Name())
	}

	p, err := e.pools.Get(intent.Pool)
	if err != nil {
		return intent, err
	}
	reserves, err := e.reserves.Reserves(ctx, p)
	if err != nil {
		e.recordLedgerFailure()
		metrics.SettlementErrors.WithLabelValues(string(kind), "reserves_unavailable").Inc()
		return intent, ledger.Unavailable("read reserves", err)
	}

	payouts, err := plan(intent, p, reserves)
	if err != nil {
		var exceeded *slippage.ExceededError
		if errors.As(err, &exceeded) {
			metrics.SettlementErrors.WithLabelValues(string(kind), "slippage").Inc()
		} else {
			metrics.SettlementErrors.WithLabelValues(string(kind), "quote").Inc()
		}
		failed, markErr := e.book.FailFilled(ctx, id, err.Error())
		if markErr != nil {
			return intent, markErr
		}
		if failed.Status != models.StatusFailed {
			return failed, &NotSettleableError{ID: id, Status: failed.Status}
		}
		e.logger.InfoWithKind(string(kind), "Intent %s failed re-quote: %v", id, err)
		return failed, err
	}

	intent, err = e.book.BeginSettlement(ctx, id, payouts, "settlement started")
	if err != nil {
		var rejected *intents.TransitionError
		if errors.As(err, &rejected) {
			return intent, &NotSettleableError{ID: id, Status: rejected.From}
		}
		return intent, err
	}

	return e.pay(ctx, intent, p, 0)
}

// Retry re-sends the unpaid legs of a SETTLING intent; the RetryManager calls it
func (e *Executor) Retry(ctx context.Context, job models.RetryJob) {
	intent, err := e.book.Get(ctx, job.IntentID)
	if err != nil {
		e.logger.Error("Retry of intent %s: %v", job.IntentID, err)
		return
	}
	if intent.Status != models.StatusSettling {
		metrics.RetriesSkipped.WithLabelValues(string(intent.Kind), "not_settling").Inc()
		e.logger.InfoWithKind(string(intent.Kind), "Intent %s is %s, removing from retry queue", intent.ID, intent.Status)
		return
	}
	p, err := e.pools.Get(intent.Pool)
	if err != nil {
		e.logger.ErrorWithKind(string(intent.Kind), "Retry of intent %s: %v", intent.ID, err)
		return
	}
	if _, err := e.pay(ctx, intent, p, job.RetryCount); err != nil && !errors.Is(err, ErrPayoutDeferred) {
		e.logger.ErrorWithKind(string(intent.Kind), "Retry %d of intent %s failed: %v", job.RetryCount, intent.ID, err)
	}
}

// Run processes scheduled retries until ctx is done
func (e *Executor) Run(ctx context.Context) {
	if e.retries == nil {
		<-ctx.Done()
		return
	}
	e.retries.Run(ctx, e.Retry)
}

// pay sends every unpaid leg from the pool account and settles once all are paid.
// Once started it runs to completion even if the caller goes away: only the ledger call
// itself is bounded by sendTimeout.
func (e *Executor) pay(ctx context.Context, intent *models.Intent, p *pool.Pool, retryCount int) (*models.Intent, error) {
	kind := string(intent.Kind)
	ctx = context.WithoutCancel(ctx)

	for leg, payout := range intent.Payouts {
		if payout.Paid {
			continue
		}

		var (
			receipt *ledger.Receipt
			err     error
		)
		if e.breaker != nil && e.breaker.IsOpen() {
			err = fmt.Errorf("%w: circuit breaker %s is open", ErrLedgerUnavailable, e.breaker.Name())
		} else {
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			receipt, err = e.ledger.Send(sendCtx, p.Account.Address, payout.To, payout.Amount, payout.Token, intent.ID)
			cancel()
			if err != nil {
				e.recordLedgerFailure()
			} else if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
		}
		if err != nil {
			return e.payoutFailed(ctx, intent, leg, retryCount, err)
		}

		metrics.PayoutsSent.WithLabelValues(payout.Token).Inc()
		updated, err := e.book.RecordPayout(ctx, intent.ID, leg, receipt.TxRef)
		if err != nil {
			// the transfer landed but could not be recorded; resending could pay twice
			e.logger.ErrorWithKind(kind, "Payout %s of intent %s sent but not recorded: %v", receipt.TxRef, intent.ID, err)
			if _, flagErr := e.book.FlagForReconciliation(ctx, intent.ID, "payout "+receipt.TxRef+" sent but not recorded"); flagErr != nil {
				e.logger.ErrorWithKind(kind, "Failed to flag intent %s: %v", intent.ID, flagErr)
			}
			return intent, fmt.Errorf("record payout %s: %w", receipt.TxRef, err)
		}
		intent = updated
	}

	settled, err := e.book.MarkSettled(ctx, intent.ID, describePayouts(intent.Payouts))
	if err != nil {
		return intent, err
	}
	if settled.Status != models.StatusSettled {
		return settled, fmt.Errorf("intent %s left in %s after payouts", intent.ID, settled.Status)
	}
	e.logger.InfoWithKind(kind, "Intent %s settled: %s", intent.ID, describePayouts(settled.Payouts))
	return settled, nil
}

func (e *Executor) payoutFailed(ctx context.Context, intent *models.Intent, leg, retryCount int, cause error) (*models.Intent, error) {
	kind := string(intent.Kind)
	token := intent.Payouts[leg].Token

	if updated, err := e.book.RecordPayoutFailure(ctx, intent.ID, leg, cause); err == nil && updated != nil {
		intent = updated
	}

	retry, errorType := true, "no_retry_manager"
	if e.retries != nil {
		retry, errorType = e.retries.ShouldRetryError(cause)
	}
	metrics.SettlementErrors.WithLabelValues(kind, errorType).Inc()
	e.logger.ErrorWithKind(kind, "Payout of %s for intent %s failed, classified as %s (retry: %v): %v",
		token, intent.ID, errorType, retry, cause)

	if retry && e.retries != nil && e.retries.ScheduleRetry(intent, retryCount, errorType) {
		return intent, fmt.Errorf("%w: %s payout of intent %s: %w", ErrPayoutDeferred, token, intent.ID, cause)
	}

	failed, err := e.book.MarkFailed(ctx, intent.ID, fmt.Sprintf("payout of %s failed: %v", token, cause))
	if err != nil {
		return intent, err
	}
	if errors.Is(cause, ErrPayoutUnconfirmed) {
		if flagged, err := e.book.FlagForReconciliation(ctx, intent.ID, "payout of "+token+" may have been sent"); err == nil {
			failed = flagged
		} else {
			e.logger.ErrorWithKind(kind, "Failed to flag intent %s: %v", intent.ID, err)
		}
	}
	return failed, fmt.Errorf("payout of %s for intent %s failed: %w", token, intent.ID, cause)
}

func (e *Executor) recordLedgerFailure() {
	if e.breaker != nil {
		e.breaker.RecordFailure()
	}
}

// plan re-quotes the intent and returns the payouts it is owed, or the slippage failure
func plan(intent *models.Intent, p *pool.Pool, reserves models.PoolReserves) ([]models.Payout, error) {
	switch intent.Kind {
	case models.KindSwap:
		t := intent.Swap
		out := quote.SwapOut(p, reserves, t.TokenIn == p.BaseToken, t.AmountIn)
		if err := slippage.Assert(out, t.MinAmountOut); err != nil {
			return nil, err
		}
		return nonZero([]models.Payout{{Token: t.TokenOut, To: intent.User, Amount: out}})

	case models.KindAddLiquidity:
		t := intent.AddLiquidity
		lp, err := quote.MintFor(reserves, t.BaseAmount, t.QuoteAmount)
		if err != nil {
			return nil, err
		}
		if err := slippage.Assert(lp, t.MinMintAmount); err != nil {
			return nil, err
		}
		return nonZero([]models.Payout{{Token: t.LPToken, To: intent.User, Amount: lp}})

	case models.KindRemoveLiquidity:
		t := intent.RemoveLiquidity
		base, quoteOut, err := quote.RedeemFor(reserves, t.LPAmount)
		if err != nil {
			return nil, err
		}
		if err := slippage.Assert(base, t.MinBaseAmount); err != nil {
			return nil, err
		}
		if err := slippage.Assert(quoteOut, t.MinQuoteAmount); err != nil {
			return nil, err
		}
		return nonZero([]models.Payout{
			{Token: t.BaseToken, To: intent.User, Amount: base},
			{Token: t.ExpectedQuoteToken, To: intent.User, Amount: quoteOut},
		})
	}
	return nil, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidIntent, intent.Kind)
}

// nonZero drops empty legs; a plan with nothing to pay cannot settle
func nonZero(payouts []models.Payout) ([]models.Payout, error) {
	out := payouts[:0]
	for _, p := range payouts {
		if p.Amount != nil && p.Amount.Sign() > 0 {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: nothing to pay out", quote.ErrInsufficientLiquidity)
	}
	return out, nil
}

func describePayouts(payouts []models.Payout) string {
	parts := make([]string, 0, len(payouts))
	for _, p := range payouts {
		parts = append(parts, fmt.Sprintf("%s %s", p.Amount, p.Token))
	}
	return "paid " + strings.Join(parts, " and ")
}

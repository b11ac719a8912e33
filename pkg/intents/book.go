// Package intents owns the intent lifecycle. Every status change goes through Book,
// which applies the transition table atomically on top of a storage.IntentStore.
package intents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

// ErrIntentNotFound is returned for unknown or pruned ids
var ErrIntentNotFound = errors.New("intent not found")

// ErrTransitionRejected matches *TransitionError
var ErrTransitionRejected = errors.New("transition rejected")

// TransitionError reports a transition the state machine refused
type TransitionError struct {
	ID   string
	From models.Status
	To   models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("intent %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrTransitionRejected
}

// allowed is the transition table; terminal statuses have no entry
var allowed = map[models.Status][]models.Status{
	models.StatusPending:  {models.StatusFilled, models.StatusExpired, models.StatusFailed},
	models.StatusFilled:   {models.StatusSettling, models.StatusFailed},
	models.StatusSettling: {models.StatusSettled, models.StatusFailed},
}

// CanTransition reports whether from -> to is in the transition table
func CanTransition(from, to models.Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Book is the single writer of intent state
type Book struct {
	store  storage.IntentStore
	logger logger.Logger
	now    func() time.Time
}

// NewBook creates a book over store
func NewBook(store storage.IntentStore, log logger.Logger) *Book {
	return &Book{
		store:  store,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source
func (b *Book) SetClock(now func() time.Time) {
	b.now = now
}

// Now returns the book's current time
func (b *Book) Now() time.Time {
	return b.now()
}

// Get returns a copy of the intent
func (b *Book) Get(ctx context.Context, id string) (*models.Intent, error) {
	intent, err := b.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	return intent, err
}

// List returns intents matching filter ordered by creation time
func (b *Book) List(ctx context.Context, filter storage.ListFilter) ([]*models.Intent, error) {
	return b.store.List(ctx, filter)
}

// Upsert inserts a new PENDING intent, or overwrites the mutable fields of an existing one
// while it is still PENDING and no deposit has been observed. Kind, creation time and
// status are never changed by a re-submission. Re-submitting a terminal intent is a no-op.
func (b *Book) Upsert(ctx context.Context, intent *models.Intent) (*models.Intent, bool, error) {
	if err := intent.Validate(); err != nil {
		return nil, false, err
	}

	created := false
	stored, err := b.store.Mutate(ctx, intent.ID, func(cur *models.Intent) (*models.Intent, error) {
		now := b.now()
		if cur == nil {
			next := intent.Clone()
			next.Status = models.StatusPending
			if next.CreatedAt.IsZero() {
				next.CreatedAt = now
			}
			next.UpdatedAt = now
			next.Legs = next.ExpectedLegs()
			next.Payouts = nil
			next.NeedsReconciliation = false
			next.Notes = ""
			next.AppendNote(now, "created")
			created = true
			return next, nil
		}

		if cur.Status.IsTerminal() {
			return nil, nil
		}
		if cur.Kind != intent.Kind {
			return nil, fmt.Errorf("%w: kind of %s is %s, resubmitted as %s", models.ErrInvalidIntent, cur.ID, cur.Kind, intent.Kind)
		}
		if cur.Status != models.StatusPending || cur.AnyLegObserved() {
			cur.AppendNote(now, "resubmission ignored in %s", describeStatus(cur))
			cur.UpdatedAt = now
			return cur, nil
		}

		replacement := intent.Clone()
		cur.User = replacement.User
		cur.Pool = replacement.Pool
		cur.Deadline = replacement.Deadline
		cur.Swap = replacement.Swap
		cur.AddLiquidity = replacement.AddLiquidity
		cur.RemoveLiquidity = replacement.RemoveLiquidity
		cur.Legs = cur.ExpectedLegs()
		cur.UpdatedAt = now
		cur.AppendNote(now, "terms updated")
		return cur, nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.IntentsCreated.WithLabelValues(string(stored.Kind)).Inc()
		b.logger.InfoWithKind(string(stored.Kind), "Intent %s created for %s", stored.ID, stored.User)
	}
	return stored, created, nil
}

// Observation describes what a deposit did to an intent
type Observation struct {
	Intent  *models.Intent
	Matched bool
	Filled  bool
	Reason  string
}

// ObserveDeposit checks off the first unobserved leg the event satisfies. The event must come
// from the intent's user with the exact token and amount of a leg. Once every leg is observed
// the intent moves to FILLED. Re-delivered events and events for non-PENDING intents are ignored.
func (b *Book) ObserveDeposit(ctx context.Context, event models.DepositEvent) (*Observation, error) {
	return b.ObserveDepositInto(ctx, "", event)
}

// ObserveDepositInto is ObserveDeposit for an event received by the account of poolID.
// Deposits into another pool's account never fill the intent.
func (b *Book) ObserveDepositInto(ctx context.Context, poolID string, event models.DepositEvent) (*Observation, error) {
	obs := &Observation{}
	stored, err := b.store.Mutate(ctx, event.ExternalTag, func(cur *models.Intent) (*models.Intent, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, event.ExternalTag)
		}
		if poolID != "" && cur.Pool != poolID {
			obs.Reason = "wrong_pool"
			return nil, nil
		}
		if cur.Status != models.StatusPending {
			obs.Reason = "not_pending"
			return nil, nil
		}
		if !strings.EqualFold(cur.User, event.From) {
			obs.Reason = "sender_mismatch"
			return nil, nil
		}

		for n := range cur.Legs {
			leg := &cur.Legs[n]
			if leg.Observed && event.Ref != "" && leg.Ref == event.Ref {
				obs.Reason = "duplicate"
				return nil, nil
			}
		}

		for n := range cur.Legs {
			leg := &cur.Legs[n]
			if leg.Observed || leg.Token != event.Token || leg.Amount == nil || event.Amount == nil || leg.Amount.Cmp(event.Amount) != 0 {
				continue
			}

			now := b.now()
			leg.Observed = true
			leg.Ref = event.Ref
			leg.ObservedAt = &now
			cur.UpdatedAt = now
			cur.AppendNote(now, "deposit %s observed: %s %s", event.Ref, event.Amount, event.Token)
			obs.Matched = true

			if cur.AllLegsObserved() {
				cur.Status = models.StatusFilled
				cur.AppendNote(now, "PENDING -> FILLED: all deposits observed")
				obs.Filled = true
			}
			return cur, nil
		}

		obs.Reason = "leg_mismatch"
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	obs.Intent = stored
	if obs.Matched {
		metrics.DepositsObserved.WithLabelValues(string(stored.Kind)).Inc()
	}
	if obs.Filled {
		metrics.IntentTransitions.WithLabelValues(string(stored.Kind), string(models.StatusFilled)).Inc()
		b.logger.InfoWithKind(string(stored.Kind), "Intent %s filled", stored.ID)
	}
	return obs, nil
}

// MarkFilled forces PENDING -> FILLED and checks off every leg
func (b *Book) MarkFilled(ctx context.Context, id, reason string) (*models.Intent, error) {
	intent, _, err := b.transition(ctx, id, models.StatusFilled, reason, func(cur *models.Intent, now time.Time) {
		for n := range cur.Legs {
			if !cur.Legs[n].Observed {
				cur.Legs[n].Observed = true
				cur.Legs[n].ObservedAt = &now
			}
		}
	})
	return intent, err
}

// BeginSettlement atomically moves FILLED -> SETTLING and records the planned payouts.
// Exactly one caller can win; every other caller gets a *TransitionError.
func (b *Book) BeginSettlement(ctx context.Context, id string, payouts []models.Payout, reason string) (*models.Intent, error) {
	intent, applied, err := b.transition(ctx, id, models.StatusSettling, reason, func(cur *models.Intent, _ time.Time) {
		cur.Payouts = make([]models.Payout, len(payouts))
		copy(cur.Payouts, payouts)
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return intent, &TransitionError{ID: id, From: intent.Status, To: models.StatusSettling}
	}
	return intent, nil
}

// RecordPayout stores the receipt of one payout leg of a SETTLING intent
func (b *Book) RecordPayout(ctx context.Context, id string, leg int, txRef string) (*models.Intent, error) {
	return b.store.Mutate(ctx, id, func(cur *models.Intent) (*models.Intent, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
		}
		if cur.Status != models.StatusSettling || leg < 0 || leg >= len(cur.Payouts) {
			return nil, &TransitionError{ID: id, From: cur.Status, To: models.StatusSettling}
		}
		if cur.Payouts[leg].Paid {
			return nil, nil
		}

		now := b.now()
		p := &cur.Payouts[leg]
		p.Paid = true
		p.TxRef = txRef
		p.PaidAt = &now
		p.Attempt++
		cur.UpdatedAt = now
		cur.AppendNote(now, "paid %s %s to %s (tx %s)", p.Amount, p.Token, p.To, txRef)
		return cur, nil
	})
}

// RecordPayoutFailure notes a failed send attempt for one payout leg
func (b *Book) RecordPayoutFailure(ctx context.Context, id string, leg int, cause error) (*models.Intent, error) {
	return b.store.Mutate(ctx, id, func(cur *models.Intent) (*models.Intent, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
		}
		if cur.Status != models.StatusSettling || leg < 0 || leg >= len(cur.Payouts) {
			return nil, nil
		}

		now := b.now()
		cur.Payouts[leg].Attempt++
		cur.UpdatedAt = now
		cur.AppendNote(now, "payout of %s failed: %v", cur.Payouts[leg].Token, cause)
		return cur, nil
	})
}

// MarkSettled moves SETTLING -> SETTLED once every payout has a receipt
func (b *Book) MarkSettled(ctx context.Context, id, reason string) (*models.Intent, error) {
	var unpaid bool
	intent, applied, err := b.guardedTransition(ctx, id, models.StatusSettled, reason, func(cur *models.Intent) bool {
		unpaid = !cur.AllPayoutsPaid()
		return !unpaid
	}, nil)
	if err != nil {
		return nil, err
	}
	if !applied && unpaid {
		b.logger.ErrorWithKind(string(intent.Kind), "Refusing to settle intent %s with unpaid payouts", id)
	}
	return intent, nil
}

// MarkFailed moves a non-terminal intent to FAILED. When funds already left the pool,
// or a deposit already arrived, the intent is also queued for manual reconciliation.
func (b *Book) MarkFailed(ctx context.Context, id, reason string) (*models.Intent, error) {
	intent, _, err := b.transition(ctx, id, models.StatusFailed, reason, func(cur *models.Intent, now time.Time) {
		switch {
		case cur.AnyPayoutPaid():
			cur.NeedsReconciliation = true
			cur.AppendNote(now, "queued for reconciliation: partial payout")
		case cur.AnyLegObserved():
			cur.NeedsReconciliation = true
			cur.AppendNote(now, "queued for reconciliation: received deposits must be returned")
		}
	})
	return intent, err
}

// FailFilled moves FILLED -> FAILED and queues the received deposits for return.
// It leaves any other status alone, so it cannot fail an intent another caller is paying out.
func (b *Book) FailFilled(ctx context.Context, id, reason string) (*models.Intent, error) {
	intent, _, err := b.guardedTransition(ctx, id, models.StatusFailed, reason,
		func(cur *models.Intent) bool { return cur.Status == models.StatusFilled },
		func(cur *models.Intent, now time.Time) {
			cur.NeedsReconciliation = true
			cur.AppendNote(now, "queued for reconciliation: received deposits must be returned")
		})
	return intent, err
}

// FlagForReconciliation puts the intent on the manual reconciliation queue
func (b *Book) FlagForReconciliation(ctx context.Context, id, reason string) (*models.Intent, error) {
	return b.store.Mutate(ctx, id, func(cur *models.Intent) (*models.Intent, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
		}
		now := b.now()
		cur.NeedsReconciliation = true
		cur.UpdatedAt = now
		cur.AppendNote(now, "queued for reconciliation: %s", reason)
		return cur, nil
	})
}

// ResolveReconciliation takes the intent off the manual queue once an operator has handled it
func (b *Book) ResolveReconciliation(ctx context.Context, id, resolution string) (*models.Intent, error) {
	return b.store.Mutate(ctx, id, func(cur *models.Intent) (*models.Intent, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
		}
		if !cur.NeedsReconciliation {
			return nil, nil
		}
		now := b.now()
		cur.NeedsReconciliation = false
		cur.UpdatedAt = now
		cur.AppendNote(now, "reconciled: %s", resolution)
		return cur, nil
	})
}

// PruneExpired moves every PENDING intent past its deadline to EXPIRED
func (b *Book) PruneExpired(ctx context.Context, now time.Time) ([]string, error) {
	pending, err := b.store.List(ctx, storage.ListFilter{Statuses: []models.Status{models.StatusPending}})
	if err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}

	var expired []string
	for _, candidate := range pending {
		if !candidate.Expired(now) {
			continue
		}
		_, applied, err := b.guardedTransition(ctx, candidate.ID, models.StatusExpired, "deadline passed",
			func(cur *models.Intent) bool { return cur.Expired(now) },
			func(cur *models.Intent, at time.Time) {
				if cur.AnyLegObserved() {
					cur.NeedsReconciliation = true
					cur.AppendNote(at, "queued for reconciliation: partial deposit must be returned")
				}
			})
		if err != nil {
			return expired, err
		}
		if applied {
			expired = append(expired, candidate.ID)
		}
	}
	return expired, nil
}

// PurgeTerminal deletes terminal intents last updated before cutoff.
// Intents on the reconciliation queue are kept.
func (b *Book) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	terminal, err := b.store.List(ctx, storage.ListFilter{
		Statuses: []models.Status{models.StatusSettled, models.StatusExpired, models.StatusFailed},
	})
	if err != nil {
		return 0, fmt.Errorf("list terminal intents: %w", err)
	}

	purged := 0
	for _, intent := range terminal {
		if intent.NeedsReconciliation || !intent.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := b.store.Delete(ctx, intent.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// RecoverInFlight fails every SETTLING intent and queues it for reconciliation.
// It runs at startup, before any settlement can begin, because a settlement interrupted by a
// crash may or may not have paid out and re-sending could pay twice.
func (b *Book) RecoverInFlight(ctx context.Context) ([]string, error) {
	settling, err := b.store.List(ctx, storage.ListFilter{Statuses: []models.Status{models.StatusSettling}})
	if err != nil {
		return nil, fmt.Errorf("list settling intents: %w", err)
	}

	var recovered []string
	for _, intent := range settling {
		_, applied, err := b.transition(ctx, intent.ID, models.StatusFailed, "interrupted during settlement",
			func(cur *models.Intent, now time.Time) {
				cur.NeedsReconciliation = true
				cur.AppendNote(now, "queued for reconciliation: payout state unknown after restart")
			})
		if err != nil {
			return recovered, err
		}
		if applied {
			recovered = append(recovered, intent.ID)
		}
	}
	return recovered, nil
}

func (b *Book) transition(ctx context.Context, id string, to models.Status, reason string, apply func(*models.Intent, time.Time)) (*models.Intent, bool, error) {
	return b.guardedTransition(ctx, id, to, reason, nil, apply)
}

// guardedTransition applies from -> to when the table allows it and guard passes.
// A refused transition is not an error: it is written to the intent's notes instead.
func (b *Book) guardedTransition(
	ctx context.Context,
	id string,
	to models.Status,
	reason string,
	guard func(*models.Intent) bool,
	apply func(*models.Intent, time.Time),
) (*models.Intent, bool, error) {
	var (
		applied bool
		from    models.Status
	)
	stored, err := b.store.Mutate(ctx, id, func(cur *models.Intent) (*models.Intent, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
		}
		now := b.now()
		from = cur.Status
		cur.UpdatedAt = now

		if !CanTransition(cur.Status, to) || (guard != nil && !guard(cur)) {
			cur.AppendNote(now, "rejected %s -> %s: %s", cur.Status, to, reason)
			return cur, nil
		}

		cur.Status = to
		cur.AppendNote(now, "%s -> %s: %s", from, to, reason)
		if apply != nil {
			apply(cur, now)
		}
		applied = true
		return cur, nil
	})
	if err != nil {
		return nil, false, err
	}

	kind := string(stored.Kind)
	if applied {
		metrics.IntentTransitions.WithLabelValues(kind, string(to)).Inc()
		b.logger.InfoWithKind(kind, "Intent %s: %s -> %s (%s)", id, from, to, reason)
	} else {
		metrics.RejectedTransitions.WithLabelValues(kind, string(from), string(to)).Inc()
		b.logger.DebugWithKind(kind, "Intent %s: rejected %s -> %s (%s)", id, from, to, reason)
	}
	return stored, applied, nil
}

func describeStatus(intent *models.Intent) string {
	if intent.Status == models.StatusPending && intent.AnyLegObserved() {
		return "PENDING with observed deposits"
	}
	return string(intent.Status)
}

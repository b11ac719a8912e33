// Package reconciler matches deposits seen on the ledger to pending intents.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/speedrun-hq/speedrun-settler/pkg/intents"
	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/pool"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

const (
	DefaultPollInterval     = 5 * time.Second
	DefaultPageSize         = 100
	DefaultResubscribeDelay = 5 * time.Second
)

// Config tunes the reconciler; zero values take the defaults
type Config struct {
	PollInterval     time.Duration
	PageSize         int
	ResubscribeDelay time.Duration
}

// Reconciler consumes deposits from exactly one capability
type Reconciler struct {
	book       *intents.Book
	pools      *pool.Registry
	capability ledger.Capability
	cursors    storage.CursorStore
	config     Config
	logger     logger.Logger
}

// New creates a reconciler. Poll mode needs a cursor store.
func New(book *intents.Book, pools *pool.Registry, capability ledger.Capability, cursors storage.CursorStore, cfg Config, log logger.Logger) (*Reconciler, error) {
	if err := capability.Validate(); err != nil {
		return nil, err
	}
	if capability.Poll != nil && cursors == nil {
		return nil, errors.New("poll mode requires a cursor store")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = DefaultResubscribeDelay
	}
	return &Reconciler{
		book:       book,
		pools:      pools,
		capability: capability,
		cursors:    cursors,
		config:     cfg,
		logger:     log,
	}, nil
}

// Mode is "push" or "poll"
func (r *Reconciler) Mode() string {
	return r.capability.Mode()
}

// Run observes deposits until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("Starting deposit reconciler in %s mode for %d pools", r.Mode(), len(r.pools.Pools()))
	if r.capability.Push != nil {
		return r.runPush(ctx)
	}
	return r.runPoll(ctx)
}

func (r *Reconciler) runPush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range r.pools.Pools() {
		p := p
		g.Go(func() error {
			r.watch(ctx, p)
			return nil
		})
	}
	return g.Wait()
}

// watch keeps a subscription open for the pool account, resubscribing if the stream ends
func (r *Reconciler) watch(ctx context.Context, p *pool.Pool) {
	for {
		events, err := r.capability.Push.Subscribe(ctx, p.Account.Address)
		if err != nil {
			metrics.ReconcilerErrors.WithLabelValues("push").Inc()
			r.logger.Error("Failed to subscribe to deposits of pool %s: %v", p.ID, err)
		} else {
			for event := range events {
				if _, err := r.Apply(ctx, event); err != nil {
					metrics.ReconcilerErrors.WithLabelValues("push").Inc()
					r.logger.Error("Failed to apply deposit %s: %v", event.Ref, err)
				}
			}
		}

		if ctx.Err() != nil {
			return
		}
		r.logger.Notice("Deposit stream of pool %s ended, resubscribing in %s", p.ID, r.config.ResubscribeDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.config.ResubscribeDelay):
		}
	}
}

func (r *Reconciler) runPoll(ctx context.Context) error {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
			metrics.ReconcilerErrors.WithLabelValues("poll").Inc()
			r.logger.Error("Deposit poll failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce drains the history of every pool account from its saved cursor and returns
// how many events were applied. A cursor is saved only after its whole page is applied.
func (r *Reconciler) PollOnce(ctx context.Context) (int, error) {
	applied := 0
	for _, p := range r.pools.Pools() {
		n, err := r.pollAccount(ctx, p)
		applied += n
		if err != nil {
			return applied, fmt.Errorf("poll pool %s: %w", p.ID, err)
		}
	}
	return applied, nil
}

func (r *Reconciler) pollAccount(ctx context.Context, p *pool.Pool) (int, error) {
	account := p.Account.Address
	cursor, err := r.cursors.LoadCursor(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	applied := 0
	for {
		page, err := r.capability.Poll.History(ctx, account, cursor, r.config.PageSize)
		if err != nil {
			return applied, err
		}
		metrics.ReconcilerBatchSize.Observe(float64(len(page.Events)))
		if len(page.Events) == 0 {
			return applied, nil
		}

		for _, event := range page.Events {
			if _, err := r.Apply(ctx, event); err != nil {
				return applied, fmt.Errorf("apply deposit %s: %w", event.Ref, err)
			}
			applied++
		}

		if page.NextCursor == cursor {
			return applied, nil
		}
		if err := r.cursors.SaveCursor(ctx, account, page.NextCursor); err != nil {
			return applied, fmt.Errorf("save cursor: %w", err)
		}
		cursor = page.NextCursor

		if len(page.Events) < r.config.PageSize {
			return applied, nil
		}
	}
}

// Apply matches one event. Events that match nothing are ignored and reported through the
// returned observation; only storage failures are errors.
func (r *Reconciler) Apply(ctx context.Context, event models.DepositEvent) (*intents.Observation, error) {
	p, ok := r.pools.ForAccount(event.To)
	if !ok {
		return r.ignore(event, "unknown_account"), nil
	}
	if event.ExternalTag == "" {
		return r.ignore(event, "untagged"), nil
	}

	obs, err := r.book.ObserveDepositInto(ctx, p.ID, event)
	if errors.Is(err, intents.ErrIntentNotFound) {
		return r.ignore(event, "unknown_tag"), nil
	}
	if err != nil {
		return nil, err
	}
	if !obs.Matched {
		metrics.DepositsIgnored.WithLabelValues(obs.Reason).Inc()
		r.logger.DebugWithKind(string(obs.Intent.Kind), "Ignoring deposit %s for intent %s: %s", event.Ref, event.ExternalTag, obs.Reason)
		return obs, nil
	}

	r.logger.InfoWithKind(string(obs.Intent.Kind), "Deposit %s of %s %s matched intent %s",
		event.Ref, event.Amount, event.Token, obs.Intent.ID)
	return obs, nil
}

func (r *Reconciler) ignore(event models.DepositEvent, reason string) *intents.Observation {
	metrics.DepositsIgnored.WithLabelValues(reason).Inc()
	r.logger.Debug("Ignoring deposit %s to %s tagged %q: %s", event.Ref, event.To, event.ExternalTag, reason)
	return &intents.Observation{Reason: reason}
}

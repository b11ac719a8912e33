package settler

import (
	"context"
	"errors"
	"time"

	"github.com/speedrun-hq/speedrun-settler/pkg/intents"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
	"github.com/speedrun-hq/speedrun-settler/pkg/reconciler"
	"github.com/speedrun-hq/speedrun-settler/pkg/settlement"
	"github.com/speedrun-hq/speedrun-settler/pkg/storage"
)

type settleJob struct {
	ID   string
	Kind models.Kind
}

// dispatchFilled queues FILLED intents for the workers on every polling tick
func (s *Service) dispatchFilled(ctx context.Context) {
	interval := s.config.Ledger.PollingInterval
	if interval <= 0 {
		interval = reconciler.DefaultPollInterval
	}
	s.logger.Info("Auto-settle dispatcher started with polling interval %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Auto-settle dispatcher shutting down")
			return
		case <-ticker.C:
			s.queueFilled(ctx)
		}
	}
}

func (s *Service) queueFilled(ctx context.Context) {
	filled, err := s.book.List(ctx, storage.ListFilter{Statuses: []models.Status{models.StatusFilled}})
	if err != nil {
		s.logger.Error("Error listing filled intents: %v", err)
		return
	}
	if len(filled) == 0 {
		return
	}
	s.logger.Debug("Found %d filled intents", len(filled))

	for _, intent := range filled {
		if !s.claim(intent.ID) {
			continue
		}
		select {
		case s.pendingJobs <- settleJob{ID: intent.ID, Kind: intent.Kind}:
		case <-ctx.Done():
			s.release(intent.ID)
			return
		}
	}
}

// claim marks id as queued; an intent is handed to at most one worker at a time
func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// worker settles queued intents
func (s *Service) worker(ctx context.Context, id int) {
	s.logger.Debug("Starting worker %d", id)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Worker %d shutting down", id)
			return
		case job := <-s.pendingJobs:
			s.settle(ctx, id, job)
			s.release(job.ID)
		}
	}
}

func (s *Service) settle(ctx context.Context, worker int, job settleJob) {
	kind := string(job.Kind)
	s.logger.DebugWithKind(kind, "Worker %d settling intent %s", worker, job.ID)

	intent, err := s.executor.Settle(ctx, job.ID, job.Kind)
	switch {
	case err == nil:
		s.logger.InfoWithKind(kind, "Worker %d settled intent %s", worker, job.ID)
	case errors.Is(err, settlement.ErrPayoutDeferred):
		s.logger.NoticeWithKind(kind, "Intent %s payout deferred: %v", job.ID, err)
	case errors.Is(err, settlement.ErrNotSettleable), errors.Is(err, intents.ErrIntentNotFound):
		// settled through the API or pruned since it was listed
		s.logger.DebugWithKind(kind, "Intent %s no longer settleable: %v", job.ID, err)
	case errors.Is(err, settlement.ErrLedgerUnavailable):
		s.logger.ErrorWithKind(kind, "Ledger unavailable while settling %s, will try again next tick: %v", job.ID, err)
	default:
		status := "unknown"
		if intent != nil {
			status = string(intent.Status)
		}
		s.logger.ErrorWithKind(kind, "Worker %d failed to settle intent %s (status %s): %v", worker, job.ID, status, err)
	}
}

package settlement

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
)

const (
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 10 * time.Second
	DefaultMaxBackoff  = 2 * time.Minute

	maxQueueSize      = 1000
	maxProcessPerTick = 10
	idleTick          = 10 * time.Second
)

// RetryHandler re-attempts the payouts of one job
type RetryHandler func(ctx context.Context, job models.RetryJob)

// RetryManager classifies payout errors and schedules retries with exponential backoff
type RetryManager struct {
	retryJobs   chan models.RetryJob
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      logger.Logger
}

// NewRetryManager creates a new retry manager; non-positive values take the defaults
func NewRetryManager(maxRetries int, baseBackoff, maxBackoff time.Duration, log logger.Logger) *RetryManager {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseBackoff <= 0 {
		baseBackoff = DefaultBaseBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	return &RetryManager{
		retryJobs:   make(chan models.RetryJob, 100),
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		logger:      log,
	}
}

// MaxRetries is the number of retries allowed per settlement
func (rm *RetryManager) MaxRetries() int {
	return rm.maxRetries
}

// ShouldRetryError classifies errors to determine if a retry should be attempted
// Returns (shouldRetry, errorType)
func (rm *RetryManager) ShouldRetryError(err error) (bool, string) {
	if errors.Is(err, ledger.ErrUnconfirmed) {
		return false, "unconfirmed"
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return false, "insufficient_balance"
	}
	if errors.Is(err, ledger.ErrUnavailable) {
		return true, "ledger_unavailable"
	}

	errStr := err.Error()

	if strings.Contains(errStr, "already settled") ||
		strings.Contains(errStr, "already paid") {
		return false, "already_processed"
	}

	// Network/RPC errors - retry is appropriate
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "EOF") {
		return true, "network_error"
	}

	// Balance-related errors - permanent failures
	if strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "insufficient funds") {
		return false, "insufficient_balance"
	}

	return false, "unknown_error"
}

// CalculateBackoff calculates the backoff duration for retry attempts
func (rm *RetryManager) CalculateBackoff(retryCount int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(retryCount))) * rm.baseBackoff
	if backoff > rm.maxBackoff || backoff <= 0 {
		backoff = rm.maxBackoff
	}
	return backoff
}

// ScheduleRetry queues the next attempt for an intent whose payout failed after retryCount retries.
// It returns false when the retry budget is spent or the queue is full.
func (rm *RetryManager) ScheduleRetry(intent *models.Intent, retryCount int, errorType string) bool {
	kind := string(intent.Kind)
	if retryCount >= rm.maxRetries {
		rm.logger.InfoWithKind(kind, "Max retries reached for intent %s, giving up (error: %s)", intent.ID, errorType)
		metrics.MaxRetriesReached.WithLabelValues(kind, errorType).Inc()
		return false
	}

	backoff := rm.CalculateBackoff(retryCount)
	job := models.RetryJob{
		IntentID:    intent.ID,
		Kind:        intent.Kind,
		RetryCount:  retryCount + 1,
		NextAttempt: time.Now().Add(backoff),
		ErrorType:   errorType,
	}

	select {
	case rm.retryJobs <- job:
	default:
		rm.logger.ErrorWithKind(kind, "Retry channel full, dropping retry for intent %s", intent.ID)
		metrics.DroppedRetries.WithLabelValues(kind).Inc()
		return false
	}

	metrics.RetryCount.WithLabelValues(kind).Inc()
	rm.logger.InfoWithKind(kind, "Scheduling retry %d for intent %s in %v (error: %s)", job.RetryCount, intent.ID, backoff, errorType)
	return true
}

// Run hands due jobs to handle until ctx is done
func (rm *RetryManager) Run(ctx context.Context, handle RetryHandler) {
	rm.logger.Info("Retry handler started")
	ticker := time.NewTicker(idleTick)
	defer ticker.Stop()

	var retryQueue []models.RetryJob

	for {
		select {
		case <-ctx.Done():
			rm.logger.Info("Retry handler shutting down with %d queued jobs", len(retryQueue))
			return
		case job := <-rm.retryJobs:
			if len(retryQueue) >= maxQueueSize {
				rm.logger.Error("Retry queue at capacity (%d jobs), dropping retry job for intent %s", maxQueueSize, job.IntentID)
				metrics.DroppedRetries.WithLabelValues(string(job.Kind)).Inc()
				continue
			}
			retryQueue = append(retryQueue, job)
			sort.Slice(retryQueue, func(i, j int) bool {
				return retryQueue[i].NextAttempt.Before(retryQueue[j].NextAttempt)
			})
			ticker.Reset(rm.nextWait(retryQueue, time.Now()))
		case <-ticker.C:
			now := time.Now()
			var remaining []models.RetryJob
			processed := 0

			for _, job := range retryQueue {
				if job.NextAttempt.After(now) || processed >= maxProcessPerTick {
					remaining = append(remaining, job)
					continue
				}
				rm.logger.InfoWithKind(string(job.Kind), "Retrying intent %s (attempt #%d, error type: %s)",
					job.IntentID, job.RetryCount, job.ErrorType)
				metrics.RetriesExecuted.WithLabelValues(string(job.Kind), job.ErrorType).Inc()
				handle(ctx, job)
				processed++
			}
			retryQueue = remaining

			metrics.RetryQueueSize.Set(float64(len(retryQueue)))
			if len(retryQueue) > 0 {
				metrics.NextRetryIn.Set(math.Max(0, retryQueue[0].NextAttempt.Sub(now).Seconds()))
			} else {
				metrics.NextRetryIn.Set(0)
			}

			if processed >= maxProcessPerTick && len(retryQueue) > 0 {
				ticker.Reset(time.Second)
			} else {
				ticker.Reset(rm.nextWait(retryQueue, now))
			}
		}
	}
}

// nextWait is the time until the earliest job, bounded to [10ms, idleTick]
func (rm *RetryManager) nextWait(queue []models.RetryJob, now time.Time) time.Duration {
	if len(queue) == 0 {
		return idleTick
	}
	wait := queue[0].NextAttempt.Sub(now)
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	if wait > idleTick {
		wait = idleTick
	}
	return wait
}

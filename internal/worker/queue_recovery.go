package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/comm-dispatch/internal/pkg/distlock"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
)

// =============================================================================
// CLAIM RECOVERY WORKER: returns abandoned claims to pending
// =============================================================================
// If a worker crashes between claiming a recipient and recording its
// outcome, the recipient stays in 'sending' forever. This worker
// periodically finds claims older than the stale age and makes them
// claimable again. Recipients in a terminal status are never touched.

const (
	// DefaultRecoveryInterval is how often we scan for stale claims.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a claim may stay in sending before we
	// consider its worker dead.
	DefaultStaleAge = 5 * time.Minute
)

// StaleRequeuer returns claims made before olderThan to pending. The
// Postgres recipient repository and the Redis claim queue implement it.
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// ClaimRecoveryWorker runs the stale-claim sweep on one worker at a time.
type ClaimRecoveryWorker struct {
	sources  []StaleRequeuer
	lock     distlock.DistLock
	interval time.Duration
	staleAge time.Duration
	now      func() time.Time
}

// NewClaimRecoveryWorker creates a recovery worker. A nil lock runs the
// sweep unguarded, which is only safe with a single worker process.
func NewClaimRecoveryWorker(lock distlock.DistLock, interval, staleAge time.Duration, sources ...StaleRequeuer) *ClaimRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &ClaimRecoveryWorker{
		sources:  sources,
		lock:     lock,
		interval: interval,
		staleAge: staleAge,
		now:      time.Now,
	}
}

// Start runs the sweep every interval. It blocks until ctx is cancelled.
func (w *ClaimRecoveryWorker) Start(ctx context.Context) {
	logger.Info("[ClaimRecovery] starting", "interval", w.interval.String(), "stale_age", w.staleAge.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[ClaimRecovery] stopping")
			return
		case <-ticker.C:
			if _, err := w.RecoverOnce(ctx); err != nil {
				logger.Error("[ClaimRecovery] sweep failed", "error", err)
			}
		}
	}
}

// RecoverOnce performs one sweep and returns how many claims were
// requeued. It returns 0, nil when another worker holds the lock.
func (w *ClaimRecoveryWorker) RecoverOnce(ctx context.Context) (int64, error) {
	if w.lock == nil {
		return w.sweep(ctx)
	}
	var total int64
	err := distlock.Do(ctx, w.lock, func(ctx context.Context) error {
		n, err := w.sweep(ctx)
		total = n
		return err
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		return 0, nil
	}
	return total, err
}

func (w *ClaimRecoveryWorker) sweep(ctx context.Context) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := w.now().Add(-w.staleAge)
	var (
		total    int64
		firstErr error
	)
	for _, src := range w.sources {
		n, err := src.RequeueStale(queryCtx, cutoff)
		if err != nil {
			logger.Error("[ClaimRecovery] requeue error", "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	if total > 0 {
		logger.Info("[ClaimRecovery] requeued stale claims", "count", total)
	}
	return total, firstErr
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/distlock"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
)

// DueLister lists communications ready to send. dispatch.CommunicationStore
// satisfies it.
type DueLister interface {
	ListDue(ctx context.Context, mediumID string, now time.Time, limit int) ([]string, error)
}

// BulkSender sends every pending recipient of one communication.
// dispatch.Orchestrator satisfies it.
type BulkSender interface {
	SendBulk(ctx context.Context, communicationID, mediumID string) error
}

// SeedFunc prepares a claim queue before workers start on a communication.
type SeedFunc func(ctx context.Context, communicationID, mediumID string) error

// LeaseFunc returns the lock that makes one process the owner of a
// communication for a pass. Returning nil disables the lease.
type LeaseFunc func(communicationID string) distlock.DistLock

// PendingLister reads pending recipients without claiming them.
type PendingLister interface {
	ListPending(ctx context.Context, communicationID, mediumID string, limit int) ([]*domain.Recipient, error)
}

// QueueSeeder loads recipients into a claim queue.
type QueueSeeder interface {
	Seed(ctx context.Context, communicationID, mediumID string, recipients []*domain.Recipient) (int, error)
}

// SeedFrom copies up to batch pending recipients from src into q.
func SeedFrom(src PendingLister, q QueueSeeder, batch int) SeedFunc {
	return func(ctx context.Context, communicationID, mediumID string) error {
		pending, err := src.ListPending(ctx, communicationID, mediumID, batch)
		if err != nil {
			return fmt.Errorf("list pending recipients: %w", err)
		}
		added, err := q.Seed(ctx, communicationID, mediumID, pending)
		if err != nil {
			return err
		}
		if added > 0 {
			logger.Debug("[SendWorker] seeded claim queue", "communication_id", communicationID, "added", added)
		}
		return nil
	}
}

// PoolOptions configures a SendWorkerPool.
type PoolOptions struct {
	MediumID     string
	Workers      int
	DueBatchSize int
	PollInterval time.Duration
	Seed         SeedFunc
	Lease        LeaseFunc
	// OnPoll, when set, is called after every poll with the number of
	// communications processed.
	OnPoll func(processed int)
}

// PoolStats are cumulative counters since the pool was created.
type PoolStats struct {
	Polls          int64 `json:"polls"`
	Communications int64 `json:"communications"`
	Errors         int64 `json:"errors"`
	Skipped        int64 `json:"skipped"`
}

// SendWorkerPool polls for due communications and runs several bulk
// senders against each. The senders coordinate only through the claim
// queue, so adding workers never double-sends.
type SendWorkerPool struct {
	comms    DueLister
	sender   BulkSender
	opts     PoolOptions
	workerID string

	polls          int64
	communications int64
	errors         int64
	skipped        int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewSendWorkerPool creates a pool. Zero options get defaults.
func NewSendWorkerPool(comms DueLister, sender BulkSender, opts PoolOptions) *SendWorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.DueBatchSize <= 0 {
		opts.DueBatchSize = 20
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MediumID == "" {
		opts.MediumID = "email"
	}
	return &SendWorkerPool{
		comms:    comms,
		sender:   sender,
		opts:     opts,
		workerID: uuid.New().String()[:8],
	}
}

// Start launches the poll loop in the background.
func (p *SendWorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	logger.Info("[SendWorker] starting pool",
		"worker_id", p.workerID, "workers", p.opts.Workers,
		"medium_id", p.opts.MediumID, "poll_interval", p.opts.PollInterval.String())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
}

// Stop cancels the poll loop and waits for in-flight sends to finish
// their current recipient.
func (p *SendWorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	logger.Info("[SendWorker] pool stopped", "worker_id", p.workerID)
}

func (p *SendWorkerPool) loop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce sends every communication that is due right now and returns
// how many were processed.
func (p *SendWorkerPool) PollOnce(ctx context.Context) int {
	atomic.AddInt64(&p.polls, 1)

	ids, err := p.comms.ListDue(ctx, p.opts.MediumID, time.Now(), p.opts.DueBatchSize)
	if err != nil {
		atomic.AddInt64(&p.errors, 1)
		logger.Error("[SendWorker] list due communications", "error", err)
		return 0
	}

	processed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if p.processCommunication(ctx, id) {
			processed++
		}
	}
	if p.opts.OnPoll != nil {
		p.opts.OnPoll(processed)
	}
	return processed
}

func (p *SendWorkerPool) processCommunication(ctx context.Context, id string) bool {
	run := func(ctx context.Context) error {
		if p.opts.Seed != nil {
			if err := p.opts.Seed(ctx, id, p.opts.MediumID); err != nil {
				return fmt.Errorf("seed claim queue: %w", err)
			}
		}
		return p.fanOut(ctx, id)
	}

	var err error
	if p.opts.Lease != nil {
		if lock := p.opts.Lease(id); lock != nil {
			err = distlock.Do(ctx, lock, run)
		} else {
			err = run(ctx)
		}
	} else {
		err = run(ctx)
	}

	switch {
	case errors.Is(err, distlock.ErrNotAcquired):
		atomic.AddInt64(&p.skipped, 1)
		logger.Debug("[SendWorker] communication leased elsewhere", "communication_id", id)
		return false
	case err != nil:
		atomic.AddInt64(&p.errors, 1)
		logger.Error("[SendWorker] send communication", "communication_id", id, "error", err)
		return false
	}
	atomic.AddInt64(&p.communications, 1)
	return true
}

// fanOut runs opts.Workers senders on one communication and returns the
// first error any of them reported.
func (p *SendWorkerPool) fanOut(ctx context.Context, id string) error {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.sender.SendBulk(ctx, id, p.opts.MediumID); err != nil {
				once.Do(func() { firstErr = err })
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// Stats returns a snapshot of the pool counters.
func (p *SendWorkerPool) Stats() PoolStats {
	return PoolStats{
		Polls:          atomic.LoadInt64(&p.polls),
		Communications: atomic.LoadInt64(&p.communications),
		Errors:         atomic.LoadInt64(&p.errors),
		Skipped:        atomic.LoadInt64(&p.skipped),
	}
}

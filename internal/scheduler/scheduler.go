// Package scheduler drives the dispatch pipeline: claim due requests,
// fan them out to the message bus under a concurrency cap, reconcile the
// outcomes back into the store.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mail-gateway/internal/email"
	"github.com/ignite/mail-gateway/internal/pkg/logger"
)

const (
	// maxInFlight caps concurrent publishes within one batch.
	maxInFlight = 10

	// interBatchPause throttles consecutive full batches so a deep backlog
	// does not monopolize the database.
	interBatchPause = 100 * time.Millisecond

	// publishTimeout bounds a single publish-and-ack round trip.
	publishTimeout = 30 * time.Second
)

// Store is the slice of the email store the scheduler needs.
type Store interface {
	ClaimBatch(ctx context.Context, batchSize int, now time.Time) ([]email.ClaimedRequest, error)
	ReconcileBatch(ctx context.Context, outcomes []email.Outcome, now time.Time) error
}

// Publisher publishes one claimed request and blocks for the broker ack.
type Publisher interface {
	PublishRequest(ctx context.Context, req *email.ClaimedRequest, serverHost string) (uint64, error)
}

// Scheduler runs the claim → dispatch → reconcile cycle on a fixed tick.
type Scheduler struct {
	store      Store
	publisher  Publisher
	serverHost string
	batchSize  int
	interval   time.Duration

	totalSent   int64
	totalFailed int64
}

// New creates a scheduler. Many scheduler processes may run against the
// same database; the claim query keeps their batches disjoint.
func New(store Store, publisher Publisher, serverHost string, batchSize int, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:      store,
		publisher:  publisher,
		serverHost: serverHost,
		batchSize:  batchSize,
		interval:   interval,
	}
}

// Run executes dispatch cycles until ctx is cancelled. The tick channel is
// 1-buffered, so ticks missed during a long cycle coalesce instead of
// queueing. A batch claimed before cancellation is dispatched and
// reconciled to completion; only new claims stop immediately.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Started: batch_size=%d, interval=%v", s.batchSize, s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First cycle runs immediately; backlog accumulated while the process
	// was down should not wait a full interval.
	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] Stopped. Total sent: %d, failed: %d",
				atomic.LoadInt64(&s.totalSent), atomic.LoadInt64(&s.totalFailed))
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle drains the backlog: it claims again immediately after every full
// batch (with a short pause) and ends the cycle on the first partial or
// empty batch.
func (s *Scheduler) runCycle(ctx context.Context) {
	start := time.Now()
	processed := 0

	for {
		if ctx.Err() != nil {
			return
		}

		n, full, err := s.processBatch(ctx)
		if err != nil {
			log.Printf("[Scheduler] Cycle failed: %v", err)
			return
		}
		processed += n

		if !full {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interBatchPause):
		}
	}

	if processed > 0 {
		log.Printf("[Scheduler] Cycle completed: processed=%d, duration=%v", processed, time.Since(start))
	}
}

// processBatch runs one claim → dispatch → reconcile round. Returns the
// number of requests processed and whether the claim filled the batch.
func (s *Scheduler) processBatch(ctx context.Context) (int, bool, error) {
	batchStart := time.Now()

	batch, err := s.store.ClaimBatch(ctx, s.batchSize, time.Now().UTC())
	if err != nil {
		return 0, false, err
	}
	if len(batch) == 0 {
		return 0, false, nil
	}

	// The batch is claimed: finish dispatch and reconciliation even if the
	// process is shutting down, otherwise the rows strand in Processing.
	workCtx := context.WithoutCancel(ctx)

	outcomes := s.dispatch(workCtx, batch)

	if err := s.store.ReconcileBatch(workCtx, outcomes, time.Now().UTC()); err != nil {
		// Rows stay Processing; recovery is an operational concern.
		return 0, false, err
	}

	success := 0
	for _, o := range outcomes {
		if o.Published() {
			success++
		}
	}
	atomic.AddInt64(&s.totalSent, int64(success))
	atomic.AddInt64(&s.totalFailed, int64(len(outcomes)-success))

	log.Printf("[Scheduler] Batch processed: success=%d, failed=%d, duration=%v",
		success, len(outcomes)-success, time.Since(batchStart))

	return len(outcomes), len(batch) == s.batchSize, nil
}

// dispatch publishes each claimed request with at most maxInFlight
// publishes in the air. Initiation follows batch order; completions land in
// any order. A failed publish yields a failed outcome for that request
// alone, and a panicking publish yields no outcome at all, leaving the row
// in Processing.
func (s *Scheduler) dispatch(ctx context.Context, batch []email.ClaimedRequest) []email.Outcome {
	slots := make([]*email.Outcome, len(batch))
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup

	for i := range batch {
		sem <- struct{}{}
		wg.Add(1)

		go func(i int, req email.ClaimedRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[Scheduler] Publish panic for request %s: %v", req.ID, r)
				}
			}()

			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()

			seq, err := s.publisher.PublishRequest(pubCtx, &req, s.serverHost)
			if err != nil {
				log.Printf("[Scheduler] Publish failed for request %s (%s): %v",
					req.ID, logger.RedactEmail(req.ToEmail), err)
				slots[i] = &email.Outcome{RequestID: req.ID, Err: err}
				return
			}
			slots[i] = &email.Outcome{RequestID: req.ID, StreamSeq: seq}
		}(i, batch[i])
	}

	wg.Wait()

	outcomes := make([]email.Outcome, 0, len(batch))
	for _, o := range slots {
		if o != nil {
			outcomes = append(outcomes, *o)
		}
	}
	return outcomes
}

// Stats returns lifetime dispatch counters.
func (s *Scheduler) Stats() (sent, failed int64) {
	return atomic.LoadInt64(&s.totalSent), atomic.LoadInt64(&s.totalFailed)
}

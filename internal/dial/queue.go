// Package dial serializes call origination per trunk.
//
// The PBX rejects rapid originations on the same outbound route, so each
// trunk gets its own FIFO drained with a minimum gap between the completion
// of one job and the start of the next. Different trunks drain concurrently.
package dial

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// Spacing is the minimum wall-clock gap between the completion of one
	// origination and the start of the next on the same trunk.
	Spacing = 1100 * time.Millisecond

	// Limit is the maximum number of pending jobs per trunk, counting the
	// one currently running.
	Limit = 50
)

var (
	// ErrQueueFull is returned when a trunk's queue is at Limit.
	ErrQueueFull = errors.New("origination queue full")

	// ErrStopped is returned for jobs rejected or abandoned by shutdown.
	ErrStopped = errors.New("origination queue stopped")
)

// Job is one origination attempt. Its error is relayed to the submitter and
// does not block jobs queued behind it.
type Job func(ctx context.Context) error

type item struct {
	job     Job
	done    chan error
	started bool // guarded by Queue.mu
}

// trunkQueue persists across drains so the spacing clock survives the queue
// going idle.
type trunkQueue struct {
	items       []*item
	draining    bool
	lastFiredAt time.Time
}

// Queue runs origination jobs in per-trunk FIFO order with rate-limited
// draining.
type Queue struct {
	logger  *slog.Logger
	spacing time.Duration
	limit   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	trunks map[string]*trunkQueue
	closed bool
}

// NewQueue creates a queue with the production spacing and limit.
func NewQueue(logger *slog.Logger) *Queue {
	return NewQueueWithConfig(Spacing, Limit, logger)
}

// NewQueueWithConfig creates a queue with explicit spacing and per-trunk
// limit.
func NewQueueWithConfig(spacing time.Duration, limit int, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:  logger.With("subsystem", "origination-queue"),
		spacing: spacing,
		limit:   limit,
		ctx:     ctx,
		cancel:  cancel,
		trunks:  make(map[string]*trunkQueue),
	}
}

// Enqueue submits job on trunkID's queue and blocks until the job has run,
// returning the job's error. It fails immediately with ErrQueueFull when the
// trunk already has Limit pending jobs. A caller that gives up while its job
// is still waiting its turn gets ctx.Err() back and the job is withdrawn,
// never to run; once the job has started, Enqueue waits it out regardless of
// ctx so the caller learns whether the origination was issued.
func (q *Queue) Enqueue(ctx context.Context, trunkID string, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStopped
	}

	tq, ok := q.trunks[trunkID]
	if !ok {
		tq = &trunkQueue{}
		q.trunks[trunkID] = tq
	}
	if len(tq.items) >= q.limit {
		q.mu.Unlock()
		q.logger.Warn("rejecting origination, queue full",
			"trunk_id", trunkID,
			"pending", q.limit,
		)
		return ErrQueueFull
	}

	it := &item{job: job, done: make(chan error, 1)}
	tq.items = append(tq.items, it)
	pending := len(tq.items)
	if !tq.draining {
		tq.draining = true
		q.wg.Add(1)
		go q.drain(trunkID, tq)
	}
	q.mu.Unlock()

	q.logger.Debug("origination queued", "trunk_id", trunkID, "pending", pending)

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
	}

	if q.withdraw(tq, it) {
		q.logger.Debug("origination withdrawn", "trunk_id", trunkID)
		return ctx.Err()
	}
	// The job already started, or Stop's sweep owns it; either way a result
	// is on its way.
	return <-it.done
}

// withdraw removes it from tq unless the drain already picked it up. It
// reports whether the job will never run.
func (q *Queue) withdraw(tq *trunkQueue, it *item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it.started {
		return false
	}
	for i, cur := range tq.items {
		if cur == it {
			tq.items = append(tq.items[:i], tq.items[i+1:]...)
			return true
		}
	}
	return false
}

// drain runs tq's jobs in order, sleeping out the spacing window before each
// start. The head item is popped only after it finishes so it keeps counting
// toward the limit while running. started flips under the lock, so a job is
// either withdrawn or run, never both.
func (q *Queue) drain(trunkID string, tq *trunkQueue) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(tq.items) == 0 {
			tq.draining = false
			q.mu.Unlock()
			return
		}
		wait := q.spacing - time.Since(tq.lastFiredAt)
		q.mu.Unlock()

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-q.ctx.Done():
				q.failRemaining(tq)
				return
			}
		}

		q.mu.Lock()
		if len(tq.items) == 0 {
			// Everything pending was withdrawn during the spacing wait.
			tq.draining = false
			q.mu.Unlock()
			return
		}
		head := tq.items[0]
		head.started = true
		q.mu.Unlock()

		err := head.job(q.ctx)

		q.mu.Lock()
		tq.lastFiredAt = time.Now()
		tq.items = tq.items[1:]
		q.mu.Unlock()

		head.done <- err

		if q.ctx.Err() != nil {
			q.failRemaining(tq)
			return
		}
	}
}

func (q *Queue) failRemaining(tq *trunkQueue) {
	q.mu.Lock()
	items := tq.items
	tq.items = nil
	tq.draining = false
	q.mu.Unlock()

	for _, it := range items {
		it.done <- ErrStopped
	}
}

// Depths returns the number of pending jobs per trunk, counting running
// ones. Trunks with empty queues are omitted.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[string]int)
	for id, tq := range q.trunks {
		if n := len(tq.items); n > 0 {
			depths[id] = n
		}
	}
	return depths
}

// Stop rejects new submissions, fails queued jobs with ErrStopped, cancels
// the context passed to a running job, and waits for the drains to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WaitResult holds the outcome of waiting for one dashboard's artifact.
type WaitResult struct {
	DashboardID string

	// Status is the last compile status observed.
	Status CompileStatus

	// Err is nil when the artifact is ready.
	Err error

	// Elapsed is the time spent waiting.
	Elapsed time.Duration
}

// Scheduler waits for the artifacts of several dashboards at once.
//
// Scheduler implements a worker pool pattern: at most maxConcurrency
// dashboards are polled concurrently, each by its own [Waiter] loop. Results
// are emitted to a channel as each dashboard settles.
//
// All lifecycle methods (Start, Stop) are safe for concurrent use.
type Scheduler struct {
	waiter         *Waiter
	ids            []string
	maxConcurrency int
	results        chan WaitResult
	logger         *slog.Logger
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	closeOnce sync.Once
}

// NewScheduler creates a [Scheduler] for ids.
//
// The scheduler must be started with [Scheduler.Start]. Results are
// available via [Scheduler.Results].
func NewScheduler(waiter *Waiter, ids []string, maxConcurrency int, logger *slog.Logger) *Scheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		waiter:         waiter,
		ids:            ids,
		maxConcurrency: maxConcurrency,
		results:        make(chan WaitResult, len(ids)),
		logger:         logger,
	}
}

// Results returns a receive-only channel that emits one [WaitResult] per
// dashboard.
//
// The channel is closed once every dashboard has settled or the scheduler
// stops.
func (s *Scheduler) Results() <-chan WaitResult {
	return s.results
}

// Start begins waiting in a background goroutine.
//
// If ctx is nil, context.Background() is used as the parent context.
// Start is idempotent; subsequent calls after the first are no-ops.
// If Stop was called before Start, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true

	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.closeOnce.Do(func() { close(s.results) })
		s.waitAll(waitCtx)
	}()
}

// Stop cancels outstanding waits and blocks until the results channel is
// closed.
//
// Stop is idempotent and safe to call multiple times. Calling Stop before
// Start is a safe no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()

	// ensure channel is closed even if Start() was never called
	s.closeOnce.Do(func() { close(s.results) })
}

// waitAll waits for every dashboard, respecting maxConcurrency.
func (s *Scheduler) waitAll(ctx context.Context) {
	jobs := make(chan string, len(s.ids))

	var wg sync.WaitGroup
	for i := 0; i < s.maxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				result := s.waitOne(ctx, id)
				select {
				case s.results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, id := range s.ids {
		select {
		case jobs <- id:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		}
	}
	close(jobs)

	wg.Wait()
}

// waitOne waits for a single dashboard with panic recovery. If the waiter's
// OnPoll hook panics, the full stack trace is logged with a correlation ID
// and the result carries an error containing the ID.
func (s *Scheduler) waitOne(ctx context.Context, id string) (result WaitResult) {
	start := time.Now()
	result.DashboardID = id

	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			stack := debug.Stack()

			s.logger.Error("wait panic",
				"correlation_id", correlationID,
				"dashboard_id", id,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(stack),
			)

			result.Err = fmt.Errorf("wait panic (correlation_id: %s)", correlationID)
		}
		result.Elapsed = time.Since(start)
	}()

	result.Status, result.Err = s.waiter.Wait(ctx, id)
	return result
}

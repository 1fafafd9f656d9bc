package commitsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultDispatchConcurrency = 4
	DefaultDispatchTimeout     = 2 * time.Minute
)

type NotificationHandler func(ctx context.Context, n TaskNotification) (Result, error)

type DispatcherOptions struct {
	Handler     NotificationHandler
	Concurrency int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Dispatcher processes notification batches after the webhook has been
// acknowledged. Entries run concurrently and fail independently.
type Dispatcher struct {
	handler     NotificationHandler
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	inflight    sync.WaitGroup
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultDispatchConcurrency
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handler: opts.Handler, concurrency: concurrency, timeout: timeout, logger: logger}
}

// Dispatch starts the batch in the background and returns at once. The
// work outlives the request context.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []TaskNotification) {
	if len(batch) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		runCtx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()
		d.Run(runCtx, batch)
	}()
}

// Run processes a batch and waits for it. Results are returned in batch
// order.
func (d *Dispatcher) Run(ctx context.Context, batch []TaskNotification) []Result {
	results := make([]Result, len(batch))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, n := range batch {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("notification handler panicked", "task_id", n.TaskID, "panic", r)
					results[i] = Result{Source: SourceTasks, Event: n.ChangeType, TaskID: n.TaskID, Outcome: OutcomeFailed}
				}
			}()
			res, err := d.handler(ctx, n)
			if err != nil {
				d.logger.Debug("notification entry failed", "task_id", n.TaskID, "change_type", n.ChangeType, "error", err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Drain waits for background batches, or for ctx to end.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

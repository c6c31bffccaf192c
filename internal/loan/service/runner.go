package service

import (
	"context"
	"log/slog"
	"sync"

	"loanflow/pkg/platform/sentinel"
	"loanflow/pkg/requestcontext"
)

// RunFunc processes one loan.
type RunFunc func(ctx context.Context, loanID string) error

// Task is the handle of one scheduled pipeline run.
type Task struct {
	LoanID string
	done   chan struct{}
	err    error
}

// Done is closed when the run has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the run finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the run error. Only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Runner executes pipeline runs in the background with bounded parallelism.
// Runs are detached from the submitting request but inherit its request id.
type Runner struct {
	run    RunFunc
	sem    chan struct{}
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a runner allowing workers concurrent runs (minimum 1).
func NewRunner(run RunFunc, workers int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		run:    run,
		sem:    make(chan struct{}, workers),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules a run for loanID. Fails with sentinel.ErrClosed after Close.
func (r *Runner) Submit(ctx context.Context, loanID string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, sentinel.ErrClosed
	}

	task := &Task{LoanID: loanID, done: make(chan struct{})}
	runCtx := requestcontext.WithRequestID(r.ctx, requestcontext.RequestID(ctx))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(task.done)

		select {
		case r.sem <- struct{}{}:
		case <-runCtx.Done():
			task.err = runCtx.Err()
			return
		}
		defer func() { <-r.sem }()

		task.err = r.run(runCtx, loanID)
		if task.err != nil {
			r.logger.WarnContext(runCtx, "pipeline run stopped",
				"loan_id", loanID,
				"request_id", requestcontext.RequestID(runCtx),
				"error", task.err,
			)
		}
	}()
	return task, nil
}

// Close stops admission and waits for in-flight runs. If ctx ends first the
// remaining runs are cancelled and Close still waits for them to return.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.logger.Warn("shutdown deadline reached, cancelling pipeline runs")
		r.cancel()
		<-done
		return ctx.Err()
	}
}

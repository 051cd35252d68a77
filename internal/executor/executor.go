// Package executor runs queued import tasks one at a time inside a bounded
// time slice. A slice that runs out of budget leaves the head task in the
// queue untouched, so the next invocation simply retries it; this is what
// lets an arbitrarily large import survive host-imposed deadlines.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openlistings/dirmigrate/internal/metrics"
	"github.com/openlistings/dirmigrate/internal/progress"
	"github.com/openlistings/dirmigrate/internal/queue"
	"github.com/openlistings/dirmigrate/pkg/types"
)

// Handler executes one task of a stage. It returns a follow-up task (same
// stage, advanced offset) or a next-stage task to replace the queue head, or
// nil when the task is fully consumed. A returned error drops the task.
type Handler func(ctx context.Context, task types.Task) (*types.Task, error)

// Config tunes one executor.
type Config struct {
	// SafetyMargin is reserved from every slice for bookkeeping; a task is
	// only run while at least this much budget remains.
	SafetyMargin time.Duration
	// MaxSliceBudget bounds a slice whose caller provided no (or a
	// non-positive) deadline.
	MaxSliceBudget time.Duration
	// MaxDeferrals caps how many consecutive slices may defer the same task
	// before it is dropped as undeliverable.
	MaxDeferrals int
}

func (c *Config) applyDefaults() {
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 5 * time.Second
	}
	if c.MaxSliceBudget <= 0 {
		c.MaxSliceBudget = 20 * time.Second
	}
	if c.MaxDeferrals <= 0 {
		c.MaxDeferrals = 10
	}
}

// Executor drains one importer's queue. The dispatcher guarantees at most one
// executor is active per importer, so no locking beyond the queue's own is
// needed here.
type Executor struct {
	importerID string
	queue      *queue.Queue
	rec        *progress.Recorder
	handlers   map[types.StageName]Handler
	cfg        Config
	logger     *slog.Logger
	collector  *metrics.Collector

	// aborted reads the cooperative abort flag; checked once per task.
	aborted func(ctx context.Context) (bool, error)
	// onComplete fires when the run ends, normally or by abort.
	onComplete func(ctx context.Context, aborted bool)

	now func() time.Time
}

// Options wires an executor's collaborators.
type Options struct {
	ImporterID string
	Queue      *queue.Queue
	Recorder   *progress.Recorder
	Handlers   map[types.StageName]Handler
	Config     Config
	Logger     *slog.Logger
	Collector  *metrics.Collector
	Aborted    func(ctx context.Context) (bool, error)
	OnComplete func(ctx context.Context, aborted bool)
}

// New builds an executor. Handlers must cover every action the importer
// enqueues; an unknown action at runtime is treated as a configuration error
// and the task is dropped.
func New(opts Options) *Executor {
	opts.Config.applyDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		importerID: opts.ImporterID,
		queue:      opts.Queue,
		rec:        opts.Recorder,
		handlers:   opts.Handlers,
		cfg:        opts.Config,
		logger:     logger.With("importer", opts.ImporterID),
		collector:  opts.Collector,
		aborted:    opts.Aborted,
		onComplete: opts.OnComplete,
		now:        time.Now,
	}
	return e
}

// RunSlice processes tasks until the queue drains, the abort flag is
// observed, or the remaining budget dips below the safety margin. It reports
// done=true when no work remains (the run finished or was aborted) and
// done=false when the slice yielded with the head task preserved for the
// next invocation.
func (e *Executor) RunSlice(ctx context.Context, deadline time.Time) (bool, error) {
	if deadline.IsZero() || !deadline.After(e.now()) {
		// Unknown or non-positive budget: fall back to a fixed slice.
		deadline = e.now().Add(e.cfg.MaxSliceBudget)
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		task, ok, err := e.queue.Peek(ctx)
		if err != nil {
			return false, fmt.Errorf("peek queue: %w", err)
		}
		if !ok {
			e.complete(ctx, false)
			return true, nil
		}

		aborted, err := e.aborted(ctx)
		if err != nil {
			return false, fmt.Errorf("read abort flag: %w", err)
		}
		if aborted {
			// Cooperative cancel: discard everything left, execute nothing.
			if err := e.queue.Clear(ctx); err != nil {
				return false, fmt.Errorf("discard queue on abort: %w", err)
			}
			e.complete(ctx, true)
			return true, nil
		}

		timeLeft := deadline.Sub(e.now())
		if timeLeft <= e.cfg.SafetyMargin {
			return false, e.deferTask(ctx, task)
		}

		if err := e.runTask(ctx, task); err != nil {
			return false, err
		}
		e.updateQueueDepth(ctx)
	}
}

// runTask dispatches one task to its stage handler and applies the outcome.
func (e *Executor) runTask(ctx context.Context, task types.Task) error {
	handler, ok := e.handlers[task.Action]
	if !ok {
		// Configuration error: surface it and drop the task so the rest of
		// the queue keeps moving.
		e.logger.Error("no handler for action", "action", task.Action)
		e.logRun(ctx, types.LogError, fmt.Sprintf("No handler registered for stage %q, task dropped", task.Action))
		e.collector.RecordTaskDropped(e.importerID)
		return e.queue.Pop(ctx)
	}

	start := e.now()
	next, err := handler(ctx, task)
	e.collector.RecordTaskExecuted(e.importerID, e.now().Sub(start).Seconds())

	if err != nil {
		// Blind retry of a half-applied task is not safe; drop it and keep
		// draining.
		e.logger.Error("stage handler failed", "action", task.Action, "offset", task.Offset, "error", err)
		e.logRun(ctx, types.LogError, fmt.Sprintf("Stage %q failed at offset %d: %v", task.Action, task.Offset, err))
		e.collector.RecordTaskDropped(e.importerID)
		return e.queue.Pop(ctx)
	}

	if next != nil {
		return e.queue.ReplaceHead(ctx, *next)
	}
	return e.queue.Pop(ctx)
}

// deferTask returns the head task to the queue unchanged except for its
// deferral count. A task deferred too many consecutive times can never fit a
// slice and is dropped instead of looping forever.
func (e *Executor) deferTask(ctx context.Context, task types.Task) error {
	task.Deferrals++
	if task.Deferrals > e.cfg.MaxDeferrals {
		e.logger.Error("task exceeded deferral cap", "action", task.Action, "offset", task.Offset, "deferrals", task.Deferrals)
		e.logRun(ctx, types.LogError, fmt.Sprintf("Stage %q task at offset %d never fit the time budget after %d attempts, dropped", task.Action, task.Offset, task.Deferrals-1))
		e.collector.RecordTaskDropped(e.importerID)
		return e.queue.Pop(ctx)
	}

	e.logger.Warn("time budget exhausted, deferring task", "action", task.Action, "offset", task.Offset)
	e.logRun(ctx, types.LogWarning, fmt.Sprintf("Time limit reached, stage %q will resume at offset %d", task.Action, task.Offset))
	e.collector.RecordTaskDeferred(e.importerID)
	return e.queue.ReplaceHead(ctx, task)
}

func (e *Executor) complete(ctx context.Context, aborted bool) {
	e.updateQueueDepth(ctx)
	if e.onComplete != nil {
		e.onComplete(ctx, aborted)
	}
}

func (e *Executor) updateQueueDepth(ctx context.Context) {
	if e.collector == nil {
		return
	}
	if n, err := e.queue.Len(ctx); err == nil {
		e.collector.SetQueueDepth(e.importerID, n)
	}
}

// logRun appends to the run log, best effort: a log write failure must not
// fail the task that triggered it.
func (e *Executor) logRun(ctx context.Context, status types.LogStatus, message string) {
	if e.rec == nil {
		return
	}
	if err := e.rec.Log(ctx, status, message); err != nil {
		e.logger.Error("failed to append run log", "error", err)
	}
}

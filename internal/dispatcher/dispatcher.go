// Package dispatcher guarantees that at most one executor loop is making
// progress on a given importer's queue, and restarts the loop when a dispatch
// arrives while persisted work remains (for example after the previous slice
// hit its deadline or its process died).
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openlistings/dirmigrate/internal/executor"
	"github.com/openlistings/dirmigrate/internal/metrics"
	"github.com/openlistings/dirmigrate/internal/queue"
)

// Dispatcher schedules executor slices per importer. Slices are driven by an
// internal goroutine per running importer rather than any loopback request:
// each slice gets a bounded deadline and the loop re-triggers itself while
// the queue is non-empty.
//
// Loops run on the dispatcher's own lifecycle context, not the caller's. A
// dispatch typically arrives from an HTTP handler whose request context is
// cancelled as soon as the response is written; a loop bound to it would die
// before its first task.
type Dispatcher struct {
	sliceBudget time.Duration
	logger      *slog.Logger
	collector   *metrics.Collector

	loopCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// New creates a dispatcher whose slices last at most sliceBudget.
func New(sliceBudget time.Duration, logger *slog.Logger, collector *metrics.Collector) *Dispatcher {
	if sliceBudget <= 0 {
		sliceBudget = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sliceBudget: sliceBudget,
		logger:      logger,
		collector:   collector,
		loopCtx:     loopCtx,
		cancel:      cancel,
		running:     make(map[string]bool),
	}
}

// Dispatch ensures an executor loop is active for importerID. If one already
// runs this is a no-op; if the queue is empty there is nothing to start. Safe
// to call from every poll: a loop killed mid-run is restarted here because
// the queue still holds its work.
//
// ctx bounds only the synchronous queue check; the spawned loop outlives the
// call and runs on the dispatcher's lifecycle context.
func (d *Dispatcher) Dispatch(ctx context.Context, importerID string, q *queue.Queue, exec *executor.Executor) error {
	d.mu.Lock()
	if d.running[importerID] {
		d.mu.Unlock()
		return nil
	}
	empty, err := q.IsEmpty(ctx)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if empty {
		d.mu.Unlock()
		return nil
	}
	d.running[importerID] = true
	d.mu.Unlock()

	d.collector.RunStarted()
	d.wg.Add(1)
	go d.loop(d.loopCtx, importerID, exec)
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, importerID string, exec *executor.Executor) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.running, importerID)
		d.mu.Unlock()
		d.collector.RunFinished()
	}()

	for {
		if ctx.Err() != nil {
			d.logger.Info("executor loop stopped", "importer", importerID)
			return
		}
		done, err := exec.RunSlice(ctx, time.Now().Add(d.sliceBudget))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				d.logger.Info("executor loop stopped", "importer", importerID)
			} else {
				d.logger.Error("executor slice failed", "importer", importerID, "error", err)
			}
			return
		}
		if done {
			return
		}
		// Budget exhausted with work left: immediately start the next slice.
	}
}

// InProgress reports whether importerID is currently importing. Derived from
// the persisted queue as well as the running flag, so a loop that died with
// work remaining still counts as in progress until a dispatch restarts it.
func (d *Dispatcher) InProgress(ctx context.Context, importerID string, q *queue.Queue) (bool, error) {
	d.mu.Lock()
	running := d.running[importerID]
	d.mu.Unlock()
	if running {
		return true, nil
	}
	empty, err := q.IsEmpty(ctx)
	if err != nil {
		return false, err
	}
	return !empty, nil
}

// Wait blocks until all executor loops have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown cancels the lifecycle context and waits for every loop to exit at
// its next task boundary. Interrupted work stays persisted in the queue and
// is resumed by the next dispatch.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
}

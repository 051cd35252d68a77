// Package progress accumulates the counters and the append-only status log a
// polling client consumes while an import runs.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/openlistings/dirmigrate/internal/optionstore"
	"github.com/openlistings/dirmigrate/pkg/types"
)

const (
	statsKey = "stats"
	logKey   = "import_log"
)

// Recorder reads and writes one importer run's stats and log in the option
// store. Mutations are read-modify-write: the dispatcher's one-active-
// executor guarantee covers cross-slice ordering, and the recorder's own
// mutex covers in-process writers (an abort request can log while the
// executor loop is running).
type Recorder struct {
	store  optionstore.Store
	ns     string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New creates a recorder under the importer namespace ns.
func New(store optionstore.Store, ns string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, ns: ns, logger: logger, now: time.Now}
}

// IncreaseTotal adds n to the total counter.
func (r *Recorder) IncreaseTotal(ctx context.Context, n int) error {
	return r.update(ctx, func(s *types.Stats) { s.Total += n })
}

// IncreaseSucceeded adds n to the succeed counter.
func (r *Recorder) IncreaseSucceeded(ctx context.Context, n int) error {
	return r.update(ctx, func(s *types.Stats) { s.Succeed += n })
}

// IncreaseSkipped adds n to the skipped counter.
func (r *Recorder) IncreaseSkipped(ctx context.Context, n int) error {
	return r.update(ctx, func(s *types.Stats) { s.Skipped += n })
}

// IncreaseFailed adds n to the failed counter.
func (r *Recorder) IncreaseFailed(ctx context.Context, n int) error {
	return r.update(ctx, func(s *types.Stats) { s.Failed += n })
}

// Stats returns the current counters; zero values before anything ran.
func (r *Recorder) Stats(ctx context.Context) (types.Stats, error) {
	var stats types.Stats
	if _, err := r.store.Get(ctx, r.ns+statsKey, &stats); err != nil {
		return stats, fmt.Errorf("load stats: %w", err)
	}
	return stats, nil
}

// Percent computes run progress: 0 while a running import has no known total,
// 100 once the run is no longer in progress, otherwise the processed share of
// total capped at 100.
func (r *Recorder) Percent(ctx context.Context, inProgress bool) (int, error) {
	if !inProgress {
		return 100, nil
	}
	stats, err := r.Stats(ctx)
	if err != nil {
		return 0, err
	}
	if stats.Total == 0 {
		return 0, nil
	}
	done := stats.Succeed + stats.Skipped + stats.Failed
	pct := int(math.Round(100 * float64(done) / float64(stats.Total)))
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

// Log appends an entry to the run log.
func (r *Recorder) Log(ctx context.Context, status types.LogStatus, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []types.LogEntry
	if _, err := r.store.Get(ctx, r.ns+logKey, &entries); err != nil {
		return fmt.Errorf("load log: %w", err)
	}
	entries = append(entries, types.LogEntry{
		Message: message,
		Status:  status,
		Time:    r.now(),
	})
	if err := r.store.Set(ctx, r.ns+logKey, entries); err != nil {
		return fmt.Errorf("persist log: %w", err)
	}
	r.logger.Debug("import log entry", "status", status, "message", message)
	return nil
}

// Logf appends a formatted entry.
func (r *Recorder) Logf(ctx context.Context, status types.LogStatus, format string, args ...any) error {
	return r.Log(ctx, status, fmt.Sprintf(format, args...))
}

// Logs returns entries from index skip onward plus the new total count, which
// the poller reports back as its next skip cursor.
func (r *Recorder) Logs(ctx context.Context, skip int) ([]types.LogEntry, int, error) {
	var entries []types.LogEntry
	if _, err := r.store.Get(ctx, r.ns+logKey, &entries); err != nil {
		return nil, 0, fmt.Errorf("load log: %w", err)
	}
	if skip < 0 {
		skip = 0
	}
	if skip >= len(entries) {
		return nil, len(entries), nil
	}
	return entries[skip:], len(entries), nil
}

// Reset clears stats and log, ahead of a new run.
func (r *Recorder) Reset(ctx context.Context) error {
	if err := r.store.Delete(ctx, r.ns+statsKey); err != nil {
		return fmt.Errorf("reset stats: %w", err)
	}
	if err := r.store.Delete(ctx, r.ns+logKey); err != nil {
		return fmt.Errorf("reset log: %w", err)
	}
	return nil
}

func (r *Recorder) update(ctx context.Context, apply func(*types.Stats)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats types.Stats
	if _, err := r.store.Get(ctx, r.ns+statsKey, &stats); err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	apply(&stats)
	if err := r.store.Set(ctx, r.ns+statsKey, stats); err != nil {
		return fmt.Errorf("persist stats: %w", err)
	}
	return nil
}

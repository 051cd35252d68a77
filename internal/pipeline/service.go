package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openlistings/dirmigrate/internal/contentstore"
	"github.com/openlistings/dirmigrate/internal/dispatcher"
	"github.com/openlistings/dirmigrate/internal/executor"
	"github.com/openlistings/dirmigrate/internal/metrics"
	"github.com/openlistings/dirmigrate/internal/optionstore"
	"github.com/openlistings/dirmigrate/internal/progress"
	"github.com/openlistings/dirmigrate/internal/queue"
	"github.com/openlistings/dirmigrate/pkg/types"
)

const abortKey = "abort_current"

// SettingsKey is the option key, relative to the importer namespace, under
// which Start persists the run's settings snapshot. Stage handlers reload
// their configuration from it so a resumed run behaves like the original one.
const SettingsKey = "import_settings"

var (
	// ErrUnknownImporter is returned for an unregistered importer ID.
	ErrUnknownImporter = errors.New("unknown importer")
	// ErrAlreadyRunning is returned by Start while a run is in progress.
	ErrAlreadyRunning = errors.New("import already in progress")
	// ErrMissingHandler is returned by Register when a stage has no handler.
	ErrMissingHandler = errors.New("stage has no registered handler")
)

// StartResponse is the synchronous reply to a start request.
type StartResponse struct {
	Progress int  `json:"progress"`
	Complete bool `json:"complete"`
}

// PollResponse carries the run state a polling client consumes. LogsShown is
// the cursor the client passes back on its next poll.
type PollResponse struct {
	Progress   int              `json:"progress"`
	LogsShown  int              `json:"logs_shown"`
	Logs       []types.LogEntry `json:"logs"`
	InProgress bool             `json:"in_progress"`
}

// ServiceConfig tunes the engine shared by all registered importers.
type ServiceConfig struct {
	BatchSize int
	Executor  executor.Config
}

// Service wires importers to the queue engine and exposes the start/abort/
// poll control surface. Distinct importers run concurrently; within one
// importer the dispatcher keeps a single executor active.
type Service struct {
	store     optionstore.Store
	content   contentstore.Store
	disp      *dispatcher.Dispatcher
	collector *metrics.Collector
	logger    *slog.Logger
	cfg       ServiceConfig

	mu   sync.Mutex
	runs map[string]*run
}

// run is the per-importer wiring of one registered importer.
type run struct {
	ns    string
	ctrl  *Controller
	queue *queue.Queue
	rec   *progress.Recorder
	exec  *executor.Executor
}

// NewService creates the engine.
func NewService(store optionstore.Store, content contentstore.Store, disp *dispatcher.Dispatcher, collector *metrics.Collector, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		content:   content,
		disp:      disp,
		collector: collector,
		logger:    logger,
		cfg:       cfg,
		runs:      make(map[string]*run),
	}
}

// Register builds the importer with its run environment and wires its
// executor. The handler registry is checked against the stage list here, so
// a missing handler fails at startup instead of mid-import.
func (s *Service) Register(id string, build func(Env) Importer) error {
	ns := optionstore.Namespace(id)
	rec := progress.New(s.store, ns, s.logger)
	imp := build(Env{
		Store:     s.store,
		Namespace: ns,
		Recorder:  rec,
		Content:   s.content,
		Collector: s.collector,
		Logger:    s.logger.With("importer", id),
	})

	handlers := imp.Handlers()
	for _, stage := range imp.Stages() {
		if _, ok := handlers[stage]; !ok {
			return fmt.Errorf("%w: %q", ErrMissingHandler, stage)
		}
	}

	q := queue.New(s.store, ns, s.cfg.BatchSize)
	r := &run{ns: ns, ctrl: NewController(imp), queue: q, rec: rec}
	r.exec = executor.New(executor.Options{
		ImporterID: id,
		Queue:      q,
		Recorder:   rec,
		Handlers:   handlers,
		Config:     s.cfg.Executor,
		Logger:     s.logger,
		Collector:  s.collector,
		Aborted: func(ctx context.Context) (bool, error) {
			var aborted bool
			_, err := s.store.Get(ctx, ns+abortKey, &aborted)
			return aborted, err
		},
		OnComplete: func(ctx context.Context, aborted bool) {
			s.completeRun(ctx, r, aborted)
		},
	})

	s.mu.Lock()
	s.runs[id] = r
	s.mu.Unlock()
	return nil
}

// Start validates settings, clears every trace of the previous run, seeds
// the first stage and kicks the dispatcher. Validation failures are the only
// error a client receives synchronously.
func (s *Service) Start(ctx context.Context, id string, settings types.Settings) (StartResponse, error) {
	r, err := s.run(id)
	if err != nil {
		return StartResponse{}, err
	}

	inProgress, err := s.disp.InProgress(ctx, id, r.queue)
	if err != nil {
		return StartResponse{}, err
	}
	if inProgress {
		return StartResponse{}, ErrAlreadyRunning
	}

	tasks, err := r.ctrl.Seed(ctx, settings)
	if err != nil {
		return StartResponse{}, err
	}

	// Tear down the prior run completely: queue, stats, log, mappings,
	// abort flag, settings snapshot.
	if err := r.queue.Clear(ctx); err != nil {
		return StartResponse{}, err
	}
	if err := s.store.DeletePrefix(ctx, r.ns); err != nil {
		return StartResponse{}, fmt.Errorf("clear run state: %w", err)
	}
	if err := s.store.Set(ctx, r.ns+SettingsKey, settings); err != nil {
		return StartResponse{}, fmt.Errorf("persist settings: %w", err)
	}

	if err := r.rec.Log(ctx, types.LogInfo, "Import started"); err != nil {
		return StartResponse{}, err
	}
	if err := r.queue.Enqueue(ctx, tasks); err != nil {
		return StartResponse{}, err
	}
	if err := s.disp.Dispatch(ctx, id, r.queue, r.exec); err != nil {
		return StartResponse{}, err
	}

	return StartResponse{Progress: 0, Complete: false}, nil
}

// Poll reports progress and the log entries the client has not seen yet. It
// also re-dispatches, so a run whose executor died mid-slice is picked back
// up by the next poll.
func (s *Service) Poll(ctx context.Context, id string, logsShown int) (PollResponse, error) {
	r, err := s.run(id)
	if err != nil {
		return PollResponse{}, err
	}

	if err := s.disp.Dispatch(ctx, id, r.queue, r.exec); err != nil {
		return PollResponse{}, err
	}

	inProgress, err := s.disp.InProgress(ctx, id, r.queue)
	if err != nil {
		return PollResponse{}, err
	}
	pct, err := r.rec.Percent(ctx, inProgress)
	if err != nil {
		return PollResponse{}, err
	}
	logs, total, err := r.rec.Logs(ctx, logsShown)
	if err != nil {
		return PollResponse{}, err
	}

	return PollResponse{
		Progress:   pct,
		LogsShown:  total,
		Logs:       logs,
		InProgress: inProgress,
	}, nil
}

// Abort requests cooperative cancellation of a running import. The flag is
// observed at the next task boundary; the remaining queue is then discarded
// without executing further tasks.
func (s *Service) Abort(ctx context.Context, id string) error {
	r, err := s.run(id)
	if err != nil {
		return err
	}

	inProgress, err := s.disp.InProgress(ctx, id, r.queue)
	if err != nil {
		return err
	}
	if !inProgress {
		return nil
	}

	if err := s.store.Set(ctx, r.ns+abortKey, true); err != nil {
		return fmt.Errorf("set abort flag: %w", err)
	}
	if err := r.rec.Log(ctx, types.LogWarning, "Abort requested"); err != nil {
		return err
	}
	// Make sure a loop exists to observe the flag, in case the previous one
	// died before this request arrived.
	return s.disp.Dispatch(ctx, id, r.queue, r.exec)
}

// InProgress reports whether the importer currently has a live or resumable
// run.
func (s *Service) InProgress(ctx context.Context, id string) (bool, error) {
	r, err := s.run(id)
	if err != nil {
		return false, err
	}
	return s.disp.InProgress(ctx, id, r.queue)
}

// Stats returns the current run counters.
func (s *Service) Stats(ctx context.Context, id string) (types.Stats, error) {
	r, err := s.run(id)
	if err != nil {
		return types.Stats{}, err
	}
	return r.rec.Stats(ctx)
}

// Importers lists the registered importer IDs.
func (s *Service) Importers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every running import loop has exited.
func (s *Service) Wait() {
	s.disp.Wait()
}

// Shutdown stops running import loops at their next task boundary and waits
// for them. Interrupted runs stay resumable from the persisted queue.
func (s *Service) Shutdown() {
	s.disp.Shutdown()
}

// completeRun finishes a run: the abort flag is cleared and the terminal log
// entry the poller watches for is appended.
func (s *Service) completeRun(ctx context.Context, r *run, aborted bool) {
	if err := s.store.Delete(ctx, r.ns+abortKey); err != nil {
		s.logger.Error("failed to clear abort flag", "error", err)
	}
	if aborted {
		if err := r.rec.Log(ctx, types.LogWarning, "Import aborted"); err != nil {
			s.logger.Error("failed to append abort log", "error", err)
		}
		return
	}
	if err := r.rec.Log(ctx, types.LogSuccess, "Import completed"); err != nil {
		s.logger.Error("failed to append completion log", "error", err)
	}
}

func (s *Service) run(id string) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownImporter, id)
	}
	return r, nil
}

// Package pipeline sequences the named stages of an importer and exposes the
// control surface of an import run: start, poll, abort. One importer owns an
// ordered stage list; stage handlers work the queue one task at a time and
// ask the controller for the following stage when their dataset is exhausted.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/openlistings/dirmigrate/internal/contentstore"
	"github.com/openlistings/dirmigrate/internal/executor"
	"github.com/openlistings/dirmigrate/internal/metrics"
	"github.com/openlistings/dirmigrate/internal/optionstore"
	"github.com/openlistings/dirmigrate/internal/progress"
	"github.com/openlistings/dirmigrate/pkg/types"
)

// Env is the run environment handed to an importer when it is registered.
// Everything an importer persists lives under Namespace in Store.
type Env struct {
	Store     optionstore.Store
	Namespace string
	Recorder  *progress.Recorder
	Content   contentstore.Store
	Collector *metrics.Collector
	Logger    *slog.Logger
}

// Importer is one source platform's migration. Its handler registry is built
// at construction time, so a stage without a handler is a wiring bug caught
// when the importer is registered, not a runtime string lookup.
type Importer interface {
	// ID names the importer; it scopes all persisted state.
	ID() string
	// Stages returns the fixed, ordered stage list of the pipeline.
	Stages() []types.StageName
	// Handlers returns the stage handler registry. Every stage in Stages
	// must have an entry.
	Handlers() map[types.StageName]executor.Handler
	// ValidateSettings checks and normalizes run configuration. Called
	// synchronously by Start; the only error class a client sees directly.
	ValidateSettings(settings types.Settings) error
	// Seed produces the initial task(s) of the first stage.
	Seed(ctx context.Context, settings types.Settings) ([]types.Task, error)
}

// NextStage returns the stage immediately after current in stages, or
// ok=false when current is the last stage (or unknown).
func NextStage(stages []types.StageName, current types.StageName) (types.StageName, bool) {
	for i, stage := range stages {
		if stage == current && i+1 < len(stages) {
			return stages[i+1], true
		}
	}
	return "", false
}

// Controller owns one importer's stage-transition table.
type Controller struct {
	imp Importer
}

// NewController wraps an importer.
func NewController(imp Importer) *Controller {
	return &Controller{imp: imp}
}

// Stages returns the importer's ordered stage list.
func (c *Controller) Stages() []types.StageName {
	return c.imp.Stages()
}

// NextStage returns the stage after current, or ok=false for the last one.
func (c *Controller) NextStage(current types.StageName) (types.StageName, bool) {
	return NextStage(c.imp.Stages(), current)
}

// Seed validates settings and produces the first stage's initial tasks.
func (c *Controller) Seed(ctx context.Context, settings types.Settings) ([]types.Task, error) {
	if err := c.imp.ValidateSettings(settings); err != nil {
		return nil, err
	}
	return c.imp.Seed(ctx, settings)
}

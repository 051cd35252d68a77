// Package listingsdir imports a listings directory platform: categories,
// tags, pricing packages, custom field definitions, listings and reviews, in
// that order. Each stage publishes its dataset size on its first task, pages
// through the source with follow-up tasks and records a source-to-target ID
// mapping so re-running any page creates nothing twice.
package listingsdir

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/openlistings/dirmigrate/internal/contentstore"
	"github.com/openlistings/dirmigrate/internal/executor"
	"github.com/openlistings/dirmigrate/internal/mapping"
	"github.com/openlistings/dirmigrate/internal/pipeline"
	"github.com/openlistings/dirmigrate/pkg/types"
)

// ImporterID is the registered name of this importer.
const ImporterID = "listingsdir"

const defaultPageSize = 50

// Stage names, in pipeline order.
const (
	StageCategories   types.StageName = "categories"
	StageTags         types.StageName = "tags"
	StagePackages     types.StageName = "packages"
	StageCustomFields types.StageName = "custom_fields"
	StageListings     types.StageName = "listings"
	StageReviews      types.StageName = "reviews"
)

// Entity kinds used for content store writes and mapping tables.
const (
	kindCategory    = "category"
	kindTag         = "tag"
	kindPackage     = "package"
	kindCustomField = "custom_field"
	kindListing     = "listing"
	kindReview      = "review"
)

var stages = []types.StageName{
	StageCategories,
	StageTags,
	StagePackages,
	StageCustomFields,
	StageListings,
	StageReviews,
}

// runSettings is the parsed form of the run's settings snapshot.
type runSettings struct {
	// PageSize is the number of source rows fetched per task.
	PageSize int
	// UpdateExisting makes already-mapped rows update their target entity
	// instead of being skipped.
	UpdateExisting bool
	// DefaultPackageID, when set, receives source packages with zero cost
	// instead of a new package being created for each.
	DefaultPackageID int64
}

// Importer migrates one directory platform exposed as a Source.
type Importer struct {
	env    pipeline.Env
	source Source
}

// New builds the importer over src inside the run environment env.
func New(env pipeline.Env, src Source) *Importer {
	return &Importer{env: env, source: src}
}

func (i *Importer) ID() string { return ImporterID }

func (i *Importer) Stages() []types.StageName { return stages }

func (i *Importer) Handlers() map[types.StageName]executor.Handler {
	return map[types.StageName]executor.Handler{
		StageCategories:   i.handleCategories,
		StageTags:         i.handleTags,
		StagePackages:     i.handlePackages,
		StageCustomFields: i.handleCustomFields,
		StageListings:     i.handleListings,
		StageReviews:      i.handleReviews,
	}
}

// ValidateSettings checks the run configuration before anything is enqueued.
func (i *Importer) ValidateSettings(settings types.Settings) error {
	_, err := parseSettings(settings)
	return err
}

// Seed produces the first task of the first stage.
func (i *Importer) Seed(_ context.Context, _ types.Settings) ([]types.Task, error) {
	return []types.Task{{Action: stages[0]}}, nil
}

func parseSettings(settings types.Settings) (runSettings, error) {
	st := runSettings{PageSize: defaultPageSize}
	if raw, ok := settings["page_size"]; ok {
		n, err := asInt(raw)
		if err != nil || n <= 0 {
			return st, fmt.Errorf("setting page_size: want a positive integer, got %v", raw)
		}
		st.PageSize = n
	}
	if raw, ok := settings["update_existing"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return st, fmt.Errorf("setting update_existing: want a boolean, got %v", raw)
		}
		st.UpdateExisting = b
	}
	if raw, ok := settings["default_package_id"]; ok {
		n, err := asInt(raw)
		if err != nil || n < 0 {
			return st, fmt.Errorf("setting default_package_id: want a non-negative integer, got %v", raw)
		}
		st.DefaultPackageID = int64(n)
	}
	return st, nil
}

// asInt accepts the integer encodings a settings snapshot can carry. Values
// arrive as float64 after a JSON round trip through the option store.
func asInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, errors.New("not an integer")
		}
		return int(v), nil
	default:
		return 0, errors.New("not an integer")
	}
}

// settings reloads the run's persisted settings snapshot. Handlers read it on
// every task rather than caching, so a run resumed by a fresh process sees
// the configuration the run was started with.
func (i *Importer) settings(ctx context.Context) (runSettings, error) {
	var snapshot types.Settings
	if _, err := i.env.Store.Get(ctx, i.env.Namespace+pipeline.SettingsKey, &snapshot); err != nil {
		return runSettings{}, fmt.Errorf("load settings snapshot: %w", err)
	}
	return parseSettings(snapshot)
}

func (i *Importer) table(kind string) *mapping.Table {
	return mapping.New(i.env.Store, i.env.Namespace, kind)
}

// advance closes out the current stage with a summary log line and returns
// the next stage's initial task, or nil after the last stage.
func (i *Importer) advance(ctx context.Context, task types.Task) (*types.Task, error) {
	i.env.Recorder.Logf(ctx, types.LogInfo,
		"Finished %s: %d imported, %d updated, %d skipped, %d failed",
		task.Action, task.Imported, task.Updated, task.Skipped, task.Failed)
	next, ok := pipeline.NextStage(stages, task.Action)
	if !ok {
		return nil, nil
	}
	return &types.Task{Action: next}, nil
}

// skipStage logs that an optional stage is unavailable on this source and
// advances past it.
func (i *Importer) skipStage(ctx context.Context, task types.Task, reason string) (*types.Task, error) {
	i.env.Recorder.Logf(ctx, types.LogWarning, "Skipping %s: %s", task.Action, reason)
	next, ok := pipeline.NextStage(stages, task.Action)
	if !ok {
		return nil, nil
	}
	return &types.Task{Action: next}, nil
}

// importRow runs the shared create-or-update decision for one source row.
// The returned target ID is the mapped one, whether the row was just created
// or already known.
func (i *Importer) importRow(ctx context.Context, st runSettings, tbl *mapping.Table,
	kind, sourceID string, fields contentstore.Fields, task *types.Task) (int64, error) {

	if targetID, ok, err := tbl.Get(ctx, sourceID); err != nil {
		return 0, err
	} else if ok {
		if !st.UpdateExisting {
			task.Skipped++
			i.env.Recorder.IncreaseSkipped(ctx, 1)
			i.env.Collector.RecordItems(i.ID(), 0, 1, 0)
			return targetID, nil
		}
		if err := i.env.Content.Update(ctx, kind, targetID, fields); err != nil {
			return 0, fmt.Errorf("update %s %s: %w", kind, sourceID, err)
		}
		task.Updated++
		i.env.Recorder.IncreaseSucceeded(ctx, 1)
		i.env.Collector.RecordItems(i.ID(), 1, 0, 0)
		return targetID, nil
	}

	targetID, err := i.env.Content.Create(ctx, kind, fields)
	if err != nil {
		return 0, fmt.Errorf("create %s %s: %w", kind, sourceID, err)
	}
	targetID, err = tbl.Set(ctx, sourceID, targetID)
	if err != nil {
		return 0, err
	}
	task.Imported++
	i.env.Recorder.IncreaseSucceeded(ctx, 1)
	i.env.Collector.RecordItems(i.ID(), 1, 0, 0)
	return targetID, nil
}

// rowFailed records one source row that could not be imported. The stage
// keeps going; a bad row costs one Failed count and a log line, not the run.
func (i *Importer) rowFailed(ctx context.Context, task *types.Task, kind, sourceID string, err error) {
	task.Failed++
	i.env.Recorder.IncreaseFailed(ctx, 1)
	i.env.Collector.RecordItems(i.ID(), 0, 0, 1)
	i.env.Recorder.Logf(ctx, types.LogError, "Failed to import %s %s: %v", kind, sourceID, err)
	i.env.Logger.Error("row import failed", "importer", i.ID(), "kind", kind, "source_id", sourceID, "error", err)
}

func (i *Importer) handleCategories(ctx context.Context, task types.Task) (*types.Task, error) {
	st, err := i.settings(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := i.source.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("source counts: %w", err)
	}
	if task.Offset == 0 {
		if err := i.env.Recorder.IncreaseTotal(ctx, counts.Categories); err != nil {
			return nil, err
		}
	}

	rows, err := i.source.Categories(ctx, task.Offset, st.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch categories at %d: %w", task.Offset, err)
	}
	tbl := i.table(kindCategory)
	for _, row := range rows {
		fields := contentstore.Fields{"name": row.Name}
		if row.ParentID != "" {
			// Sources emit parents before children, so the parent is
			// already mapped by the time a child arrives.
			if parentID, ok, err := tbl.Get(ctx, row.ParentID); err != nil {
				return nil, err
			} else if ok {
				fields["parent"] = parentID
			} else {
				i.env.Recorder.Logf(ctx, types.LogWarning,
					"Category %s references unknown parent %s, importing as top-level", row.ID, row.ParentID)
			}
		}
		if _, err := i.importRow(ctx, st, tbl, kindCategory, row.ID, fields, &task); err != nil {
			i.rowFailed(ctx, &task, kindCategory, row.ID, err)
		}
	}

	task.Offset += len(rows)
	if len(rows) == 0 || task.Offset >= counts.Categories {
		return i.advance(ctx, task)
	}
	return &task, nil
}

func (i *Importer) handleTags(ctx context.Context, task types.Task) (*types.Task, error) {
	st, err := i.settings(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := i.source.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("source counts: %w", err)
	}
	if task.Offset == 0 {
		if err := i.env.Recorder.IncreaseTotal(ctx, counts.Tags); err != nil {
			return nil, err
		}
	}

	rows, err := i.source.Tags(ctx, task.Offset, st.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch tags at %d: %w", task.Offset, err)
	}
	tbl := i.table(kindTag)
	for _, row := range rows {
		fields := contentstore.Fields{"name": row.Name}
		if _, err := i.importRow(ctx, st, tbl, kindTag, row.ID, fields, &task); err != nil {
			i.rowFailed(ctx, &task, kindTag, row.ID, err)
		}
	}

	task.Offset += len(rows)
	if len(rows) == 0 || task.Offset >= counts.Tags {
		return i.advance(ctx, task)
	}
	return &task, nil
}

func (i *Importer) handlePackages(ctx context.Context, task types.Task) (*types.Task, error) {
	st, err := i.settings(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := i.source.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("source counts: %w", err)
	}
	if task.Offset == 0 {
		if err := i.env.Recorder.IncreaseTotal(ctx, counts.Packages); err != nil {
			return nil, err
		}
	}

	rows, err := i.source.Packages(ctx, task.Offset, st.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch packages at %d: %w", task.Offset, err)
	}
	tbl := i.table(kindPackage)
	for _, row := range rows {
		// Free packages fold onto the configured default package so the
		// target does not accumulate one empty package per source tier.
		if row.Cost == 0 && st.DefaultPackageID != 0 {
			if _, err := tbl.Set(ctx, row.ID, st.DefaultPackageID); err != nil {
				i.rowFailed(ctx, &task, kindPackage, row.ID, err)
				continue
			}
			task.Skipped++
			i.env.Recorder.IncreaseSkipped(ctx, 1)
			i.env.Collector.RecordItems(i.ID(), 0, 1, 0)
			i.env.Recorder.Logf(ctx, types.LogInfo,
				"Package %q is free, mapped to default package %d", row.Name, st.DefaultPackageID)
			continue
		}
		fields := contentstore.Fields{"name": row.Name, "cost": row.Cost}
		if _, err := i.importRow(ctx, st, tbl, kindPackage, row.ID, fields, &task); err != nil {
			i.rowFailed(ctx, &task, kindPackage, row.ID, err)
		}
	}

	task.Offset += len(rows)
	if len(rows) == 0 || task.Offset >= counts.Packages {
		return i.advance(ctx, task)
	}
	return &task, nil
}

func (i *Importer) handleCustomFields(ctx context.Context, task types.Task) (*types.Task, error) {
	if !i.source.HasCustomFields() {
		return i.skipStage(ctx, task, "source has no custom fields")
	}
	st, err := i.settings(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := i.source.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("source counts: %w", err)
	}
	if task.Offset == 0 {
		if err := i.env.Recorder.IncreaseTotal(ctx, counts.CustomFields); err != nil {
			return nil, err
		}
	}

	rows, err := i.source.CustomFields(ctx, task.Offset, st.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch custom fields at %d: %w", task.Offset, err)
	}
	tbl := i.table(kindCustomField)
	for _, row := range rows {
		fields := contentstore.Fields{"label": row.Label, "type": row.Type}
		if _, err := i.importRow(ctx, st, tbl, kindCustomField, row.ID, fields, &task); err != nil {
			i.rowFailed(ctx, &task, kindCustomField, row.ID, err)
		}
	}

	task.Offset += len(rows)
	if len(rows) == 0 || task.Offset >= counts.CustomFields {
		return i.advance(ctx, task)
	}
	return &task, nil
}

func (i *Importer) handleListings(ctx context.Context, task types.Task) (*types.Task, error) {
	st, err := i.settings(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := i.source.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("source counts: %w", err)
	}
	if task.Offset == 0 {
		if err := i.env.Recorder.IncreaseTotal(ctx, counts.Listings); err != nil {
			return nil, err
		}
	}

	rows, err := i.source.Listings(ctx, task.Offset, st.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch listings at %d: %w", task.Offset, err)
	}
	tbl := i.table(kindListing)
	categories := i.table(kindCategory)
	packages := i.table(kindPackage)
	fieldDefs := i.table(kindCustomField)
	for _, row := range rows {
		fields, err := i.listingFields(ctx, row, categories, packages, fieldDefs)
		if err != nil {
			i.rowFailed(ctx, &task, kindListing, row.ID, err)
			continue
		}
		if _, err := i.importRow(ctx, st, tbl, kindListing, row.ID, fields, &task); err != nil {
			i.rowFailed(ctx, &task, kindListing, row.ID, err)
		}
	}

	task.Offset += len(rows)
	if len(rows) == 0 || task.Offset >= counts.Listings {
		return i.advance(ctx, task)
	}
	return &task, nil
}

// listingFields resolves a listing row's source references through the
// mapping tables of the earlier stages. A dangling category or package
// reference is dropped with a warning; the listing itself still imports.
func (i *Importer) listingFields(ctx context.Context, row Listing,
	categories, packages, fieldDefs *mapping.Table) (contentstore.Fields, error) {

	fields := contentstore.Fields{"title": row.Title}
	if row.Description != "" {
		fields["description"] = row.Description
	}

	categoryIDs := make([]int64, 0, len(row.CategoryIDs))
	for _, srcID := range row.CategoryIDs {
		targetID, ok, err := categories.Get(ctx, srcID)
		if err != nil {
			return nil, err
		}
		if !ok {
			i.env.Recorder.Logf(ctx, types.LogWarning,
				"Listing %s references unknown category %s", row.ID, srcID)
			continue
		}
		categoryIDs = append(categoryIDs, targetID)
	}
	if len(categoryIDs) > 0 {
		fields["categories"] = categoryIDs
	}

	if row.PackageID != "" {
		targetID, ok, err := packages.Get(ctx, row.PackageID)
		if err != nil {
			return nil, err
		}
		if ok {
			fields["package"] = targetID
		} else {
			i.env.Recorder.Logf(ctx, types.LogWarning,
				"Listing %s references unknown package %s", row.ID, row.PackageID)
		}
	}

	if len(row.Fields) > 0 {
		values := make(map[string]string, len(row.Fields))
		for srcFieldID, value := range row.Fields {
			targetID, ok, err := fieldDefs.Get(ctx, srcFieldID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			values[strconv.FormatInt(targetID, 10)] = value
		}
		if len(values) > 0 {
			fields["custom_fields"] = values
		}
	}
	return fields, nil
}

func (i *Importer) handleReviews(ctx context.Context, task types.Task) (*types.Task, error) {
	if !i.source.HasReviews() {
		return i.skipStage(ctx, task, "source has no reviews")
	}
	st, err := i.settings(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := i.source.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("source counts: %w", err)
	}
	if task.Offset == 0 {
		if err := i.env.Recorder.IncreaseTotal(ctx, counts.Reviews); err != nil {
			return nil, err
		}
	}

	rows, err := i.source.Reviews(ctx, task.Offset, st.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch reviews at %d: %w", task.Offset, err)
	}
	tbl := i.table(kindReview)
	listings := i.table(kindListing)
	for _, row := range rows {
		listingID, ok, err := listings.Get(ctx, row.ListingID)
		if err != nil {
			i.rowFailed(ctx, &task, kindReview, row.ID, err)
			continue
		}
		if !ok {
			i.rowFailed(ctx, &task, kindReview, row.ID,
				fmt.Errorf("unknown listing %s", row.ListingID))
			continue
		}
		fields := contentstore.Fields{
			"listing": listingID,
			"author":  row.Author,
			"rating":  row.Rating,
			"content": row.Content,
		}
		if _, err := i.importRow(ctx, st, tbl, kindReview, row.ID, fields, &task); err != nil {
			i.rowFailed(ctx, &task, kindReview, row.ID, err)
		}
	}

	task.Offset += len(rows)
	if len(rows) == 0 || task.Offset >= counts.Reviews {
		return i.advance(ctx, task)
	}
	return &task, nil
}

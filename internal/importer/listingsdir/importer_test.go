package listingsdir

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlistings/dirmigrate/internal/contentstore"
	"github.com/openlistings/dirmigrate/internal/executor"
	"github.com/openlistings/dirmigrate/internal/mapping"
	"github.com/openlistings/dirmigrate/internal/optionstore"
	"github.com/openlistings/dirmigrate/internal/pipeline"
	"github.com/openlistings/dirmigrate/internal/progress"
	"github.com/openlistings/dirmigrate/pkg/types"
)

func testEnv(t *testing.T, content contentstore.Store) pipeline.Env {
	t.Helper()
	store := optionstore.NewMemory()
	ns := optionstore.Namespace(ImporterID)
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	return pipeline.Env{
		Store:     store,
		Namespace: ns,
		Recorder:  progress.New(store, ns, logger),
		Content:   content,
		Logger:    logger,
	}
}

func setSettings(t *testing.T, env pipeline.Env, settings types.Settings) {
	t.Helper()
	require.NoError(t, env.Store.Set(context.Background(), env.Namespace+pipeline.SettingsKey, settings))
}

// runStage drives one handler task-by-task until it advances or finishes,
// returning the final task of the stage and the next stage's task (nil after
// the last stage).
func runStage(t *testing.T, h executor.Handler, start types.Task) (types.Task, *types.Task) {
	t.Helper()
	cur := start
	for range 1000 {
		next, err := h(context.Background(), cur)
		require.NoError(t, err)
		if next == nil {
			return cur, nil
		}
		if next.Action != cur.Action {
			return cur, next
		}
		cur = *next
	}
	t.Fatal("stage did not finish")
	return cur, nil
}

func sixCategories() []Category {
	return []Category{
		{ID: "c1", Name: "Restaurants"},
		{ID: "c2", Name: "Italian", ParentID: "c1"},
		{ID: "c3", Name: "Sushi", ParentID: "c1"},
		{ID: "c4", Name: "Hotels"},
		{ID: "c5", Name: "Hostels", ParentID: "c4"},
		{ID: "c6", Name: "Gyms"},
	}
}

func TestCategoriesImportPagesAndAdvances(t *testing.T) {
	ctx := context.Background()
	content := contentstore.NewMemory()
	env := testEnv(t, content)
	imp := New(env, &StaticSource{CategoryRows: sixCategories()})
	setSettings(t, env, types.Settings{"page_size": 2})

	last, next := runStage(t, imp.Handlers()[StageCategories], types.Task{Action: StageCategories})

	assert.Equal(t, 6, last.Imported)
	assert.Equal(t, 0, last.Skipped)
	assert.Equal(t, 0, last.Failed)
	require.NotNil(t, next)
	assert.Equal(t, StageTags, next.Action)
	assert.Equal(t, 0, next.Offset)

	assert.Equal(t, 6, content.Count("category"))
	n, err := mapping.New(env.Store, env.Namespace, "category").Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	stats, err := env.Recorder.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Stats{Total: 6, Succeed: 6}, stats)
}

func TestCategoriesParentResolution(t *testing.T) {
	ctx := context.Background()
	content := contentstore.NewMemory()
	env := testEnv(t, content)
	imp := New(env, &StaticSource{CategoryRows: sixCategories()})
	setSettings(t, env, types.Settings{})

	runStage(t, imp.Handlers()[StageCategories], types.Task{Action: StageCategories})

	tbl := mapping.New(env.Store, env.Namespace, "category")
	rootID, ok, err := tbl.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	childID, ok, err := tbl.Get(ctx, "c2")
	require.NoError(t, err)
	require.True(t, ok)

	fields, found, err := content.Get(ctx, "category", childID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rootID, fields["parent"])
}

func TestRerunSkipsAlreadyMapped(t *testing.T) {
	ctx := context.Background()
	content := contentstore.NewMemory()
	env := testEnv(t, content)
	imp := New(env, &StaticSource{CategoryRows: sixCategories()})
	setSettings(t, env, types.Settings{"page_size": 2})

	h := imp.Handlers()[StageCategories]
	runStage(t, h, types.Task{Action: StageCategories})
	tbl := mapping.New(env.Store, env.Namespace, "category")
	firstID, _, err := tbl.Get(ctx, "c1")
	require.NoError(t, err)

	last, next := runStage(t, h, types.Task{Action: StageCategories})

	assert.Equal(t, 0, last.Imported)
	assert.Equal(t, 6, last.Skipped)
	require.NotNil(t, next)
	assert.Equal(t, StageTags, next.Action)

	// No second target entity for any source row.
	assert.Equal(t, 6, content.Count("category"))
	againID, _, err := tbl.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, firstID, againID)
}

func TestRerunUpdatesWhenConfigured(t *testing.T) {
	ctx := context.Background()
	content := contentstore.NewMemory()
	env := testEnv(t, content)
	src := &StaticSource{TagRows: []Tag{{ID: "t1", Name: "wifi"}}}
	imp := New(env, src)
	setSettings(t, env, types.Settings{"update_existing": true})

	h := imp.Handlers()[StageTags]
	runStage(t, h, types.Task{Action: StageTags})

	src.TagRows[0].Name = "free wifi"
	last, _ := runStage(t, h, types.Task{Action: StageTags})
	assert.Equal(t, 1, last.Updated)
	assert.Equal(t, 0, last.Skipped)

	id, _, err := mapping.New(env.Store, env.Namespace, "tag").Get(ctx, "t1")
	require.NoError(t, err)
	fields, _, err := content.Get(ctx, "tag", id)
	require.NoError(t, err)
	assert.Equal(t, "free wifi", fields["name"])
	assert.Equal(t, 1, content.Count("tag"))
}

// failingStore rejects creates whose name matches, standing in for a target
// system that refuses individual rows.
type failingStore struct {
	contentstore.Store
	rejectName string
}

func (f *failingStore) Create(ctx context.Context, kind string, fields contentstore.Fields) (int64, error) {
	if fields["name"] == f.rejectName {
		return 0, errors.New("target rejected entity")
	}
	return f.Store.Create(ctx, kind, fields)
}

func TestRowFailureDoesNotStopStage(t *testing.T) {
	ctx := context.Background()
	content := contentstore.NewMemory()
	env := testEnv(t, &failingStore{Store: content, rejectName: "poison"})
	imp := New(env, &StaticSource{TagRows: []Tag{
		{ID: "t1", Name: "wifi"},
		{ID: "t2", Name: "poison"},
		{ID: "t3", Name: "parking"},
	}})
	setSettings(t, env, types.Settings{"page_size": 1})

	last, next := runStage(t, imp.Handlers()[StageTags], types.Task{Action: StageTags})

	assert.Equal(t, 2, last.Imported)
	assert.Equal(t, 1, last.Failed)
	require.NotNil(t, next)
	assert.Equal(t, StagePackages, next.Action)

	stats, err := env.Recorder.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Succeed)
	assert.Equal(t, 1, stats.Failed)

	entries, _, err := env.Recorder.Logs(ctx, 0)
	require.NoError(t, err)
	var sawFailure bool
	for _, e := range entries {
		if e.Status == types.LogError && strings.Contains(e.Message, "t2") {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure, "expected an error log entry for the rejected row")
}

func TestFreePackagesFoldOntoDefault(t *testing.T) {
	ctx := context.Background()
	content := contentstore.NewMemory()
	env := testEnv(t, content)
	imp := New(env, &StaticSource{PackageRows: []Package{
		{ID: "p1", Name: "Free", Cost: 0},
		{ID: "p2", Name: "Gold", Cost: 49.99},
	}})
	setSettings(t, env, types.Settings{"default_package_id": 7})

	last, _ := runStage(t, imp.Handlers()[StagePackages], types.Task{Action: StagePackages})

	assert.Equal(t, 1, last.Imported)
	assert.Equal(t, 1, last.Skipped)
	assert.Equal(t, 1, content.Count("package"))

	tbl := mapping.New(env.Store, env.Namespace, "package")
	id, ok, err := tbl.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestListingReferencesResolve(t *testing.T) {
	ctx := context.Background()
	content := contentstore.NewMemory()
	env := testEnv(t, content)
	src := &StaticSource{
		CategoryRows:    []Category{{ID: "c1", Name: "Restaurants"}},
		PackageRows:     []Package{{ID: "p1", Name: "Gold", Cost: 10}},
		CustomFieldRows: []CustomField{{ID: "f1", Label: "Cuisine", Type: "text"}},
		ListingRows: []Listing{{
			ID:          "l1",
			Title:       "Mario's",
			CategoryIDs: []string{"c1", "ghost"},
			PackageID:   "p1",
			Fields:      map[string]string{"f1": "Italian", "unknown": "dropped"},
		}},
	}
	imp := New(env, src)
	setSettings(t, env, types.Settings{})
	handlers := imp.Handlers()

	runStage(t, handlers[StageCategories], types.Task{Action: StageCategories})
	runStage(t, handlers[StagePackages], types.Task{Action: StagePackages})
	runStage(t, handlers[StageCustomFields], types.Task{Action: StageCustomFields})
	last, _ := runStage(t, handlers[StageListings], types.Task{Action: StageListings})
	assert.Equal(t, 1, last.Imported)

	catID, _, err := mapping.New(env.Store, env.Namespace, "category").Get(ctx, "c1")
	require.NoError(t, err)
	pkgID, _, err := mapping.New(env.Store, env.Namespace, "package").Get(ctx, "p1")
	require.NoError(t, err)
	lstID, _, err := mapping.New(env.Store, env.Namespace, "listing").Get(ctx, "l1")
	require.NoError(t, err)

	fields, found, err := content.Get(ctx, "listing", lstID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int64{catID}, fields["categories"])
	assert.Equal(t, pkgID, fields["package"])

	fieldID, _, err := mapping.New(env.Store, env.Namespace, "custom_field").Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		strconv.FormatInt(fieldID, 10): "Italian",
	}, fields["custom_fields"])

	entries, _, err := env.Recorder.Logs(ctx, 0)
	require.NoError(t, err)
	var sawDangling bool
	for _, e := range entries {
		if e.Status == types.LogWarning && strings.Contains(e.Message, "ghost") {
			sawDangling = true
		}
	}
	assert.True(t, sawDangling, "expected a warning for the dangling category reference")
}

func TestOptionalStagesSkipWithWarning(t *testing.T) {
	ctx := context.Background()
	env := testEnv(t, contentstore.NewMemory())
	imp := New(env, &StaticSource{NoCustomFields: true, NoReviews: true})
	setSettings(t, env, types.Settings{})
	handlers := imp.Handlers()

	next, err := handlers[StageCustomFields](ctx, types.Task{Action: StageCustomFields})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, StageListings, next.Action)

	// Reviews is the last stage, so skipping it finishes the pipeline.
	next, err = handlers[StageReviews](ctx, types.Task{Action: StageReviews})
	require.NoError(t, err)
	assert.Nil(t, next)

	entries, _, err := env.Recorder.Logs(ctx, 0)
	require.NoError(t, err)
	var warnings int
	for _, e := range entries {
		if e.Status == types.LogWarning {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestReviewRequiresKnownListing(t *testing.T) {
	env := testEnv(t, contentstore.NewMemory())
	imp := New(env, &StaticSource{ReviewRows: []Review{
		{ID: "r1", ListingID: "nowhere", Rating: 5},
	}})
	setSettings(t, env, types.Settings{})

	last, next := runStage(t, imp.Handlers()[StageReviews], types.Task{Action: StageReviews})
	assert.Equal(t, 1, last.Failed)
	assert.Equal(t, 0, last.Imported)
	assert.Nil(t, next)
}

func TestValidateSettings(t *testing.T) {
	imp := New(testEnv(t, contentstore.NewMemory()), &StaticSource{})

	tests := []struct {
		name     string
		settings types.Settings
		wantErr  bool
	}{
		{name: "empty", settings: types.Settings{}},
		{name: "full", settings: types.Settings{"page_size": 25, "update_existing": true, "default_package_id": 3}},
		{name: "json round trip numbers", settings: types.Settings{"page_size": float64(25), "default_package_id": float64(3)}},
		{name: "zero page size", settings: types.Settings{"page_size": 0}, wantErr: true},
		{name: "fractional page size", settings: types.Settings{"page_size": 2.5}, wantErr: true},
		{name: "string update flag", settings: types.Settings{"update_existing": "yes"}, wantErr: true},
		{name: "negative default package", settings: types.Settings{"default_package_id": -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := imp.ValidateSettings(tt.settings)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStaticSourcePaging(t *testing.T) {
	src := &StaticSource{TagRows: []Tag{{ID: "1"}, {ID: "2"}, {ID: "3"}}}
	ctx := context.Background()

	rows, err := src.Tags(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = src.Tags(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = src.Tags(ctx, 3, 2)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = src.Tags(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

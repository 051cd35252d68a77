package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, 25, cfg.Engine.BatchSize)
	assert.Equal(t, 20*time.Second, time.Duration(cfg.Engine.SliceBudget))
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
store:
  backend: postgres
  postgres_dsn: postgres://localhost/dirmigrate?sslmode=disable
engine:
  batch_size: 10
  slice_budget: 5s
  safety_margin: 1s
  max_deferrals: 3
metrics:
  enabled: false
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "postgres://localhost/dirmigrate?sslmode=disable", cfg.Store.PostgresDSN)
	assert.Equal(t, 10, cfg.Engine.BatchSize)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.Engine.SliceBudget))
	assert.Equal(t, time.Second, time.Duration(cfg.Engine.SafetyMargin))
	assert.Equal(t, 3, cfg.Engine.MaxDeferrals)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a mapping"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "categories": [{"id": "c1", "name": "Restaurants"}],
  "listings": [{"id": "l1", "title": "Mario's", "category_ids": ["c1"]}],
  "no_reviews": true
}`), 0o644))

	src, err := LoadDataset(path)
	require.NoError(t, err)
	assert.Len(t, src.CategoryRows, 1)
	assert.Len(t, src.ListingRows, 1)
	assert.False(t, src.HasReviews())
	assert.True(t, src.HasCustomFields())
}

func TestLoadDatasetMissingFile(t *testing.T) {
	_, err := LoadDataset(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestBuildCLICommands(t *testing.T) {
	root := BuildCLI()

	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "status")
}

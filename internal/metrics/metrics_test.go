package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsAndServes(t *testing.T) {
	c := NewCollector()

	c.RecordTaskExecuted("phpld", 0.01)
	c.RecordTaskDeferred("phpld")
	c.RecordTaskDropped("phpld")
	c.RecordItems("phpld", 5, 2, 1)
	c.SetQueueDepth("phpld", 7)
	c.RunStarted()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, `dirmigrate_tasks_executed_total{importer="phpld"} 1`)
	assert.Contains(t, out, `dirmigrate_items_imported_total{importer="phpld"} 5`)
	assert.Contains(t, out, `dirmigrate_queue_depth{importer="phpld"} 7`)
	assert.Contains(t, out, `dirmigrate_runs_in_progress 1`)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	// No-ops, must not panic.
	c.RecordTaskExecuted("x", 1)
	c.RecordTaskDeferred("x")
	c.RecordTaskDropped("x")
	c.RecordItems("x", 1, 1, 1)
	c.SetQueueDepth("x", 1)
	c.RunStarted()
	c.RunFinished()
}

func TestSeparateCollectorsDoNotCollide(t *testing.T) {
	// Private registries allow multiple collectors per process.
	require.NotPanics(t, func() {
		_ = NewCollector()
		_ = NewCollector()
	})
}

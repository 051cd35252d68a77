// Package types defines the core domain records shared by the import engine.
package types

import "time"

// StageName identifies one named phase of an importer's pipeline,
// e.g. "categories" or "listings".
type StageName string

// Task is one unit of work belonging to a stage. It carries the resumption
// cursor into the stage's dataset plus the per-stage running counters, so a
// task can be persisted mid-stage and resumed by a later process.
type Task struct {
	// Action names the stage this task belongs to.
	Action StageName `json:"action"`
	// Offset is the cursor into the stage's dataset.
	Offset int `json:"offset"`

	// Per-stage running counters. They are carried on the task (not global)
	// and start from zero whenever the pipeline advances to a new stage.
	Imported int `json:"imported,omitempty"`
	Updated  int `json:"updated,omitempty"`
	Skipped  int `json:"skipped,omitempty"`
	Failed   int `json:"failed,omitempty"`

	// Deferrals counts consecutive slices that lacked the time budget to run
	// this task. The executor drops the task once a cap is exceeded.
	Deferrals int `json:"deferrals,omitempty"`

	// Payload holds stage-specific data, if any.
	Payload map[string]any `json:"payload,omitempty"`
}

// Batch is a bounded group of tasks enqueued together. Tasks within a batch
// are processed strictly in order.
type Batch struct {
	Tasks []Task `json:"tasks"`
}

// Stats holds the four monotonically non-decreasing counters of one import
// run. Total is set by a stage as soon as the dataset size is known; the
// other three are incremented as items complete.
type Stats struct {
	Total   int `json:"total"`
	Succeed int `json:"succeed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// LogStatus classifies a log entry.
type LogStatus string

const (
	LogInfo    LogStatus = "info"
	LogWarning LogStatus = "warning"
	LogError   LogStatus = "error"
	LogSuccess LogStatus = "success"
)

// LogEntry is one timestamped status message of an import run. Entries are
// append-only; a poller reads them with a skip cursor.
type LogEntry struct {
	Message string    `json:"message"`
	Status  LogStatus `json:"status"`
	Time    time.Time `json:"time"`
}

// Settings is the validated configuration snapshot of one import run. It is
// persisted at run start and reloaded by stage handlers on resume, so the
// concrete shape is owned by each importer.
type Settings map[string]any

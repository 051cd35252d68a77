// Package queue implements the persisted, strictly FIFO backlog of task
// batches for one importer run. Every mutation is written back to the option
// store before the executor moves on, so the queue survives a process killed
// mid-run.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/openlistings/dirmigrate/internal/optionstore"
	"github.com/openlistings/dirmigrate/pkg/types"
)

const queueKey = "queue"

// DefaultBatchSize caps how many tasks one batch may hold.
const DefaultBatchSize = 20

// Queue is the ordered backlog of batches for one importer run. Batches drain
// in creation order and tasks drain in order within a batch.
type Queue struct {
	store     optionstore.Store
	key       string
	batchSize int

	mu      sync.Mutex
	batches []types.Batch
	loaded  bool
}

// New opens the queue under the importer namespace ns. batchSize bounds the
// tasks per batch created by Enqueue; non-positive values fall back to
// DefaultBatchSize.
func New(store optionstore.Store, ns string, batchSize int) *Queue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Queue{store: store, key: ns + queueKey, batchSize: batchSize}
}

// Enqueue splits tasks into batches of at most the configured batch size,
// appends them and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, tasks []types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return err
	}
	for start := 0; start < len(tasks); start += q.batchSize {
		end := start + q.batchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		batch := types.Batch{Tasks: make([]types.Task, end-start)}
		copy(batch.Tasks, tasks[start:end])
		q.batches = append(q.batches, batch)
	}
	return q.persistLocked(ctx)
}

// Peek returns a copy of the next task without consuming it.
func (q *Queue) Peek(ctx context.Context) (types.Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return types.Task{}, false, err
	}
	if len(q.batches) == 0 {
		return types.Task{}, false, nil
	}
	return q.batches[0].Tasks[0], true, nil
}

// ReplaceHead swaps the head task for t and persists. Used when a stage
// handler returns a follow-up or next-stage task.
func (q *Queue) ReplaceHead(ctx context.Context, t types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return err
	}
	if len(q.batches) == 0 {
		return fmt.Errorf("replace head of empty queue")
	}
	q.batches[0].Tasks[0] = t
	return q.persistLocked(ctx)
}

// Pop consumes the head task permanently, dropping its batch once emptied.
func (q *Queue) Pop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return err
	}
	if len(q.batches) == 0 {
		return fmt.Errorf("pop from empty queue")
	}
	head := &q.batches[0]
	head.Tasks = head.Tasks[1:]
	if len(head.Tasks) == 0 {
		q.batches = q.batches[1:]
	}
	return q.persistLocked(ctx)
}

// Clear discards all remaining batches, as on abort.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = nil
	q.loaded = true
	if err := q.store.Delete(ctx, q.key); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// Len reports the number of pending tasks across all batches.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, b := range q.batches {
		n += len(b.Tasks)
	}
	return n, nil
}

// IsEmpty reports whether no pending tasks remain.
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Len(ctx)
	return n == 0, err
}

func (q *Queue) loadLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	var batches []types.Batch
	if _, err := q.store.Get(ctx, q.key, &batches); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	q.batches = batches
	q.loaded = true
	return nil
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if len(q.batches) == 0 {
		if err := q.store.Delete(ctx, q.key); err != nil {
			return fmt.Errorf("persist queue: %w", err)
		}
		return nil
	}
	if err := q.store.Set(ctx, q.key, q.batches); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

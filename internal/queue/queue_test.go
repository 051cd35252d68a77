package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlistings/dirmigrate/internal/optionstore"
	"github.com/openlistings/dirmigrate/pkg/types"
)

func makeTasks(n int) []types.Task {
	tasks := make([]types.Task, n)
	for i := range tasks {
		tasks[i] = types.Task{Action: "categories", Offset: i}
	}
	return tasks
}

func TestEnqueueSplitsIntoBatches(t *testing.T) {
	ctx := context.Background()
	store := optionstore.NewMemory()
	q := New(store, optionstore.Namespace("a"), 2)

	require.NoError(t, q.Enqueue(ctx, makeTasks(5)))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// 5 tasks with BatchSize=2 persist as batches of 2, 2 and 1.
	var batches []types.Batch
	found, err := store.Get(ctx, optionstore.Namespace("a")+"queue", &batches)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Tasks, 2)
	assert.Len(t, batches[1].Tasks, 2)
	assert.Len(t, batches[2].Tasks, 1)
}

func TestQueueDrainsFIFO(t *testing.T) {
	ctx := context.Background()
	q := New(optionstore.NewMemory(), optionstore.Namespace("a"), 2)
	require.NoError(t, q.Enqueue(ctx, makeTasks(5)))

	for want := 0; want < 5; want++ {
		task, ok, err := q.Peek(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, task.Offset)
		require.NoError(t, q.Pop(ctx))
	}

	empty, err := q.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	_, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplaceHead(t *testing.T) {
	ctx := context.Background()
	q := New(optionstore.NewMemory(), optionstore.Namespace("a"), 2)
	require.NoError(t, q.Enqueue(ctx, makeTasks(3)))

	require.NoError(t, q.ReplaceHead(ctx, types.Task{Action: "categories", Offset: 50}))

	task, ok, err := q.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 50, task.Offset)

	// Length is unchanged: replace is not an enqueue.
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestQueuePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := optionstore.NewMemory()
	ns := optionstore.Namespace("a")

	q := New(store, ns, 2)
	require.NoError(t, q.Enqueue(ctx, makeTasks(4)))
	require.NoError(t, q.Pop(ctx))

	// A new Queue instance over the same store resumes where the first one
	// stopped, exactly like a restarted process.
	resumed := New(store, ns, 2)
	task, ok, err := resumed.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, task.Offset)

	n, err := resumed.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestClearDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	store := optionstore.NewMemory()
	q := New(store, optionstore.Namespace("a"), 2)
	require.NoError(t, q.Enqueue(ctx, makeTasks(6)))

	require.NoError(t, q.Clear(ctx))

	empty, err := q.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	var batches []types.Batch
	found, err := store.Get(ctx, optionstore.Namespace("a")+"queue", &batches)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPopDeletesPersistedKeyWhenDrained(t *testing.T) {
	ctx := context.Background()
	store := optionstore.NewMemory()
	q := New(store, optionstore.Namespace("a"), 2)
	require.NoError(t, q.Enqueue(ctx, makeTasks(1)))
	require.NoError(t, q.Pop(ctx))

	var batches []types.Batch
	found, err := store.Get(ctx, optionstore.Namespace("a")+"queue", &batches)
	require.NoError(t, err)
	assert.False(t, found, "drained queue should not linger in the store")
}

func TestPopEmptyQueueFails(t *testing.T) {
	ctx := context.Background()
	q := New(optionstore.NewMemory(), optionstore.Namespace("a"), 2)

	require.Error(t, q.Pop(ctx))
	require.Error(t, q.ReplaceHead(ctx, types.Task{}))
}

func TestLaterEnqueueNeverOvertakes(t *testing.T) {
	ctx := context.Background()
	q := New(optionstore.NewMemory(), optionstore.Namespace("a"), 3)

	require.NoError(t, q.Enqueue(ctx, []types.Task{{Action: "categories", Offset: 0}}))
	require.NoError(t, q.Enqueue(ctx, []types.Task{{Action: "tags", Offset: 0}}))

	var order []string
	for {
		task, ok, err := q.Peek(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, fmt.Sprintf("%s/%d", task.Action, task.Offset))
		require.NoError(t, q.Pop(ctx))
	}
	assert.Equal(t, []string{"categories/0", "tags/0"}, order)
}

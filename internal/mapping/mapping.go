// Package mapping persists the source-ID to target-ID tables that make every
// import stage idempotent. One table exists per entity kind (category, tag,
// listing, ...), stored under the importer's namespace in the option store.
package mapping

import (
	"context"
	"fmt"

	"github.com/openlistings/dirmigrate/internal/optionstore"
)

// Table maps opaque source-system IDs of one entity kind to the IDs the
// content store assigned on first creation.
//
// Entries are first-write-wins: once a source ID is mapped, later writes with
// a different target ID do not replace it. That keeps re-running a stage (or
// resuming after a crash) from ever producing two target entities for the
// same source row.
type Table struct {
	store optionstore.Store
	key   string
}

// New opens the table for one entity kind under the importer namespace ns.
func New(store optionstore.Store, ns, kind string) *Table {
	return &Table{store: store, key: ns + kind + "_mapping"}
}

// Get looks up the target ID a source ID was mapped to.
func (t *Table) Get(ctx context.Context, sourceID string) (int64, bool, error) {
	entries, err := t.load(ctx)
	if err != nil {
		return 0, false, err
	}
	targetID, ok := entries[sourceID]
	return targetID, ok, nil
}

// Set records sourceID -> targetID and returns the effective target ID. If a
// mapping already exists it is kept and returned unchanged.
func (t *Table) Set(ctx context.Context, sourceID string, targetID int64) (int64, error) {
	entries, err := t.load(ctx)
	if err != nil {
		return 0, err
	}
	if existing, ok := entries[sourceID]; ok {
		return existing, nil
	}
	entries[sourceID] = targetID
	if err := t.store.Set(ctx, t.key, entries); err != nil {
		return 0, fmt.Errorf("persist mapping: %w", err)
	}
	return targetID, nil
}

// Len reports the number of mapped source IDs.
func (t *Table) Len(ctx context.Context) (int, error) {
	entries, err := t.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (t *Table) load(ctx context.Context) (map[string]int64, error) {
	entries := make(map[string]int64)
	if _, err := t.store.Get(ctx, t.key, &entries); err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	return entries, nil
}

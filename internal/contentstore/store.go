// Package contentstore defines the target system that receives imported
// entities. The engine treats it as an opaque collaborator with create,
// update and lookup operations; the real backing system lives outside this
// module.
package contentstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Update for an unknown entity ID.
var ErrNotFound = errors.New("entity not found")

// Fields is the loosely-typed attribute set of one target entity.
type Fields map[string]any

// Store is the content store contract used by stage handlers. Writes commit
// incrementally; handlers must not assume rollback across multiple calls.
type Store interface {
	// Create inserts a new entity of the given kind and returns its assigned ID.
	Create(ctx context.Context, kind string, fields Fields) (int64, error)
	// Update replaces the fields of an existing entity.
	Update(ctx context.Context, kind string, id int64, fields Fields) error
	// Get fetches an entity's fields.
	Get(ctx context.Context, kind string, id int64) (Fields, bool, error)
}

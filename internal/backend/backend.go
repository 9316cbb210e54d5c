// Package backend defines the durable storage port used by the document
// store. Implementations live in the sub packages.
package backend

import (
	"context"

	"github.com/devrev/pairdb/docstore/internal/model"
)

// Backend persists documents per collection. Every successful write mints
// a generation from a backend wide monotonic sequence; a row's generation
// only ever increases.
type Backend interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// Create inserts all docs atomically. It returns false and writes
	// nothing when any id already exists.
	Create(ctx context.Context, collection string, docs []*model.Document) ([]model.Row, bool, error)

	// Update applies op to the row at baseGeneration, where 0 means the
	// row must be absent. It returns nil when the row has moved on, which
	// callers treat as a conflict to retry after a reload.
	Update(ctx context.Context, collection, id string, baseGeneration uint64, op *model.UpdateOp) (*model.Committed, error)

	// Read returns the row for id, or nil when absent.
	Read(ctx context.Context, collection, id string) (*model.Row, error)

	// RangeRead returns up to limit rows with fromExclusive < id <
	// toExclusive in id order. Each row is a committed state.
	RangeRead(ctx context.Context, collection, fromExclusive, toExclusive string, limit int) ([]model.Row, error)

	// Delete removes the given ids. Missing ids are ignored.
	Delete(ctx context.Context, collection string, ids []string) error

	Ping(ctx context.Context) error
	Close() error
}

// NextGeneration returns the generation for a write replacing a row at
// prev, given the next value of the backend sequence.
func NextGeneration(seq, prev uint64) uint64 {
	if seq > prev {
		return seq
	}
	return prev + 1
}

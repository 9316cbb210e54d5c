// Package memory implements an in-process backend on ordered skip lists.
package memory

import (
	"context"
	"sync"

	"github.com/devrev/pairdb/docstore/internal/backend"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/skiplist"
)

// Backend keeps rows in memory. A single lock makes every write and range
// read atomic.
type Backend struct {
	mu          sync.RWMutex
	collections map[string]*skiplist.SkipList[model.Row]
	sequence    uint64
	closed      bool
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty memory backend
func New() *Backend {
	return &Backend{collections: make(map[string]*skiplist.SkipList[model.Row])}
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) rows(collection string) *skiplist.SkipList[model.Row] {
	sl, ok := b.collections[collection]
	if !ok {
		sl = skiplist.New[model.Row]()
		b.collections[collection] = sl
	}
	return sl
}

func (b *Backend) nextGeneration(prev uint64) uint64 {
	b.sequence = backend.NextGeneration(b.sequence+1, prev)
	return b.sequence
}

func (b *Backend) Create(_ context.Context, collection string, docs []*model.Document) ([]model.Row, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, errors.Closed("memory backend")
	}

	sl := b.rows(collection)
	for _, d := range docs {
		if _, exists := sl.Search(d.ID()); exists {
			return nil, false, nil
		}
	}

	rows := make([]model.Row, len(docs))
	for i, d := range docs {
		rows[i] = model.Row{Document: d, Generation: b.nextGeneration(0)}
		sl.Insert(d.ID(), rows[i])
	}
	return rows, true, nil
}

func (b *Backend) Update(_ context.Context, collection, id string, baseGeneration uint64, op *model.UpdateOp) (*model.Committed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.Closed("memory backend")
	}

	sl := b.rows(collection)
	current, exists := sl.Search(id)
	switch {
	case !exists && baseGeneration != 0:
		return nil, nil
	case exists && current.Generation != baseGeneration:
		return nil, nil
	}

	updated, err := model.Apply(current.Document, op)
	if err != nil {
		return nil, err
	}
	gen := b.nextGeneration(current.Generation)
	sl.Insert(id, model.Row{Document: updated, Generation: gen})
	return &model.Committed{Generation: gen, Previous: current.Document}, nil
}

func (b *Backend) Read(_ context.Context, collection, id string) (*model.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.Closed("memory backend")
	}

	sl, ok := b.collections[collection]
	if !ok {
		return nil, nil
	}
	row, exists := sl.Search(id)
	if !exists {
		return nil, nil
	}
	return &row, nil
}

func (b *Backend) RangeRead(_ context.Context, collection, fromExclusive, toExclusive string, limit int) ([]model.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.Closed("memory backend")
	}

	sl, ok := b.collections[collection]
	if !ok {
		return nil, nil
	}
	var rows []model.Row
	for it := sl.SeekAfter(fromExclusive); len(rows) < limit && it.Next(); {
		if it.Key() >= toExclusive {
			break
		}
		rows = append(rows, it.Value())
	}
	return rows, nil
}

func (b *Backend) Delete(_ context.Context, collection string, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.Closed("memory backend")
	}

	if sl, ok := b.collections[collection]; ok {
		for _, id := range ids {
			sl.Delete(id)
		}
	}
	return nil
}

func (b *Backend) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.Closed("memory backend")
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.collections = nil
	return nil
}

package query

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/devrev/pairdb/docstore/internal/codec"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/google/btree"
	"go.uber.org/zap"
)

const btreeDegree = 32

// PropertyIndexDefinition declares an index on one property. Only nodes
// at or below one of Paths are indexed; no paths means the whole tree.
type PropertyIndexDefinition struct {
	Name     string
	Property string
	Paths    []string
}

// Covers reports whether path lies inside the indexed subtree.
func (d PropertyIndexDefinition) Covers(path string) bool {
	if len(d.Paths) == 0 {
		return true
	}
	for _, p := range d.Paths {
		if p == path || model.IsAncestor(p, path) {
			return true
		}
	}
	return false
}

type indexEntry struct {
	value string
	path  string
}

func entryLess(a, b indexEntry) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	return a.path < b.path
}

// IndexState holds property index definitions and their content. Entries
// are ordered by (encoded value, path).
type IndexState struct {
	defs    map[string]PropertyIndexDefinition
	content map[string]*btree.BTreeG[indexEntry]
}

// NewIndexState returns an empty state with one index per definition.
// A later definition for the same property replaces an earlier one.
func NewIndexState(defs ...PropertyIndexDefinition) *IndexState {
	s := &IndexState{
		defs:    make(map[string]PropertyIndexDefinition, len(defs)),
		content: make(map[string]*btree.BTreeG[indexEntry], len(defs)),
	}
	for _, d := range defs {
		if d.Name == "" {
			d.Name = d.Property
		}
		s.defs[d.Property] = d
		s.content[d.Property] = btree.NewG(btreeDegree, entryLess)
	}
	return s
}

// Definition returns the index definition for property.
func (s *IndexState) Definition(property string) (PropertyIndexDefinition, bool) {
	d, ok := s.defs[property]
	return d, ok
}

// Definitions returns all definitions ordered by property.
func (s *IndexState) Definitions() []PropertyIndexDefinition {
	out := make([]PropertyIndexDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b PropertyIndexDefinition) int {
		if a.Property < b.Property {
			return -1
		}
		if a.Property > b.Property {
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of entries indexed for property.
func (s *IndexState) Len(property string) int {
	t, ok := s.content[property]
	if !ok {
		return 0
	}
	return t.Len()
}

func indexKey(value any) (string, error) {
	return codec.Encode(value)
}

// Insert adds (value, path) to the index on property. Paths the index does
// not cover and properties without an index are ignored.
func (s *IndexState) Insert(property string, value any, path string) error {
	t, ok := s.content[property]
	if !ok || !s.defs[property].Covers(path) {
		return nil
	}
	key, err := indexKey(value)
	if err != nil {
		return fmt.Errorf("index %s: %w", property, err)
	}
	t.ReplaceOrInsert(indexEntry{value: key, path: path})
	return nil
}

// Remove deletes (value, path) from the index on property.
func (s *IndexState) Remove(property string, value any, path string) error {
	t, ok := s.content[property]
	if !ok {
		return nil
	}
	key, err := indexKey(value)
	if err != nil {
		return fmt.Errorf("index %s: %w", property, err)
	}
	t.Delete(indexEntry{value: key, path: path})
	return nil
}

// IndexDocument replaces the entries of the node at path, previously
// described by prev, with the newest property values of next. Either
// document may be nil.
func (s *IndexState) IndexDocument(path string, prev, next *model.Document) error {
	for property := range s.defs {
		if prev != nil {
			if v, ok := indexedValue(prev, property); ok {
				if err := s.Remove(property, v, path); err != nil {
					return err
				}
			}
		}
		if next != nil && !isDeleted(next) {
			if v, ok := indexedValue(next, property); ok {
				if err := s.Insert(property, v, path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func indexedValue(doc *model.Document, property string) (any, bool) {
	v, ok := model.LatestValue(doc, property)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ascend calls fn for the entries of property whose value is one of
// values, or for every entry when values is nil. Iteration stops when fn
// returns false.
func (s *IndexState) ascend(property string, values []any, fn func(value, path string) bool) error {
	t, ok := s.content[property]
	if !ok {
		return nil
	}
	if values == nil {
		t.Ascend(func(e indexEntry) bool { return fn(e.value, e.path) })
		return nil
	}

	keys := make([]string, 0, len(values))
	for _, v := range values {
		key, err := indexKey(v)
		if err != nil {
			return fmt.Errorf("index %s: %w", property, err)
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	for _, key := range keys {
		more := true
		t.AscendGreaterOrEqual(indexEntry{value: key}, func(e indexEntry) bool {
			if e.value != key {
				return false
			}
			more = fn(e.value, e.path)
			return more
		})
		if !more {
			break
		}
	}
	return nil
}

// Clone returns a copy that later changes to either state do not affect.
// Cloning is cheap: tree nodes are shared until written.
func (s *IndexState) Clone() *IndexState {
	c := &IndexState{
		defs:    make(map[string]PropertyIndexDefinition, len(s.defs)),
		content: make(map[string]*btree.BTreeG[indexEntry], len(s.content)),
	}
	for k, d := range s.defs {
		c.defs[k] = d
	}
	for k, t := range s.content {
		c.content[k] = t.Clone()
	}
	return c
}

// NodeReader reads node documents. *service.DocumentStore satisfies it.
type NodeReader interface {
	Find(ctx context.Context, collection, id string) (*model.Document, error)
	Query(ctx context.Context, collection, fromExclusive, toExclusive string, limit int) ([]*model.Document, error)
}

// Indexer maintains the live index state from committed node documents
// and hands out snapshots to queries.
type Indexer struct {
	mu      sync.Mutex
	state   *IndexState
	indexed map[string]indexedNode
	logger  *zap.Logger
}

// indexedNode remembers what was indexed for a path so it can be removed
// without the previous document.
type indexedNode struct {
	doc        *model.Document
	generation uint64
}

// NewIndexer returns an indexer with empty indexes for defs.
func NewIndexer(logger *zap.Logger, defs ...PropertyIndexDefinition) *Indexer {
	return &Indexer{
		state:   NewIndexState(defs...),
		indexed: make(map[string]indexedNode),
		logger:  logger,
	}
}

// Snapshot returns an immutable view for one query.
func (ix *Indexer) Snapshot() *IndexState {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state.Clone()
}

// Apply indexes doc as the content of path at generation. A nil doc
// removes path. Changes older than what is already indexed are ignored.
func (ix *Indexer) Apply(path string, doc *model.Document, generation uint64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	prev, seen := ix.indexed[path]
	if doc != nil && seen && generation < prev.generation {
		return nil
	}
	if err := ix.state.IndexDocument(path, prev.doc, doc); err != nil {
		return err
	}
	if doc == nil {
		delete(ix.indexed, path)
	} else {
		ix.indexed[path] = indexedNode{doc: doc, generation: generation}
	}
	return nil
}

// OnCommit matches service.CommitListener. Documents of other collections
// are ignored.
func (ix *Indexer) OnCommit(collection, id string, doc *model.Document, generation uint64) {
	if collection != model.CollectionNodes {
		return
	}
	path, err := model.PathFromID(id)
	if err != nil {
		ix.logger.Debug("Skipping document without node path", zap.String("id", id))
		return
	}
	if err := ix.Apply(path, doc, generation); err != nil {
		ix.logger.Warn("Failed to update indexes", zap.String("path", path), zap.Error(err))
	}
}

// Rebuild discards the indexed content and reindexes every node document
// reachable from the root. Commits applied while it runs are kept when
// they are newer than the rebuilt content.
func (ix *Indexer) Rebuild(ctx context.Context, reader NodeReader, batchSize int) (int, error) {
	ix.mu.Lock()
	defs := make([]PropertyIndexDefinition, 0, len(ix.state.defs))
	for _, d := range ix.state.defs {
		defs = append(defs, d)
	}
	ix.mu.Unlock()

	fresh := NewIndexState(defs...)
	nodes := make(map[string]indexedNode)
	walker := &treeWalker{reader: reader, batchSize: batchSize}
	for node, err := range walker.walk(ctx, "/", true) {
		if err != nil {
			return len(nodes), err
		}
		if err := fresh.IndexDocument(node.path, nil, node.doc); err != nil {
			return len(nodes), err
		}
		nodes[node.path] = indexedNode{doc: node.doc}
	}

	ix.mu.Lock()
	ix.state = fresh
	for path, n := range ix.indexed {
		if n.generation > 0 {
			// committed through the store during the walk
			if err := fresh.IndexDocument(path, nodes[path].doc, n.doc); err != nil {
				ix.mu.Unlock()
				return len(nodes), err
			}
			nodes[path] = n
		}
	}
	ix.indexed = nodes
	ix.mu.Unlock()

	ix.logger.Info("Rebuilt property indexes", zap.Int("nodes", len(nodes)), zap.Int("indexes", len(defs)))
	return len(nodes), nil
}

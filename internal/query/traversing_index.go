package query

import (
	"context"
	"iter"
	"math"

	"github.com/devrev/pairdb/docstore/internal/model"
)

// DefaultTraversalBatch is the number of children read per range query.
const DefaultTraversalBatch = 100

type node struct {
	path string
	doc  *model.Document
}

// treeWalker visits node documents breadth first, one depth at a time.
type treeWalker struct {
	reader    NodeReader
	batchSize int
}

// walk yields the descendants of path in depth order, preceded by path
// itself when includeSelf is set.
func (w *treeWalker) walk(ctx context.Context, path string, includeSelf bool) iter.Seq2[node, error] {
	return func(yield func(node, error) bool) {
		if includeSelf {
			doc, err := w.reader.Find(ctx, model.CollectionNodes, model.IDFromPath(path))
			if err != nil {
				yield(node{}, err)
				return
			}
			if doc != nil && !yield(node{path: path, doc: doc}, nil) {
				return
			}
		}

		level := []string{path}
		for len(level) > 0 {
			var next []string
			for _, parent := range level {
				for child, err := range w.children(ctx, parent) {
					if err != nil {
						yield(node{}, err)
						return
					}
					if !yield(child, nil) {
						return
					}
					next = append(next, child.path)
				}
			}
			level = next
		}
	}
}

// children yields the direct children of parent in id order.
func (w *treeWalker) children(ctx context.Context, parent string) iter.Seq2[node, error] {
	batch := w.batchSize
	if batch <= 0 {
		batch = DefaultTraversalBatch
	}
	return func(yield func(node, error) bool) {
		from, to := model.KeyLowerLimit(parent), model.KeyUpperLimit(parent)
		for {
			if err := ctx.Err(); err != nil {
				yield(node{}, err)
				return
			}
			docs, err := w.reader.Query(ctx, model.CollectionNodes, from, to, batch)
			if err != nil {
				yield(node{}, err)
				return
			}
			for _, doc := range docs {
				path, err := model.PathFromID(doc.ID())
				if err != nil {
					yield(node{}, err)
					return
				}
				if !yield(node{path: path, doc: doc}, nil) {
					return
				}
			}
			if len(docs) < batch {
				return
			}
			from = docs[len(docs)-1].ID()
		}
	}
}

// TraversingIndex answers any filter by reading node documents under the
// filter path and evaluating the filter on each of them. It is the
// planner's fallback and is never a candidate itself.
type TraversingIndex struct {
	walker *treeWalker
}

var _ QueryIndex = (*TraversingIndex)(nil)

// NewTraversingIndex reads nodes through reader, batchSize children at a time.
func NewTraversingIndex(reader NodeReader, batchSize int) *TraversingIndex {
	return &TraversingIndex{walker: &treeWalker{reader: reader, batchSize: batchSize}}
}

func (t *TraversingIndex) Name() string { return "traverse" }

// Cost is finite but larger than any index can report.
func (t *TraversingIndex) Cost(f Filter, root *IndexState) float64 {
	return math.MaxFloat64
}

func (t *TraversingIndex) Query(ctx context.Context, f Filter, root *IndexState) Cursor {
	return NewCursor(func(yield func(string, error) bool) {
		start, includeSelf := scope(f), true
		switch f.PathRestriction() {
		case PathAllChildren:
			includeSelf = false
		case PathExact:
			doc, err := t.walker.reader.Find(ctx, model.CollectionNodes, model.IDFromPath(start))
			if err != nil {
				yield("", err)
				return
			}
			if doc != nil && Matches(f, start, doc) {
				yield(start, nil)
			}
			return
		case PathDirectChildren:
			for child, err := range t.walker.children(ctx, start) {
				if err != nil {
					yield("", err)
					return
				}
				if Matches(f, child.path, child.doc) && !yield(child.path, nil) {
					return
				}
			}
			return
		}

		for n, err := range t.walker.walk(ctx, start, includeSelf) {
			if err != nil {
				yield("", err)
				return
			}
			if Matches(f, n.path, n.doc) && !yield(n.path, nil) {
				return
			}
		}
	})
}

func (t *TraversingIndex) Plan(f Filter, root *IndexState) string {
	return "traverse " + f.String()
}

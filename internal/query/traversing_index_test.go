package query

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingReader counts range queries issued against the wrapped reader.
type countingReader struct {
	NodeReader
	queries int
	fail    error
}

func (r *countingReader) Query(ctx context.Context, collection, from, to string, limit int) ([]*model.Document, error) {
	r.queries++
	if r.fail != nil {
		return nil, r.fail
	}
	return r.NodeReader.Query(ctx, collection, from, to, limit)
}

func TestTraversingIndex_Query(t *testing.T) {
	s := newTestStore(t)
	writeTree(t, s, contentTree)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all descendants", NewFilter("/content"),
			[]string{"/content/a", "/content/b", "/content/b/c"}},
		{"direct children", NewFilter("/content").WithPathRestriction(PathDirectChildren),
			[]string{"/content/a", "/content/b"}},
		{"exact", NewFilter("/content/b").WithPathRestriction(PathExact),
			[]string{"/content/b"}},
		{"exact deleted", NewFilter("/content/b/e").WithPathRestriction(PathExact), nil},
		{"exact missing", NewFilter("/missing").WithPathRestriction(PathExact), nil},
		{"whole tree", NewFilter("/content").WithPathRestriction(PathNoRestriction),
			[]string{"/", "/content", "/other", "/content/a", "/content/b", "/content/b/c"}},
		{"property", NewFilter("/").WithPropertyValues("color", "red"),
			[]string{"/other", "/content/a", "/content/b/c"}},
		{"node type", NewFilter("/").WithNodeTypes([]string{"nt:folder"}, []string{"mix:versionable"}),
			[]string{"/content", "/other", "/content/a", "/content/b/c"}},
		{"leaf", NewFilter("/content/a"), nil},
	}
	for _, batch := range []int{1, 2, 0} {
		idx := NewTraversingIndex(s, batch)
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, collect(t, idx.Query(context.Background(), tt.filter, nil)), "batch %d", batch)
			})
		}
	}
}

func TestTraversingIndex_Paging(t *testing.T) {
	s := newTestStore(t)
	writeTree(t, s, contentTree)
	reader := &countingReader{NodeReader: s}
	idx := NewTraversingIndex(reader, 1)

	f := NewFilter("/content/b").WithPathRestriction(PathDirectChildren)
	assert.Equal(t, []string{"/content/b/c"}, collect(t, idx.Query(context.Background(), f, nil)))
	// c, e, then an empty page
	assert.Equal(t, 3, reader.queries)
}

func TestTraversingIndex_Abandon(t *testing.T) {
	s := newTestStore(t)
	writeTree(t, s, contentTree)
	reader := &countingReader{NodeReader: s}
	idx := NewTraversingIndex(reader, 1)

	c := idx.Query(context.Background(), NewFilter("/"), nil)
	require.True(t, c.Next())
	assert.Equal(t, "/content", c.Path())
	c.Close()
	assert.Equal(t, 1, reader.queries)
	assert.False(t, c.Next())
}

func TestTraversingIndex_Errors(t *testing.T) {
	s := newTestStore(t)
	writeTree(t, s, contentTree)

	boom := stderrors.New("backend down")
	idx := NewTraversingIndex(&countingReader{NodeReader: s, fail: boom}, 10)
	_, err := Collect(idx.Query(context.Background(), NewFilter("/content"), nil))
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Collect(NewTraversingIndex(s, 10).Query(ctx, NewFilter("/content"), nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTraversingIndex_Cost(t *testing.T) {
	idx := NewTraversingIndex(nil, 0)
	f := NewFilter("/")
	assert.Equal(t, math.MaxFloat64, idx.Cost(f, nil))
	assert.False(t, math.IsInf(idx.Cost(f, nil), 1))
	assert.Equal(t, "traverse "+f.String(), idx.Plan(f, nil))
}

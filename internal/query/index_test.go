package query

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func requireMisuse(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		assert.True(t, stderrors.Is(err, ErrIndexMisuse), "unexpected panic: %v", err)
	}()
	fn()
}

func TestPropertyIndexLookup(t *testing.T) {
	_, ix := indexedTree(t, append(typeIndexes, colorIndex)...)
	lookup := NewPropertyIndexLookup(ix.Snapshot())

	assert.True(t, lookup.IsIndexed("color", "/content"))
	assert.True(t, lookup.IsIndexed("color", "/content/b/c"))
	assert.False(t, lookup.IsIndexed("color", "/other"))
	assert.False(t, lookup.IsIndexed("size", "/content"))

	content := NewFilter("/content")
	tests := []struct {
		name     string
		filter   Filter
		property string
		values   []any
		cost     float64
		paths    []string
	}{
		{"one value", content, "color", []any{"red"}, 4, []string{"/content/a", "/content/b/c"}},
		{"two values", content, "color", []any{"red", "blue"}, 5,
			[]string{"/content/b", "/content/a", "/content/b/c"}},
		{"any value", content, "color", nil, 5,
			[]string{"/content/b", "/content/a", "/content/b/c"}},
		{"no values", content, "color", []any{}, 2, nil},
		{"unknown value", content, "color", []any{"green"}, 2, nil},
		{"path restriction applies to results", NewFilter("/content/b"), "color", []any{"red"}, 4,
			[]string{"/content/b/c"}},
		{"primary type across tree", NewFilter("/"), model.PropertyPrimaryType, []any{"nt:file"}, 4,
			[]string{"/content/a", "/content/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.cost, lookup.Cost(tt.filter, tt.property, tt.values))
			assert.Equal(t, tt.paths, collect(t, lookup.Query(tt.filter, tt.property, tt.values)))
		})
	}

	assert.True(t, math.IsInf(lookup.Cost(NewFilter("/other"), "color", []any{"red"}), 1))
	requireMisuse(t, func() { lookup.Query(NewFilter("/other"), "color", []any{"red"}) })
}

func TestNodeTypeIndex(t *testing.T) {
	_, ix := indexedTree(t, typeIndexes...)
	root := ix.Snapshot()
	idx := NodeTypeIndex{}

	files := NewFilter("/").WithNodeTypes([]string{"nt:file"}, []string{"mix:versionable"})
	// nt:file has 2 entries, mix:versionable 2 more; each lookup adds 2
	assert.Equal(t, 8.0, idx.Cost(files, root))
	assert.Equal(t, []string{"/content/a", "/content/b", "/content/b/c"}, collect(t, idx.Query(context.Background(), files, root)))

	folders := NewFilter("/").WithNodeTypes([]string{"nt:folder"}, nil)
	assert.Equal(t, 6.0, idx.Cost(folders, root))
	assert.ElementsMatch(t, []string{"/content", "/other"}, collect(t, idx.Query(context.Background(), folders, root)))
	assert.Equal(t, "nodeType "+folders.String(), idx.Plan(folders, root))

	untyped := NewFilter("/").WithPropertyValues("color", "red")
	assert.True(t, math.IsInf(idx.Cost(untyped, root), 1))
	requireMisuse(t, func() { idx.Query(context.Background(), untyped, root) })

	// without both type indexes the index does not apply
	partial := NewIndexState(PropertyIndexDefinition{Property: model.PropertyPrimaryType})
	assert.True(t, math.IsInf(idx.Cost(folders, partial), 1))
}

func TestPropertyIndex(t *testing.T) {
	_, ix := indexedTree(t, colorIndex, PropertyIndexDefinition{Property: "size"})
	root := ix.Snapshot()
	idx := PropertyIndex{}

	f := NewFilter("/content").
		WithPropertyValues("color", "blue").
		WithPropertyValues("shape", "round")
	assert.Equal(t, 3.0, idx.Cost(f, root))
	assert.Equal(t, []string{"/content/b"}, collect(t, idx.Query(context.Background(), f, root)))
	assert.Contains(t, idx.Plan(f, root), "color in (blue)")

	// cheapest restriction wins
	cheaper := NewFilter("/content").
		WithPropertyExists("color").
		WithPropertyValues("size", 1)
	assert.Equal(t, 2.0, idx.Cost(cheaper, root))

	unindexed := NewFilter("/content").WithPropertyValues("shape", "round")
	assert.True(t, math.IsInf(idx.Cost(unindexed, root), 1))
	assert.Equal(t, "property not applicable", idx.Plan(unindexed, root))
	requireMisuse(t, func() { idx.Query(context.Background(), unindexed, root) })

	outside := NewFilter("/other").WithPropertyValues("color", "red")
	assert.True(t, math.IsInf(idx.Cost(outside, root), 1))

	// no path restriction spans the whole tree, which /content does not cover
	anywhere := NewFilter("/content").WithPathRestriction(PathNoRestriction).WithPropertyValues("color", "red")
	assert.True(t, math.IsInf(idx.Cost(anywhere, root), 1))
	requireMisuse(t, func() { idx.Query(context.Background(), anywhere, root) })
}

func TestPropertyIndex_UnrestrictedPath(t *testing.T) {
	anywhere := NewFilter("/content").WithPathRestriction(PathNoRestriction).WithPropertyValues("color", "red")
	red := []string{"/content/a", "/content/b/c", "/other"}

	tests := []struct {
		name  string
		def   PropertyIndexDefinition
		index string
		cost  float64
	}{
		{"subtree index falls back to traversal", colorIndex, "traverse", math.MaxFloat64},
		{"whole tree index", PropertyIndexDefinition{Property: "color"}, "property", 5},
		{"root path index", PropertyIndexDefinition{Property: "color", Paths: []string{"/"}}, "property", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ix := indexedTree(t, tt.def)
			p := NewPlanner(NewTraversingIndex(s, 2), nil, zap.NewNop(), PropertyIndex{})

			c, plan := p.Query(context.Background(), anywhere, ix.Snapshot())
			assert.Equal(t, tt.index, plan.Index)
			assert.Equal(t, tt.cost, plan.Cost)
			assert.ElementsMatch(t, red, collect(t, c))
		})
	}
}

func TestIndexer_FollowsCommits(t *testing.T) {
	ctx := context.Background()
	s, ix := indexedTree(t, colorIndex)
	red := NewFilter("/content").WithPropertyValues("color", "red")
	lookup := func() []string {
		return collect(t, NewPropertyIndexLookup(ix.Snapshot()).Query(red, "color", []any{"red"}))
	}
	before := ix.Snapshot()

	_, err := s.CreateOrUpdate(ctx, model.CollectionNodes, []*model.UpdateOp{
		model.NewUpdateOp(model.IDFromPath("/content/a"), false).Set("color", "green"),
		model.NewUpdateOp(model.IDFromPath("/content/b"), false).Set("color", "red"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/content/b", "/content/b/c"}, lookup())

	require.NoError(t, s.Remove(ctx, model.CollectionNodes, []string{model.IDFromPath("/content/b/c")}))
	assert.Equal(t, []string{"/content/b"}, lookup())

	// snapshots taken earlier do not change
	assert.Equal(t, []string{"/content/a", "/content/b/c"},
		collect(t, NewPropertyIndexLookup(before).Query(red, "color", []any{"red"})))
}

func TestIndexer_IgnoresStaleCommits(t *testing.T) {
	ix := NewIndexer(zap.NewNop(), colorIndex)
	id := model.IDFromPath("/content/x")
	newer := model.NewDocument(id, map[string]any{"color": "red"})
	older := model.NewDocument(id, map[string]any{"color": "blue"})

	ix.OnCommit(model.CollectionNodes, id, newer, 7)
	ix.OnCommit(model.CollectionNodes, id, older, 5)
	ix.OnCommit(model.CollectionSettings, id, older, 9)
	ix.OnCommit(model.CollectionNodes, "not-a-node-id", older, 9)

	root := ix.Snapshot()
	assert.Equal(t, 1, root.Len("color"))
	f := NewFilter("/content")
	assert.Equal(t, []string{"/content/x"}, collect(t, NewPropertyIndexLookup(root).Query(f, "color", []any{"red"})))

	ix.OnCommit(model.CollectionNodes, id, nil, 0)
	assert.Equal(t, 0, ix.Snapshot().Len("color"))
}

func TestIndexer_Rebuild(t *testing.T) {
	s := newTestStore(t)
	writeTree(t, s, contentTree)

	ix := NewIndexer(zap.NewNop(), append(typeIndexes, colorIndex)...)
	assert.Equal(t, 0, ix.Snapshot().Len(model.PropertyPrimaryType))

	n, err := ix.Rebuild(context.Background(), s, 2)
	require.NoError(t, err)
	assert.Equal(t, len(contentTree), n)

	root := ix.Snapshot()
	// the deleted node is not indexed
	assert.Equal(t, len(contentTree)-1, root.Len(model.PropertyPrimaryType))
	assert.Equal(t, 2, root.Len(model.PropertyMixinTypes))
	assert.Equal(t, 3, root.Len("color"))
}

func TestIndexState_Definitions(t *testing.T) {
	st := NewIndexState(colorIndex, PropertyIndexDefinition{Property: "a"})
	defs := st.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].Property)
	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, "colors", defs[1].Name)

	require.NoError(t, st.Insert("color", "red", "/elsewhere"))
	assert.Equal(t, 0, st.Len("color"))
	require.NoError(t, st.Insert("unindexed", "red", "/content/a"))
	assert.Error(t, st.Insert("color", math.NaN(), "/content/a"))
}

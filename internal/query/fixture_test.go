package query

import (
	"context"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/backend/memory"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var typeIndexes = []PropertyIndexDefinition{
	{Property: model.PropertyPrimaryType},
	{Property: model.PropertyMixinTypes},
}

var colorIndex = PropertyIndexDefinition{Name: "colors", Property: "color", Paths: []string{"/content"}}

type testNode struct {
	path  string
	props map[string]any
}

// contentTree is:
//
//	/                 rep:root
//	/content          nt:folder
//	/content/a        nt:file, mix:versionable, red
//	/content/b        nt:file, blue
//	/content/b/c      nt:unstructured, mix:versionable, red
//	/content/b/e      nt:file, deleted
//	/other            nt:folder, red
var contentTree = []testNode{
	{"/", map[string]any{model.PropertyPrimaryType: "rep:root"}},
	{"/content", map[string]any{model.PropertyPrimaryType: "nt:folder"}},
	{"/content/a", map[string]any{
		model.PropertyPrimaryType: "nt:file", model.PropertyMixinTypes: "mix:versionable", "color": "red"}},
	{"/content/b", map[string]any{model.PropertyPrimaryType: "nt:file", "color": "blue"}},
	{"/content/b/c", map[string]any{
		model.PropertyPrimaryType: "nt:unstructured", model.PropertyMixinTypes: "mix:versionable", "color": "red"}},
	{"/content/b/e", map[string]any{model.PropertyPrimaryType: "nt:file", model.KeyDeleted: "true"}},
	{"/other", map[string]any{model.PropertyPrimaryType: "nt:folder", "color": "red"}},
}

func newTestStore(t *testing.T) *service.DocumentStore {
	t.Helper()
	cache, err := service.NewDocumentCache(&service.CacheConfig{MaxEntries: 1000, Segments: 4}, nil, zap.NewNop())
	require.NoError(t, err)
	s := service.NewDocumentStore(memory.New(), cache, service.DefaultStoreConfig(), nil, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func writeTree(t *testing.T, s *service.DocumentStore, tree []testNode) {
	t.Helper()
	ops := make([]*model.UpdateOp, 0, len(tree))
	for _, n := range tree {
		op := model.NewUpdateOp(model.IDFromPath(n.path), true)
		for k, v := range n.props {
			op.Set(k, v)
		}
		ops = append(ops, op)
	}
	created, err := s.Create(context.Background(), model.CollectionNodes, ops)
	require.NoError(t, err)
	require.True(t, created)
}

// indexedTree returns a store holding contentTree and an indexer kept up to
// date through the store's commit listener.
func indexedTree(t *testing.T, defs ...PropertyIndexDefinition) (*service.DocumentStore, *Indexer) {
	t.Helper()
	s := newTestStore(t)
	ix := NewIndexer(zap.NewNop(), defs...)
	s.AddCommitListener(ix.OnCommit)
	writeTree(t, s, contentTree)
	return s, ix
}

func collect(t *testing.T, c Cursor) []string {
	t.Helper()
	paths, err := Collect(c)
	require.NoError(t, err)
	return paths
}

// Package backendtest holds the behavioural tests every backend must pass.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/backend"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const collection = model.CollectionNodes

func doc(id string, kv ...any) *model.Document {
	data := make(map[string]any)
	for i := 0; i+1 < len(kv); i += 2 {
		data[kv[i].(string)] = kv[i+1]
	}
	return model.NewDocument(id, data)
}

// Run exercises newBackend against the backend contract. Each subtest gets
// a fresh backend.
func Run(t *testing.T, newBackend func(t *testing.T) backend.Backend) {
	ctx := context.Background()

	t.Run("create and read", func(t *testing.T) {
		b := newBackend(t)
		rev := model.Revision{Timestamp: 7, ClusterID: 1}
		docs := []*model.Document{
			doc("1:/a", "count", int64(1)),
			doc("1:/b", "prop", map[model.Revision]any{rev: "value"}),
		}

		rows, created, err := b.Create(ctx, collection, docs)
		require.NoError(t, err)
		require.True(t, created)
		require.Len(t, rows, 2)
		assert.NotZero(t, rows[0].Generation)
		assert.NotEqual(t, rows[0].Generation, rows[1].Generation)

		for i, d := range docs {
			row, err := b.Read(ctx, collection, d.ID())
			require.NoError(t, err)
			require.NotNil(t, row)
			assert.True(t, d.Equal(row.Document), "document %s", d.ID())
			assert.Equal(t, rows[i].Generation, row.Generation)
		}

		row, err := b.Read(ctx, collection, "1:/missing")
		require.NoError(t, err)
		assert.Nil(t, row)
	})

	t.Run("create is all or nothing", func(t *testing.T) {
		b := newBackend(t)
		_, created, err := b.Create(ctx, collection, []*model.Document{doc("1:/x")})
		require.NoError(t, err)
		require.True(t, created)

		_, created, err = b.Create(ctx, collection, []*model.Document{doc("1:/y"), doc("1:/x")})
		require.NoError(t, err)
		assert.False(t, created)

		row, err := b.Read(ctx, collection, "1:/y")
		require.NoError(t, err)
		assert.Nil(t, row)
	})

	t.Run("update compare and set", func(t *testing.T) {
		b := newBackend(t)
		op := model.NewUpdateOp("1:/c", false).Increment("count", 1)

		committed, err := b.Update(ctx, collection, "1:/c", 0, op)
		require.NoError(t, err)
		require.NotNil(t, committed)
		assert.Nil(t, committed.Previous)
		first := committed.Generation

		// base 0 requires absence
		committed, err = b.Update(ctx, collection, "1:/c", 0, op)
		require.NoError(t, err)
		assert.Nil(t, committed)

		committed, err = b.Update(ctx, collection, "1:/c", first, op)
		require.NoError(t, err)
		require.NotNil(t, committed)
		require.NotNil(t, committed.Previous)
		count, _ := committed.Previous.Int("count")
		assert.Equal(t, int64(1), count)
		assert.Greater(t, committed.Generation, first)

		// stale base
		committed, err = b.Update(ctx, collection, "1:/c", first, op)
		require.NoError(t, err)
		assert.Nil(t, committed)

		row, err := b.Read(ctx, collection, "1:/c")
		require.NoError(t, err)
		count, _ = row.Document.Int("count")
		assert.Equal(t, int64(2), count)

		committed, err = b.Update(ctx, collection, "1:/absent", 42, op)
		require.NoError(t, err)
		assert.Nil(t, committed)
	})

	t.Run("update apply error", func(t *testing.T) {
		b := newBackend(t)
		_, _, err := b.Create(ctx, collection, []*model.Document{doc("1:/s", "s", "text")})
		require.NoError(t, err)
		row, err := b.Read(ctx, collection, "1:/s")
		require.NoError(t, err)

		_, err = b.Update(ctx, collection, "1:/s", row.Generation, model.NewUpdateOp("1:/s", false).Increment("s", 1))
		assert.Error(t, err)
	})

	t.Run("range read", func(t *testing.T) {
		b := newBackend(t)
		var docs []*model.Document
		for i := 0; i < 10; i++ {
			docs = append(docs, doc(model.IDFromPath(fmt.Sprintf("/node-%d", i)), "i", int64(i)))
		}
		docs = append(docs, doc("2:/node-0/child"), doc("0:/"))
		_, created, err := b.Create(ctx, collection, docs)
		require.NoError(t, err)
		require.True(t, created)
		_, _, err = b.Create(ctx, model.CollectionSettings, []*model.Document{doc("1:/node-x")})
		require.NoError(t, err)

		rows, err := b.RangeRead(ctx, collection, model.KeyLowerLimit("/"), model.KeyUpperLimit("/"), 100)
		require.NoError(t, err)
		require.Len(t, rows, 10)
		for i := 1; i < len(rows); i++ {
			assert.Less(t, rows[i-1].Document.ID(), rows[i].Document.ID())
		}

		rows, err = b.RangeRead(ctx, collection, "1:/node-3", model.KeyUpperLimit("/"), 2)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "1:/node-4", rows[0].Document.ID())
		assert.Equal(t, "1:/node-5", rows[1].Document.ID())

		rows, err = b.RangeRead(ctx, collection, "1:/node-1", "1:/node-2", 10)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("delete", func(t *testing.T) {
		b := newBackend(t)
		_, _, err := b.Create(ctx, collection, []*model.Document{doc("1:/d1"), doc("1:/d2")})
		require.NoError(t, err)

		require.NoError(t, b.Delete(ctx, collection, []string{"1:/d1", "1:/never"}))

		row, err := b.Read(ctx, collection, "1:/d1")
		require.NoError(t, err)
		assert.Nil(t, row)
		row, err = b.Read(ctx, collection, "1:/d2")
		require.NoError(t, err)
		assert.NotNil(t, row)

		// recreate after delete gets a newer generation
		rows, created, err := b.Create(ctx, collection, []*model.Document{doc("1:/d1")})
		require.NoError(t, err)
		require.True(t, created)
		assert.Greater(t, rows[0].Generation, row.Generation)
	})

	t.Run("generations increase across ids", func(t *testing.T) {
		b := newBackend(t)
		var last uint64
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("1:/g%d", i)
			committed, err := b.Update(ctx, collection, id, 0, model.NewUpdateOp(id, false).Set("v", int64(i)))
			require.NoError(t, err)
			require.NotNil(t, committed)
			assert.Greater(t, committed.Generation, last)
			last = committed.Generation
		}
	})

	t.Run("concurrent increments", func(t *testing.T) {
		b := newBackend(t)
		const (
			writers    = 8
			increments = 10
			id         = "1:/counter"
		)

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < increments; i++ {
					for {
						var base uint64
						row, err := b.Read(ctx, collection, id)
						if !assert.NoError(t, err) {
							return
						}
						if row != nil {
							base = row.Generation
						}
						committed, err := b.Update(ctx, collection, id, base, model.NewUpdateOp(id, false).Increment("count", 1))
						if !assert.NoError(t, err) {
							return
						}
						if committed != nil {
							break
						}
					}
				}
			}()
		}
		wg.Wait()

		row, err := b.Read(ctx, collection, id)
		require.NoError(t, err)
		count, _ := row.Document.Int("count")
		assert.Equal(t, int64(writers*increments), count)
	})

	t.Run("ping", func(t *testing.T) {
		b := newBackend(t)
		assert.NoError(t, b.Ping(ctx))
	})
}

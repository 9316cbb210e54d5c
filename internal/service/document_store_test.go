package service_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/backend"
	"github.com/devrev/pairdb/docstore/internal/backend/memory"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const nodes = model.CollectionNodes

func newStore(t *testing.T, b backend.Backend, cfg *service.StoreConfig) *service.DocumentStore {
	t.Helper()
	cache, err := service.NewDocumentCache(&service.CacheConfig{MaxEntries: 1000, Segments: 4}, nil, zap.NewNop())
	require.NoError(t, err)
	if cfg == nil {
		cfg = service.DefaultStoreConfig()
	}
	s := service.NewDocumentStore(b, cache, cfg, nil, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func counter(t *testing.T, doc *model.Document, key string) int64 {
	t.Helper()
	require.NotNil(t, doc)
	v, ok := doc.Int(key)
	require.True(t, ok, "missing %s", key)
	return v
}

func TestDocumentStore_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.New(), nil)

	created, err := s.Create(ctx, nodes, []*model.UpdateOp{
		model.NewUpdateOp("1:/a", true).Set("p", "a"),
		model.NewUpdateOp("1:/b", true).Set("p", "b"),
	})
	require.NoError(t, err)
	assert.True(t, created)

	doc, err := s.Find(ctx, nodes, "1:/a")
	require.NoError(t, err)
	p, _ := doc.String("p")
	assert.Equal(t, "a", p)
	assert.NotNil(t, s.GetIfCached(nodes, "1:/b"))

	// existing id: nothing is written
	created, err = s.Create(ctx, nodes, []*model.UpdateOp{
		model.NewUpdateOp("1:/c", true).Set("p", "c"),
		model.NewUpdateOp("1:/a", true).Set("p", "changed"),
	})
	require.NoError(t, err)
	assert.False(t, created)

	missing, err := s.Find(ctx, nodes, "1:/c")
	require.NoError(t, err)
	assert.Nil(t, missing)
	doc, err = s.FindWithMaxAge(ctx, nodes, "1:/a", 0)
	require.NoError(t, err)
	p, _ = doc.String("p")
	assert.Equal(t, "a", p)
}

func TestDocumentStore_CreateOrUpdateReturnsPrevious(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.New(), nil)

	prev, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{
		model.NewUpdateOp("1:/a", true).Set("v", int64(1)),
	})
	require.NoError(t, err)
	require.Len(t, prev, 1)
	assert.Nil(t, prev[0])

	prev, err = s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{
		model.NewUpdateOp("1:/a", false).Increment("v", 2),
		model.NewUpdateOp("1:/b", true).Set("v", int64(5)),
	})
	require.NoError(t, err)
	require.Len(t, prev, 2)
	assert.Equal(t, int64(1), counter(t, prev[0], "v"))
	assert.Nil(t, prev[1])

	doc, err := s.Find(ctx, nodes, "1:/a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counter(t, doc, "v"))
}

func TestDocumentStore_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.New(), nil)

	tests := []struct {
		name string
		call func() error
		code errors.ErrorCode
	}{
		{"bad collection", func() error {
			_, err := s.Find(ctx, "no such:collection", "1:/a")
			return err
		}, errors.ErrCodeInvalidCollection},
		{"empty id", func() error {
			_, err := s.Find(ctx, nodes, "")
			return err
		}, errors.ErrCodeInvalidID},
		{"conditions on createOrUpdate", func() error {
			_, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", true).Exists("p")})
			return err
		}, errors.ErrCodeInvalidArgument},
		{"duplicate ids in create", func() error {
			_, err := s.Create(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", true), model.NewUpdateOp("1:/a", true)})
			return err
		}, errors.ErrCodeInvalidArgument},
		{"type mismatch", func() error {
			if _, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/s", true).Set("p", "str")}); err != nil {
				return err
			}
			_, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/s", false).Increment("p", 1)})
			return err
		}, errors.ErrCodeInvalidArgument},
		{"negative limit", func() error {
			_, err := s.Query(ctx, nodes, "1:/", "1:0", -1)
			return err
		}, errors.ErrCodeInvalidArgument},
		{"invalid utf-8 value", func() error {
			_, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/u", true).Set("p", "a\xffb")})
			return err
		}, errors.ErrCodeInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, errors.GetCode(tt.call()))
		})
	}
}

func TestDocumentStore_NoLostUpdates(t *testing.T) {
	ctx := context.Background()
	cfg := service.DefaultStoreConfig()
	cfg.MaxRetries = 1000
	cfg.RetryBackoff = 0
	s := newStore(t, memory.New(), cfg)

	_, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/c", true).Set("count", int64(100))})
	require.NoError(t, err)

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/c", false).Increment("count", 1)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cached := s.GetIfCached(nodes, "1:/c")
	assert.Equal(t, int64(100+writers), counter(t, cached, "count"))
	stored, err := s.FindWithMaxAge(ctx, nodes, "1:/c", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100+writers), counter(t, stored, "count"))
}

func TestDocumentStore_FindAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.New(), nil)
	_, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", true).Set("state", "open")})
	require.NoError(t, err)

	tests := []struct {
		name      string
		op        *model.UpdateOp
		wantPrev  bool
		wantState string
	}{
		{"condition fails", model.NewUpdateOp("1:/a", false).Equals("state", "closed").Set("state", "x"), false, "open"},
		{"missing key", model.NewUpdateOp("1:/a", false).Exists("other").Set("state", "x"), false, "open"},
		{"condition holds", model.NewUpdateOp("1:/a", false).Equals("state", "open").Set("state", "closed"), true, "closed"},
		{"not equals", model.NewUpdateOp("1:/a", false).NotEquals("state", "open").Set("state", "done"), true, "done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev, err := s.FindAndUpdate(ctx, nodes, tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrev, prev != nil)

			doc, err := s.FindWithMaxAge(ctx, nodes, "1:/a", 0)
			require.NoError(t, err)
			state, _ := doc.String("state")
			assert.Equal(t, tt.wantState, state)
		})
	}

	t.Run("absent and not new", func(t *testing.T) {
		prev, err := s.FindAndUpdate(ctx, nodes, model.NewUpdateOp("1:/missing", false).Set("p", "v"))
		require.NoError(t, err)
		assert.Nil(t, prev)
		doc, err := s.Find(ctx, nodes, "1:/missing")
		require.NoError(t, err)
		assert.Nil(t, doc)
	})

	t.Run("absent and new", func(t *testing.T) {
		prev, err := s.FindAndUpdate(ctx, nodes, model.NewUpdateOp("1:/fresh", true).NotExists("p").Set("p", "v"))
		require.NoError(t, err)
		assert.Nil(t, prev)
		doc, err := s.Find(ctx, nodes, "1:/fresh")
		require.NoError(t, err)
		assert.NotNil(t, doc)
	})
}

func TestDocumentStore_FindAndUpdateRechecksStaleCache(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	s1 := newStore(t, b, nil)
	s2 := newStore(t, b, nil)

	_, err := s1.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", true).Set("state", "open")})
	require.NoError(t, err)
	_, err = s1.Find(ctx, nodes, "1:/a")
	require.NoError(t, err)

	// s1's cached copy is now behind the backend
	_, err = s2.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", false).Set("state", "review")})
	require.NoError(t, err)

	prev, err := s1.FindAndUpdate(ctx, nodes, model.NewUpdateOp("1:/a", false).Equals("state", "review").Set("state", "closed"))
	require.NoError(t, err)
	require.NotNil(t, prev)
	state, _ := prev.String("state")
	assert.Equal(t, "review", state)
}

func TestDocumentStore_FindWithMaxAge(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	s1 := newStore(t, b, nil)
	s2 := newStore(t, b, nil)

	_, err := s1.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", true).Set("v", int64(1))})
	require.NoError(t, err)
	_, err = s2.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", false).Set("v", int64(2))})
	require.NoError(t, err)

	cached, err := s1.Find(ctx, nodes, "1:/a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter(t, cached, "v"))

	fresh, err := s1.FindWithMaxAge(ctx, nodes, "1:/a", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counter(t, fresh, "v"))
	// the fresh read replaced the older cached generation
	assert.Equal(t, int64(2), counter(t, s1.GetIfCached(nodes, "1:/a"), "v"))
}

func TestDocumentStore_QueryDoesNotTouchCache(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.New(), nil)

	var ops []*model.UpdateOp
	for i := 0; i < 5; i++ {
		ops = append(ops, model.NewUpdateOp(model.IDFromPath(fmt.Sprintf("/n%d", i)), true).Set("i", int64(i)))
	}
	ops = append(ops, model.NewUpdateOp(model.IDFromPath("/n0/child"), true))
	_, err := s.CreateOrUpdate(ctx, nodes, ops)
	require.NoError(t, err)
	s.InvalidateAllCache()

	docs, err := s.Query(ctx, nodes, model.KeyLowerLimit("/"), model.KeyUpperLimit("/"), 100)
	require.NoError(t, err)
	assert.Len(t, docs, 5)
	assert.Equal(t, 0, s.CacheStats().EntryCount)

	docs, err = s.Query(ctx, nodes, model.KeyLowerLimit("/"), model.KeyUpperLimit("/"), 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "1:/n0", docs[0].ID())

	docs, err = s.Query(ctx, nodes, "1:0", "1:/", 10)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDocumentStore_Remove(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.New(), nil)

	_, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{
		model.NewUpdateOp("1:/a", true).Set("v", int64(1)),
		model.NewUpdateOp("1:/b", true).Set("v", int64(1)),
	})
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, nodes, []string{"1:/a"}))
	assert.Nil(t, s.GetIfCached(nodes, "1:/a"))
	doc, err := s.Find(ctx, nodes, "1:/a")
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.NotNil(t, s.GetIfCached(nodes, "1:/b"))

	created, err := s.Create(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", true).Set("v", int64(9))})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, int64(9), counter(t, s.GetIfCached(nodes, "1:/a"), "v"))
}

func TestDocumentStore_Prefetch(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	writer := newStore(t, b, nil)
	reader := newStore(t, b, nil)

	ids := []string{"1:/a", "1:/b", "1:/c"}
	var ops []*model.UpdateOp
	for _, id := range ids {
		ops = append(ops, model.NewUpdateOp(id, true))
	}
	_, err := writer.CreateOrUpdate(ctx, nodes, ops)
	require.NoError(t, err)

	assert.Equal(t, 3, reader.Prefetch(ctx, nodes, ids))
	assert.Eventually(t, func() bool {
		for _, id := range ids {
			if reader.GetIfCached(nodes, id) == nil {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	// cached ids are not prefetched again
	assert.Equal(t, 0, reader.Prefetch(ctx, nodes, ids))
}

func TestDocumentStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.New(), nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Find(ctx, nodes, "1:/a")
	assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(err))
	_, err = s.CreateOrUpdate(ctx, nodes, nil)
	assert.Equal(t, errors.ErrCodeClosed, errors.GetCode(err))
	assert.Equal(t, 0, s.Prefetch(ctx, nodes, []string{"1:/a"}))
}

// blockingBackend pauses the first Read after arm until release is closed.
type blockingBackend struct {
	backend.Backend
	armed    atomic.Bool
	readDone chan struct{}
	release  chan struct{}
}

func (b *blockingBackend) Read(ctx context.Context, collection, id string) (*model.Row, error) {
	row, err := b.Backend.Read(ctx, collection, id)
	if b.armed.CompareAndSwap(true, false) {
		close(b.readDone)
		<-b.release
	}
	return row, err
}

func TestDocumentStore_SlowLoadCannotOverwriteCommit(t *testing.T) {
	ctx := context.Background()
	b := &blockingBackend{
		Backend:  memory.New(),
		readDone: make(chan struct{}),
		release:  make(chan struct{}),
	}
	s := newStore(t, b, nil)

	_, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", true).Set("v", int64(1))})
	require.NoError(t, err)
	s.InvalidateCache(nodes, []string{"1:/a"})

	b.armed.Store(true)
	loaded := make(chan *model.Document)
	go func() {
		doc, err := s.Find(ctx, nodes, "1:/a")
		assert.NoError(t, err)
		loaded <- doc
	}()
	<-b.readDone

	// commit a newer generation while the load holds the old row
	_, err = s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", false).Set("v", int64(2))})
	require.NoError(t, err)
	close(b.release)

	old := <-loaded
	assert.Equal(t, int64(1), counter(t, old, "v"))
	if cached := s.GetIfCached(nodes, "1:/a"); cached != nil {
		assert.Equal(t, int64(2), counter(t, cached, "v"))
	}
	doc, err := s.Find(ctx, nodes, "1:/a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counter(t, doc, "v"))
}

func TestDocumentStore_SlowLoadCannotResurrectRemoved(t *testing.T) {
	ctx := context.Background()
	b := &blockingBackend{
		Backend:  memory.New(),
		readDone: make(chan struct{}),
		release:  make(chan struct{}),
	}
	s := newStore(t, b, nil)

	_, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", true)})
	require.NoError(t, err)
	s.InvalidateCache(nodes, []string{"1:/a"})

	b.armed.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.Find(ctx, nodes, "1:/a")
		assert.NoError(t, err)
	}()
	<-b.readDone
	require.NoError(t, s.Remove(ctx, nodes, []string{"1:/a"}))
	close(b.release)
	<-done

	assert.Nil(t, s.GetIfCached(nodes, "1:/a"))
}

// mockBackend is a testify mock of backend.Backend
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Create(ctx context.Context, collection string, docs []*model.Document) ([]model.Row, bool, error) {
	args := m.Called(ctx, collection, docs)
	rows, _ := args.Get(0).([]model.Row)
	return rows, args.Bool(1), args.Error(2)
}

func (m *mockBackend) Update(ctx context.Context, collection, id string, base uint64, op *model.UpdateOp) (*model.Committed, error) {
	args := m.Called(ctx, collection, id, base, op)
	c, _ := args.Get(0).(*model.Committed)
	return c, args.Error(1)
}

func (m *mockBackend) Read(ctx context.Context, collection, id string) (*model.Row, error) {
	args := m.Called(ctx, collection, id)
	row, _ := args.Get(0).(*model.Row)
	return row, args.Error(1)
}

func (m *mockBackend) RangeRead(ctx context.Context, collection, from, to string, limit int) ([]model.Row, error) {
	args := m.Called(ctx, collection, from, to, limit)
	rows, _ := args.Get(0).([]model.Row)
	return rows, args.Error(1)
}

func (m *mockBackend) Delete(ctx context.Context, collection string, ids []string) error {
	return m.Called(ctx, collection, ids).Error(0)
}

func (m *mockBackend) Ping(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *mockBackend) Close() error { return nil }

func TestDocumentStore_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	b := &mockBackend{}
	row := &model.Row{Document: model.NewDocument("1:/a", nil), Generation: 3}
	b.On("Read", mock.Anything, nodes, "1:/a").Return(row, nil)
	b.On("Update", mock.Anything, nodes, "1:/a", uint64(3), mock.Anything).Return(nil, nil)

	cfg := service.DefaultStoreConfig()
	cfg.MaxRetries = 4
	cfg.RetryBackoff = 0
	s := newStore(t, b, cfg)

	_, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", false).Set("p", "v")})
	assert.Equal(t, errors.ErrCodeConcurrentModification, errors.GetCode(err))
	b.AssertNumberOfCalls(t, "Update", 4)
	// one initial load plus a reload after every conflict but the last
	b.AssertNumberOfCalls(t, "Read", 4)
}

func TestDocumentStore_RetrySucceedsAfterConflict(t *testing.T) {
	ctx := context.Background()
	b := &mockBackend{}
	v1 := model.NewDocument("1:/a", map[string]any{"n": int64(1)})
	v2 := model.NewDocument("1:/a", map[string]any{"n": int64(5)})
	b.On("Read", mock.Anything, nodes, "1:/a").Return(&model.Row{Document: v1, Generation: 1}, nil).Once()
	b.On("Read", mock.Anything, nodes, "1:/a").Return(&model.Row{Document: v2, Generation: 2}, nil).Once()
	b.On("Update", mock.Anything, nodes, "1:/a", uint64(1), mock.Anything).Return(nil, nil).Once()
	b.On("Update", mock.Anything, nodes, "1:/a", uint64(2), mock.Anything).
		Return(&model.Committed{Generation: 7, Previous: v2}, nil).Once()

	s := newStore(t, b, nil)
	prev, err := s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", false).Increment("n", 1)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), counter(t, prev[0], "n"))
	assert.Equal(t, int64(6), counter(t, s.GetIfCached(nodes, "1:/a"), "n"))
	b.AssertExpectations(t)
}

func TestDocumentStore_BackendErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	b := &mockBackend{}
	b.On("Read", mock.Anything, nodes, "1:/a").Return(nil, stderrors.New("connection reset"))
	b.On("RangeRead", mock.Anything, nodes, mock.Anything, mock.Anything, 10).Return(nil, stderrors.New("timeout"))
	b.On("Delete", mock.Anything, nodes, []string{"1:/a"}).Return(stderrors.New("read only"))
	s := newStore(t, b, nil)

	_, err := s.Find(ctx, nodes, "1:/a")
	assert.Equal(t, errors.ErrCodeBackendFailed, errors.GetCode(err))
	_, err = s.Query(ctx, nodes, "1:/", "1:0", 10)
	assert.Equal(t, errors.ErrCodeBackendFailed, errors.GetCode(err))
	err = s.Remove(ctx, nodes, []string{"1:/a"})
	assert.Equal(t, errors.ErrCodeBackendFailed, errors.GetCode(err))
}

// TestDocumentStore_CacheNeverStale runs rounds of updates bumping _lastRev
// on 50 nodes while concurrent readers query the range and force backend
// reloads. After every round each cached node must carry that round's
// revision.
func TestDocumentStore_CacheNeverStale(t *testing.T) {
	ctx := context.Background()
	rounds := 1000
	if testing.Short() {
		rounds = 50
	}
	const (
		numNodes  = 50
		clusterID = 1
	)
	s := newStore(t, memory.New(), nil)

	ids := make([]string, numNodes)
	create := make([]*model.UpdateOp, numNodes)
	for i := range ids {
		ids[i] = model.IDFromPath(fmt.Sprintf("/node-%d", i))
		create[i] = model.SetLastRev(model.NewUpdateOp(ids[i], true), model.Revision{Timestamp: 0, ClusterID: clusterID})
	}
	created, err := s.Create(ctx, nodes, create)
	require.NoError(t, err)
	require.True(t, created)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := s.Query(ctx, nodes, model.KeyLowerLimit("/"), model.KeyUpperLimit("/"), numNodes)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := s.FindWithMaxAge(ctx, nodes, ids[rand.IntN(numNodes)], 0)
			assert.NoError(t, err)
		}
	}()

	for round := 1; round <= rounds; round++ {
		rev := model.Revision{Timestamp: uint64(round), ClusterID: clusterID}
		ops := make([]*model.UpdateOp, numNodes)
		for i, id := range ids {
			ops[i] = model.SetLastRev(model.NewUpdateOp(id, false), rev)
		}
		_, err := s.CreateOrUpdate(ctx, nodes, ops)
		require.NoError(t, err)

		for _, id := range ids {
			doc := s.GetIfCached(nodes, id)
			if doc == nil {
				continue
			}
			lastRevs, err := model.LastRevs(doc)
			require.NoError(t, err)
			require.Equal(t, uint64(round), lastRevs[clusterID].Timestamp, "stale cache entry for %s", id)
		}
	}
	close(stop)
	readers.Wait()
}

type commitEvent struct {
	id         string
	deleted    bool
	generation uint64
	v          int64
}

func TestDocumentStore_CommitListeners(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, memory.New(), nil)

	var (
		mu     sync.Mutex
		events []commitEvent
	)
	s.AddCommitListener(func(collection, id string, doc *model.Document, generation uint64) {
		if collection != nodes {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		e := commitEvent{id: id, deleted: doc == nil, generation: generation}
		if doc != nil {
			e.v, _ = doc.Int("v")
		}
		events = append(events, e)
	})

	created, err := s.Create(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", true).Set("v", int64(1))})
	require.NoError(t, err)
	require.True(t, created)
	_, err = s.CreateOrUpdate(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", false).Increment("v", 1)})
	require.NoError(t, err)

	// a failed condition commits nothing
	prev, err := s.FindAndUpdate(ctx, nodes, model.NewUpdateOp("1:/a", false).
		Equals("v", int64(7)).Set("v", int64(8)))
	require.NoError(t, err)
	assert.Nil(t, prev)

	// existing id: nothing is created
	created, err = s.Create(ctx, nodes, []*model.UpdateOp{model.NewUpdateOp("1:/a", true).Set("v", int64(5))})
	require.NoError(t, err)
	require.False(t, created)

	_, err = s.CreateOrUpdate(ctx, model.CollectionSettings, []*model.UpdateOp{model.NewUpdateOp("s", true).Set("v", int64(1))})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, nodes, []string{"1:/a"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, commitEvent{id: "1:/a", generation: events[0].generation, v: 1}, events[0])
	assert.Equal(t, commitEvent{id: "1:/a", generation: events[1].generation, v: 2}, events[1])
	assert.Greater(t, events[1].generation, events[0].generation)
	assert.Equal(t, commitEvent{id: "1:/a", deleted: true}, events[2])
}

package service

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/backend"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/util/workerpool"
	"github.com/devrev/pairdb/docstore/internal/validation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxCacheAge makes FindWithMaxAge accept a cached entry of any age.
const MaxCacheAge = time.Duration(math.MaxInt64)

// StoreConfig holds document store tuning
type StoreConfig struct {
	MaxRetries        int
	RetryBackoff      time.Duration
	UpdateParallelism int
	PrefetchWorkers   int
	PrefetchQueue     int
}

// DefaultStoreConfig returns the default store settings
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		MaxRetries:        10,
		RetryBackoff:      time.Millisecond,
		UpdateParallelism: 8,
		PrefetchWorkers:   4,
		PrefetchQueue:     1024,
	}
}

// DocumentStore persists documents through a backend and keeps a
// DocumentCache consistent with it. Every mutation goes through a
// generation compare-and-set on the backend; the cache only ever moves to
// a newer generation.
type DocumentStore struct {
	backend   backend.Backend
	cache     *DocumentCache
	config    *StoreConfig
	validator *validation.Validator
	prefetch  *workerpool.Pool
	metrics   *metrics.Metrics
	logger    *zap.Logger
	closed    atomic.Bool

	listenerMu sync.RWMutex
	listeners  []CommitListener
}

// CommitListener is told about every document change committed through
// the store, after the cache has been updated. doc is nil when the
// document was removed. Listeners run synchronously and must not call
// back into the store.
type CommitListener func(collection, id string, doc *model.Document, generation uint64)

// AddCommitListener registers l for all later commits.
func (s *DocumentStore) AddCommitListener(l CommitListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *DocumentStore) notify(collection, id string, doc *model.Document, generation uint64) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, l := range s.listeners {
		l(collection, id, doc, generation)
	}
}

// NewDocumentStore creates a store over b. The store owns b and closes it
// in Close.
func NewDocumentStore(
	b backend.Backend,
	cache *DocumentCache,
	cfg *StoreConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *DocumentStore {
	if cfg == nil {
		cfg = DefaultStoreConfig()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.UpdateParallelism <= 0 {
		cfg.UpdateParallelism = 1
	}
	return &DocumentStore{
		backend:   b,
		cache:     cache,
		config:    cfg,
		validator: validation.NewValidator(),
		prefetch: workerpool.New(workerpool.Config{
			Name:       "prefetch",
			MaxWorkers: cfg.PrefetchWorkers,
			QueueSize:  cfg.PrefetchQueue,
			Logger:     logger,
		}),
		metrics: m,
		logger:  logger,
	}
}

func cacheKey(collection, id string) string {
	return collection + ":" + id
}

func (s *DocumentStore) checkOpen() error {
	if s.closed.Load() {
		return errors.Closed("document store")
	}
	return nil
}

// observe records the outcome of a store operation; call it deferred with
// a pointer to the named error result.
func (s *DocumentStore) observe(operation, collection string, start time.Time, err *error) {
	result := "success"
	if *err != nil {
		result = "error"
	}
	s.metrics.RecordOperation(operation, collection, result, time.Since(start).Seconds())
}

func (s *DocumentStore) backendError(operation string, err error) error {
	if errors.HasCode(err, errors.ErrCodeInvalidArgument) {
		return err
	}
	s.metrics.RecordBackendError(operation)
	if errors.IsStorageError(err) {
		return err
	}
	return errors.BackendFailed(s.backend.Name(), operation, err)
}

func (s *DocumentStore) validateOps(collection string, ops []*model.UpdateOp) error {
	if err := s.validator.ValidateCollection(collection); err != nil {
		return err
	}
	if err := s.validator.ValidateUpdateOps(ops); err != nil {
		return err
	}
	for _, op := range ops {
		if op.HasConditions() {
			return errors.InvalidArgument("conditions are only supported by FindAndUpdate", nil).
				WithDetail("id", op.ID())
		}
	}
	return nil
}

// Create inserts one document per op. It returns false, writing nothing,
// when any of the documents already exists.
func (s *DocumentStore) Create(ctx context.Context, collection string, ops []*model.UpdateOp) (created bool, err error) {
	defer s.observe("create", collection, time.Now(), &err)
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if err := s.validateOps(collection, ops); err != nil {
		return false, err
	}
	if len(ops) == 0 {
		return true, nil
	}

	docs := make([]*model.Document, len(ops))
	tokens := make([]LoadToken, len(ops))
	size := 0
	for i, op := range ops {
		doc, err := model.Apply(nil, op)
		if err != nil {
			return false, err
		}
		if err := s.validator.ValidateDocumentSize(doc); err != nil {
			return false, err
		}
		docs[i] = doc
		size += doc.EstimatedSize()
		tokens[i] = s.cache.Mark(cacheKey(collection, op.ID()))
	}

	rows, created, err := s.backend.Create(ctx, collection, docs)
	if err != nil {
		s.logger.Error("Backend create failed",
			zap.String("collection", collection),
			zap.Int("documents", len(docs)),
			zap.Error(err))
		return false, s.backendError("create", err)
	}
	if !created {
		s.logger.Debug("Create skipped, document exists",
			zap.String("collection", collection),
			zap.Int("documents", len(docs)))
		return false, nil
	}

	for i, row := range rows {
		s.cache.Commit(cacheKey(collection, row.Document.ID()), row.Document, row.Generation, tokens[i])
		s.notify(collection, row.Document.ID(), row.Document, row.Generation)
	}
	s.metrics.RecordDocumentWrite(size)
	return true, nil
}

// CreateOrUpdate applies every op, creating documents that do not exist.
// The result holds the document before each op, nil where it was created.
// Ops run in parallel up to the configured limit.
func (s *DocumentStore) CreateOrUpdate(ctx context.Context, collection string, ops []*model.UpdateOp) (previous []*model.Document, err error) {
	defer s.observe("create_or_update", collection, time.Now(), &err)
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.validateOps(collection, ops); err != nil {
		return nil, err
	}

	previous = make([]*model.Document, len(ops))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.UpdateParallelism)
	for i, op := range ops {
		g.Go(func() error {
			prev, _, err := s.update(gctx, collection, op, false)
			previous[i] = prev
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return previous, nil
}

// FindAndUpdate applies op when its conditions hold and returns the
// document as it was before. It returns nil without writing when the
// conditions fail, or when the document is absent and op is not new.
func (s *DocumentStore) FindAndUpdate(ctx context.Context, collection string, op *model.UpdateOp) (prev *model.Document, err error) {
	defer s.observe("find_and_update", collection, time.Now(), &err)
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateUpdateOp(op); err != nil {
		return nil, err
	}
	prev, _, err = s.update(ctx, collection, op, true)
	return prev, err
}

// update runs the compare-and-set loop for a single op. The base state
// comes from the cache when present; after a conflict it is reloaded from
// the backend. The second result reports whether a write happened.
func (s *DocumentStore) update(ctx context.Context, collection string, op *model.UpdateOp, conditional bool) (*model.Document, bool, error) {
	id := op.ID()
	key := cacheKey(collection, id)

	var (
		base      *model.Document
		baseGen   uint64
		fromCache bool
	)
	if e, ok := s.cache.Peek(key); ok {
		base, baseGen, fromCache = e.Document, e.Generation, true
	} else {
		row, err := s.load(ctx, collection, id)
		if err != nil {
			return nil, false, err
		}
		if row != nil {
			base, baseGen = row.Document, row.Generation
		}
	}

	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		if conditional {
			if (base == nil && !op.IsNew()) || !model.CheckConditions(base, op) {
				if !fromCache {
					return nil, false, nil
				}
				// A cached base may be stale; decide against the backend.
				row, err := s.load(ctx, collection, id)
				if err != nil {
					return nil, false, err
				}
				base, baseGen, fromCache = nil, 0, false
				if row != nil {
					base, baseGen = row.Document, row.Generation
				}
				attempt--
				continue
			}
		}

		token := s.cache.Mark(key)
		committed, err := s.backend.Update(ctx, collection, id, baseGen, op)
		if err != nil {
			if !errors.HasCode(err, errors.ErrCodeInvalidArgument) {
				s.logger.Error("Backend update failed",
					zap.String("collection", collection),
					zap.String("id", id),
					zap.Error(err))
			}
			return nil, false, s.backendError("update", err)
		}

		if committed != nil {
			doc, err := model.Apply(committed.Previous, op)
			if err != nil {
				// the backend already applied op to the same base
				return nil, false, errors.InternalError("failed to reapply committed update", err)
			}
			s.cache.Commit(key, doc, committed.Generation, token)
			s.notify(collection, op.ID(), doc, committed.Generation)
			s.metrics.RecordUpdateAttempts(attempt)
			s.metrics.RecordDocumentWrite(doc.EstimatedSize())
			return committed.Previous, true, nil
		}

		s.metrics.RecordCASConflict(collection)
		s.logger.Debug("Update conflict, reloading",
			zap.String("collection", collection),
			zap.String("id", id),
			zap.Uint64("base_generation", baseGen),
			zap.Int("attempt", attempt))

		if attempt == s.config.MaxRetries {
			break
		}
		if err := s.backoff(ctx, attempt); err != nil {
			return nil, false, err
		}
		row, err := s.load(ctx, collection, id)
		if err != nil {
			return nil, false, err
		}
		base, baseGen, fromCache = nil, 0, false
		if row != nil {
			base, baseGen = row.Document, row.Generation
		}
	}

	s.metrics.RecordCASExhausted(collection)
	s.logger.Warn("Update retries exhausted",
		zap.String("collection", collection),
		zap.String("id", id),
		zap.Int("attempts", s.config.MaxRetries))
	return nil, false, errors.ConcurrentModification(collection, id, s.config.MaxRetries)
}

// backoff waits attempt * RetryBackoff or until ctx is done.
func (s *DocumentStore) backoff(ctx context.Context, attempt int) error {
	if s.config.RetryBackoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(attempt) * s.config.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// load reads id from the backend and offers the result to the cache.
func (s *DocumentStore) load(ctx context.Context, collection, id string) (*model.Row, error) {
	key := cacheKey(collection, id)
	token := s.cache.Mark(key)
	row, err := s.backend.Read(ctx, collection, id)
	if err != nil {
		s.logger.Error("Backend read failed",
			zap.String("collection", collection),
			zap.String("id", id),
			zap.Error(err))
		return nil, s.backendError("read", err)
	}
	if row != nil {
		s.cache.Install(key, row.Document, row.Generation, token)
	}
	return row, nil
}

// Find returns the document for id, or nil when it does not exist. A
// cached copy of any age is returned without a backend read.
func (s *DocumentStore) Find(ctx context.Context, collection, id string) (*model.Document, error) {
	return s.FindWithMaxAge(ctx, collection, id, MaxCacheAge)
}

// FindWithMaxAge is Find, accepting a cached copy only when it was
// installed within maxAge. A maxAge of zero always reads the backend.
func (s *DocumentStore) FindWithMaxAge(ctx context.Context, collection, id string, maxAge time.Duration) (doc *model.Document, err error) {
	defer s.observe("find", collection, time.Now(), &err)
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateID(id); err != nil {
		return nil, err
	}

	if maxAge > 0 {
		if e, ok := s.cache.Get(cacheKey(collection, id)); ok && time.Since(e.Installed) <= maxAge {
			return e.Document, nil
		}
	}
	row, err := s.load(ctx, collection, id)
	if err != nil || row == nil {
		return nil, err
	}
	return row.Document, nil
}

// GetIfCached returns the cached document for id without a backend read.
func (s *DocumentStore) GetIfCached(collection, id string) *model.Document {
	if e, ok := s.cache.Get(cacheKey(collection, id)); ok {
		return e.Document
	}
	return nil
}

// Query returns up to limit documents with fromExclusive < id <
// toExclusive in id order. Results are read from the backend and do not
// change the cache.
func (s *DocumentStore) Query(ctx context.Context, collection, fromExclusive, toExclusive string, limit int) (docs []*model.Document, err error) {
	defer s.observe("query", collection, time.Now(), &err)
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateRange(fromExclusive, toExclusive, limit); err != nil {
		return nil, err
	}
	if limit == 0 || fromExclusive >= toExclusive {
		return nil, nil
	}

	rows, err := s.backend.RangeRead(ctx, collection, fromExclusive, toExclusive, limit)
	if err != nil {
		s.logger.Error("Backend range read failed",
			zap.String("collection", collection),
			zap.String("from", fromExclusive),
			zap.String("to", toExclusive),
			zap.Error(err))
		return nil, s.backendError("range_read", err)
	}
	docs = make([]*model.Document, len(rows))
	for i, row := range rows {
		docs[i] = row.Document
	}
	s.metrics.RecordQueryResults(collection, len(docs))
	return docs, nil
}

// Remove deletes the documents with the given ids and drops them from the
// cache.
func (s *DocumentStore) Remove(ctx context.Context, collection string, ids []string) (err error) {
	defer s.observe("remove", collection, time.Now(), &err)
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.validator.ValidateCollection(collection); err != nil {
		return err
	}
	if err := s.validator.ValidateIDs(ids); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	err = s.backend.Delete(ctx, collection, ids)
	// A failed delete may still have removed some rows.
	s.InvalidateCache(collection, ids)
	if err != nil {
		s.logger.Error("Backend delete failed",
			zap.String("collection", collection),
			zap.Int("ids", len(ids)),
			zap.Error(err))
		return s.backendError("delete", err)
	}
	for _, id := range ids {
		s.notify(collection, id, nil, 0)
	}
	return nil
}

// InvalidateCache drops the given ids from the cache.
func (s *DocumentStore) InvalidateCache(collection string, ids []string) {
	for _, id := range ids {
		s.cache.Invalidate(cacheKey(collection, id))
	}
}

// InvalidateAllCache empties the cache.
func (s *DocumentStore) InvalidateAllCache() {
	s.cache.InvalidateAll()
}

// Prefetch loads ids into the cache in the background. Requests that do
// not fit in the prefetch queue are dropped. It returns the number of ids
// accepted.
func (s *DocumentStore) Prefetch(ctx context.Context, collection string, ids []string) int {
	if s.checkOpen() != nil || s.validator.ValidateCollection(collection) != nil {
		return 0
	}
	accepted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, ok := s.cache.Peek(cacheKey(collection, id)); ok {
			continue
		}
		submitted := s.prefetch.TrySubmit(workerpool.Job{
			Key: cacheKey(collection, id),
			Fn: func(ctx context.Context) error {
				_, err := s.Find(ctx, collection, id)
				return err
			},
		})
		s.metrics.RecordPrefetch(submitted)
		if submitted {
			accepted++
		}
	}
	return accepted
}

// CacheStats returns statistics of the store's cache.
func (s *DocumentStore) CacheStats() CacheStats {
	return s.cache.Stats()
}

// PrefetchStats returns statistics of the prefetch pool.
func (s *DocumentStore) PrefetchStats() workerpool.Stats {
	return s.prefetch.Stats()
}

// Ping checks the backend.
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.backend.Ping(ctx)
}

// BackendName returns the name of the underlying backend.
func (s *DocumentStore) BackendName() string {
	return s.backend.Name()
}

// Close stops background work and closes the backend. Further calls fail
// with a closed error.
func (s *DocumentStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.prefetch.Stop(5 * time.Second); err != nil {
		s.logger.Warn("Prefetch pool did not stop cleanly", zap.Error(err))
	}
	s.InvalidateAllCache()
	s.logger.Info("Closing document store", zap.String("backend", s.backend.Name()))
	return s.backend.Close()
}

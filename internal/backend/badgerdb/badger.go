// Package badgerdb implements the backend on an embedded Badger database.
package badgerdb

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/devrev/pairdb/docstore/internal/backend"
	"github.com/devrev/pairdb/docstore/internal/codec"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/docstore/internal/util"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	name = "badger"

	rowPrefix      = "d/"
	generationKey  = "s/generation"
	maxTxnAttempts = 16
)

// Config configures the Badger backend.
type Config struct {
	// Path is the data directory. Required unless InMemory is set.
	Path string

	InMemory   bool
	SyncWrites bool

	// GCInterval enables periodic value log GC. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64

	// SequenceBandwidth is the number of generations leased at once.
	SequenceBandwidth uint64

	// DiskGuard, if set, is consulted before every write.
	DiskGuard *diskmanager.DiskManager
}

// DefaultConfig returns settings for a persistent database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:              path,
		SyncWrites:        true,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
		SequenceBandwidth: 1000,
	}
}

// InMemoryConfig returns settings for a throwaway in-memory database.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		SequenceBandwidth: 1000,
	}
}

// Backend stores each row under d/<collection>\x00<id> as a checksummed
// frame holding the generation and the encoded document. Optimistic
// transactions provide the compare-and-set.
type Backend struct {
	db       *badger.DB
	seq      *badger.Sequence
	gc       *gcRunner
	guard    *diskmanager.DiskManager
	logger   *zap.Logger
	inMemory bool
}

var _ backend.Backend = (*Backend)(nil)

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// Open opens or creates the database described by cfg.
func Open(cfg Config, logger *zap.Logger) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("path is required for persistent database")
	}
	if cfg.SequenceBandwidth == 0 {
		cfg.SequenceBandwidth = 1000
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.BackendFailed(name, "open", err)
	}
	seq, err := db.GetSequence([]byte(generationKey), cfg.SequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, errors.BackendFailed(name, "open sequence", err)
	}

	b := &Backend{
		db:       db,
		seq:      seq,
		guard:    cfg.DiskGuard,
		logger:   logger,
		inMemory: cfg.InMemory,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		b.gc.start()
	}

	logger.Info("Opened badger backend",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory))
	return b, nil
}

func (b *Backend) Name() string { return name }

func rowKey(collection, id string) []byte {
	key := make([]byte, 0, len(rowPrefix)+len(collection)+1+len(id))
	key = append(key, rowPrefix...)
	key = append(key, collection...)
	key = append(key, 0)
	return append(key, id...)
}

func collectionPrefix(collection string) []byte {
	return rowKey(collection, "")
}

func (b *Backend) nextGeneration(prev uint64) (uint64, error) {
	n, err := b.seq.Next()
	if err != nil {
		return 0, errors.BackendFailed(name, "next generation", err)
	}
	// Sequences start at zero, which is reserved for absent rows.
	return backend.NextGeneration(n+1, prev), nil
}

func (b *Backend) checkDisk(estimated int) error {
	if b.guard == nil {
		return nil
	}
	return b.guard.CheckBeforeWrite(uint64(estimated))
}

func (b *Backend) encode(doc *model.Document, gen uint64) ([]byte, error) {
	payload, err := codec.EncodeDocument(doc)
	if err != nil {
		return nil, err
	}
	return util.EncodeFrame(gen, []byte(payload)), nil
}

func decodeRow(value []byte) (*model.Row, error) {
	gen, payload, err := util.DecodeFrame(value)
	if err != nil {
		return nil, err
	}
	doc, err := codec.DecodeDocument(string(payload))
	if err != nil {
		return nil, err
	}
	return &model.Row{Document: doc, Generation: gen}, nil
}

func getRow(txn *badger.Txn, key []byte) (*model.Row, error) {
	item, err := txn.Get(key)
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.BackendFailed(name, "get", err)
	}
	var row *model.Row
	err = item.Value(func(val []byte) error {
		var derr error
		row, derr = decodeRow(val)
		return derr
	})
	return row, err
}

var errRowExists = stderrors.New("row exists")

// withRetry runs fn in a read-write transaction, retrying SSI conflicts.
func (b *Backend) withRetry(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.BackendFailed(name, op, err)
		}
		err := b.db.Update(fn)
		if !stderrors.Is(err, badger.ErrConflict) || attempt == maxTxnAttempts {
			return err
		}
		b.logger.Debug("Retrying conflicted badger transaction",
			zap.String("operation", op),
			zap.Int("attempt", attempt))
	}
}

func (b *Backend) Create(ctx context.Context, collection string, docs []*model.Document) ([]model.Row, bool, error) {
	size := 0
	for _, d := range docs {
		size += d.EstimatedSize()
	}
	if err := b.checkDisk(size); err != nil {
		return nil, false, err
	}

	var rows []model.Row
	err := b.withRetry(ctx, "create", func(txn *badger.Txn) error {
		rows = make([]model.Row, 0, len(docs))
		for _, d := range docs {
			_, err := txn.Get(rowKey(collection, d.ID()))
			if err == nil {
				return errRowExists
			}
			if !stderrors.Is(err, badger.ErrKeyNotFound) {
				return errors.BackendFailed(name, "get", err)
			}
		}
		for _, d := range docs {
			gen, err := b.nextGeneration(0)
			if err != nil {
				return err
			}
			value, err := b.encode(d, gen)
			if err != nil {
				return err
			}
			if err := txn.Set(rowKey(collection, d.ID()), value); err != nil {
				return err
			}
			rows = append(rows, model.Row{Document: d, Generation: gen})
		}
		return nil
	})
	switch {
	case stderrors.Is(err, errRowExists):
		return nil, false, nil
	case err != nil:
		return nil, false, wrap("create", err)
	}
	return rows, true, nil
}

func (b *Backend) Update(ctx context.Context, collection, id string, baseGeneration uint64, op *model.UpdateOp) (*model.Committed, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendFailed(name, "update", err)
	}

	key := rowKey(collection, id)
	var committed *model.Committed
	err := b.db.Update(func(txn *badger.Txn) error {
		current, err := getRow(txn, key)
		if err != nil {
			return err
		}
		var (
			previous *model.Document
			prevGen  uint64
		)
		if current != nil {
			previous, prevGen = current.Document, current.Generation
		}
		if prevGen != baseGeneration {
			return nil
		}

		updated, err := model.Apply(previous, op)
		if err != nil {
			return err
		}
		if err := b.checkDisk(updated.EstimatedSize()); err != nil {
			return err
		}
		gen, err := b.nextGeneration(prevGen)
		if err != nil {
			return err
		}
		value, err := b.encode(updated, gen)
		if err != nil {
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		committed = &model.Committed{Generation: gen, Previous: previous}
		return nil
	})
	if stderrors.Is(err, badger.ErrConflict) {
		// another transaction wrote the row after we read it
		return nil, nil
	}
	if err != nil {
		return nil, wrap("update", err)
	}
	return committed, nil
}

func (b *Backend) Read(ctx context.Context, collection, id string) (*model.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendFailed(name, "read", err)
	}
	var row *model.Row
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		row, err = getRow(txn, rowKey(collection, id))
		return err
	})
	if err != nil {
		return nil, wrap("read", err)
	}
	return row, nil
}

func (b *Backend) RangeRead(ctx context.Context, collection, fromExclusive, toExclusive string, limit int) ([]model.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendFailed(name, "range read", err)
	}

	prefix := collectionPrefix(collection)
	from := rowKey(collection, fromExclusive)
	to := rowKey(collection, toExclusive)

	var rows []model.Row
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(from); it.ValidForPrefix(prefix) && len(rows) < limit; it.Next() {
			item := it.Item()
			key := item.Key()
			if bytes.Equal(key, from) {
				continue
			}
			if bytes.Compare(key, to) >= 0 {
				break
			}
			var row *model.Row
			if err := item.Value(func(val []byte) error {
				var derr error
				row, derr = decodeRow(val)
				return derr
			}); err != nil {
				return err
			}
			rows = append(rows, *row)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("range read", err)
	}
	return rows, nil
}

func (b *Backend) Delete(ctx context.Context, collection string, ids []string) error {
	err := b.withRetry(ctx, "delete", func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(rowKey(collection, id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("delete", err)
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return errors.Closed("badger backend")
	}
	return ctx.Err()
}

func (b *Backend) Close() error {
	if b.gc != nil {
		b.gc.stop()
	}
	if err := b.seq.Release(); err != nil {
		b.logger.Warn("Failed to release generation sequence", zap.Error(err))
	}
	return b.db.Close()
}

// wrap leaves StorageErrors alone and tags everything else as a backend failure.
func wrap(op string, err error) error {
	if errors.IsStorageError(err) {
		return err
	}
	return errors.BackendFailed(name, op, err)
}

// Package redisdb implements the backend on Redis. A document is a hash
// holding its encoded data and generation; a per collection sorted set of
// ids with equal scores gives ordered range reads via ZRANGEBYLEX.
package redisdb

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/pairdb/docstore/internal/backend"
	"github.com/devrev/pairdb/docstore/internal/codec"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	name = "redis"

	fieldData       = "data"
	fieldGeneration = "gen"

	maxWatchAttempts = 16
)

// Config holds connection settings for the Redis backend.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Backend is a Redis backed document backend.
type Backend struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

var _ backend.Backend = (*Backend)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "docstore"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.BackendFailed(name, "ping", err)
	}

	logger.Info("Connected to redis backend",
		zap.String("addr", cfg.Addr),
		zap.String("key_prefix", cfg.KeyPrefix))
	return &Backend{client: client, prefix: cfg.KeyPrefix, logger: logger}, nil
}

func (b *Backend) Name() string { return name }

func (b *Backend) docKey(collection, id string) string {
	return b.prefix + ":" + collection + ":doc:" + id
}

func (b *Backend) idsKey(collection string) string {
	return b.prefix + ":" + collection + ":ids"
}

func (b *Backend) generationKey() string {
	return b.prefix + ":generation"
}

func (b *Backend) nextGeneration(ctx context.Context, prev uint64) (uint64, error) {
	n, err := b.client.Incr(ctx, b.generationKey()).Uint64()
	if err != nil {
		return 0, errors.BackendFailed(name, "incr generation", err)
	}
	return backend.NextGeneration(n, prev), nil
}

// parseRow decodes an HMGET reply of data and generation. A nil row means
// the hash does not exist.
func parseRow(vals []interface{}) (*model.Row, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, nil
	}
	data, ok1 := vals[0].(string)
	genStr, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, errors.CorruptedData("unexpected redis reply type", nil)
	}
	gen, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("invalid generation %q", genStr), err)
	}
	doc, err := codec.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	return &model.Row{Document: doc, Generation: gen}, nil
}

func (b *Backend) readRow(ctx context.Context, c redis.Cmdable, key string) (*model.Row, error) {
	vals, err := c.HMGet(ctx, key, fieldData, fieldGeneration).Result()
	if err != nil {
		return nil, errors.BackendFailed(name, "hmget", err)
	}
	return parseRow(vals)
}

var errRowExists = stderrors.New("row exists")

func (b *Backend) Create(ctx context.Context, collection string, docs []*model.Document) ([]model.Row, bool, error) {
	keys := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = b.docKey(collection, d.ID())
	}

	var rows []model.Row
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return errors.BackendFailed(name, "exists", err)
		}
		if n > 0 {
			return errRowExists
		}

		rows = make([]model.Row, 0, len(docs))
		encoded := make([]string, len(docs))
		for i, d := range docs {
			gen, err := b.nextGeneration(ctx, 0)
			if err != nil {
				return err
			}
			if encoded[i], err = codec.EncodeDocument(d); err != nil {
				return err
			}
			rows = append(rows, model.Row{Document: d, Generation: gen})
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, d := range docs {
				pipe.HSet(ctx, keys[i], fieldData, encoded[i], fieldGeneration, rows[i].Generation)
				pipe.ZAdd(ctx, b.idsKey(collection), redis.Z{Member: d.ID()})
			}
			return nil
		})
		return err
	}

	for attempt := 1; ; attempt++ {
		err := b.client.Watch(ctx, txf, keys...)
		switch {
		case err == nil:
			return rows, true, nil
		case stderrors.Is(err, errRowExists):
			return nil, false, nil
		case stderrors.Is(err, redis.TxFailedErr) && attempt < maxWatchAttempts:
			continue
		default:
			return nil, false, wrap("create", err)
		}
	}
}

func (b *Backend) Update(ctx context.Context, collection, id string, baseGeneration uint64, op *model.UpdateOp) (*model.Committed, error) {
	key := b.docKey(collection, id)

	var committed *model.Committed
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := b.readRow(ctx, tx, key)
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
		encoded, err := codec.EncodeDocument(updated)
		if err != nil {
			return err
		}
		gen, err := b.nextGeneration(ctx, prevGen)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldData, encoded, fieldGeneration, gen)
			pipe.ZAdd(ctx, b.idsKey(collection), redis.Z{Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		committed = &model.Committed{Generation: gen, Previous: previous}
		return nil
	}, key)

	if stderrors.Is(err, redis.TxFailedErr) {
		// the watched hash changed under us
		return nil, nil
	}
	if err != nil {
		return nil, wrap("update", err)
	}
	return committed, nil
}

func (b *Backend) Read(ctx context.Context, collection, id string) (*model.Row, error) {
	return b.readRow(ctx, b.client, b.docKey(collection, id))
}

// RangeRead pages through the id index. Ids whose hash disappeared between
// the index scan and the fetch are skipped.
func (b *Backend) RangeRead(ctx context.Context, collection, fromExclusive, toExclusive string, limit int) ([]model.Row, error) {
	var rows []model.Row
	from := fromExclusive
	for len(rows) < limit {
		want := limit - len(rows)
		ids, err := b.client.ZRangeByLex(ctx, b.idsKey(collection), &redis.ZRangeBy{
			Min:   "(" + from,
			Max:   "(" + toExclusive,
			Count: int64(want),
		}).Result()
		if err != nil {
			return nil, errors.BackendFailed(name, "zrangebylex", err)
		}
		if len(ids) == 0 {
			break
		}

		cmds := make([]*redis.SliceCmd, len(ids))
		_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.HMGet(ctx, b.docKey(collection, id), fieldData, fieldGeneration)
			}
			return nil
		})
		if err != nil {
			return nil, errors.BackendFailed(name, "hmget", err)
		}
		for _, cmd := range cmds {
			row, err := parseRow(cmd.Val())
			if err != nil {
				return nil, err
			}
			if row != nil {
				rows = append(rows, *row)
			}
		}

		if len(ids) < want {
			break
		}
		from = ids[len(ids)-1]
	}
	return rows, nil
}

func (b *Backend) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			pipe.Del(ctx, b.docKey(collection, id))
			members[i] = id
		}
		pipe.ZRem(ctx, b.idsKey(collection), members...)
		return nil
	})
	if err != nil {
		return errors.BackendFailed(name, "delete", err)
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errors.BackendFailed(name, "ping", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func wrap(op string, err error) error {
	if errors.IsStorageError(err) {
		return err
	}
	return errors.BackendFailed(name, op, err)
}

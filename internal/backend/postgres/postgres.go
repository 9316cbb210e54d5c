// Package postgres implements the backend on PostgreSQL through pgxpool.
// Each collection maps to one table keyed by id; a shared sequence mints
// generations.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/docstore/internal/backend"
	"github.com/devrev/pairdb/docstore/internal/codec"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const name = "postgres"

// Config holds connection settings for the PostgreSQL backend.
type Config struct {
	DSN         string
	TablePrefix string
	MaxConns    int32
	MinConns    int32
}

// Backend is a PostgreSQL backed document backend.
type Backend struct {
	pool     *pgxpool.Pool
	prefix   string
	sequence string
	logger   *zap.Logger

	mu     sync.Mutex
	tables map[string]string
}

var _ backend.Backend = (*Backend)(nil)

// Open connects to PostgreSQL and creates the generation sequence and the
// tables of the known collections.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = "docstore"
	}

	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		config.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.BackendFailed(name, "ping", err)
	}

	b := &Backend{
		pool:     pool,
		prefix:   cfg.TablePrefix,
		sequence: pgx.Identifier{cfg.TablePrefix + "_generation_seq"}.Sanitize(),
		logger:   logger,
		tables:   make(map[string]string),
	}
	if _, err := pool.Exec(ctx, "CREATE SEQUENCE IF NOT EXISTS "+b.sequence); err != nil {
		pool.Close()
		return nil, errors.BackendFailed(name, "create sequence", err)
	}
	for _, c := range []string{
		model.CollectionNodes,
		model.CollectionClusterNodes,
		model.CollectionSettings,
		model.CollectionJournal,
	} {
		if _, err := b.table(ctx, c); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logger.Info("Connected to postgres backend", zap.String("table_prefix", cfg.TablePrefix))
	return b, nil
}

func (b *Backend) Name() string { return name }

// table returns the quoted table name for collection, creating the table
// on first use.
func (b *Backend) table(ctx context.Context, collection string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.tables[collection]; ok {
		return t, nil
	}
	t := pgx.Identifier{b.prefix + "_" + collection}.Sanitize()
	ddl := `CREATE TABLE IF NOT EXISTS ` + t + ` (
		id         TEXT COLLATE "C" PRIMARY KEY,
		data       TEXT NOT NULL,
		generation BIGINT NOT NULL
	)`
	if _, err := b.pool.Exec(ctx, ddl); err != nil {
		return "", errors.BackendFailed(name, "create table", err)
	}
	b.tables[collection] = t
	return t, nil
}

func (b *Backend) nextval(ctx context.Context, tx pgx.Tx) (uint64, error) {
	var n int64
	if err := tx.QueryRow(ctx, "SELECT nextval('"+b.sequence+"')").Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func decodeRow(data string, gen int64) (*model.Row, error) {
	doc, err := codec.DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	return &model.Row{Document: doc, Generation: uint64(gen)}, nil
}

func (b *Backend) Create(ctx context.Context, collection string, docs []*model.Document) ([]model.Row, bool, error) {
	t, err := b.table(ctx, collection)
	if err != nil {
		return nil, false, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, false, errors.BackendFailed(name, "begin", err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO ` + t + ` (id, data, generation)
		VALUES ($1, $2, nextval('` + b.sequence + `'))
		ON CONFLICT (id) DO NOTHING
		RETURNING generation`

	rows := make([]model.Row, 0, len(docs))
	for _, d := range docs {
		data, err := codec.EncodeDocument(d)
		if err != nil {
			return nil, false, err
		}
		var gen int64
		err = tx.QueryRow(ctx, query, d.ID(), data).Scan(&gen)
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, errors.BackendFailed(name, "insert", err)
		}
		rows = append(rows, model.Row{Document: d, Generation: uint64(gen)})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.BackendFailed(name, "commit", err)
	}
	return rows, true, nil
}

func (b *Backend) Update(ctx context.Context, collection, id string, baseGeneration uint64, op *model.UpdateOp) (*model.Committed, error) {
	t, err := b.table(ctx, collection)
	if err != nil {
		return nil, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, errors.BackendFailed(name, "begin", err)
	}
	defer tx.Rollback(ctx)

	var (
		data     string
		gen      int64
		previous *model.Document
	)
	err = tx.QueryRow(ctx, `SELECT data, generation FROM `+t+` WHERE id = $1 FOR UPDATE`, id).Scan(&data, &gen)
	switch {
	case stderrors.Is(err, pgx.ErrNoRows):
		gen = 0
	case err != nil:
		return nil, errors.BackendFailed(name, "select", err)
	default:
		row, err := decodeRow(data, gen)
		if err != nil {
			return nil, err
		}
		previous = row.Document
	}
	if uint64(gen) != baseGeneration {
		return nil, nil
	}

	updated, err := model.Apply(previous, op)
	if err != nil {
		return nil, err
	}
	encoded, err := codec.EncodeDocument(updated)
	if err != nil {
		return nil, err
	}
	seq, err := b.nextval(ctx, tx)
	if err != nil {
		return nil, errors.BackendFailed(name, "nextval", err)
	}
	next := backend.NextGeneration(seq, baseGeneration)

	if previous == nil {
		// FOR UPDATE locks nothing when the row is absent; a concurrent
		// insert shows up as a conflict here.
		tag, err := tx.Exec(ctx, `INSERT INTO `+t+` (id, data, generation) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`, id, encoded, int64(next))
		if err != nil {
			return nil, errors.BackendFailed(name, "insert", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, nil
		}
	} else {
		tag, err := tx.Exec(ctx, `UPDATE `+t+` SET data = $2, generation = $3
			WHERE id = $1 AND generation = $4`, id, encoded, int64(next), int64(baseGeneration))
		if err != nil {
			return nil, errors.BackendFailed(name, "update", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.BackendFailed(name, "commit", err)
	}
	return &model.Committed{Generation: next, Previous: previous}, nil
}

func (b *Backend) Read(ctx context.Context, collection, id string) (*model.Row, error) {
	t, err := b.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	var (
		data string
		gen  int64
	)
	err = b.pool.QueryRow(ctx, `SELECT data, generation FROM `+t+` WHERE id = $1`, id).Scan(&data, &gen)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.BackendFailed(name, "read", err)
	}
	return decodeRow(data, gen)
}

func (b *Backend) RangeRead(ctx context.Context, collection, fromExclusive, toExclusive string, limit int) ([]model.Row, error) {
	t, err := b.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	rs, err := b.pool.Query(ctx, `SELECT data, generation FROM `+t+`
		WHERE id > $1 AND id < $2
		ORDER BY id
		LIMIT $3`, fromExclusive, toExclusive, limit)
	if err != nil {
		return nil, errors.BackendFailed(name, "range read", err)
	}
	defer rs.Close()

	var rows []model.Row
	for rs.Next() {
		var (
			data string
			gen  int64
		)
		if err := rs.Scan(&data, &gen); err != nil {
			return nil, errors.BackendFailed(name, "scan", err)
		}
		row, err := decodeRow(data, gen)
		if err != nil {
			return nil, err
		}
		rows = append(rows, *row)
	}
	if err := rs.Err(); err != nil {
		return nil, errors.BackendFailed(name, "range read", err)
	}
	return rows, nil
}

func (b *Backend) Delete(ctx context.Context, collection string, ids []string) error {
	t, err := b.table(ctx, collection)
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, `DELETE FROM `+t+` WHERE id = ANY($1)`, ids); err != nil {
		return errors.BackendFailed(name, "delete", err)
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return errors.BackendFailed(name, "ping", err)
	}
	return nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// DropAll removes every table and the sequence owned by this backend.
func (b *Backend) DropAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c, t := range b.tables {
		if _, err := b.pool.Exec(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return errors.BackendFailed(name, "drop table", err)
		}
		delete(b.tables, c)
	}
	if _, err := b.pool.Exec(ctx, "DROP SEQUENCE IF EXISTS "+b.sequence); err != nil {
		return errors.BackendFailed(name, "drop sequence", err)
	}
	return nil
}

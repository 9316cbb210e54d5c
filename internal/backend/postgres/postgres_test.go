package postgres

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/backend"
	"github.com/devrev/pairdb/docstore/internal/backend/backendtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var tableCounter atomic.Int64

// openTestBackend connects to DOCSTORE_TEST_POSTGRES_DSN with a table
// prefix private to the calling test.
func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	dsn := os.Getenv("DOCSTORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DOCSTORE_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	prefix := fmt.Sprintf("docstore_test_%d_%d", time.Now().UnixNano(), tableCounter.Add(1))
	b, err := Open(ctx, Config{DSN: dsn, TablePrefix: prefix, MaxConns: 16}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.DropAll(context.Background()))
		b.Close()
	})
	return b
}

func TestPostgresBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return openTestBackend(t)
	})
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{DSN: "postgres://%zz"}, zap.NewNop())
	require.Error(t, err)
}

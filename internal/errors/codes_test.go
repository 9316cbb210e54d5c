package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *StorageError
		code codes.Code
	}{
		{"invalid argument", InvalidArgument("bad", nil), codes.InvalidArgument},
		{"invalid id", InvalidID("", "empty"), codes.InvalidArgument},
		{"invalid revision", InvalidRevision("x", nil), codes.InvalidArgument},
		{"not found", DocumentNotFound("nodes", "1:/a"), codes.NotFound},
		{"conflict", ConcurrentModification("nodes", "1:/a", 10), codes.Aborted},
		{"disk full", DiskFull(99, 10), codes.ResourceExhausted},
		{"throttled", DiskThrottled(91), codes.Unavailable},
		{"backend", BackendFailed("redis", "read", errors.New("eof")), codes.Unavailable},
		{"corrupted", CorruptedData("bad frame", nil), codes.DataLoss},
		{"checksum", ChecksumFailed(1, 2), codes.DataLoss},
		{"closed", Closed("store"), codes.FailedPrecondition},
		{"internal", InternalError("boom", nil), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.err.ToGRPCStatus()
			assert.Equal(t, tt.code, st.Code())
			assert.Equal(t, tt.err.Error(), st.Message())
		})
	}
}

func TestStorageError_Wrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("update: %w", BackendFailed("postgres", "update", cause))

	assert.True(t, IsStorageError(err))
	assert.Equal(t, ErrCodeBackendFailed, GetCode(err))
	assert.True(t, HasCode(err, ErrCodeBackendFailed))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "postgres backend update failed: connection refused")

	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "postgres", se.Details["backend"])

	plain := errors.New("plain")
	assert.False(t, IsStorageError(plain))
	assert.Equal(t, ErrCodeInternal, GetCode(plain))
	assert.False(t, HasCode(nil, ErrCodeInternal))
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"nil", nil, codes.OK},
		{"storage error", DocumentNotFound("nodes", "1:/a"), codes.NotFound},
		{"wrapped storage error", fmt.Errorf("find: %w", DiskFull(99, 10)), codes.ResourceExhausted},
		{"canceled", context.Canceled, codes.Canceled},
		{"deadline", fmt.Errorf("walk: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"plain", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, Status(tt.err).Code())
		})
	}
}

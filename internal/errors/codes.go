package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for document store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument   ErrorCode = 1000
	ErrCodeDocumentNotFound  ErrorCode = 1001
	ErrCodeIDTooLarge        ErrorCode = 1002
	ErrCodeDocumentTooLarge  ErrorCode = 1003
	ErrCodeInvalidCollection ErrorCode = 1004
	ErrCodeInvalidID         ErrorCode = 1005
	ErrCodeChecksumFailed    ErrorCode = 1006
	ErrCodeInvalidRevision   ErrorCode = 1007

	// Server errors (5xx equivalent)
	ErrCodeInternal               ErrorCode = 2000
	ErrCodeUnavailable            ErrorCode = 2001
	ErrCodeDiskFull               ErrorCode = 2002
	ErrCodeDiskThrottled          ErrorCode = 2003
	ErrCodeBackendFailed          ErrorCode = 2004
	ErrCodeConcurrentModification ErrorCode = 2005
	ErrCodeCorruptedData          ErrorCode = 2007
	ErrCodeResourceExhausted      ErrorCode = 2008
	ErrCodeClosed                 ErrorCode = 2009
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeIDTooLarge, ErrCodeDocumentTooLarge,
		ErrCodeInvalidCollection, ErrCodeInvalidID, ErrCodeInvalidRevision:
		return codes.InvalidArgument
	case ErrCodeDocumentNotFound:
		return codes.NotFound
	case ErrCodeConcurrentModification:
		return codes.Aborted
	case ErrCodeDiskFull, ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeDiskThrottled, ErrCodeUnavailable, ErrCodeBackendFailed:
		return codes.Unavailable
	case ErrCodeChecksumFailed, ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeClosed:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func DocumentNotFound(collection, id string) *StorageError {
	return NewStorageError(ErrCodeDocumentNotFound, fmt.Sprintf("document not found: %s:%s", collection, id), nil).
		WithDetail("collection", collection).
		WithDetail("id", id)
}

func IDTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeIDTooLarge, fmt.Sprintf("id size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func DocumentTooLarge(id string, size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeDocumentTooLarge, fmt.Sprintf("document %s size %d exceeds maximum %d", id, size, maxSize), nil).
		WithDetail("id", id).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidCollection(collection, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidCollection, fmt.Sprintf("invalid collection '%s': %s", collection, reason), nil).
		WithDetail("collection", collection).
		WithDetail("reason", reason)
}

func InvalidID(id, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidID, fmt.Sprintf("invalid id '%s': %s", id, reason), nil).
		WithDetail("id", id).
		WithDetail("reason", reason)
}

func InvalidRevision(value string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidRevision, fmt.Sprintf("invalid revision '%s'", value), cause).
		WithDetail("revision", value)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *StorageError {
	return NewStorageError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func DiskThrottled(usagePercent float64) *StorageError {
	return NewStorageError(ErrCodeDiskThrottled, fmt.Sprintf("disk write throttled: %.2f%% used", usagePercent), nil).
		WithDetail("usage_percent", usagePercent)
}

// BackendFailed wraps an I/O failure reported by a backend. The store does
// not retry these.
func BackendFailed(backend, operation string, cause error) *StorageError {
	return NewStorageError(ErrCodeBackendFailed, fmt.Sprintf("%s backend %s failed", backend, operation), cause).
		WithDetail("backend", backend).
		WithDetail("operation", operation)
}

func ConcurrentModification(collection, id string, attempts int) *StorageError {
	return NewStorageError(ErrCodeConcurrentModification,
		fmt.Sprintf("update of %s:%s conflicted %d times", collection, id, attempts), nil).
		WithDetail("collection", collection).
		WithDetail("id", id).
		WithDetail("attempts", attempts)
}

func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, message, cause)
}

func ResourceExhausted(resource string, current, limit int) *StorageError {
	return NewStorageError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

func Closed(component string) *StorageError {
	return NewStorageError(ErrCodeClosed, fmt.Sprintf("%s is closed", component), nil).
		WithDetail("component", component)
}

// IsStorageError checks if an error is, or wraps, a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// Status converts any error to a gRPC status. Errors that are not
// StorageErrors keep the context codes and are otherwise Internal.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	var se *StorageError
	if errors.As(err, &se) {
		return status.New(se.toGRPCCode(), err.Error())
	}
	if st := status.FromContextError(err); st.Code() != codes.Unknown {
		return st
	}
	return status.New(codes.Internal, err.Error())
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

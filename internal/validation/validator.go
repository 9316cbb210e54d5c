package validation

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

const (
	// Size limits
	MaxIDSize         = 512              // bytes
	MaxCollectionSize = 64               // bytes
	MaxDocumentSize   = 16 * 1024 * 1024 // 16 MB estimated
	MaxBatchSize      = 10000
)

// Validator validates document store arguments before they reach a backend
type Validator struct {
	maxIDSize       int
	maxDocumentSize int
	maxBatchSize    int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxIDSize:       MaxIDSize,
		maxDocumentSize: MaxDocumentSize,
		maxBatchSize:    MaxBatchSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxIDSize, maxDocumentSize, maxBatchSize int) *Validator {
	return &Validator{
		maxIDSize:       maxIDSize,
		maxDocumentSize: maxDocumentSize,
		maxBatchSize:    maxBatchSize,
	}
}

// ValidateCollection accepts non-empty names made of ASCII letters, digits
// and underscores. Backends use the name in table names and key prefixes.
func (v *Validator) ValidateCollection(collection string) error {
	if collection == "" {
		return errors.InvalidCollection(collection, "collection cannot be empty")
	}
	if len(collection) > MaxCollectionSize {
		return errors.InvalidCollection(collection, fmt.Sprintf("collection exceeds maximum size of %d bytes", MaxCollectionSize))
	}
	for _, r := range collection {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return errors.InvalidCollection(collection, fmt.Sprintf("invalid character %q", r))
		}
	}
	return nil
}

// ValidateID validates a document id
func (v *Validator) ValidateID(id string) error {
	if id == "" {
		return errors.InvalidID(id, "id cannot be empty")
	}
	if len(id) > v.maxIDSize {
		return errors.IDTooLarge(len(id), v.maxIDSize)
	}
	if !utf8.ValidString(id) {
		return errors.InvalidID(id, "id must be valid UTF-8")
	}
	// Covers NUL, which several backends use as a separator
	for _, r := range id {
		if unicode.IsControl(r) {
			return errors.InvalidID(id, "id cannot contain control characters")
		}
	}
	return nil
}

// ValidateIDs validates a batch of ids
func (v *Validator) ValidateIDs(ids []string) error {
	if len(ids) > v.maxBatchSize {
		return errors.InvalidArgument(fmt.Sprintf("batch of %d ids exceeds maximum of %d", len(ids), v.maxBatchSize), nil)
	}
	for _, id := range ids {
		if err := v.ValidateID(id); err != nil {
			return err
		}
	}
	return nil
}

// ValidateUpdateOp validates the id, keys and values of op
func (v *Validator) ValidateUpdateOp(op *model.UpdateOp) error {
	if op == nil {
		return errors.InvalidArgument("update op cannot be nil", nil)
	}
	if err := v.ValidateID(op.ID()); err != nil {
		return err
	}
	for _, c := range op.Changes() {
		if c.Key == "" {
			return errors.InvalidArgument("update op key cannot be empty", nil).WithDetail("id", op.ID())
		}
		if !utf8.ValidString(c.Key) {
			return errors.InvalidArgument("update op key must be valid UTF-8", nil).WithDetail("id", op.ID())
		}
		if c.Key == model.KeyID {
			if v, ok := c.Operation.Value.(string); c.Operation.Type != model.OperationSet || !ok || v != op.ID() {
				return errors.InvalidArgument("the _id key cannot be modified", nil).WithDetail("id", op.ID())
			}
		}
		if err := validateValue(c.Key, c.Operation.Value); err != nil {
			return err
		}
	}
	for _, c := range op.Conditions() {
		if c.Key == "" {
			return errors.InvalidArgument("condition key cannot be empty", nil).WithDetail("id", op.ID())
		}
		if !utf8.ValidString(c.Key) {
			return errors.InvalidArgument("condition key must be valid UTF-8", nil).WithDetail("id", op.ID())
		}
	}
	return nil
}

// ValidateUpdateOps validates a batch; ids must be unique within it.
func (v *Validator) ValidateUpdateOps(ops []*model.UpdateOp) error {
	if len(ops) > v.maxBatchSize {
		return errors.InvalidArgument(fmt.Sprintf("batch of %d ops exceeds maximum of %d", len(ops), v.maxBatchSize), nil)
	}
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if err := v.ValidateUpdateOp(op); err != nil {
			return err
		}
		if _, dup := seen[op.ID()]; dup {
			return errors.InvalidArgument("duplicate id in batch", nil).WithDetail("id", op.ID())
		}
		seen[op.ID()] = struct{}{}
	}
	return nil
}

// validateValue accepts the scalar types backends can store. Strings must
// be valid UTF-8 since the encoded form cannot carry arbitrary bytes.
func validateValue(key string, value any) error {
	switch t := value.(type) {
	case nil, int64, float64, bool:
		return nil
	case string:
		if !utf8.ValidString(t) {
			return errors.InvalidArgument("value must be valid UTF-8", nil).WithDetail("key", key)
		}
		return nil
	case model.ValueMap:
		for _, val := range t.All() {
			if err := validateValue(key, val); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.InvalidArgument(fmt.Sprintf("unsupported value type %T", value), nil).WithDetail("key", key)
	}
}

// ValidateRange validates range query arguments
func (v *Validator) ValidateRange(fromExclusive, toExclusive string, limit int) error {
	if limit < 0 {
		return errors.InvalidArgument(fmt.Sprintf("limit must not be negative: %d", limit), nil)
	}
	if len(fromExclusive) > v.maxIDSize || len(toExclusive) > v.maxIDSize {
		return errors.IDTooLarge(max(len(fromExclusive), len(toExclusive)), v.maxIDSize)
	}
	return nil
}

// ValidateDocumentSize rejects documents whose estimated size exceeds the limit
func (v *Validator) ValidateDocumentSize(doc *model.Document) error {
	if size := doc.EstimatedSize(); size > v.maxDocumentSize {
		return errors.DocumentTooLarge(doc.ID(), size, v.maxDocumentSize)
	}
	return nil
}

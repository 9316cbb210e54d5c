package model

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/errors"
)

// OperationType defines the kind of change applied to one key
type OperationType string

const (
	OperationSet            OperationType = "set"
	OperationMax            OperationType = "max"
	OperationIncrement      OperationType = "increment"
	OperationRemove         OperationType = "remove"
	OperationSetMapEntry    OperationType = "setMapEntry"
	OperationRemoveMapEntry OperationType = "removeMapEntry"
)

// Operation is a single change to one key. Revision is only meaningful for
// map entry operations.
type Operation struct {
	Type     OperationType
	Value    any
	Revision Revision
}

// Change pairs a key with the operation applied to it
type Change struct {
	Key       string
	Operation Operation
}

// ConditionType defines a precondition checked by FindAndUpdate
type ConditionType string

const (
	ConditionExists    ConditionType = "exists"
	ConditionNotExists ConditionType = "notExists"
	ConditionEquals    ConditionType = "equals"
	ConditionNotEquals ConditionType = "notEquals"
)

// Condition is checked against the current document before an update is
// applied. When Revision is set the condition targets that map entry.
type Condition struct {
	Key      string
	Revision *Revision
	Type     ConditionType
	Value    any
}

// UpdateOp describes the changes to apply to one document. Once handed to
// the store it must not be modified.
type UpdateOp struct {
	id         string
	isNew      bool
	changes    []Change
	conditions []Condition
}

// NewUpdateOp creates an update for id. isNew requests create semantics.
func NewUpdateOp(id string, isNew bool) *UpdateOp {
	return &UpdateOp{id: id, isNew: isNew}
}

// ID returns the target document id
func (op *UpdateOp) ID() string { return op.id }

// IsNew reports whether the op requires the document to be absent
func (op *UpdateOp) IsNew() bool { return op.isNew }

// Changes returns a copy of the changes in application order
func (op *UpdateOp) Changes() []Change {
	return append([]Change(nil), op.changes...)
}

// Conditions returns a copy of the preconditions
func (op *UpdateOp) Conditions() []Condition {
	return append([]Condition(nil), op.conditions...)
}

// HasConditions reports whether any precondition is attached
func (op *UpdateOp) HasConditions() bool {
	return len(op.conditions) > 0
}

func (op *UpdateOp) add(key string, o Operation) *UpdateOp {
	op.changes = append(op.changes, Change{Key: key, Operation: o})
	return op
}

// Set replaces the value of key.
func (op *UpdateOp) Set(key string, value any) *UpdateOp {
	return op.add(key, Operation{Type: OperationSet, Value: NormalizeValue(value)})
}

// Max sets key to value unless the current value is already greater.
func (op *UpdateOp) Max(key string, value any) *UpdateOp {
	return op.add(key, Operation{Type: OperationMax, Value: NormalizeValue(value)})
}

// Increment adds delta to the integer stored under key. An absent key
// counts as zero.
func (op *UpdateOp) Increment(key string, delta int64) *UpdateOp {
	return op.add(key, Operation{Type: OperationIncrement, Value: delta})
}

// Remove deletes key.
func (op *UpdateOp) Remove(key string) *UpdateOp {
	return op.add(key, Operation{Type: OperationRemove})
}

// SetMapEntry sets the entry rev of the value map stored under key.
func (op *UpdateOp) SetMapEntry(key string, rev Revision, value any) *UpdateOp {
	return op.add(key, Operation{Type: OperationSetMapEntry, Value: NormalizeValue(value), Revision: rev})
}

// RemoveMapEntry removes the entry rev of the value map stored under key.
func (op *UpdateOp) RemoveMapEntry(key string, rev Revision) *UpdateOp {
	return op.add(key, Operation{Type: OperationRemoveMapEntry, Revision: rev})
}

// Exists requires key to be present.
func (op *UpdateOp) Exists(key string) *UpdateOp {
	op.conditions = append(op.conditions, Condition{Key: key, Type: ConditionExists})
	return op
}

// NotExists requires key to be absent.
func (op *UpdateOp) NotExists(key string) *UpdateOp {
	op.conditions = append(op.conditions, Condition{Key: key, Type: ConditionNotExists})
	return op
}

// MapEntryExists requires the value map under key to hold rev.
func (op *UpdateOp) MapEntryExists(key string, rev Revision) *UpdateOp {
	op.conditions = append(op.conditions, Condition{Key: key, Revision: &rev, Type: ConditionExists})
	return op
}

// Equals requires key to hold value.
func (op *UpdateOp) Equals(key string, value any) *UpdateOp {
	op.conditions = append(op.conditions, Condition{Key: key, Type: ConditionEquals, Value: NormalizeValue(value)})
	return op
}

// NotEquals requires key to not hold value.
func (op *UpdateOp) NotEquals(key string, value any) *UpdateOp {
	op.conditions = append(op.conditions, Condition{Key: key, Type: ConditionNotEquals, Value: NormalizeValue(value)})
	return op
}

// ShallowCopy returns an op with the same changes and conditions targeting id.
func (op *UpdateOp) ShallowCopy(id string) *UpdateOp {
	return &UpdateOp{
		id:         id,
		isNew:      op.isNew,
		changes:    op.Changes(),
		conditions: op.Conditions(),
	}
}

func (op *UpdateOp) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "UpdateOp{id=%s, isNew=%t, changes=[", op.id, op.isNew)
	for i, c := range op.changes {
		if i > 0 {
			sb.WriteString(", ")
		}
		if c.Operation.Type == OperationSetMapEntry || c.Operation.Type == OperationRemoveMapEntry {
			fmt.Fprintf(&sb, "%s.%s %s %v", c.Key, c.Operation.Revision, c.Operation.Type, c.Operation.Value)
		} else {
			fmt.Fprintf(&sb, "%s %s %v", c.Key, c.Operation.Type, c.Operation.Value)
		}
	}
	sb.WriteString("]}")
	return sb.String()
}

// Apply returns the document that results from applying op to doc. A nil
// doc is treated as an empty document with op's id. doc is never modified.
func Apply(doc *Document, op *UpdateOp) (*Document, error) {
	var data map[string]any
	if doc != nil {
		if doc.ID() != op.id {
			return nil, errors.InvalidArgument(fmt.Sprintf("op for %s applied to document %s", op.id, doc.ID()), nil)
		}
		data = doc.Data()
	} else {
		data = make(map[string]any, len(op.changes)+1)
	}

	for _, c := range op.changes {
		if c.Key == KeyID {
			if v, ok := c.Operation.Value.(string); c.Operation.Type != OperationSet || !ok || v != op.id {
				return nil, errors.InvalidArgument("the _id key cannot be modified", nil).WithDetail("id", op.id)
			}
			continue
		}
		if err := applyChange(data, c); err != nil {
			return nil, err
		}
	}
	return NewDocument(op.id, data), nil
}

func applyChange(data map[string]any, c Change) error {
	current, present := data[c.Key]
	o := c.Operation

	switch o.Type {
	case OperationSet:
		data[c.Key] = o.Value
	case OperationMax:
		if !present {
			data[c.Key] = o.Value
			return nil
		}
		greater, err := compareScalars(o.Value, current)
		if err != nil {
			return typeMismatch(c, current, err)
		}
		if greater > 0 {
			data[c.Key] = o.Value
		}
	case OperationIncrement:
		delta := o.Value.(int64)
		switch v := current.(type) {
		case nil:
			data[c.Key] = delta
		case int64:
			data[c.Key] = v + delta
		default:
			return typeMismatch(c, current, nil)
		}
	case OperationRemove:
		delete(data, c.Key)
	case OperationSetMapEntry:
		switch v := current.(type) {
		case nil:
			data[c.Key] = ValueMap{}.With(o.Revision, o.Value)
		case ValueMap:
			data[c.Key] = v.With(o.Revision, o.Value)
		default:
			return typeMismatch(c, current, nil)
		}
	case OperationRemoveMapEntry:
		switch v := current.(type) {
		case nil:
		case ValueMap:
			if m := v.Without(o.Revision); m.Len() > 0 {
				data[c.Key] = m
			} else {
				delete(data, c.Key)
			}
		default:
			return typeMismatch(c, current, nil)
		}
	default:
		return errors.InvalidArgument(fmt.Sprintf("unknown operation %q", o.Type), nil)
	}
	return nil
}

func typeMismatch(c Change, current any, cause error) *errors.StorageError {
	return errors.InvalidArgument(
		fmt.Sprintf("cannot apply %s to %s holding %T", c.Operation.Type, c.Key, current), cause).
		WithDetail("key", c.Key)
}

func compareScalars(a, b any) (int, error) {
	switch at := a.(type) {
	case int64:
		switch bt := b.(type) {
		case int64:
			return cmp.Compare(at, bt), nil
		case float64:
			return cmp.Compare(float64(at), bt), nil
		}
	case float64:
		switch bt := b.(type) {
		case float64:
			return cmp.Compare(at, bt), nil
		case int64:
			return cmp.Compare(at, float64(bt)), nil
		}
	case string:
		if bt, ok := b.(string); ok {
			return strings.Compare(at, bt), nil
		}
	}
	return 0, fmt.Errorf("values %T and %T are not comparable", a, b)
}

// CheckConditions reports whether doc satisfies every condition of op. A
// nil doc has no keys.
func CheckConditions(doc *Document, op *UpdateOp) bool {
	for _, c := range op.conditions {
		if !checkCondition(doc, c) {
			return false
		}
	}
	return true
}

func checkCondition(doc *Document, c Condition) bool {
	var (
		value   any
		present bool
	)
	if doc != nil {
		value, present = doc.Get(c.Key)
		if present && c.Revision != nil {
			vm, ok := value.(ValueMap)
			if !ok {
				present = false
			} else {
				value, present = vm.Get(*c.Revision)
			}
		}
	}

	switch c.Type {
	case ConditionExists:
		return present
	case ConditionNotExists:
		return !present
	case ConditionEquals:
		return present && ValuesEqual(value, c.Value)
	case ConditionNotEquals:
		return !present || !ValuesEqual(value, c.Value)
	default:
		return false
	}
}

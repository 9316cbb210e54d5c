package model

import (
	"iter"
	"slices"
	"sort"
)

// Reserved document keys
const (
	KeyID      = "_id"
	KeyLastRev = "_lastRev"
	KeyDeleted = "_deleted"
)

type mapEntry struct {
	rev   Revision
	value any
}

// ValueMap is an immutable map from revision to scalar value. It holds the
// history of one property; entries are kept newest first.
type ValueMap struct {
	entries []mapEntry
}

// NewValueMap builds a ValueMap from m. Values are normalized the same way
// UpdateOp normalizes them.
func NewValueMap(m map[Revision]any) ValueMap {
	entries := make([]mapEntry, 0, len(m))
	for r, v := range m {
		entries = append(entries, mapEntry{rev: r, value: NormalizeValue(v)})
	}
	sort.Slice(entries, func(i, j int) bool {
		return revisionKeyLess(entries[j].rev, entries[i].rev)
	})
	return ValueMap{entries: entries}
}

// revisionKeyLess orders map keys: revision order first, trunk before branch
// for otherwise identical revisions.
func revisionKeyLess(a, b Revision) bool {
	if c := a.Compare(b); c != 0 {
		return c < 0
	}
	return !a.Branch && b.Branch
}

// Len returns the number of entries.
func (m ValueMap) Len() int {
	return len(m.entries)
}

// Get returns the value stored under exactly r.
func (m ValueMap) Get(r Revision) (any, bool) {
	for _, e := range m.entries {
		if e.rev == r {
			return e.value, true
		}
	}
	return nil, false
}

// ValueAt returns the value visible as of r: the one stored under the
// greatest key not after r.
func (m ValueMap) ValueAt(r Revision) (any, bool) {
	for _, e := range m.entries {
		if e.rev.Compare(r) <= 0 {
			return e.value, true
		}
	}
	return nil, false
}

// Latest returns the newest entry.
func (m ValueMap) Latest() (Revision, any, bool) {
	if len(m.entries) == 0 {
		return Revision{}, nil, false
	}
	return m.entries[0].rev, m.entries[0].value, true
}

// Revisions returns the keys, newest first.
func (m ValueMap) Revisions() []Revision {
	revs := make([]Revision, len(m.entries))
	for i, e := range m.entries {
		revs[i] = e.rev
	}
	return revs
}

// All iterates entries newest first.
func (m ValueMap) All() iter.Seq2[Revision, any] {
	return func(yield func(Revision, any) bool) {
		for _, e := range m.entries {
			if !yield(e.rev, e.value) {
				return
			}
		}
	}
}

// With returns a copy of m with r set to v.
func (m ValueMap) With(r Revision, v any) ValueMap {
	entries := make([]mapEntry, 0, len(m.entries)+1)
	inserted := false
	for _, e := range m.entries {
		if e.rev == r {
			continue
		}
		if !inserted && revisionKeyLess(e.rev, r) {
			entries = append(entries, mapEntry{rev: r, value: NormalizeValue(v)})
			inserted = true
		}
		entries = append(entries, e)
	}
	if !inserted {
		entries = append(entries, mapEntry{rev: r, value: NormalizeValue(v)})
	}
	return ValueMap{entries: entries}
}

// Without returns a copy of m with r removed.
func (m ValueMap) Without(r Revision) ValueMap {
	entries := make([]mapEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.rev != r {
			entries = append(entries, e)
		}
	}
	return ValueMap{entries: entries}
}

// Equal reports whether both maps hold the same entries.
func (m ValueMap) Equal(o ValueMap) bool {
	if len(m.entries) != len(o.entries) {
		return false
	}
	for i := range m.entries {
		if m.entries[i].rev != o.entries[i].rev || !ValuesEqual(m.entries[i].value, o.entries[i].value) {
			return false
		}
	}
	return true
}

// Document is an immutable snapshot of one stored row. Mutation happens only
// through Apply, which returns a new Document.
type Document struct {
	id   string
	data map[string]any
}

// NewDocument creates a document holding a copy of data. The _id key is
// always set to id.
func NewDocument(id string, data map[string]any) *Document {
	copied := make(map[string]any, len(data)+1)
	for k, v := range data {
		copied[k] = NormalizeValue(v)
	}
	copied[KeyID] = id
	return &Document{id: id, data: copied}
}

// ID returns the document id.
func (d *Document) ID() string {
	return d.id
}

// Get returns the raw value stored under key.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.data[key]
	return v, ok
}

// Has reports whether key is present.
func (d *Document) Has(key string) bool {
	_, ok := d.data[key]
	return ok
}

// Int returns the int64 stored under key.
func (d *Document) Int(key string) (int64, bool) {
	v, ok := d.data[key].(int64)
	return v, ok
}

// String returns the string stored under key.
func (d *Document) String(key string) (string, bool) {
	v, ok := d.data[key].(string)
	return v, ok
}

// ValueMap returns the value map stored under key.
func (d *Document) ValueMap(key string) (ValueMap, bool) {
	v, ok := d.data[key].(ValueMap)
	return v, ok
}

// Keys returns the document keys in sorted order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Data returns a shallow copy of the document content. ValueMaps are
// immutable and safe to share.
func (d *Document) Data() map[string]any {
	copied := make(map[string]any, len(d.data))
	for k, v := range d.data {
		copied[k] = v
	}
	return copied
}

// LastModified returns the newest revision found in any value map, or the
// zero revision when the document holds none.
func (d *Document) LastModified() Revision {
	var last Revision
	for _, v := range d.data {
		if vm, ok := v.(ValueMap); ok {
			if r, _, ok := vm.Latest(); ok {
				last = MaxRevision(last, r)
			}
		}
	}
	return last
}

// Equal reports whether d and o have the same id and content.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.id != o.id || len(d.data) != len(o.data) {
		return false
	}
	for k, v := range d.data {
		ov, ok := o.data[k]
		if !ok || !ValuesEqual(v, ov) {
			return false
		}
	}
	return true
}

// EstimatedSize returns a rough memory footprint in bytes.
func (d *Document) EstimatedSize() int {
	size := len(d.id) + 16
	for k, v := range d.data {
		size += len(k) + valueSize(v)
	}
	return size
}

func valueSize(v any) int {
	switch t := v.(type) {
	case string:
		return len(t) + 16
	case ValueMap:
		size := 24
		for _, e := range t.entries {
			size += 24 + valueSize(e.value)
		}
		return size
	default:
		return 8
	}
}

// NormalizeValue converts Go numeric types to the canonical int64 and
// float64 representations.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	case map[Revision]any:
		return NewValueMap(t)
	default:
		return v
	}
}

// ValuesEqual compares two normalized values.
func ValuesEqual(a, b any) bool {
	switch at := a.(type) {
	case ValueMap:
		bt, ok := b.(ValueMap)
		return ok && at.Equal(bt)
	case nil:
		return b == nil
	case string, int64, float64, bool:
		return a == b
	default:
		return false
	}
}

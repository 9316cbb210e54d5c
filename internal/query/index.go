package query

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"

	"github.com/devrev/pairdb/docstore/internal/model"
)

// ErrIndexMisuse is the panic value (wrapped) raised when an index is
// queried with a filter it reported an infinite cost for.
var ErrIndexMisuse = stderrors.New("index queried for a filter it cannot answer")

// QueryIndex is one way of answering a filter.
type QueryIndex interface {
	Name() string
	// Cost estimates the work needed to answer f. math.Inf(1) means the
	// index cannot answer f at all.
	Cost(f Filter, root *IndexState) float64
	// Query returns the paths matching f. It must only be called when Cost
	// was finite for the same f and root.
	Query(ctx context.Context, f Filter, root *IndexState) Cursor
	// Plan describes how f would be answered.
	Plan(f Filter, root *IndexState) string
}

func misuse(index string, f Filter) {
	panic(fmt.Errorf("%w: %s index, filter %s", ErrIndexMisuse, index, f))
}

// PropertyIndexLookup answers equality restrictions on a single property
// from the indexes in an IndexState.
type PropertyIndexLookup struct {
	root *IndexState
}

// NewPropertyIndexLookup returns a lookup over root.
func NewPropertyIndexLookup(root *IndexState) *PropertyIndexLookup {
	return &PropertyIndexLookup{root: root}
}

// IsIndexed reports whether property is indexed for the subtree at path.
func (l *PropertyIndexLookup) IsIndexed(property, path string) bool {
	d, ok := l.root.Definition(property)
	return ok && d.Covers(path)
}

// scope returns the root of the subtree f can match. A filter without a
// path restriction spans the whole tree.
func scope(f Filter) string {
	if f.PathRestriction() == PathNoRestriction {
		return "/"
	}
	return f.Path()
}

// Cost is 2 plus the number of entries holding one of values, or every
// entry of the property when values is nil.
func (l *PropertyIndexLookup) Cost(f Filter, property string, values []any) float64 {
	if !l.IsIndexed(property, scope(f)) {
		return math.Inf(1)
	}
	n := 0
	err := l.root.ascend(property, values, func(string, string) bool {
		n++
		return true
	})
	if err != nil {
		return math.Inf(1)
	}
	return 2 + float64(n)
}

// Query returns the paths holding one of values that satisfy the path part
// of f, ordered by value then path.
func (l *PropertyIndexLookup) Query(f Filter, property string, values []any) Cursor {
	if !l.IsIndexed(property, scope(f)) {
		misuse("property "+property, f)
	}
	return NewCursor(func(yield func(string, error) bool) {
		stopped := false
		err := l.root.ascend(property, values, func(_, path string) bool {
			if !MatchesPath(f, path) {
				return true
			}
			if !yield(path, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield("", err)
		}
	})
}

func typeValues(types []string) []any {
	values := make([]any, len(types))
	for i, t := range types {
		values[i] = t
	}
	return values
}

// NodeTypeIndex answers node type restrictions with lookups on
// jcr:primaryType and jcr:mixinTypes. Its cost is the sum of both lookups.
type NodeTypeIndex struct{}

var _ QueryIndex = NodeTypeIndex{}

func (NodeTypeIndex) Name() string { return "nodeType" }

func (NodeTypeIndex) applicable(f Filter, lookup *PropertyIndexLookup) bool {
	return HasNodeTypeRestriction(f) &&
		lookup.IsIndexed(model.PropertyPrimaryType, scope(f)) &&
		lookup.IsIndexed(model.PropertyMixinTypes, scope(f))
}

func (x NodeTypeIndex) Cost(f Filter, root *IndexState) float64 {
	lookup := NewPropertyIndexLookup(root)
	if !x.applicable(f, lookup) {
		return math.Inf(1)
	}
	return lookup.Cost(f, model.PropertyPrimaryType, typeValues(f.PrimaryTypes())) +
		lookup.Cost(f, model.PropertyMixinTypes, typeValues(f.MixinTypes()))
}

func (x NodeTypeIndex) Query(ctx context.Context, f Filter, root *IndexState) Cursor {
	lookup := NewPropertyIndexLookup(root)
	if !x.applicable(f, lookup) {
		misuse(x.Name(), f)
	}
	return Distinct(Concat(
		lookup.Query(f, model.PropertyPrimaryType, typeValues(f.PrimaryTypes())),
		lookup.Query(f, model.PropertyMixinTypes, typeValues(f.MixinTypes())),
	))
}

func (x NodeTypeIndex) Plan(f Filter, root *IndexState) string {
	return x.Name() + " " + f.String()
}

// PropertyIndex answers the cheapest indexed property restriction of a
// filter. Other restrictions are left to the caller.
type PropertyIndex struct{}

var _ QueryIndex = PropertyIndex{}

func (PropertyIndex) Name() string { return "property" }

// best returns the restriction with the lowest finite lookup cost; the
// first one wins ties.
func (PropertyIndex) best(f Filter, lookup *PropertyIndexLookup) (PropertyRestriction, float64) {
	var (
		best PropertyRestriction
		cost = math.Inf(1)
	)
	for _, r := range f.PropertyRestrictions() {
		if c := lookup.Cost(f, r.Name, r.Values); c < cost {
			best, cost = r, c
		}
	}
	return best, cost
}

func (x PropertyIndex) Cost(f Filter, root *IndexState) float64 {
	_, cost := x.best(f, NewPropertyIndexLookup(root))
	return cost
}

func (x PropertyIndex) Query(ctx context.Context, f Filter, root *IndexState) Cursor {
	lookup := NewPropertyIndexLookup(root)
	r, cost := x.best(f, lookup)
	if math.IsInf(cost, 1) {
		misuse(x.Name(), f)
	}
	return Distinct(lookup.Query(f, r.Name, r.Values))
}

func (x PropertyIndex) Plan(f Filter, root *IndexState) string {
	r, cost := x.best(f, NewPropertyIndexLookup(root))
	if math.IsInf(cost, 1) {
		return x.Name() + " not applicable"
	}
	return fmt.Sprintf("%s [%s] %s", x.Name(), r, f)
}

// Package query implements the cost based index selection used to answer
// structural and property queries over node documents.
package query

import (
	"fmt"
	"slices"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/model"
)

// PathRestriction describes which paths relative to Filter.Path match.
type PathRestriction int

const (
	// PathAllChildren matches strict descendants of the filter path.
	PathAllChildren PathRestriction = iota
	// PathDirectChildren matches the immediate children of the filter path.
	PathDirectChildren
	// PathExact matches the filter path itself.
	PathExact
	// PathNoRestriction matches every path.
	PathNoRestriction
)

func (r PathRestriction) String() string {
	switch r {
	case PathAllChildren:
		return "//*"
	case PathDirectChildren:
		return "/*"
	case PathExact:
		return ""
	case PathNoRestriction:
		return "any"
	default:
		return fmt.Sprintf("PathRestriction(%d)", int(r))
	}
}

// PropertyRestriction restricts a property to one of Values. A nil Values
// only requires the property to be present.
type PropertyRestriction struct {
	Name   string
	Values []any
}

func (r PropertyRestriction) String() string {
	if r.Values == nil {
		return r.Name + " is not null"
	}
	parts := make([]string, len(r.Values))
	for i, v := range r.Values {
		parts[i] = fmt.Sprint(v)
	}
	return r.Name + " in (" + strings.Join(parts, ", ") + ")"
}

// Filter is the predicate handed to indexes by the query layer. It must
// not change while a query runs.
type Filter interface {
	Path() string
	PathRestriction() PathRestriction
	// MatchesAllTypes is false when the filter restricts node types.
	MatchesAllTypes() bool
	PrimaryTypes() []string
	MixinTypes() []string
	PropertyRestriction(name string) (PropertyRestriction, bool)
	PropertyRestrictions() []PropertyRestriction
	String() string
}

// HasNodeTypeRestriction reports whether f restricts node types.
func HasNodeTypeRestriction(f Filter) bool {
	return !f.MatchesAllTypes()
}

// BasicFilter is an immutable Filter. The With methods return copies.
type BasicFilter struct {
	path         string
	restriction  PathRestriction
	primaryTypes []string
	mixinTypes   []string
	typed        bool
	properties   []PropertyRestriction
}

var _ Filter = (*BasicFilter)(nil)

// NewFilter returns a filter matching every descendant of path.
func NewFilter(path string) *BasicFilter {
	if path == "" {
		path = "/"
	}
	return &BasicFilter{path: path, restriction: PathAllChildren}
}

func (f *BasicFilter) clone() *BasicFilter {
	c := *f
	c.primaryTypes = slices.Clone(f.primaryTypes)
	c.mixinTypes = slices.Clone(f.mixinTypes)
	c.properties = slices.Clone(f.properties)
	return &c
}

// WithPathRestriction returns a copy with restriction r.
func (f *BasicFilter) WithPathRestriction(r PathRestriction) *BasicFilter {
	c := f.clone()
	c.restriction = r
	return c
}

// WithNodeTypes returns a copy matching nodes whose primary type is one of
// primary or that carry one of mixins.
func (f *BasicFilter) WithNodeTypes(primary, mixins []string) *BasicFilter {
	c := f.clone()
	c.primaryTypes = slices.Clone(primary)
	c.mixinTypes = slices.Clone(mixins)
	c.typed = true
	return c
}

// WithPropertyValues returns a copy that requires name to equal one of values.
func (f *BasicFilter) WithPropertyValues(name string, values ...any) *BasicFilter {
	if values == nil {
		values = []any{}
	}
	normalized := make([]any, len(values))
	for i, v := range values {
		normalized[i] = model.NormalizeValue(v)
	}
	return f.withProperty(PropertyRestriction{Name: name, Values: normalized})
}

// WithPropertyExists returns a copy that requires name to be present.
func (f *BasicFilter) WithPropertyExists(name string) *BasicFilter {
	return f.withProperty(PropertyRestriction{Name: name})
}

func (f *BasicFilter) withProperty(r PropertyRestriction) *BasicFilter {
	c := f.clone()
	i := slices.IndexFunc(c.properties, func(p PropertyRestriction) bool { return p.Name == r.Name })
	if i >= 0 {
		c.properties[i] = r
	} else {
		c.properties = append(c.properties, r)
	}
	return c
}

func (f *BasicFilter) Path() string { return f.path }
func (f *BasicFilter) PathRestriction() PathRestriction { return f.restriction }
func (f *BasicFilter) MatchesAllTypes() bool { return !f.typed }
func (f *BasicFilter) PrimaryTypes() []string { return slices.Clone(f.primaryTypes) }
func (f *BasicFilter) MixinTypes() []string { return slices.Clone(f.mixinTypes) }
func (f *BasicFilter) PropertyRestrictions() []PropertyRestriction { return slices.Clone(f.properties) }

func (f *BasicFilter) PropertyRestriction(name string) (PropertyRestriction, bool) {
	for _, p := range f.properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyRestriction{}, false
}

func (f *BasicFilter) String() string {
	var sb strings.Builder
	sb.WriteString("path=")
	sb.WriteString(f.path)
	sb.WriteString(f.restriction.String())
	if f.typed {
		fmt.Fprintf(&sb, " types=[%s|%s]",
			strings.Join(f.primaryTypes, ","), strings.Join(f.mixinTypes, ","))
	}
	for _, p := range f.properties {
		sb.WriteString(" property=[")
		sb.WriteString(p.String())
		sb.WriteString("]")
	}
	return sb.String()
}

// MatchesPath reports whether path satisfies the path part of f.
func MatchesPath(f Filter, path string) bool {
	switch f.PathRestriction() {
	case PathExact:
		return path == f.Path()
	case PathDirectChildren:
		return path != f.Path() && model.ParentPath(path) == f.Path()
	case PathAllChildren:
		return model.IsAncestor(f.Path(), path)
	default:
		return true
	}
}

// Matches evaluates every part of f against a node document, using the
// newest value of each property.
func Matches(f Filter, path string, doc *model.Document) bool {
	if !MatchesPath(f, path) || isDeleted(doc) {
		return false
	}
	if HasNodeTypeRestriction(f) && !matchesTypes(f, doc) {
		return false
	}
	for _, r := range f.PropertyRestrictions() {
		v, ok := model.LatestValue(doc, r.Name)
		if !ok || v == nil {
			return false
		}
		if r.Values != nil && !slices.ContainsFunc(r.Values, func(want any) bool {
			return model.ValuesEqual(want, v)
		}) {
			return false
		}
	}
	return true
}

func matchesTypes(f Filter, doc *model.Document) bool {
	if v, ok := model.LatestValue(doc, model.PropertyPrimaryType); ok {
		if s, isString := v.(string); isString && slices.Contains(f.PrimaryTypes(), s) {
			return true
		}
	}
	if v, ok := model.LatestValue(doc, model.PropertyMixinTypes); ok {
		if s, isString := v.(string); isString && slices.Contains(f.MixinTypes(), s) {
			return true
		}
	}
	return false
}

func isDeleted(doc *model.Document) bool {
	v, ok := model.LatestValue(doc, model.KeyDeleted)
	if !ok {
		return false
	}
	return v == true || v == "true"
}

package model

import (
	"strconv"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/errors"
)

// Collections known to the store
const (
	CollectionNodes        = "nodes"
	CollectionClusterNodes = "clusterNodes"
	CollectionSettings     = "settings"
	CollectionJournal      = "journal"
)

// Node type properties consulted by the node type index
const (
	PropertyPrimaryType = "jcr:primaryType"
	PropertyMixinTypes  = "jcr:mixinTypes"
)

// PathDepth returns the number of path segments; the root has depth 0.
func PathDepth(path string) int {
	if path == "/" || path == "" {
		return 0
	}
	return strings.Count(path, "/")
}

// IDFromPath returns the node document id for path: <depth>:<path>.
func IDFromPath(path string) string {
	return strconv.Itoa(PathDepth(path)) + ":" + path
}

// PathFromID is the inverse of IDFromPath.
func PathFromID(id string) (string, error) {
	i := strings.IndexByte(id, ':')
	if i <= 0 {
		return "", errors.InvalidID(id, "missing depth prefix")
	}
	depth, err := strconv.Atoi(id[:i])
	if err != nil {
		return "", errors.InvalidID(id, "depth is not a number")
	}
	path := id[i+1:]
	if !strings.HasPrefix(path, "/") || PathDepth(path) != depth {
		return "", errors.InvalidID(id, "depth does not match path")
	}
	return path, nil
}

// ParentPath returns the parent of path; the root is its own parent.
func ParentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// ChildPath joins parent and a child name.
func ChildPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// IsAncestor reports whether ancestor is a strict ancestor of path.
func IsAncestor(ancestor, path string) bool {
	if ancestor == "/" {
		return path != "/" && strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, ancestor+"/")
}

// KeyLowerLimit returns the exclusive lower id bound of the children of path.
func KeyLowerLimit(path string) string {
	id := IDFromPath(ChildPath(path, "a"))
	return id[:len(id)-1]
}

// KeyUpperLimit returns the exclusive upper id bound of the children of path.
func KeyUpperLimit(path string) string {
	id := IDFromPath(ChildPath(path, "z"))
	return id[:len(id)-2] + "0"
}

// SetLastRev records rev as the last revision written by its cluster node.
func SetLastRev(op *UpdateOp, rev Revision) *UpdateOp {
	return op.SetMapEntry(KeyLastRev, Revision{ClusterID: rev.ClusterID}, rev.String())
}

// LastRevs returns the last revision per cluster id recorded in doc.
func LastRevs(doc *Document) (map[uint32]Revision, error) {
	revs := make(map[uint32]Revision)
	vm, ok := doc.ValueMap(KeyLastRev)
	if !ok {
		return revs, nil
	}
	for key, v := range vm.All() {
		s, ok := v.(string)
		if !ok {
			return nil, errors.CorruptedData("last revision entry is not a string", nil).
				WithDetail("id", doc.ID())
		}
		r, err := ParseRevision(s)
		if err != nil {
			return nil, err
		}
		revs[key.ClusterID] = r
	}
	return revs, nil
}

// PropertyNames returns the user visible property names of a node
// document: every key not starting with an underscore.
func PropertyNames(doc *Document) []string {
	var names []string
	for _, k := range doc.Keys() {
		if !strings.HasPrefix(k, "_") {
			names = append(names, k)
		}
	}
	return names
}

// LatestValue returns the newest value of a node property. Plain values
// are returned as is; value maps yield their newest entry.
func LatestValue(doc *Document, name string) (any, bool) {
	v, ok := doc.Get(name)
	if !ok {
		return nil, false
	}
	if vm, isMap := v.(ValueMap); isMap {
		_, latest, ok := vm.Latest()
		return latest, ok
	}
	return v, true
}

package model

import (
	"cmp"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/errors"
)

// Revision identifies one committed mutation. Revisions are ordered by
// timestamp, then counter, then cluster id. The branch flag is carried
// along but does not take part in ordering.
type Revision struct {
	Timestamp uint64
	Counter   uint32
	ClusterID uint32
	Branch    bool
}

// Compare returns -1, 0 or 1 as r sorts before, equal to or after o.
func (r Revision) Compare(o Revision) int {
	if c := cmp.Compare(r.Timestamp, o.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(r.Counter, o.Counter); c != 0 {
		return c
	}
	return cmp.Compare(r.ClusterID, o.ClusterID)
}

// Before reports whether r sorts strictly before o.
func (r Revision) Before(o Revision) bool {
	return r.Compare(o) < 0
}

// After reports whether r sorts strictly after o.
func (r Revision) After(o Revision) bool {
	return r.Compare(o) > 0
}

// IsZero reports whether r is the zero revision.
func (r Revision) IsZero() bool {
	return r.Timestamp == 0 && r.Counter == 0 && r.ClusterID == 0
}

// AsBranch returns r with the branch flag set.
func (r Revision) AsBranch() Revision {
	r.Branch = true
	return r
}

// AsTrunk returns r with the branch flag cleared.
func (r Revision) AsTrunk() Revision {
	r.Branch = false
	return r
}

// String formats r as r<timestamp>-<counter>-<clusterId> in lower case hex,
// with a leading b instead of r for branch revisions.
func (r Revision) String() string {
	var sb strings.Builder
	sb.Grow(24)
	if r.Branch {
		sb.WriteByte('b')
	} else {
		sb.WriteByte('r')
	}
	sb.WriteString(strconv.FormatUint(r.Timestamp, 16))
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatUint(uint64(r.Counter), 16))
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatUint(uint64(r.ClusterID), 16))
	return sb.String()
}

// ParseRevision parses the String form of a revision.
func ParseRevision(s string) (Revision, error) {
	if len(s) < 6 || (s[0] != 'r' && s[0] != 'b') {
		return Revision{}, errors.InvalidRevision(s, nil)
	}
	parts := strings.Split(s[1:], "-")
	if len(parts) != 3 {
		return Revision{}, errors.InvalidRevision(s, nil)
	}
	ts, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return Revision{}, errors.InvalidRevision(s, err)
	}
	counter, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return Revision{}, errors.InvalidRevision(s, err)
	}
	clusterID, err := strconv.ParseUint(parts[2], 16, 32)
	if err != nil {
		return Revision{}, errors.InvalidRevision(s, err)
	}
	return Revision{
		Timestamp: ts,
		Counter:   uint32(counter),
		ClusterID: uint32(clusterID),
		Branch:    s[0] == 'b',
	}, nil
}

// MustParseRevision is like ParseRevision but panics on malformed input.
func MustParseRevision(s string) Revision {
	r, err := ParseRevision(s)
	if err != nil {
		panic(err)
	}
	return r
}

// MaxRevision returns the later of a and b.
func MaxRevision(a, b Revision) Revision {
	if b.After(a) {
		return b
	}
	return a
}

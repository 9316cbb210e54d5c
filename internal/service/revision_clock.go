package service

import (
	"math"
	"sync"
	"time"

	"github.com/devrev/pairdb/docstore/internal/model"
	"go.uber.org/zap"
)

// RevisionClock issues revisions that are strictly greater than every
// revision it has issued or observed. The wall clock seeds the timestamp;
// when it does not move past the newest known revision the counter is
// incremented instead.
type RevisionClock struct {
	mu     sync.Mutex
	head   model.Revision
	now    func() time.Time
	logger *zap.Logger
}

// NewRevisionClock creates a clock. A nil now uses time.Now.
func NewRevisionClock(now func() time.Time, logger *zap.Logger) *RevisionClock {
	if now == nil {
		now = time.Now
	}
	return &RevisionClock{now: now, logger: logger}
}

// NewRevision returns a new trunk revision for clusterID.
func (c *RevisionClock) NewRevision(clusterID uint32) model.Revision {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := uint64(c.now().UnixMilli())
	var rev model.Revision
	switch {
	case ts > c.head.Timestamp:
		rev = model.Revision{Timestamp: ts, ClusterID: clusterID}
	case c.head.Counter == math.MaxUint32:
		rev = model.Revision{Timestamp: c.head.Timestamp + 1, ClusterID: clusterID}
	default:
		if ts+skewWarnMillis < c.head.Timestamp {
			c.logger.Debug("Wall clock behind newest known revision",
				zap.Uint64("wall_clock_ms", ts),
				zap.String("head", c.head.String()))
		}
		rev = model.Revision{Timestamp: c.head.Timestamp, Counter: c.head.Counter + 1, ClusterID: clusterID}
	}
	c.head = rev
	return rev
}

const skewWarnMillis = 2000

// NewBranchRevision returns a new revision with the branch flag set.
func (c *RevisionClock) NewBranchRevision(clusterID uint32) model.Revision {
	return c.NewRevision(clusterID).AsBranch()
}

// UpdateClusterSeenRevision records a revision observed from another
// cluster node. Later revisions issued by this clock sort after it.
func (c *RevisionClock) UpdateClusterSeenRevision(rev model.Revision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rev.After(c.head) {
		c.head = rev.AsTrunk()
	}
}

// Head returns the newest revision issued or observed.
func (c *RevisionClock) Head() model.Revision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

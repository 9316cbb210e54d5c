package service

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"go.uber.org/zap"
)

// Cluster node document keys
const (
	KeyLeaseNodeID    = "nodeId"
	KeyLeaseState     = "state"
	KeyLeaseEnd       = "leaseEnd"
	KeyLeaseStartTime = "startTime"
)

// Cluster node states
const (
	LeaseStateActive = "ACTIVE"
	LeaseStateNone   = "NONE"
)

// LeaseStore is the part of the document store a ClusterLease writes through.
type LeaseStore interface {
	Find(ctx context.Context, collection, id string) (*model.Document, error)
	CreateOrUpdate(ctx context.Context, collection string, ops []*model.UpdateOp) ([]*model.Document, error)
}

// ClusterLeaseConfig holds lease timing
type ClusterLeaseConfig struct {
	Duration      time.Duration
	RenewInterval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// ClusterLease claims a cluster id in the clusterNodes collection and keeps
// the claim alive. Every write carries a new revision from the clock in the
// document's _lastRev map.
type ClusterLease struct {
	store     LeaseStore
	clock     *RevisionClock
	clusterID uint32
	nodeID    string
	config    ClusterLeaseConfig
	logger    *zap.Logger

	mu       sync.Mutex
	lastRev  model.Revision
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewClusterLease creates a lease for clusterID. Nothing is written until
// Acquire.
func NewClusterLease(store LeaseStore, clock *RevisionClock, clusterID uint32, nodeID string,
	cfg ClusterLeaseConfig, logger *zap.Logger) *ClusterLease {
	if cfg.Duration <= 0 {
		cfg.Duration = 2 * time.Minute
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.Duration {
		cfg.RenewInterval = cfg.Duration / 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ClusterLease{
		store:     store,
		clock:     clock,
		clusterID: clusterID,
		nodeID:    nodeID,
		config:    cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// ID returns the clusterNodes document id of this lease.
func (l *ClusterLease) ID() string {
	return strconv.FormatUint(uint64(l.clusterID), 10)
}

// LastRevision returns the revision of the last successful lease write.
func (l *ClusterLease) LastRevision() model.Revision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRev
}

// Acquire claims the cluster id. It fails when another node holds an
// unexpired active lease on it. The clock moves past every revision a
// previous holder recorded.
func (l *ClusterLease) Acquire(ctx context.Context) error {
	doc, err := l.store.Find(ctx, model.CollectionClusterNodes, l.ID())
	if err != nil {
		return err
	}
	if doc != nil {
		revs, err := model.LastRevs(doc)
		if err != nil {
			return err
		}
		for _, rev := range revs {
			l.clock.UpdateClusterSeenRevision(rev)
		}
		owner, _ := doc.String(KeyLeaseNodeID)
		state, _ := doc.String(KeyLeaseState)
		end, _ := doc.Int(KeyLeaseEnd)
		if state == LeaseStateActive && owner != l.nodeID && end > l.config.Now().UnixMilli() {
			return errors.NewStorageError(errors.ErrCodeUnavailable, "cluster id is leased by another node", nil).
				WithDetail("cluster_id", l.clusterID).
				WithDetail("owner", owner).
				WithDetail("lease_end", end)
		}
	}

	now := l.config.Now()
	op := model.NewUpdateOp(l.ID(), true).
		Set(KeyLeaseNodeID, l.nodeID).
		Set(KeyLeaseState, LeaseStateActive).
		Set(KeyLeaseStartTime, now.UnixMilli()).
		Set(KeyLeaseEnd, now.Add(l.config.Duration).UnixMilli())
	if err := l.write(ctx, op); err != nil {
		return err
	}
	l.logger.Info("Cluster lease acquired",
		zap.Uint32("cluster_id", l.clusterID),
		zap.String("node_id", l.nodeID),
		zap.Duration("duration", l.config.Duration))
	return nil
}

// Renew extends the lease by its configured duration.
func (l *ClusterLease) Renew(ctx context.Context) error {
	op := model.NewUpdateOp(l.ID(), true).
		Set(KeyLeaseNodeID, l.nodeID).
		Set(KeyLeaseState, LeaseStateActive).
		Set(KeyLeaseEnd, l.config.Now().Add(l.config.Duration).UnixMilli())
	return l.write(ctx, op)
}

// Release stops renewing and marks the cluster id as free.
func (l *ClusterLease) Release(ctx context.Context) error {
	l.stop()
	op := model.NewUpdateOp(l.ID(), true).
		Set(KeyLeaseState, LeaseStateNone).
		Set(KeyLeaseEnd, int64(0))
	if err := l.write(ctx, op); err != nil {
		return err
	}
	l.logger.Info("Cluster lease released", zap.Uint32("cluster_id", l.clusterID))
	return nil
}

func (l *ClusterLease) write(ctx context.Context, op *model.UpdateOp) error {
	rev := l.clock.NewRevision(l.clusterID)
	model.SetLastRev(op, rev)
	if _, err := l.store.CreateOrUpdate(ctx, model.CollectionClusterNodes, []*model.UpdateOp{op}); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastRev = rev
	l.mu.Unlock()
	return nil
}

// Start renews the lease in the background until ctx is done or Release
// is called.
func (l *ClusterLease) Start(ctx context.Context) {
	if l.started.CompareAndSwap(false, true) {
		go l.run(ctx)
	}
}

func (l *ClusterLease) run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.config.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				l.logger.Warn("Failed to renew cluster lease",
					zap.Uint32("cluster_id", l.clusterID),
					zap.Error(err))
			}
		}
	}
}

// stop waits for a started renew loop to exit.
func (l *ClusterLease) stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	if l.started.Load() {
		<-l.doneCh
	}
}

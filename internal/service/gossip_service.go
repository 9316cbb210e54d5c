package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/docstore/internal/codec"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipService manages cluster membership and spreads each node's newest
// known revision so that every revision clock in the cluster moves past
// revisions issued elsewhere.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	nodeID     string
	clusterID  uint32
	clock      *RevisionClock
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu        sync.RWMutex
	status    model.NodeStatus
	peers     map[string]model.NodeState
	members   map[string]struct{}
	announced model.Revision

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	LeaveTimeout   time.Duration
}

// NewGossipService creates the memberlist, joins the seed nodes and starts
// announcing the clock head. An empty nodeID gets a random name.
func NewGossipService(cfg *GossipConfig, nodeID string, clusterID uint32, clock *RevisionClock,
	m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	gs := newGossipService(cfg, nodeID, clusterID, clock, m, logger)

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	m.UpdateGossipMembers(gs.NumMembers())

	go gs.run()

	logger.Info("Gossip started",
		zap.String("node_id", nodeID),
		zap.String("addr", ml.LocalNode().Address()))
	return gs, nil
}

func newGossipService(cfg *GossipConfig, nodeID string, clusterID uint32, clock *RevisionClock,
	m *metrics.Metrics, logger *zap.Logger) *GossipService {
	gs := &GossipService{
		config:    cfg,
		nodeID:    nodeID,
		clusterID: clusterID,
		clock:     clock,
		metrics:   m,
		logger:    logger,
		status:    model.NodeStatusHealthy,
		peers:     make(map[string]model.NodeState),
		members:   map[string]struct{}{nodeID: {}},
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	gs.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       gs.NumMembers,
		RetransmitMult: 3,
	}
	return gs
}

// run announces the head whenever it moved since the last announcement.
func (s *GossipService) run() {
	defer close(s.doneCh)

	interval := s.config.GossipInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			moved := s.clock.Head().After(s.announced)
			s.mu.RUnlock()
			if moved {
				s.AnnounceHead()
			}
		}
	}
}

// LocalNodeState returns what this node currently advertises.
func (s *GossipService) LocalNodeState() model.NodeState {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	return model.NodeState{
		NodeID:    s.nodeID,
		ClusterID: s.clusterID,
		Head:      s.clock.Head(),
		Status:    status,
		Timestamp: time.Now().Unix(),
	}
}

// AnnounceHead queues a broadcast of the local state. A queued broadcast
// that has not been fully transmitted yet is replaced.
func (s *GossipService) AnnounceHead() {
	state := s.LocalNodeState()
	data, err := encodeNodeState(state)
	if err != nil {
		s.logger.Error("Failed to encode node state", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.announced = state.Head
	s.mu.Unlock()
	s.broadcasts.QueueBroadcast(&headBroadcast{msg: data})
}

// UpdateHealthStatus changes the status advertised to peers.
func (s *GossipService) UpdateHealthStatus(status model.NodeStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if changed {
		s.AnnounceHead()
	}
}

// Members returns the last state received from every live peer.
func (s *GossipService) Members() []model.NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.NodeState, 0, len(s.peers))
	for _, st := range s.peers {
		out = append(out, st)
	}
	return out
}

// NumMembers returns the cluster size including this node, as seen through
// join and leave events. It never calls into memberlist, so it is safe to
// use from event delegates and the broadcast queue.
func (s *GossipService) NumMembers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Addr returns the address other nodes can join through.
func (s *GossipService) Addr() string {
	if s.memberlist == nil {
		return ""
	}
	return s.memberlist.LocalNode().Address()
}

// observe merges a peer's state into the local view.
func (s *GossipService) observe(state model.NodeState, source string) {
	if state.NodeID == "" || state.NodeID == s.nodeID {
		return
	}
	if !state.Head.IsZero() {
		s.clock.UpdateClusterSeenRevision(state.Head)
	}
	s.mu.Lock()
	if prev, ok := s.peers[state.NodeID]; !ok || !state.Head.Before(prev.Head) {
		s.peers[state.NodeID] = state
	}
	s.mu.Unlock()
	s.metrics.RecordGossipMessage(source)
}

func (s *GossipService) join(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[nodeID] = struct{}{}
	return len(s.members)
}

func (s *GossipService) forget(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, nodeID)
	if nodeID != s.nodeID {
		delete(s.members, nodeID)
	}
	return len(s.members)
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, err := encodeNodeState(s.LocalNodeState())
	if err != nil || len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	state, err := decodeNodeState(data)
	if err != nil {
		s.logger.Warn("Failed to decode gossip message", zap.Error(err))
		return
	}
	s.logger.Debug("Received node state",
		zap.String("node_id", state.NodeID),
		zap.String("head", state.Head.String()),
		zap.String("status", string(state.Status)))
	s.observe(state, "broadcast")
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return s.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	data, err := encodeNodeState(s.LocalNodeState())
	if err != nil {
		s.logger.Error("Failed to encode node state", zap.Error(err))
		return nil
	}
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	state, err := decodeNodeState(buf)
	if err != nil {
		s.logger.Warn("Failed to decode remote state", zap.Error(err))
		return
	}
	s.observe(state, "push_pull")
}

// Shutdown leaves the cluster and shuts down the gossip service
func (s *GossipService) Shutdown() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.memberlist == nil {
		return nil
	}
	<-s.doneCh

	timeout := s.config.LeaveTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins. memberlist holds its node lock
// while delivering events, so delegates must not call back into it.
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	n := d.service.join(node.Name)
	d.observeMeta(node)
	d.service.metrics.UpdateGossipMembers(n)
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	n := d.service.forget(node.Name)
	d.service.metrics.UpdateGossipMembers(n)
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
	d.observeMeta(node)
}

func (d *GossipEventDelegate) observeMeta(node *memberlist.Node) {
	if len(node.Meta) == 0 {
		return
	}
	state, err := decodeNodeState(node.Meta)
	if err != nil {
		d.service.logger.Debug("Ignoring undecodable node meta",
			zap.String("node_id", node.Name), zap.Error(err))
		return
	}
	d.service.observe(state, "meta")
}

type headBroadcast struct {
	msg []byte
}

// Invalidates reports true for any other head broadcast: only the newest
// local state is worth transmitting.
func (b *headBroadcast) Invalidates(other memberlist.Broadcast) bool {
	_, ok := other.(*headBroadcast)
	return ok
}

func (b *headBroadcast) Message() []byte { return b.msg }

func (b *headBroadcast) Finished() {}

func encodeNodeState(st model.NodeState) ([]byte, error) {
	head := ""
	if !st.Head.IsZero() {
		head = st.Head.String()
	}
	s, err := codec.Encode(map[string]any{
		"node":    st.NodeID,
		"cluster": int64(st.ClusterID),
		"head":    head,
		"status":  string(st.Status),
		"ts":      st.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func decodeNodeState(data []byte) (model.NodeState, error) {
	var st model.NodeState
	v, err := codec.Decode(string(data))
	if err != nil {
		return st, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return st, fmt.Errorf("node state is not an object")
	}

	node, _ := obj["node"].(string)
	if node == "" {
		return st, fmt.Errorf("node state has no node id")
	}
	cluster, _ := obj["cluster"].(int64)
	if cluster < 0 || cluster > int64(^uint32(0)) {
		return st, fmt.Errorf("cluster id %d out of range", cluster)
	}
	st.NodeID = node
	st.ClusterID = uint32(cluster)

	if head, _ := obj["head"].(string); head != "" {
		rev, err := model.ParseRevision(head)
		if err != nil {
			return st, fmt.Errorf("invalid head revision: %w", err)
		}
		st.Head = rev
	}
	status, _ := obj["status"].(string)
	st.Status = model.NodeStatus(status)
	st.Timestamp, _ = obj["ts"].(int64)
	return st, nil
}

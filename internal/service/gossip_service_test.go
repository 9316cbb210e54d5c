package service

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedClock(ms int64) *RevisionClock {
	return NewRevisionClock(func() time.Time { return time.UnixMilli(ms) }, zap.NewNop())
}

func TestNodeState_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		state model.NodeState
	}{
		{"with head", model.NodeState{
			NodeID: "node-a", ClusterID: 7,
			Head:   model.Revision{Timestamp: 0x1234, Counter: 2, ClusterID: 7},
			Status: model.NodeStatusDegraded, Timestamp: 1700000000,
		}},
		{"zero head", model.NodeState{NodeID: "node-b", ClusterID: 1, Status: model.NodeStatusHealthy}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encodeNodeState(tt.state)
			require.NoError(t, err)
			got, err := decodeNodeState(data)
			require.NoError(t, err)
			assert.Equal(t, tt.state, got)
		})
	}
}

func TestDecodeNodeState_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not encoded", "garbage"},
		{"not an object", `["node"]`},
		{"missing node", `{"cluster":1}`},
		{"cluster out of range", `{"node":"a","cluster":-1}`},
		{"bad head", `{"node":"a","cluster":1,"head":"x1-2-3"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeNodeState([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestGossip_NotifyMsgAdvancesClock(t *testing.T) {
	clock := fixedClock(1000)
	gs := newGossipService(&GossipConfig{}, "local", 1, clock, nil, zap.NewNop())

	remote := model.Revision{Timestamp: 5000, Counter: 3, ClusterID: 2}
	data, err := encodeNodeState(model.NodeState{NodeID: "remote", ClusterID: 2, Head: remote})
	require.NoError(t, err)

	gs.NotifyMsg(data)
	assert.Equal(t, remote, clock.Head())

	next := clock.NewRevision(1)
	assert.True(t, next.After(remote))

	members := gs.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "remote", members[0].NodeID)
}

func TestGossip_IgnoresOwnAndMalformedState(t *testing.T) {
	clock := fixedClock(1000)
	gs := newGossipService(&GossipConfig{}, "local", 1, clock, nil, zap.NewNop())

	data, err := encodeNodeState(model.NodeState{
		NodeID: "local", ClusterID: 1,
		Head:   model.Revision{Timestamp: 9000, ClusterID: 1},
	})
	require.NoError(t, err)
	gs.MergeRemoteState(data, true)
	gs.NotifyMsg([]byte("{"))
	gs.MergeRemoteState(nil, false)

	assert.True(t, clock.Head().IsZero())
	assert.Empty(t, gs.Members())
}

func TestGossip_KeepsNewestPeerState(t *testing.T) {
	gs := newGossipService(&GossipConfig{}, "local", 1, fixedClock(1000), nil, zap.NewNop())

	newer := model.NodeState{NodeID: "peer", ClusterID: 2, Head: model.Revision{Timestamp: 20, ClusterID: 2}}
	older := model.NodeState{NodeID: "peer", ClusterID: 2, Head: model.Revision{Timestamp: 10, ClusterID: 2}}
	gs.observe(newer, "broadcast")
	gs.observe(older, "broadcast")

	members := gs.Members()
	require.Len(t, members, 1)
	assert.Equal(t, newer.Head, members[0].Head)

	(&GossipEventDelegate{service: gs}).NotifyLeave(&memberlist.Node{Name: "peer"})
	assert.Empty(t, gs.Members())
}

func TestGossip_MemberCountFollowsEvents(t *testing.T) {
	tests := []struct {
		name   string
		join   []string
		leave  []string
		expect int
	}{
		{"alone", nil, nil, 1},
		{"local join is not double counted", []string{"local"}, nil, 1},
		{"two peers", []string{"local", "a", "b"}, nil, 3},
		{"peer left", []string{"a", "b"}, []string{"a"}, 2},
		{"repeated join", []string{"a", "a"}, nil, 2},
		{"local leave keeps self", []string{"a"}, []string{"local"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gs := newGossipService(&GossipConfig{}, "local", 1, fixedClock(1000), nil, zap.NewNop())
			d := &GossipEventDelegate{service: gs}
			for _, name := range tt.join {
				d.NotifyJoin(&memberlist.Node{Name: name})
			}
			for _, name := range tt.leave {
				d.NotifyLeave(&memberlist.Node{Name: name})
			}
			assert.Equal(t, tt.expect, gs.NumMembers())
		})
	}
}

func TestGossip_BroadcastsSupersede(t *testing.T) {
	clock := fixedClock(1000)
	gs := newGossipService(&GossipConfig{}, "local", 1, clock, nil, zap.NewNop())

	clock.NewRevision(1)
	gs.AnnounceHead()
	head := clock.NewRevision(1)
	gs.AnnounceHead()

	assert.Equal(t, 1, gs.broadcasts.NumQueued())
	msgs := gs.GetBroadcasts(0, 1400)
	require.Len(t, msgs, 1)
	st, err := decodeNodeState(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, head, st.Head)
}

func TestGossip_LocalStateCarriesStatus(t *testing.T) {
	gs := newGossipService(&GossipConfig{}, "local", 3, fixedClock(1000), nil, zap.NewNop())
	gs.UpdateHealthStatus(model.NodeStatusUnhealthy)

	st, err := decodeNodeState(gs.LocalState(false))
	require.NoError(t, err)
	assert.Equal(t, "local", st.NodeID)
	assert.Equal(t, uint32(3), st.ClusterID)
	assert.Equal(t, model.NodeStatusUnhealthy, st.Status)

	assert.Nil(t, gs.NodeMeta(4))
	assert.NotEmpty(t, gs.NodeMeta(512))
}

func TestGossip_JoinExchangesHeads(t *testing.T) {
	if testing.Short() {
		t.Skip("starts network listeners")
	}

	cfg := &GossipConfig{BindAddr: "127.0.0.1", GossipInterval: 20 * time.Millisecond}
	clockA := fixedClock(50_000)
	headA := clockA.NewRevision(1)

	a, err := NewGossipService(cfg, "node-a", 1, clockA, nil, zap.NewNop())
	require.NoError(t, err)
	defer a.Shutdown()

	cfgB := *cfg
	cfgB.SeedNodes = []string{a.Addr()}
	clockB := fixedClock(1_000)
	b, err := NewGossipService(&cfgB, "node-b", 2, clockB, nil, zap.NewNop())
	require.NoError(t, err)
	defer b.Shutdown()

	assert.Eventually(t, func() bool {
		return a.NumMembers() == 2 && b.NumMembers() == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return !clockB.Head().Before(headA)
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, clockB.NewRevision(2).After(headA))
}

package cluster

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// Coordinator decides which fetch-worker process is allowed to drive
// decode scheduling for a range of segments within a splitfile. It runs a
// raft group whose FSM is nothing but the ownership table in ownership.go.
type Coordinator struct {
	cfg  Config
	raft *raft.Raft
	fsm  *FSM
}

// NewCoordinator creates and starts a raft node backing the ownership
// table.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	applyDefaults(&cfg)

	if cfg.NodeID == "" {
		return nil, fmt.Errorf("cluster: node_id is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("cluster: create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogLevel = "WARN"

	tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, tcpAddr, 3, raftTimeout, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create transport: %w", err)
	}

	logStore, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(cfg.DataDir, "raft-log.db"),
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: create log store: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create snapshot store: %w", err)
	}

	fsm := newFSM()
	r, err := raft.NewRaft(raftCfg, fsm, logStore, logStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("cluster: create raft: %w", err)
	}

	c := &Coordinator{cfg: cfg, raft: r, fsm: fsm}

	if cfg.Bootstrap {
		servers := []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("cluster: bootstrap: %w", err)
		}
		slog.Info("cluster: bootstrapped", "node_id", cfg.NodeID, "addr", cfg.BindAddr)
	}

	for _, peer := range cfg.Peers {
		nodeID, addr, ok := ParsePeer(peer)
		if !ok {
			slog.Warn("cluster: invalid peer format, expected nodeID@host:port", "peer", peer)
			continue
		}
		if r.State() == raft.Leader {
			future := r.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, raftTimeout)
			if err := future.Error(); err != nil {
				slog.Warn("cluster: failed to add peer", "peer", peer, "error", err)
			}
		}
	}

	slog.Info("cluster: node started", "node_id", cfg.NodeID, "bind", cfg.BindAddr, "peers", len(cfg.Peers))
	return c, nil
}

// ClaimRange asks the cluster to record that this node owns r. Must be
// called on the leader; a follower returns ErrNotLeader so the caller can
// retry against LeaderAddr.
func (c *Coordinator) ClaimRange(r Range) error {
	data, err := marshalCommand(CmdClaimRange, claimPayload{NodeID: c.cfg.NodeID, Range: r})
	if err != nil {
		return err
	}
	return c.apply(data)
}

// ReleaseRange drops a claim, e.g. once a splitfile is torn down.
func (c *Coordinator) ReleaseRange(r Range) error {
	data, err := marshalCommand(CmdReleaseRange, releasePayload{Range: r})
	if err != nil {
		return err
	}
	return c.apply(data)
}

func (c *Coordinator) apply(data []byte) error {
	if c.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	future := c.raft.Apply(data, raftTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: raft apply: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// Owns reports whether this node currently owns the claim covering segment
// idx of splitfileID. A Manager consults this before submitting a decode
// job from outside a segment's own OnGotKey/TryStartDecode path — it never
// gates the core segment/crosssegment state machines themselves.
func (c *Coordinator) Owns(splitfileID string, idx int) bool {
	owner, ok := c.fsm.table.owner(splitfileID, idx)
	if !ok {
		return true // unclaimed range: nothing stops this node from acting
	}
	return owner == c.cfg.NodeID
}

// IsLeader reports whether this node is the current raft leader.
func (c *Coordinator) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current leader, if known.
func (c *Coordinator) LeaderAddr() string {
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader blocks until a leader is elected or timeout.
func (c *Coordinator) WaitForLeader() error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(leaderWaitTimeout)
	for {
		select {
		case <-ticker.C:
			if c.LeaderAddr() != "" {
				return nil
			}
		case <-timeout:
			return fmt.Errorf("cluster: timed out waiting for leader election")
		}
	}
}

// Join adds a voter to the cluster. Must be called on the leader.
func (c *Coordinator) Join(nodeID, addr string) error {
	if c.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	return c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, raftTimeout).Error()
}

// Shutdown gracefully shuts down the raft node.
func (c *Coordinator) Shutdown() error {
	return c.raft.Shutdown().Error()
}

// NodeID returns this node's ID.
func (c *Coordinator) NodeID() string { return c.cfg.NodeID }

// ParsePeer splits "nodeID@host:port" into nodeID and host:port.
func ParsePeer(peer string) (nodeID, addr string, ok bool) {
	parts := strings.SplitN(peer, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ErrNotLeader is returned when a write is attempted on a non-leader node.
var ErrNotLeader = fmt.Errorf("cluster: not leader")

// StaticCoordinator is the single-node always-owner stub used when
// cluster.enabled is false: on a single-node deployment the coordinator
// is a trivial always-owner stub.
type StaticCoordinator struct{}

// Owns always returns true: with no cluster configured, this process is
// the only possible owner of any range.
func (StaticCoordinator) Owns(splitfileID string, idx int) bool { return true }

// RangeOwner is the narrow interface splitstore.Manager depends on, so it
// never needs to know whether a real raft Coordinator or the
// StaticCoordinator stub is behind it.
type RangeOwner interface {
	Owns(splitfileID string, idx int) bool
}

var (
	_ RangeOwner = (*Coordinator)(nil)
	_ RangeOwner = StaticCoordinator{}
)

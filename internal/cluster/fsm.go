package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/raft"
)

// FSM implements raft.FSM over an ownershipTable: Apply decodes a Command,
// dispatches by type, and calls into the table.
type FSM struct {
	table *ownershipTable
}

func newFSM() *FSM {
	return &FSM{table: newOwnershipTable()}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		slog.Error("cluster: failed to unmarshal command", "error", err)
		return fmt.Errorf("unmarshal command: %w", err)
	}
	return f.applyCommand(cmd)
}

func (f *FSM) applyCommand(cmd Command) interface{} {
	switch cmd.Type {
	case CmdClaimRange:
		var p claimPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.table.claimRange(p.NodeID, p.Range)

	case CmdReleaseRange:
		var p releasePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		f.table.releaseRange(p.Range)
		return nil

	default:
		return fmt.Errorf("cluster: unknown command type: %d", cmd.Type)
	}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{claims: f.table.snapshot()}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var claims []claim
	if err := json.NewDecoder(rc).Decode(&claims); err != nil && err != io.EOF {
		return fmt.Errorf("cluster: restore: %w", err)
	}
	f.table.restore(claims)
	return nil
}

type fsmSnapshot struct {
	claims []claim
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.claims)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

package strand

import (
	"io"

	"gopkg.in/yaml.v3"
)

// TaskSnapshot is the diagnostic view of one coroutine.
type TaskSnapshot struct {
	ID          uint64 `yaml:"id"`
	Name        string `yaml:"name"`
	State       string `yaml:"state"`
	SpawnedAt   string `yaml:"spawned_at"`
	SuspendedAt string `yaml:"suspended_at,omitempty"`
	Zombie      bool   `yaml:"zombie,omitempty"`
}

// ScopeSnapshot is the diagnostic view of a scope subtree.
type ScopeSnapshot struct {
	ID     uint64          `yaml:"id"`
	Name   string          `yaml:"name"`
	State  string          `yaml:"state"`
	Tasks  []TaskSnapshot  `yaml:"tasks,omitempty"`
	Scopes []ScopeSnapshot `yaml:"scopes,omitempty"`
}

// Snapshot captures the scope subtree for diagnostics. Take it from the
// scheduler goroutine only.
func (sc *Scope) Snapshot() ScopeSnapshot {
	snap := ScopeSnapshot{
		ID:    sc.id,
		Name:  sc.name,
		State: sc.state.String(),
	}
	for _, co := range sc.tasks {
		ts := TaskSnapshot{
			ID:        co.id,
			Name:      co.name,
			State:     co.state.String(),
			SpawnedAt: co.spawnedAt.String(),
			Zombie:    co.zombie,
		}
		if co.state == StateSuspended {
			ts.SuspendedAt = co.suspendedAt.String()
		}
		snap.Tasks = append(snap.Tasks, ts)
	}
	for _, child := range sc.children {
		snap.Scopes = append(snap.Scopes, child.Snapshot())
	}
	return snap
}

// DumpTree writes the scope subtree to w as YAML. Useful when a deadlock
// diagnostic alone is not enough to see how the tree got stuck.
func (sc *Scope) DumpTree(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(sc.Snapshot())
}

package orchestrator

import (
	"sort"

	"loom/internal/workpkg"
)

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	OrchestratorID string         `json:"orchestrator_id"`
	State          State          `json:"state"`
	Packages       map[string]int `json:"packages"`
	Workers        []WorkerView   `json:"workers"`
	Syntheses      int            `json:"syntheses"`
	Blocked        []string       `json:"blocked,omitempty"`
	Gate           string         `json:"gate,omitempty"`
}

// WorkerView is a pool worker as the orchestrator tracks it.
type WorkerView struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Activity    string `json:"activity"`
	CurrentTask string `json:"current_task,omitempty"`
	Registered  bool   `json:"registered"`
}

// Status reports package counts by status and the live pool.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		OrchestratorID: o.opts.ID,
		State:          o.state,
		Packages: map[string]int{
			string(workpkg.StatusPending):    0,
			string(workpkg.StatusInProgress): 0,
			string(workpkg.StatusCompleted):  0,
			string(workpkg.StatusError):      0,
		},
		Syntheses: len(o.syntheses),
		Gate:      o.lastGate,
	}
	for _, pkg := range o.packages {
		snap.Packages[string(pkg.Status)]++
	}
	for id, w := range o.pool {
		snap.Workers = append(snap.Workers, WorkerView{
			ID:          id,
			Type:        w.Type,
			Activity:    string(w.Activity),
			CurrentTask: w.CurrentTask,
			Registered:  w.Registered,
		})
	}
	sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].ID < snap.Workers[j].ID })
	for id := range o.blocked {
		snap.Blocked = append(snap.Blocked, id)
	}
	sort.Strings(snap.Blocked)
	return snap
}

// Package returns a copy of the package with id.
func (o *Orchestrator) Package(id string) (workpkg.WorkPackage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pkg, ok := o.packages[id]
	if !ok {
		return workpkg.WorkPackage{}, false
	}
	return pkg.Clone(), true
}

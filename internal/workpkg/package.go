package workpkg

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle position of a work package.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusError }

// PackageSpec describes one unit of work to run.
type PackageSpec struct {
	ID           string     `json:"id" toml:"id" yaml:"id"`
	Description  string     `json:"description" toml:"description" yaml:"description"`
	Type         string     `json:"type" toml:"type" yaml:"type"`
	Complexity   Complexity `json:"complexity" toml:"complexity" yaml:"complexity"`
	Dependencies []string   `json:"dependencies,omitempty" toml:"dependencies" yaml:"dependencies"`
	Command      []string   `json:"command,omitempty" toml:"command" yaml:"command"`
}

// Normalized trims identifiers and defaults the type to "general".
func (s PackageSpec) Normalized() PackageSpec {
	s.ID = strings.TrimSpace(s.ID)
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	if s.Type == "" {
		s.Type = "general"
	}
	deps := make([]string, 0, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if trimmed := strings.TrimSpace(dep); trimmed != "" {
			deps = append(deps, trimmed)
		}
	}
	s.Dependencies = deps
	return s
}

// Payload renders s as a task_assignment payload.
func (s PackageSpec) Payload() map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"id": s.ID}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"id": s.ID}
	}
	return out
}

// NewID returns a fresh package id of the form wp_<8 hex>.
func NewID() string {
	return "wp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// WorkPackage is the orchestrator's record of one spec during a run.
type WorkPackage struct {
	PackageSpec
	AssignedWorker string         `json:"assigned_worker,omitempty"`
	Status         Status         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Attempts       int            `json:"attempts"`
	Synthesized    bool           `json:"synthesized,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// New wraps spec as a pending package created at now.
func New(spec PackageSpec, now time.Time) *WorkPackage {
	return &WorkPackage{
		PackageSpec: spec,
		Status:      StatusPending,
		CreatedAt:   now,
	}
}

// Clone returns a copy that shares no mutable state with p.
func (p *WorkPackage) Clone() WorkPackage {
	out := *p
	out.Dependencies = append([]string(nil), p.Dependencies...)
	out.Command = append([]string(nil), p.Command...)
	if p.Result != nil {
		out.Result = make(map[string]any, len(p.Result))
		for k, v := range p.Result {
			out.Result[k] = v
		}
	}
	if p.StartedAt != nil {
		ts := *p.StartedAt
		out.StartedAt = &ts
	}
	if p.CompletedAt != nil {
		ts := *p.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// Duration reports how long the package took from creation to completion.
func (p *WorkPackage) Duration() (time.Duration, bool) {
	if p.CompletedAt == nil {
		return 0, false
	}
	return p.CompletedAt.Sub(p.CreatedAt), true
}

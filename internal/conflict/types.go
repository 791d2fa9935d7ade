package conflict

import (
	"fmt"
	"time"

	"loom/internal/coorderr"
)

// ErrConflictUnresolved marks conflicts that need a reviewer before their
// changes can be applied.
var ErrConflictUnresolved = coorderr.ErrConflictUnresolved

// Type enumerates the conflict kinds Detect can report.
type Type int

const (
	FileEdit Type = iota
	SequentialOperation
	TaskAssignment
	ResourceAccess
	ResourceContention
	LogicContradiction
	DependencyVersion

	numTypes
)

var typeNames = [numTypes]string{
	FileEdit:            "file_edit",
	SequentialOperation: "sequential_operation",
	TaskAssignment:      "task_assignment",
	ResourceAccess:      "resource_access",
	ResourceContention:  "resource_contention",
	LogicContradiction:  "logic_contradiction",
	DependencyVersion:   "dependency_version",
}

// Types lists every conflict type in declaration order.
func Types() []Type {
	out := make([]Type, 0, numTypes)
	for t := Type(0); t < numTypes; t++ {
		out = append(out, t)
	}
	return out
}

func (t Type) String() string {
	if t < 0 || t >= numTypes {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// MarshalText encodes the type by name.
func (t Type) MarshalText() ([]byte, error) {
	if t < 0 || t >= numTypes {
		return nil, fmt.Errorf("unknown conflict type %d", int(t))
	}
	return []byte(typeNames[t]), nil
}

// UnmarshalText decodes a type name.
func (t *Type) UnmarshalText(data []byte) error {
	name := string(data)
	for i, n := range typeNames {
		if n == name {
			*t = Type(i)
			return nil
		}
	}
	return fmt.Errorf("unknown conflict type %q", name)
}

// Severity orders conflicts for resolution. Higher values resolve first.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	name, ok := severityNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown severity %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(data []byte) error {
	for sev, name := range severityNames {
		if name == string(data) {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(data))
}

// StrategyName identifies how a conflict was settled.
type StrategyName string

const (
	StrategyMerge             StrategyName = "merge"
	StrategyExpertSelection   StrategyName = "expert_selection"
	StrategyQueue             StrategyName = "queue"
	StrategyFirstWins         StrategyName = "first_wins"
	StrategyLatestCompatible  StrategyName = "latest_compatible"
	StrategySynthesisRequired StrategyName = "synthesis_required"
)

// FileChange is one proposed change to a line range of a file. A zero range
// means the whole file.
type FileChange struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	Content   string `json:"content,omitempty"`
}

func (c FileChange) wholeFile() bool { return c.StartLine <= 0 && c.EndLine <= 0 }

// Operation is an order-dependent command against a named resource.
type Operation struct {
	Resource  string `json:"resource"`
	Command   string `json:"command,omitempty"`
	Exclusive bool   `json:"exclusive,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
}

// DependencyChange pins a dependency to a version.
type DependencyChange struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ResourceUse declares how a worker intends to use a shared resource.
type ResourceUse struct {
	Name              string `json:"name"`
	Exclusive         bool   `json:"exclusive,omitempty"`
	ConcurrentAllowed bool   `json:"concurrent_allowed,omitempty"`
}

// Proposal groups one worker's proposed changes for a cycle. Sequence orders
// proposals by when their claims were made; lower is earlier.
type Proposal struct {
	WorkerID     string             `json:"worker_id"`
	WorkerType   string             `json:"worker_type,omitempty"`
	PackageID    string             `json:"package_id,omitempty"`
	Sequence     int64              `json:"sequence,omitempty"`
	FileEdits    []FileChange       `json:"file_edits,omitempty"`
	Operations   []Operation        `json:"operations,omitempty"`
	Claims       []string           `json:"claims,omitempty"`
	Decisions    []string           `json:"decisions,omitempty"`
	Dependencies []DependencyChange `json:"dependencies,omitempty"`
	Resources    []ResourceUse      `json:"resources,omitempty"`
}

// Empty reports whether the proposal carries no changes.
func (p Proposal) Empty() bool {
	return len(p.FileEdits) == 0 && len(p.Operations) == 0 && len(p.Claims) == 0 &&
		len(p.Decisions) == 0 && len(p.Dependencies) == 0 && len(p.Resources) == 0
}

// Details carries the evidence behind a conflict. Only the fields relevant to
// the conflict's type are set.
type Details struct {
	EditsA            []FileChange      `json:"edits_a,omitempty"`
	EditsB            []FileChange      `json:"edits_b,omitempty"`
	Overlap           bool              `json:"overlap,omitempty"`
	OperationA        *Operation        `json:"operation_a,omitempty"`
	OperationB        *Operation        `json:"operation_b,omitempty"`
	DecisionA         string            `json:"decision_a,omitempty"`
	DecisionB         string            `json:"decision_b,omitempty"`
	Keywords          []string          `json:"keywords,omitempty"`
	Versions          map[string]string `json:"versions,omitempty"`
	ConcurrentAllowed bool              `json:"concurrent_allowed,omitempty"`
}

// Conflict is one detected clash. WorkerA sorts before WorkerB. Workers lists
// every party, which is more than two only for resource contention.
type Conflict struct {
	ID         string       `json:"id"`
	Type       Type         `json:"type"`
	Severity   Severity     `json:"severity"`
	Resource   string       `json:"resource"`
	WorkerA    string       `json:"worker_a"`
	WorkerB    string       `json:"worker_b"`
	Workers    []string     `json:"workers"`
	Details    Details      `json:"details"`
	Resolution StrategyName `json:"resolution,omitempty"`
	Resolved   bool         `json:"resolved"`
	Error      string       `json:"error,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

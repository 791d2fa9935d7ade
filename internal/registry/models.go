package registry

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is liveness as derived from heartbeats.
type Status string

const (
	StatusActive Status = "active"
	StatusStale  Status = "stale"
)

// Activity is the orchestrator's view of what a worker is doing.
type Activity string

const (
	ActivityIdle    Activity = "idle"
	ActivityWorking Activity = "working"
	ActivityError   Activity = "error"
)

// Record is the persisted description of one worker.
type Record struct {
	ID             string         `json:"worker_id"`
	PID            int            `json:"pid"`
	Type           string         `json:"worker_type"`
	Started        time.Time      `json:"started"`
	LastHeartbeat  time.Time      `json:"last_heartbeat"`
	Status         Status         `json:"status"`
	Activity       Activity       `json:"activity"`
	CurrentTask    string         `json:"current_task,omitempty"`
	WorkPackage    string         `json:"work_package,omitempty"`
	TasksCompleted int            `json:"tasks_completed"`
	TasksFailed    int            `json:"tasks_failed"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Uptime reports how long the worker has been registered relative to now.
func (r Record) Uptime(now time.Time) time.Duration {
	if r.Started.IsZero() {
		return 0
	}
	return now.Sub(r.Started)
}

// Event types recorded in the history file.
const (
	EventRegistered   = "registered"
	EventDeregistered = "deregistered"
	EventTimeout      = "timeout"
	EventUpdated      = "updated"
)

// Event is one entry of the worker history.
type Event struct {
	Event         string         `json:"event"`
	WorkerID      string         `json:"worker_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds,omitempty"`
}

// Stats summarizes the active workers.
type Stats struct {
	TotalActive          int            `json:"total_active"`
	ByType               map[string]int `json:"by_type"`
	ByWorkPackage        map[string]int `json:"by_work_package"`
	OldestWorker         string         `json:"oldest_worker,omitempty"`
	NewestWorker         string         `json:"newest_worker,omitempty"`
	AverageUptimeSeconds int64          `json:"average_uptime_seconds"`
}

// NewWorkerID returns a fresh identifier of the form <type>-<pid>-<8 hex>.
func NewWorkerID(workerType string) string {
	prefix := strings.TrimSpace(workerType)
	if prefix == "" {
		prefix = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", prefix, os.Getpid(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

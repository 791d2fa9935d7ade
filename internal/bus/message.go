package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Well-known recipients.
const (
	Broadcast    = "broadcast"
	Orchestrator = "orchestrator"
)

// Message types exchanged by the orchestrator and workers.
const (
	TypeStatusUpdate    = "status_update"
	TypeTaskAssignment  = "task_assignment"
	TypeTaskComplete    = "task_complete"
	TypeTaskFailed      = "task_failed"
	TypeResourceRequest = "resource_request"
	TypeDiscovery       = "worker_discovery"
	TypeStatusRequest   = "status_request"
	TypeStatusResponse  = "status_response"
	TypeShutdown        = "shutdown"

	// TypeAny subscribes to every message.
	TypeAny = "*"
)

// DefaultPriority is used when a message does not set one. Lower is more
// urgent; priority never reorders delivery.
const DefaultPriority = 5

// Message is one envelope on the bus.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Priority  int            `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Status    string         `json:"status"`
}

var lastIDNanos atomic.Int64

// NewID returns a message id whose lexicographic order follows creation order
// within the process.
func NewID(now time.Time) string {
	n := now.UnixNano()
	for {
		last := lastIDNanos.Load()
		if n <= last {
			n = last + 1
		}
		if lastIDNanos.CompareAndSwap(last, n) {
			break
		}
	}
	return fmt.Sprintf("%020d-%s", n, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// NewMessage builds a pending message with a fresh id and default priority.
func NewMessage(from, to, msgType string, payload map[string]any) Message {
	now := time.Now().UTC()
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{
		ID:        NewID(now),
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Priority:  DefaultPriority,
		Timestamp: now,
		Status:    "pending",
	}
}

// WithPriority returns a copy of m with priority set.
func (m Message) WithPriority(priority int) Message {
	m.Priority = priority
	return m
}

// Decode re-encodes the payload into v.
func (m Message) Decode(v any) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// PayloadString returns a payload field as a string, or "" when absent.
func (m Message) PayloadString(key string) string {
	if v, ok := m.Payload[key].(string); ok {
		return v
	}
	return ""
}

// StatusUpdate reports a worker status to the orchestrator.
func StatusUpdate(from, status string, details map[string]any) Message {
	if details == nil {
		details = map[string]any{}
	}
	return NewMessage(from, Orchestrator, TypeStatusUpdate, map[string]any{
		"status":  status,
		"details": details,
	})
}

// TaskAssignment hands a task to worker to.
func TaskAssignment(from, to string, task map[string]any) Message {
	return NewMessage(from, to, TypeTaskAssignment, task).WithPriority(4)
}

// TaskComplete notifies the orchestrator that taskID finished.
func TaskComplete(from, taskID string, results map[string]any) Message {
	if results == nil {
		results = map[string]any{}
	}
	return NewMessage(from, Orchestrator, TypeTaskComplete, map[string]any{
		"task_id": taskID,
		"results": results,
	}).WithPriority(3)
}

// TaskFailed notifies the orchestrator that taskID failed.
func TaskFailed(from, taskID, reason string, results map[string]any) Message {
	if results == nil {
		results = map[string]any{}
	}
	return NewMessage(from, Orchestrator, TypeTaskFailed, map[string]any{
		"task_id": taskID,
		"error":   reason,
		"results": results,
	}).WithPriority(3)
}

// ResourceRequest announces interest in a resource.
func ResourceRequest(from, resource string, exclusive bool) Message {
	return NewMessage(from, Orchestrator, TypeResourceRequest, map[string]any{
		"resource":  resource,
		"exclusive": exclusive,
	}).WithPriority(4)
}

// Discovery broadcasts a worker's type and capabilities.
func Discovery(from, workerType string, capabilities []string) Message {
	if capabilities == nil {
		capabilities = []string{}
	}
	return NewMessage(from, Broadcast, TypeDiscovery, map[string]any{
		"worker_type":  workerType,
		"capabilities": capabilities,
	})
}

// StatusRequest asks worker to for its status.
func StatusRequest(from, to string) Message {
	return NewMessage(from, to, TypeStatusRequest, nil)
}

// StatusResponse answers a status request.
func StatusResponse(from, to string, status map[string]any) Message {
	return NewMessage(from, to, TypeStatusResponse, status)
}

// Shutdown asks worker to to stop.
func Shutdown(from, to, reason string) Message {
	return NewMessage(from, to, TypeShutdown, map[string]any{"reason": reason}).WithPriority(1)
}

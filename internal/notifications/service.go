package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
)

const userAgent = "loom/0.1"

// Event identifies a run milestone.
type Event string

const (
	EventRunStarted   Event = "run_started"
	EventRunCompleted Event = "run_completed"
	EventRunFailed    Event = "run_failed"
	EventTest         Event = "test"
)

// Payload carries event fields. Keys used: name, run_id, packages, completed,
// failed, duration, error.
type Payload map[string]any

// Service publishes events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed service, or a no-op one when
// notifications.ntfy_topic is empty.
func NewService(cfg *config.Config) Service {
	if cfg == nil || strings.TrimSpace(cfg.Notifications.NtfyTopic) == "" {
		return noopService{}
	}
	timeout := cfg.NotifyTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: strings.TrimSpace(cfg.Notifications.NtfyTopic),
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := format(event, payload)
	if !ok {
		return fmt.Errorf("unknown notification event %q", event)
	}
	return n.send(ctx, msg)
}

func format(event Event, p Payload) (message, bool) {
	name := p.text("name")
	if name == "" {
		name = p.text("run_id")
	}
	switch event {
	case EventRunStarted:
		return message{
			title: "loom - Run Started",
			body:  fmt.Sprintf("Run %s started with %s packages", name, p.text("packages")),
			tags:  []string{"loom", "run", "started"},
		}, true
	case EventRunCompleted:
		failed := p.text("failed")
		if failed == "" || failed == "0" {
			return message{
				title: "loom - Run Complete",
				body:  fmt.Sprintf("Run %s complete: %s packages in %s", name, p.text("completed"), p.text("duration")),
				tags:  []string{"loom", "run", "completed"},
			}, true
		}
		return message{
			title: "loom - Run Complete (with failures)",
			body:  fmt.Sprintf("Run %s complete: %s succeeded, %s failed in %s", name, p.text("completed"), failed, p.text("duration")),
			tags:  []string{"loom", "run", "warning"},
		}, true
	case EventRunFailed:
		reason := p.text("error")
		if reason == "" {
			reason = "unknown"
		}
		return message{
			title:    "loom - Run Failed",
			body:     fmt.Sprintf("Run %s failed: %s", name, reason),
			tags:     []string{"loom", "run", "error"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "loom - Test",
			body:     "Notification system test",
			tags:     []string{"loom", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func (p Payload) text(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if d, ok := v.(time.Duration); ok {
		return d.Round(time.Second).String()
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" {
		req.Header.Set("Priority", msg.priority)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }

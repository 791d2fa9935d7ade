package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventRunStarted, notifications.Payload{"name": "nightly"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:          "run started",
			event:         notifications.EventRunStarted,
			payload:       notifications.Payload{"name": "nightly", "packages": 4},
			expectTitle:   "loom - Run Started",
			expectMessage: "Run nightly started with 4 packages",
			expectTags:    "loom,run,started",
		},
		{
			name:          "run completed",
			event:         notifications.EventRunCompleted,
			payload:       notifications.Payload{"name": "nightly", "completed": 4, "failed": 0, "duration": 90 * time.Second},
			expectTitle:   "loom - Run Complete",
			expectMessage: "Run nightly complete: 4 packages in 1m30s",
			expectTags:    "loom,run,completed",
		},
		{
			name:          "run completed with failures",
			event:         notifications.EventRunCompleted,
			payload:       notifications.Payload{"run_id": "orch-1", "completed": 3, "failed": 1, "duration": "5s"},
			expectTitle:   "loom - Run Complete (with failures)",
			expectMessage: "Run orch-1 complete: 3 succeeded, 1 failed in 5s",
			expectTags:    "loom,run,warning",
		},
		{
			name:           "run failed",
			event:          notifications.EventRunFailed,
			payload:        notifications.Payload{"name": "nightly", "error": "context canceled"},
			expectTitle:    "loom - Run Failed",
			expectMessage:  "Run nightly failed: context canceled",
			expectTags:     "loom,run,error",
			expectPriority: "high",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotTitle, gotTags, gotPriority, gotBody string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotTitle = r.Header.Get("Title")
				gotTags = r.Header.Get("Tags")
				gotPriority = r.Header.Get("Priority")
				data, _ := io.ReadAll(r.Body)
				gotBody = string(data)
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = srv.URL
			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
			if gotTitle != tc.expectTitle {
				t.Fatalf("title = %q, want %q", gotTitle, tc.expectTitle)
			}
			if gotBody != tc.expectMessage {
				t.Fatalf("message = %q, want %q", gotBody, tc.expectMessage)
			}
			if gotTags != tc.expectTags {
				t.Fatalf("tags = %q, want %q", gotTags, tc.expectTags)
			}
			if gotPriority != tc.expectPriority {
				t.Fatalf("priority = %q, want %q", gotPriority, tc.expectPriority)
			}
		})
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic closed", http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL
	err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventTest, nil)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}

func TestNtfyServiceRejectsUnknownEvent(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = "http://127.0.0.1:1/topic"
	if err := notifications.NewService(&cfg).Publish(context.Background(), "bogus", nil); err == nil {
		t.Fatal("expected unknown event error")
	}
}

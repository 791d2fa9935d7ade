//go:build linux

package sysprobe

import (
	"testing"
	"time"
)

func TestParseStatCPU(t *testing.T) {
	stat := "1234 (my (odd) proc) S 1 1234 1234 0 -1 4194560 100 0 0 0 250 50 0 0 20 0 3 0 100 1000 50"
	if got := parseStatCPU(stat); got != 3*time.Second {
		t.Fatalf("parseStatCPU = %s, want 3s", got)
	}
	if got := parseStatCPU("garbage"); got != 0 {
		t.Fatalf("expected zero for malformed stat, got %s", got)
	}
}

func TestParseIO(t *testing.T) {
	r, w := parseIO("rchar: 10\nread_bytes: 4096\nwrite_bytes: 8192\ncancelled_write_bytes: 0\n")
	if r != 4096 || w != 8192 {
		t.Fatalf("parseIO = %d/%d", r, w)
	}
}

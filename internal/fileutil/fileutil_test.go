package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")

	content := []byte("hello world")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(src, dst); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
}

func TestWriteJSONRoundTripLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	type state struct {
		Count int      `json:"count"`
		Names []string `json:"names"`
	}
	if err := WriteJSON(path, state{Count: 2, Names: []string{"a", "b"}}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if err := WriteJSON(path, state{Count: 3}); err != nil {
		t.Fatalf("WriteJSON overwrite failed: %v", err)
	}

	var got state
	found, err := ReadJSON(path, &got)
	if err != nil || !found {
		t.Fatalf("ReadJSON failed: found=%v err=%v", found, err)
	}
	if got.Count != 3 || len(got.Names) != 0 {
		t.Fatalf("unexpected state %+v", got)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the target file, found %d entries", len(entries))
	}
}

func TestReadJSONMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	var v map[string]any

	found, err := ReadJSON(filepath.Join(dir, "absent.json"), &v)
	if err != nil || found {
		t.Fatalf("expected missing file to be reported as not found, got found=%v err=%v", found, err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	found, err = ReadJSON(bad, &v)
	if !found || err == nil {
		t.Fatalf("expected decode error for corrupt file, got found=%v err=%v", found, err)
	}
}

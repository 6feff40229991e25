package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sjawhar/pepper/internal/transcript"
)

func TestWriterAppendsToDaily(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	entry := transcript.Entry{
		Role:      transcript.RoleAgent,
		Label:     "Agent",
		Text:      "Hello world.",
		Timestamp: time.Date(2026, 2, 26, 10, 30, 0, 0, time.Local),
	}

	if err := w.Append(entry); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	path := filepath.Join(dir, "2026-02-26.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "- [10:30:00] Agent: Hello world.") {
		t.Errorf("expected formatted line in content, got: %s", content)
	}
}

func TestWriterSeparatesCalls(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	ts := time.Date(2026, 2, 26, 10, 30, 0, 0, time.Local)

	if err := w.StartCall("room-1", ts); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	_ = w.Append(transcript.Entry{Label: "You", Text: "First.", Timestamp: ts})
	_ = w.Append(transcript.Entry{Label: "Agent", Text: "Second.", Timestamp: ts})

	data, _ := os.ReadFile(w.PathFor(ts))
	content := string(data)
	if !strings.Contains(content, "## 10:30:00 room-1") {
		t.Fatalf("expected call heading, got: %s", content)
	}
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) < 4 {
		t.Fatalf("expected heading, blank line and 2 entries, got %d lines", len(lines))
	}
}

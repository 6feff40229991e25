package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sjawhar/pepper/internal/transcript"
)

// Writer appends finalized transcript lines to one markdown file per day.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Append(entry transcript.Entry) error {
	return w.write(entry.Timestamp, "- "+entry.FormatLine()+"\n")
}

// StartCall writes a heading that separates calls within a day's file.
func (w *Writer) StartCall(room string, startedAt time.Time) error {
	return w.write(startedAt, fmt.Sprintf("\n## %s %s\n\n", startedAt.Local().Format("15:04:05"), room))
}

func (w *Writer) PathFor(t time.Time) string {
	return filepath.Join(w.dir, t.Local().Format("2006-01-02")+".md")
}

func (w *Writer) CurrentPath() string {
	return w.PathFor(time.Now())
}

func (w *Writer) write(at time.Time, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	path := w.PathFor(at)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

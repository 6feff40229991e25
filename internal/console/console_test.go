package console

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sjawhar/pepper/internal/backend"
	"github.com/sjawhar/pepper/internal/documents"
	"github.com/sjawhar/pepper/internal/env"
	"github.com/sjawhar/pepper/internal/room"
	"github.com/sjawhar/pepper/internal/transcript"
)

type callsStub struct {
	state    room.State
	startErr error
	sendErr  error
	muted    bool
	creds    [2]string

	starts  [][2]string
	stops   int
	sent    []string
	toggles int
}

func (c *callsStub) Start(_ context.Context, name, passcode string) error {
	c.starts = append(c.starts, [2]string{name, passcode})
	return c.startErr
}

func (c *callsStub) Stop(context.Context) error {
	c.stops++
	return nil
}

func (c *callsStub) ToggleMicrophone(context.Context) (bool, error) {
	c.toggles++
	c.muted = !c.muted
	return c.muted, nil
}

func (c *callsStub) SendTextMessage(_ context.Context, text string) error {
	c.sent = append(c.sent, text)
	return c.sendErr
}

func (c *callsStub) State() (room.State, string) {
	if c.state == "" {
		return room.StateIdle, ""
	}
	return c.state, ""
}

func (c *callsStub) Credentials() (string, string, bool) {
	if c.state != room.StateConnected {
		return "", "", false
	}
	return c.creds[0], c.creds[1], true
}

type docsStub struct {
	files   []documents.File
	added   []backend.File
	creds   []documents.Credentials
	removed []string
}

func (d *docsStub) AddFiles(_ context.Context, creds documents.Credentials, files []backend.File) []documents.File {
	d.creds = append(d.creds, creds)
	var accepted []documents.File
	for _, f := range files {
		d.added = append(d.added, f)
		if documents.IsPDF(f) {
			entry := documents.File{ID: "id-" + f.Name, Name: f.Name, Status: documents.StatusProcessing}
			d.files = append(d.files, entry)
			accepted = append(accepted, entry)
		}
	}
	return accepted
}

func (d *docsStub) RemoveFile(_ context.Context, _ documents.Credentials, id string) bool {
	for i, f := range d.files {
		if f.ID == id {
			d.files = append(d.files[:i], d.files[i+1:]...)
			d.removed = append(d.removed, id)
			return true
		}
	}
	return false
}

func (d *docsStub) Files() []documents.File { return d.files }

type envStub struct{ current env.Environment }

func (e *envStub) Current() env.Environment { return e.current }

func (e *envStub) Toggle() env.Environment {
	e.current = e.current.Other()
	return e.current
}

func run(t *testing.T, input string, calls *callsStub, opts ...Option) string {
	t.Helper()
	var out bytes.Buffer
	c := New(strings.NewReader(input), &out, calls, opts...)
	if err := c.Run(context.Background()); err != nil && !errors.Is(err, ErrInputClosed) {
		t.Fatalf("Run failed: %v", err)
	}
	return out.String()
}

func defaults(name, passcode string) Option {
	return WithDefaults(func() (string, string) { return name, passcode })
}

func TestCallUsesArgumentsOrDefaults(t *testing.T) {
	calls := &callsStub{}
	run(t, "/call\n/call Bob\n/call Carol 99 88\n", calls, defaults("Alice", "1234"))

	want := [][2]string{{"Alice", "1234"}, {"Bob", "1234"}, {"Carol", "99 88"}}
	if len(calls.starts) != len(want) {
		t.Fatalf("expected %d starts, got %v", len(want), calls.starts)
	}
	for i := range want {
		if calls.starts[i] != want[i] {
			t.Fatalf("start %d = %v, want %v", i, calls.starts[i], want[i])
		}
	}
}

func TestCallInProgress(t *testing.T) {
	out := run(t, "/call a b\n", &callsStub{startErr: room.ErrInvalidState})
	if !strings.Contains(out, "already in progress") {
		t.Fatalf("expected in-progress message, got %q", out)
	}
}

func TestPlainLinesAreSent(t *testing.T) {
	calls := &callsStub{state: room.StateConnected}
	run(t, "hello there\n\n   \nsecond\n", calls)
	if len(calls.sent) != 2 || calls.sent[0] != "hello there" || calls.sent[1] != "second" {
		t.Fatalf("unexpected sends %v", calls.sent)
	}
}

func TestSendOutsideCall(t *testing.T) {
	out := run(t, "hi\n", &callsStub{sendErr: room.ErrNotConnected})
	if !strings.Contains(out, "Start a call") {
		t.Fatalf("expected hint, got %q", out)
	}
}

func TestMuteToggles(t *testing.T) {
	calls := &callsStub{state: room.StateConnected}
	out := run(t, "/mute\n/mute\n", calls)
	if calls.toggles != 2 {
		t.Fatalf("expected two toggles, got %d", calls.toggles)
	}
	if !strings.Contains(out, "Microphone muted") || !strings.Contains(out, "Microphone live") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestQuitHangsUpWhenConnected(t *testing.T) {
	calls := &callsStub{state: room.StateConnected}
	run(t, "/quit\nnever sent\n", calls)
	if calls.stops != 1 {
		t.Fatalf("expected hang up on quit, got %d stops", calls.stops)
	}
	if len(calls.sent) != 0 {
		t.Fatalf("expected input after /quit ignored, got %v", calls.sent)
	}

	idle := &callsStub{}
	run(t, "/quit\n", idle)
	if idle.stops != 0 {
		t.Fatalf("expected no hang up while idle, got %d", idle.stops)
	}
}

func TestRunReportsEndOfInput(t *testing.T) {
	var out bytes.Buffer
	err := New(strings.NewReader("/help\n"), &out, &callsStub{}).Run(context.Background())
	if !errors.Is(err, ErrInputClosed) {
		t.Fatalf("expected ErrInputClosed at end of input, got %v", err)
	}

	err = New(strings.NewReader("/quit\n"), &out, &callsStub{}).Run(context.Background())
	if err != nil {
		t.Fatalf("expected nil after /quit, got %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	out := run(t, "/bogus\n", &callsStub{})
	if !strings.Contains(out, "Unknown command /bogus") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestUploadFromDisk(t *testing.T) {
	dir := t.TempDir()
	pdfPath := filepath.Join(dir, "brief.pdf")
	txtPath := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(pdfPath, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(txtPath, []byte("plain"), 0o644); err != nil {
		t.Fatal(err)
	}

	docs := &docsStub{}
	calls := &callsStub{state: room.StateConnected, creds: [2]string{"Alice", "1234"}}
	out := run(t, "/upload "+pdfPath+" "+txtPath+" "+filepath.Join(dir, "missing.pdf")+"\n", calls, WithDocuments(docs))

	if len(docs.added) != 2 {
		t.Fatalf("expected readable files passed on, got %d", len(docs.added))
	}
	if docs.creds[0] != (documents.Credentials{Name: "Alice", Passcode: "1234"}) {
		t.Fatalf("expected call credentials, got %+v", docs.creds[0])
	}
	if !strings.Contains(out, "Uploading brief.pdf") || !strings.Contains(out, "Skipped 1 non-PDF") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestUploadNeedsCredentials(t *testing.T) {
	docs := &docsStub{}
	out := run(t, "/upload a.pdf\n", &callsStub{}, WithDocuments(docs))
	if !strings.Contains(out, room.StatusMissingCredentials) {
		t.Fatalf("expected missing credentials, got %q", out)
	}
	if len(docs.added) != 0 {
		t.Fatal("expected nothing uploaded")
	}
}

func TestDocsListAndRemove(t *testing.T) {
	docs := &docsStub{files: []documents.File{
		{ID: "a", Name: "a.pdf", Status: documents.StatusReady},
		{ID: "b", Name: "b.pdf", Status: documents.StatusError, Error: "Weaviate is unavailable"},
	}}
	out := run(t, "/docs\n/rm 2\n/rm a\n/rm zzz\n/docs\n", &callsStub{}, WithDocuments(docs))

	for _, want := range []string{
		"1. a.pdf [ready]",
		"2. b.pdf [error] Weaviate is unavailable",
		"Removed 2",
		"Removed a",
		"No document zzz",
		"No documents",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output %q", want, out)
		}
	}
	if len(docs.removed) != 2 || docs.removed[0] != "b" || docs.removed[1] != "a" {
		t.Fatalf("unexpected removals %v", docs.removed)
	}
}

func TestEnvToggleOnlyWhenIdle(t *testing.T) {
	e := &envStub{current: env.Local}
	run(t, "/env\n", &callsStub{}, WithEnvironment(e))
	if e.current != env.Production {
		t.Fatalf("expected toggle to production, got %s", e.current)
	}

	out := run(t, "/env\n", &callsStub{state: room.StateConnected}, WithEnvironment(e))
	if e.current != env.Production || !strings.Contains(out, "hang up to switch") {
		t.Fatalf("expected no toggle during call, got %s %q", e.current, out)
	}
}

func TestPrintsFinalEntriesAndStatus(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, &callsStub{})

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.BroadcastTranscript(transcript.Entry{Label: "Pepper", Text: "partial", Interim: true, Timestamp: ts})
	c.BroadcastTranscript(transcript.Entry{Label: "Pepper", Text: "Hello.", Timestamp: ts})
	c.HandleEvent(room.StateChanged{State: room.StateConnecting, Status: room.StatusRequestingToken})
	c.HandleEvent(room.SearchStatusChanged{Active: true, Query: "pricing"})
	c.HandleEvent(room.MicrophoneLevel{RMS: 0.5})
	c.BroadcastSessionEnded(room.Info{}, 90*time.Second, true)

	got := out.String()
	if strings.Contains(got, "partial") {
		t.Fatalf("expected interim entries skipped, got %q", got)
	}
	for _, want := range []string{"Pepper: Hello.", room.StatusRequestingToken, "Searching documents: pricing", "The room ended the call after 1m30s"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output %q", want, got)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()
	defer func() { _ = r.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(r, &bytes.Buffer{}, &callsStub{}).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

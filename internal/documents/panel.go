// Package documents tracks PDF uploads to the retrieval backend.
package documents

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sjawhar/pepper/internal/backend"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

type File struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Status Status `json:"status"`
	Source string `json:"source,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Credentials struct {
	Name     string
	Passcode string
}

type Client interface {
	UploadDocument(ctx context.Context, name, passcode string, file backend.File) (string, error)
	DeleteDocument(ctx context.Context, name, passcode, source string) error
	ListDocuments(ctx context.Context, name, passcode string) ([]backend.Document, error)
}

// Sink is told about every change to the file set.
type Sink interface {
	DocumentsChanged([]File)
}

type Metrics interface {
	ObserveUpload(status string)
}

// Panel owns the local file entries. Uploads and deletes run on their own
// goroutines; Reset starts a new generation and results from older ones are
// discarded.
type Panel struct {
	client  Client
	log     zerolog.Logger
	metrics Metrics
	newID   func() string

	mu         sync.Mutex
	files      []File
	generation uint64
	seeded     bool

	sinkMu sync.Mutex
	sink   Sink

	wg sync.WaitGroup
}

type Option func(*Panel)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Panel) { p.log = l }
}

func WithMetrics(m Metrics) Option {
	return func(p *Panel) { p.metrics = m }
}

func WithSink(s Sink) Option {
	return func(p *Panel) { p.sink = s }
}

func NewPanel(client Client, opts ...Option) *Panel {
	p := &Panel{
		client: client,
		log:    zerolog.Nop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Panel) SetSink(s Sink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sink = s
}

// IsPDF accepts files declared as application/pdf or named *.pdf.
func IsPDF(f backend.File) bool {
	mediaType, _, _ := strings.Cut(f.ContentType, ";")
	if strings.EqualFold(strings.TrimSpace(mediaType), "application/pdf") {
		return true
	}
	return strings.EqualFold(filepath.Ext(f.Name), ".pdf")
}

// AddFiles creates a processing entry for every PDF in files and uploads
// each one independently. It returns the accepted entries.
func (p *Panel) AddFiles(ctx context.Context, creds Credentials, files []backend.File) []File {
	ctx = context.WithoutCancel(ctx)

	type job struct {
		id   string
		file backend.File
	}

	var accepted []File
	var jobs []job

	p.mu.Lock()
	gen := p.generation
	for _, f := range files {
		if !IsPDF(f) {
			p.log.Debug().Str("file", f.Name).Str("content_type", f.ContentType).Msg("skip non-pdf file")
			continue
		}
		entry := File{ID: p.newID(), Name: f.Name, Size: f.Size, Status: StatusProcessing}
		p.files = append(p.files, entry)
		accepted = append(accepted, entry)
		jobs = append(jobs, job{id: entry.ID, file: f})
	}
	p.mu.Unlock()

	if len(accepted) == 0 {
		return nil
	}
	p.notify()

	for _, j := range jobs {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.upload(ctx, gen, j.id, creds, j.file)
		}()
	}
	return accepted
}

func (p *Panel) upload(ctx context.Context, gen uint64, id string, creds Credentials, f backend.File) {
	source, err := p.client.UploadDocument(ctx, creds.Name, creds.Passcode, f)

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		p.log.Debug().Str("file", f.Name).Msg("discard upload result from ended session")
		if err == nil && source != "" {
			p.deleteRemote(ctx, creds, source)
		}
		return
	}
	idx := p.indexLocked(id)
	if idx < 0 {
		p.mu.Unlock()
		if err == nil && source != "" {
			p.log.Info().Str("file", f.Name).Msg("file removed during upload, deleting remote copy")
			p.deleteRemote(ctx, creds, source)
		}
		return
	}
	if err != nil {
		p.files[idx].Status = StatusError
		p.files[idx].Error = err.Error()
	} else {
		p.files[idx].Status = StatusReady
		p.files[idx].Source = source
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Warn().Err(err).Str("file", f.Name).Msg("upload failed")
		p.observe(string(StatusError))
	} else {
		p.log.Info().Str("file", f.Name).Str("source", source).Msg("upload complete")
		p.observe(string(StatusReady))
	}
	p.notify()
}

// RemoveFile drops the entry immediately. When the backend assigned a
// source, one best-effort delete is issued in the background.
func (p *Panel) RemoveFile(ctx context.Context, creds Credentials, id string) bool {
	p.mu.Lock()
	idx := p.indexLocked(id)
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	source := p.files[idx].Source
	p.files = append(p.files[:idx], p.files[idx+1:]...)
	p.mu.Unlock()

	p.notify()

	if source != "" {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.deleteRemote(context.WithoutCancel(ctx), creds, source)
		}()
	}
	return true
}

func (p *Panel) deleteRemote(ctx context.Context, creds Credentials, source string) {
	if err := p.client.DeleteDocument(ctx, creds.Name, creds.Passcode, source); err != nil {
		p.log.Warn().Err(err).Str("source", source).Msg("delete remote document")
	}
}

// LoadExisting seeds ready entries from the backend list. It runs at most
// once per generation; sources already held locally are skipped.
func (p *Panel) LoadExisting(ctx context.Context, creds Credentials) error {
	p.mu.Lock()
	if p.seeded {
		p.mu.Unlock()
		return nil
	}
	p.seeded = true
	gen := p.generation
	p.mu.Unlock()

	docs, err := p.client.ListDocuments(ctx, creds.Name, creds.Passcode)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return nil
	}
	added := 0
	for _, d := range docs {
		if d.Source != "" && p.hasSourceLocked(d.Source) {
			continue
		}
		p.files = append(p.files, File{
			ID:     p.newID(),
			Name:   d.Name,
			Size:   d.Size,
			Status: StatusReady,
			Source: d.Source,
		})
		added++
	}
	p.mu.Unlock()

	if added > 0 {
		p.notify()
	}
	return nil
}

// Reset clears every entry and starts a new generation.
func (p *Panel) Reset() {
	p.mu.Lock()
	p.generation++
	hadFiles := len(p.files) > 0
	p.files = nil
	p.seeded = false
	p.mu.Unlock()

	if hadFiles {
		p.notify()
	}
}

func (p *Panel) Files() []File {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]File, len(p.files))
	copy(out, p.files)
	return out
}

// Wait blocks until every background upload and delete has finished.
func (p *Panel) Wait() {
	p.wg.Wait()
}

func (p *Panel) indexLocked(id string) int {
	for i := range p.files {
		if p.files[i].ID == id {
			return i
		}
	}
	return -1
}

func (p *Panel) hasSourceLocked(source string) bool {
	for i := range p.files {
		if p.files[i].Source == source {
			return true
		}
	}
	return false
}

func (p *Panel) observe(status string) {
	if p.metrics != nil {
		p.metrics.ObserveUpload(status)
	}
}

func (p *Panel) notify() {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	if p.sink != nil {
		p.sink.DocumentsChanged(p.Files())
	}
}

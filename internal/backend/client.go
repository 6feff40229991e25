// Package backend talks to the token and document HTTP API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	fallbackTokenMessage  = "Failed to fetch token"
	fallbackUploadMessage = "Upload failed"
)

type Token struct {
	Token string `json:"token"`
	Room  string `json:"room"`
	URL   string `json:"url"`
}

type Document struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Source string `json:"source"`
	Chunks int    `json:"chunks,omitempty"`
}

type Meta struct {
	ModelName string `json:"model_name"`
}

// File is an upload candidate. Open is called once per upload attempt.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// FileFromPath describes a file on disk.
func FileFromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	contentType := ""
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		contentType = "application/pdf"
	}
	return File{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// FileFromBytes describes an in-memory file.
func FileFromBytes(name, contentType string, data []byte) File {
	return File{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Client performs one request per call. It never retries; the base URL is
// looked up per request so environment changes apply immediately.
type Client struct {
	http    *http.Client
	baseURL func() string
	log     zerolog.Logger
	metrics Metrics
}

// Metrics receives request outcomes; nil-safe.
type Metrics interface {
	ObserveRequest(op string, status string, elapsed time.Duration)
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithMetrics(m Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

func NewClient(baseURL func() string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		baseURL: baseURL,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type credentials struct {
	Name     string `json:"name"`
	Passcode string `json:"passcode"`
}

type deleteRequest struct {
	Name     string `json:"name"`
	Passcode string `json:"passcode"`
	Source   string `json:"source"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

func (c *Client) RequestToken(ctx context.Context, name, passcode string) (Token, error) {
	var tok Token
	status, body, err := c.postJSON(ctx, "token", "/token", credentials{Name: name, Passcode: passcode})
	if err != nil {
		return tok, &AuthError{Message: err.Error(), Err: err}
	}
	if !isSuccess(status) {
		return tok, &AuthError{Status: status, Message: detailOr(body, fallbackTokenMessage)}
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return tok, &AuthError{Status: status, Message: fallbackTokenMessage, Err: fmt.Errorf("decode token response: %w", err)}
	}
	return tok, nil
}

func (c *Client) ListDocuments(ctx context.Context, name, passcode string) ([]Document, error) {
	status, body, err := c.postJSON(ctx, "list", "/documents/list", credentials{Name: name, Passcode: passcode})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if !isSuccess(status) {
		return nil, &ListError{Status: status, Message: detailOr(body, "Failed to list documents")}
	}

	var payload struct {
		Documents []Document `json:"documents"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode document list: %w", err)
	}
	return payload.Documents, nil
}

func (c *Client) UploadDocument(ctx context.Context, name, passcode string, file File) (string, error) {
	start := time.Now()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("name", name); err != nil {
		return "", &UploadError{File: file.Name, Message: err.Error(), Err: err}
	}
	if passcode != "" {
		if err := mw.WriteField("passcode", passcode); err != nil {
			return "", &UploadError{File: file.Name, Message: err.Error(), Err: err}
		}
	}
	if err := writeFilePart(mw, file); err != nil {
		return "", &UploadError{File: file.Name, Message: err.Error(), Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &UploadError{File: file.Name, Message: err.Error(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/documents/upload"), &buf)
	if err != nil {
		return "", &UploadError{File: file.Name, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	status, body, err := c.do(req)
	c.observe("upload", status, err, start)
	if err != nil {
		return "", &UploadError{File: file.Name, Message: err.Error(), Err: err}
	}
	if !isSuccess(status) {
		return "", &UploadError{File: file.Name, Status: status, Message: detailOr(body, fallbackUploadMessage)}
	}

	var payload struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &UploadError{File: file.Name, Status: status, Message: fallbackUploadMessage, Err: fmt.Errorf("decode upload response: %w", err)}
	}
	return payload.Source, nil
}

func (c *Client) DeleteDocument(ctx context.Context, name, passcode, source string) error {
	status, body, err := c.postJSON(ctx, "delete", "/documents/delete", deleteRequest{Name: name, Passcode: passcode, Source: source})
	if err != nil {
		return &DeleteError{Source: source, Message: err.Error(), Err: err}
	}
	if !isSuccess(status) {
		return &DeleteError{Source: source, Status: status, Message: detailOr(body, "Failed to delete document")}
	}
	return nil
}

func (c *Client) SessionMeta(ctx context.Context) (Meta, error) {
	start := time.Now()
	var meta Meta

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/session/meta"), nil)
	if err != nil {
		return meta, fmt.Errorf("build session meta request: %w", err)
	}
	status, body, err := c.do(req)
	c.observe("meta", status, err, start)
	if err != nil {
		return meta, fmt.Errorf("session meta: %w", err)
	}
	if !isSuccess(status) {
		return meta, fmt.Errorf("session meta: status %d", status)
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return meta, fmt.Errorf("decode session meta: %w", err)
	}
	return meta, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, payload any) (int, []byte, error) {
	start := time.Now()

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(req)
	c.observe(op, status, err, start)
	return status, body, err
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Msg("backend request")
	return resp.StatusCode, body, nil
}

func (c *Client) observe(op string, status int, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	label := "success"
	switch {
	case err != nil:
		label = "error"
	case !isSuccess(status):
		label = fmt.Sprintf("%d", status)
	}
	c.metrics.ObserveRequest(op, label, time.Since(start))
}

func (c *Client) url(path string) string {
	base := ""
	if c.baseURL != nil {
		base = strings.TrimRight(c.baseURL(), "/")
	}
	return base + path
}

func writeFilePart(mw *multipart.Writer, file File) error {
	if file.Open == nil {
		return errors.New("file has no content")
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}

	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer func() { _ = rc.Close() }()

	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("copy %s: %w", file.Name, err)
	}
	return nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// detailOr extracts the structured {"detail": ...} message, ignoring
// bodies that are not JSON or whose detail is not a string.
func detailOr(body []byte, fallback string) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return fallback
	}
	if strings.TrimSpace(eb.Detail) == "" {
		return fallback
	}
	return eb.Detail
}

// Package console drives calls from a line-oriented terminal.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/pepper/internal/backend"
	"github.com/sjawhar/pepper/internal/documents"
	"github.com/sjawhar/pepper/internal/env"
	"github.com/sjawhar/pepper/internal/room"
	"github.com/sjawhar/pepper/internal/transcript"
)

const helpText = `Commands:
  /call [name passcode]  start a call
  /hangup                end the call
  /mute                  toggle the microphone
  /upload <path...>      upload PDF documents
  /rm <n|id>             remove a document
  /docs                  list documents
  /env                   switch between local and production
  /quit                  hang up and exit
Anything else is sent to the agent as a chat message.`

// ErrInputClosed is returned by Run when input ends without /quit.
var ErrInputClosed = errors.New("console input closed")

type Calls interface {
	Start(ctx context.Context, name, passcode string) error
	Stop(ctx context.Context) error
	ToggleMicrophone(ctx context.Context) (bool, error)
	SendTextMessage(ctx context.Context, text string) error
	State() (room.State, string)
	Credentials() (name, passcode string, ok bool)
}

type Documents interface {
	AddFiles(ctx context.Context, creds documents.Credentials, files []backend.File) []documents.File
	RemoveFile(ctx context.Context, creds documents.Credentials, id string) bool
	Files() []documents.File
}

type Environment interface {
	Current() env.Environment
	Toggle() env.Environment
}

type Console struct {
	in       io.Reader
	calls    Calls
	docs     Documents
	env      Environment
	defaults func() (string, string)

	mu  sync.Mutex
	out io.Writer
}

type Option func(*Console)

func WithDocuments(d Documents) Option {
	return func(c *Console) { c.docs = d }
}

func WithEnvironment(e Environment) Option {
	return func(c *Console) { c.env = e }
}

// WithDefaults supplies credentials for a bare /call and for uploads made
// outside a call.
func WithDefaults(fn func() (name, passcode string)) Option {
	return func(c *Console) { c.defaults = fn }
}

func New(in io.Reader, out io.Writer, calls Calls, opts ...Option) *Console {
	c := &Console{in: in, out: out, calls: calls}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run reads commands until /quit, end of input or ctx is cancelled. It
// returns nil on /quit or cancellation and ErrInputClosed at end of input.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printf("Type /help for commands.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return ErrInputClosed
			}
			if quit := c.Execute(ctx, line); quit {
				return nil
			}
		}
	}
}

// Execute runs one input line and reports whether the console should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/call":
		c.call(ctx, args)
	case "/hangup":
		if err := c.calls.Stop(ctx); err != nil {
			c.printf("! %v\n", err)
		}
	case "/mute":
		muted, err := c.calls.ToggleMicrophone(ctx)
		if err != nil {
			c.printf("! %v\n", err)
			return false
		}
		if muted {
			c.printf("* Microphone muted\n")
		} else {
			c.printf("* Microphone live\n")
		}
	case "/upload":
		c.upload(ctx, args)
	case "/rm":
		c.remove(ctx, args)
	case "/docs":
		c.listDocs()
	case "/env":
		c.toggleEnv()
	case "/help":
		c.printf("%s\n", helpText)
	case "/quit", "/exit":
		if state, _ := c.calls.State(); state == room.StateConnected {
			_ = c.calls.Stop(ctx)
		}
		return true
	default:
		c.printf("! Unknown command %s. Type /help for commands.\n", cmd)
	}
	return false
}

func (c *Console) call(ctx context.Context, args []string) {
	var name, passcode string
	switch {
	case len(args) >= 2:
		name, passcode = args[0], strings.Join(args[1:], " ")
	case len(args) == 1:
		name = args[0]
		if c.defaults != nil {
			_, passcode = c.defaults()
		}
	case c.defaults != nil:
		name, passcode = c.defaults()
	}
	// Failures are reported through the status line.
	if err := c.calls.Start(ctx, name, passcode); errors.Is(err, room.ErrInvalidState) {
		c.printf("! A call is already in progress.\n")
	}
}

func (c *Console) send(ctx context.Context, text string) {
	err := c.calls.SendTextMessage(ctx, text)
	if errors.Is(err, room.ErrNotConnected) {
		c.printf("! Start a call with /call before sending messages.\n")
	}
}

func (c *Console) upload(ctx context.Context, paths []string) {
	if c.docs == nil {
		c.printf("! Documents are not available.\n")
		return
	}
	if len(paths) == 0 {
		c.printf("! Usage: /upload <path...>\n")
		return
	}
	creds, ok := c.credentials()
	if !ok {
		c.printf("! %s\n", room.StatusMissingCredentials)
		return
	}

	files := make([]backend.File, 0, len(paths))
	for _, p := range paths {
		f, err := backend.FileFromPath(p)
		if err != nil {
			c.printf("! %v\n", err)
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return
	}
	accepted := c.docs.AddFiles(ctx, creds, files)
	if skipped := len(files) - len(accepted); skipped > 0 {
		c.printf("* Skipped %d non-PDF file(s)\n", skipped)
	}
	for _, f := range accepted {
		c.printf("* Uploading %s\n", f.Name)
	}
}

func (c *Console) remove(ctx context.Context, args []string) {
	if c.docs == nil {
		c.printf("! Documents are not available.\n")
		return
	}
	if len(args) != 1 {
		c.printf("! Usage: /rm <n|id>\n")
		return
	}
	id := args[0]
	files := c.docs.Files()
	if n, err := strconv.Atoi(id); err == nil && n >= 1 && n <= len(files) {
		id = files[n-1].ID
	}
	creds, _ := c.credentials()
	if !c.docs.RemoveFile(ctx, creds, id) {
		c.printf("! No document %s\n", args[0])
		return
	}
	c.printf("* Removed %s\n", args[0])
}

func (c *Console) listDocs() {
	if c.docs == nil {
		c.printf("! Documents are not available.\n")
		return
	}
	files := c.docs.Files()
	if len(files) == 0 {
		c.printf("* No documents\n")
		return
	}
	for i, f := range files {
		line := fmt.Sprintf("%d. %s [%s]", i+1, f.Name, f.Status)
		if f.Error != "" {
			line += " " + f.Error
		}
		c.printf("%s\n", line)
	}
}

func (c *Console) toggleEnv() {
	if c.env == nil {
		c.printf("! Environment switching is not available.\n")
		return
	}
	if state, _ := c.calls.State(); state != room.StateIdle {
		c.printf("* Environment: %s (hang up to switch)\n", c.env.Current())
		return
	}
	c.printf("* Environment: %s\n", c.env.Toggle())
}

func (c *Console) credentials() (documents.Credentials, bool) {
	if name, passcode, ok := c.calls.Credentials(); ok {
		return documents.Credentials{Name: name, Passcode: passcode}, true
	}
	if c.defaults != nil {
		name, passcode := c.defaults()
		if strings.TrimSpace(name) != "" && strings.TrimSpace(passcode) != "" {
			return documents.Credentials{Name: name, Passcode: passcode}, true
		}
	}
	return documents.Credentials{}, false
}

// HandleEvent prints controller status changes.
func (c *Console) HandleEvent(ev room.Event) {
	switch e := ev.(type) {
	case room.StateChanged:
		if e.Status != "" {
			c.printf("* %s\n", e.Status)
		}
	case room.SearchStatusChanged:
		if e.Active {
			c.printf("* Searching documents: %s\n", e.Query)
		}
	case room.Reconnection:
		if e.Active {
			c.printf("* Reconnecting...\n")
		} else {
			c.printf("* Reconnected\n")
		}
	}
}

// BroadcastTranscript prints finalized entries. Interim fragments would
// repaint the same line, which a plain terminal cannot do.
func (c *Console) BroadcastTranscript(entry transcript.Entry) {
	if entry.Interim {
		return
	}
	c.printf("%s\n", entry.FormatLine())
}

func (c *Console) BroadcastTranscriptReset() {}

func (c *Console) BroadcastSessionStarted(info room.Info) {
	c.printf("* In room %s as %s (%s)\n", info.RoomName, info.LocalIdentity, info.Environment)
}

func (c *Console) BroadcastSessionEnded(_ room.Info, duration time.Duration, remote bool) {
	who := "You"
	if remote {
		who = "The room"
	}
	c.printf("* %s ended the call after %s\n", who, duration.Round(time.Second))
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

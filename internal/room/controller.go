// Package room owns the call lifecycle: token, transport, microphone and
// the typed event stream every other component reacts to.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sjawhar/pepper/internal/backend"
	"github.com/sjawhar/pepper/internal/env"
	"github.com/sjawhar/pepper/internal/transcript"
)

const (
	StatusRequestingToken    = "Requesting token..."
	StatusDisconnecting      = "Disconnecting..."
	StatusDisconnected       = "Disconnected."
	StatusMissingCredentials = "Add name and passcode to start."
	StatusConnectFailed      = "Failed to connect."

	NoticeTranscriptionReady = "Transcription stream ready. Start speaking."
	NoticeMicrophoneFailed   = "Could not update microphone state."
)

type Controller struct {
	tokens    TokenSource
	transport Transport
	envs      EnvironmentSource
	agentName string
	log       zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	state      State
	status     string
	generation uint64
	conn       Conn
	info       Info
	passcode   string
	muted      bool
	startedAt  time.Time
	pending    []Event
	// lostReason is set when the room closes before setup finishes.
	lostReason string
	lost       bool

	listenersMu sync.RWMutex
	listeners   []Listener

	dispatchMu sync.Mutex
}

type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithAgentName sets the name used in the connected status line.
func WithAgentName(name string) Option {
	return func(c *Controller) {
		if strings.TrimSpace(name) != "" {
			c.agentName = strings.TrimSpace(name)
		}
	}
}

func WithEnvironment(src EnvironmentSource) Option {
	return func(c *Controller) { c.envs = src }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(tokens TokenSource, transport Transport, opts ...Option) *Controller {
	c := &Controller{
		tokens:    tokens,
		transport: transport,
		agentName: "Pepper",
		log:       zerolog.Nop(),
		now:       time.Now,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers l for every subsequent event.
func (c *Controller) Subscribe(l Listener) {
	if l == nil {
		return
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Controller) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.status
}

// Info returns the active session, if any.
func (c *Controller) Info() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, c.state == StateConnected
}

// Credentials returns the name and passcode of the active session. They
// live in memory only for the duration of the call.
func (c *Controller) Credentials() (string, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return "", "", false
	}
	return c.info.DisplayName, c.passcode, true
}

func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Generation returns the number of the most recent session attempt.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Start joins a call. It only runs from Idle; on any failure the transport
// is torn down and the controller returns to Idle.
func (c *Controller) Start(ctx context.Context, name, passcode string) error {
	name = strings.TrimSpace(name)
	passcode = strings.TrimSpace(passcode)

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrInvalidState
	}
	if name == "" || passcode == "" {
		c.status = StatusMissingCredentials
		c.mu.Unlock()
		c.emit(StateChanged{State: StateIdle, Status: StatusMissingCredentials, Err: ErrMissingCredentials})
		return ErrMissingCredentials
	}
	c.generation++
	gen := c.generation
	c.state = StateConnecting
	c.status = StatusRequestingToken
	c.pending = nil
	c.lost, c.lostReason = false, ""
	c.mu.Unlock()

	c.emit(StateChanged{State: StateConnecting, Status: StatusRequestingToken})

	info, conn, err := c.establish(ctx, gen, name, passcode)
	if err != nil {
		c.fail(ctx, conn, err)
		return err
	}

	status := fmt.Sprintf("Connected. Speak to %s!", c.agentName)

	c.dispatchMu.Lock()
	c.mu.Lock()
	if c.lost {
		reason := c.lostReason
		c.mu.Unlock()
		c.dispatchMu.Unlock()
		err := &TransportError{Op: "connect", Err: fmt.Errorf("room disconnected during setup: %s", reason)}
		c.fail(ctx, conn, err)
		return err
	}
	c.state = StateConnected
	c.status = status
	c.conn = conn
	c.info = info
	c.passcode = passcode
	c.muted = false
	c.startedAt = c.now()
	early := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.log.Info().
		Uint64("generation", gen).
		Str("room", info.RoomName).
		Str("identity", info.LocalIdentity).
		Str("env", string(info.Environment)).
		Msg("call connected")

	events := make([]Event, 0, len(early)+3)
	events = append(events, StateChanged{State: StateConnected, Status: status}, SessionStarted{Info: info})
	events = append(events, early...)
	events = append(events, Notice{Text: NoticeTranscriptionReady})
	c.dispatchLocked(events...)
	c.dispatchMu.Unlock()
	return nil
}

func (c *Controller) establish(ctx context.Context, gen uint64, name, passcode string) (Info, Conn, error) {
	tok, err := c.tokens.RequestToken(ctx, name, passcode)
	if err != nil {
		return Info{}, nil, err
	}

	conn, err := c.transport.NewRoom(RoomOptions{AdaptiveStream: true, Dynacast: true}, &boundListener{c: c, gen: gen})
	if err != nil {
		return Info{}, nil, &TransportError{Op: "create room", Err: err}
	}
	if err := conn.Connect(ctx, tok.URL, tok.Token); err != nil {
		return Info{}, conn, &TransportError{Op: "connect", Err: err}
	}
	if err := conn.StartAudio(ctx); err != nil {
		return Info{}, conn, &TransportError{Op: "start audio", Err: err}
	}
	if err := conn.PublishMicrophone(ctx); err != nil {
		return Info{}, conn, &TransportError{Op: "publish microphone", Err: err}
	}
	err = conn.RegisterTextStreamHandler(TopicTranscription, func(ts TextStream) {
		c.consumeTranscription(gen, ts)
	})
	if err != nil {
		return Info{}, conn, &TransportError{Op: "register transcription handler", Err: err}
	}

	identity := strings.TrimSpace(conn.LocalIdentity())
	if identity == "" {
		identity = name
	}

	var environment env.Environment
	if c.envs != nil {
		environment = c.envs.Current()
	}

	return Info{
		Generation:    gen,
		Environment:   environment,
		DisplayName:   name,
		RoomName:      tok.Room,
		ServerURL:     tok.URL,
		LocalIdentity: identity,
	}, conn, nil
}

func (c *Controller) fail(ctx context.Context, conn Conn, err error) {
	if conn != nil {
		if derr := conn.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			c.log.Warn().Err(derr).Msg("tear down failed connection")
		}
	}

	msg := failureMessage(err)
	c.log.Error().Err(err).Msg("call setup failed")

	c.mu.Lock()
	c.state = StateError
	c.status = msg
	c.pending = nil
	c.mu.Unlock()
	c.emit(StateChanged{State: StateError, Status: msg, Err: err})

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.emit(StateChanged{State: StateIdle, Status: msg, Err: err})
}

// Stop hangs up. It is a no-op when idle.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateConnected:
	default:
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.state = StateDisconnecting
	c.status = StatusDisconnecting
	conn := c.conn
	c.mu.Unlock()

	c.emit(StateChanged{State: StateDisconnecting, Status: StatusDisconnecting})

	var err error
	if conn != nil {
		if derr := conn.Disconnect(ctx); derr != nil {
			err = &TransportError{Op: "disconnect", Err: derr}
			c.log.Warn().Err(derr).Msg("disconnect")
		}
	}
	c.teardown(false)
	return err
}

func (c *Controller) remoteDisconnect(gen uint64, reason string) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.state == StateConnecting {
		c.lost, c.lostReason = true, reason
		c.mu.Unlock()
		c.log.Warn().Uint64("generation", gen).Str("reason", reason).Msg("room disconnected during setup")
		return
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	conn := c.conn
	c.mu.Unlock()

	c.log.Info().Uint64("generation", gen).Str("reason", reason).Msg("room disconnected")

	if conn != nil {
		if err := conn.Disconnect(context.Background()); err != nil {
			c.log.Debug().Err(err).Msg("release disconnected room")
		}
	}
	c.teardown(true)
}

func (c *Controller) teardown(remote bool) {
	c.mu.Lock()
	info := c.info
	duration := c.now().Sub(c.startedAt)
	c.state = StateIdle
	c.status = StatusDisconnected
	c.conn = nil
	c.info = Info{}
	c.passcode = ""
	c.muted = false
	c.startedAt = time.Time{}
	c.pending = nil
	c.mu.Unlock()

	c.emit(
		SessionEnded{Info: info, Remote: remote, Duration: duration},
		StateChanged{State: StateIdle, Status: StatusDisconnected},
	)
}

// ToggleMicrophone flips the mute flag. The new flag is kept even when the
// transport rejects the change; the failure is reported as a notice.
func (c *Controller) ToggleMicrophone(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		muted := c.muted
		c.mu.Unlock()
		return muted, ErrNotConnected
	}
	c.muted = !c.muted
	muted := c.muted
	conn := c.conn
	gen := c.generation
	c.mu.Unlock()

	c.publish(gen, MuteChanged{Muted: muted})

	if err := conn.SetMicrophoneEnabled(ctx, !muted); err != nil {
		c.log.Warn().Err(err).Bool("muted", muted).Msg("set microphone")
		c.publish(gen, Notice{Text: NoticeMicrophoneFailed})
	}
	return muted, nil
}

// SendTextMessage echoes text locally and sends it on the chat topic. Blank
// input is ignored.
func (c *Controller) SendTextMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	gen := c.generation
	c.mu.Unlock()

	if text == "" {
		return nil
	}

	c.publish(gen, LocalMessage{Text: text})

	if err := conn.SendText(ctx, text, TopicChat); err != nil {
		sendErr := &SendError{Err: err}
		c.log.Warn().Err(err).Msg("send chat message")
		c.publish(gen, Notice{Text: "Failed to send message: " + err.Error()}, MessageFailed{Err: sendErr})
		return sendErr
	}
	return nil
}

func (c *Controller) consumeTranscription(gen uint64, ts TextStream) {
	speaker := ts.ParticipantIdentity
	if speaker == "" {
		speaker = "unknown"
	}
	base := transcript.Event{
		SpeakerIdentity: speaker,
		SegmentKey:      ts.Attributes[AttrSegmentID],
		TrackID:         ts.Attributes[AttrTranscribedTrack],
	}

	// Without a segment key every event is a new entry, so only the
	// stream end is published.
	keyed := base.SegmentKey != ""
	last := ""
	for text := range ts.Updates {
		if text == "" {
			continue
		}
		last = text
		if !keyed {
			continue
		}
		ev := base
		ev.Text = text
		c.publish(gen, TranscriptReceived{Generation: gen, Event: ev})
	}
	if last == "" {
		return
	}

	ev := base
	ev.Text = last
	ev.IsFinal = !strings.EqualFold(strings.TrimSpace(ts.Attributes[AttrFinal]), "false")
	c.publish(gen, TranscriptReceived{Generation: gen, Event: ev})
}

// publish emits events that belong to session gen. Events from a stale
// session are dropped; events that arrive while the session is still being
// set up are held until it is connected.
func (c *Controller) publish(gen uint64, events ...Event) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		c.emit(events...)
	case StateConnecting:
		for _, ev := range events {
			if _, ok := ev.(MicrophoneLevel); ok {
				continue
			}
			c.pending = append(c.pending, ev)
		}
		c.mu.Unlock()
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) emit(events ...Event) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.dispatchLocked(events...)
}

func (c *Controller) dispatchLocked(events ...Event) {
	c.listenersMu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenersMu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			l.HandleEvent(ev)
		}
	}
}

func failureMessage(err error) string {
	var authErr *backend.AuthError
	var transportErr *TransportError
	msg := ""
	switch {
	case errors.As(err, &authErr):
		msg = authErr.Message
	case errors.As(err, &transportErr) && transportErr.Err != nil:
		msg = transportErr.Err.Error()
	case err != nil:
		msg = err.Error()
	}
	if strings.TrimSpace(msg) == "" {
		return StatusConnectFailed
	}
	return msg
}

type searchStatusPayload struct {
	State string `json:"state"`
	Query string `json:"query"`
}

// ParseSearchStatus decodes a search_status payload. Unknown states and
// malformed payloads report false.
func ParseSearchStatus(payload []byte) (SearchStatusChanged, bool) {
	var p searchStatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return SearchStatusChanged{}, false
	}
	switch p.State {
	case "start":
		return SearchStatusChanged{Active: true, Query: p.Query}, true
	case "end":
		return SearchStatusChanged{}, true
	default:
		return SearchStatusChanged{}, false
	}
}

// boundListener ties transport callbacks to the session that created them.
type boundListener struct {
	c   *Controller
	gen uint64
}

func (b *boundListener) ParticipantJoined(identity string) {
	b.c.publish(b.gen, Notice{Text: "Participant joined: " + identity})
}

func (b *boundListener) ParticipantLeft(identity string) {
	b.c.publish(b.gen, Notice{Text: "Participant left: " + identity})
}

func (b *boundListener) TrackSubscribed(kind TrackKind, identity string) {
	if kind != TrackAudio {
		return
	}
	b.c.publish(b.gen, Notice{Text: "Audio track subscribed from " + identity})
}

func (b *boundListener) DataReceived(topic string, payload []byte, from string) {
	if topic != TopicSearchStatus {
		return
	}
	status, ok := ParseSearchStatus(payload)
	if !ok {
		b.c.log.Debug().Str("from", from).Msg("ignore malformed search status")
		return
	}
	b.c.publish(b.gen, status)
}

func (b *boundListener) Reconnecting() {
	b.c.publish(b.gen, Reconnection{Active: true})
}

func (b *boundListener) Reconnected() {
	b.c.publish(b.gen, Reconnection{Active: false})
}

func (b *boundListener) Disconnected(reason string) {
	b.c.remoteDisconnect(b.gen, reason)
}

func (b *boundListener) MicrophoneLevel(rms float64) {
	b.c.publish(b.gen, MicrophoneLevel{RMS: rms})
}

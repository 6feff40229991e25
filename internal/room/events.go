package room

import (
	"time"

	"github.com/sjawhar/pepper/internal/transcript"
)

// Event is published to subscribers in the order it happened.
type Event interface {
	Name() string
}

type StateChanged struct {
	State  State
	Status string
	Err    error
}

type SessionStarted struct {
	Info Info
}

type SessionEnded struct {
	Info     Info
	Remote   bool
	Duration time.Duration
}

type TranscriptReceived struct {
	Generation uint64
	Event      transcript.Event
}

// Notice is a locally generated system message.
type Notice struct {
	Text string
}

// LocalMessage is the local echo of a chat message being sent.
type LocalMessage struct {
	Text string
}

type SearchStatusChanged struct {
	Active bool
	Query  string
}

// Reconnection reports the transport losing and regaining its signal
// connection without ending the call.
type Reconnection struct {
	Active bool
}

type MicrophoneLevel struct {
	RMS float64
}

type MuteChanged struct {
	Muted bool
}

type MessageFailed struct {
	Err error
}

func (StateChanged) Name() string        { return "state" }
func (SessionStarted) Name() string      { return "session_started" }
func (SessionEnded) Name() string        { return "session_ended" }
func (TranscriptReceived) Name() string  { return "transcript" }
func (Notice) Name() string              { return "notice" }
func (LocalMessage) Name() string        { return "local_message" }
func (SearchStatusChanged) Name() string { return "search_status" }
func (Reconnection) Name() string        { return "reconnection" }
func (MicrophoneLevel) Name() string     { return "mic_level" }
func (MuteChanged) Name() string         { return "mute" }
func (MessageFailed) Name() string       { return "message_failed" }

// Listener receives controller events. Handlers run synchronously on the
// dispatching goroutine and must not call Controller methods that publish
// events.
type Listener interface {
	HandleEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }

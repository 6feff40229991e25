package room

import (
	"context"

	"github.com/sjawhar/pepper/internal/backend"
	"github.com/sjawhar/pepper/internal/env"
)

const (
	TopicChat          = "lk.chat"
	TopicTranscription = "lk.transcription"
	TopicSearchStatus  = "search_status"

	AttrSegmentID        = "lk.segment_id"
	AttrTranscribedTrack = "lk.transcribed_track_id"
	AttrFinal            = "lk.transcription_final"
)

type TokenSource interface {
	RequestToken(ctx context.Context, name, passcode string) (backend.Token, error)
}

// EnvironmentSource reports the environment a session is started against.
type EnvironmentSource interface {
	Current() env.Environment
}

type RoomOptions struct {
	AdaptiveStream bool
	Dynacast       bool
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// TextStream is one incoming text stream. Updates carries successive
// snapshots of the accumulated text and is closed when the stream ends.
type TextStream struct {
	Topic               string
	ParticipantIdentity string
	Attributes          map[string]string
	Updates             <-chan string
}

// RoomListener receives transport callbacks for a single room. Calls may
// arrive on any goroutine.
type RoomListener interface {
	ParticipantJoined(identity string)
	ParticipantLeft(identity string)
	TrackSubscribed(kind TrackKind, identity string)
	DataReceived(topic string, payload []byte, from string)
	Reconnecting()
	Reconnected()
	Disconnected(reason string)
	MicrophoneLevel(rms float64)
}

type Transport interface {
	NewRoom(opts RoomOptions, listener RoomListener) (Conn, error)
}

// Conn is a joined (or joining) room.
type Conn interface {
	Connect(ctx context.Context, url, token string) error
	StartAudio(ctx context.Context) error
	PublishMicrophone(ctx context.Context) error
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	RegisterTextStreamHandler(topic string, handler func(TextStream)) error
	SendText(ctx context.Context, text, topic string) error
	LocalIdentity() string
	Disconnect(ctx context.Context) error
}

type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateError         State = "error"
)

// Info describes the active session. It never carries the passcode.
type Info struct {
	Generation    uint64          `json:"generation"`
	Environment   env.Environment `json:"environment"`
	DisplayName   string          `json:"display_name"`
	RoomName      string          `json:"room"`
	ServerURL     string          `json:"server_url"`
	LocalIdentity string          `json:"identity"`
}

package session

import (
	"context"
	"time"

	"github.com/sjawhar/pepper/internal/backend"
	"github.com/sjawhar/pepper/internal/documents"
	"github.com/sjawhar/pepper/internal/room"
	"github.com/sjawhar/pepper/internal/storage"
	"github.com/sjawhar/pepper/internal/transcript"
)

type Store interface {
	CreateCall(call storage.Call) error
	EndCall(id string, endedAt time.Time) error
	AppendEntry(callID string, entry transcript.Entry) error
}

// Archive keeps a human-readable copy of finalized entries.
type Archive interface {
	StartCall(room string, startedAt time.Time) error
	Append(entry transcript.Entry) error
}

type MetaSource interface {
	SessionMeta(ctx context.Context) (backend.Meta, error)
}

type CredentialSource interface {
	Credentials() (name, passcode string, ok bool)
}

type Documents interface {
	LoadExisting(ctx context.Context, creds documents.Credentials) error
	Reset()
}

type EventBroadcaster interface {
	BroadcastTranscript(entry transcript.Entry)
	BroadcastTranscriptReset()
	BroadcastSessionStarted(info room.Info)
	BroadcastSessionEnded(info room.Info, duration time.Duration, remote bool)
}

type TranscriptMetrics interface {
	ObserveTranscript(role string, final bool)
}

// Broadcasters fans every event out to each member in order.
type Broadcasters []EventBroadcaster

func (bs Broadcasters) BroadcastTranscript(entry transcript.Entry) {
	for _, b := range bs {
		b.BroadcastTranscript(entry)
	}
}

func (bs Broadcasters) BroadcastTranscriptReset() {
	for _, b := range bs {
		b.BroadcastTranscriptReset()
	}
}

func (bs Broadcasters) BroadcastSessionStarted(info room.Info) {
	for _, b := range bs {
		b.BroadcastSessionStarted(info)
	}
}

func (bs Broadcasters) BroadcastSessionEnded(info room.Info, duration time.Duration, remote bool) {
	for _, b := range bs {
		b.BroadcastSessionEnded(info, duration, remote)
	}
}

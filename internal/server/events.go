package server

import (
	"time"

	"github.com/sjawhar/pepper/internal/documents"
	"github.com/sjawhar/pepper/internal/presence"
	"github.com/sjawhar/pepper/internal/room"
	"github.com/sjawhar/pepper/internal/transcript"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

// TranscriptEvent carries a created or updated entry. System entries are
// sent with type "notice".
type TranscriptEvent struct {
	Event
	Entry transcript.Entry `json:"entry"`
}

type TranscriptResetEvent struct {
	Event
}

type StateEvent struct {
	Event
	State presence.Snapshot `json:"state"`
}

type DocumentsEvent struct {
	Event
	Files []documents.File `json:"files"`
}

type SessionStartedEvent struct {
	Event
	Session room.Info `json:"session"`
}

type SessionEndedEvent struct {
	Event
	Room     string  `json:"room"`
	Duration float64 `json:"duration"`
	Remote   bool    `json:"remote"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

func newTranscriptEvent(entry transcript.Entry) TranscriptEvent {
	eventType := "transcript"
	if entry.Role == transcript.RoleSystem {
		eventType = "notice"
	}
	return TranscriptEvent{Event: newEvent(eventType, entry.UpdatedAt), Entry: entry}
}

package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sjawhar/pepper/internal/documents"
	"github.com/sjawhar/pepper/internal/presence"
	"github.com/sjawhar/pepper/internal/room"
	"github.com/sjawhar/pepper/internal/transcript"
)

// Hub fans JSON events out to every subscriber. Slow subscribers miss
// messages rather than blocking the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastTranscript(entry transcript.Entry) {
	h.broadcastEvent(newTranscriptEvent(entry))
}

func (h *Hub) BroadcastTranscriptReset() {
	h.broadcastEvent(TranscriptResetEvent{Event: newEvent("transcript_reset", time.Now().UTC())})
}

func (h *Hub) BroadcastSessionStarted(info room.Info) {
	h.broadcastEvent(SessionStartedEvent{
		Event:   newEvent("session_started", time.Now().UTC()),
		Session: info,
	})
}

func (h *Hub) BroadcastSessionEnded(info room.Info, duration time.Duration, remote bool) {
	h.broadcastEvent(SessionEndedEvent{
		Event:    newEvent("session_ended", time.Now().UTC()),
		Room:     info.RoomName,
		Duration: duration.Seconds(),
		Remote:   remote,
	})
}

// PresenceChanged implements presence.Sink.
func (h *Hub) PresenceChanged(s presence.Snapshot) {
	h.broadcastEvent(StateEvent{
		Event: newEvent("state", time.Now().UTC()),
		State: s,
	})
}

// DocumentsChanged implements documents.Sink.
func (h *Hub) DocumentsChanged(files []documents.File) {
	h.broadcastEvent(DocumentsEvent{
		Event: newEvent("documents", time.Now().UTC()),
		Files: nonNilFiles(files),
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("event marshal")
		return
	}
	h.Broadcast(payload)
}

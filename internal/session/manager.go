package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sjawhar/pepper/internal/documents"
	"github.com/sjawhar/pepper/internal/presence"
	"github.com/sjawhar/pepper/internal/room"
	"github.com/sjawhar/pepper/internal/storage"
	"github.com/sjawhar/pepper/internal/transcript"
)

// Manager applies room events to the transcript, presence and document
// state of the current call and archives what the call produced. It is a
// room.Listener; HandleEvent runs on the controller's dispatch goroutine
// and never calls back into the controller's mutating methods.
type Manager struct {
	reconciler *transcript.Reconciler
	presence   *presence.Projector
	store      Store
	hub        EventBroadcaster

	archive Archive
	docs    Documents
	creds   CredentialSource
	meta    MetaSource
	metrics TranscriptMetrics
	log     zerolog.Logger
	newID   func() string
	now     func() time.Time

	mu         sync.Mutex
	generation uint64
	callID     string
	startedAt  time.Time

	wg sync.WaitGroup
}

type Option func(*Manager)

func WithArchive(a Archive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithDocuments seeds and resets the document panel with the call. creds
// supplies the credentials of the running call.
func WithDocuments(d Documents, creds CredentialSource) Option {
	return func(m *Manager) {
		m.docs = d
		m.creds = creds
	}
}

func WithMeta(src MetaSource) Option {
	return func(m *Manager) { m.meta = src }
}

func WithTranscriptMetrics(tm TranscriptMetrics) Option {
	return func(m *Manager) { m.metrics = tm }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(reconciler *transcript.Reconciler, projector *presence.Projector, store Store, hub EventBroadcaster, opts ...Option) *Manager {
	if reconciler == nil {
		reconciler = transcript.NewReconciler()
	}
	if projector == nil {
		projector = presence.NewProjector()
	}
	m := &Manager{
		reconciler: reconciler,
		presence:   projector,
		store:      store,
		hub:        hub,
		log:        zerolog.Nop(),
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) HandleEvent(ev room.Event) {
	switch e := ev.(type) {
	case room.StateChanged:
		m.presence.SetState(e.State, e.Status, e.Err)
	case room.SessionStarted:
		m.sessionStarted(e.Info)
	case room.SessionEnded:
		m.sessionEnded(e)
	case room.TranscriptReceived:
		m.transcriptReceived(e)
	case room.Notice:
		m.appendLocal(m.reconciler.AddSystem(e.Text))
	case room.LocalMessage:
		m.appendLocal(m.reconciler.AddLocalMessage(e.Text))
	case room.MuteChanged:
		m.presence.SetMuted(e.Muted)
	case room.SearchStatusChanged:
		m.presence.SetSearch(e.Active, e.Query)
	case room.Reconnection:
		m.presence.SetReconnecting(e.Active)
	case room.MicrophoneLevel:
		m.presence.SetLevel(e.RMS)
	}
}

// Transcript returns a copy of the current call's transcript.
func (m *Manager) Transcript() []transcript.Entry {
	return m.reconciler.Entries()
}

func (m *Manager) Presence() presence.Snapshot {
	return m.presence.Snapshot()
}

// CallID returns the archive id of the running call.
func (m *Manager) CallID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callID == "" {
		return "", ErrNoActiveCall
	}
	return m.callID, nil
}

// Wait blocks until background session-start work has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) sessionStarted(info room.Info) {
	m.reconciler.SetLocalIdentity(info.LocalIdentity)
	m.presence.SetSession(info.RoomName, info.LocalIdentity, string(info.Environment))

	callID := m.newID()
	startedAt := m.now().UTC()

	m.mu.Lock()
	m.generation = info.Generation
	m.callID = callID
	m.startedAt = startedAt
	m.mu.Unlock()

	log := m.log.With().Str("call_id", callID).Str("room", info.RoomName).Logger()
	if m.store != nil {
		call := storage.Call{
			ID:          callID,
			Room:        info.RoomName,
			Identity:    info.LocalIdentity,
			Environment: string(info.Environment),
			StartedAt:   startedAt,
		}
		if err := m.store.CreateCall(call); err != nil {
			log.Warn().Err(err).Msg("create call record")
		}
	}
	if m.archive != nil {
		if err := m.archive.StartCall(info.RoomName, startedAt); err != nil {
			log.Warn().Err(err).Msg("start transcript file")
		}
	}
	if m.hub != nil {
		m.hub.BroadcastSessionStarted(info)
	}
	log.Info().Str("identity", info.LocalIdentity).Msg("call started")

	gen := info.Generation
	if m.docs != nil && m.creds != nil {
		if name, passcode, ok := m.creds.Credentials(); ok {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				err := m.docs.LoadExisting(context.Background(), documents.Credentials{Name: name, Passcode: passcode})
				if err != nil {
					log.Warn().Err(err).Msg("load existing documents")
				}
			}()
		}
	}
	if m.meta != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			meta, err := m.meta.SessionMeta(context.Background())
			if err != nil {
				log.Debug().Err(err).Msg("session meta unavailable")
				return
			}
			if !m.current(gen) {
				return
			}
			m.presence.SetModelName(meta.ModelName)
		}()
	}
}

func (m *Manager) sessionEnded(e room.SessionEnded) {
	m.mu.Lock()
	callID := m.callID
	m.callID = ""
	m.generation = 0
	m.mu.Unlock()

	m.reconciler.Reset()
	m.presence.Reset()
	if m.docs != nil {
		m.docs.Reset()
	}
	if m.hub != nil {
		m.hub.BroadcastTranscriptReset()
		m.hub.BroadcastSessionEnded(e.Info, e.Duration, e.Remote)
	}

	if callID == "" || m.store == nil {
		return
	}
	if err := m.store.EndCall(callID, m.now().UTC()); err != nil {
		m.log.Warn().Err(err).Str("call_id", callID).Msg("end call record")
		return
	}
	m.log.Info().
		Str("call_id", callID).
		Bool("remote", e.Remote).
		Dur("duration", e.Duration).
		Msg("call ended")
}

func (m *Manager) transcriptReceived(e room.TranscriptReceived) {
	if !m.current(e.Generation) {
		return
	}
	upd, ok := m.reconciler.Apply(e.Event)
	if !ok {
		m.log.Debug().Str("speaker", e.Event.SpeakerIdentity).Msg("drop transcription without track")
		return
	}

	m.presence.MarkSpeaking(upd.Entry.Role, upd.Finalized)
	if m.metrics != nil {
		m.metrics.ObserveTranscript(string(upd.Entry.Role), upd.Finalized)
	}
	if m.hub != nil {
		m.hub.BroadcastTranscript(upd.Entry)
	}
	if upd.Finalized {
		m.archiveEntry(upd.Entry)
	}
}

func (m *Manager) appendLocal(entry transcript.Entry) {
	if m.hub != nil {
		m.hub.BroadcastTranscript(entry)
	}
	m.archiveEntry(entry)
}

func (m *Manager) archiveEntry(entry transcript.Entry) {
	callID, err := m.CallID()
	if err != nil {
		m.log.Debug().Err(err).Str("entry", entry.ID).Msg("entry not archived")
		return
	}
	if m.store != nil {
		if err := m.store.AppendEntry(callID, entry); err != nil {
			m.log.Warn().Err(fmt.Errorf("archive entry: %w", err)).Str("call_id", callID).Send()
		}
	}
	if m.archive != nil {
		if err := m.archive.Append(entry); err != nil {
			m.log.Warn().Err(err).Str("call_id", callID).Msg("append transcript file")
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID != "" && m.generation == gen
}

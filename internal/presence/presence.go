// Package presence projects call state into the flags and labels a
// renderer shows: connection pill, call button, speaking indicators and the
// microphone level.
package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/sjawhar/pepper/internal/room"
	"github.com/sjawhar/pepper/internal/transcript"
)

// SpeakingDecay is how long a speaking indicator stays lit without a
// fresh interim fragment.
const SpeakingDecay = 1200 * time.Millisecond

type Connection string

const (
	ConnDisconnected Connection = "disconnected"
	ConnConnecting   Connection = "connecting"
	ConnConnected    Connection = "connected"
	ConnReconnecting Connection = "reconnecting"
	ConnError        Connection = "error"
)

type CallButton string

const (
	ButtonCall    CallButton = "Call"
	ButtonCalling CallButton = "Calling"
	ButtonHangUp  CallButton = "Hang up"
	ButtonEnding  CallButton = "Ending"
)

type Snapshot struct {
	Connection      Connection `json:"connection"`
	ConnectionLabel string     `json:"connection_label"`
	CallButton      CallButton `json:"call_button"`
	CallEnabled     bool       `json:"call_enabled"`
	Status          string     `json:"status"`
	InputEnabled    bool       `json:"input_enabled"`
	Muted           bool       `json:"muted"`
	Room            string     `json:"room"`
	Identity        string     `json:"identity"`
	Environment     string     `json:"environment"`
	ModelName       string     `json:"model_name"`
	UserSpeaking    bool       `json:"user_speaking"`
	AgentSpeaking   bool       `json:"agent_speaking"`
	Searching       bool       `json:"searching"`
	SearchQuery     string     `json:"search_query,omitempty"`
	Level           int        `json:"level"`
}

// Sink receives every snapshot after a change.
type Sink interface {
	PresenceChanged(Snapshot)
}

type SinkFunc func(Snapshot)

func (f SinkFunc) PresenceChanged(s Snapshot) { f(s) }

type indicator struct {
	timer *time.Timer
	token uint64
}

type Projector struct {
	decay time.Duration

	mu       sync.Mutex
	snap     Snapshot
	speaking map[transcript.Role]*indicator
	state    room.State

	sinkMu sync.Mutex
	sink   Sink
}

func NewProjector() *Projector {
	p := &Projector{
		decay: SpeakingDecay,
		speaking: map[transcript.Role]*indicator{
			transcript.RoleUser:  {},
			transcript.RoleAgent: {},
		},
		state: room.StateIdle,
	}
	p.snap = idleSnapshot(p.snap, "")
	return p
}

// SetSink replaces the change sink. Sink calls are serialized.
func (p *Projector) SetSink(s Sink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sink = s
}

func (p *Projector) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// SetState projects a controller state transition.
func (p *Projector) SetState(state room.State, status string, err error) {
	p.update(func(s *Snapshot) {
		p.state = state
		s.Status = status
		switch state {
		case room.StateConnecting:
			s.Connection, s.ConnectionLabel = ConnConnecting, "Connecting"
			s.CallButton, s.CallEnabled = ButtonCalling, false
			s.InputEnabled = false
		case room.StateConnected:
			s.Connection, s.ConnectionLabel = ConnConnected, "Connected"
			s.CallButton, s.CallEnabled = ButtonHangUp, true
			s.InputEnabled = true
		case room.StateDisconnecting:
			s.Connection, s.ConnectionLabel = ConnConnecting, "Disconnecting"
			s.CallButton, s.CallEnabled = ButtonEnding, false
			s.InputEnabled = false
		case room.StateError:
			*s = errorSnapshot(*s, status, "Error")
		default:
			switch {
			case errors.Is(err, room.ErrMissingCredentials):
				*s = errorSnapshot(*s, status, "Missing details")
			case err != nil:
				*s = errorSnapshot(*s, status, "Error")
			default:
				*s = idleSnapshot(*s, status)
			}
		}
	})
}

// SetReconnecting toggles the reconnecting pill while connected.
func (p *Projector) SetReconnecting(active bool) {
	p.update(func(s *Snapshot) {
		if p.state != room.StateConnected {
			return
		}
		if active {
			s.Connection, s.ConnectionLabel = ConnReconnecting, "Reconnecting"
			return
		}
		s.Connection, s.ConnectionLabel = ConnConnected, "Connected"
	})
}

func (p *Projector) SetSession(roomName, identity, environment string) {
	p.update(func(s *Snapshot) {
		s.Room = roomName
		s.Identity = identity
		s.Environment = environment
	})
}

func (p *Projector) SetEnvironment(environment string) {
	p.update(func(s *Snapshot) { s.Environment = environment })
}

func (p *Projector) SetModelName(name string) {
	p.update(func(s *Snapshot) { s.ModelName = name })
}

func (p *Projector) SetMuted(muted bool) {
	p.update(func(s *Snapshot) { s.Muted = muted })
}

func (p *Projector) SetSearch(active bool, query string) {
	p.update(func(s *Snapshot) {
		s.Searching = active
		s.SearchQuery = ""
		if active {
			s.SearchQuery = query
		}
	})
}

// SetLevel quantizes an RMS value into the level shown on the voice orb.
func (p *Projector) SetLevel(rms float64) {
	level := QuantizeLevel(rms)
	p.mu.Lock()
	changed := p.snap.Level != level
	p.mu.Unlock()
	if !changed {
		return
	}
	p.update(func(s *Snapshot) { s.Level = level })
}

// MarkSpeaking lights the indicator for role on an interim fragment and
// clears it on a final one. A lit indicator decays after SpeakingDecay.
func (p *Projector) MarkSpeaking(role transcript.Role, final bool) {
	p.update(func(s *Snapshot) {
		ind, ok := p.speaking[role]
		if !ok {
			return
		}
		ind.token++
		if ind.timer != nil {
			ind.timer.Stop()
			ind.timer = nil
		}
		if final {
			setSpeaking(s, role, false)
			return
		}

		setSpeaking(s, role, true)
		token := ind.token
		ind.timer = time.AfterFunc(p.decay, func() { p.expire(role, token) })
	})
}

// Reset cancels every pending decay and clears session fields.
func (p *Projector) Reset() {
	p.update(func(s *Snapshot) {
		for role, ind := range p.speaking {
			ind.token++
			if ind.timer != nil {
				ind.timer.Stop()
				ind.timer = nil
			}
			setSpeaking(s, role, false)
		}
		s.Room = ""
		s.Identity = ""
		s.ModelName = ""
		s.Searching = false
		s.SearchQuery = ""
		s.Level = 0
		s.Muted = false
	})
}

// PendingTimers reports how many decay timers are armed.
func (p *Projector) PendingTimers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ind := range p.speaking {
		if ind.timer != nil {
			n++
		}
	}
	return n
}

func (p *Projector) expire(role transcript.Role, token uint64) {
	p.update(func(s *Snapshot) {
		ind := p.speaking[role]
		if ind.token != token {
			return
		}
		ind.timer = nil
		setSpeaking(s, role, false)
	})
}

func (p *Projector) update(fn func(*Snapshot)) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()

	p.mu.Lock()
	before := p.snap
	fn(&p.snap)
	after := p.snap
	p.mu.Unlock()

	if before != after && p.sink != nil {
		p.sink.PresenceChanged(after)
	}
}

func setSpeaking(s *Snapshot, role transcript.Role, on bool) {
	switch role {
	case transcript.RoleUser:
		s.UserSpeaking = on
	case transcript.RoleAgent:
		s.AgentSpeaking = on
	}
}

func idleSnapshot(s Snapshot, status string) Snapshot {
	s.Connection, s.ConnectionLabel = ConnDisconnected, "Disconnected"
	s.CallButton, s.CallEnabled = ButtonCall, true
	s.InputEnabled = false
	s.Status = status
	return s
}

func errorSnapshot(s Snapshot, status, label string) Snapshot {
	s = idleSnapshot(s, status)
	s.Connection, s.ConnectionLabel = ConnError, label
	return s
}

// QuantizeLevel maps a normalised RMS value to 0, 1 or 2.
func QuantizeLevel(rms float64) int {
	switch {
	case rms <= 0.08:
		return 0
	case rms <= 0.2:
		return 1
	default:
		return 2
	}
}

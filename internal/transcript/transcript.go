// Package transcript turns a stream of interim and final transcription
// fragments into an ordered, de-duplicated conversation log.
package transcript

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Label is the speaker label shown next to an entry.
func (r Role) Label() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAgent:
		return "Agent"
	default:
		return "System"
	}
}

// RoleFor attributes a speaker identity relative to the local participant.
// An unknown local identity never matches.
func RoleFor(speakerIdentity, localIdentity string) Role {
	if localIdentity != "" && speakerIdentity == localIdentity {
		return RoleUser
	}
	return RoleAgent
}

// Event is one transcription fragment as delivered by the transport.
type Event struct {
	SpeakerIdentity string
	SegmentKey      string
	TrackID         string
	Text            string
	IsFinal         bool
}

type Entry struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Key       string    `json:"key,omitempty"`
	Role      Role      `json:"role"`
	Label     string    `json:"label"`
	Text      string    `json:"text"`
	Interim   bool      `json:"interim"`
	Speaker   string    `json:"speaker,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update describes what a single Apply did to the log.
type Update struct {
	Entry     Entry
	Created   bool
	Finalized bool
}

type segmentID struct {
	speaker string
	segment string
}

func (s segmentID) String() string {
	return s.speaker + ":" + s.segment
}

// Reconciler owns the transcript log. Keyed fragments replace the text of
// their open entry; a final fragment retires the key so a reused key starts
// a new entry.
type Reconciler struct {
	mu            sync.Mutex
	localIdentity string
	entries       []Entry
	open          map[segmentID]int
	seq           int
	now           func() time.Time
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		open: make(map[segmentID]int),
		now:  time.Now,
	}
}

// SetLocalIdentity sets the identity used for role attribution.
func (r *Reconciler) SetLocalIdentity(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localIdentity = identity
}

func (r *Reconciler) LocalIdentity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localIdentity
}

// Apply folds one fragment into the log. It reports false when the fragment
// carries no source track and was dropped.
func (r *Reconciler) Apply(ev Event) (Update, bool) {
	if strings.TrimSpace(ev.TrackID) == "" {
		return Update{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	role := RoleFor(ev.SpeakerIdentity, r.localIdentity)

	if ev.SegmentKey == "" {
		entry := r.appendLocked(role, "", ev.SpeakerIdentity, ev.Text, !ev.IsFinal)
		return Update{Entry: entry, Created: true, Finalized: ev.IsFinal}, true
	}

	id := segmentID{speaker: ev.SpeakerIdentity, segment: ev.SegmentKey}
	update := Update{Finalized: ev.IsFinal}

	idx, ok := r.open[id]
	if ok {
		r.entries[idx].Text = ev.Text
		r.entries[idx].Interim = !ev.IsFinal
		r.entries[idx].UpdatedAt = r.now().UTC()
		update.Entry = r.entries[idx]
	} else {
		update.Entry = r.appendLocked(role, id.String(), ev.SpeakerIdentity, ev.Text, !ev.IsFinal)
		update.Created = true
		idx = len(r.entries) - 1
		r.open[id] = idx
	}

	if ev.IsFinal {
		delete(r.open, id)
	}

	return update, true
}

// AddSystem appends a locally generated notice.
func (r *Reconciler) AddSystem(text string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(RoleSystem, "", "", text, false)
}

// AddLocalMessage appends the local echo of a typed chat message.
func (r *Reconciler) AddLocalMessage(text string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(RoleUser, "", r.localIdentity, text, false)
}

// Entries returns a copy of the log in creation order.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// OpenCount returns the number of keyed entries still awaiting a final.
func (r *Reconciler) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Reset clears the log, the open index and the local identity.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.open = make(map[segmentID]int)
	r.localIdentity = ""
}

func (r *Reconciler) appendLocked(role Role, key, speaker, text string, interim bool) Entry {
	r.seq++
	now := r.now().UTC()
	entry := Entry{
		ID:        "t-" + strconv.Itoa(r.seq),
		Seq:       r.seq,
		Key:       key,
		Role:      role,
		Label:     role.Label(),
		Text:      text,
		Interim:   interim,
		Speaker:   speaker,
		Timestamp: now,
		UpdatedAt: now,
	}
	r.entries = append(r.entries, entry)
	return entry
}

// FormatLine renders an entry as a single console line.
func (e Entry) FormatLine() string {
	marker := ""
	if e.Interim {
		marker = " …"
	}
	return fmt.Sprintf("[%s] %s: %s%s", e.Timestamp.Local().Format("15:04:05"), e.Label, strings.TrimSpace(e.Text), marker)
}

package room

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sjawhar/pepper/internal/backend"
	"github.com/sjawhar/pepper/internal/transcript"
)

type tokenStub struct {
	mu    sync.Mutex
	tok   backend.Token
	err   error
	calls int
}

func (t *tokenStub) RequestToken(_ context.Context, _, _ string) (backend.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	return t.tok, t.err
}

type fakeConn struct {
	mu sync.Mutex

	listener RoomListener
	identity string

	connectErr error
	publishErr error
	micErr     error
	sendErr    error
	onConnect  func(RoomListener)

	handlers    map[string]func(TextStream)
	sent        []string
	sentTopics  []string
	micEnabled  []bool
	disconnects int
}

func (f *fakeConn) Connect(context.Context, string, string) error {
	if f.onConnect != nil {
		f.onConnect(f.listener)
	}
	return f.connectErr
}

func (f *fakeConn) StartAudio(context.Context) error { return nil }

func (f *fakeConn) PublishMicrophone(context.Context) error { return f.publishErr }

func (f *fakeConn) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.micEnabled = append(f.micEnabled, enabled)
	return f.micErr
}

func (f *fakeConn) RegisterTextStreamHandler(topic string, handler func(TextStream)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]func(TextStream){}
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeConn) SendText(_ context.Context, text, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	f.sentTopics = append(f.sentTopics, topic)
	return nil
}

func (f *fakeConn) LocalIdentity() string { return f.identity }

func (f *fakeConn) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeConn) handler(topic string) func(TextStream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  func() *fakeConn
	opts  []RoomOptions
}

func (t *fakeTransport) NewRoom(opts RoomOptions, listener RoomListener) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := &fakeConn{identity: "user-abc"}
	if t.next != nil {
		conn = t.next()
	}
	conn.listener = listener
	t.conns = append(t.conns, conn)
	t.opts = append(t.opts, opts)
	return conn, nil
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[len(t.conns)-1]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *eventRecorder) notices() []string {
	var out []string
	for _, ev := range r.all() {
		if n, ok := ev.(Notice); ok {
			out = append(out, n.Text)
		}
	}
	return out
}

func (r *eventRecorder) states() []StateChanged {
	var out []StateChanged
	for _, ev := range r.all() {
		if s, ok := ev.(StateChanged); ok {
			out = append(out, s)
		}
	}
	return out
}

func newTestController(t *testing.T) (*Controller, *tokenStub, *fakeTransport, *eventRecorder) {
	t.Helper()
	tokens := &tokenStub{tok: backend.Token{Token: "t1", Room: "room-1", URL: "wss://x"}}
	transport := &fakeTransport{}
	rec := &eventRecorder{}
	c := NewController(tokens, transport)
	c.Subscribe(rec)
	return c, tokens, transport, rec
}

func startConnected(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Start(context.Background(), "Alice", "1234"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestStartConnects(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	if err := c.Start(context.Background(), "  Alice ", " 1234 "); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	state, status := c.State()
	if state != StateConnected || status != "Connected. Speak to Pepper!" {
		t.Fatalf("unexpected state %s %q", state, status)
	}
	if transport.opts[0] != (RoomOptions{AdaptiveStream: true, Dynacast: true}) {
		t.Fatalf("unexpected room options %+v", transport.opts[0])
	}

	events := rec.all()
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %#v", len(events), events)
	}
	if s := events[0].(StateChanged); s.State != StateConnecting || s.Status != StatusRequestingToken {
		t.Fatalf("unexpected first event %+v", s)
	}
	if s := events[1].(StateChanged); s.State != StateConnected {
		t.Fatalf("unexpected second event %+v", s)
	}
	started := events[2].(SessionStarted)
	if started.Info.LocalIdentity != "user-abc" || started.Info.RoomName != "room-1" || started.Info.DisplayName != "Alice" {
		t.Fatalf("unexpected session info %+v", started.Info)
	}
	if n := events[3].(Notice); n.Text != NoticeTranscriptionReady {
		t.Fatalf("unexpected notice %q", n.Text)
	}

	name, passcode, ok := c.Credentials()
	if !ok || name != "Alice" || passcode != "1234" {
		t.Fatalf("unexpected credentials %q %q %v", name, passcode, ok)
	}
	if transport.last().handler(TopicTranscription) == nil {
		t.Fatal("expected transcription handler registration")
	}
}

func TestStartFallsBackToDisplayNameIdentity(t *testing.T) {
	c, _, transport, _ := newTestController(t)
	transport.next = func() *fakeConn { return &fakeConn{} }
	startConnected(t, c)

	info, ok := c.Info()
	if !ok || info.LocalIdentity != "Alice" {
		t.Fatalf("expected display name identity, got %+v", info)
	}
}

func TestStartRequiresCredentials(t *testing.T) {
	c, tokens, _, rec := newTestController(t)

	err := c.Start(context.Background(), "Alice", "   ")
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if tokens.calls != 0 {
		t.Fatal("expected no token request")
	}
	state, status := c.State()
	if state != StateIdle || status != StatusMissingCredentials {
		t.Fatalf("unexpected state %s %q", state, status)
	}
	if len(rec.states()) != 1 {
		t.Fatalf("expected one state event, got %d", len(rec.states()))
	}
}

func TestStartOnlyFromIdle(t *testing.T) {
	c, _, _, _ := newTestController(t)
	startConnected(t, c)

	if err := c.Start(context.Background(), "Alice", "1234"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestStartTokenFailure(t *testing.T) {
	c, tokens, transport, rec := newTestController(t)
	tokens.err = &backend.AuthError{Status: 401, Message: "bad passcode"}

	err := c.Start(context.Background(), "Alice", "nope")
	var authErr *backend.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if len(transport.conns) != 0 {
		t.Fatal("expected no room to be created")
	}

	states := rec.states()
	if len(states) != 3 {
		t.Fatalf("expected connecting, error, idle; got %+v", states)
	}
	if states[1].State != StateError || states[1].Status != "bad passcode" {
		t.Fatalf("unexpected error state %+v", states[1])
	}
	if states[2].State != StateIdle || states[2].Status != "bad passcode" {
		t.Fatalf("unexpected final state %+v", states[2])
	}
	if _, _, ok := c.Credentials(); ok {
		t.Fatal("expected no credentials after failure")
	}
}

func TestStartTransportFailureTearsDown(t *testing.T) {
	tests := []struct {
		name string
		conn *fakeConn
		want string
	}{
		{name: "connect", conn: &fakeConn{connectErr: errors.New("could not establish signal connection")}, want: "could not establish signal connection"},
		{name: "publish", conn: &fakeConn{publishErr: errors.New("no microphone")}, want: "no microphone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, transport, rec := newTestController(t)
			transport.next = func() *fakeConn { return tt.conn }

			err := c.Start(context.Background(), "Alice", "1234")
			var transportErr *TransportError
			if !errors.As(err, &transportErr) {
				t.Fatalf("expected TransportError, got %v", err)
			}
			if tt.conn.disconnects != 1 {
				t.Fatalf("expected transport torn down once, got %d", tt.conn.disconnects)
			}
			state, status := c.State()
			if state != StateIdle || status != tt.want {
				t.Fatalf("unexpected state %s %q", state, status)
			}
			for _, ev := range rec.all() {
				if _, ok := ev.(SessionStarted); ok {
					t.Fatal("unexpected SessionStarted after failure")
				}
			}
		})
	}
}

func TestStartHoldsEarlyEventsUntilConnected(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	transport.next = func() *fakeConn {
		return &fakeConn{
			identity: "user-abc",
			onConnect: func(l RoomListener) {
				l.ParticipantJoined("agent-1")
				l.MicrophoneLevel(0.5)
			},
		}
	}
	startConnected(t, c)

	events := rec.all()
	var order []string
	for _, ev := range events {
		order = append(order, ev.Name())
	}
	want := []string{"state", "state", "session_started", "notice", "notice"}
	if len(order) != len(want) {
		t.Fatalf("unexpected events %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected events %v", order)
		}
	}
	if n := rec.notices(); n[0] != "Participant joined: agent-1" || n[1] != NoticeTranscriptionReady {
		t.Fatalf("unexpected notices %v", n)
	}
}

func TestStopCleansUp(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	startConnected(t, c)
	rec.reset()

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if transport.last().disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", transport.last().disconnects)
	}

	events := rec.all()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %#v", events)
	}
	if s := events[0].(StateChanged); s.State != StateDisconnecting || s.Status != StatusDisconnecting {
		t.Fatalf("unexpected event %+v", s)
	}
	if ended := events[1].(SessionEnded); ended.Remote || ended.Info.RoomName != "room-1" {
		t.Fatalf("unexpected session end %+v", ended)
	}
	if s := events[2].(StateChanged); s.State != StateIdle || s.Status != StatusDisconnected {
		t.Fatalf("unexpected event %+v", s)
	}
	if _, _, ok := c.Credentials(); ok {
		t.Fatal("expected credentials cleared")
	}
}

func TestStopIdleIsNoop(t *testing.T) {
	c, _, _, rec := newTestController(t)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(rec.all()) != 0 {
		t.Fatal("expected no events")
	}
}

func TestRemoteDisconnect(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	startConnected(t, c)
	rec.reset()

	transport.last().listener.Disconnected("server shutdown")

	state, status := c.State()
	if state != StateIdle || status != StatusDisconnected {
		t.Fatalf("unexpected state %s %q", state, status)
	}
	var ended *SessionEnded
	for _, ev := range rec.all() {
		if e, ok := ev.(SessionEnded); ok {
			ended = &e
		}
	}
	if ended == nil || !ended.Remote {
		t.Fatalf("expected remote session end, got %+v", rec.all())
	}
}

func TestDisconnectDuringSetupFailsStart(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	conn := &fakeConn{
		identity:  "user-abc",
		onConnect: func(l RoomListener) { l.Disconnected("room closed") },
	}
	transport.next = func() *fakeConn { return conn }

	err := c.Start(context.Background(), "Alice", "1234")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if conn.disconnects != 1 {
		t.Fatalf("expected transport torn down once, got %d", conn.disconnects)
	}
	if state, _ := c.State(); state != StateIdle {
		t.Fatalf("expected idle, got %s", state)
	}
	for _, ev := range rec.all() {
		if _, ok := ev.(SessionStarted); ok {
			t.Fatal("unexpected SessionStarted on a closed room")
		}
	}

	transport.next = nil
	startConnected(t, c)
	if state, _ := c.State(); state != StateConnected {
		t.Fatalf("expected next call to connect, got %s", state)
	}
}

func TestStaleCallbacksAreDropped(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	startConnected(t, c)
	old := transport.last().listener

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	startConnected(t, c)
	rec.reset()

	old.ParticipantJoined("ghost")
	old.Disconnected("late")

	if len(rec.all()) != 0 {
		t.Fatalf("expected stale callbacks dropped, got %#v", rec.all())
	}
	if state, _ := c.State(); state != StateConnected {
		t.Fatalf("expected new session to survive stale disconnect, got %s", state)
	}
}

func TestRoomNotices(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	startConnected(t, c)
	rec.reset()

	l := transport.last().listener
	l.ParticipantJoined("agent-1")
	l.TrackSubscribed(TrackVideo, "agent-1")
	l.TrackSubscribed(TrackAudio, "agent-1")
	l.ParticipantLeft("agent-1")

	got := rec.notices()
	want := []string{"Participant joined: agent-1", "Audio track subscribed from agent-1", "Participant left: agent-1"}
	if len(got) != len(want) {
		t.Fatalf("unexpected notices %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected notices %v", got)
		}
	}
}

func TestToggleMicrophone(t *testing.T) {
	c, _, transport, rec := newTestController(t)

	if _, err := c.ToggleMicrophone(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	startConnected(t, c)
	conn := transport.last()

	muted, err := c.ToggleMicrophone(context.Background())
	if err != nil || !muted {
		t.Fatalf("expected muted, got %v %v", muted, err)
	}
	if len(conn.micEnabled) != 1 || conn.micEnabled[0] {
		t.Fatalf("expected microphone disabled, got %v", conn.micEnabled)
	}

	conn.micErr = errors.New("track unpublished")
	rec.reset()
	muted, err = c.ToggleMicrophone(context.Background())
	if err != nil || muted {
		t.Fatalf("expected optimistic unmute, got %v %v", muted, err)
	}
	if c.Muted() {
		t.Fatal("expected requested flag kept")
	}
	if n := rec.notices(); len(n) != 1 || n[0] != NoticeMicrophoneFailed {
		t.Fatalf("unexpected notices %v", n)
	}
}

func TestSendTextMessage(t *testing.T) {
	c, _, transport, rec := newTestController(t)

	if err := c.SendTextMessage(context.Background(), "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	startConnected(t, c)
	conn := transport.last()
	rec.reset()

	if err := c.SendTextMessage(context.Background(), "   "); err != nil {
		t.Fatalf("blank send failed: %v", err)
	}
	if err := c.SendTextMessage(context.Background(), "  What is in my notes? "); err != nil {
		t.Fatalf("SendTextMessage failed: %v", err)
	}
	if len(conn.sent) != 1 || conn.sent[0] != "What is in my notes?" || conn.sentTopics[0] != TopicChat {
		t.Fatalf("unexpected sent %v %v", conn.sent, conn.sentTopics)
	}
	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected only a local echo, got %#v", events)
	}
	if m := events[0].(LocalMessage); m.Text != "What is in my notes?" {
		t.Fatalf("unexpected echo %q", m.Text)
	}

	conn.sendErr = errors.New("boom")
	rec.reset()
	err := c.SendTextMessage(context.Background(), "again")
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if n := rec.notices(); len(n) != 1 || n[0] != "Failed to send message: boom" {
		t.Fatalf("unexpected notices %v", n)
	}
}

func stream(attrs map[string]string, identity string, updates ...string) TextStream {
	ch := make(chan string, len(updates))
	for _, u := range updates {
		ch <- u
	}
	close(ch)
	return TextStream{Topic: TopicTranscription, ParticipantIdentity: identity, Attributes: attrs, Updates: ch}
}

func transcripts(rec *eventRecorder) []TranscriptReceived {
	var out []TranscriptReceived
	for _, ev := range rec.all() {
		if tr, ok := ev.(TranscriptReceived); ok {
			out = append(out, tr)
		}
	}
	return out
}

func TestTranscriptionStream(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	startConnected(t, c)
	rec.reset()

	handler := transport.last().handler(TopicTranscription)
	handler(stream(map[string]string{AttrSegmentID: "seg-1", AttrTranscribedTrack: "TR_1"}, "agent-1", "Hel", "", "Hello"))

	got := transcripts(rec)
	if len(got) != 3 {
		t.Fatalf("expected 3 transcript events, got %d", len(got))
	}
	if got[0].Event.IsFinal || got[1].Event.IsFinal || !got[2].Event.IsFinal {
		t.Fatalf("unexpected finality %+v", got)
	}
	last := got[2].Event
	if last.Text != "Hello" || last.SegmentKey != "seg-1" || last.TrackID != "TR_1" || last.SpeakerIdentity != "agent-1" {
		t.Fatalf("unexpected final event %+v", last)
	}
}

func TestUnkeyedStreamPublishesOnlyStreamEnd(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	startConnected(t, c)
	rec.reset()

	handler := transport.last().handler(TopicTranscription)
	handler(stream(map[string]string{AttrTranscribedTrack: "TR_1", AttrFinal: "true"}, "agent-1", "hello", "hello there"))

	got := transcripts(rec)
	if len(got) != 1 {
		t.Fatalf("expected one transcript event, got %+v", got)
	}
	if ev := got[0].Event; ev.Text != "hello there" || !ev.IsFinal || ev.SegmentKey != "" {
		t.Fatalf("unexpected event %+v", ev)
	}

	r := transcript.NewReconciler()
	r.SetLocalIdentity("user-abc")
	for _, tr := range got {
		r.Apply(tr.Event)
	}
	entries := r.Entries()
	if len(entries) != 1 || entries[0].Interim {
		t.Fatalf("expected one terminal entry, got %+v", entries)
	}
}

func TestTranscriptionStreamFinalAttribute(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	startConnected(t, c)
	rec.reset()

	handler := transport.last().handler(TopicTranscription)
	handler(stream(map[string]string{AttrSegmentID: "seg-1", AttrTranscribedTrack: "TR_1", AttrFinal: "false"}, "", "partial"))

	got := transcripts(rec)
	if len(got) != 2 || got[1].Event.IsFinal {
		t.Fatalf("expected stream end to stay interim, got %+v", got)
	}
	if got[1].Event.SpeakerIdentity != "unknown" {
		t.Fatalf("expected unknown speaker, got %q", got[1].Event.SpeakerIdentity)
	}
}

func TestTranscriptionEmptyStream(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	startConnected(t, c)
	rec.reset()

	transport.last().handler(TopicTranscription)(stream(nil, "agent-1"))
	if len(transcripts(rec)) != 0 {
		t.Fatal("expected no events for an empty stream")
	}
}

func TestSearchStatusData(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	startConnected(t, c)
	rec.reset()

	l := transport.last().listener
	l.DataReceived(TopicSearchStatus, []byte(`{"state":"start","query":"refund policy"}`), "agent-1")
	l.DataReceived(TopicSearchStatus, []byte(`not json`), "agent-1")
	l.DataReceived("other", []byte(`{"state":"start"}`), "agent-1")
	l.DataReceived(TopicSearchStatus, []byte(`{"state":"end"}`), "agent-1")

	var got []SearchStatusChanged
	for _, ev := range rec.all() {
		if s, ok := ev.(SearchStatusChanged); ok {
			got = append(got, s)
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 search status events, got %+v", got)
	}
	if !got[0].Active || got[0].Query != "refund policy" || got[1].Active {
		t.Fatalf("unexpected search status %+v", got)
	}
}

func TestParseSearchStatus(t *testing.T) {
	tests := []struct {
		payload string
		active  bool
		ok      bool
	}{
		{payload: `{"state":"start","query":"q"}`, active: true, ok: true},
		{payload: `{"state":"end"}`, ok: true},
		{payload: `{"state":"paused"}`},
		{payload: `[]`},
	}
	for _, tt := range tests {
		got, ok := ParseSearchStatus([]byte(tt.payload))
		if ok != tt.ok || got.Active != tt.active {
			t.Fatalf("ParseSearchStatus(%s) = %+v, %v", tt.payload, got, ok)
		}
	}
}

func TestReconnectionEvents(t *testing.T) {
	c, _, transport, rec := newTestController(t)
	startConnected(t, c)
	rec.reset()

	l := transport.last().listener
	l.Reconnecting()
	l.Reconnected()

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %#v", events)
	}
	if !events[0].(Reconnection).Active || events[1].(Reconnection).Active {
		t.Fatalf("unexpected reconnection events %#v", events)
	}
	if state, _ := c.State(); state != StateConnected {
		t.Fatalf("expected call to stay connected, got %s", state)
	}
}

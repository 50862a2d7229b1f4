package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pairview/pairview/internal/domain"
)

type fakeChannel struct {
	label  string
	sent   [][]byte
	closed int
}

func (c *fakeChannel) Label() string               { return c.label }
func (c *fakeChannel) Send(data []byte) error      { c.sent = append(c.sent, data); return nil }
func (c *fakeChannel) OnMessage(func([]byte)) func() { return func() {} }
func (c *fakeChannel) OnOpen(func()) func()        { return func() {} }
func (c *fakeChannel) Close() error                { c.closed++; return nil }

type fakeSender struct {
	replaced []MediaTrack
	params   []EncodingParams
}

func (s *fakeSender) ReplaceTrack(t MediaTrack) error      { s.replaced = append(s.replaced, t); return nil }
func (s *fakeSender) SetEncoding(p EncodingParams) error   { s.params = append(s.params, p); return nil }
func (s *fakeSender) Stats() (SenderStats, error)          { return SenderStats{}, nil }

type stoppableTrack struct {
	id      string
	stopped int
}

func (t *stoppableTrack) ID() string   { return t.id }
func (t *stoppableTrack) Kind() string { return "video" }
func (t *stoppableTrack) Stop()        { t.stopped++ }

// fakeTransport records every call and lets the test fire transport
// events by hand.
type fakeTransport struct {
	mu sync.Mutex

	offers      int
	answers     int
	localDescs  []Description
	remoteDescs []Description
	remoteCands []Candidate
	attached    []MediaTrack
	recvCalls   int
	closed      int
	channels    []*fakeChannel

	failSetLocal  error
	failSetRemote error

	candFn  func(Candidate)
	trackFn func(RemoteTrack)
	stateFn func(ConnState)
	chanFn  func(DataChannel)
}

func (f *fakeTransport) CreateOffer() (Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return Description{Kind: "offer", SDP: fmt.Sprintf("offer-%d", f.offers)}, nil
}

func (f *fakeTransport) CreateAnswer() (Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return Description{Kind: "answer", SDP: fmt.Sprintf("answer-%d", f.answers)}, nil
}

func (f *fakeTransport) SetLocalDescription(d Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetLocal != nil {
		return f.failSetLocal
	}
	f.localDescs = append(f.localDescs, d)
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetRemote != nil {
		return f.failSetRemote
	}
	f.remoteDescs = append(f.remoteDescs, d)
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(c Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteCands = append(f.remoteCands, c)
	return nil
}

func (f *fakeTransport) AttachTrack(t MediaTrack) (Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, t)
	return &fakeSender{}, nil
}

func (f *fakeTransport) EnsureVideoRecv() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recvCalls++
	return nil
}

func (f *fakeTransport) CreateDataChannel(label string) (DataChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &fakeChannel{label: label}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeTransport) OnCandidate(fn func(Candidate)) func() {
	f.candFn = fn
	return func() { f.candFn = nil }
}

func (f *fakeTransport) OnTrack(fn func(RemoteTrack)) func() {
	f.trackFn = fn
	return func() { f.trackFn = nil }
}

func (f *fakeTransport) OnConnState(fn func(ConnState)) func() {
	f.stateFn = fn
	return func() { f.stateFn = nil }
}

func (f *fakeTransport) OnDataChannel(fn func(DataChannel)) func() {
	f.chanFn = fn
	return func() { f.chanFn = nil }
}

func (f *fakeTransport) Stats() (TransportStats, error) { return TransportStats{}, nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) fireCandidate(c Candidate) {
	if f.candFn != nil {
		f.candFn(c)
	}
}

func (f *fakeTransport) fireConnState(s ConnState) {
	if f.stateFn != nil {
		f.stateFn(s)
	}
}

type sentSignal struct {
	event   string
	payload any
}

type signalRecorder struct {
	mu   sync.Mutex
	sent []sentSignal
	fail error
}

func (r *signalRecorder) send(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, sentSignal{event: event, payload: payload})
	return nil
}

func (r *signalRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.event
	}
	return out
}

func newTestSession(t *testing.T, ft *fakeTransport, role Role, rec *signalRecorder) *Session {
	t.Helper()
	s, err := New(func() (Transport, error) { return ft, nil }, Config{
		Partner: "peer",
		Role:    role,
	}, Callbacks{Send: rec.send})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestNewWrapsFactoryFailure(t *testing.T) {
	_, err := New(func() (Transport, error) {
		return nil, errors.New("no webrtc stack")
	}, Config{Partner: "peer"}, Callbacks{Send: (&signalRecorder{}).send})
	if !errors.Is(err, domain.ErrTransportUnavailable) {
		t.Fatalf("want ErrTransportUnavailable, got %v", err)
	}
}

func TestLocalCandidatesQueueUntilLocalDescription(t *testing.T) {
	ft := &fakeTransport{}
	rec := &signalRecorder{}
	s := newTestSession(t, ft, RoleInitiator, rec)

	ft.fireCandidate(Candidate{Candidate: "early-1"})
	ft.fireCandidate(Candidate{Candidate: "early-2"})
	if len(rec.events()) != 0 {
		t.Fatalf("candidates emitted before a local description existed: %v", rec.events())
	}

	if err := s.StartOffer(); err != nil {
		t.Fatalf("start offer: %v", err)
	}
	want := []string{"offer", "ice-candidate", "ice-candidate"}
	got := rec.events()
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent %v, want %v", got, want)
		}
	}

	// After the description is up, candidates flow immediately.
	ft.fireCandidate(Candidate{Candidate: "late"})
	if n := len(rec.events()); n != 4 {
		t.Errorf("late candidate did not flow immediately, %d events", n)
	}
}

func TestRemoteCandidatesBufferUntilRemoteDescription(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft, RoleInitiator, &signalRecorder{})

	if err := s.HandleCandidate(Candidate{Candidate: "r1"}); err != nil {
		t.Fatalf("buffering candidate: %v", err)
	}
	if err := s.HandleCandidate(Candidate{Candidate: "r2"}); err != nil {
		t.Fatalf("buffering candidate: %v", err)
	}
	if len(ft.remoteCands) != 0 {
		t.Fatal("candidates applied before the remote description")
	}

	if err := s.HandleAnswer(Description{Kind: "answer", SDP: "x"}); err != nil {
		t.Fatalf("handle answer: %v", err)
	}
	if len(ft.remoteCands) != 2 || ft.remoteCands[0].Candidate != "r1" || ft.remoteCands[1].Candidate != "r2" {
		t.Fatalf("buffered candidates not flushed in order: %+v", ft.remoteCands)
	}

	if err := s.HandleCandidate(Candidate{Candidate: "r3"}); err != nil {
		t.Fatalf("direct candidate: %v", err)
	}
	if len(ft.remoteCands) != 3 {
		t.Error("candidate after remote description was not applied directly")
	}
}

func TestHandleOfferAnswersAndAdoptsResponderRole(t *testing.T) {
	ft := &fakeTransport{}
	rec := &signalRecorder{}
	s := newTestSession(t, ft, RoleUndetermined, rec)

	if err := s.HandleOffer(Description{Kind: "offer", SDP: "remote"}); err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	if s.Role() != RoleResponder {
		t.Errorf("role = %v, want responder", s.Role())
	}
	if ft.answers != 1 || len(ft.localDescs) != 1 {
		t.Error("answer not created and committed")
	}
	evs := rec.events()
	if len(evs) != 1 || evs[0] != "answer" {
		t.Errorf("sent %v, want [answer]", evs)
	}
}

func TestNegotiationFailureIsWrappedAndNotRetried(t *testing.T) {
	ft := &fakeTransport{failSetLocal: errors.New("m-line mismatch")}
	s := newTestSession(t, ft, RoleInitiator, &signalRecorder{})

	err := s.StartOffer()
	if !errors.Is(err, domain.ErrNegotiationRejected) {
		t.Fatalf("want ErrNegotiationRejected, got %v", err)
	}
	if ft.offers != 1 {
		t.Errorf("offer created %d times, the session must not retry on its own", ft.offers)
	}
}

func TestAttachWhileConnectedRenegotiates(t *testing.T) {
	ft := &fakeTransport{}
	rec := &signalRecorder{}
	s := newTestSession(t, ft, RoleInitiator, rec)

	if err := s.StartOffer(); err != nil {
		t.Fatalf("start offer: %v", err)
	}
	ft.fireConnState(ConnConnected)
	if s.State() != StateConnected {
		t.Fatalf("state = %v, want connected", s.State())
	}

	track := &stoppableTrack{id: "screen"}
	if _, err := s.Attach(track); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if ft.offers != 2 {
		t.Errorf("attach while connected made %d offers, want a renegotiation", ft.offers)
	}
	if len(ft.channels) != 1 {
		t.Errorf("renegotiation must not recreate the data channel, have %d", len(ft.channels))
	}
}

func TestAttachBeforeConnectDoesNotRenegotiate(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft, RoleInitiator, &signalRecorder{})

	if _, err := s.Attach(&stoppableTrack{id: "screen"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if ft.offers != 0 {
		t.Error("attach before connection should not start an offer")
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	rec := &signalRecorder{}
	s := newTestSession(t, ft, RoleInitiator, rec)

	track := &stoppableTrack{id: "screen"}
	if _, err := s.Attach(track); err != nil {
		t.Fatalf("attach: %v", err)
	}

	s.Teardown()
	s.Teardown()

	if ft.closed != 1 {
		t.Errorf("transport closed %d times, want 1", ft.closed)
	}
	if ft.channels[0].closed != 1 {
		t.Errorf("data channel closed %d times, want 1", ft.channels[0].closed)
	}
	if track.stopped != 1 {
		t.Errorf("track stopped %d times, want 1", track.stopped)
	}

	// Observers are silenced and operations fail cleanly.
	ft.fireCandidate(Candidate{Candidate: "post-mortem"})
	if len(rec.events()) != 0 {
		t.Error("candidate emitted after teardown")
	}
	if err := s.StartOffer(); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("want ErrSessionClosed, got %v", err)
	}
	if err := s.HandleCandidate(Candidate{}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("want ErrSessionClosed, got %v", err)
	}
}

func TestConnStateDrivesSessionState(t *testing.T) {
	ft := &fakeTransport{}
	var states []State
	s, err := New(func() (Transport, error) { return ft, nil }, Config{
		Partner: "peer",
		Role:    RoleInitiator,
	}, Callbacks{
		Send:    (&signalRecorder{}).send,
		OnState: func(st State) { states = append(states, st) },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ft.fireConnState(ConnConnecting) // still negotiating, no transition
	ft.fireConnState(ConnConnected)
	ft.fireConnState(ConnDisconnected)
	ft.fireConnState(ConnConnected) // transient drop healed
	ft.fireConnState(ConnFailed)

	want := []State{StateConnected, StateDisconnected, StateConnected, StateFailed}
	if len(states) != len(want) {
		t.Fatalf("transitions %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions %v, want %v", states, want)
		}
	}
	if s.State() != StateFailed {
		t.Errorf("final state = %v, want failed", s.State())
	}
}

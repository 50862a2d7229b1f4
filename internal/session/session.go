package session

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/domain"
)

// Role is the negotiation role assigned by the room registry.
type Role int

const (
	RoleUndetermined Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return "undetermined"
}

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateNegotiating
	StateConnected
	StateDisconnected // transient, may self-heal back to connected
	StateFailed       // terminal for this session instance
	StateClosed       // terminal for this session instance
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SignalSender transmits a signaling payload (offer, answer or
// candidate) to the partner through the relay channel.
type SignalSender func(event string, payload any) error

// Callbacks are the session's outward surface. All are optional except
// Send.
type Callbacks struct {
	Send          SignalSender
	OnState       func(State)
	OnRemoteTrack func(RemoteTrack)
	OnDataChannel func(DataChannel)
	OnError       func(error)
}

// Config fixes the session's identity at creation time.
type Config struct {
	Partner      domain.MemberID
	Role         Role
	Policy       DescriptionPolicy
	ChannelLabel string
}

// Session is one peer-connection lifecycle. Created when a partner
// identity becomes known; destroyed on leave, partner departure or
// explicit reset. A failed session is never reused: the caller makes a
// fresh one.
type Session struct {
	mu sync.Mutex

	transport Transport
	partner   domain.MemberID
	role      Role
	state     State
	cb        Callbacks

	policy DescriptionPolicy

	hasLocalDesc  bool
	hasRemoteDesc bool
	// Locally gathered candidates queue only until a local description
	// is set; afterwards they flow immediately.
	pendingLocal []Candidate
	// Remote candidates arriving before a remote description exists
	// are buffered and flushed once it is committed.
	pendingRemote []Candidate

	channel DataChannel
	tracks  []MediaTrack
	unsubs  []func()
	closed  bool
}

// New constructs the transport, opens the auxiliary data channel and
// registers the four observers. Returns
// domain.ErrTransportUnavailable when the capability cannot be
// created.
func New(factory Factory, cfg Config, cb Callbacks) (*Session, error) {
	t, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}

	label := cfg.ChannelLabel
	if label == "" {
		label = "chat"
	}

	s := &Session{
		transport: t,
		partner:   cfg.Partner,
		role:      cfg.Role,
		state:     StateNegotiating,
		cb:        cb,
		policy:    cfg.Policy,
	}

	ch, err := t.CreateDataChannel(label)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("%w: data channel: %v", domain.ErrTransportUnavailable, err)
	}
	s.channel = ch

	s.unsubs = append(s.unsubs,
		t.OnCandidate(s.onLocalCandidate),
		t.OnTrack(s.onRemoteTrack),
		t.OnConnState(s.onConnState),
		t.OnDataChannel(s.onDataChannel),
	)

	log.Debug().Str("module", "session").Str("partner", string(cfg.Partner)).Str("role", cfg.Role.String()).Msg("session created")
	return s, nil
}

func (s *Session) Partner() domain.MemberID { return s.partner }
func (s *Session) Role() Role               { s.mu.Lock(); defer s.mu.Unlock(); return s.role }
func (s *Session) State() State             { s.mu.Lock(); defer s.mu.Unlock(); return s.state }
func (s *Session) Channel() DataChannel     { return s.channel }

// StartOffer runs the offer role: create a local offer, apply the
// structured description post-processing, commit it locally and
// transmit it. Also used for renegotiation after media changes.
func (s *Session) StartOffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startOfferLocked()
}

func (s *Session) startOfferLocked() error {
	if s.closed {
		return domain.ErrSessionClosed
	}
	offer, err := s.transport.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationRejected, err)
	}
	enhanced, err := Enhance(offer, s.policy)
	if err != nil {
		return fmt.Errorf("%w: enhance offer: %v", domain.ErrNegotiationRejected, err)
	}
	if err := s.transport.SetLocalDescription(enhanced); err != nil {
		return fmt.Errorf("%w: set local description: %v", domain.ErrNegotiationRejected, err)
	}
	s.hasLocalDesc = true
	// The description travels ahead of any queued candidates so the
	// peer can commit it before they arrive.
	if err := s.cb.Send("offer", enhanced); err != nil {
		return err
	}
	s.flushLocalLocked()
	return nil
}

// HandleOffer runs the answer role for a received remote offer.
func (s *Session) HandleOffer(d Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	if s.role == RoleUndetermined {
		s.role = RoleResponder
	}
	if err := s.transport.SetRemoteDescription(d); err != nil {
		return fmt.Errorf("%w: set remote offer: %v", domain.ErrNegotiationRejected, err)
	}
	s.hasRemoteDesc = true
	s.flushRemoteLocked()

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationRejected, err)
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", domain.ErrNegotiationRejected, err)
	}
	s.hasLocalDesc = true
	if err := s.cb.Send("answer", answer); err != nil {
		return err
	}
	s.flushLocalLocked()
	return nil
}

// HandleAnswer commits the remote answer (initiator side). Buffered
// remote candidates are flushed from this point.
func (s *Session) HandleAnswer(d Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	if err := s.transport.SetRemoteDescription(d); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", domain.ErrNegotiationRejected, err)
	}
	s.hasRemoteDesc = true
	s.flushRemoteLocked()
	return nil
}

// HandleCandidate applies a remote candidate, buffering it while no
// remote description exists yet.
func (s *Session) HandleCandidate(c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	if !s.hasRemoteDesc {
		s.pendingRemote = append(s.pendingRemote, c)
		return nil
	}
	return s.transport.AddRemoteCandidate(c)
}

// Attach adds or replaces outbound media. If the session is already
// connected the change triggers renegotiation; the data channel and
// statistics history survive.
func (s *Session) Attach(t MediaTrack) (Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrSessionClosed
	}
	sender, err := s.transport.AttachTrack(t)
	if err != nil {
		return nil, fmt.Errorf("attach track: %w", err)
	}
	s.tracks = append(s.tracks, t)

	if s.state == StateConnected {
		if err := s.startOfferLocked(); err != nil {
			return sender, err
		}
	}
	return sender, nil
}

// EnsureVideoRecv prepares the transport to receive inbound video
// (viewer side).
func (s *Session) EnsureVideoRecv() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	return s.transport.EnsureVideoRecv()
}

// Stats exposes the raw transport statistics to the read-only
// samplers.
func (s *Session) Stats() (TransportStats, error) {
	s.mu.Lock()
	t := s.transport
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return TransportStats{}, domain.ErrSessionClosed
	}
	return t.Stats()
}

// Teardown stops local tracks, silences all observers, closes the
// data channel and the transport. Idempotent: a second call is a
// no-op.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	tracks := s.tracks
	s.tracks = nil
	channel := s.channel
	transport := s.transport
	s.state = StateClosed
	onState := s.cb.OnState
	s.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
	for _, t := range tracks {
		if stopper, ok := t.(interface{ Stop() }); ok {
			stopper.Stop()
		}
	}
	if channel != nil {
		_ = channel.Close()
	}
	_ = transport.Close()
	if onState != nil {
		onState(StateClosed)
	}
	log.Debug().Str("module", "session").Str("partner", string(s.partner)).Msg("session torn down")
}

func (s *Session) onLocalCandidate(c Candidate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.hasLocalDesc {
		s.pendingLocal = append(s.pendingLocal, c)
		s.mu.Unlock()
		return
	}
	send := s.cb.Send
	s.mu.Unlock()
	if err := send("ice-candidate", c); err != nil {
		s.reportError(err)
	}
}

func (s *Session) onRemoteTrack(t RemoteTrack) {
	s.mu.Lock()
	cb := s.cb.OnRemoteTrack
	closed := s.closed
	s.mu.Unlock()
	if !closed && cb != nil {
		cb(t)
	}
}

func (s *Session) onDataChannel(ch DataChannel) {
	s.mu.Lock()
	cb := s.cb.OnDataChannel
	closed := s.closed
	s.mu.Unlock()
	if !closed && cb != nil {
		cb(ch)
	}
}

func (s *Session) onConnState(cs ConnState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	switch cs {
	case ConnConnected:
		s.state = StateConnected
	case ConnDisconnected:
		s.state = StateDisconnected
	case ConnFailed:
		s.state = StateFailed
	case ConnClosed:
		s.state = StateClosed
	default:
		// new/connecting stay within negotiating
	}
	next := s.state
	cb := s.cb.OnState
	s.mu.Unlock()

	if next != prev {
		log.Info().Str("module", "session").Str("partner", string(s.partner)).Str("from", prev.String()).Str("to", next.String()).Msg("state change")
		if cb != nil {
			cb(next)
		}
	}
}

func (s *Session) flushLocalLocked() {
	if len(s.pendingLocal) == 0 {
		return
	}
	queued := s.pendingLocal
	s.pendingLocal = nil
	for _, c := range queued {
		if err := s.cb.Send("ice-candidate", c); err != nil {
			s.reportError(err)
		}
	}
}

func (s *Session) flushRemoteLocked() {
	if len(s.pendingRemote) == 0 {
		return
	}
	queued := s.pendingRemote
	s.pendingRemote = nil
	for _, c := range queued {
		if err := s.transport.AddRemoteCandidate(c); err != nil {
			s.reportError(err)
		}
	}
}

func (s *Session) reportError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

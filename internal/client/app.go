// Package client coordinates the peer endpoint: the relay channel,
// the peer session, media capture, adaptive quality and statistics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/adapters/rtc"
	"github.com/pairview/pairview/internal/config"
	"github.com/pairview/pairview/internal/domain"
	"github.com/pairview/pairview/internal/protocol"
	"github.com/pairview/pairview/internal/quality"
	"github.com/pairview/pairview/internal/relay"
	"github.com/pairview/pairview/internal/session"
	"github.com/pairview/pairview/internal/stats"
)

const (
	// Failed negotiations are retried with doubling delays before the
	// session is declared dead.
	negotiateAttempts = 5
	negotiateBase     = time.Second

	joinTimeout = 10 * time.Second
)

// Events is the application's outward surface; all fields optional.
type Events struct {
	OnRoomJoined   func(protocol.RoomJoinedPayload)
	OnMemberJoined func(protocol.MemberJoinedPayload)
	OnMemberLeft   func(protocol.MemberLeftPayload)
	OnChat         func(domain.ChatMessage)
	OnAux          func(AuxMessage)
	OnPeerShare    func(started bool, member domain.MemberID)
	OnRemoteTrack  func(session.RemoteTrack)
	OnSessionState func(session.State)
	OnSample       func(stats.Sample)
	OnRelayState   func(relay.State)
	OnError        func(error)
}

// App drives one member's end of a room.
type App struct {
	cfg     config.ClientConfig
	events  Events
	factory session.Factory

	// Viewer prepares every session to receive inbound video. Set
	// before Join.
	Viewer bool

	mu       sync.Mutex
	rel      *relay.Client
	roomID   domain.RoomID
	name     string
	sess     *session.Session
	sessCtx  context.CancelFunc
	sender   session.Sender
	track    *rtc.ScreenTrack
	source   *rtc.FileSource
	shareCtx context.CancelFunc
	sharing  bool
	joined   bool
	unsubs   []func()
	closed   bool
}

func New(cfg config.ClientConfig, events Events) (*App, error) {
	factory, err := rtc.NewFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}
	return &App{cfg: cfg, events: events, factory: factory}, nil
}

// Join dials the relay and requests admission, blocking until the
// server answers. A full room surfaces as domain.ErrRoomFull.
func (a *App) Join(ctx context.Context, roomID, displayName string) error {
	rel, err := relay.Dial(ctx, a.cfg.ServerURL)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.rel = rel
	a.roomID = domain.NormalizeRoomID(roomID)
	a.name = displayName
	a.mu.Unlock()

	admitted := make(chan error, 1)
	a.subscribe(rel, admitted)

	if err := rel.Emit(protocol.EventJoinRoom, protocol.JoinPayload{
		RoomID:      roomID,
		DisplayName: displayName,
	}); err != nil {
		_ = rel.Close()
		return err
	}

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	select {
	case err := <-admitted:
		if err != nil {
			_ = rel.Close()
		}
		return err
	case <-timer.C:
		_ = rel.Close()
		return fmt.Errorf("join %s: no answer from server", roomID)
	case <-ctx.Done():
		_ = rel.Close()
		return ctx.Err()
	}
}

func (a *App) subscribe(rel *relay.Client, admitted chan<- error) {
	offs := []func(){
		rel.On(protocol.EventRoomJoined, func(data json.RawMessage) {
			var p protocol.RoomJoinedPayload
			if err := json.Unmarshal(data, &p); err != nil {
				a.fail(err)
				return
			}
			a.mu.Lock()
			a.joined = true
			a.mu.Unlock()
			select {
			case admitted <- nil:
			default:
			}
			if a.events.OnRoomJoined != nil {
				a.events.OnRoomJoined(p)
			}
		}),
		rel.On(protocol.EventRoomFull, func(json.RawMessage) {
			select {
			case admitted <- domain.ErrRoomFull:
			default:
			}
			a.mu.Lock()
			joined := a.joined
			a.mu.Unlock()
			if joined {
				// Someone took our seat while we were reconnecting.
				a.fail(domain.ErrRoomFull)
			}
		}),
		rel.On(protocol.EventMemberJoined, func(data json.RawMessage) {
			var p protocol.MemberJoinedPayload
			if json.Unmarshal(data, &p) == nil && a.events.OnMemberJoined != nil {
				a.events.OnMemberJoined(p)
			}
		}),
		rel.On(protocol.EventMemberLeft, func(data json.RawMessage) {
			var p protocol.MemberLeftPayload
			if json.Unmarshal(data, &p) != nil {
				return
			}
			a.partnerLeft(p.MemberID)
			if a.events.OnMemberLeft != nil {
				a.events.OnMemberLeft(p)
			}
		}),
		rel.On(protocol.EventReadyToConnect, func(data json.RawMessage) {
			var p protocol.ReadyToConnectPayload
			if err := json.Unmarshal(data, &p); err != nil {
				a.fail(err)
				return
			}
			a.readyToConnect(p)
		}),
		rel.On(protocol.EventOffer, func(data json.RawMessage) {
			a.inboundSignal(protocol.EventOffer, data)
		}),
		rel.On(protocol.EventAnswer, func(data json.RawMessage) {
			a.inboundSignal(protocol.EventAnswer, data)
		}),
		rel.On(protocol.EventICE, func(data json.RawMessage) {
			a.inboundSignal(protocol.EventICE, data)
		}),
		rel.On(protocol.EventChatMessage, func(data json.RawMessage) {
			var m domain.ChatMessage
			if json.Unmarshal(data, &m) == nil && a.events.OnChat != nil {
				a.events.OnChat(m)
			}
		}),
		rel.On(protocol.EventPeerShareStart, func(data json.RawMessage) {
			var p protocol.ShareStatePayload
			if json.Unmarshal(data, &p) == nil && a.events.OnPeerShare != nil {
				a.events.OnPeerShare(true, p.MemberID)
			}
		}),
		rel.On(protocol.EventPeerShareStop, func(data json.RawMessage) {
			var p protocol.ShareStatePayload
			if json.Unmarshal(data, &p) == nil && a.events.OnPeerShare != nil {
				a.events.OnPeerShare(false, p.MemberID)
			}
		}),
		rel.On(protocol.EventError, func(data json.RawMessage) {
			var p protocol.ErrorPayload
			if json.Unmarshal(data, &p) == nil {
				a.fail(fmt.Errorf("server: %s", p.Error))
			}
		}),
		rel.OnState(func(s relay.State) {
			if a.events.OnRelayState != nil {
				a.events.OnRelayState(s)
			}
			switch s {
			case relay.StateConnected:
				a.rejoin()
			case relay.StateDown:
				a.fail(domain.ErrChannelDisconnected)
			}
		}),
	}

	a.mu.Lock()
	a.unsubs = append(a.unsubs, offs...)
	a.mu.Unlock()
}

// rejoin re-requests admission after the relay reconnects. The server
// tore down our old membership when the previous socket dropped, so a
// restored socket alone leaves us outside the room.
func (a *App) rejoin() {
	a.mu.Lock()
	rel, roomID, name, joined := a.rel, a.roomID, a.name, a.joined
	a.mu.Unlock()
	if !joined || roomID == "" {
		return
	}
	log.Info().
		Str("module", "client").
		Str("room", string(roomID)).
		Msg("relay restored, rejoining room")
	if err := rel.Emit(protocol.EventJoinRoom, protocol.JoinPayload{
		RoomID:      string(roomID),
		DisplayName: name,
	}); err != nil {
		a.fail(err)
	}
}

// readyToConnect builds the peer session. The initiator additionally
// drives the first offer.
func (a *App) readyToConnect(p protocol.ReadyToConnectPayload) {
	role := session.RoleResponder
	if p.Initiator {
		role = session.RoleInitiator
	}
	log.Info().
		Str("module", "client").
		Str("partner", string(p.PartnerID)).
		Str("role", role.String()).
		Msg("ready to connect")

	sess, err := a.createSession(p.PartnerID, role)
	if err != nil {
		a.fail(err)
		return
	}
	if p.Initiator {
		go a.negotiate(sess)
	}
}

func (a *App) createSession(partner domain.MemberID, role session.Role) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, domain.ErrSessionClosed
	}
	if a.sess != nil {
		// Fresh partner pairing replaces any previous session.
		a.teardownSessionLocked()
	}

	rel := a.rel
	sess, err := session.New(a.factory, session.Config{
		Partner: partner,
		Role:    role,
		Policy: session.DescriptionPolicy{
			MaxBitrateBps:   a.cfg.MaxBitrate,
			MaxFramerate:    a.cfg.MaxFPS,
			PreferredCodecs: []string{"VP9", "H264"},
		},
	}, session.Callbacks{
		Send: func(event string, payload any) error {
			raw, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			return rel.Emit(event, protocol.SignalPayload{To: partner, Payload: raw})
		},
		OnState: func(s session.State) {
			if a.events.OnSessionState != nil {
				a.events.OnSessionState(s)
			}
		},
		OnRemoteTrack: func(t session.RemoteTrack) {
			if a.events.OnRemoteTrack != nil {
				a.events.OnRemoteTrack(t)
			}
		},
		OnDataChannel: func(ch session.DataChannel) {
			if a.events.OnAux != nil {
				a.mu.Lock()
				a.unsubs = append(a.unsubs, hookAuxChannel(ch, a.events.OnAux))
				a.mu.Unlock()
			}
		},
		OnError: a.fail,
	})
	if err != nil {
		return nil, err
	}

	if a.Viewer {
		if err := sess.EnsureVideoRecv(); err != nil {
			sess.Teardown()
			return nil, err
		}
	}
	if a.events.OnAux != nil {
		a.unsubs = append(a.unsubs, hookAuxChannel(sess.Channel(), a.events.OnAux))
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.sess = sess
	a.sessCtx = cancel

	sampler := stats.NewSampler(sess, a.cfg.StatsTick)
	a.unsubs = append(a.unsubs, sampler.Subscribe(func(s stats.Sample) {
		a.applySample(s)
	}))
	go sampler.Run(ctx)

	return sess, nil
}

// negotiate drives the offer with bounded retries, then gives up and
// reports the session dead.
func (a *App) negotiate(sess *session.Session) {
	var err error
	for attempt := 0; attempt < negotiateAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(negotiateBase << (attempt - 1))
		}
		if sess.State() == session.StateClosed {
			return
		}
		if err = sess.StartOffer(); err == nil {
			return
		}
		log.Warn().Err(err).Str("module", "client").Int("attempt", attempt+1).Msg("negotiation failed")
	}
	a.fail(fmt.Errorf("negotiation gave up after %d attempts: %w", negotiateAttempts, err))
}

// inboundSignal routes a relayed signaling frame to the session,
// ignoring frames from anyone but the current partner.
func (a *App) inboundSignal(event string, data json.RawMessage) {
	var sp protocol.SignalPayload
	if err := json.Unmarshal(data, &sp); err != nil {
		a.fail(err)
		return
	}

	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil && event == protocol.EventOffer {
		// The partner moved first. Adopt the responder side so the
		// offer is answered instead of lost.
		s, err := a.createSession(sp.From, session.RoleResponder)
		if err != nil {
			a.fail(err)
			return
		}
		sess = s
	}
	if sess == nil || sess.Partner() != sp.From {
		log.Debug().Str("module", "client").Str("event", event).Str("from", string(sp.From)).Msg("dropping signal without matching session")
		return
	}

	var err error
	switch event {
	case protocol.EventOffer:
		var d session.Description
		if err = json.Unmarshal(sp.Payload, &d); err == nil {
			err = sess.HandleOffer(d)
		}
	case protocol.EventAnswer:
		var d session.Description
		if err = json.Unmarshal(sp.Payload, &d); err == nil {
			err = sess.HandleAnswer(d)
		}
	case protocol.EventICE:
		var c session.Candidate
		if err = json.Unmarshal(sp.Payload, &c); err == nil {
			err = sess.HandleCandidate(c)
		}
	}
	if err != nil {
		a.fail(fmt.Errorf("%s from %s: %w", event, sp.From, err))
	}
}

// StartShare attaches outbound video fed from the given media file and
// starts the adaptive quality loop.
func (a *App) StartShare(mediaPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return domain.ErrSessionClosed
	}
	if a.sharing {
		return nil
	}
	if a.sess == nil {
		return fmt.Errorf("no peer session yet")
	}

	track, err := rtc.NewScreenTrack("screen", "pairview")
	if err != nil {
		return err
	}
	sender, err := a.sess.Attach(track)
	if err != nil {
		return err
	}

	source := rtc.NewFileSource(mediaPath, a.cfg.MaxFPS)
	source.SetMaxBitrate(a.cfg.MaxBitrate)
	if es, ok := sender.(interface {
		Encoding() (session.EncodingParams, bool)
	}); ok {
		// Pion has no per-sender parameter setter, so the capture
		// pacing reads the encoding budget back off the sender.
		source.FollowEncoding(es.Encoding)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.track = track
	a.source = source
	a.sender = sender
	a.shareCtx = cancel
	a.sharing = true

	go func() {
		if err := source.Play(ctx, track); err != nil {
			a.fail(err)
		}
	}()

	controller := quality.New(sender, quality.Policy{
		MinBitrate:   a.cfg.MinBitrate,
		MaxBitrate:   a.cfg.MaxBitrate,
		MaxFramerate: a.cfg.MaxFPS,
	}, quality.WithTick(a.cfg.QualityTick), quality.WithOnChange(func(p session.EncodingParams) {
		source.SetMaxFramerate(p.MaxFramerate)
		source.SetMaxBitrate(p.MaxBitrate)
	}))
	go controller.Run(ctx)

	return a.rel.Emit(protocol.EventShareStart, protocol.ShareStatePayload{
		RoomID: string(a.roomID),
	})
}

// StopShare stops the capture pipeline but keeps the session alive.
func (a *App) StopShare() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.sharing {
		return nil
	}
	a.stopShareLocked()
	return a.rel.Emit(protocol.EventShareStop, protocol.ShareStatePayload{
		RoomID: string(a.roomID),
	})
}

func (a *App) stopShareLocked() {
	if a.shareCtx != nil {
		a.shareCtx()
		a.shareCtx = nil
	}
	if a.track != nil {
		a.track.Stop()
		a.track = nil
	}
	a.source = nil
	a.sender = nil
	a.sharing = false
}

// SendChat posts a message through the server so it lands in the room
// history.
func (a *App) SendChat(text string) error {
	a.mu.Lock()
	rel, roomID, name := a.rel, a.roomID, a.name
	a.mu.Unlock()
	if rel == nil {
		return domain.ErrChannelDisconnected
	}
	return rel.Emit(protocol.EventChatMessage, protocol.ChatSendPayload{
		RoomID:      string(roomID),
		Text:        text,
		DisplayName: name,
	})
}

// SendAux pushes a message straight to the peer over the data channel.
func (a *App) SendAux(kind, text string) error {
	a.mu.Lock()
	sess, name := a.sess, a.name
	a.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("no peer session yet")
	}
	data, err := encodeAux(AuxMessage{Kind: kind, Name: name, Text: text, SentAt: time.Now()})
	if err != nil {
		return err
	}
	return sess.Channel().Send(data)
}

// applySample forwards samples outward and walks the capture ladder to
// match the graded conditions.
func (a *App) applySample(s stats.Sample) {
	if a.events.OnSample != nil {
		a.events.OnSample(s)
	}
	a.mu.Lock()
	source := a.source
	a.mu.Unlock()
	if source != nil {
		source.SetMaxFramerate(quality.ProfileFor(s.Grade).Framerate)
	}
}

func (a *App) partnerLeft(member domain.MemberID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil && a.sess.Partner() == member {
		log.Info().Str("module", "client").Str("partner", string(member)).Msg("partner left, tearing session down")
		a.teardownSessionLocked()
	}
}

func (a *App) teardownSessionLocked() {
	a.stopShareLocked()
	if a.sessCtx != nil {
		a.sessCtx()
		a.sessCtx = nil
	}
	if a.sess != nil {
		a.sess.Teardown()
		a.sess = nil
	}
}

func (a *App) fail(err error) {
	if a.events.OnError != nil {
		a.events.OnError(err)
	} else {
		log.Error().Err(err).Str("module", "client").Msg("unhandled error")
	}
}

// Close leaves the room: session teardown, then the relay channel.
// Idempotent.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.teardownSessionLocked()
	offs := a.unsubs
	a.unsubs = nil
	rel := a.rel
	a.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if rel != nil {
		return rel.Close()
	}
	return nil
}

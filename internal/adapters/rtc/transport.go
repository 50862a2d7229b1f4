package rtc

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/config"
	"github.com/pairview/pairview/internal/session"
)

// handlerSet multiplexes a single pion callback slot onto any number
// of cancelable subscribers.
type handlerSet[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (h *handlerSet[T]) add(fn func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = make(map[int]func(T))
	}
	id := h.next
	h.next++
	h.fns[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.fns, id)
		h.mu.Unlock()
	}
}

func (h *handlerSet[T]) emit(v T) {
	h.mu.Lock()
	fns := make([]func(T), 0, len(h.fns))
	for _, fn := range h.fns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Transport adapts a pion PeerConnection to the session transport
// contract.
type Transport struct {
	pc *webrtc.PeerConnection

	candidates handlerSet[session.Candidate]
	tracks     handlerSet[session.RemoteTrack]
	states     handlerSet[session.ConnState]
	channels   handlerSet[session.DataChannel]
}

// NewFactory builds peer connections from a shared media engine with
// the default codecs and interceptors registered.
func NewFactory(cfg config.ClientConfig) (session.Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))

	rtcCfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: cfg.STUNServers}},
	}

	return func() (session.Transport, error) {
		pc, err := api.NewPeerConnection(rtcCfg)
		if err != nil {
			return nil, err
		}
		return wrap(pc), nil
	}, nil
}

func wrap(pc *webrtc.PeerConnection) *Transport {
	t := &Transport{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			log.Debug().Str("module", "rtc").Str("candidate", init.Candidate).Msg("skipping loopback candidate")
			return
		}
		t.candidates.emit(session.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", remote.Kind().String()).
			Str("track_id", remote.ID()).
			Msg("remote track")
		t.tracks.emit(&remoteTrack{tr: remote})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		t.states.emit(mapConnState(s))
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.channels.emit(&dataChannel{dc: dc})
	})

	return t
}

func mapConnState(s webrtc.PeerConnectionState) session.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return session.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return session.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return session.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return session.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return session.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return session.ConnClosed
	}
	return session.ConnNew
}

// isLoopback rejects candidates that would pair loopback addresses
// when both peers run on the same host.
func isLoopback(candidate string) bool {
	return strings.Contains(candidate, " 127.0.0.1 ") || strings.Contains(candidate, " ::1 ")
}

func (t *Transport) CreateOffer() (session.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return session.Description{}, err
	}
	return session.Description{Kind: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *Transport) CreateAnswer() (session.Description, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return session.Description{}, err
	}
	return session.Description{Kind: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *Transport) SetLocalDescription(d session.Description) error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Kind),
		SDP:  d.SDP,
	})
}

func (t *Transport) SetRemoteDescription(d session.Description) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Kind),
		SDP:  d.SDP,
	})
}

func (t *Transport) AddRemoteCandidate(c session.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (t *Transport) AttachTrack(track session.MediaTrack) (session.Sender, error) {
	var local webrtc.TrackLocal
	switch v := any(track).(type) {
	case interface{ Local() webrtc.TrackLocal }:
		local = v.Local()
	case webrtc.TrackLocal:
		local = v
	default:
		return nil, fmt.Errorf("track %q cannot be sent over this transport", track.ID())
	}
	rtpSender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	return &sender{pc: t.pc, rs: rtpSender}, nil
}

func (t *Transport) EnsureVideoRecv() error {
	_, err := t.pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	)
	return err
}

func (t *Transport) CreateDataChannel(label string) (session.DataChannel, error) {
	dc, err := t.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &dataChannel{dc: dc}, nil
}

func (t *Transport) OnCandidate(fn func(session.Candidate)) func() {
	return t.candidates.add(fn)
}

func (t *Transport) OnTrack(fn func(session.RemoteTrack)) func() {
	return t.tracks.add(fn)
}

func (t *Transport) OnConnState(fn func(session.ConnState)) func() {
	return t.states.add(fn)
}

func (t *Transport) OnDataChannel(fn func(session.DataChannel)) func() {
	return t.channels.add(fn)
}

// Stats aggregates the pion report into the flat shape the samplers
// consume.
func (t *Transport) Stats() (session.TransportStats, error) {
	report := t.pc.GetStats()
	out := session.TransportStats{Timestamp: time.Now()}
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			if st.Kind != "video" {
				continue
			}
			out.Outbound.PacketsSent += uint64(st.PacketsSent)
			out.Outbound.BytesSent += st.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			if st.Kind != "video" {
				continue
			}
			out.Outbound.PacketsLost += uint64(max64(int64(st.PacketsLost), 0))
			if st.RoundTripTime > 0 {
				out.RTTSeconds = st.RoundTripTime
			}
			if st.Jitter > 0 {
				out.JitterSeconds = st.Jitter
			}
		case webrtc.InboundRTPStreamStats:
			if st.Kind != "video" {
				continue
			}
			out.InboundPackets += uint64(st.PacketsReceived)
			out.InboundLost += uint64(max64(int64(st.PacketsLost), 0))
			out.InboundBytes += st.BytesReceived
			if st.Jitter > 0 {
				out.JitterSeconds = st.Jitter
			}
		case webrtc.ICECandidatePairStats:
			if st.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if st.AvailableOutgoingBitrate > 0 {
				out.AvailableOutgoingBitrate = st.AvailableOutgoingBitrate
			}
			if st.CurrentRoundTripTime > 0 {
				out.RTTSeconds = st.CurrentRoundTripTime
			}
		}
	}
	out.Outbound.Timestamp = out.Timestamp
	return out, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (t *Transport) Close() error {
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Msg("closed")
	return nil
}

// sender pairs a pion RTPSender with the encoding parameters the
// capture pipeline consults. Pion exposes no per-sender parameter
// setter, so the pipeline itself enforces bitrate and framerate.
type sender struct {
	pc     *webrtc.PeerConnection
	rs     *webrtc.RTPSender
	params atomic.Pointer[session.EncodingParams]
}

func (s *sender) ReplaceTrack(track session.MediaTrack) error {
	if lt, ok := track.(interface{ Local() webrtc.TrackLocal }); ok {
		return s.rs.ReplaceTrack(lt.Local())
	}
	local, _ := any(track).(webrtc.TrackLocal)
	return s.rs.ReplaceTrack(local)
}

func (s *sender) SetEncoding(p session.EncodingParams) error {
	s.params.Store(&p)
	return nil
}

// Encoding returns the last applied parameters, or false when none
// were ever set.
func (s *sender) Encoding() (session.EncodingParams, bool) {
	p := s.params.Load()
	if p == nil {
		return session.EncodingParams{}, false
	}
	return *p, true
}

func (s *sender) Stats() (session.SenderStats, error) {
	out := session.SenderStats{Timestamp: time.Now()}
	for _, st := range s.pc.GetStats() {
		switch v := st.(type) {
		case webrtc.OutboundRTPStreamStats:
			if v.Kind != "video" {
				continue
			}
			out.PacketsSent += uint64(v.PacketsSent)
			out.BytesSent += v.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			if v.Kind != "video" {
				continue
			}
			out.PacketsLost += uint64(max64(int64(v.PacketsLost), 0))
		}
	}
	return out, nil
}

type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string   { return r.tr.ID() }
func (r *remoteTrack) Kind() string { return r.tr.Kind().String() }

// Remote exposes the underlying pion track to media sinks.
func (r *remoteTrack) Remote() *webrtc.TrackRemote { return r.tr }

type dataChannel struct {
	dc *webrtc.DataChannel

	msgs  handlerSet[[]byte]
	opens handlerSet[struct{}]
	once  sync.Once
}

func (d *dataChannel) hook() {
	d.once.Do(func() {
		d.dc.OnMessage(func(m webrtc.DataChannelMessage) {
			d.msgs.emit(m.Data)
		})
		d.dc.OnOpen(func() {
			d.opens.emit(struct{}{})
		})
	})
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *dataChannel) OnMessage(fn func([]byte)) func() {
	d.hook()
	return d.msgs.add(fn)
}

func (d *dataChannel) OnOpen(fn func()) func() {
	d.hook()
	return d.opens.add(func(struct{}) { fn() })
}

func (d *dataChannel) Close() error {
	return d.dc.Close()
}

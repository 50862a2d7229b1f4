// Package session drives the per-peer-connection lifecycle: offer and
// answer roles, candidate accumulation, renegotiation and teardown.
// The underlying NAT traversal, encryption and media transport live
// behind the Transport interface and are consumed, never implemented,
// here.
package session

import "time"

// Description is a structured negotiation document. The wire shape
// matches RTCSessionDescriptionInit so payloads interoperate with
// browser peers.
type Description struct {
	Kind string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate is a discovery candidate in RTCIceCandidateInit shape.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ConnState is the transport-reported connection state.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// MediaTrack is an outbound media handle produced by the capture
// layer. Tracks that also implement interface{ Stop() } are stopped on
// teardown.
type MediaTrack interface {
	ID() string
	Kind() string
}

// RemoteTrack is an inbound media handle, consumed by the display
// layer.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// EncodingParams are the tunable parameters of the single outbound
// video encoding. Written only by the quality controller.
type EncodingParams struct {
	MaxBitrate            int
	MinBitrate            int
	MaxFramerate          int
	ScaleResolutionDownBy float64
}

// SenderStats is the transport-reported view of the outbound encoding.
type SenderStats struct {
	PacketsSent uint64
	PacketsLost uint64
	BytesSent   uint64
	Timestamp   time.Time
}

// TransportStats is a raw statistics snapshot. Interpretation belongs
// to the samplers, not the transport.
type TransportStats struct {
	Outbound                 SenderStats
	InboundPackets           uint64
	InboundLost              uint64
	InboundBytes             uint64
	JitterSeconds            float64
	RTTSeconds               float64
	AvailableOutgoingBitrate float64
	Timestamp                time.Time
}

// Sender is the attachment of one outbound track.
type Sender interface {
	ReplaceTrack(t MediaTrack) error
	SetEncoding(p EncodingParams) error
	Stats() (SenderStats, error)
}

// DataChannel is the auxiliary messaging channel riding the peer
// connection.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	OnMessage(fn func(data []byte)) (cancel func())
	OnOpen(fn func()) (cancel func())
	Close() error
}

// Transport is the narrow operation set of the native peer-connection
// capability. Every observer registration returns a cancel handle so
// teardown can deterministically silence stale callbacks.
type Transport interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(d Description) error
	SetRemoteDescription(d Description) error
	AddRemoteCandidate(c Candidate) error

	AttachTrack(t MediaTrack) (Sender, error)
	EnsureVideoRecv() error
	CreateDataChannel(label string) (DataChannel, error)

	OnCandidate(fn func(Candidate)) (cancel func())
	OnTrack(fn func(RemoteTrack)) (cancel func())
	OnConnState(fn func(ConnState)) (cancel func())
	OnDataChannel(fn func(DataChannel)) (cancel func())

	Stats() (TransportStats, error)
	Close() error
}

// Factory creates a fresh Transport for one session attempt.
type Factory func() (Transport, error)

// Package protocol defines the relay-channel wire format shared by the
// server and the client. Every frame is a named event plus a JSON
// payload. Signaling payloads (offer/answer/ice-candidate) are opaque
// to the server: it routes them by recipient identity and never parses
// their contents.
package protocol

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/pairview/pairview/internal/domain"
)

// Event names, client→server unless noted.
const (
	EventJoinRoom    = "join-room"
	EventChatMessage = "chat-message" // both directions
	EventOffer       = "offer"        // peer→peer via server
	EventAnswer      = "answer"       // peer→peer via server
	EventICE         = "ice-candidate"
	EventShareStart  = "screen-share-started"
	EventShareStop   = "screen-share-stopped"

	// server→client
	EventRoomJoined     = "room-joined"
	EventRoomFull       = "room-full"
	EventMemberJoined   = "member-joined"
	EventMemberLeft     = "member-left"
	EventReadyToConnect = "ready-to-connect"
	EventPeerShareStart = "peer-screen-share-started"
	EventPeerShareStop  = "peer-screen-share-stopped"
	EventError          = "error"
)

// Envelope is the frame every relay-channel message travels in.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (*Envelope, error) {
	if payload == nil {
		return &Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: data}, nil
}

var validate = validator.New()

// JoinPayload asks admission into a room.
type JoinPayload struct {
	RoomID      string `json:"roomId" validate:"required,max=64"`
	DisplayName string `json:"displayName" validate:"required,max=36"`
}

func (p *JoinPayload) Validate() error { return validate.Struct(p) }

// RoomJoinedPayload is the admission snapshot returned to the joiner.
type RoomJoinedPayload struct {
	RoomID   domain.RoomID        `json:"roomId"`
	Members  []domain.Member      `json:"members"`
	Messages []domain.ChatMessage `json:"messages"`
}

type MemberJoinedPayload struct {
	MemberID    domain.MemberID `json:"memberId"`
	DisplayName string          `json:"displayName"`
}

type MemberLeftPayload struct {
	MemberID domain.MemberID `json:"memberId"`
}

// ReadyToConnectPayload designates negotiation roles once the room is
// full. Exactly one side receives Initiator=true.
type ReadyToConnectPayload struct {
	Initiator   bool            `json:"initiator"`
	PartnerID   domain.MemberID `json:"partnerId"`
	PartnerName string          `json:"partnerName"`
}

// SignalPayload carries an opaque offer/answer/candidate body between
// peers. From is filled in by the server on relay; To by the sender.
type SignalPayload struct {
	To      domain.MemberID `json:"to,omitempty"`
	From    domain.MemberID `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ChatSendPayload is the client→server half of chat.
type ChatSendPayload struct {
	RoomID      string `json:"roomId" validate:"required,max=64"`
	Text        string `json:"text" validate:"required,max=2000"`
	DisplayName string `json:"displayName" validate:"required,max=36"`
}

func (p *ChatSendPayload) Validate() error { return validate.Struct(p) }

// ShareStatePayload announces that a member started or stopped
// sharing. Fan-out only, nothing is persisted.
type ShareStatePayload struct {
	RoomID   string          `json:"roomId,omitempty"`
	MemberID domain.MemberID `json:"memberId,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

package domain

import "errors"

var (
	ErrRoomIDEmpty    = errors.New("room id empty")
	ErrRoomIDTooLong  = errors.New("room id too long")
	ErrNameEmpty      = errors.New("display name empty")
	ErrNameTooLong    = errors.New("display name too long")
	ErrMessageEmpty   = errors.New("message empty")
	ErrMessageTooLong = errors.New("message too long")

	// ErrRoomFull rejects the third join attempt on a two-party room.
	// User-recoverable: try another room.
	ErrRoomFull = errors.New("room full")
	// ErrUnknownMember is returned when an operation references a
	// member the registry does not track. Registry operations against
	// unknown members are no-ops at the transport boundary.
	ErrUnknownMember = errors.New("unknown member")
	// ErrNoSuchRoom is returned by read-only lookups.
	ErrNoSuchRoom = errors.New("no such room")

	// ErrTransportUnavailable means the local peer-connection
	// capability could not be created. Fatal for that session attempt.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrNegotiationRejected means a session description could not be
	// committed. A fresh negotiation attempt is required, not a retry
	// of the same description.
	ErrNegotiationRejected = errors.New("negotiation rejected")
	// ErrCapturePermissionDenied means the user declined the share
	// permission prompt. Recoverable.
	ErrCapturePermissionDenied = errors.New("capture permission denied")
	// ErrChannelDisconnected means the relay transport dropped.
	ErrChannelDisconnected = errors.New("relay channel disconnected")
	// ErrSessionClosed is returned by operations on a torn-down peer
	// session.
	ErrSessionClosed = errors.New("peer session closed")
)

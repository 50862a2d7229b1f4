// Package domain contains entities without logic, just meta-data
package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxRoomIDLen = 64
	// MaxMembers is the hard cap for a mesh P2P room: exactly two peers.
	MaxMembers = 2
	// HistoryCap bounds the in-memory chat history kept per room.
	HistoryCap = 100
	// HistoryReplay is how many trailing messages a joining member receives.
	HistoryReplay = 50
)

type RoomID string

// NormalizeRoomID maps user-entered room codes to their canonical form.
// Room identifiers are case-insensitive.
func NormalizeRoomID(raw string) RoomID {
	return RoomID(strings.ToLower(strings.TrimSpace(raw)))
}

func (id RoomID) Validate() error {
	if id == "" {
		return ErrRoomIDEmpty
	}
	if utf8.RuneCountInString(string(id)) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}

// Room is the identity and birth time of a room. Membership and chat
// history live in the registry, which owns them exclusively.
type Room struct {
	ID      RoomID    `json:"roomId"`
	Created time.Time `json:"created"`
}

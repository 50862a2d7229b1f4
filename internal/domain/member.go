package domain

import (
	"time"
	"unicode/utf8"
)

const MaxDisplayNameLen = 36

// MemberID is the relay-channel identity of a participant. It is
// assigned by the server transport layer, not chosen by the user.
type MemberID string

// Member represents a participant inside a room. Owned by its room:
// removed on disconnect or explicit leave.
type Member struct {
	ID       MemberID  `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// NewMember validates the display name and stamps the join time.
func NewMember(id MemberID, name string, now time.Time) (*Member, error) {
	if name == "" {
		return nil, ErrNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return nil, ErrNameTooLong
	}
	return &Member{ID: id, Name: name, JoinedAt: now}, nil
}

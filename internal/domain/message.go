package domain

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxMessageLen = 2000

// ChatMessage is immutable once created and append-only within a
// room's history.
type ChatMessage struct {
	ID        string    `json:"id"`
	MemberID  MemberID  `json:"memberId"`
	Name      string    `json:"displayName"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func NewChatMessage(from MemberID, name, text string, now time.Time) (*ChatMessage, error) {
	if text == "" {
		return nil, ErrMessageEmpty
	}
	if utf8.RuneCountInString(text) > MaxMessageLen {
		return nil, ErrMessageTooLong
	}
	return &ChatMessage{
		ID:        uuid.NewString(),
		MemberID:  from,
		Name:      name,
		Text:      text,
		Timestamp: now,
	}, nil
}

package client

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pairview/pairview/internal/session"
)

// AuxMessage travels peer to peer over the data channel, bypassing the
// server entirely. Msgpack keeps frames compact next to the video.
type AuxMessage struct {
	Kind   string    `msgpack:"kind"`
	Name   string    `msgpack:"name"`
	Text   string    `msgpack:"text"`
	SentAt time.Time `msgpack:"sent_at"`
}

const (
	AuxKindChat    = "chat"
	AuxKindControl = "control"
)

func encodeAux(m AuxMessage) ([]byte, error) {
	return msgpack.Marshal(&m)
}

func decodeAux(data []byte) (AuxMessage, error) {
	var m AuxMessage
	err := msgpack.Unmarshal(data, &m)
	return m, err
}

// hookAuxChannel decodes inbound frames on a data channel and feeds
// them to the sink. Returns the unsubscribe handle.
func hookAuxChannel(ch session.DataChannel, sink func(AuxMessage)) func() {
	return ch.OnMessage(func(data []byte) {
		m, err := decodeAux(data)
		if err != nil {
			return
		}
		sink(m)
	})
}

package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestJoinPayloadValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload JoinPayload
		ok      bool
	}{
		{"valid", JoinPayload{RoomID: "demo", DisplayName: "alice"}, true},
		{"missing room", JoinPayload{DisplayName: "alice"}, false},
		{"missing name", JoinPayload{RoomID: "demo"}, false},
		{"room too long", JoinPayload{RoomID: strings.Repeat("x", 65), DisplayName: "alice"}, false},
		{"name too long", JoinPayload{RoomID: "demo", DisplayName: strings.Repeat("x", 37)}, false},
		{"room at limit", JoinPayload{RoomID: strings.Repeat("x", 64), DisplayName: "alice"}, true},
	}
	for _, tc := range cases {
		err := tc.payload.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: invalid payload accepted", tc.name)
		}
	}
}

func TestChatSendPayloadValidation(t *testing.T) {
	valid := ChatSendPayload{RoomID: "demo", Text: "hi", DisplayName: "alice"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	long := valid
	long.Text = strings.Repeat("x", 2001)
	if err := long.Validate(); err == nil {
		t.Error("over-length message accepted")
	}

	empty := valid
	empty.Text = ""
	if err := empty.Validate(); err == nil {
		t.Error("empty message accepted")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventJoinRoom, JoinPayload{RoomID: "demo", DisplayName: "alice"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Event != EventJoinRoom {
		t.Errorf("event = %q", back.Event)
	}
	var p JoinPayload
	if err := json.Unmarshal(back.Data, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.RoomID != "demo" || p.DisplayName != "alice" {
		t.Errorf("payload = %+v", p)
	}
}

func TestNewEnvelopeWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(EventRoomFull, nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.Data != nil {
		t.Errorf("expected empty data, got %s", env.Data)
	}
}

// Signal payloads must survive relay byte for byte.
func TestSignalPayloadIsOpaque(t *testing.T) {
	body := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n","weird":[1,null,{"x":true}]}`)
	sp := SignalPayload{To: "b", Payload: body}

	raw, err := json.Marshal(sp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back SignalPayload
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(back.Payload) != string(body) {
		t.Errorf("payload altered: %s", back.Payload)
	}
}

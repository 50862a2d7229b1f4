// Package registry holds the authoritative in-memory state of rooms,
// membership and chat history. It is purely reactive: every mutation
// happens in response to a relay-channel event, and the registry never
// inspects the signaling payloads it routes.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairview/pairview/internal/domain"
	"github.com/pairview/pairview/internal/protocol"
)

// Outbox is the send side of one member's relay channel. Owned by the
// transport adapter; the registry only writes to it, never closes it.
// TrySend must not block.
type Outbox interface {
	TrySend(env *protocol.Envelope) error
}

// Metrics receives registry lifecycle events. Implemented by the
// prometheus collector; a no-op implementation is used in tests.
type Metrics interface {
	RoomCreated()
	RoomDeleted()
	MemberJoined()
	JoinRejected()
	SignalRelayed(event string)
	ChatPosted()
}

type memberRef struct {
	member *domain.Member
	out    Outbox
}

type roomState struct {
	room    domain.Room
	members []*memberRef // ordered by join time; members[0] is the initiator candidate
	history []domain.ChatMessage
	// deleteTimer is armed when the room empties and disarmed on rejoin.
	deleteTimer *time.Timer
}

type memberEntry struct {
	room *roomState
	ref  *memberRef
}

// Registry arbitrates join admission and fans out membership, chat and
// session events. All state is guarded by one mutex; handlers must not
// call back into the registry while holding an outbox.
type Registry struct {
	mu       sync.Mutex
	rooms    map[domain.RoomID]*roomState
	byMember map[domain.MemberID]*memberEntry

	grace   time.Duration
	now     func() time.Time
	metrics Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithGrace overrides the empty-room deletion grace interval.
func WithGrace(d time.Duration) Option {
	return func(r *Registry) { r.grace = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(m Metrics, opts ...Option) *Registry {
	r := &Registry{
		rooms:    make(map[domain.RoomID]*roomState),
		byMember: make(map[domain.MemberID]*memberEntry),
		grace:    60 * time.Second,
		now:      time.Now,
		metrics:  m,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Join admits a member into a room, creating the room lazily. On the
// second admission the member that was already present is designated
// the negotiation initiator and both peers learn each other's
// identity. Returns domain.ErrRoomFull when the room already holds two
// members; existing membership is left unchanged.
func (r *Registry) Join(rawRoomID, displayName string, id domain.MemberID, out Outbox) error {
	roomID := domain.NormalizeRoomID(rawRoomID)
	if err := roomID.Validate(); err != nil {
		return err
	}
	member, err := domain.NewMember(id, displayName, r.now())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok {
		rs = &roomState{room: domain.Room{ID: roomID, Created: r.now()}}
		r.rooms[roomID] = rs
		r.metrics.RoomCreated()
		log.Info().Str("module", "registry").Str("room", string(roomID)).Msg("room created")
	}
	// A member rejoining within the grace window keeps the room alive.
	if rs.deleteTimer != nil {
		rs.deleteTimer.Stop()
		rs.deleteTimer = nil
	}

	if len(rs.members) >= domain.MaxMembers {
		r.metrics.JoinRejected()
		log.Info().Str("module", "registry").Str("room", string(roomID)).Str("sid", string(id)).Msg("join rejected, room full")
		r.send(out, &protocol.Envelope{Event: protocol.EventRoomFull})
		return domain.ErrRoomFull
	}

	// A second join over the same channel moves the member.
	if prev, ok := r.byMember[id]; ok {
		r.removeLocked(prev, id)
	}

	ref := &memberRef{member: member, out: out}
	rs.members = append(rs.members, ref)
	r.byMember[id] = &memberEntry{room: rs, ref: ref}
	r.metrics.MemberJoined()
	log.Info().Str("module", "registry").Str("room", string(roomID)).Str("sid", string(id)).Str("name", displayName).Msg("member joined")

	r.sendEvent(out, protocol.EventRoomJoined, protocol.RoomJoinedPayload{
		RoomID:   roomID,
		Members:  rs.memberSnapshot(),
		Messages: rs.trailingHistory(domain.HistoryReplay),
	})
	for _, other := range rs.members {
		if other == ref {
			continue
		}
		r.sendEvent(other.out, protocol.EventMemberJoined, protocol.MemberJoinedPayload{
			MemberID:    member.ID,
			DisplayName: member.Name,
		})
	}

	if len(rs.members) == domain.MaxMembers {
		first, second := rs.members[0], rs.members[1]
		r.sendEvent(first.out, protocol.EventReadyToConnect, protocol.ReadyToConnectPayload{
			Initiator:   true,
			PartnerID:   second.member.ID,
			PartnerName: second.member.Name,
		})
		r.sendEvent(second.out, protocol.EventReadyToConnect, protocol.ReadyToConnectPayload{
			Initiator:   false,
			PartnerID:   first.member.ID,
			PartnerName: first.member.Name,
		})
		log.Info().Str("module", "registry").Str("room", string(roomID)).Str("initiator", string(first.member.ID)).Msg("room full, peers ready to connect")
	}
	return nil
}

// Relay forwards an opaque signaling payload to another member of the
// same room. The payload is never parsed. Unknown members are no-ops.
func (r *Registry) Relay(event string, payload json.RawMessage, from, to domain.MemberID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.byMember[from]
	if !ok {
		return
	}
	dst, ok := r.byMember[to]
	if !ok || dst.room != src.room {
		return
	}
	r.metrics.SignalRelayed(event)
	r.sendEvent(dst.ref.out, event, protocol.SignalPayload{
		From:    from,
		Payload: payload,
	})
}

// PostMessage appends a chat message to the room history, evicting the
// oldest entry over capacity, and broadcasts it to every member of the
// room including the sender.
func (r *Registry) PostMessage(rawRoomID string, from domain.MemberID, displayName, text string) (*domain.ChatMessage, error) {
	roomID := domain.NormalizeRoomID(rawRoomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrNoSuchRoom
	}
	if e, ok := r.byMember[from]; !ok || e.room != rs {
		return nil, domain.ErrUnknownMember
	}

	msg, err := domain.NewChatMessage(from, displayName, text, r.now())
	if err != nil {
		return nil, err
	}
	rs.history = append(rs.history, *msg)
	if len(rs.history) > domain.HistoryCap {
		rs.history = rs.history[1:]
	}
	r.metrics.ChatPosted()

	for _, ref := range rs.members {
		r.sendEvent(ref.out, protocol.EventChatMessage, msg)
	}
	return msg, nil
}

// NotifyShareState tells the other member that a share started or
// stopped. Fan-out only; no state is kept.
func (r *Registry) NotifyShareState(rawRoomID string, from domain.MemberID, started bool) {
	roomID := domain.NormalizeRoomID(rawRoomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok {
		return
	}
	event := protocol.EventPeerShareStop
	if started {
		event = protocol.EventPeerShareStart
	}
	for _, ref := range rs.members {
		if ref.member.ID == from {
			continue
		}
		r.sendEvent(ref.out, event, protocol.ShareStatePayload{MemberID: from})
	}
}

// Leave removes the member from whatever room it occupied. The
// remaining member is notified; an emptied room is scheduled for
// deletion after the grace interval, surviving brief reconnects.
func (r *Registry) Leave(id domain.MemberID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byMember[id]
	if !ok {
		return
	}
	r.removeLocked(entry, id)
}

func (r *Registry) removeLocked(entry *memberEntry, id domain.MemberID) {
	rs := entry.room
	for i, ref := range rs.members {
		if ref == entry.ref {
			rs.members = append(rs.members[:i], rs.members[i+1:]...)
			break
		}
	}
	delete(r.byMember, id)
	log.Info().Str("module", "registry").Str("room", string(rs.room.ID)).Str("sid", string(id)).Msg("member left")

	for _, ref := range rs.members {
		r.sendEvent(ref.out, protocol.EventMemberLeft, protocol.MemberLeftPayload{MemberID: id})
	}

	if len(rs.members) == 0 && rs.deleteTimer == nil {
		roomID := rs.room.ID
		rs.deleteTimer = time.AfterFunc(r.grace, func() {
			r.reapRoom(roomID)
		})
	}
}

// reapRoom deletes the room if it is still empty once the grace
// interval has elapsed.
func (r *Registry) reapRoom(roomID domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok || len(rs.members) != 0 {
		return
	}
	delete(r.rooms, roomID)
	r.metrics.RoomDeleted()
	log.Info().Str("module", "registry").Str("room", string(roomID)).Msg("room deleted after grace period")
}

// RoomCount reports how many rooms are live, for the health endpoint.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// RoomSnapshot is the read-only view served over HTTP.
type RoomSnapshot struct {
	RoomID  domain.RoomID `json:"roomId"`
	Members int           `json:"members"`
	Created time.Time     `json:"created"`
}

// Snapshot returns room metadata or domain.ErrNoSuchRoom.
func (r *Registry) Snapshot(rawRoomID string) (RoomSnapshot, error) {
	roomID := domain.NormalizeRoomID(rawRoomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok {
		return RoomSnapshot{}, domain.ErrNoSuchRoom
	}
	return RoomSnapshot{
		RoomID:  rs.room.ID,
		Members: len(rs.members),
		Created: rs.room.Created,
	}, nil
}

func (rs *roomState) memberSnapshot() []domain.Member {
	out := make([]domain.Member, 0, len(rs.members))
	for _, ref := range rs.members {
		out = append(out, *ref.member)
	}
	return out
}

func (rs *roomState) trailingHistory(n int) []domain.ChatMessage {
	if len(rs.history) <= n {
		return append([]domain.ChatMessage(nil), rs.history...)
	}
	return append([]domain.ChatMessage(nil), rs.history[len(rs.history)-n:]...)
}

func (r *Registry) sendEvent(out Outbox, event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "registry").Str("event", event).Msg("encode event")
		return
	}
	r.send(out, env)
}

func (r *Registry) send(out Outbox, env *protocol.Envelope) {
	if err := out.TrySend(env); err != nil {
		log.Warn().Err(err).Str("module", "registry").Str("event", env.Event).Msg("dropped frame for slow member")
	}
}

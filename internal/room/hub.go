// Package room implements the RoomHub and RoomRegistry: the in-memory,
// per-room actors that track a room's locally attached connections within one
// process and fan events out to them.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/bus"
	"github.com/planningpoker/core/internal/domain"
	"github.com/planningpoker/core/internal/logging"
	"github.com/planningpoker/core/internal/metrics"
	"github.com/planningpoker/core/internal/voting"
)

// Event is an outbound frame a Hub delivers to every attached connection
// whose role permits it — the local-fan-out half of a published EventBus
// message, or the hub's own heartbeat.ping.
type Event struct {
	Type    string
	Payload any
}

// Connection is the Hub's view of one attached gateway connection: just
// enough to route and gate, never the transport itself.
type Connection interface {
	ParticipantID() domain.ParticipantId
	Role() domain.ParticipantRole
	// Deliver enqueues ev for the connection's outbound pump. It must never
	// block; a full queue is a slow consumer and the hub detaches it.
	Deliver(ev Event) bool
	Close(reason string)
}

// Store is the subset of the AuthorityStore a Hub consults directly (outside
// of VotingCore) to validate joins and resolve participant identity.
type Store interface {
	GetRoom(ctx context.Context, id domain.RoomId) (domain.Room, error)
	UpsertParticipant(ctx context.Context, roomID domain.RoomId, userID, anonymousID *string, displayName string, role domain.ParticipantRole) (domain.Participant, error)
	MarkDisconnected(ctx context.Context, id domain.ParticipantId) error
	GetActiveRound(ctx context.Context, roomID domain.RoomId) (domain.Round, error)
}

// RoomBus is the subset of bus.RoomBus a Hub needs.
type RoomBus interface {
	Publish(ctx context.Context, roomID, eventType string, payload any, senderID string) error
	Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.RoomEvent))
}

// Hub is an in-memory actor for one RoomId (§4.3). It checks the caller's
// role and forwards round operations to VotingCore; it does not serialize
// them, so concurrent operations on the same room reach VotingCore
// concurrently and are ordered only by AuthorityStore's conditional updates
// and unique constraints. mu guards the connection set only.
type Hub struct {
	id     domain.RoomId
	store  Store
	bus    RoomBus
	voting *voting.Service

	mu          sync.Mutex
	connections map[domain.ParticipantId]Connection

	cancelSub context.CancelFunc

	log *zap.Logger
}

func newHub(id domain.RoomId, store Store, roomBus RoomBus, votingSvc *voting.Service) *Hub {
	return &Hub{
		id:          id,
		store:       store,
		bus:         roomBus,
		voting:      votingSvc,
		connections: make(map[domain.ParticipantId]Connection),
		log:         logging.GetLogger().With(zap.String("room_id", string(id))),
	}
}

// Attach registers a connection as joined to the room and, if this is the
// first connection, starts the EventBus subscription that forwards remote
// events to every locally attached connection (§4.3 responsibility 4).
func (h *Hub) Attach(ctx context.Context, conn Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	first := len(h.connections) == 0
	h.connections[conn.ParticipantID()] = conn
	metrics.RoomParticipants.WithLabelValues(string(h.id)).Set(float64(len(h.connections)))

	if first {
		subCtx, cancel := context.WithCancel(context.Background())
		h.cancelSub = cancel
		h.bus.Subscribe(subCtx, string(h.id), nil, h.onRemoteEvent)
	}
}

// Detach removes a connection from the room. It does not itself decide
// whether to release the Hub — that is RoomRegistry's grace-period job,
// driven by IsEmpty.
func (h *Hub) Detach(participantID domain.ParticipantId) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[participantID]; !ok {
		return
	}
	delete(h.connections, participantID)
	metrics.RoomParticipants.WithLabelValues(string(h.id)).Set(float64(len(h.connections)))

	if len(h.connections) == 0 && h.cancelSub != nil {
		h.cancelSub()
		h.cancelSub = nil
	}
}

// IsEmpty reports whether the Hub has no locally attached connections.
func (h *Hub) IsEmpty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections) == 0
}

// onRemoteEvent forwards an EventBus message received for this room to every
// locally attached connection. Runs on the Subscribe goroutine, so it takes
// the same lock as Attach, Detach and broadcastLocal to see a stable
// connection set.
func (h *Hub) onRemoteEvent(re bus.RoomEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{Type: re.Type, Payload: re.Payload}
	for _, conn := range h.connections {
		if !conn.Deliver(ev) {
			metrics.WebsocketEvents.WithLabelValues(re.Type, "slow_consumer").Inc()
			conn.Close("SLOW_CONSUMER")
		}
	}
}

// broadcastLocal delivers ev to every locally attached connection without
// going through the EventBus — used when the caller (VotingCore) already
// published remotely and the local fan-out is this process's own copy.
func (h *Hub) broadcastLocal(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.connections {
		if !conn.Deliver(ev) {
			conn.Close("SLOW_CONSUMER")
		}
	}
}

// permitsJoin is the Permissions resolver collaborator (§6.3): given the
// room's privacy mode and the joining identity, decides whether the join may
// proceed. Public rooms admit anyone; invite-only rooms require an
// identified (non-anonymous) caller, since membership is conferred by
// sharing the room's link rather than a modeled invite list; org-restricted
// rooms require the caller's org to match the room's.
func permitsJoin(r domain.Room, userID *string, orgID string) error {
	switch r.Privacy {
	case domain.PrivacyInviteOnly:
		if userID == nil {
			return domain.NewAuthError(true, "this room requires an invited account", nil)
		}
	case domain.PrivacyOrgRestricted:
		if userID == nil || r.OrgID == nil || orgID == "" || orgID != *r.OrgID {
			return domain.NewAuthError(true, "this room is restricted to members of its organization", nil)
		}
	}
	return nil
}

// HandleJoin validates and records a participant's join, then attaches their
// connection (§4.5 step 3: gateway join handling lives one layer up; this is
// the room-local half). The effective role is resolved here, not trusted
// from the caller: a joiner to a room with no currently attached connections
// becomes host; when a host leaves, no other participant is promoted.
// wantsObserver otherwise selects observer (if the room allows observers)
// vs. voter.
func (h *Hub) HandleJoin(ctx context.Context, conn Connection, userID, anonymousID *string, orgID, displayName string, wantsObserver bool) (domain.Participant, error) {
	r, err := h.store.GetRoom(ctx, h.id)
	if err != nil {
		return domain.Participant{}, domain.NewNotFoundError("room not found", err)
	}
	if r.SoftDeletedAt != nil {
		return domain.Participant{}, domain.NewNotFoundError("room has been deleted", nil)
	}
	if err := permitsJoin(r, userID, orgID); err != nil {
		return domain.Participant{}, err
	}

	role := domain.RoleVoter
	switch {
	case h.IsEmpty():
		role = domain.RoleHost
	case wantsObserver && r.Config.AllowObservers:
		role = domain.RoleObserver
	}

	participant, err := h.store.UpsertParticipant(ctx, h.id, userID, anonymousID, displayName, role)
	if err != nil {
		return domain.Participant{}, domain.NewTransientError("upsert participant", err)
	}

	h.Attach(ctx, conn)
	_ = h.bus.Publish(ctx, string(h.id), "room.participant_joined.v1", participant, string(participant.ID))
	h.broadcastLocal(Event{Type: "room.participant_joined.v1", Payload: participant})
	return participant, nil
}

// HandleLeave detaches a connection, records the disconnect, and publishes
// room.participant_left.v1 (§4.5 step 5).
func (h *Hub) HandleLeave(ctx context.Context, participantID domain.ParticipantId) {
	h.Detach(participantID)
	if err := h.store.MarkDisconnected(ctx, participantID); err != nil {
		h.log.Warn("mark participant disconnected failed", zap.Error(err))
	}
	_ = h.bus.Publish(ctx, string(h.id), "room.participant_left.v1",
		struct {
			ParticipantID domain.ParticipantId `json:"participantId"`
		}{participantID}, string(participantID))
}

// ActiveRoundID resolves the room's currently active round, used by the
// gateway to fill in the roundId that vote.cast.v1/round.reveal.v1/
// round.reset.v1 frames omit (§6.1 payload contracts carry no roundId; a
// room has at most one active round at a time, §3 invariant).
func (h *Hub) ActiveRoundID(ctx context.Context) (domain.RoundId, error) {
	round, err := h.store.GetActiveRound(ctx, h.id)
	if err != nil {
		return "", domain.NewNotFoundError("no active round in this room", err)
	}
	return round.ID, nil
}

// requireHost returns a FORBIDDEN WireError unless role is host (§4.3
// host-only operations).
func requireHost(role domain.ParticipantRole) error {
	if role != domain.RoleHost {
		return domain.NewAuthError(true, "operation requires host role", nil)
	}
	return nil
}

// StartRound is the host-only entry point for round.start.v1.
func (h *Hub) StartRound(ctx context.Context, actorRole domain.ParticipantRole, storyTitle, actorID string) (domain.Round, error) {
	if err := requireHost(actorRole); err != nil {
		return domain.Round{}, err
	}
	return h.voting.StartRound(ctx, h.id, storyTitle, actorID)
}

// CastVote is the voter/host entry point for vote.cast.v1.
func (h *Hub) CastVote(ctx context.Context, actorRole domain.ParticipantRole, roundID domain.RoundId, participantID domain.ParticipantId, cardValue, actorID string) (domain.Vote, error) {
	if actorRole != domain.RoleVoter && actorRole != domain.RoleHost {
		return domain.Vote{}, domain.NewAuthError(true, "observers may not vote", nil)
	}
	return h.voting.CastVote(ctx, roundID, participantID, cardValue, actorID)
}

// RevealRound is the host-only entry point for round.reveal.v1.
func (h *Hub) RevealRound(ctx context.Context, actorRole domain.ParticipantRole, roundID domain.RoundId, actorID string) (domain.Round, []domain.Vote, error) {
	if err := requireHost(actorRole); err != nil {
		return domain.Round{}, nil, err
	}
	return h.voting.RevealRound(ctx, roundID, actorID)
}

// ResetRound is the host-only entry point for round.reset.v1.
func (h *Hub) ResetRound(ctx context.Context, actorRole domain.ParticipantRole, roundID domain.RoundId, actorID string) (domain.Round, error) {
	if err := requireHost(actorRole); err != nil {
		return domain.Round{}, err
	}
	return h.voting.ResetRound(ctx, roundID, actorID)
}

// heartbeatInterval and heartbeatTimeout implement §4.3's heartbeat
// algorithm: the gateway arms these per-connection, the Hub itself holds no
// heartbeat state since liveness is a transport, not a room, concern.
const (
	HeartbeatInterval = 20 * time.Second
	HeartbeatTimeout  = 60 * time.Second
	JoinTimeout       = 10 * time.Second
)

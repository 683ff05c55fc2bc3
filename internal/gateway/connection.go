package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/auth"
	"github.com/planningpoker/core/internal/domain"
	"github.com/planningpoker/core/internal/logging"
	"github.com/planningpoker/core/internal/metrics"
	"github.com/planningpoker/core/internal/room"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 32 * 1024
	sendBufferSize = 256
)

// wsConn is the subset of *websocket.Conn a Connection needs, narrowed so
// tests can substitute a fake transport.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Connection is the ConnectionGateway's per-socket actor: it owns the
// read/write pump pair (grounded on the teacher's client.go readPump/
// writePump split, rewritten for JSON frames instead of protobuf), the join
// timeout, and the heartbeat tracker (§4.3, §4.5).
type Connection struct {
	conn        wsConn
	identity    auth.Identity
	anonymousID string
	roomID      domain.RoomId
	hub         *room.Hub
	registry    *room.Registry

	send chan []byte

	mu            sync.RWMutex
	participantID domain.ParticipantId
	role          domain.ParticipantRole
	joined        bool

	joinTimer *time.Timer
	lastPong  atomic.Int64 // unix nanos

	log *zap.Logger
}

// NewConnection wraps conn, ready to run its pumps once Run is called.
func NewConnection(conn wsConn, identity auth.Identity, roomID domain.RoomId, hub *room.Hub, registry *room.Registry) *Connection {
	c := &Connection{
		conn:     conn,
		identity: identity,
		roomID:   roomID,
		hub:      hub,
		registry: registry,
		send:     make(chan []byte, sendBufferSize),
		log:      logging.GetLogger().With(zap.String("room_id", string(roomID)), zap.String("user_id", identity.UserID)),
	}
	if identity.UserID == "" {
		c.anonymousID = uuid.NewString()
	}
	return c
}

func (c *Connection) ParticipantID() domain.ParticipantId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

func (c *Connection) Role() domain.ParticipantRole {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// Deliver enqueues an outbound event frame, non-blocking (§4.3 ordering: a
// full queue marks the connection a slow consumer rather than stalling the
// Hub's single-writer loop).
func (c *Connection) Deliver(ev room.Event) bool {
	data, err := json.Marshal(OutboundFrame{Type: ev.Type, Payload: ev.Payload})
	if err != nil {
		c.log.Error("marshal outbound event", zap.Error(err))
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close terminates the connection's send loop; writePump closes the socket.
func (c *Connection) Close(reason string) {
	c.log.Info("closing connection", zap.String("reason", reason))
	select {
	case c.send <- nil:
	default:
	}
}

// Run drives the connection for its lifetime: arms the join timer, starts
// the heartbeat ticker, and pumps reads/writes until the socket closes.
func (c *Connection) Run(ctx context.Context) {
	defer metrics.DecConnection()
	metrics.IncConnection()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	c.lastPong.Store(time.Now().UnixNano())

	c.joinTimer = time.AfterFunc(room.JoinTimeout, func() {
		if !c.hasJoined() {
			c.log.Warn("join timeout elapsed without room.join.v1")
			c.Close("JOIN_TIMEOUT")
		}
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.readPump(ctx) }()
	wg.Wait()

	if c.hasJoined() {
		c.hub.HandleLeave(context.Background(), c.ParticipantID())
		c.registry.Release(c.roomID)
	}
}

func (c *Connection) hasJoined() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joined
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.conn.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(errorFrame("", domain.NewProtocolError("malformed frame", err)))
			return
		}

		if err := c.dispatch(ctx, frame); err != nil {
			c.reply(errorFrame(frame.RequestID, err))
			if closesConnection(domain.AsWireError(err)) {
				return
			}
		}
	}
}

// closesConnection reports whether a WireError returned to the client on
// error.v1 must also close the socket: ProtocolError (malformed frame,
// unknown type, missing field) and Unauthenticated both do (§7); Forbidden
// and the rest leave the connection open.
func closesConnection(we domain.WireError) bool {
	switch we.Code() {
	case domain.CodeBadRequest, domain.CodeUnauthenticated:
		return true
	default:
		return false
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(room.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		if c.joinTimer != nil {
			c.joinTimer.Stop()
		}
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok || msg == nil {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > room.HeartbeatTimeout {
				c.log.Warn("heartbeat timeout")
				return
			}
			c.reply(OutboundFrame{Type: heartbeatPingV1})
		}
	}
}

func (c *Connection) reply(frame OutboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("outbound queue full, dropping frame", zap.String("type", frame.Type))
	}
}

func (c *Connection) dispatch(ctx context.Context, frame InboundFrame) error {
	switch frame.Type {
	case roomJoinV1:
		return c.handleJoin(ctx, frame)
	case heartbeatPongV1:
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	}

	if !c.hasJoined() {
		return domain.NewProtocolError("message sent before room.join.v1", nil)
	}

	switch frame.Type {
	case roundStartV1:
		return c.handleRoundStart(ctx, frame)
	case voteCastV1:
		return c.handleVoteCast(ctx, frame)
	case roundRevealV1:
		return c.handleRoundReveal(ctx, frame)
	case roundResetV1:
		return c.handleRoundReset(ctx, frame)
	default:
		return domain.NewProtocolError(fmt.Sprintf("unknown frame type %q", frame.Type), nil)
	}
}

func (c *Connection) handleJoin(ctx context.Context, frame InboundFrame) error {
	if c.hasJoined() {
		return domain.NewProtocolError("already joined", nil)
	}

	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return domain.NewProtocolError("malformed room.join.v1 payload", err)
	}
	if len(payload.DisplayName) == 0 || len(payload.DisplayName) > 100 {
		return domain.NewProtocolError("displayName must be 1-100 characters", nil)
	}

	var userID, anonymousID *string
	if c.identity.UserID != "" {
		userID = &c.identity.UserID
	} else {
		anonymousID = &c.anonymousID
	}

	participant, err := c.hub.HandleJoin(ctx, c, userID, anonymousID, c.identity.OrgID, payload.DisplayName, false)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.participantID = participant.ID
	c.role = participant.Role
	c.joined = true
	c.mu.Unlock()

	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}

	c.reply(OutboundFrame{Type: roomParticipantJoinedV1, RequestID: frame.RequestID, Payload: participant})
	return nil
}

func (c *Connection) handleRoundStart(ctx context.Context, frame InboundFrame) error {
	var payload roundStartPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return domain.NewProtocolError("malformed round.start.v1 payload", err)
	}
	title := ""
	if payload.StoryTitle != nil {
		if len(*payload.StoryTitle) > 500 {
			return domain.NewProtocolError("storyTitle must be at most 500 characters", nil)
		}
		title = *payload.StoryTitle
	}

	round, err := c.hub.StartRound(ctx, c.Role(), title, string(c.ParticipantID()))
	if err != nil {
		return err
	}
	c.reply(OutboundFrame{Type: roundStartedV1, RequestID: frame.RequestID, Payload: round})
	return nil
}

func (c *Connection) handleVoteCast(ctx context.Context, frame InboundFrame) error {
	var payload voteCastPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return domain.NewProtocolError("malformed vote.cast.v1 payload", err)
	}
	if len(payload.CardValue) == 0 || len(payload.CardValue) > 10 {
		return domain.NewProtocolError("cardValue must be 1-10 characters", nil)
	}

	// vote.cast.v1 carries no roundId; the gateway looks up the room's single
	// active round and passes its id to Hub.CastVote.
	round, err := c.hub.ActiveRoundID(ctx)
	if err != nil {
		return err
	}

	vote, err := c.hub.CastVote(ctx, c.Role(), round, c.ParticipantID(), payload.CardValue, string(c.ParticipantID()))
	if err != nil {
		return err
	}
	c.reply(OutboundFrame{Type: voteRecordedV1, RequestID: frame.RequestID, Payload: vote})
	return nil
}

func (c *Connection) handleRoundReveal(ctx context.Context, frame InboundFrame) error {
	roundID, err := c.hub.ActiveRoundID(ctx)
	if err != nil {
		return err
	}
	round, votes, err := c.hub.RevealRound(ctx, c.Role(), roundID, string(c.ParticipantID()))
	if err != nil {
		return err
	}

	resp := roundRevealedResponse{Stats: revealedStats{Avg: round.Average, Median: round.Median}}
	if round.ConsensusReached != nil {
		resp.Stats.Consensus = *round.ConsensusReached
	}
	if round.RevealedAt != nil {
		resp.RevealedAt = round.RevealedAt.Format(time.RFC3339)
	}
	for _, v := range votes {
		resp.Votes = append(resp.Votes, revealedVote{ParticipantID: v.ParticipantID, CardValue: v.CardValue})
	}

	c.reply(OutboundFrame{Type: roundRevealedV1, RequestID: frame.RequestID, Payload: resp})
	return nil
}

func (c *Connection) handleRoundReset(ctx context.Context, frame InboundFrame) error {
	roundID, err := c.hub.ActiveRoundID(ctx)
	if err != nil {
		return err
	}
	round, err := c.hub.ResetRound(ctx, c.Role(), roundID, string(c.ParticipantID()))
	if err != nil {
		return err
	}
	c.reply(OutboundFrame{Type: roundResetEventV1, RequestID: frame.RequestID, Payload: round})
	return nil
}

// Package gateway implements the ConnectionGateway: WebSocket upgrade,
// authentication, join handshake, and the REST surface for exports and job
// lookups (§4.5, §6).
package gateway

import (
	"encoding/json"

	"github.com/planningpoker/core/internal/domain"
)

// InboundFrame is a client → server wire frame (§6.1).
type InboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

// OutboundFrame is a server → client wire frame. Payload is marshaled as-is;
// callers pass already-JSON-shaped values.
type OutboundFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// ErrorPayload is the body of an error.v1 frame (§6.1, §7).
type ErrorPayload struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// errorFrame translates any error into the one error.v1 shape the protocol
// ever sends, correlating requestID. This is the single gateway-boundary
// translation layer §7 calls for.
func errorFrame(requestID string, err error) OutboundFrame {
	we := domain.AsWireError(err)
	return OutboundFrame{
		Type:      "error.v1",
		RequestID: requestID,
		Payload: ErrorPayload{
			Code:    int(we.Code()),
			Error:   we.Symbol(),
			Message: we.Error(),
		},
	}
}

const (
	roomJoinV1      = "room.join.v1"
	roundStartV1    = "round.start.v1"
	voteCastV1      = "vote.cast.v1"
	roundRevealV1   = "round.reveal.v1"
	roundResetV1    = "round.reset.v1"
	heartbeatPongV1 = "heartbeat.pong.v1"

	roomParticipantJoinedV1 = "room.participant_joined.v1"
	roomParticipantLeftV1   = "room.participant_left.v1"
	roundStartedV1          = "round.started.v1"
	voteRecordedV1          = "vote.recorded.v1"
	roundRevealedV1         = "round.revealed.v1"
	roundResetEventV1       = "round.reset.v1"
	heartbeatPingV1         = "heartbeat.ping.v1"
	errorV1                 = "error.v1"
)

type joinPayload struct {
	DisplayName string  `json:"displayName"`
	UserID      *string `json:"userId,omitempty"`
	AnonymousID *string `json:"anonymousId,omitempty"`
}

type roundStartPayload struct {
	StoryTitle *string `json:"storyTitle"`
}

type voteCastPayload struct {
	CardValue string `json:"cardValue"`
}

type revealedVote struct {
	ParticipantID domain.ParticipantId `json:"participantId"`
	CardValue     string               `json:"cardValue"`
}

type revealedStats struct {
	Avg       *float64 `json:"avg"`
	Median    *string  `json:"median"`
	Consensus bool     `json:"consensus"`
}

type roundRevealedResponse struct {
	Votes      []revealedVote `json:"votes"`
	Stats      revealedStats  `json:"stats"`
	RevealedAt string         `json:"revealedAt"`
}

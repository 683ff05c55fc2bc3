package voting

import (
	"context"
	"fmt"
	"time"

	"github.com/planningpoker/core/internal/domain"
	"github.com/planningpoker/core/internal/store"
)

// Store is the subset of the AuthorityStore VotingCore needs. Narrowed to an
// interface so the service can be tested against a hand-written fake without
// standing up pgxmock expectations for unrelated repository calls.
type Store interface {
	GetRoom(ctx context.Context, id domain.RoomId) (domain.Room, error)
	GetActiveRound(ctx context.Context, roomID domain.RoomId) (domain.Round, error)
	GetRound(ctx context.Context, id domain.RoundId) (domain.Round, error)
	AllocateNextRound(ctx context.Context, roomID domain.RoomId, storyTitle string) (domain.Round, error)
	RevealRound(ctx context.Context, id domain.RoundId, stats domain.Stats, revealedAt time.Time) (domain.Round, error)
	ResetRound(ctx context.Context, id domain.RoundId) (domain.Round, error)
	ListVotesForRound(ctx context.Context, roundID domain.RoundId) ([]domain.Vote, error)
	ListRevealedRounds(ctx context.Context, roomID domain.RoomId) ([]domain.Round, error)
	CastOrUpdateVote(ctx context.Context, roundID domain.RoundId, participantID domain.ParticipantId, cardValue string) (domain.Vote, error)
	CountVotesByParticipant(ctx context.Context, roomID domain.RoomId) ([]domain.ParticipantSummary, error)
	GetSessionHistory(ctx context.Context, roomID domain.RoomId) (domain.SessionHistory, error)
	UpsertSessionHistory(ctx context.Context, hist domain.SessionHistory) (domain.SessionHistory, error)
}

// Publisher is the subset of RoomBus the service needs, narrowed so tests can
// supply a recording fake instead of a live Redis connection.
type Publisher interface {
	Publish(ctx context.Context, roomID, eventType string, payload any, senderID string) error
}

// Service is VotingCore: stateless business logic over the AuthorityStore and
// EventBus, holding no state of its own between calls (§4.4).
type Service struct {
	store Store
	bus   Publisher
	now   func() time.Time
}

// New constructs a Service. now defaults to time.Now; overridden in tests for
// deterministic session-history timestamps.
func New(st Store, b Publisher) *Service {
	return &Service{store: st, bus: b, now: func() time.Time { return time.Now().UTC() }}
}

// VoteRecordedPayload is published on vote.recorded.v1 with the card value
// omitted to prevent pre-reveal leakage (§4.4 step 3).
type VoteRecordedPayload struct {
	ParticipantID domain.ParticipantId `json:"participantId"`
	VotedAt       time.Time            `json:"votedAt"`
}

// RoundStartedPayload is published on round.started.v1.
type RoundStartedPayload struct {
	Round domain.Round `json:"round"`
}

// RoundRevealedPayload is published on round.revealed.v1 with the full vote
// list and computed statistics.
type RoundRevealedPayload struct {
	Round domain.Round  `json:"round"`
	Votes []domain.Vote `json:"votes"`
}

// RoundResetPayload is published on round.reset.v1.
type RoundResetPayload struct {
	Round domain.Round `json:"round"`
}

// StartRound allocates the room's next round and publishes round.started.v1.
// Callers must have already verified the invoking participant holds the host
// role (§4.5 permission table) — that check is the gateway's responsibility.
func (s *Service) StartRound(ctx context.Context, roomID domain.RoomId, storyTitle, actorID string) (domain.Round, error) {
	if _, err := s.store.GetActiveRound(ctx, roomID); err == nil {
		return domain.Round{}, domain.NewConflictError("a round is already active in this room", nil)
	}

	round, err := s.store.AllocateNextRound(ctx, roomID, storyTitle)
	if err != nil {
		return domain.Round{}, domain.NewTransientError("allocate round", err)
	}

	_ = s.bus.Publish(ctx, string(roomID), "round.started.v1", RoundStartedPayload{Round: round}, actorID)
	return round, nil
}

// CastVote validates cardValue against the round's room deck, upserts the
// vote, and publishes vote.recorded.v1 with the card value omitted (§4.4).
func (s *Service) CastVote(ctx context.Context, roundID domain.RoundId, participantID domain.ParticipantId, cardValue, actorID string) (domain.Vote, error) {
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return domain.Vote{}, domain.NewNotFoundError("round not found", err)
	}
	if !round.Active() {
		return domain.Vote{}, domain.NewConflictError("round already revealed", nil)
	}

	room, err := s.store.GetRoom(ctx, round.RoomID)
	if err != nil {
		return domain.Vote{}, domain.NewNotFoundError("room not found", err)
	}
	if !room.Config.Allows(cardValue) {
		return domain.Vote{}, domain.NewConflictError(fmt.Sprintf("card value %q not in room deck", cardValue), nil)
	}

	vote, err := s.store.CastOrUpdateVote(ctx, roundID, participantID, cardValue)
	if err != nil {
		return domain.Vote{}, domain.NewTransientError("cast vote", err)
	}

	_ = s.bus.Publish(ctx, string(round.RoomID), "vote.recorded.v1",
		VoteRecordedPayload{ParticipantID: participantID, VotedAt: vote.VotedAt}, actorID)
	return vote, nil
}

// RevealRound computes statistics over every cast vote, conditionally
// transitions the round to revealed, updates session history, and publishes
// round.revealed.v1 with the full vote list (§4.4).
func (s *Service) RevealRound(ctx context.Context, roundID domain.RoundId, actorID string) (domain.Round, []domain.Vote, error) {
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return domain.Round{}, nil, domain.NewNotFoundError("round not found", err)
	}
	if !round.Active() {
		return domain.Round{}, nil, domain.NewConflictError("round already revealed", nil)
	}

	votes, err := s.store.ListVotesForRound(ctx, roundID)
	if err != nil {
		return domain.Round{}, nil, domain.NewTransientError("list votes", err)
	}

	values := make([]string, len(votes))
	for i, v := range votes {
		values[i] = v.CardValue
	}
	stats := ComputeStats(values)

	revealedAt := s.now()
	revealed, err := s.store.RevealRound(ctx, roundID, stats, revealedAt)
	if err != nil {
		if err == store.ErrAlreadyRevealed {
			return domain.Round{}, nil, domain.NewConflictError("round already revealed", err)
		}
		return domain.Round{}, nil, domain.NewTransientError("reveal round", err)
	}

	if err := s.updateSessionHistory(ctx, revealed.RoomID, revealed, revealedAt); err != nil {
		return domain.Round{}, nil, domain.NewTransientError("update session history", err)
	}

	_ = s.bus.Publish(ctx, string(revealed.RoomID), "round.revealed.v1",
		RoundRevealedPayload{Round: revealed, Votes: votes}, actorID)
	return revealed, votes, nil
}

// ResetRound clears votes and reveal fields, returning the round to active,
// and publishes round.reset.v1 (§4.4).
func (s *Service) ResetRound(ctx context.Context, roundID domain.RoundId, actorID string) (domain.Round, error) {
	round, err := s.store.ResetRound(ctx, roundID)
	if err != nil {
		return domain.Round{}, domain.NewTransientError("reset round", err)
	}

	_ = s.bus.Publish(ctx, string(round.RoomID), "round.reset.v1", RoundResetPayload{Round: round}, actorID)
	return round, nil
}

// updateSessionHistory recomputes the running session aggregate for roomID
// after a reveal (§4.4 session history update).
func (s *Service) updateSessionHistory(ctx context.Context, roomID domain.RoomId, justRevealed domain.Round, revealedAt time.Time) error {
	revealedRounds, err := s.store.ListRevealedRounds(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list revealed rounds: %w", err)
	}

	summaries, err := s.store.CountVotesByParticipant(ctx, roomID)
	if err != nil {
		return fmt.Errorf("count votes by participant: %w", err)
	}

	existing, err := s.store.GetSessionHistory(ctx, roomID)
	startedAt := revealedAt
	if err == nil {
		startedAt = existing.StartedAt
	} else if err != store.ErrSessionNotFound {
		return fmt.Errorf("load session history: %w", err)
	}
	if len(revealedRounds) > 0 {
		startedAt = revealedRounds[0].StartedAt
	}

	var totalVotes, consensusRounds int
	var estimateSeconds float64
	for _, r := range revealedRounds {
		if r.ConsensusReached != nil && *r.ConsensusReached {
			consensusRounds++
		}
		if r.RevealedAt != nil {
			estimateSeconds += r.RevealedAt.Sub(r.StartedAt).Seconds()
		}
	}
	for _, summary := range summaries {
		totalVotes += summary.VoteCount
	}

	stats := domain.SessionSummaryStats{TotalVotes: totalVotes}
	if len(revealedRounds) > 0 {
		stats.ConsensusRate = float64(consensusRounds) / float64(len(revealedRounds))
		stats.AverageEstimateTime = estimateSeconds / float64(len(revealedRounds))
		stats.ConsensusRounds = consensusRounds
	}

	hist := domain.SessionHistory{
		RoomID:       roomID,
		StartedAt:    startedAt,
		TotalRounds:  len(revealedRounds),
		TotalStories: len(revealedRounds),
		Participants: summaries,
		SummaryStats: stats,
	}
	if err == nil {
		hist.SessionID = existing.SessionID
	}

	_, err = s.store.UpsertSessionHistory(ctx, hist)
	return err
}

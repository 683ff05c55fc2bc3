package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/planningpoker/core/internal/domain"
)

// CastOrUpdateVote upserts a Vote under the unique (roundId, participantId)
// constraint, returning the effective vote — the participant's card for this
// round is always exactly one row (§3, §4.2).
func (s *Store) CastOrUpdateVote(ctx context.Context, roundID domain.RoundId, participantID domain.ParticipantId, cardValue string) (domain.Vote, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	row := s.db.QueryRow(ctx, `
		INSERT INTO votes (id, round_id, participant_id, card_value, voted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (round_id, participant_id)
		DO UPDATE SET card_value = EXCLUDED.card_value, voted_at = EXCLUDED.voted_at
		RETURNING id, round_id, participant_id, card_value, voted_at
	`, id, string(roundID), string(participantID), cardValue, now)
	return scanVote(row)
}

// ListVotesForRound returns every vote for a round ordered by votedAt,
// matching the (roundId, votedAt) index used for reveal fetches.
func (s *Store) ListVotesForRound(ctx context.Context, roundID domain.RoundId) ([]domain.Vote, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, round_id, participant_id, card_value, voted_at
		FROM votes WHERE round_id = $1
		ORDER BY voted_at ASC
	`, string(roundID))
	if err != nil {
		return nil, fmt.Errorf("list votes for round: %w", err)
	}
	defer rows.Close()

	var out []domain.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteVotesForRound removes every vote for a round outside any
// transaction. ResetRound does not call it; it runs the same DELETE inside
// its own transaction.
func (s *Store) DeleteVotesForRound(ctx context.Context, roundID domain.RoundId) error {
	_, err := s.db.Exec(ctx, `DELETE FROM votes WHERE round_id = $1`, string(roundID))
	if err != nil {
		return fmt.Errorf("delete votes for round: %w", err)
	}
	return nil
}

// CountVotesByParticipant returns, for every revealed round in a room,
// per-participant vote counts — the raw material for ParticipantSummary.
func (s *Store) CountVotesByParticipant(ctx context.Context, roomID domain.RoomId) ([]domain.ParticipantSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT v.participant_id, p.display_name, COUNT(*)
		FROM votes v
		JOIN rounds r ON r.id = v.round_id
		JOIN participants p ON p.id = v.participant_id
		WHERE r.room_id = $1 AND r.revealed_at IS NOT NULL
		GROUP BY v.participant_id, p.display_name
	`, string(roomID))
	if err != nil {
		return nil, fmt.Errorf("count votes by participant: %w", err)
	}
	defer rows.Close()

	var out []domain.ParticipantSummary
	for rows.Next() {
		var ps domain.ParticipantSummary
		if err := rows.Scan(&ps.ParticipantID, &ps.DisplayName, &ps.VoteCount); err != nil {
			return nil, fmt.Errorf("scan participant summary: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func scanVote(row rowScanner) (domain.Vote, error) {
	var v domain.Vote
	if err := row.Scan(&v.ID, &v.RoundID, &v.ParticipantID, &v.CardValue, &v.VotedAt); err != nil {
		return domain.Vote{}, err
	}
	return v, nil
}

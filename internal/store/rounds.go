package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/planningpoker/core/internal/domain"
)

// ErrAlreadyRevealed is returned by RevealRound when the round's revealedAt
// is already set; the caller translates it to a CONFLICT wire error.
var ErrAlreadyRevealed = errors.New("round already revealed")

const maxRoundNumberAttempts = 5

// AllocateNextRound inserts a Round at max(roundNumber)+1 for roomID within a
// transaction, retrying on the (roomId, roundNumber) unique-constraint race
// that two concurrent hosts starting a round can trigger (§4.2, §8).
func (s *Store) AllocateNextRound(ctx context.Context, roomID domain.RoomId, storyTitle string) (domain.Round, error) {
	for attempt := 0; attempt < maxRoundNumberAttempts; attempt++ {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return domain.Round{}, fmt.Errorf("begin allocate round tx: %w", err)
		}

		round, err := allocateNextRoundTx(ctx, tx, roomID, storyTitle)
		if err != nil {
			_ = tx.Rollback(ctx)
			if isUniqueViolation(err) {
				continue
			}
			return domain.Round{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return domain.Round{}, fmt.Errorf("commit allocate round tx: %w", err)
		}
		return round, nil
	}
	return domain.Round{}, fmt.Errorf("allocate round: exhausted %d attempts on roundNumber collision", maxRoundNumberAttempts)
}

func allocateNextRoundTx(ctx context.Context, tx pgx.Tx, roomID domain.RoomId, storyTitle string) (domain.Round, error) {
	var maxNumber int
	err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(round_number), 0) FROM rounds WHERE room_id = $1`, string(roomID)).Scan(&maxNumber)
	if err != nil {
		return domain.Round{}, fmt.Errorf("read max round number: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	row := tx.QueryRow(ctx, `
		INSERT INTO rounds (id, room_id, round_number, story_title, started_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, room_id, round_number, story_title, started_at, revealed_at, average, median, consensus_reached
	`, id, string(roomID), maxNumber+1, storyTitle, now)
	return scanRound(row)
}

// GetActiveRound returns the room's round with revealedAt IS NULL, if any
// (§3 invariant: at most one active round per room).
func (s *Store) GetActiveRound(ctx context.Context, roomID domain.RoomId) (domain.Round, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, room_id, round_number, story_title, started_at, revealed_at, average, median, consensus_reached
		FROM rounds WHERE room_id = $1 AND revealed_at IS NULL
	`, string(roomID))
	return scanRound(row)
}

// GetRound loads a Round by id.
func (s *Store) GetRound(ctx context.Context, id domain.RoundId) (domain.Round, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, room_id, round_number, story_title, started_at, revealed_at, average, median, consensus_reached
		FROM rounds WHERE id = $1
	`, string(id))
	return scanRound(row)
}

// ListRevealedRounds returns every revealed round for a room in roundNumber
// order, the set session history is folded over.
func (s *Store) ListRevealedRounds(ctx context.Context, roomID domain.RoomId) ([]domain.Round, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, room_id, round_number, story_title, started_at, revealed_at, average, median, consensus_reached
		FROM rounds WHERE room_id = $1 AND revealed_at IS NOT NULL
		ORDER BY round_number ASC
	`, string(roomID))
	if err != nil {
		return nil, fmt.Errorf("list revealed rounds: %w", err)
	}
	defer rows.Close()

	var out []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RevealRound conditionally transitions a round to revealed, failing with
// ErrAlreadyRevealed if it already was — the whole reveal-twice CONFLICT
// behavior hinges on this single WHERE clause (§8).
func (s *Store) RevealRound(ctx context.Context, id domain.RoundId, stats domain.Stats, revealedAt time.Time) (domain.Round, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE rounds
		SET revealed_at = $2, average = $3, median = $4, consensus_reached = $5
		WHERE id = $1 AND revealed_at IS NULL
		RETURNING id, room_id, round_number, story_title, started_at, revealed_at, average, median, consensus_reached
	`, string(id), revealedAt, stats.Average, stats.Median, stats.ConsensusReached)

	round, err := scanRound(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, ErrAlreadyRevealed
		}
		return domain.Round{}, fmt.Errorf("reveal round: %w", err)
	}
	return round, nil
}

// ResetRound deletes all votes for the round and clears its reveal fields,
// returning it to the active state. Resetting an already-active round
// leaves its reveal fields empty and deletes the votes cast so far.
func (s *Store) ResetRound(ctx context.Context, id domain.RoundId) (domain.Round, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Round{}, fmt.Errorf("begin reset round tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM votes WHERE round_id = $1`, string(id)); err != nil {
		return domain.Round{}, fmt.Errorf("delete votes on reset: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE rounds
		SET revealed_at = NULL, average = NULL, median = NULL, consensus_reached = NULL
		WHERE id = $1
		RETURNING id, room_id, round_number, story_title, started_at, revealed_at, average, median, consensus_reached
	`, string(id))
	round, err := scanRound(row)
	if err != nil {
		return domain.Round{}, fmt.Errorf("clear round on reset: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Round{}, fmt.Errorf("commit reset round tx: %w", err)
	}
	return round, nil
}

func scanRound(row rowScanner) (domain.Round, error) {
	var r domain.Round
	if err := row.Scan(
		&r.ID, &r.RoomID, &r.RoundNumber, &r.StoryTitle, &r.StartedAt,
		&r.RevealedAt, &r.Average, &r.Median, &r.ConsensusReached,
	); err != nil {
		return domain.Round{}, err
	}
	return r, nil
}

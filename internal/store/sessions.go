package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/planningpoker/core/internal/domain"
)

// UpsertSessionHistory creates the session row on the first reveal since the
// last boundary, or updates it on every subsequent reveal (§4.4). Session
// identity is (roomId, startedAt), so the conflict target is that pair.
func (s *Store) UpsertSessionHistory(ctx context.Context, hist domain.SessionHistory) (domain.SessionHistory, error) {
	if hist.SessionID == "" {
		hist.SessionID = domain.SessionId(uuid.NewString())
	}
	participantsJSON, err := json.Marshal(hist.Participants)
	if err != nil {
		return domain.SessionHistory{}, fmt.Errorf("marshal participant summaries: %w", err)
	}
	statsJSON, err := json.Marshal(hist.SummaryStats)
	if err != nil {
		return domain.SessionHistory{}, fmt.Errorf("marshal summary stats: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO session_history (session_id, room_id, started_at, ended_at, total_rounds, total_stories, participants, summary_stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id, started_at)
		DO UPDATE SET ended_at = EXCLUDED.ended_at, total_rounds = EXCLUDED.total_rounds,
			total_stories = EXCLUDED.total_stories, participants = EXCLUDED.participants, summary_stats = EXCLUDED.summary_stats
		RETURNING session_id, room_id, started_at, ended_at, total_rounds, total_stories, participants, summary_stats
	`, string(hist.SessionID), string(hist.RoomID), hist.StartedAt, hist.EndedAt, hist.TotalRounds, hist.TotalStories, participantsJSON, statsJSON)
	return scanSessionHistory(row)
}

// GetSessionHistory loads the single ongoing session for a room, identified
// by its first-revealed-round startedAt (§9 open question: sessions never
// explicitly end in this core, so there is at most one per room).
func (s *Store) GetSessionHistory(ctx context.Context, roomID domain.RoomId) (domain.SessionHistory, error) {
	row := s.db.QueryRow(ctx, `
		SELECT session_id, room_id, started_at, ended_at, total_rounds, total_stories, participants, summary_stats
		FROM session_history WHERE room_id = $1
		ORDER BY started_at ASC LIMIT 1
	`, string(roomID))
	return scanSessionHistory(row)
}

// GetSessionByID loads a session by its SessionId, used by the export path.
func (s *Store) GetSessionByID(ctx context.Context, id domain.SessionId) (domain.SessionHistory, error) {
	row := s.db.QueryRow(ctx, `
		SELECT session_id, room_id, started_at, ended_at, total_rounds, total_stories, participants, summary_stats
		FROM session_history WHERE session_id = $1
	`, string(id))
	return scanSessionHistory(row)
}

// ErrSessionNotFound signals that no session history row exists yet — not
// an error for a room whose host hasn't revealed a round.
var ErrSessionNotFound = errors.New("session history not found")

func scanSessionHistory(row rowScanner) (domain.SessionHistory, error) {
	var h domain.SessionHistory
	var participantsJSON, statsJSON []byte
	if err := row.Scan(&h.SessionID, &h.RoomID, &h.StartedAt, &h.EndedAt, &h.TotalRounds, &h.TotalStories, &participantsJSON, &statsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SessionHistory{}, ErrSessionNotFound
		}
		return domain.SessionHistory{}, err
	}
	if err := json.Unmarshal(participantsJSON, &h.Participants); err != nil {
		return domain.SessionHistory{}, fmt.Errorf("unmarshal participant summaries: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &h.SummaryStats); err != nil {
		return domain.SessionHistory{}, fmt.Errorf("unmarshal summary stats: %w", err)
	}
	return h, nil
}

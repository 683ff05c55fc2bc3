package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/planningpoker/core/internal/domain"
)

// UpsertParticipant creates a Participant on first join or reuses the
// existing row on reconnect, keyed by the unique (roomId, userId) or
// (roomId, anonymousId) tuple (§3 invariants).
func (s *Store) UpsertParticipant(ctx context.Context, roomID domain.RoomId, userID, anonymousID *string, displayName string, role domain.ParticipantRole) (domain.Participant, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	var row rowScanner
	switch {
	case userID != nil:
		row = s.db.QueryRow(ctx, `
			INSERT INTO participants (id, room_id, user_id, anonymous_id, display_name, role, connected_at)
			VALUES ($1, $2, $3, NULL, $4, $5, $6)
			ON CONFLICT (room_id, user_id) WHERE user_id IS NOT NULL
			DO UPDATE SET display_name = EXCLUDED.display_name, connected_at = EXCLUDED.connected_at, disconnected_at = NULL
			RETURNING id, room_id, user_id, anonymous_id, display_name, role, connected_at, disconnected_at
		`, id, string(roomID), *userID, displayName, string(role), now)
	case anonymousID != nil:
		row = s.db.QueryRow(ctx, `
			INSERT INTO participants (id, room_id, user_id, anonymous_id, display_name, role, connected_at)
			VALUES ($1, $2, NULL, $3, $4, $5, $6)
			ON CONFLICT (room_id, anonymous_id) WHERE anonymous_id IS NOT NULL
			DO UPDATE SET display_name = EXCLUDED.display_name, connected_at = EXCLUDED.connected_at, disconnected_at = NULL
			RETURNING id, room_id, user_id, anonymous_id, display_name, role, connected_at, disconnected_at
		`, id, string(roomID), *anonymousID, displayName, string(role), now)
	default:
		return domain.Participant{}, fmt.Errorf("participant must have a userId or anonymousId")
	}

	return scanParticipant(row)
}

// GetParticipant loads a Participant by id.
func (s *Store) GetParticipant(ctx context.Context, id domain.ParticipantId) (domain.Participant, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, room_id, user_id, anonymous_id, display_name, role, connected_at, disconnected_at
		FROM participants WHERE id = $1
	`, string(id))
	return scanParticipant(row)
}

// MarkDisconnected records a graceful close; the row is retained so a
// reconnect under the same identity reuses it.
func (s *Store) MarkDisconnected(ctx context.Context, id domain.ParticipantId) error {
	_, err := s.db.Exec(ctx, `UPDATE participants SET disconnected_at = $2 WHERE id = $1`, string(id), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark participant disconnected: %w", err)
	}
	return nil
}

// ListParticipantsForRoom enumerates every participant ever seen in a room,
// used by session-history and export rendering to resolve display names.
func (s *Store) ListParticipantsForRoom(ctx context.Context, roomID domain.RoomId) ([]domain.Participant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, room_id, user_id, anonymous_id, display_name, role, connected_at, disconnected_at
		FROM participants WHERE room_id = $1
	`, string(roomID))
	if err != nil {
		return nil, fmt.Errorf("list participants for room: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanParticipant(row rowScanner) (domain.Participant, error) {
	var p domain.Participant
	var role string
	if err := row.Scan(&p.ID, &p.RoomID, &p.UserID, &p.AnonymousID, &p.DisplayName, &role, &p.ConnectedAt, &p.DisconnectedAt); err != nil {
		return domain.Participant{}, err
	}
	p.Role = domain.ParticipantRole(role)
	return p, nil
}

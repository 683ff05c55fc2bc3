package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/planningpoker/core/internal/domain"
)

const roomIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const maxRoomIDAttempts = 5

// ErrIdentifierExhausted is returned by CreateRoom when every freshly
// generated RoomId collided within maxRoomIDAttempts tries.
var ErrIdentifierExhausted = errors.New("identifier exhausted")

// CreateRoom inserts a new Room, retrying with a fresh RoomId up to
// maxRoomIDAttempts times on a (roomId) collision before giving up (§4.2).
func (s *Store) CreateRoom(ctx context.Context, title string, privacy domain.Privacy, ownerUserID, orgID *string, cfg domain.RoomConfig) (domain.Room, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return domain.Room{}, fmt.Errorf("marshal room config: %w", err)
	}

	for attempt := 0; attempt < maxRoomIDAttempts; attempt++ {
		id, err := gonanoid.Generate(roomIDAlphabet, 6)
		if err != nil {
			return domain.Room{}, fmt.Errorf("generate room id: %w", err)
		}

		now := time.Now().UTC()
		row := s.db.QueryRow(ctx, `
			INSERT INTO rooms (id, title, privacy, owner_user_id, org_id, config, created_at, last_active_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			RETURNING id, title, privacy, owner_user_id, org_id, config, created_at, last_active_at, soft_deleted_at
		`, id, title, string(privacy), ownerUserID, orgID, cfgJSON, now)

		room, err := scanRoom(row)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return domain.Room{}, fmt.Errorf("insert room: %w", err)
		}
		return room, nil
	}
	return domain.Room{}, ErrIdentifierExhausted
}

// GetRoom loads a Room by id regardless of soft-delete state; callers that
// must honor soft-delete (join, REST lookups) check SoftDeletedAt themselves.
func (s *Store) GetRoom(ctx context.Context, id domain.RoomId) (domain.Room, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, title, privacy, owner_user_id, org_id, config, created_at, last_active_at, soft_deleted_at
		FROM rooms WHERE id = $1
	`, string(id))
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Room{}, fmt.Errorf("room %s: %w", id, pgx.ErrNoRows)
		}
		return domain.Room{}, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// UpdateRoomConfig replaces a Room's embedded RoomConfig atomically.
func (s *Store) UpdateRoomConfig(ctx context.Context, id domain.RoomId, cfg domain.RoomConfig) (domain.Room, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return domain.Room{}, fmt.Errorf("marshal room config: %w", err)
	}
	row := s.db.QueryRow(ctx, `
		UPDATE rooms SET config = $2
		WHERE id = $1 AND soft_deleted_at IS NULL
		RETURNING id, title, privacy, owner_user_id, org_id, config, created_at, last_active_at, soft_deleted_at
	`, string(id), cfgJSON)
	return scanRoom(row)
}

// TouchLastActive bumps a Room's lastActiveAt to the current time. The join
// and reveal paths do not call it.
func (s *Store) TouchLastActive(ctx context.Context, id domain.RoomId) error {
	_, err := s.db.Exec(ctx, `UPDATE rooms SET last_active_at = $2 WHERE id = $1`, string(id), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch room last active: %w", err)
	}
	return nil
}

// SoftDeleteRoom marks a Room deleted without physically removing it; its
// Rounds become unobservable but are retained (§3 Ownership).
func (s *Store) SoftDeleteRoom(ctx context.Context, id domain.RoomId, ownerUserID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rooms SET soft_deleted_at = $3
		WHERE id = $1 AND owner_user_id = $2 AND soft_deleted_at IS NULL
	`, string(id), ownerUserID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("soft delete room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %s not owned by %s or already deleted: %w", id, ownerUserID, pgx.ErrNoRows)
	}
	return nil
}

// ListRoomsByOwner enumerates a user's non-deleted rooms ordered by recency,
// matching the (ownerUserId, lastActiveAt DESC) index (§6.4).
func (s *Store) ListRoomsByOwner(ctx context.Context, ownerUserID string) ([]domain.Room, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, title, privacy, owner_user_id, org_id, config, created_at, last_active_at, soft_deleted_at
		FROM rooms
		WHERE owner_user_id = $1 AND soft_deleted_at IS NULL
		ORDER BY last_active_at DESC
	`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list rooms by owner: %w", err)
	}
	defer rows.Close()

	var rooms []domain.Room
	for rows.Next() {
		room, err := scanRoomRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (domain.Room, error) {
	return scanRoomRow(row)
}

func scanRoomRow(row rowScanner) (domain.Room, error) {
	var room domain.Room
	var privacy string
	var cfgJSON []byte
	if err := row.Scan(
		&room.ID, &room.Title, &privacy, &room.OwnerUserID, &room.OrgID,
		&cfgJSON, &room.CreatedAt, &room.LastActiveAt, &room.SoftDeletedAt,
	); err != nil {
		return domain.Room{}, err
	}
	room.Privacy = domain.Privacy(privacy)
	if err := json.Unmarshal(cfgJSON, &room.Config); err != nil {
		return domain.Room{}, fmt.Errorf("unmarshal room config: %w", err)
	}
	return room, nil
}

package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planningpoker/core/internal/domain"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithDB(mock), mock
}

var roomCols = []string{"id", "title", "privacy", "owner_user_id", "org_id", "config", "created_at", "last_active_at", "soft_deleted_at"}

func TestCreateRoom_RetriesOnIdentifierCollision(t *testing.T) {
	s, mock := newMockStore(t)
	cfg := domain.RoomConfig{DeckType: domain.DeckFibonacci}

	uniqueErr := &pgconn.PgError{Code: "23505", ConstraintName: "rooms_pkey"}
	mock.ExpectQuery(`INSERT INTO rooms`).
		WillReturnError(uniqueErr)
	mock.ExpectQuery(`INSERT INTO rooms`).
		WillReturnRows(pgxmock.NewRows(roomCols).
			AddRow("ab12cd", "Sprint planning", "public", (*string)(nil), (*string)(nil),
				[]byte(`{"DeckType":"fibonacci"}`), fixedTime, fixedTime, (*string)(nil)))

	room, err := s.CreateRoom(context.Background(), "Sprint planning", domain.PrivacyPublic, nil, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomId("ab12cd"), room.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRoom_ExhaustsAttempts(t *testing.T) {
	s, mock := newMockStore(t)
	cfg := domain.RoomConfig{DeckType: domain.DeckFibonacci}
	uniqueErr := &pgconn.PgError{Code: "23505", ConstraintName: "rooms_pkey"}

	for i := 0; i < maxRoomIDAttempts; i++ {
		mock.ExpectQuery(`INSERT INTO rooms`).WillReturnError(uniqueErr)
	}

	_, err := s.CreateRoom(context.Background(), "title", domain.PrivacyPublic, nil, nil, cfg)
	assert.ErrorIs(t, err, ErrIdentifierExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRoom(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT (.|\n)* FROM rooms WHERE id = \$1`).
		WithArgs("ab12cd").
		WillReturnRows(pgxmock.NewRows(roomCols).
			AddRow("ab12cd", "Sprint planning", "invite-only", (*string)(nil), (*string)(nil),
				[]byte(`{"DeckType":"tshirt"}`), fixedTime, fixedTime, (*string)(nil)))

	room, err := s.GetRoom(context.Background(), "ab12cd")
	require.NoError(t, err)
	assert.Equal(t, domain.PrivacyInviteOnly, room.Privacy)
	assert.Equal(t, domain.DeckTShirt, room.Config.DeckType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

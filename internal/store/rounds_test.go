package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/planningpoker/core/internal/domain"
)

var roundCols = []string{"id", "room_id", "round_number", "story_title", "started_at", "revealed_at", "average", "median", "consensus_reached"}

func TestAllocateNextRound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(round_number\), 0\)`).
		WithArgs("flow01").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(2))
	mock.ExpectQuery(`INSERT INTO rounds`).
		WillReturnRows(pgxmock.NewRows(roundCols).
			AddRow("round-3", "flow01", 3, "Checkout redesign", fixedTime, nil, nil, (*string)(nil), (*bool)(nil)))
	mock.ExpectCommit()

	round, err := s.AllocateNextRound(context.Background(), "flow01", "Checkout redesign")
	require.NoError(t, err)
	assert.Equal(t, 3, round.RoundNumber)
	assert.True(t, round.Active())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevealRound_AlreadyRevealed(t *testing.T) {
	s, mock := newMockStore(t)

	// An UPDATE ... WHERE revealed_at IS NULL that matches zero rows
	// returns an empty result set, so Scan reports pgx.ErrNoRows.
	mock.ExpectQuery(`UPDATE rounds`).
		WillReturnRows(pgxmock.NewRows(roundCols))

	stats := domain.Stats{}
	_, err := s.RevealRound(context.Background(), "round-1", stats, fixedTime)
	assert.ErrorIs(t, err, ErrAlreadyRevealed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetRound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM votes WHERE round_id = \$1`).
		WithArgs("round-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectQuery(`UPDATE rounds`).
		WillReturnRows(pgxmock.NewRows(roundCols).
			AddRow("round-1", "flow01", 1, "Checkout redesign", fixedTime, nil, nil, (*string)(nil), (*bool)(nil)))
	mock.ExpectCommit()

	round, err := s.ResetRound(context.Background(), "round-1")
	require.NoError(t, err)
	assert.True(t, round.Active())
	assert.NoError(t, mock.ExpectationsWereMet())
}

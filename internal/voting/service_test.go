package voting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planningpoker/core/internal/domain"
	"github.com/planningpoker/core/internal/store"
)

type fakeStore struct {
	room          domain.Room
	activeRound   *domain.Round
	rounds        map[domain.RoundId]domain.Round
	votes         map[domain.RoundId][]domain.Vote
	revealedOrder []domain.RoundId
	session       *domain.SessionHistory
	nextRoundNum  int
}

func newFakeStore(room domain.Room) *fakeStore {
	return &fakeStore{
		room:         room,
		rounds:       map[domain.RoundId]domain.Round{},
		votes:        map[domain.RoundId][]domain.Vote{},
		nextRoundNum: 1,
	}
}

func (f *fakeStore) GetRoom(ctx context.Context, id domain.RoomId) (domain.Room, error) {
	return f.room, nil
}

func (f *fakeStore) GetActiveRound(ctx context.Context, roomID domain.RoomId) (domain.Round, error) {
	if f.activeRound == nil {
		return domain.Round{}, store.ErrSessionNotFound
	}
	return *f.activeRound, nil
}

func (f *fakeStore) GetRound(ctx context.Context, id domain.RoundId) (domain.Round, error) {
	r, ok := f.rounds[id]
	if !ok {
		return domain.Round{}, store.ErrSessionNotFound
	}
	return r, nil
}

func (f *fakeStore) AllocateNextRound(ctx context.Context, roomID domain.RoomId, storyTitle string) (domain.Round, error) {
	id := domain.RoundId("round-1")
	r := domain.Round{ID: id, RoomID: roomID, RoundNumber: f.nextRoundNum, StoryTitle: storyTitle, StartedAt: time.Now().UTC()}
	f.nextRoundNum++
	f.rounds[id] = r
	f.activeRound = &r
	return r, nil
}

func (f *fakeStore) RevealRound(ctx context.Context, id domain.RoundId, stats domain.Stats, revealedAt time.Time) (domain.Round, error) {
	r, ok := f.rounds[id]
	if !ok || !r.Active() {
		return domain.Round{}, store.ErrAlreadyRevealed
	}
	r.RevealedAt = &revealedAt
	r.Average = stats.Average
	r.Median = stats.Median
	r.ConsensusReached = &stats.ConsensusReached
	f.rounds[id] = r
	f.activeRound = nil
	f.revealedOrder = append(f.revealedOrder, id)
	return r, nil
}

func (f *fakeStore) ResetRound(ctx context.Context, id domain.RoundId) (domain.Round, error) {
	r := f.rounds[id]
	r.RevealedAt = nil
	r.Average = nil
	r.Median = nil
	r.ConsensusReached = nil
	f.rounds[id] = r
	f.votes[id] = nil
	f.activeRound = &r
	return r, nil
}

func (f *fakeStore) ListVotesForRound(ctx context.Context, roundID domain.RoundId) ([]domain.Vote, error) {
	return f.votes[roundID], nil
}

func (f *fakeStore) ListRevealedRounds(ctx context.Context, roomID domain.RoomId) ([]domain.Round, error) {
	var out []domain.Round
	for _, id := range f.revealedOrder {
		out = append(out, f.rounds[id])
	}
	return out, nil
}

func (f *fakeStore) CastOrUpdateVote(ctx context.Context, roundID domain.RoundId, participantID domain.ParticipantId, cardValue string) (domain.Vote, error) {
	v := domain.Vote{ID: domain.VoteId("vote-" + string(participantID)), RoundID: roundID, ParticipantID: participantID, CardValue: cardValue, VotedAt: time.Now().UTC()}
	votes := f.votes[roundID]
	for i, existing := range votes {
		if existing.ParticipantID == participantID {
			votes[i] = v
			f.votes[roundID] = votes
			return v, nil
		}
	}
	f.votes[roundID] = append(votes, v)
	return v, nil
}

func (f *fakeStore) CountVotesByParticipant(ctx context.Context, roomID domain.RoomId) ([]domain.ParticipantSummary, error) {
	counts := map[domain.ParticipantId]int{}
	for _, votes := range f.votes {
		for _, v := range votes {
			counts[v.ParticipantID]++
		}
	}
	var out []domain.ParticipantSummary
	for pid, c := range counts {
		out = append(out, domain.ParticipantSummary{ParticipantID: pid, VoteCount: c})
	}
	return out, nil
}

func (f *fakeStore) GetSessionHistory(ctx context.Context, roomID domain.RoomId) (domain.SessionHistory, error) {
	if f.session == nil {
		return domain.SessionHistory{}, store.ErrSessionNotFound
	}
	return *f.session, nil
}

func (f *fakeStore) UpsertSessionHistory(ctx context.Context, hist domain.SessionHistory) (domain.SessionHistory, error) {
	f.session = &hist
	return hist, nil
}

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, roomID, eventType string, payload any, senderID string) error {
	p.events = append(p.events, eventType)
	return nil
}

func TestCastVote_RejectsCardOutsideDeck(t *testing.T) {
	room := domain.Room{ID: "flow01", Config: domain.RoomConfig{DeckType: domain.DeckFibonacci}}
	fs := newFakeStore(room)
	pub := &recordingPublisher{}
	svc := New(fs, pub)

	round, err := svc.StartRound(context.Background(), "flow01", "Checkout redesign", "host-1")
	require.NoError(t, err)

	_, err = svc.CastVote(context.Background(), round.ID, "participant-1", "42", "participant-1")
	require.Error(t, err)
	var we domain.WireError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, domain.CodeConflict, we.Code())
}

func TestCastVote_PublishesWithoutCardValue(t *testing.T) {
	room := domain.Room{ID: "flow01", Config: domain.RoomConfig{DeckType: domain.DeckFibonacci}}
	fs := newFakeStore(room)
	pub := &recordingPublisher{}
	svc := New(fs, pub)

	round, err := svc.StartRound(context.Background(), "flow01", "Checkout redesign", "host-1")
	require.NoError(t, err)

	_, err = svc.CastVote(context.Background(), round.ID, "participant-1", "5", "participant-1")
	require.NoError(t, err)
	assert.Contains(t, pub.events, "vote.recorded.v1")
}

func TestRevealRound_ComputesConsensus(t *testing.T) {
	room := domain.Room{ID: "flow01", Config: domain.RoomConfig{DeckType: domain.DeckFibonacci}}
	fs := newFakeStore(room)
	pub := &recordingPublisher{}
	svc := New(fs, pub)

	round, err := svc.StartRound(context.Background(), "flow01", "Checkout redesign", "host-1")
	require.NoError(t, err)
	_, err = svc.CastVote(context.Background(), round.ID, "p1", "5", "p1")
	require.NoError(t, err)
	_, err = svc.CastVote(context.Background(), round.ID, "p2", "5", "p2")
	require.NoError(t, err)

	revealed, votes, err := svc.RevealRound(context.Background(), round.ID, "host-1")
	require.NoError(t, err)
	require.Len(t, votes, 2)
	require.NotNil(t, revealed.ConsensusReached)
	assert.True(t, *revealed.ConsensusReached)
	assert.Contains(t, pub.events, "round.revealed.v1")
}

func TestRevealRound_AlreadyRevealedIsConflict(t *testing.T) {
	room := domain.Room{ID: "flow01", Config: domain.RoomConfig{DeckType: domain.DeckFibonacci}}
	fs := newFakeStore(room)
	pub := &recordingPublisher{}
	svc := New(fs, pub)

	round, err := svc.StartRound(context.Background(), "flow01", "Checkout redesign", "host-1")
	require.NoError(t, err)
	_, _, err = svc.RevealRound(context.Background(), round.ID, "host-1")
	require.NoError(t, err)

	_, _, err = svc.RevealRound(context.Background(), round.ID, "host-1")
	require.Error(t, err)
	var we domain.WireError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, domain.CodeConflict, we.Code())
}

func TestResetRound_ClearsVotesAndReactivates(t *testing.T) {
	room := domain.Room{ID: "flow01", Config: domain.RoomConfig{DeckType: domain.DeckFibonacci}}
	fs := newFakeStore(room)
	pub := &recordingPublisher{}
	svc := New(fs, pub)

	round, err := svc.StartRound(context.Background(), "flow01", "Checkout redesign", "host-1")
	require.NoError(t, err)
	_, err = svc.CastVote(context.Background(), round.ID, "p1", "5", "p1")
	require.NoError(t, err)

	reset, err := svc.ResetRound(context.Background(), round.ID, "host-1")
	require.NoError(t, err)
	assert.True(t, reset.Active())
	assert.Empty(t, fs.votes[round.ID])
	assert.Contains(t, pub.events, "round.reset.v1")
}

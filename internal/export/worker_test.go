package export

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planningpoker/core/internal/bus"
	"github.com/planningpoker/core/internal/domain"
	"github.com/planningpoker/core/internal/store"
)

type fakeStore struct {
	jobs         map[domain.JobId]domain.ExportJob
	sessions     map[domain.SessionId]domain.SessionHistory
	rounds       map[domain.RoomId][]domain.Round
	votes        map[domain.RoundId][]domain.Vote
	participants map[domain.RoomId][]domain.Participant
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:         map[domain.JobId]domain.ExportJob{},
		sessions:     map[domain.SessionId]domain.SessionHistory{},
		rounds:       map[domain.RoomId][]domain.Round{},
		votes:        map[domain.RoundId][]domain.Vote{},
		participants: map[domain.RoomId][]domain.Participant{},
	}
}

func (f *fakeStore) GetExportJob(ctx context.Context, id domain.JobId) (domain.ExportJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.ExportJob{}, errors.New("not found")
	}
	return j, nil
}

func (f *fakeStore) MarkProcessing(ctx context.Context, id domain.JobId) (domain.ExportJob, error) {
	j := f.jobs[id]
	if j.Status != domain.ExportPending {
		return domain.ExportJob{}, store.ErrInvalidTransition
	}
	j.Status = domain.ExportProcessing
	f.jobs[id] = j
	return j, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, id domain.JobId, downloadURL string, completedAt time.Time) (domain.ExportJob, error) {
	j := f.jobs[id]
	j.Status = domain.ExportCompleted
	j.DownloadURL = &downloadURL
	j.CompletedAt = &completedAt
	f.jobs[id] = j
	return j, nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id domain.JobId, errMsg string, failedAt time.Time) (domain.ExportJob, error) {
	j := f.jobs[id]
	j.Status = domain.ExportFailed
	j.ErrorMessage = &errMsg
	j.FailedAt = &failedAt
	f.jobs[id] = j
	return j, nil
}

func (f *fakeStore) GetSessionByID(ctx context.Context, id domain.SessionId) (domain.SessionHistory, error) {
	s, ok := f.sessions[id]
	if !ok {
		return domain.SessionHistory{}, errors.New("session not found")
	}
	return s, nil
}

func (f *fakeStore) ListRevealedRounds(ctx context.Context, roomID domain.RoomId) ([]domain.Round, error) {
	return f.rounds[roomID], nil
}

func (f *fakeStore) ListVotesForRound(ctx context.Context, roundID domain.RoundId) ([]domain.Vote, error) {
	return f.votes[roundID], nil
}

func (f *fakeStore) ListParticipantsForRoom(ctx context.Context, roomID domain.RoomId) ([]domain.Participant, error) {
	return f.participants[roomID], nil
}

type fakeConsumer struct {
	payload []byte
}

func (c *fakeConsumer) Consume(ctx context.Context, group string, handler bus.JobHandler) error {
	return handler(ctx, c.payload)
}

type fakeUploader struct {
	putCount int
	url      string
	err      error
}

func (u *fakeUploader) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	u.putCount++
	if u.err != nil {
		return "", u.err
	}
	return u.url, nil
}

func seedSession(s *fakeStore, job domain.ExportJob) {
	s.jobs[job.ID] = job
	s.sessions[job.SessionID] = domain.SessionHistory{SessionID: job.SessionID, RoomID: "room-1"}
	avg := 5.0
	median := "5"
	consensus := true
	round := domain.Round{ID: "round-1", RoomID: "room-1", RoundNumber: 1, Average: &avg, Median: &median, ConsensusReached: &consensus}
	s.rounds["room-1"] = []domain.Round{round}
	s.votes["round-1"] = []domain.Vote{{ParticipantID: "p-1", CardValue: "5"}}
	s.participants["room-1"] = []domain.Participant{{ID: "p-1", DisplayName: "Alice"}}
}

func TestWorker_CompletesCSVJob(t *testing.T) {
	st := newFakeStore()
	job := domain.ExportJob{ID: "job-1", SessionID: "session-1", Format: domain.ExportCSV, Status: domain.ExportPending}
	seedSession(st, job)

	ref, err := json.Marshal(jobRef{JobID: "job-1"})
	require.NoError(t, err)

	up := &fakeUploader{url: "https://blob.example.com/exports/job-1.csv"}
	w := NewWorker(st, &fakeConsumer{payload: ref}, up)

	require.NoError(t, w.Run(context.Background(), "export-workers"))

	final := st.jobs["job-1"]
	assert.Equal(t, domain.ExportCompleted, final.Status)
	require.NotNil(t, final.DownloadURL)
	assert.Equal(t, up.url, *final.DownloadURL)
	assert.Equal(t, 1, up.putCount)
}

func TestWorker_UploadFailureMarksJobFailed(t *testing.T) {
	st := newFakeStore()
	job := domain.ExportJob{ID: "job-1", SessionID: "session-1", Format: domain.ExportPDF, Status: domain.ExportPending}
	seedSession(st, job)

	ref, _ := json.Marshal(jobRef{JobID: "job-1"})
	up := &fakeUploader{err: errors.New("s3 unavailable")}
	w := NewWorker(st, &fakeConsumer{payload: ref}, up)

	require.NoError(t, w.Run(context.Background(), "export-workers"))

	final := st.jobs["job-1"]
	assert.Equal(t, domain.ExportFailed, final.Status)
	require.NotNil(t, final.ErrorMessage)
}

func TestWorker_ReplayOfCompletedJobProducesNoChange(t *testing.T) {
	st := newFakeStore()
	completedAt := time.Now().UTC()
	url := "https://blob.example.com/exports/job-1.csv"
	job := domain.ExportJob{ID: "job-1", SessionID: "session-1", Format: domain.ExportCSV, Status: domain.ExportCompleted, DownloadURL: &url, CompletedAt: &completedAt}
	seedSession(st, job)
	st.jobs["job-1"] = job // seedSession overwrites status to pending; restore

	ref, _ := json.Marshal(jobRef{JobID: "job-1"})
	up := &fakeUploader{url: "should-not-be-used"}
	w := NewWorker(st, &fakeConsumer{payload: ref}, up)

	require.NoError(t, w.Run(context.Background(), "export-workers"))

	assert.Equal(t, 0, up.putCount, "a completed job must not be re-rendered or re-uploaded")
	final := st.jobs["job-1"]
	assert.Equal(t, url, *final.DownloadURL)
}

func TestWorker_MissingJobIsAcknowledged(t *testing.T) {
	st := newFakeStore()
	ref, _ := json.Marshal(jobRef{JobID: "does-not-exist"})
	w := NewWorker(st, &fakeConsumer{payload: ref}, &fakeUploader{})

	err := w.Run(context.Background(), "export-workers")
	assert.NoError(t, err)
}

func TestWorker_MalformedPayloadIsPermanent(t *testing.T) {
	st := newFakeStore()
	w := NewWorker(st, &fakeConsumer{payload: []byte("not json")}, &fakeUploader{})

	err := w.Run(context.Background(), "export-workers")
	var perm *bus.PermanentJobError
	require.ErrorAs(t, err, &perm)
}

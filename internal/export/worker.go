package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/bus"
	"github.com/planningpoker/core/internal/domain"
	"github.com/planningpoker/core/internal/logging"
	"github.com/planningpoker/core/internal/metrics"
	"github.com/planningpoker/core/internal/store"
)

// processTimeout bounds one job's rendering/upload pipeline (§5: "Export job
// processing: bounded (suggested 10 min); exceeding marks the job failed").
const processTimeout = 10 * time.Minute

// Store is the subset of the AuthorityStore ExportWorker needs.
type Store interface {
	GetExportJob(ctx context.Context, id domain.JobId) (domain.ExportJob, error)
	MarkProcessing(ctx context.Context, id domain.JobId) (domain.ExportJob, error)
	MarkCompleted(ctx context.Context, id domain.JobId, downloadURL string, completedAt time.Time) (domain.ExportJob, error)
	MarkFailed(ctx context.Context, id domain.JobId, errMsg string, failedAt time.Time) (domain.ExportJob, error)
	GetSessionByID(ctx context.Context, id domain.SessionId) (domain.SessionHistory, error)
	ListRevealedRounds(ctx context.Context, roomID domain.RoomId) ([]domain.Round, error)
	ListVotesForRound(ctx context.Context, roundID domain.RoundId) ([]domain.Vote, error)
	ListParticipantsForRoom(ctx context.Context, roomID domain.RoomId) ([]domain.Participant, error)
}

// JobConsumer is the subset of bus.JobStream the worker needs to pull
// durable export jobs.
type JobConsumer interface {
	Consume(ctx context.Context, group string, handler bus.JobHandler) error
}

// Worker is the ExportWorker (§4.6): it pulls JobId references off the
// export-jobs stream, renders a session report, uploads it, and advances
// the job record through its status sequence.
type Worker struct {
	store    Store
	jobs     JobConsumer
	uploader Uploader
	now      func() time.Time
}

// NewWorker constructs a Worker. now defaults to time.Now; overridden in
// tests for deterministic completedAt/failedAt timestamps.
func NewWorker(st Store, jobs JobConsumer, uploader Uploader) *Worker {
	return &Worker{store: st, jobs: jobs, uploader: uploader, now: func() time.Time { return time.Now().UTC() }}
}

// jobRef is the payload shape appended to the export-jobs stream by the REST
// handler (gateway.exportJobRef, mirrored here to avoid a gateway->export
// import).
type jobRef struct {
	JobID domain.JobId `json:"jobId"`
}

// Run pulls from the export-jobs stream under consumerGroup until ctx is
// cancelled. Every worker replica sharing consumerGroup competes for
// messages, so each delivery goes to one replica; a redelivered job is
// handled again, and process treats such replays idempotently (§4.1).
func (w *Worker) Run(ctx context.Context, consumerGroup string) error {
	return w.jobs.Consume(ctx, consumerGroup, w.handle)
}

func (w *Worker) handle(ctx context.Context, payload []byte) error {
	var ref jobRef
	if err := json.Unmarshal(payload, &ref); err != nil {
		return &bus.PermanentJobError{Reason: "malformed export job payload: " + err.Error()}
	}

	jobCtx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	return w.process(jobCtx, ref.JobID)
}

// process implements §4.6 steps 1-7. Any error before step 6 (completed) is
// absorbed into the job record rather than propagated, so the message is
// always acknowledged — no infinite redelivery (§4.6 failure handling).
func (w *Worker) process(ctx context.Context, jobID domain.JobId) error {
	job, err := w.store.GetExportJob(ctx, jobID)
	if err != nil {
		logging.Warn(ctx, "export job not found, acknowledging", zap.String("job_id", string(jobID)), zap.Error(err))
		return nil
	}

	switch job.Status {
	case domain.ExportCompleted, domain.ExportFailed:
		// Replay of a terminal job: acknowledge without re-work (§8 idempotence).
		return nil
	case domain.ExportPending:
		if _, err := w.store.MarkProcessing(ctx, jobID); err != nil {
			if err == store.ErrInvalidTransition {
				// Raced with another consumer advancing it; that consumer owns
				// the job now, so acknowledge without further work.
				return nil
			}
			return nil
		}
	case domain.ExportProcessing:
		// Redelivered mid-flight. Rendering is deterministic and idempotent,
		// so proceed rather than skip (§4.6 failure handling).
	}

	start := time.Now()
	downloadURL, renderErr := w.renderAndUpload(ctx, job)
	format := string(job.Format)
	if renderErr != nil {
		metrics.ExportJobsProcessed.WithLabelValues(format, "failed").Inc()
		metrics.ExportJobDuration.WithLabelValues(format).Observe(time.Since(start).Seconds())
		if _, err := w.store.MarkFailed(context.WithoutCancel(ctx), jobID, renderErr.Error(), w.now()); err != nil {
			logging.Error(ctx, "failed to record export job failure", zap.String("job_id", string(jobID)), zap.Error(err))
		}
		return nil
	}

	if _, err := w.store.MarkCompleted(ctx, jobID, downloadURL, w.now()); err != nil {
		logging.Error(ctx, "failed to mark export job completed", zap.String("job_id", string(jobID)), zap.Error(err))
		metrics.ExportJobsProcessed.WithLabelValues(format, "failed").Inc()
		return nil
	}

	metrics.ExportJobsProcessed.WithLabelValues(format, "completed").Inc()
	metrics.ExportJobDuration.WithLabelValues(format).Observe(time.Since(start).Seconds())
	return nil
}

// renderAndUpload implements §4.6 steps 3-5: load the session's data, render
// the requested format, and upload the artifact.
func (w *Worker) renderAndUpload(ctx context.Context, job domain.ExportJob) (string, error) {
	session, err := w.store.GetSessionByID(ctx, job.SessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}

	rounds, err := w.store.ListRevealedRounds(ctx, session.RoomID)
	if err != nil {
		return "", fmt.Errorf("list revealed rounds: %w", err)
	}

	votesByRound := make(map[domain.RoundId][]domain.Vote, len(rounds))
	for _, r := range rounds {
		votes, err := w.store.ListVotesForRound(ctx, r.ID)
		if err != nil {
			return "", fmt.Errorf("list votes for round %s: %w", r.ID, err)
		}
		votesByRound[r.ID] = votes
	}

	participantList, err := w.store.ListParticipantsForRoom(ctx, session.RoomID)
	if err != nil {
		return "", fmt.Errorf("list participants: %w", err)
	}
	participants := make(map[domain.ParticipantId]domain.Participant, len(participantList))
	for _, p := range participantList {
		participants[p.ID] = p
	}

	var artifact []byte
	switch job.Format {
	case domain.ExportCSV:
		artifact, err = RenderCSV(rounds, votesByRound, participants)
	case domain.ExportPDF:
		artifact, err = RenderPDF(job.SessionID, rounds, votesByRound, participants)
	default:
		return "", fmt.Errorf("unsupported export format %q", job.Format)
	}
	if err != nil {
		return "", fmt.Errorf("render %s artifact: %w", job.Format, err)
	}

	key := BlobKey(job.ID, job.Format)
	url, err := w.uploader.Put(ctx, key, artifact, ContentType(job.Format))
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return url, nil
}

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

// ErrInvalidTransition is returned when an ExportJob status update does not
// advance forward through {pending -> processing -> completed|failed} (§3).
var ErrInvalidTransition = errors.New("export job status transition invalid")

// CreateExportJob inserts a new job in pending status. Called before the
// job is appended to the export-jobs stream, so the REST handler can return
// a stable jobId even if the append subsequently fails (§4.1 failure
// semantics: a failed append marks this row failed).
func (s *Store) CreateExportJob(ctx context.Context, userID string, sessionID domain.SessionId, format domain.ExportFormat) (domain.ExportJob, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	row := s.db.QueryRow(ctx, `
		INSERT INTO export_jobs (id, user_id, session_id, format, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, user_id, session_id, format, status, download_url, error_message, created_at, completed_at, failed_at, expires_at
	`, id, userID, string(sessionID), string(format), string(domain.ExportPending), now)
	return scanExportJob(row)
}

// GetExportJob loads an ExportJob by id.
func (s *Store) GetExportJob(ctx context.Context, id domain.JobId) (domain.ExportJob, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, session_id, format, status, download_url, error_message, created_at, completed_at, failed_at, expires_at
		FROM export_jobs WHERE id = $1
	`, string(id))
	job, err := scanExportJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExportJob{}, fmt.Errorf("export job %s: %w", id, pgx.ErrNoRows)
		}
		return domain.ExportJob{}, err
	}
	return job, nil
}

// MarkProcessing conditionally advances pending -> processing.
func (s *Store) MarkProcessing(ctx context.Context, id domain.JobId) (domain.ExportJob, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE export_jobs SET status = $2
		WHERE id = $1 AND status = $3
		RETURNING id, user_id, session_id, format, status, download_url, error_message, created_at, completed_at, failed_at, expires_at
	`, string(id), string(domain.ExportProcessing), string(domain.ExportPending))
	job, err := scanExportJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExportJob{}, ErrInvalidTransition
		}
		return domain.ExportJob{}, err
	}
	return job, nil
}

// MarkCompleted conditionally advances processing -> completed, attaching
// the uploaded artifact's URL and a 7-day expiry (§4.6 step 6).
func (s *Store) MarkCompleted(ctx context.Context, id domain.JobId, downloadURL string, completedAt time.Time) (domain.ExportJob, error) {
	expiresAt := completedAt.Add(7 * 24 * time.Hour)
	row := s.db.QueryRow(ctx, `
		UPDATE export_jobs SET status = $2, download_url = $3, completed_at = $4, expires_at = $5
		WHERE id = $1 AND status = $6
		RETURNING id, user_id, session_id, format, status, download_url, error_message, created_at, completed_at, failed_at, expires_at
	`, string(id), string(domain.ExportCompleted), downloadURL, completedAt, expiresAt, string(domain.ExportProcessing))
	job, err := scanExportJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExportJob{}, ErrInvalidTransition
		}
		return domain.ExportJob{}, err
	}
	return job, nil
}

// MarkFailed records a terminal failure from any non-terminal status; unlike
// the forward-only pending/processing transitions, failure can be reached
// from either (§4.6 failure handling: "any exception before step 6").
func (s *Store) MarkFailed(ctx context.Context, id domain.JobId, errMsg string, failedAt time.Time) (domain.ExportJob, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE export_jobs SET status = $2, error_message = $3, failed_at = $4
		WHERE id = $1 AND status IN ($5, $6)
		RETURNING id, user_id, session_id, format, status, download_url, error_message, created_at, completed_at, failed_at, expires_at
	`, string(id), string(domain.ExportFailed), errMsg, failedAt, string(domain.ExportPending), string(domain.ExportProcessing))
	job, err := scanExportJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExportJob{}, ErrInvalidTransition
		}
		return domain.ExportJob{}, err
	}
	return job, nil
}

func scanExportJob(row rowScanner) (domain.ExportJob, error) {
	var j domain.ExportJob
	var format, status string
	if err := row.Scan(
		&j.ID, &j.UserID, &j.SessionID, &format, &status, &j.DownloadURL, &j.ErrorMessage,
		&j.CreatedAt, &j.CompletedAt, &j.FailedAt, &j.ExpiresAt,
	); err != nil {
		return domain.ExportJob{}, err
	}
	j.Format = domain.ExportFormat(format)
	j.Status = domain.ExportStatus(status)
	return j, nil
}

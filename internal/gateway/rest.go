package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/planningpoker/core/internal/domain"
)

// JobAppender is the subset of bus.JobStream the REST surface needs.
type JobAppender interface {
	AppendJob(ctx context.Context, payload []byte) (uint64, error)
}

// ExportStore is the subset of the AuthorityStore the REST surface needs.
type ExportStore interface {
	CreateExportJob(ctx context.Context, userID string, sessionID domain.SessionId, format domain.ExportFormat) (domain.ExportJob, error)
	GetExportJob(ctx context.Context, id domain.JobId) (domain.ExportJob, error)
	MarkFailed(ctx context.Context, id domain.JobId, errMsg string, failedAt time.Time) (domain.ExportJob, error)
}

// RESTHandlers holds the dependencies for /reports/export and /jobs/{jobId}.
// Identity is resolved upstream by auth middleware, which stashes the
// caller's userId into the gin context (see requestUserID).
type RESTHandlers struct {
	store ExportStore
	jobs  JobAppender
}

// NewRESTHandlers constructs the REST handler set.
func NewRESTHandlers(store ExportStore, jobs JobAppender) *RESTHandlers {
	return &RESTHandlers{store: store, jobs: jobs}
}

type exportRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Format    string `json:"format" binding:"required"`
}

type exportJobRef struct {
	JobID domain.JobId `json:"jobId"`
}

// CreateExport implements POST /reports/export (§6.2): pre-insert the job
// row, append it to the durable stream, and return 202 immediately. A
// failed append marks the pre-inserted row failed and returns 500 (§4.1
// failure semantics).
func (h *RESTHandlers) CreateExport(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	format := domain.ExportFormat(req.Format)
	if format != domain.ExportCSV && format != domain.ExportPDF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be csv or pdf"})
		return
	}

	tier := requestTier(c)
	if !domain.MayExport(tier) {
		c.JSON(http.StatusForbidden, gin.H{"error": "export not available on your plan"})
		return
	}
	if format == domain.ExportPDF && !domain.MayRequestDetailedReport(tier) {
		c.JSON(http.StatusForbidden, gin.H{"error": "detailed pdf report not available on your plan"})
		return
	}

	userID := requestUserID(c)
	job, err := h.store.CreateExportJob(c.Request.Context(), userID, domain.SessionId(req.SessionID), format)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create export job"})
		return
	}

	payload, err := json.Marshal(exportJobRef{JobID: job.ID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to serialize job reference"})
		return
	}
	if _, err := h.jobs.AppendJob(c.Request.Context(), payload); err != nil {
		_, _ = h.store.MarkFailed(c.Request.Context(), job.ID, "failed to enqueue export job", time.Now().UTC())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue export job"})
		return
	}

	c.JSON(http.StatusAccepted, exportJobRef{JobID: job.ID})
}

type jobStatusResponse struct {
	JobID        domain.JobId `json:"jobId"`
	Status       string       `json:"status"`
	DownloadURL  *string      `json:"downloadUrl,omitempty"`
	ErrorMessage *string      `json:"errorMessage,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}

// GetJob implements GET /jobs/{jobId} (§6.2): 403 if the caller doesn't own
// the job, 404 if it doesn't exist.
func (h *RESTHandlers) GetJob(c *gin.Context) {
	jobID := domain.JobId(c.Param("jobId"))
	job, err := h.store.GetExportJob(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	if job.UserID != requestUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the job owner"})
		return
	}

	c.JSON(http.StatusOK, jobStatusResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		DownloadURL:  job.DownloadURL,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	})
}

// requestUserID reads the identity stashed by the auth middleware into the
// gin context under "userId".
func requestUserID(c *gin.Context) string {
	if v, ok := c.Get("userId"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// requestTier reads the caller's subscription tier stashed by the auth
// middleware into the gin context under "tier".
func requestTier(c *gin.Context) string {
	if v, ok := c.Get("tier"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

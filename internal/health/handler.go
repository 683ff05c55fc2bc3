package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/logging"
)

// Pinger is satisfied by any dependency whose connectivity can be checked
// with a single round-trip. bus.RoomBus, the pgx pool, and the NATS
// connection all implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	eventBus Pinger
	store    Pinger
	jobs     Pinger
}

// NewHandler creates a health handler. Any of the dependencies may be nil, in
// which case that check is skipped and reported healthy (single-instance /
// degraded-mode deployments).
func NewHandler(eventBus, store, jobs Pinger) *Handler {
	return &Handler{eventBus: eventBus, store: store, jobs: jobs}
}

type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness returns 200 if the process is alive, with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness returns 200 only if AuthorityStore and EventBus connectivity are
// healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	record := func(name string, p Pinger) {
		status := h.ping(ctx, name, p)
		checks[name] = status
		if status != "healthy" {
			allHealthy = false
		}
	}

	record("authority_store", h.store)
	record("event_bus", h.eventBus)
	record("job_stream", h.jobs)

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ping(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return "healthy"
	}
	if err := p.Ping(ctx); err != nil {
		logging.Error(ctx, "dependency health check failed", zap.String("dependency", name), zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// MarshalJSON implements custom JSON marshaling for consistent field ordering.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{Alias: (*Alias)(&r)})
}

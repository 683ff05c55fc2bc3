package gateway

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/auth"
	"github.com/planningpoker/core/internal/domain"
	"github.com/planningpoker/core/internal/logging"
	"github.com/planningpoker/core/internal/ratelimit"
	"github.com/planningpoker/core/internal/room"
)

var roomIDPattern = regexp.MustCompile(`^[a-z0-9]{6}$`)

// Gateway is the ConnectionGateway: it owns the WebSocket upgrade endpoint
// and delegates room-local state to the RoomRegistry (§4.5).
type Gateway struct {
	validator      auth.Validator
	registry       *room.Registry
	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// New constructs a Gateway. allowedOrigins governs the WebSocket upgrade's
// origin check; an empty list allows any origin (non-browser clients, tests).
func New(validator auth.Validator, registry *room.Registry, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string) *Gateway {
	g := &Gateway{
		validator:      validator,
		registry:       registry,
		rateLimiter:    rateLimiter,
		allowedOrigins: allowedOrigins,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.allowedOrigins {
		allowedURL, err := url.Parse(strings.TrimSpace(allowed))
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// ServeWS upgrades the connection per §4.5 connection lifecycle steps 1-2:
// validate the RoomId shape, authenticate the bearer token, rate-limit by IP
// then by user, then upgrade and hand off to a Connection.
func (g *Gateway) ServeWS(c *gin.Context) {
	roomIDParam := c.Param("roomId")
	if !roomIDPattern.MatchString(roomIDParam) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid roomId"})
		return
	}

	if g.rateLimiter != nil && !g.rateLimiter.CheckWebSocketConnectIP(c.Request.Context(), c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}

	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	identity, err := g.validator.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if g.rateLimiter != nil && identity.UserID != "" {
		if err := g.rateLimiter.CheckWebSocketUser(c.Request.Context(), identity.UserID); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	roomID := domain.RoomId(roomIDParam)
	hub := g.registry.GetOrCreate(roomID)
	gwConn := NewConnection(conn, identity, roomID, hub, g.registry)

	// Run blocks for the connection's lifetime; the gin handler goroutine is
	// dedicated to this socket until it closes (standard gorilla/websocket
	// usage — one goroutine pair per connection, matching the teacher's
	// readPump/writePump split).
	gwConn.Run(context.Background())
}

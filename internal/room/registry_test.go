package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planningpoker/core/internal/bus"
	"github.com/planningpoker/core/internal/domain"
	"github.com/planningpoker/core/internal/voting"
)

type fakeConn struct {
	id         domain.ParticipantId
	role       domain.ParticipantRole
	mu         sync.Mutex
	delivered  []Event
	closed     bool
	closeReason string
}

func (c *fakeConn) ParticipantID() domain.ParticipantId { return c.id }
func (c *fakeConn) Role() domain.ParticipantRole        { return c.role }
func (c *fakeConn) Deliver(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.delivered = append(c.delivered, ev)
	return true
}
func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeReason = reason
}

type fakeRoomStore struct {
	room domain.Room
}

func (s *fakeRoomStore) GetRoom(ctx context.Context, id domain.RoomId) (domain.Room, error) {
	return s.room, nil
}
func (s *fakeRoomStore) UpsertParticipant(ctx context.Context, roomID domain.RoomId, userID, anonymousID *string, displayName string, role domain.ParticipantRole) (domain.Participant, error) {
	return domain.Participant{ID: "p1", RoomID: roomID, DisplayName: displayName, Role: role}, nil
}
func (s *fakeRoomStore) MarkDisconnected(ctx context.Context, id domain.ParticipantId) error {
	return nil
}
func (s *fakeRoomStore) GetActiveRound(ctx context.Context, roomID domain.RoomId) (domain.Round, error) {
	return domain.Round{}, domain.NewNotFoundError("no active round", nil)
}

type fakeBus struct{}

func (fakeBus) Publish(ctx context.Context, roomID, eventType string, payload any, senderID string) error {
	return nil
}
func (fakeBus) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.RoomEvent)) {
}

func TestRegistry_GetOrCreateReturnsSameHub(t *testing.T) {
	reg := NewRegistry(&fakeRoomStore{}, fakeBus{}, voting.New(nil, nil), 50*time.Millisecond)

	h1 := reg.GetOrCreate("flow01")
	h2 := reg.GetOrCreate("flow01")
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_ReleaseTearsDownAfterGracePeriod(t *testing.T) {
	reg := NewRegistry(&fakeRoomStore{}, fakeBus{}, voting.New(nil, nil), 30*time.Millisecond)
	reg.GetOrCreate("flow01")

	reg.Release("flow01")
	assert.Equal(t, 1, reg.Len())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_ReconnectCancelsTeardown(t *testing.T) {
	reg := NewRegistry(&fakeRoomStore{}, fakeBus{}, voting.New(nil, nil), 30*time.Millisecond)
	h1 := reg.GetOrCreate("flow01")
	reg.Release("flow01")

	h2 := reg.GetOrCreate("flow01")
	assert.Same(t, h1, h2)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, reg.Len())
}

func TestHub_AttachAndHandleJoin(t *testing.T) {
	store := &fakeRoomStore{room: domain.Room{ID: "flow01"}}
	h := newHub("flow01", store, fakeBus{}, voting.New(nil, nil))

	conn := &fakeConn{id: "p1", role: domain.RoleVoter}
	participant, err := h.HandleJoin(context.Background(), conn, nil, strPtr("anon-1"), "", "Ada", false)
	require.NoError(t, err)
	assert.Equal(t, "Ada", participant.DisplayName)
	assert.False(t, h.IsEmpty())
}

func TestHub_RejectsNonHostRoundStart(t *testing.T) {
	store := &fakeRoomStore{room: domain.Room{ID: "flow01"}}
	h := newHub("flow01", store, fakeBus{}, voting.New(nil, nil))

	_, err := h.StartRound(context.Background(), domain.RoleVoter, "Checkout redesign", "p1")
	require.Error(t, err)
	var we domain.WireError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, domain.CodeForbidden, we.Code())
}

func strPtr(s string) *string { return &s }

package room

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/planningpoker/core/internal/domain"
	"github.com/planningpoker/core/internal/logging"
	"github.com/planningpoker/core/internal/metrics"
	"github.com/planningpoker/core/internal/voting"
)

// Registry maps RoomId to Hub, strictly per-process (§4.3). Lookup-or-create
// is atomic; a Hub is released after a grace period once its last connection
// detaches, mirroring the AfterFunc cleanup-timer pattern used for the
// video-conferencing hub this core was adapted from.
type Registry struct {
	store Store
	bus   RoomBus
	voting *voting.Service

	gracePeriod time.Duration

	mu       sync.Mutex
	hubs     map[domain.RoomId]*Hub
	pending  map[domain.RoomId]*time.Timer
}

// NewRegistry constructs a Registry. gracePeriod is the linger window between
// a Hub's last connection detaching and its teardown.
func NewRegistry(store Store, roomBus RoomBus, votingSvc *voting.Service, gracePeriod time.Duration) *Registry {
	return &Registry{
		store:       store,
		bus:         roomBus,
		voting:      votingSvc,
		gracePeriod: gracePeriod,
		hubs:        make(map[domain.RoomId]*Hub),
		pending:     make(map[domain.RoomId]*time.Timer),
	}
}

// GetOrCreate returns the Hub for id, creating it if absent. If a teardown
// timer is pending for id (its last connection just detached), the timer is
// cancelled — a reconnect within the grace period reuses the existing Hub.
func (r *Registry) GetOrCreate(id domain.RoomId) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.pending[id]; ok {
		timer.Stop()
		delete(r.pending, id)
	}

	if h, ok := r.hubs[id]; ok {
		return h
	}

	h := newHub(id, r.store, r.bus, r.voting)
	r.hubs[id] = h
	metrics.ActiveRooms.Inc()
	return h
}

// Release is called by the gateway after a connection detaches from a Hub.
// If the Hub is now empty, a grace-period timer is armed; when it fires
// without having been cancelled by a reconnect, the Hub is removed.
func (r *Registry) Release(id domain.RoomId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hubs[id]
	if !ok || !h.IsEmpty() {
		return
	}
	if _, pending := r.pending[id]; pending {
		return
	}

	r.pending[id] = time.AfterFunc(r.gracePeriod, func() {
		r.teardown(id)
	})
}

func (r *Registry) teardown(id domain.RoomId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, id)
	h, ok := r.hubs[id]
	if !ok || !h.IsEmpty() {
		// A connection re-attached between the timer firing and this lock;
		// leave the hub in place.
		return
	}
	delete(r.hubs, id)
	metrics.ActiveRooms.Dec()
	logging.Info(nil, "room hub released after grace period", zap.String("room_id", string(id)))
}

// Len reports the number of currently live Hubs, used by diagnostics and
// tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

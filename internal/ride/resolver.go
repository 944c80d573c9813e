package ride

import (
	"log/slog"
	"sync"

	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/relay"
)

// Resolver binds inbound events to the active ride. An event whose ride
// tag differs from the active identifier is dropped, not erred: stale and
// replayed events from previous rides are normal on this network and this
// check is the primary defense against them. It runs on every inbound
// path with no exception for any kind, cancellation included.
type Resolver struct {
	mu     sync.RWMutex
	active models.RideID
	logger *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Activate pins the resolver to a new ride.
func (r *Resolver) Activate(id models.RideID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = id
}

// Deactivate clears the active ride; every ride-scoped event is foreign
// until the next Activate.
func (r *Resolver) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = ""
}

// Active returns the currently bound ride identifier.
func (r *Resolver) Active() models.RideID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Resolve accepts the event's ride identifier or rejects it as foreign.
func (r *Resolver) Resolve(e relay.Event) (models.RideID, bool) {
	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()

	tagged := models.RideID(e.RideTag())
	if active.Zero() || tagged != active {
		r.logger.Debug("foreign ride event dropped",
			"active", active, "tagged", tagged, "kind", e.Kind, "event", e.ID)
		return "", false
	}
	return active, true
}

package ride

import (
	"log/slog"
	"sync"

	"github.com/example/ride-escrow/internal/escrow"
	"github.com/example/ride-escrow/internal/history"
	"github.com/example/ride-escrow/internal/models"
)

// Dedup is the already-processed event-id set, scoped to one ride at a
// time. It exists for the offer/accept/confirm channel; history logs are
// deduplicated by the read cursor instead.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]struct{})}
}

// Seen marks the id and reports whether it had been seen before.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	return false
}

func (d *Dedup) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
}

// Janitor clears every piece of per-ride state at ride boundaries. A
// missed OnRideStart is the worst bug this design admits: a surviving
// cursor or dedup set replays the previous ride's actions into the new
// one. OnRideStart is therefore a mandatory hook on the two ride-entry
// transitions (Accept on the driver side, Confirm on the rider side),
// not an optional cleanup.
type Janitor struct {
	Cursors *history.Consumer
	Escrow  *escrow.Protocol
	Dedup   *Dedup

	// ClearLog begins a fresh authored history log for the ride.
	ClearLog func(models.RideID)
	// ReopenSubs closes ride-scoped subscriptions and opens new ones
	// bound to the given ride identifier.
	ReopenSubs func(models.RideID)
	// CloseSubs tears down ride-scoped subscriptions without replacement.
	CloseSubs func()

	Logger *slog.Logger
}

// OnRideStart resets both read cursors, the authored log, the dedup set,
// and rebinds ride-scoped subscriptions to the new identifier.
func (j *Janitor) OnRideStart(id models.RideID) {
	if j.Cursors != nil {
		j.Cursors.Reset(id)
	}
	if j.Dedup != nil {
		j.Dedup.Clear()
	}
	if j.ClearLog != nil {
		j.ClearLog(id)
	}
	if j.ReopenSubs != nil {
		j.ReopenSubs(id)
	}
	if j.Logger != nil {
		j.Logger.Info("ride state initialized", "ride", id)
	}
}

// OnRideEnd performs the same clears and additionally releases the escrow
// working state (pending preimage, pending PIN).
func (j *Janitor) OnRideEnd(id models.RideID) {
	if j.Cursors != nil {
		j.Cursors.Reset(id)
	}
	if j.Dedup != nil {
		j.Dedup.Clear()
	}
	if j.ClearLog != nil {
		j.ClearLog(id)
	}
	if j.CloseSubs != nil {
		j.CloseSubs()
	}
	if j.Escrow != nil {
		j.Escrow.Reset()
	}
	if j.Logger != nil {
		j.Logger.Info("ride state cleared", "ride", id)
	}
}

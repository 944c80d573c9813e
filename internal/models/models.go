package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideID binds every event of one ride together. It is the id of the
// rider's offer event, adopted by both parties at acceptance, and never
// changes afterwards.
type RideID string

func (id RideID) Zero() bool { return id == "" }

// Role identifies which side of the ride a party plays. It is fixed for
// the life of a ride and decides which transitions a party may trigger.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleRider {
		return RoleDriver
	}
	return RoleRider
}

// State is the unified logical ride state. Each party derives its own
// local view from the two history logs; views may transiently diverge
// until the counterpart's next suffix lands.
type State string

const (
	StateCreated    State = "created"
	StateAccepted   State = "accepted"
	StateConfirmed  State = "confirmed"
	StateEnRoute    State = "en_route"
	StateArrived    State = "arrived"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Offer is the rider's opening event: fare, an approximate destination
// (geohash-truncated, never the exact dropoff) and the payment hash the
// escrow lock will be bound to. The preimage itself never rides along.
type Offer struct {
	RiderKey    string `json:"rider_key"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Pickup      Coord  `json:"pickup"`
	DestGeohash string `json:"dest_geohash"`
	PaymentHash string `json:"payment_hash"`
}

// RideRecord is the durable per-ride snapshot persisted across restarts
// so already-settled actions are never replayed. It carries everything a
// restarted process needs to resume the ride: cursors, lock, peer
// material, the held secret and the authored log.
type RideRecord struct {
	ID            RideID
	Role          Role
	State         State
	RiderApplied  int
	DriverApplied int
	PinVerified   bool
	LockRef       string
	LockHash      string
	LockExpiry    time.Time
	Dropoff       Coord
	PeerAuthor    string
	PeerBoxKey    string
	Pin           string
	Preimage      string // held secret: generated (payer) or learned (claimant)
	AuthoredLog   string // JSON HistoryLog so republishing resumes at full length
	UpdatedAt     time.Time
}

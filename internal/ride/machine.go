// Package ride holds the per-party ride lifecycle: the state machine and
// its transition table, the identity resolver that pins inbound events to
// the active ride, the janitor that clears state at ride boundaries, and
// the session gluing them to the relay and the escrow protocol.
package ride

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-escrow/internal/models"
)

// Event names a lifecycle transition trigger.
type Event string

const (
	EventAccept     Event = "accept"
	EventConfirm    Event = "confirm"
	EventStartRoute Event = "start_route"
	EventArrive     Event = "arrive"
	EventVerifyPin  Event = "verify_pin"
	EventStartRide  Event = "start_ride"
	EventComplete   Event = "complete"
	EventCancel     Event = "cancel"
)

// OutcomeCode classifies the result of applying an event.
type OutcomeCode int

const (
	// Applied: guard passed, action ran, state updated.
	Applied OutcomeCode = iota
	// GuardFailed: the event was applicable in this state but a
	// precondition was unmet. Caller may retry with corrected input.
	GuardFailed
	// InvalidTransition: the event has no transition from the current state.
	InvalidTransition
)

// Outcome is the value result of Apply; rejections are data, not panics.
type Outcome struct {
	Code  OutcomeCode
	Guard string
	From  models.State
	To    models.State
	Event Event
}

func (o Outcome) String() string {
	switch o.Code {
	case Applied:
		return fmt.Sprintf("applied %s: %s -> %s", o.Event, o.From, o.To)
	case GuardFailed:
		return fmt.Sprintf("guard %s failed for %s in %s", o.Guard, o.Event, o.From)
	default:
		return fmt.Sprintf("invalid transition %s from %s", o.Event, o.From)
	}
}

// Snapshot is the pure view guards evaluate over. No guard may consult
// anything outside it.
type Snapshot struct {
	Ride         models.RideID
	LocalRole    models.Role
	Actor        models.Role
	State        models.State
	PinSubmitted bool
	PinVerified  bool
	EscrowLocked bool
	AtDropoff    bool
}

// Actions carries the side effects transitions perform. The machine is
// the only caller; actions run exactly between a passing guard and the
// state update, and an action error aborts the whole transition.
type Actions interface {
	AssignDriver(ctx context.Context, s Snapshot) error
	LockEscrow(ctx context.Context, s Snapshot) error
	MarkPinVerified(ctx context.Context, s Snapshot) error
	ReleasePreimage(ctx context.Context, s Snapshot) error
	StartRideAfterPin(ctx context.Context, s Snapshot) error
	SettlePayment(ctx context.Context, s Snapshot) error
	RefundOrVoidEscrow(ctx context.Context, s Snapshot) error
}

type guard struct {
	name string
	ok   func(Snapshot) bool
}

var (
	guardActorIsDriver = guard{"actorIsDriver", func(s Snapshot) bool { return s.Actor == models.RoleDriver }}
	guardActorIsRider  = guard{"actorIsRider", func(s Snapshot) bool { return s.Actor == models.RoleRider }}
	guardPinSubmitted  = guard{"pinSubmitted", func(s Snapshot) bool { return s.PinSubmitted }}
	guardPinVerified   = guard{"pinVerified", func(s Snapshot) bool { return s.PinVerified }}
	guardAtDropoff     = guard{"geofenceAtDropoff", func(s Snapshot) bool { return s.AtDropoff }}
)

type actionFunc func(Actions, context.Context, Snapshot) error

type transition struct {
	from    models.State
	to      models.State
	guards  []guard
	actions []actionFunc
}

// table maps each event to its transitions. Cancel is handled separately:
// it is accepted guard-free from every non-terminal state so a party can
// always exit.
var table = map[Event][]transition{
	EventAccept: {{
		from:    models.StateCreated,
		to:      models.StateAccepted,
		guards:  []guard{guardActorIsDriver},
		actions: []actionFunc{Actions.AssignDriver},
	}},
	EventConfirm: {{
		from:    models.StateAccepted,
		to:      models.StateConfirmed,
		guards:  []guard{guardActorIsRider},
		actions: []actionFunc{Actions.LockEscrow},
	}},
	EventStartRoute: {{
		from:   models.StateConfirmed,
		to:     models.StateEnRoute,
		guards: []guard{guardActorIsDriver},
	}},
	EventArrive: {{
		from:   models.StateEnRoute,
		to:     models.StateArrived,
		guards: []guard{guardActorIsDriver},
	}},
	EventVerifyPin: {{
		from:    models.StateArrived,
		to:      models.StateArrived,
		guards:  []guard{guardActorIsRider, guardPinSubmitted},
		actions: []actionFunc{Actions.MarkPinVerified, Actions.ReleasePreimage},
	}},
	EventStartRide: {{
		from:    models.StateArrived,
		to:      models.StateInProgress,
		guards:  []guard{guardPinVerified},
		actions: []actionFunc{Actions.StartRideAfterPin},
	}},
	EventComplete: {{
		from:    models.StateInProgress,
		to:      models.StateCompleted,
		guards:  []guard{guardActorIsDriver, guardAtDropoff},
		actions: []actionFunc{Actions.SettlePayment},
	}},
}

// Machine is one party's local read view of the unified ride state. The
// two parties' machines converge through the history logs; there is no
// consensus step. All applications for one ride serialize on the machine.
type Machine struct {
	mu           sync.Mutex
	ride         models.RideID
	role         models.Role
	state        models.State
	pinSubmitted bool
	pinVerified  bool
	escrowLocked bool
	actions      Actions
	atDropoff    func() bool
	logger       *slog.Logger
}

func NewMachine(ride models.RideID, role models.Role, actions Actions, atDropoff func() bool, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if atDropoff == nil {
		atDropoff = func() bool { return false }
	}
	return &Machine{
		ride:      ride,
		role:      role,
		state:     models.StateCreated,
		actions:   actions,
		atDropoff: atDropoff,
		logger:    logger,
	}
}

// Restore rebuilds a machine from a persisted record.
func Restore(rec models.RideRecord, actions Actions, atDropoff func() bool, logger *slog.Logger) *Machine {
	m := NewMachine(rec.ID, rec.Role, actions, atDropoff, logger)
	m.state = rec.State
	m.pinVerified = rec.PinVerified
	m.escrowLocked = rec.LockRef != ""
	return m
}

func (m *Machine) Ride() models.RideID { return m.ride }
func (m *Machine) Role() models.Role   { return m.role }

func (m *Machine) State() models.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) PinVerified() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinVerified
}

func (m *Machine) EscrowLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escrowLocked
}

// NotePinSubmitted records that the driver's pin_submit entry arrived.
func (m *Machine) NotePinSubmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinSubmitted = true
}

func (m *Machine) snapshot(actor models.Role) Snapshot {
	return Snapshot{
		Ride:         m.ride,
		LocalRole:    m.role,
		Actor:        actor,
		State:        m.state,
		PinSubmitted: m.pinSubmitted,
		PinVerified:  m.pinVerified,
		EscrowLocked: m.escrowLocked,
		AtDropoff:    m.atDropoff(),
	}
}

// Apply runs one event through the transition table. The sequence
// (guard pass, actions, state update) is atomic: an action error leaves
// the state and every latch exactly as they were.
func (m *Machine) Apply(ctx context.Context, actor models.Role, ev Event) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev == EventCancel {
		return m.applyCancel(ctx, actor)
	}

	trs, ok := table[ev]
	if !ok {
		return Outcome{Code: InvalidTransition, From: m.state, Event: ev}, nil
	}

	var tr *transition
	for i := range trs {
		if trs[i].from == m.state {
			tr = &trs[i]
			break
		}
	}
	if tr == nil {
		return Outcome{Code: InvalidTransition, From: m.state, Event: ev}, nil
	}

	snap := m.snapshot(actor)
	for _, g := range tr.guards {
		if !g.ok(snap) {
			m.logger.Debug("guard failed",
				"ride", m.ride, "event", ev, "guard", g.name, "state", m.state, "actor", actor)
			return Outcome{Code: GuardFailed, Guard: g.name, From: m.state, Event: ev}, nil
		}
	}

	for _, act := range tr.actions {
		if err := act(m.actions, ctx, snap); err != nil {
			return Outcome{Code: GuardFailed, Guard: "action", From: m.state, Event: ev},
				fmt.Errorf("%s action: %w", ev, err)
		}
	}

	from := m.state
	m.state = tr.to
	switch ev {
	case EventConfirm:
		m.escrowLocked = true
	case EventVerifyPin:
		m.pinVerified = true
	}
	m.logger.Info("transition applied",
		"ride", m.ride, "event", ev, "from", from, "to", m.state, "actor", actor)
	return Outcome{Code: Applied, From: from, To: m.state, Event: ev}, nil
}

// applyCancel handles the guard-free exit available from every
// non-terminal state. Teardown of timers and subscriptions happens inside
// RefundOrVoidEscrow's caller, synchronously with this transition.
func (m *Machine) applyCancel(ctx context.Context, actor models.Role) (Outcome, error) {
	if m.state.Terminal() {
		return Outcome{Code: InvalidTransition, From: m.state, Event: EventCancel}, nil
	}
	snap := m.snapshot(actor)
	if err := m.actions.RefundOrVoidEscrow(ctx, snap); err != nil {
		return Outcome{Code: GuardFailed, Guard: "action", From: m.state, Event: EventCancel},
			fmt.Errorf("cancel action: %w", err)
	}
	from := m.state
	m.state = models.StateCancelled
	m.logger.Info("transition applied",
		"ride", m.ride, "event", EventCancel, "from", from, "to", m.state, "actor", actor)
	return Outcome{Code: Applied, From: from, To: m.state, Event: EventCancel}, nil
}

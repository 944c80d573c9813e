package models

import (
	"encoding/json"
	"fmt"
)

// ActionKind discriminates the closed set of history entry payloads.
type ActionKind string

const (
	ActionStatus         ActionKind = "status"
	ActionLocationUpdate ActionKind = "location_update"
	ActionPinSubmit      ActionKind = "pin_submit"
	ActionPinVerify      ActionKind = "pin_verify"
	ActionPreimageShare  ActionKind = "preimage_share"
	ActionSettlement     ActionKind = "settlement"
)

// Action is the decoded payload of a history entry. One concrete type per
// kind; consumers switch exhaustively so a new kind is a compile-time change.
type Action interface {
	Kind() ActionKind
}

// StatusAction announces a lifecycle transition taken by the author.
type StatusAction struct {
	Status     State   `json:"status"`
	ETASeconds float64 `json:"eta_seconds,omitempty"`
}

func (StatusAction) Kind() ActionKind { return ActionStatus }

// LocationAction reports the author's current position.
type LocationAction struct {
	Loc Coord `json:"loc"`
}

func (LocationAction) Kind() ActionKind { return ActionLocationUpdate }

// PinSubmitAction is authored by the driver at pickup with the PIN shown
// on their device. Its content only proves physical co-presence.
type PinSubmitAction struct {
	Pin string `json:"pin"`
}

func (PinSubmitAction) Kind() ActionKind { return ActionPinSubmit }

// PinVerifyAction is authored by the rider after checking the driver's PIN.
type PinVerifyAction struct {
	Pin string `json:"pin"`
}

func (PinVerifyAction) Kind() ActionKind { return ActionPinVerify }

// PreimageShareAction discloses the escrow preimage. A rider log must
// contain a PinVerifyAction before this ever appears.
type PreimageShareAction struct {
	Preimage string `json:"preimage"`
}

func (PreimageShareAction) Kind() ActionKind { return ActionPreimageShare }

// SettlementAction records the driver's claim outcome after dropoff.
type SettlementAction struct {
	LockRef string `json:"lock_ref"`
	Settled bool   `json:"settled"`
}

func (SettlementAction) Kind() ActionKind { return ActionSettlement }

// HistoryEntry is one timestamped action in a party's log. Position in the
// log is the authoritative order; the timestamp is advisory only.
type HistoryEntry struct {
	Action  Action
	Seconds int64
}

type entryWire struct {
	Kind    ActionKind      `json:"kind"`
	Seconds int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	if e.Action == nil {
		return nil, fmt.Errorf("history entry has no action")
	}
	payload, err := json.Marshal(e.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entryWire{Kind: e.Action.Kind(), Seconds: e.Seconds, Payload: payload})
}

func (e *HistoryEntry) UnmarshalJSON(b []byte) error {
	var w entryWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	action, err := decodeAction(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	e.Action = action
	e.Seconds = w.Seconds
	return nil
}

func decodeAction(kind ActionKind, payload json.RawMessage) (Action, error) {
	var dst Action
	switch kind {
	case ActionStatus:
		dst = &StatusAction{}
	case ActionLocationUpdate:
		dst = &LocationAction{}
	case ActionPinSubmit:
		dst = &PinSubmitAction{}
	case ActionPinVerify:
		dst = &PinVerifyAction{}
	case ActionPreimageShare:
		dst = &PreimageShareAction{}
	case ActionSettlement:
		dst = &SettlementAction{}
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return deref(dst), nil
}

func deref(a Action) Action {
	switch v := a.(type) {
	case *StatusAction:
		return *v
	case *LocationAction:
		return *v
	case *PinSubmitAction:
		return *v
	case *PinVerifyAction:
		return *v
	case *PreimageShareAction:
		return *v
	case *SettlementAction:
		return *v
	}
	return a
}

// HistoryLog is the accumulating per-party log for one ride, republished
// in full on every update. The author owns it exclusively; the counterpart
// only ever reads it.
type HistoryLog struct {
	Ride    RideID         `json:"ride"`
	Author  Role           `json:"author"`
	Entries []HistoryEntry `json:"entries"`
}

// Append returns a copy of the log with the entry added. The log itself is
// treated as an immutable sequence value; only read cursors mutate.
func (l HistoryLog) Append(e HistoryEntry) HistoryLog {
	entries := make([]HistoryEntry, len(l.Entries), len(l.Entries)+1)
	copy(entries, l.Entries)
	return HistoryLog{Ride: l.Ride, Author: l.Author, Entries: append(entries, e)}
}

// HasKind reports whether any entry with the kind exists in the log.
func (l HistoryLog) HasKind(kind ActionKind) bool {
	for _, e := range l.Entries {
		if e.Action != nil && e.Action.Kind() == kind {
			return true
		}
	}
	return false
}

// Package relay defines the event transport contract the coordinator runs
// over: a public, unordered, at-least-once store-and-forward network.
// Subscribers may see duplicates and historical replays on resubscribe;
// nothing above this package may assume ordering or exactly-once delivery.
package relay

import (
	"context"
	"time"
)

// Well-known event kinds.
const (
	KindOffer      = "ride.offer"
	KindAccept     = "ride.accept"
	KindConfirm    = "ride.confirm"
	KindHistory    = "ride.history"
	KindAvailable  = "driver.available"
	KindCancelNote = "ride.cancel"
)

// TagRide is the tag key carrying the ride identifier on ride-scoped events.
const TagRide = "ride"

// Event is a signed, possibly encrypted envelope.
type Event struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Author    string            `json:"author"` // hex public key of the signer
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Content   []byte            `json:"content"`
	Sig       []byte            `json:"sig,omitempty"`
}

// RideTag returns the ride identifier tag, empty if absent.
func (e Event) RideTag() string { return e.Tags[TagRide] }

// Filter selects events on a subscription.
type Filter struct {
	Kinds   []string
	Authors []string
	Tags    map[string]string
	Limit   int // max historical events replayed; 0 means no cap
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Kinds) > 0 && !contains(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, e.Author) {
		return false
	}
	for k, v := range f.Tags {
		if e.Tags[k] != v {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Handler receives matching events. EndOfStored fires once after all
// historical events held by the relay have been delivered.
type Handler struct {
	OnEvent       func(Event)
	OnEndOfStored func()
}

// Relay is the transport surface. Implementations deliver at-least-once,
// unordered, and may redeliver historical events on every resubscribe.
type Relay interface {
	Publish(ctx context.Context, e Event) (string, error)
	Subscribe(ctx context.Context, f Filter, h Handler) (string, error)
	CloseSubscription(id string)
}

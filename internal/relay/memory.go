package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Relay used by tests and single-host setups. It
// faithfully reproduces the awkward parts of the real network: stored
// events replay on every resubscribe and Redeliver duplicates at will.
type Memory struct {
	mu     sync.Mutex
	stored []Event
	subs   map[string]*memorySub
}

type memorySub struct {
	filter Filter
	h      Handler
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]*memorySub)}
}

func (m *Memory) Publish(ctx context.Context, e Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.stored = append(m.stored, e)
	subs := make([]*memorySub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		if s.filter.Matches(e) {
			s.h.OnEvent(e)
		}
	}
	return e.ID, nil
}

func (m *Memory) Subscribe(ctx context.Context, f Filter, h Handler) (string, error) {
	id := uuid.NewString()

	m.mu.Lock()
	replay := make([]Event, 0, len(m.stored))
	for _, e := range m.stored {
		if f.Matches(e) {
			replay = append(replay, e)
			if f.Limit > 0 && len(replay) >= f.Limit {
				break
			}
		}
	}
	m.subs[id] = &memorySub{filter: f, h: h}
	m.mu.Unlock()

	for _, e := range replay {
		h.OnEvent(e)
	}
	if h.OnEndOfStored != nil {
		h.OnEndOfStored()
	}
	return id, nil
}

func (m *Memory) CloseSubscription(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

// Redeliver pushes every stored event matching the filter at all current
// subscribers again. Tests use it to simulate at-least-once duplication.
func (m *Memory) Redeliver(f Filter) {
	m.mu.Lock()
	stored := append([]Event(nil), m.stored...)
	subs := make([]*memorySub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, e := range stored {
		if !f.Matches(e) {
			continue
		}
		for _, s := range subs {
			if s.filter.Matches(e) {
				s.h.OnEvent(e)
			}
		}
	}
}

// OpenSubscriptions reports how many subscriptions are live.
func (m *Memory) OpenSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

package storage

import (
	"sync"

	"github.com/example/ride-escrow/internal/models"
)

// RideStore persists per-ride snapshots so a restart never replays
// already-settled actions. UpdateRide is an upsert; ActiveRide returns
// the most recent non-terminal record for startup recovery.
type RideStore interface {
	UpdateRide(r *models.RideRecord) error
	GetRide(id models.RideID) (*models.RideRecord, bool, error)
	ActiveRide() (*models.RideRecord, bool, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[models.RideID]*models.RideRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[models.RideID]*models.RideRecord)}
}

func (m *MemoryStore) UpdateRide(r *models.RideRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(id models.RideID) (*models.RideRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (m *MemoryStore) ActiveRide() (*models.RideRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.RideRecord
	for _, r := range m.rides {
		if r.State.Terminal() {
			continue
		}
		if latest == nil || r.UpdatedAt.After(latest.UpdatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, false, nil
	}
	cp := *latest
	return &cp, true, nil
}

package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-escrow/internal/models"
)

// Tracker keeps the last-known position per party. Positions come from
// location_update history entries; the geofence check reads them back.
type Tracker interface {
	Upsert(party string, c models.Coord)
	Last(party string) (models.Coord, bool)
}

type position struct {
	c  models.Coord
	at time.Time
}

var timeNow = time.Now

// Index is the in-memory Tracker used when Redis is not configured.
type Index struct {
	mu        sync.RWMutex
	positions map[string]position
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]position)}
}

func (g *Index) Upsert(party string, c models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[party] = position{c: c, at: timeNow()}
}

// Sweep evicts positions not updated within maxAge and reports how many
// were removed. Stale presence must never satisfy the geofence.
func (g *Index) Sweep(maxAge time.Duration) int {
	cutoff := timeNow().Add(-maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, p := range g.positions {
		if p.at.Before(cutoff) {
			delete(g.positions, k)
			n++
		}
	}
	return n
}

func (g *Index) Last(party string) (models.Coord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.positions[party]
	return p.c, ok
}

// WithinRadius is the geofence proof: current position is inside radiusM
// meters of the target. Recomputed on demand, never stored.
func WithinRadius(current, target models.Coord, radiusM float64) bool {
	return Haversine(current.Lat, current.Lon, target.Lat, target.Lon) <= radiusM
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

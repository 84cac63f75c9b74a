package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/alert-dispatch/internal/models"
)

// earthRadiusKm per the Haversine convention used across the service.
const earthRadiusKm = 6371.0

// Point is one indexed responder position with its distance from the query
// center.
type Point struct {
	ID        string
	Coord     models.Coord
	DistanceM float64
}

// Index is the geospatial contract backing responder search: find points
// within radiusM of center, nearest first, at most limit of them.
type Index interface {
	Upsert(ctx context.Context, id string, c models.Coord) error
	Remove(ctx context.Context, id string) error
	Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]Point, error)
}

// MemoryIndex is a naive full-scan Index for tests and single-node runs.
// Production uses RedisIndex.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]models.Coord)}
}

func (m *MemoryIndex) Upsert(_ context.Context, id string, c models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[id] = c
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, id)
	return nil
}

func (m *MemoryIndex) Nearby(_ context.Context, center models.Coord, radiusM float64, limit int) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arr := make([]Point, 0, len(m.points))
	for id, c := range m.points {
		d := DistanceKm(center, c) * 1000
		if d > radiusM {
			continue
		}
		arr = append(arr, Point{ID: id, Coord: c, DistanceM: d})
	}
	// partial selection sort for the nearest limit points
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceM < arr[minIdx].DistanceM {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// DistanceKm is the great-circle distance between two points in kilometers.
// Callers comparing against meter-denominated radii must convert; see
// geofence.
func DistanceKm(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

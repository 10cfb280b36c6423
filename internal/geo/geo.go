package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Filter lets the caller veto candidates by id. The index does not know worker
// availability (the matcher owns it), so the matcher passes its own check in.
type Filter func(workerID string) bool

// Candidate is a worker id paired with its great-circle distance to the query
// point, in meters.
type Candidate struct {
	WorkerID string
	Distance float64
}

// Index is the minimal interface required by the matcher and the pricing
// supply counter.
type Index interface {
	Upsert(workerID string, p models.GeoPoint, capability string)
	Remove(workerID string)
	QueryNearby(p models.GeoPoint, radiusMeters float64, capability string, limit int, keep Filter) []Candidate
	CountNearby(p models.GeoPoint, radiusMeters float64, capability string, keep Filter) int
}

const metersPerDegree = 111320.0 // meridian arc length of one degree

type cellKey struct {
	row, col int32
}

type entry struct {
	id         string
	point      models.GeoPoint
	capability string
	updated    time.Time
	cell       cellKey
}

// GridIndex buckets workers into fixed-size cells so that a radius query only
// scans the cells covering the query circle instead of every worker. Upsert
// and remove are O(1) amortized; position reports arrive every few seconds per
// active worker, so that bound matters more than query cost.
type GridIndex struct {
	mu      sync.RWMutex
	cellDeg float64
	ttl     time.Duration
	cells   map[cellKey]map[string]*entry
	byID    map[string]*entry
	now     func() time.Time
}

// Option tweaks GridIndex construction.
type Option func(*GridIndex)

// WithCellSize sets the cell edge in meters (default 150).
func WithCellSize(meters float64) Option {
	return func(g *GridIndex) { g.cellDeg = meters / metersPerDegree }
}

// WithTTL sets the staleness TTL (default 300s).
func WithTTL(ttl time.Duration) Option {
	return func(g *GridIndex) { g.ttl = ttl }
}

func withClock(now func() time.Time) Option {
	return func(g *GridIndex) { g.now = now }
}

func NewGridIndex(opts ...Option) *GridIndex {
	g := &GridIndex{
		cellDeg: 150.0 / metersPerDegree,
		ttl:     5 * time.Minute,
		cells:   make(map[cellKey]map[string]*entry),
		byID:    make(map[string]*entry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *GridIndex) keyFor(p models.GeoPoint) cellKey {
	return cellKey{
		row: int32(math.Floor(p.Lat / g.cellDeg)),
		col: int32(math.Floor(p.Lon / g.cellDeg)),
	}
}

// Upsert inserts or overwrites a worker position and resets its staleness
// clock. It never fails.
func (g *GridIndex) Upsert(workerID string, p models.GeoPoint, capability string) {
	key := g.keyFor(p)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.byID[workerID]; ok {
		if e.cell != key {
			delete(g.cells[e.cell], workerID)
			if len(g.cells[e.cell]) == 0 {
				delete(g.cells, e.cell)
			}
			e.cell = key
			g.cellFor(key)[workerID] = e
		}
		e.point = p
		e.capability = capability
		e.updated = now
		return
	}
	e := &entry{id: workerID, point: p, capability: capability, updated: now, cell: key}
	g.byID[workerID] = e
	g.cellFor(key)[workerID] = e
}

// Remove is idempotent; removing an absent worker is a no-op.
func (g *GridIndex) Remove(workerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.byID[workerID]
	if !ok {
		return
	}
	delete(g.byID, workerID)
	delete(g.cells[e.cell], workerID)
	if len(g.cells[e.cell]) == 0 {
		delete(g.cells, e.cell)
	}
}

func (g *GridIndex) cellFor(key cellKey) map[string]*entry {
	c, ok := g.cells[key]
	if !ok {
		c = make(map[string]*entry)
		g.cells[key] = c
	}
	return c
}

// QueryNearby returns up to limit workers within radiusMeters of p, distance
// ascending, ties broken most-recently-updated first. Entries past the TTL
// are skipped here; the reaper evicts them later. Fewer than limit results,
// including none, is a valid answer.
func (g *GridIndex) QueryNearby(p models.GeoPoint, radiusMeters float64, capability string, limit int, keep Filter) []Candidate {
	if limit <= 0 || radiusMeters <= 0 {
		return nil
	}
	cands := g.collect(p, radiusMeters, capability, keep)
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].updated.After(cands[j].updated)
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]Candidate, len(cands))
	for i, c := range cands {
		out[i] = Candidate{WorkerID: c.id, Distance: c.dist}
	}
	return out
}

// CountNearby counts fresh workers within radiusMeters; used for pricing
// supply figures.
func (g *GridIndex) CountNearby(p models.GeoPoint, radiusMeters float64, capability string, keep Filter) int {
	return len(g.collect(p, radiusMeters, capability, keep))
}

type scanned struct {
	id      string
	dist    float64
	updated time.Time
}

func (g *GridIndex) collect(p models.GeoPoint, radiusMeters float64, capability string, keep Filter) []scanned {
	now := g.now()
	radiusDeg := radiusMeters / metersPerDegree
	// longitude degrees shrink toward the poles
	lonScale := math.Cos(p.Lat * math.Pi / 180)
	if lonScale < 0.01 {
		lonScale = 0.01
	}
	rowSpan := int32(math.Ceil(radiusDeg / g.cellDeg))
	colSpan := int32(math.Ceil(radiusDeg / lonScale / g.cellDeg))
	center := g.keyFor(p)

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []scanned
	for row := center.row - rowSpan; row <= center.row+rowSpan; row++ {
		for col := center.col - colSpan; col <= center.col+colSpan; col++ {
			cell, ok := g.cells[cellKey{row: row, col: col}]
			if !ok {
				continue
			}
			for _, e := range cell {
				if now.Sub(e.updated) > g.ttl {
					continue
				}
				if capability != "" && e.capability != capability {
					continue
				}
				if keep != nil && !keep(e.id) {
					continue
				}
				d := Haversine(p.Lat, p.Lon, e.point.Lat, e.point.Lon)
				if d > radiusMeters {
					continue
				}
				out = append(out, scanned{id: e.id, dist: d, updated: e.updated})
			}
		}
	}
	return out
}

// StartReaper evicts entries that stayed stale past the TTL, bounding memory.
// Staleness filtering at query time stays lazy; this pass only reclaims
// memory.
func (g *GridIndex) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.reap()
			}
		}
	}()
}

func (g *GridIndex) reap() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.byID {
		if now.Sub(e.updated) <= g.ttl {
			continue
		}
		delete(g.byID, id)
		delete(g.cells[e.cell], id)
		if len(g.cells[e.cell]) == 0 {
			delete(g.cells, e.cell)
		}
	}
}

// Len reports the number of tracked workers, stale ones included.
func (g *GridIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byID)
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

package pricing

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// demandCellDeg buckets demand into ~5.5 km cells, matching the default
// supply radius so the ratio compares like regions.
const demandCellDeg = 0.05

// DemandCounter tracks recent request pressure per region as an exponentially
// decaying count instead of a timestamped event log.
type DemandCounter struct {
	mu     sync.Mutex
	window time.Duration
	cells  map[string]*demandCell
	now    func() time.Time
}

type demandCell struct {
	value float64
	last  time.Time
}

func NewDemandCounter(window time.Duration) *DemandCounter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &DemandCounter{window: window, cells: make(map[string]*demandCell), now: time.Now}
}

// Record notes one unmatched request in the region around p.
func (d *DemandCounter) Record(p models.GeoPoint, capability string) {
	k := demandKey(p, capability)
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cells[k]
	if !ok {
		d.cells[k] = &demandCell{value: 1, last: now}
		return
	}
	c.value = decay(c.value, now.Sub(c.last), d.window) + 1
	c.last = now
}

// Level returns the decayed demand count for the region around p.
func (d *DemandCounter) Level(p models.GeoPoint, capability string) float64 {
	k := demandKey(p, capability)
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cells[k]
	if !ok {
		return 0
	}
	v := decay(c.value, now.Sub(c.last), d.window)
	if v < 0.01 {
		delete(d.cells, k)
		return 0
	}
	c.value = v
	c.last = now
	return v
}

func decay(v float64, elapsed, window time.Duration) float64 {
	if elapsed <= 0 {
		return v
	}
	return v * math.Exp(-elapsed.Seconds()/window.Seconds())
}

func demandKey(p models.GeoPoint, capability string) string {
	return fmt.Sprintf("%s:%d:%d", capability, int(math.Floor(p.Lat/demandCellDeg)), int(math.Floor(p.Lon/demandCellDeg)))
}

package matcher

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Worker holds the matcher-owned half of a worker record: availability and
// the active assignment. The position lives in the geo index; the copy kept
// here is only a hint for wait-queue probes.
type Worker struct {
	ID         string
	Capability string

	mu           sync.Mutex
	availability models.Availability
	assignmentID string
	rating       float64
	lastPoint    models.GeoPoint
}

func (w *Worker) Availability() models.Availability {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.availability
}

func (w *Worker) Rating() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rating
}

func (w *Worker) LastPoint() models.GeoPoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPoint
}

func (w *Worker) AssignmentID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.assignmentID
}

// CompareAndSet transitions availability only if it still equals from. This is
// the single read-modify-write that keeps two requests from claiming the same
// worker; everything else tolerates stale reads.
func (w *Worker) CompareAndSet(from, to models.Availability, assignmentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.availability != from {
		return false
	}
	w.availability = to
	w.assignmentID = assignmentID
	return true
}

func (w *Worker) observe(p models.GeoPoint, rating float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPoint = p
	if rating > 0 {
		w.rating = rating
	}
}

// Registry is the arena of worker records, keyed by id. Contention stays
// per-record; the registry lock only guards the map.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Ensure returns the record for id, creating it Idle on first sight. The
// second return value reports whether the record was created.
func (r *Registry) Ensure(id, capability string) (*Worker, bool) {
	r.mu.RLock()
	w, ok := r.workers[id]
	r.mu.RUnlock()
	if ok {
		return w, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		return w, false
	}
	w = &Worker{ID: id, Capability: capability, availability: models.AvailIdle}
	r.workers[id] = w
	observability.WorkersOnline.Set(float64(len(r.workers)))
	return w, true
}

func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// IsIdle is used as the geo index candidate filter.
func (r *Registry) IsIdle(id string) bool {
	w, ok := r.Get(id)
	return ok && w.Availability() == models.AvailIdle
}

// EvictOffline destroys records of Offline workers whose last report predates
// cutoff. Idle, Offered and Busy workers are never evicted; an evicted worker
// that reports again starts over as a fresh record.
func (r *Registry) EvictOffline(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, w := range r.workers {
		w.mu.Lock()
		stale := w.availability == models.AvailOffline && w.lastPoint.CapturedAt.Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(r.workers, id)
			n++
		}
	}
	observability.WorkersOnline.Set(float64(len(r.workers)))
	return n
}

package storage

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Store defines audit persistence for requests and their offer attempts.
// Declined and timed-out assignments stay on record.
type Store interface {
	SaveRequest(r *models.RideRequest) error
	UpdateRequest(r *models.RideRequest) error
	SaveAssignment(a *models.Assignment) error
	UpdateAssignment(a *models.Assignment) error
}

type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]models.RideRequest
	assignments map[string]models.Assignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]models.RideRequest),
		assignments: make(map[string]models.Assignment),
	}
}

func (m *MemoryStore) SaveRequest(r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRequest(r *models.RideRequest) error {
	return m.SaveRequest(r)
}

func (m *MemoryStore) SaveAssignment(a *models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.ID] = *a
	return nil
}

func (m *MemoryStore) UpdateAssignment(a *models.Assignment) error {
	return m.SaveAssignment(a)
}

func (m *MemoryStore) GetRequest(id string) (models.RideRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	return r, ok
}

func (m *MemoryStore) GetAssignment(id string) (models.Assignment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	return a, ok
}

// AssignmentsForWorker returns the worker's assignments, any state.
func (m *MemoryStore) AssignmentsForWorker(workerID string) []models.Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Assignment
	for _, a := range m.assignments {
		if a.WorkerID == workerID {
			out = append(out, a)
		}
	}
	return out
}

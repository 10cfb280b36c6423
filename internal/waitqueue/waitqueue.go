package waitqueue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Matcher is the engine surface the queue drives. Defined here so the queue
// depends on behavior, not on the matcher package.
type Matcher interface {
	MatchRequest(ctx context.Context, requestID string) error
	Expire(requestID string) bool
}

// RiderNotifier carries the waiting/expiry notices to the rider channel.
type RiderNotifier interface {
	OnWaiting(requestID string, estimatedWait time.Duration)
	OnExpired(requestID string)
}

type Config struct {
	MaxWait       time.Duration // TTL before a waiting request expires
	SweepInterval time.Duration
	RetryAfter    time.Duration // sweep re-attempts entries older than this
	ProbeRadius   float64       // meters, region overlap for availability probes
	ProbeLimit    int           // top-N entries re-attempted per probe
	AgeWeight     float64       // priority points per second waited
	TierWeight    float64       // priority points per rider tier level
}

func DefaultConfig() Config {
	return Config{
		MaxWait:       120 * time.Second,
		SweepInterval: 5 * time.Second,
		RetryAfter:    2 * time.Second,
		ProbeRadius:   15000,
		ProbeLimit:    3,
		AgeWeight:     1,
		TierWeight:    30,
	}
}

// entry ordering: age and tier both add priority, and since age grows at the
// same rate for everyone the ordering is fixed at enqueue time.
type entry struct {
	req        *models.RideRequest
	enqueuedAt time.Time
	priority   float64
	index      int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].enqueuedAt.Before(h[j].enqueuedAt)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue holds unmatched requests and re-attempts them on worker availability
// events and on a periodic sweep, expiring entries past the TTL.
type Queue struct {
	matcher Matcher
	rider   RiderNotifier
	logger  *slog.Logger
	cfg     Config

	mu      sync.Mutex
	byID    map[string]*entry
	heap    entryHeap
	now     func() time.Time
}

func New(m Matcher, rider RiderNotifier, logger *slog.Logger, cfg Config) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		matcher: m,
		rider:   rider,
		logger:  logger,
		cfg:     cfg,
		byID:    make(map[string]*entry),
		now:     time.Now,
	}
}

// Enqueue adds a request to the queue. Re-enqueueing a request already
// present keeps its original entry, so the expiry clock runs from the first
// enqueue.
func (q *Queue) Enqueue(req *models.RideRequest) {
	q.mu.Lock()
	if _, ok := q.byID[req.ID]; ok {
		q.mu.Unlock()
		return
	}
	now := q.now()
	e := &entry{
		req:        req,
		enqueuedAt: now,
		// age contribution is relative, so encoding the enqueue instant
		// negatively yields the same ordering as recomputing age each time
		priority: float64(req.Tier)*q.cfg.TierWeight - q.cfg.AgeWeight*float64(now.UnixMilli())/1000.0,
	}
	heap.Push(&q.heap, e)
	q.byID[req.ID] = e
	depth := len(q.byID)
	q.mu.Unlock()

	observability.WaitQueueDepth.Set(float64(depth))
	if q.rider != nil {
		q.rider.OnWaiting(req.ID, q.cfg.MaxWait)
	}
	q.logger.Info("request waiting", "request_id", req.ID, "queue_depth", depth)
}

// Remove drops an entry, reporting whether it was present. Safe to call for
// requests that were never enqueued.
func (q *Queue) Remove(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(requestID)
}

func (q *Queue) removeLocked(requestID string) bool {
	e, ok := q.byID[requestID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, requestID)
	observability.WaitQueueDepth.Set(float64(len(q.byID)))
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Entries returns a snapshot of the waiting entries, priority order not
// guaranteed.
func (q *Queue) Entries() []models.WaitingEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.WaitingEntry, 0, len(q.byID))
	for _, e := range q.byID {
		out = append(out, models.WaitingEntry{RequestID: e.req.ID, EnqueuedAt: e.enqueuedAt, Priority: e.priority})
	}
	return out
}

// WorkerAvailable probes the queue when a worker becomes idle in a region:
// the top entries overlapping that region are re-attempted in priority order
// until the worker is consumed or the probe list is exhausted.
func (q *Queue) WorkerAvailable(ctx context.Context, p models.GeoPoint, capability string) {
	q.mu.Lock()
	var probes []*entry
	for _, e := range q.heap {
		if capability != "" && e.req.Capability != "" && e.req.Capability != capability {
			continue
		}
		if geo.Haversine(p.Lat, p.Lon, e.req.Origin.Lat, e.req.Origin.Lon) > q.cfg.ProbeRadius {
			continue
		}
		probes = append(probes, e)
	}
	sortByPriority(probes)
	if len(probes) > q.cfg.ProbeLimit {
		probes = probes[:q.cfg.ProbeLimit]
	}
	ids := make([]string, len(probes))
	for i, e := range probes {
		ids[i] = e.req.ID
	}
	q.mu.Unlock()

	for _, id := range ids {
		if err := q.matcher.MatchRequest(ctx, id); err != nil {
			q.logger.Warn("probe re-match failed", "request_id", id, "error", err)
		}
	}
}

// Run drives the periodic sweep until the context ends. The sweep re-attempts
// aged entries even without an availability signal, so requests cannot starve
// when workers appear from outside the observed region, and it expires
// entries past MaxWait.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(ctx)
		}
	}
}

// Sweep performs one expiry-and-retry pass. Exported so tests and the server
// can trigger it without the ticker.
func (q *Queue) Sweep(ctx context.Context) {
	now := q.now()

	q.mu.Lock()
	var expired, retry []string
	for _, e := range q.heap {
		age := now.Sub(e.enqueuedAt)
		switch {
		case age > q.cfg.MaxWait:
			expired = append(expired, e.req.ID)
		case age > q.cfg.RetryAfter:
			retry = append(retry, e.req.ID)
		}
	}
	// expiry is terminal and unconditional: drop the entries now, notify after
	for _, id := range expired {
		q.removeLocked(id)
	}
	q.mu.Unlock()

	for _, id := range expired {
		// Expire only reports true on the Waiting→Expired transition,
		// so the compensation notice fires exactly once
		if q.matcher.Expire(id) && q.rider != nil {
			q.rider.OnExpired(id)
			q.logger.Info("request expired", "request_id", id)
		}
	}
	for _, id := range retry {
		if err := q.matcher.MatchRequest(ctx, id); err != nil {
			q.logger.Warn("sweep re-match failed", "request_id", id, "error", err)
		}
	}
}

func sortByPriority(es []*entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0; j-- {
			if es[j-1].priority > es[j].priority ||
				(es[j-1].priority == es[j].priority && es[j-1].enqueuedAt.Before(es[j].enqueuedAt)) {
				break
			}
			es[j-1], es[j] = es[j], es[j-1]
		}
	}
}

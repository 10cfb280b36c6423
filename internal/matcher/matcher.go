package matcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrUnknownRequest    = errors.New("unknown request")
	ErrUnknownAssignment = errors.New("unknown or already resolved assignment")
	ErrUnknownWorker     = errors.New("unknown worker")
	ErrWorkerEngaged     = errors.New("worker has an active offer or trip")
	ErrInvalidPoint      = errors.New("coordinates out of range")
	ErrBadAvailability   = errors.New("availability must be idle or offline")
	ErrNotMatched        = errors.New("request is not matched")
)

// OfferNotifier delivers an offer to a worker. A delivery error is treated
// like a timeout: the engine releases the worker and moves on.
type OfferNotifier interface {
	NotifyOffer(ctx context.Context, workerID string, offer models.OfferSummary) error
}

// TripSink receives match lifecycle events for the external trip/payment
// service.
type TripSink interface {
	OnMatched(ctx context.Context, req models.RideRequest, a models.Assignment, quote models.PriceQuote)
	OnSettled(ctx context.Context, requestID string, finalPrice float64)
	OnCancelled(ctx context.Context, requestID string)
}

// Waitlist is the engine's view of the wait queue; the concrete queue calls
// back into MatchRequest, so the dependency is inverted through this
// interface.
type Waitlist interface {
	Enqueue(req *models.RideRequest)
	Remove(requestID string) bool
}

// Scorer ranks a candidate from its distance and the worker record. Higher is
// better. Injected so scoring policy can change without touching the offer
// flow.
type Scorer func(distanceMeters float64, w *Worker) float64

// DefaultScorer weights inverse distance against the worker rating scaled to
// 0..1.
func DefaultScorer(distanceWeight, qualityWeight float64) Scorer {
	return func(distanceMeters float64, w *Worker) float64 {
		d := distanceMeters
		if d < 1 {
			d = 1
		}
		return distanceWeight/d + qualityWeight*(w.Rating()/5.0)
	}
}

type Config struct {
	CandidateLimit   int           // K candidates per scan
	InitialRadius    float64       // meters
	MaxRadius        float64       // meters, expansion cap
	OfferTimeout     time.Duration // worker response deadline
	MaxOfferAttempts int           // offers per pass before parking
}

func DefaultConfig() Config {
	return Config{
		CandidateLimit:   20,
		InitialRadius:    3000,
		MaxRadius:        15000,
		OfferTimeout:     15 * time.Second,
		MaxOfferAttempts: 5,
	}
}

type candidate struct {
	workerID string
	distance float64
	score    float64
}

// requestState is the per-request offer machine. Concurrency exists across
// requests, not across offers for one request: everything here runs under
// st.mu, and offers go out strictly in ranked order, one at a time.
type requestState struct {
	mu       sync.Mutex
	req      *models.RideRequest
	quote    models.PriceQuote
	ranked   []candidate
	next     int
	attempts int
	active   *models.Assignment
	timer    *time.Timer
	workerID string // worker of the accepted assignment
}

// Engine turns ride requests into assignments, or parks them on the wait
// queue when no eligible worker exists.
type Engine struct {
	Geo     geo.Index
	Pricing *pricing.Engine
	Workers *Registry
	Notify  OfferNotifier
	Trips   TripSink
	Store   storage.Store
	Wait    Waitlist // set after construction to break the cycle
	Scorer  Scorer
	Logger  *slog.Logger
	Cfg     Config

	// IdleHook fires when a worker becomes available outside the offer
	// cycle (first registration, explicit idle, trip settled); the wait
	// queue probe hangs off it.
	IdleHook func(workerID string, p models.GeoPoint, capability string)

	// mu is a leaf lock: it guards the two maps only and is never held
	// while acquiring a requestState lock.
	mu          sync.Mutex
	requests    map[string]*requestState
	assignments map[string]*requestState

	now func() time.Time
}

func NewEngine(idx geo.Index, pe *pricing.Engine, store storage.Store, notify OfferNotifier, trips TripSink, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Geo:         idx,
		Pricing:     pe,
		Workers:     NewRegistry(),
		Notify:      notify,
		Trips:       trips,
		Store:       store,
		Scorer:      DefaultScorer(1000, 0.5),
		Logger:      logger,
		Cfg:         cfg,
		requests:    make(map[string]*requestState),
		assignments: make(map[string]*requestState),
		now:         time.Now,
	}
}

// CountIdle implements pricing.Supply.
func (e *Engine) CountIdle(p models.GeoPoint, radiusMeters float64, capability string) int {
	return e.Geo.CountNearby(p, radiusMeters, capability, e.Workers.IsIdle)
}

// SubmitRequest quotes and starts matching a new request. The returned
// request reflects the status after the first matching pass.
func (e *Engine) SubmitRequest(ctx context.Context, riderID string, origin, dest models.GeoPoint, capability string, tier int) (models.RideRequest, models.PriceQuote, error) {
	if !origin.Valid() || !dest.Valid() {
		return models.RideRequest{}, models.PriceQuote{}, ErrInvalidPoint
	}
	now := e.now()
	req := &models.RideRequest{
		ID:          newID(),
		RiderID:     riderID,
		Origin:      origin,
		Destination: dest,
		Capability:  capability,
		Tier:        tier,
		RequestedAt: now,
		Status:      models.StatusPending,
	}
	e.Pricing.RecordDemand(origin, capability)
	quote := e.Pricing.Quote(ctx, req.ID, origin, dest, capability, now)

	st := &requestState{req: req, quote: quote}
	e.mu.Lock()
	e.requests[req.ID] = st
	e.mu.Unlock()

	if err := e.Store.SaveRequest(req); err != nil {
		e.Logger.Error("save request", "request_id", req.ID, "error", err)
	}
	_ = e.MatchRequest(ctx, req.ID)

	st.mu.Lock()
	out := *st.req
	st.mu.Unlock()
	return out, quote, nil
}

// MatchRequest runs one matching pass: ranked candidates within an expanding
// radius, then offers in order. It returns once an offer is in flight or the
// request has been parked; resolution continues on response/timeout events.
func (e *Engine) MatchRequest(ctx context.Context, requestID string) error {
	st := e.request(requestID)
	if st == nil {
		return ErrUnknownRequest
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.req.Status {
	case models.StatusPending, models.StatusWaiting:
	default:
		// already offering or terminal; nothing to do
		return nil
	}

	now := e.now()
	if st.quote.Expired(now) {
		// a stale quote cannot back a match; re-quote first
		st.quote = e.Pricing.Quote(ctx, st.req.ID, st.req.Origin, st.req.Destination, st.req.Capability, now)
	}

	st.req.Status = models.StatusOffering
	e.storeRequest(st.req)
	st.ranked = e.rankCandidates(st.req.Origin, st.req.Capability)
	st.next = 0
	st.attempts = 0
	e.advanceLocked(ctx, st)
	return nil
}

// rankCandidates queries the geo index with a doubling radius until enough
// candidates exist or the cap is reached, then scores and sorts them. The
// loop terminates at MaxRadius even with zero candidates.
func (e *Engine) rankCandidates(origin models.GeoPoint, capability string) []candidate {
	var found []geo.Candidate
	for radius := e.Cfg.InitialRadius; ; radius *= 2 {
		// a non-positive radius would never double up to the cap
		if radius <= 0 || radius > e.Cfg.MaxRadius {
			radius = e.Cfg.MaxRadius
		}
		found = e.Geo.QueryNearby(origin, radius, capability, e.Cfg.CandidateLimit, e.Workers.IsIdle)
		if len(found) >= e.Cfg.CandidateLimit || radius >= e.Cfg.MaxRadius {
			break
		}
	}
	ranked := make([]candidate, 0, len(found))
	for _, c := range found {
		w, ok := e.Workers.Get(c.WorkerID)
		if !ok {
			continue
		}
		ranked = append(ranked, candidate{workerID: c.WorkerID, distance: c.Distance, score: e.Scorer(c.Distance, w)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].distance < ranked[j].distance
	})
	return ranked
}

// advanceLocked tries candidates from st.next onward. Caller holds st.mu.
// A lost CAS means another request claimed the worker first; skip, don't
// retry the same worker in this pass.
func (e *Engine) advanceLocked(ctx context.Context, st *requestState) {
	for st.next < len(st.ranked) && st.attempts < e.Cfg.MaxOfferAttempts {
		c := st.ranked[st.next]
		st.next++
		w, ok := e.Workers.Get(c.workerID)
		if !ok {
			continue
		}
		asgID := newID()
		if !w.CompareAndSet(models.AvailIdle, models.AvailOffered, asgID) {
			observability.CASConflicts.Inc()
			continue
		}
		st.attempts++
		now := e.now()
		a := &models.Assignment{
			ID:               asgID,
			RequestID:        st.req.ID,
			WorkerID:         w.ID,
			OfferedAt:        now,
			ResponseDeadline: now.Add(e.Cfg.OfferTimeout),
			State:            models.AssignmentOffered,
		}
		st.active = a
		e.indexAssignment(asgID, st)
		if err := e.Store.SaveAssignment(a); err != nil {
			e.Logger.Error("save assignment", "assignment_id", asgID, "error", err)
		}

		offer := models.OfferSummary{
			AssignmentID: asgID,
			RequestID:    st.req.ID,
			Origin:       st.req.Origin,
			Destination:  st.req.Destination,
			Capability:   st.req.Capability,
			Price:        st.quote.Total,
			Deadline:     a.ResponseDeadline,
		}
		if err := e.Notify.NotifyOffer(ctx, w.ID, offer); err != nil {
			// undeliverable counts as a timeout: fail open to the next
			// candidate instead of blocking the request
			e.Logger.Warn("offer delivery failed", "worker_id", w.ID, "assignment_id", asgID, "error", err)
			observability.OffersTotal.WithLabelValues("undeliverable").Inc()
			st.active = nil
			e.dropAssignment(asgID)
			a.State = models.AssignmentTimedOut
			e.storeAssignment(a)
			w.CompareAndSet(models.AvailOffered, models.AvailIdle, "")
			continue
		}
		observability.OffersTotal.WithLabelValues("offered").Inc()
		st.timer = time.AfterFunc(e.Cfg.OfferTimeout, func() {
			_ = e.resolve(context.Background(), asgID, models.AssignmentTimedOut)
		})
		return
	}
	e.parkLocked(st)
}

// parkLocked moves an exhausted request to the wait queue. Caller holds
// st.mu. Exhaustion is a Waiting status, not an error.
func (e *Engine) parkLocked(st *requestState) {
	st.req.Status = models.StatusWaiting
	e.storeRequest(st.req)
	if e.Wait != nil {
		reqCopy := *st.req
		e.Wait.Enqueue(&reqCopy)
	}
}

// Respond resolves an in-flight offer from the worker callback. A response
// after the deadline (or after cancellation) reports ErrUnknownAssignment.
func (e *Engine) Respond(ctx context.Context, assignmentID string, accept bool) error {
	outcome := models.AssignmentDeclined
	if accept {
		outcome = models.AssignmentAccepted
	}
	return e.resolve(ctx, assignmentID, outcome)
}

func (e *Engine) resolve(ctx context.Context, assignmentID string, outcome models.AssignmentState) error {
	st := e.assignmentState(assignmentID)
	if st == nil {
		return ErrUnknownAssignment
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	a := st.active
	if a == nil || a.ID != assignmentID {
		// the timer and a late response raced; first resolution wins
		return ErrUnknownAssignment
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.active = nil
	e.dropAssignment(assignmentID)
	a.State = outcome
	e.storeAssignment(a)

	w, _ := e.Workers.Get(a.WorkerID)
	switch outcome {
	case models.AssignmentAccepted:
		if w != nil {
			w.CompareAndSet(models.AvailOffered, models.AvailBusy, a.ID)
		}
		st.req.Status = models.StatusMatched
		st.workerID = a.WorkerID
		e.storeRequest(st.req)
		if e.Wait != nil {
			e.Wait.Remove(st.req.ID)
		}
		observability.OffersTotal.WithLabelValues("accepted").Inc()
		observability.MatchesTotal.Inc()
		observability.MatchLatency.Observe(e.now().Sub(st.req.RequestedAt).Seconds())
		e.Logger.Info("matched", "request_id", st.req.ID, "worker_id", a.WorkerID, "assignment_id", a.ID)
		if e.Trips != nil {
			e.Trips.OnMatched(ctx, *st.req, *a, st.quote)
		}
	default:
		// decline and timeout both free the worker immediately and
		// advance to the next ranked candidate, no re-scan
		if w != nil {
			w.CompareAndSet(models.AvailOffered, models.AvailIdle, "")
		}
		observability.OffersTotal.WithLabelValues(string(outcome)).Inc()
		e.advanceLocked(ctx, st)
	}
	return nil
}

// CancelRequest cancels a request best-effort and reports whether an active
// offer was preempted. Cancellation after acceptance is forwarded to the trip
// service, which owns any penalty logic.
func (e *Engine) CancelRequest(ctx context.Context, requestID string) (bool, error) {
	st := e.request(requestID)
	if st == nil {
		return false, ErrUnknownRequest
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.req.Status {
	case models.StatusMatched:
		if e.Trips != nil {
			e.Trips.OnCancelled(ctx, requestID)
		}
		return false, nil
	case models.StatusExpired, models.StatusCancelled:
		return false, nil
	}

	preempted := false
	if a := st.active; a != nil {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.active = nil
		e.dropAssignment(a.ID)
		a.State = models.AssignmentDeclined
		e.storeAssignment(a)
		if w, ok := e.Workers.Get(a.WorkerID); ok {
			w.CompareAndSet(models.AvailOffered, models.AvailIdle, "")
		}
		observability.OffersTotal.WithLabelValues("cancelled").Inc()
		preempted = true
	}
	st.req.Status = models.StatusCancelled
	e.storeRequest(st.req)
	if e.Wait != nil {
		e.Wait.Remove(requestID)
	}
	return preempted, nil
}

// Expire moves a waiting request to Expired. Returns false when the request
// already left the Waiting state, so the caller emits the expiry notice at
// most once.
func (e *Engine) Expire(requestID string) bool {
	st := e.request(requestID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.req.Status != models.StatusWaiting {
		return false
	}
	st.req.Status = models.StatusExpired
	e.storeRequest(st.req)
	observability.ExpiredTotal.Inc()
	return true
}

// ReportPosition records a worker location report: registry record, geo index
// upsert, and the idle hook on first registration.
func (e *Engine) ReportPosition(ctx context.Context, rep models.PositionReport) error {
	p := models.GeoPoint{Lat: rep.Lat, Lon: rep.Lon, CapturedAt: e.now()}
	if !p.Valid() {
		return ErrInvalidPoint
	}
	w, created := e.Workers.Ensure(rep.WorkerID, rep.Capability)
	w.observe(p, rep.Rating)
	e.Geo.Upsert(rep.WorkerID, p, rep.Capability)
	if created && e.IdleHook != nil {
		e.IdleHook(rep.WorkerID, p, rep.Capability)
	}
	return nil
}

// SetAvailability handles explicit idle/offline changes outside the match
// lifecycle. A worker with an active offer or trip cannot change state here.
func (e *Engine) SetAvailability(workerID string, avail models.Availability) error {
	if avail != models.AvailIdle && avail != models.AvailOffline {
		return ErrBadAvailability
	}
	w, ok := e.Workers.Get(workerID)
	if !ok {
		return ErrUnknownWorker
	}
	switch avail {
	case models.AvailOffline:
		if w.CompareAndSet(models.AvailIdle, models.AvailOffline, "") || w.Availability() == models.AvailOffline {
			e.Geo.Remove(workerID)
			return nil
		}
		return ErrWorkerEngaged
	default: // idle
		if w.CompareAndSet(models.AvailOffline, models.AvailIdle, "") {
			// the offline transition removed the worker from the index;
			// restore its last known position or matching never sees it
			p := w.LastPoint()
			e.Geo.Upsert(w.ID, p, w.Capability)
			if e.IdleHook != nil {
				e.IdleHook(w.ID, p, w.Capability)
			}
			return nil
		}
		if w.CompareAndSet(models.AvailBusy, models.AvailIdle, "") {
			if e.IdleHook != nil {
				e.IdleHook(w.ID, w.LastPoint(), w.Capability)
			}
			return nil
		}
		if w.Availability() == models.AvailIdle {
			return nil
		}
		return ErrWorkerEngaged
	}
}

// SettleTrip computes the final fare for a completed trip, bounded by the
// quote variance cap, emits the settlement event, and releases the worker.
func (e *Engine) SettleTrip(ctx context.Context, requestID string, actual models.Route) (float64, error) {
	st := e.request(requestID)
	if st == nil {
		return 0, ErrUnknownRequest
	}
	st.mu.Lock()
	if st.req.Status != models.StatusMatched {
		st.mu.Unlock()
		return 0, ErrNotMatched
	}
	final := e.Pricing.Settle(st.quote, actual)
	workerID := st.workerID
	st.mu.Unlock()

	if e.Trips != nil {
		e.Trips.OnSettled(ctx, requestID, final)
	}
	if w, ok := e.Workers.Get(workerID); ok {
		if w.CompareAndSet(models.AvailBusy, models.AvailIdle, "") && e.IdleHook != nil {
			e.IdleHook(w.ID, w.LastPoint(), w.Capability)
		}
	}
	return final, nil
}

// StartEviction periodically destroys Offline worker records with no report
// for ttl, bounding registry memory the way the geo reaper bounds the index.
func (e *Engine) StartEviction(ctx context.Context, interval, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.Workers.EvictOffline(e.now().Add(-ttl)); n > 0 {
					e.Logger.Info("evicted offline workers", "count", n)
				}
			}
		}
	}()
}

// Request returns a snapshot of a tracked request.
func (e *Engine) Request(requestID string) (models.RideRequest, bool) {
	st := e.request(requestID)
	if st == nil {
		return models.RideRequest{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return *st.req, true
}

func (e *Engine) request(id string) *requestState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[id]
}

func (e *Engine) assignmentState(id string) *requestState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assignments[id]
}

func (e *Engine) indexAssignment(id string, st *requestState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assignments[id] = st
}

func (e *Engine) dropAssignment(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.assignments, id)
}

func (e *Engine) storeRequest(r *models.RideRequest) {
	if err := e.Store.UpdateRequest(r); err != nil {
		e.Logger.Error("update request", "request_id", r.ID, "error", err)
	}
}

func (e *Engine) storeAssignment(a *models.Assignment) {
	if err := e.Store.UpdateAssignment(a); err != nil {
		e.Logger.Error("update assignment", "assignment_id", a.ID, "error", err)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/waitqueue"
)

type fakeNotifier struct {
	mu     sync.Mutex
	offers []models.OfferSummary
	fail   map[string]bool // workerID -> delivery fails
}

func (f *fakeNotifier) NotifyOffer(ctx context.Context, workerID string, offer models.OfferSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[workerID] {
		return errors.New("delivery failed")
	}
	f.offers = append(f.offers, offer)
	return nil
}

func (f *fakeNotifier) last() (models.OfferSummary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.offers) == 0 {
		return models.OfferSummary{}, false
	}
	return f.offers[len(f.offers)-1], true
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

type fakeTrips struct {
	mu        sync.Mutex
	matched   []string
	settled   map[string]float64
	cancelled []string
}

func (f *fakeTrips) OnMatched(ctx context.Context, req models.RideRequest, a models.Assignment, q models.PriceQuote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matched = append(f.matched, req.ID)
}

func (f *fakeTrips) OnSettled(ctx context.Context, requestID string, final float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled == nil {
		f.settled = make(map[string]float64)
	}
	f.settled[requestID] = final
}

func (f *fakeTrips) OnCancelled(ctx context.Context, requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, requestID)
}

func testEngine(t *testing.T, cfg Config) (*Engine, *fakeNotifier, *fakeTrips, *storage.MemoryStore) {
	t.Helper()
	idx := geo.NewGridIndex()
	pe := pricing.NewEngine(&routing.Resilient{SpeedMps: 10}, nil, pricing.DefaultConfig())
	store := storage.NewMemoryStore()
	notify := &fakeNotifier{fail: make(map[string]bool)}
	trips := &fakeTrips{}
	eng := NewEngine(idx, pe, store, notify, trips, nil, cfg)
	pe.Supply = eng
	return eng, notify, trips, store
}

func report(t *testing.T, e *Engine, id string, lat, lon float64, capability string) {
	t.Helper()
	if err := e.ReportPosition(context.Background(), models.PositionReport{
		WorkerID: id, Lat: lat, Lon: lon, Capability: capability, Rating: 4.5,
	}); err != nil {
		t.Fatalf("report position: %v", err)
	}
}

func TestMatchAndAccept(t *testing.T) {
	eng, notify, trips, _ := testEngine(t, DefaultConfig())
	report(t, eng, "W", 0, 0, "standard")

	req, quote, err := eng.SubmitRequest(context.Background(), "rider1",
		models.GeoPoint{Lat: 0, Lon: 0.001}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if quote.Total <= 0 {
		t.Fatalf("expected a positive quote, got %f", quote.Total)
	}
	if req.Status != models.StatusOffering {
		t.Fatalf("expected offering after submit, got %s", req.Status)
	}
	offer, ok := notify.last()
	if !ok {
		t.Fatal("expected an offer")
	}
	if err := eng.Respond(context.Background(), offer.AssignmentID, true); err != nil {
		t.Fatalf("respond: %v", err)
	}

	got, _ := eng.Request(req.ID)
	if got.Status != models.StatusMatched {
		t.Fatalf("expected matched, got %s", got.Status)
	}
	w, _ := eng.Workers.Get("W")
	if w.Availability() != models.AvailBusy {
		t.Fatalf("accepted worker must be busy, got %s", w.Availability())
	}
	trips.mu.Lock()
	defer trips.mu.Unlock()
	if len(trips.matched) != 1 || trips.matched[0] != req.ID {
		t.Fatalf("expected one matched event for %s, got %v", req.ID, trips.matched)
	}
}

func TestConcurrentRequestsSingleWorker(t *testing.T) {
	eng, notify, _, store := testEngine(t, DefaultConfig())
	report(t, eng, "W", 0, 0, "standard")

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _, err := eng.SubmitRequest(context.Background(), "rider",
				models.GeoPoint{Lat: 0, Lon: 0.001}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			ids[i] = req.ID
		}(i)
	}
	wg.Wait()

	// exactly one request holds the offer; the other is parked
	if notify.count() != 1 {
		t.Fatalf("expected exactly one offer to W, got %d", notify.count())
	}
	active := 0
	for _, a := range store.AssignmentsForWorker("W") {
		if a.State == models.AssignmentOffered || a.State == models.AssignmentAccepted {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("at-most-one invariant violated: %d active assignments", active)
	}
	statuses := map[models.RequestStatus]int{}
	for _, id := range ids {
		r, _ := eng.Request(id)
		statuses[r.Status]++
	}
	if statuses[models.StatusOffering] != 1 || statuses[models.StatusWaiting] != 1 {
		t.Fatalf("expected one offering and one waiting, got %v", statuses)
	}
}

func TestDeclineAdvancesToNextCandidate(t *testing.T) {
	eng, notify, _, _ := testEngine(t, DefaultConfig())
	report(t, eng, "near", 0, 0.001, "standard")
	report(t, eng, "far", 0, 0.01, "standard")

	req, _, _ := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)

	first, _ := notify.last()
	if first.AssignmentID == "" {
		t.Fatal("expected initial offer")
	}
	offered := workerOf(t, eng, first.AssignmentID)
	if offered != "near" {
		t.Fatalf("distance-dominant scoring should offer near first, got %s", offered)
	}

	if err := eng.Respond(context.Background(), first.AssignmentID, false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	// declined worker is immediately idle again and the next candidate gets the offer
	w, _ := eng.Workers.Get("near")
	if w.Availability() != models.AvailIdle {
		t.Fatalf("declined worker must be idle, got %s", w.Availability())
	}
	second, _ := notify.last()
	if workerOf(t, eng, second.AssignmentID) != "far" {
		t.Fatal("expected offer to advance to the next ranked candidate")
	}
	r, _ := eng.Request(req.ID)
	if r.Status != models.StatusOffering {
		t.Fatalf("request should still be offering, got %s", r.Status)
	}
}

func TestOfferTimeoutAdvances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfferTimeout = 30 * time.Millisecond
	eng, notify, _, store := testEngine(t, cfg)
	report(t, eng, "slow", 0, 0.001, "standard")
	report(t, eng, "next", 0, 0.01, "standard")

	eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)

	first, _ := notify.last()
	time.Sleep(100 * time.Millisecond)

	a, _ := store.GetAssignment(first.AssignmentID)
	if a.State != models.AssignmentTimedOut {
		t.Fatalf("expected timed out assignment, got %s", a.State)
	}
	second, _ := notify.last()
	if second.AssignmentID == first.AssignmentID {
		t.Fatal("expected a new offer after the timeout")
	}
	// a late response to the first offer is rejected
	if err := eng.Respond(context.Background(), first.AssignmentID, true); !errors.Is(err, ErrUnknownAssignment) {
		t.Fatalf("late accept should fail with ErrUnknownAssignment, got %v", err)
	}
}

func TestDeliveryFailureFailsOpen(t *testing.T) {
	eng, notify, _, _ := testEngine(t, DefaultConfig())
	report(t, eng, "unreachable", 0, 0.001, "standard")
	report(t, eng, "reachable", 0, 0.01, "standard")
	notify.fail["unreachable"] = true

	eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)

	offer, ok := notify.last()
	if !ok {
		t.Fatal("expected the offer to reach the next candidate")
	}
	if workerOf(t, eng, offer.AssignmentID) != "reachable" {
		t.Fatal("undeliverable offer must fail open to the next candidate")
	}
	w, _ := eng.Workers.Get("unreachable")
	if w.Availability() != models.AvailIdle {
		t.Fatalf("worker with failed delivery must be released, got %s", w.Availability())
	}
}

func TestExhaustionParksRequest(t *testing.T) {
	eng, _, _, _ := testEngine(t, DefaultConfig())
	// no workers at all
	req, _, err := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "luxury", 0)
	if err != nil {
		t.Fatalf("exhaustion must not be an error: %v", err)
	}
	if req.Status != models.StatusWaiting {
		t.Fatalf("expected waiting, got %s", req.Status)
	}
}

func TestMaxOfferAttemptsBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOfferAttempts = 2
	eng, notify, _, _ := testEngine(t, cfg)
	for i := 0; i < 4; i++ {
		report(t, eng, string(rune('a'+i)), 0, 0.001*float64(i+1), "standard")
	}
	req, _, _ := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)

	for {
		offer, _ := notify.last()
		if err := eng.Respond(context.Background(), offer.AssignmentID, false); err != nil {
			break
		}
		r, _ := eng.Request(req.ID)
		if r.Status == models.StatusWaiting {
			break
		}
	}
	if notify.count() != 2 {
		t.Fatalf("expected the attempt bound to stop at 2 offers, got %d", notify.count())
	}
	r, _ := eng.Request(req.ID)
	if r.Status != models.StatusWaiting {
		t.Fatalf("expected waiting after attempt bound, got %s", r.Status)
	}
}

func TestCancelPreemptsOffer(t *testing.T) {
	eng, notify, _, store := testEngine(t, DefaultConfig())
	report(t, eng, "W", 0, 0.001, "standard")

	req, _, _ := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)

	preempted, err := eng.CancelRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !preempted {
		t.Fatal("expected the active offer to be preempted")
	}
	w, _ := eng.Workers.Get("W")
	if w.Availability() != models.AvailIdle {
		t.Fatalf("cancelled offer must release the worker, got %s", w.Availability())
	}
	r, _ := eng.Request(req.ID)
	if r.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", r.Status)
	}
	offer, _ := notify.last()
	a, _ := store.GetAssignment(offer.AssignmentID)
	if a.State != models.AssignmentDeclined {
		t.Fatalf("expected declined-by-cancellation, got %s", a.State)
	}
	// terminal states are sticky
	if _, err := eng.CancelRequest(context.Background(), req.ID); err != nil {
		t.Fatalf("re-cancel must be a no-op, got %v", err)
	}
	if r, _ := eng.Request(req.ID); r.Status != models.StatusCancelled {
		t.Fatal("request left its terminal state")
	}
}

func TestCancelAfterAcceptForwardsToTrips(t *testing.T) {
	eng, notify, trips, _ := testEngine(t, DefaultConfig())
	report(t, eng, "W", 0, 0.001, "standard")
	req, _, _ := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)
	offer, _ := notify.last()
	_ = eng.Respond(context.Background(), offer.AssignmentID, true)

	preempted, err := eng.CancelRequest(context.Background(), req.ID)
	if err != nil || preempted {
		t.Fatalf("post-acceptance cancel: preempted=%v err=%v", preempted, err)
	}
	trips.mu.Lock()
	defer trips.mu.Unlock()
	if len(trips.cancelled) != 1 {
		t.Fatal("post-acceptance cancellation must be forwarded to the trip service")
	}
	if r, _ := eng.Request(req.ID); r.Status != models.StatusMatched {
		t.Fatal("matched is terminal; cancellation does not rewind it")
	}
}

func TestSettleReleasesWorker(t *testing.T) {
	eng, notify, trips, _ := testEngine(t, DefaultConfig())
	report(t, eng, "W", 0, 0.001, "standard")
	req, quote, _ := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)
	offer, _ := notify.last()
	_ = eng.Respond(context.Background(), offer.AssignmentID, true)

	final, err := eng.SettleTrip(context.Background(), req.ID, models.Route{DistanceMeters: 5600, DurationSeconds: 560})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if final > quote.Total*1.2+1e-9 || final < quote.Total*0.8-1e-9 {
		t.Fatalf("settled price %f outside variance cap of quote %f", final, quote.Total)
	}
	w, _ := eng.Workers.Get("W")
	if w.Availability() != models.AvailIdle {
		t.Fatalf("settled worker must be idle, got %s", w.Availability())
	}
	trips.mu.Lock()
	defer trips.mu.Unlock()
	if trips.settled[req.ID] != final {
		t.Fatal("expected settlement event with the final price")
	}
}

func TestSetAvailability(t *testing.T) {
	eng, notify, _, _ := testEngine(t, DefaultConfig())
	report(t, eng, "W", 0, 0.001, "standard")

	if err := eng.SetAvailability("W", models.AvailBusy); !errors.Is(err, ErrBadAvailability) {
		t.Fatalf("only idle/offline are settable, got %v", err)
	}
	if err := eng.SetAvailability("nobody", models.AvailIdle); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
	if err := eng.SetAvailability("W", models.AvailOffline); err != nil {
		t.Fatalf("offline: %v", err)
	}
	// offline workers are invisible to matching
	req, _, _ := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)
	if req.Status != models.StatusWaiting {
		t.Fatalf("offline worker must not match, got %s", req.Status)
	}

	// a worker holding an offer cannot go offline
	report(t, eng, "V", 0, 0.001, "standard")
	eng.SubmitRequest(context.Background(), "rider2",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)
	if _, ok := notify.last(); !ok {
		t.Fatal("expected an offer to V")
	}
	if err := eng.SetAvailability("V", models.AvailOffline); !errors.Is(err, ErrWorkerEngaged) {
		t.Fatalf("expected ErrWorkerEngaged, got %v", err)
	}
}

func TestOfflineReturnRestoresVisibility(t *testing.T) {
	eng, notify, _, _ := testEngine(t, DefaultConfig())
	queue := waitqueue.New(eng, nil, nil, waitqueue.DefaultConfig())
	eng.Wait = queue
	eng.IdleHook = func(workerID string, p models.GeoPoint, capability string) {
		queue.WorkerAvailable(context.Background(), p, capability)
	}

	report(t, eng, "W", 0, 0.001, "standard")
	if err := eng.SetAvailability("W", models.AvailOffline); err != nil {
		t.Fatalf("offline: %v", err)
	}

	req, _, _ := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)
	if req.Status != models.StatusWaiting {
		t.Fatalf("expected the request to park while W is offline, got %s", req.Status)
	}

	// back to idle: W must reappear in the index and get probed with the
	// parked request, no fresh position report required
	if err := eng.SetAvailability("W", models.AvailIdle); err != nil {
		t.Fatalf("idle: %v", err)
	}
	offer, ok := notify.last()
	if !ok {
		t.Fatal("expected the returning worker to receive the waiting request")
	}
	if err := eng.Respond(context.Background(), offer.AssignmentID, true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if r, _ := eng.Request(req.ID); r.Status != models.StatusMatched {
		t.Fatalf("expected matched after the probe, got %s", r.Status)
	}
	if queue.Len() != 0 {
		t.Fatalf("matched request must leave the queue, len=%d", queue.Len())
	}
}

func TestExpiredQuoteReplacedBeforeRetry(t *testing.T) {
	idx := geo.NewGridIndex()
	pcfg := pricing.DefaultConfig()
	pcfg.QuoteTTL = 50 * time.Millisecond
	pe := pricing.NewEngine(&routing.Resilient{SpeedMps: 10}, nil, pcfg)
	notify := &fakeNotifier{fail: make(map[string]bool)}
	eng := NewEngine(idx, pe, storage.NewMemoryStore(), notify, &fakeTrips{}, nil, DefaultConfig())
	pe.Supply = eng

	clock := time.Unix(1000, 0)
	eng.now = func() time.Time { return clock }

	// no workers yet, so the quote carries the zero-supply ceiling
	req, quote, err := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0.001}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != models.StatusWaiting {
		t.Fatalf("expected waiting, got %s", req.Status)
	}
	if quote.DemandMultiplier != pcfg.MultiplierCeiling {
		t.Fatalf("expected ceiling multiplier with no supply, got %f", quote.DemandMultiplier)
	}

	clock = clock.Add(time.Second) // well past the quote TTL
	report(t, eng, "W", 0, 0, "standard")
	if err := eng.MatchRequest(context.Background(), req.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	offer, ok := notify.last()
	if !ok {
		t.Fatal("expected an offer on retry")
	}
	// the stale quote must not back the match: with supply restored the
	// fresh quote prices at multiplier 1.0
	want := quote.Total / pcfg.MultiplierCeiling
	if diff := offer.Price - want; diff < -0.01 || diff > 0.01 {
		t.Fatalf("expected re-quoted price ~%f, got %f (stale quote %f)", want, offer.Price, quote.Total)
	}
}

func TestZeroInitialRadiusFallsBackToCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialRadius = 0
	eng, notify, _, _ := testEngine(t, cfg)
	report(t, eng, "W", 0, 0.001, "standard")

	req, _, err := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 0, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0.05}, "standard", 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != models.StatusOffering {
		t.Fatalf("expected an offer via the radius cap, got %s", req.Status)
	}
	if _, ok := notify.last(); !ok {
		t.Fatal("expected an offer")
	}
}

func TestEvictOfflineWorkers(t *testing.T) {
	eng, _, _, _ := testEngine(t, DefaultConfig())
	clock := time.Unix(1000, 0)
	eng.now = func() time.Time { return clock }

	report(t, eng, "gone", 0, 0.001, "standard")
	report(t, eng, "resting", 0, 0.002, "standard")
	report(t, eng, "active", 0, 0.003, "standard")
	if err := eng.SetAvailability("gone", models.AvailOffline); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if err := eng.SetAvailability("resting", models.AvailOffline); err != nil {
		t.Fatalf("offline: %v", err)
	}

	clock = clock.Add(10 * time.Minute)
	report(t, eng, "resting", 0, 0.002, "standard") // fresh report while offline

	if n := eng.Workers.EvictOffline(clock.Add(-5 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, ok := eng.Workers.Get("gone"); ok {
		t.Fatal("silent offline worker must be evicted")
	}
	if _, ok := eng.Workers.Get("resting"); !ok {
		t.Fatal("recently reporting offline worker must survive")
	}
	if _, ok := eng.Workers.Get("active"); !ok {
		t.Fatal("idle worker must never be evicted")
	}
}

func TestInvalidCoordinatesRejected(t *testing.T) {
	eng, _, _, _ := testEngine(t, DefaultConfig())
	_, _, err := eng.SubmitRequest(context.Background(), "rider",
		models.GeoPoint{Lat: 91, Lon: 0}, models.GeoPoint{Lat: 0, Lon: 0}, "standard", 0)
	if !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
	if err := eng.ReportPosition(context.Background(), models.PositionReport{WorkerID: "W", Lat: 0, Lon: 200}); !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
}

func workerOf(t *testing.T, eng *Engine, assignmentID string) string {
	t.Helper()
	ms, ok := eng.Store.(*storage.MemoryStore)
	if !ok {
		t.Fatal("test engine must use the memory store")
	}
	a, ok := ms.GetAssignment(assignmentID)
	if !ok {
		t.Fatalf("assignment %s not stored", assignmentID)
	}
	return a.WorkerID
}

package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type failingEstimator struct{ calls int }

func (f *failingEstimator) EstimateRoute(ctx context.Context, from, to models.GeoPoint) (models.Route, error) {
	f.calls++
	return models.Route{}, errors.New("provider down")
}

type fixedEstimator struct{ r models.Route }

func (f *fixedEstimator) EstimateRoute(ctx context.Context, from, to models.GeoPoint) (models.Route, error) {
	return f.r, nil
}

func TestFallbackIsDegraded(t *testing.T) {
	from := models.GeoPoint{Lat: 0, Lon: 0}
	to := models.GeoPoint{Lat: 0, Lon: 0.01} // ~1.1km
	r := Fallback(from, to, 10)
	if !r.Degraded {
		t.Fatal("fallback route must be flagged degraded")
	}
	if r.DistanceMeters < 1000 || r.DistanceMeters > 1200 {
		t.Fatalf("unexpected distance %f", r.DistanceMeters)
	}
	if r.DurationSeconds != r.DistanceMeters/10 {
		t.Fatalf("duration should be distance/speed, got %f", r.DurationSeconds)
	}
}

func TestResilientFallsBackOnError(t *testing.T) {
	inner := &failingEstimator{}
	re := &Resilient{Inner: inner, SpeedMps: 10}
	r, err := re.EstimateRoute(context.Background(), models.GeoPoint{}, models.GeoPoint{Lat: 0, Lon: 0.01})
	if err != nil {
		t.Fatalf("resilient estimator must not error, got %v", err)
	}
	if !r.Degraded {
		t.Fatal("expected degraded route after provider failure")
	}
}

func TestResilientUsesCache(t *testing.T) {
	inner := &fixedEstimator{r: models.Route{DistanceMeters: 500, DurationSeconds: 60}}
	re := &Resilient{Inner: inner, Cache: NewCache(time.Minute)}
	from := models.GeoPoint{Lat: 1, Lon: 1}
	to := models.GeoPoint{Lat: 2, Lon: 2}
	r1, _ := re.EstimateRoute(context.Background(), from, to)
	failing := &failingEstimator{}
	re.Inner = failing
	r2, _ := re.EstimateRoute(context.Background(), from, to)
	if r2 != r1 {
		t.Fatalf("expected cached route %v, got %v", r1, r2)
	}
	if failing.calls != 0 {
		t.Fatal("cache hit should not reach the provider")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	a := models.GeoPoint{Lat: 1, Lon: 1}
	b := models.GeoPoint{Lat: 2, Lon: 2}
	c.Set(a, b, models.Route{DistanceMeters: 1})
	if _, ok := c.Get(a, b); !ok {
		t.Fatal("expected cache hit")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected expired entry to miss")
	}
}

package pricing

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/routing"
)

// Supply counts idle workers around a point. The matcher side provides the
// implementation since availability lives there.
type Supply interface {
	CountIdle(p models.GeoPoint, radiusMeters float64, capability string) int
}

// Config holds the tunable pricing knobs.
type Config struct {
	BaseFare  float64
	PerKm     float64
	PerMinute float64
	MinFare   float64

	MultiplierFloor   float64 // never below 1.0; no discount below base
	MultiplierCeiling float64

	SupplyRadius float64 // meters
	QuoteTTL     time.Duration
	VarianceCap  float64 // max settled deviation from the quote, fraction
	DemandWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseFare:          2.5,
		PerKm:             1.2,
		PerMinute:         0.35,
		MinFare:           5.0,
		MultiplierFloor:   1.0,
		MultiplierCeiling: 3.0,
		SupplyRadius:      5000,
		QuoteTTL:          90 * time.Second,
		VarianceCap:       0.20,
		DemandWindow:      15 * time.Minute,
	}
}

// Engine turns a route estimate and the live supply/demand ratio into a
// bounded, explainable quote.
type Engine struct {
	Routes routing.Estimator
	Supply Supply
	Demand *DemandCounter
	Cfg    Config

	FallbackSpeedMps float64
}

func NewEngine(routes routing.Estimator, supply Supply, cfg Config) *Engine {
	return &Engine{
		Routes:           routes,
		Supply:           supply,
		Demand:           NewDemandCounter(cfg.DemandWindow),
		Cfg:              cfg,
		FallbackSpeedMps: 10,
	}
}

// RecordDemand notes an unmatched request for the multiplier input. Called on
// submission, before the quote, so a request counts against its own region.
func (e *Engine) RecordDemand(origin models.GeoPoint, capability string) {
	e.Demand.Record(origin, capability)
}

// Quote prices an origin/destination pair at now. A failing route provider
// degrades the estimate rather than failing the quote.
func (e *Engine) Quote(ctx context.Context, requestID string, origin, dest models.GeoPoint, capability string, now time.Time) models.PriceQuote {
	route, err := e.Routes.EstimateRoute(ctx, origin, dest)
	if err != nil {
		route = routing.Fallback(origin, dest, e.FallbackSpeedMps)
	}

	mult := e.multiplier(origin, capability)
	dist := e.Cfg.PerKm * route.DistanceMeters / 1000
	dur := e.Cfg.PerMinute * route.DurationSeconds / 60
	total := (e.Cfg.BaseFare + dist + dur) * mult
	if total < e.Cfg.MinFare {
		total = e.Cfg.MinFare
	}

	observability.QuotesTotal.Inc()
	observability.DemandMultiplier.Observe(mult)
	if route.Degraded {
		observability.DegradedQuotes.Inc()
	}

	return models.PriceQuote{
		RequestID:         requestID,
		Base:              e.Cfg.BaseFare,
		DistanceComponent: dist,
		TimeComponent:     dur,
		DemandMultiplier:  mult,
		Total:             total,
		Degraded:          route.Degraded,
		ValidUntil:        now.Add(e.Cfg.QuoteTTL),
	}
}

// multiplier clamps demand/supply into [floor, ceiling]. Zero supply pins the
// ceiling instead of diverging; zero demand floors at 1.0.
func (e *Engine) multiplier(origin models.GeoPoint, capability string) float64 {
	floor := e.Cfg.MultiplierFloor
	if floor < 1.0 {
		floor = 1.0
	}
	supply := 0
	if e.Supply != nil {
		supply = e.Supply.CountIdle(origin, e.Cfg.SupplyRadius, capability)
	}
	demand := e.Demand.Level(origin, capability)
	if supply <= 0 {
		if demand <= 0 {
			return floor
		}
		return e.Cfg.MultiplierCeiling
	}
	m := demand / float64(supply)
	if m < floor {
		return floor
	}
	if m > e.Cfg.MultiplierCeiling {
		return e.Cfg.MultiplierCeiling
	}
	return m
}

// Settle recomputes the fare against the actual route and caps the deviation
// from the quote at the configured variance; overruns beyond the cap are
// absorbed, not charged.
func (e *Engine) Settle(q models.PriceQuote, actual models.Route) float64 {
	dist := e.Cfg.PerKm * actual.DistanceMeters / 1000
	dur := e.Cfg.PerMinute * actual.DurationSeconds / 60
	total := (q.Base + dist + dur) * q.DemandMultiplier
	if total < e.Cfg.MinFare {
		total = e.Cfg.MinFare
	}

	lo := q.Total * (1 - e.Cfg.VarianceCap)
	hi := q.Total * (1 + e.Cfg.VarianceCap)
	if total > hi {
		return hi
	}
	if total < lo {
		return lo
	}
	return total
}

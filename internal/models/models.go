package models

import "time"

// GeoPoint is a timestamped coordinate. Points older than the index TTL are
// ignored for matching but kept until the reaper evicts the record.
type GeoPoint struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	CapturedAt time.Time `json:"captured_at"`
}

// Valid reports whether the coordinates are on the globe.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

type Availability string

const (
	AvailOffline Availability = "offline"
	AvailIdle    Availability = "idle"
	AvailOffered Availability = "offered"
	AvailBusy    Availability = "busy"
)

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusOffering  RequestStatus = "offering"
	StatusMatched   RequestStatus = "matched"
	StatusWaiting   RequestStatus = "waiting"
	StatusExpired   RequestStatus = "expired"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status is final. A request never leaves a
// terminal status.
func (s RequestStatus) Terminal() bool {
	return s == StatusMatched || s == StatusExpired || s == StatusCancelled
}

type RideRequest struct {
	ID          string        `json:"id"`
	RiderID     string        `json:"rider_id"`
	Origin      GeoPoint      `json:"origin"`
	Destination GeoPoint      `json:"destination"`
	Capability  string        `json:"capability"`
	Tier        int           `json:"tier"` // rider tier, raises wait-queue priority
	RequestedAt time.Time     `json:"requested_at"`
	Status      RequestStatus `json:"status"`
}

// PriceQuote is immutable once issued; re-quoting replaces it wholesale.
type PriceQuote struct {
	RequestID         string    `json:"request_id"`
	Base              float64   `json:"base"`
	DistanceComponent float64   `json:"distance_component"`
	TimeComponent     float64   `json:"time_component"`
	DemandMultiplier  float64   `json:"demand_multiplier"`
	Total             float64   `json:"total"`
	Degraded          bool      `json:"degraded"` // straight-line route fallback was used
	ValidUntil        time.Time `json:"valid_until"`
}

func (q PriceQuote) Expired(now time.Time) bool { return now.After(q.ValidUntil) }

type AssignmentState string

const (
	AssignmentOffered  AssignmentState = "offered"
	AssignmentAccepted AssignmentState = "accepted"
	AssignmentDeclined AssignmentState = "declined"
	AssignmentTimedOut AssignmentState = "timed_out"
)

// Assignment records one offer attempt. Declined and timed-out assignments are
// kept for audit and never reactivated.
type Assignment struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	WorkerID         string          `json:"worker_id"`
	OfferedAt        time.Time       `json:"offered_at"`
	ResponseDeadline time.Time       `json:"response_deadline"`
	State            AssignmentState `json:"state"`
}

type WaitingEntry struct {
	RequestID  string    `json:"request_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Priority   float64   `json:"priority"`
}

// Route is a distance/duration estimate between two points.
type Route struct {
	DistanceMeters  float64 `json:"distance_m"`
	DurationSeconds float64 `json:"duration_s"`
	Degraded        bool    `json:"degraded"`
}

// OfferSummary is the payload pushed to a worker alongside an offer.
type OfferSummary struct {
	AssignmentID string    `json:"assignment_id"`
	RequestID    string    `json:"request_id"`
	Origin       GeoPoint  `json:"origin"`
	Destination  GeoPoint  `json:"destination"`
	Capability   string    `json:"capability"`
	Price        float64   `json:"price"`
	Deadline     time.Time `json:"deadline"`
}

// PositionReport is the wire shape for worker location updates, both on the
// HTTP ingest path and on Kafka.
type PositionReport struct {
	WorkerID   string  `json:"worker_id"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Capability string  `json:"capability"`
	Rating     float64 `json:"rating"` // 0..5
}

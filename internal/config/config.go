package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch engine
// process. Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	OSRMEndpoint      string
	PushEndpoint      string
	RiderEndpoint     string
	TripEndpoint      string
	StripeEnabled     bool
	Currency          string
	DefaultSpeedMps   float64

	// geo index
	GeoCellMeters  float64
	GeoTTL         time.Duration
	ReaperInterval time.Duration

	// matching
	CandidateLimit   int
	InitialRadius    float64
	MaxRadius        float64
	OfferTimeout     time.Duration
	MaxOfferAttempts int
	DistanceWeight   float64
	QualityWeight    float64

	// pricing
	BaseFare          float64
	PerKm             float64
	PerMinute         float64
	MinFare           float64
	MultiplierFloor   float64
	MultiplierCeiling float64
	SupplyRadius      float64
	QuoteTTL          time.Duration
	VarianceCap       float64
	DemandWindow      time.Duration

	// wait queue
	MaxWait       time.Duration
	SweepInterval time.Duration
	RetryAfter    time.Duration
	ProbeRadius   float64
	ProbeLimit    int
	AgeWeight     float64
	TierWeight    float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "workers_geo",
		KafkaTopic:      "worker-locations",
		Currency:        "usd",
		DefaultSpeedMps: 10,

		GeoCellMeters:  150,
		GeoTTL:         5 * time.Minute,
		ReaperInterval: time.Minute,

		CandidateLimit:   20,
		InitialRadius:    3000,
		MaxRadius:        15000,
		OfferTimeout:     15 * time.Second,
		MaxOfferAttempts: 5,
		DistanceWeight:   1000,
		QualityWeight:    0.5,

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

		MaxWait:       120 * time.Second,
		SweepInterval: 5 * time.Second,
		RetryAfter:    2 * time.Second,
		ProbeRadius:   15000,
		ProbeLimit:    3,
		AgeWeight:     1,
		TierWeight:    30,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.RiderEndpoint, "RIDER_ENDPOINT")
	setStringFromEnv(&cfg.TripEndpoint, "TRIP_ENDPOINT")
	cfg.StripeEnabled = os.Getenv("STRIPE_API_KEY") != ""
	setStringFromEnv(&cfg.Currency, "CURRENCY")
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setFloatFromEnv(&cfg.GeoCellMeters, "GEO_CELL_METERS", &errs)
	setDurationFromEnv(&cfg.GeoTTL, "GEO_TTL", &errs)
	setDurationFromEnv(&cfg.ReaperInterval, "GEO_REAPER_INTERVAL", &errs)

	setIntFromEnv(&cfg.CandidateLimit, "MATCH_CANDIDATE_LIMIT", &errs)
	setFloatFromEnv(&cfg.InitialRadius, "MATCH_INITIAL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.MaxRadius, "MATCH_MAX_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "MATCH_OFFER_TIMEOUT", &errs)
	setIntFromEnv(&cfg.MaxOfferAttempts, "MATCH_MAX_OFFER_ATTEMPTS", &errs)
	setFloatFromEnv(&cfg.DistanceWeight, "MATCH_DISTANCE_WEIGHT", &errs)
	setFloatFromEnv(&cfg.QualityWeight, "MATCH_QUALITY_WEIGHT", &errs)

	setFloatFromEnv(&cfg.BaseFare, "PRICE_BASE_FARE", &errs)
	setFloatFromEnv(&cfg.PerKm, "PRICE_PER_KM", &errs)
	setFloatFromEnv(&cfg.PerMinute, "PRICE_PER_MINUTE", &errs)
	setFloatFromEnv(&cfg.MinFare, "PRICE_MIN_FARE", &errs)
	setFloatFromEnv(&cfg.MultiplierFloor, "PRICE_MULTIPLIER_FLOOR", &errs)
	setFloatFromEnv(&cfg.MultiplierCeiling, "PRICE_MULTIPLIER_CEILING", &errs)
	setFloatFromEnv(&cfg.SupplyRadius, "PRICE_SUPPLY_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.QuoteTTL, "PRICE_QUOTE_TTL", &errs)
	setFloatFromEnv(&cfg.VarianceCap, "PRICE_VARIANCE_CAP", &errs)
	setDurationFromEnv(&cfg.DemandWindow, "PRICE_DEMAND_WINDOW", &errs)

	setDurationFromEnv(&cfg.MaxWait, "WAIT_MAX", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "WAIT_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.RetryAfter, "WAIT_RETRY_AFTER", &errs)
	setFloatFromEnv(&cfg.ProbeRadius, "WAIT_PROBE_RADIUS_M", &errs)
	setIntFromEnv(&cfg.ProbeLimit, "WAIT_PROBE_LIMIT", &errs)
	setFloatFromEnv(&cfg.AgeWeight, "WAIT_AGE_WEIGHT", &errs)
	setFloatFromEnv(&cfg.TierWeight, "WAIT_TIER_WEIGHT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.MaxOfferAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_OFFER_ATTEMPTS must be > 0"))
	}
	if cfg.InitialRadius <= 0 || cfg.MaxRadius < cfg.InitialRadius {
		errs = append(errs, fmt.Errorf("match radii must satisfy 0 < initial <= max"))
	}
	if cfg.MultiplierCeiling < 1 {
		errs = append(errs, fmt.Errorf("PRICE_MULTIPLIER_CEILING must be >= 1"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

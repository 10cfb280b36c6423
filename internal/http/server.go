package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
	"github.com/example/ride-dispatch/internal/waitqueue"
)

// Server wires the engine components behind a thin HTTP facade. All matching
// and pricing logic lives in the internal packages; handlers only decode,
// delegate, and encode.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	Engine *matcher.Engine
	Queue  *waitqueue.Queue
	Geo    geo.Index
	Kafka  *ingest.KafkaProducer
	WSReg  *dispatch.WSRegistry

	gridIndex *geo.GridIndex // nil when the Redis backend is active
	mux       *mux.Router
}

// NewServer assembles the full engine from config. Redis, Kafka, Postgres and
// Stripe are all optional; absent ones fall back to in-process equivalents.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var index geo.Index
	var grid *geo.GridIndex
	if cfg.RedisAddr != "" {
		index = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.GeoTTL)
	} else {
		grid = geo.NewGridIndex(geo.WithCellSize(cfg.GeoCellMeters), geo.WithTTL(cfg.GeoTTL))
		index = grid
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Warn("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var osrm routing.Estimator
	if cfg.OSRMEndpoint != "" {
		osrm = routing.NewOSRMClient(cfg.OSRMEndpoint)
	}
	routes := &routing.Resilient{
		Inner:    osrm,
		Cache:    routing.NewCache(cfg.QuoteTTL),
		SpeedMps: cfg.DefaultSpeedMps,
	}

	pe := pricing.NewEngine(routes, nil, pricing.Config{
		BaseFare:          cfg.BaseFare,
		PerKm:             cfg.PerKm,
		PerMinute:         cfg.PerMinute,
		MinFare:           cfg.MinFare,
		MultiplierFloor:   cfg.MultiplierFloor,
		MultiplierCeiling: cfg.MultiplierCeiling,
		SupplyRadius:      cfg.SupplyRadius,
		QuoteTTL:          cfg.QuoteTTL,
		VarianceCap:       cfg.VarianceCap,
		DemandWindow:      cfg.DemandWindow,
	})
	pe.FallbackSpeedMps = cfg.DefaultSpeedMps

	wsreg := dispatch.NewWSRegistry()
	notifier := dispatch.NewOfferDispatcher(wsreg, cfg.PushEndpoint, logger)

	var pay *payments.StripeClient
	if cfg.StripeEnabled {
		pay = payments.NewStripeClient(cfg.Currency)
	}
	trips := trip.NewClient(cfg.TripEndpoint, pay, logger)

	eng := matcher.NewEngine(index, pe, store, notifier, trips, logger, matcher.Config{
		CandidateLimit:   cfg.CandidateLimit,
		InitialRadius:    cfg.InitialRadius,
		MaxRadius:        cfg.MaxRadius,
		OfferTimeout:     cfg.OfferTimeout,
		MaxOfferAttempts: cfg.MaxOfferAttempts,
	})
	eng.Scorer = matcher.DefaultScorer(cfg.DistanceWeight, cfg.QualityWeight)
	pe.Supply = eng // supply counts come from idle workers around the origin

	rider := dispatch.NewRiderNotifier(cfg.RiderEndpoint, logger)
	queue := waitqueue.New(eng, rider, logger, waitqueue.Config{
		MaxWait:       cfg.MaxWait,
		SweepInterval: cfg.SweepInterval,
		RetryAfter:    cfg.RetryAfter,
		ProbeRadius:   cfg.ProbeRadius,
		ProbeLimit:    cfg.ProbeLimit,
		AgeWeight:     cfg.AgeWeight,
		TierWeight:    cfg.TierWeight,
	})
	eng.Wait = queue
	eng.IdleHook = func(workerID string, p models.GeoPoint, capability string) {
		queue.WorkerAvailable(context.Background(), p, capability)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		Engine:    eng,
		Queue:     queue,
		Geo:       index,
		Kafka:     kp,
		WSReg:     wsreg,
		gridIndex: grid,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// Run starts the background loops (wait-queue sweep, geo reaper) and blocks
// until the context ends.
func (s *Server) Run(ctx context.Context) {
	if s.gridIndex != nil {
		s.gridIndex.StartReaper(ctx, s.cfg.ReaperInterval)
	}
	s.Engine.StartEviction(ctx, s.cfg.ReaperInterval, s.cfg.GeoTTL)
	s.Queue.Run(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleSubmitRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/cancel", s.handleCancelRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/settle", s.handleSettle).Methods("POST")
	s.mux.HandleFunc("/api/v1/assignments/{assignment_id}/respond", s.handleRespond).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers/{worker_id}/availability", s.handleAvailability).Methods("POST")
	s.mux.HandleFunc("/internal/worker/locations", s.handleWorkerLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{worker_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

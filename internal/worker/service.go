// Package worker provides the HTTP service of the retention engine: the
// dashboard read surface, the agent write surface and the scheduled
// recomputation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/retention/internal/alerts"
	"github.com/thebtf/retention/internal/briefing"
	"github.com/thebtf/retention/internal/catalog"
	"github.com/thebtf/retention/internal/config"
	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/internal/ledger"
	"github.com/thebtf/retention/internal/maintenance"
	"github.com/thebtf/retention/internal/metrics"
	"github.com/thebtf/retention/internal/notify"
	"github.com/thebtf/retention/internal/queue"
	"github.com/thebtf/retention/internal/scoring"
	"github.com/thebtf/retention/pkg/models"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// ReadyPollInterval is how often WaitReady checks initialization status.
	ReadyPollInterval = 50 * time.Millisecond

	// MaxRequestBody caps request bodies on the write surface.
	MaxRequestBody = 64 << 10

	// LeaseTTL is the recomputation lease lifetime; it is refreshed while held.
	LeaseTTL = time.Minute
)

// readSide holds the read-side builders. It is swapped as a whole when
// settings are reloaded.
type readSide struct {
	queue    *queue.Builder
	briefing *briefing.Generator
}

// Service is the main worker service orchestrator.
type Service struct {
	// Version of the worker binary
	version string

	// Configuration
	config   *config.Config
	configMu sync.RWMutex

	// Database
	store           *gorm.Store
	riskStore       *gorm.RiskStore
	alertStore      *gorm.AlertStore
	adjustmentStore *gorm.AdjustmentStore
	attributeStore  *gorm.AttributeStore

	// Domain services
	calculator   *scoring.Calculator
	recalculator *scoring.Recalculator
	ledger       *ledger.Ledger
	tracker      *alerts.Tracker
	maintenance  *maintenance.Service
	reads        atomic.Pointer[readSide]

	// Notifications
	bus         *notify.Bus
	broadcaster *notify.Broadcaster
	tasks       notify.TaskSource
	redis       *redis.Client
	metrics     *metrics.Metrics

	// HTTP server
	router      *chi.Mux
	server      *http.Server
	writeLimits *AgentLimiter
	origins     *Origins
	startTime   time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Initialization state (for deferred init)
	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex
}

// NewService creates a new worker service with deferred initialization.
// The service answers /health immediately; the database and the engine are
// set up by Start in the background.
func NewService(version string, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.Get()
	}

	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:     version,
		config:      cfg,
		bus:         notify.NewBus(notify.DefaultBufferSize, log.Logger),
		broadcaster: notify.NewBroadcaster(),
		router:      chi.NewRouter(),
		writeLimits: NewAgentLimiter(WriteRateLimit, WriteRateBurst),
		origins:     NewOrigins(cfg.CORSOrigins),
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
	}

	svc.bus.Subscribe(notify.NewLogSink(log.Logger))
	svc.bus.Subscribe(svc.broadcaster)

	svc.setupMiddleware()
	svc.setupRoutes()

	return svc, nil
}

// Config returns the active configuration.
func (s *Service) Config() *config.Config {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config
}

// initializeAsync performs heavy initialization in the background.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization...")

	if err := s.initialize(s.ctx); err != nil {
		s.setInitError(err)
		return
	}
	log.Info().Msg("Async initialization complete - service ready")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recalculator.Start(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintenance.Start(s.ctx)
	}()

	s.startConfigWatcher()
}

// initialize opens the database and wires the engine. The service is ready
// when it returns nil.
func (s *Service) initialize(ctx context.Context) error {
	cfg := s.Config()

	outcomes, err := catalog.Load(cfg.OutcomeCatalogPath)
	if err != nil {
		return fmt.Errorf("load outcome catalog: %w", err)
	}

	if cfg.DatabaseDSN == "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0750); err != nil {
			return fmt.Errorf("ensure data dir: %w", err)
		}
	}
	store, err := gorm.NewStore(gorm.Config{
		DSN:      cfg.DatabaseDSN,
		Path:     cfg.DBPath,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}

	m, err := metrics.NewGlobal()
	if err != nil {
		log.Warn().Err(err).Msg("Metrics unavailable")
		m = nil
	}
	s.bus.SetMetrics(m)

	riskStore := gorm.NewRiskStore(store, cfg.ConflictRetries)
	riskStore.SetLocation(cfg.Location())
	riskStore.OnConflict(func(ctx context.Context, _ string, _ int) { m.Conflict(ctx) })
	alertStore := gorm.NewAlertStore(store)
	adjustmentStore := gorm.NewAdjustmentStore(store)
	attributeStore := gorm.NewAttributeStore(store)

	// Redis is optional: without it events stay in-process, the lease is
	// local and the briefing reports zero completed tasks.
	var (
		rdb   *redis.Client
		tasks notify.TaskSource = notify.StaticTaskSource{}
		lease scoring.Lease     = &scoring.LocalLease{}
	)
	if cfg.RedisAddr != "" {
		client, err := notify.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable - task sink and shared lease disabled")
		} else {
			rdb = client
			s.bus.Subscribe(notify.NewRedisSink(rdb, cfg.RedisChannel))
			tasks = notify.NewRedisTaskSource(rdb)
			lease = scoring.NewRedisLease(redislock.New(rdb), scoring.DefaultLeaseKey, LeaseTTL, log.Logger)
			log.Info().Str("addr", cfg.RedisAddr).Str("channel", cfg.RedisChannel).Msg("Redis task sink enabled")
		}
	}

	calculator := scoring.NewCalculator(nil)
	recalculator := scoring.NewRecalculator(attributeStore, riskStore, calculator, scoring.RecalculatorConfig{
		Interval:             cfg.RecomputeInterval,
		InitialDelay:         cfg.RecomputeInitialDelay,
		PageSize:             cfg.RecomputePageSize,
		Concurrency:          cfg.RecomputeConcurrency,
		NeutralOnSourceError: cfg.NeutralOnSourceError,
	}, log.Logger)
	recalculator.SetLease(lease)
	recalculator.SetPublisher(s.bus)
	recalculator.SetMetrics(m)

	l := ledger.New(riskStore, adjustmentStore, outcomes, log.Logger)
	l.SetPublisher(s.bus)
	l.SetMetrics(m)

	tracker := alerts.NewTracker(alertStore, log.Logger)
	tracker.SetPublisher(s.bus)
	tracker.SetMetrics(m)

	housekeeping := maintenance.NewService(store, maintenance.Config{
		Enabled:      cfg.MaintenanceEnabled,
		Interval:     cfg.MaintenanceInterval,
		InitialDelay: maintenance.DefaultInitialDelay,
	}, log.Logger)

	s.initMu.Lock()
	s.store = store
	s.riskStore = riskStore
	s.alertStore = alertStore
	s.adjustmentStore = adjustmentStore
	s.attributeStore = attributeStore
	s.calculator = calculator
	s.recalculator = recalculator
	s.ledger = l
	s.tracker = tracker
	s.maintenance = housekeeping
	s.tasks = tasks
	s.redis = rdb
	s.metrics = m
	s.initMu.Unlock()

	s.reads.Store(s.buildReadSide(cfg))
	s.bus.Start(s.ctx)
	s.ready.Store(true)
	return nil
}

// buildReadSide creates the queue builder and briefing generator for cfg.
func (s *Service) buildReadSide(cfg *config.Config) *readSide {
	q := queue.NewBuilder(s.riskStore, s.alertStore)
	q.SetLimits(cfg.QueueDefaultLimit, cfg.QueueMaxLimit)

	depth, err := models.ParseCategory(cfg.QueueDepthMinCategory)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid queue depth category, using high")
		depth = models.CategoryHigh
	}

	gen := briefing.NewGenerator(s.riskStore, s.adjustmentStore, s.alertStore, q, s.tasks, briefing.Config{
		Location:           cfg.Location(),
		QueueDepthCategory: depth,
		IncreaseThreshold:  cfg.BriefingIncreaseMin,
		PriorityCount:      cfg.BriefingPriorityCount,
		StaleContactDays:   cfg.BriefingStaleDays,
	})
	return &readSide{queue: q, briefing: gen}
}

// applyConfig applies reloaded settings that take effect without restart.
func (s *Service) applyConfig(cfg *config.Config) {
	s.configMu.Lock()
	s.config = cfg
	s.configMu.Unlock()
	s.origins.Set(cfg.CORSOrigins)

	if !s.ready.Load() {
		return
	}
	s.riskStore.SetLocation(cfg.Location())
	s.reads.Store(s.buildReadSide(cfg))
	s.recalculator.SetInterval(cfg.RecomputeInterval)
	log.Info().Dur("recompute_interval", cfg.RecomputeInterval).Msg("Read-side settings applied")
}

// startConfigWatcher reloads settings when the settings file changes.
func (s *Service) startConfigWatcher() {
	path := config.SettingsPath()
	w, err := config.NewWatcher(path, s.applyConfig)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to create config watcher")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Run(s.ctx)
	}()
	log.Info().Str("path", path).Msg("Config file watcher started")
}

// setInitError records an initialization error.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// WaitReady blocks until initialization finished or failed.
func (s *Service) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(ReadyPollInterval)
	defer ticker.Stop()
	for {
		if s.ready.Load() {
			return nil
		}
		if err := s.GetInitError(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(SecurityHeaders(s.origins))
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Health check works during init
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)

	// Readiness check - returns 200 only when fully initialized
	s.router.Get("/api/ready", s.handleReady)

	// SSE stream has no deadline
	s.router.Get("/api/events", s.broadcaster.HandleSSE)

	// Routes that require DB to be ready
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultHTTPTimeout))
		r.Use(s.requireReady)

		// Dashboard reads
		r.Get("/api/priority-queue", s.handlePriorityQueue)
		r.Get("/api/risk-distribution", s.handleRiskDistribution)
		r.Get("/api/briefing", s.handleBriefing)
		r.Get("/api/alerts", s.handleListAlerts)
		r.Get("/api/alert/{id}", s.handleGetAlert)
		r.Get("/api/clients/{id}/risk", s.handleClientRisk)
		r.Get("/api/clients/{id}/adjustments", s.handleClientAdjustments)
		r.Get("/api/outcomes", s.handleOutcomes)
		r.Get("/api/recompute/stats", s.handleRecomputeStats)
		r.Get("/api/stats", s.handleStats)

		// Agent writes
		r.Group(func(r chi.Router) {
			r.Use(MaxBodySize(MaxRequestBody))
			r.Use(RequireJSONContentType)
			r.Use(s.writeLimits.Middleware)

			r.Post("/api/call-outcome", s.handleCallOutcome)
			r.Post("/api/alert/{id}/viewed", s.handleAlertViewed)
			r.Post("/api/alert/{id}/acted-on", s.handleAlertActedOn)
			r.Post("/api/clients/{id}/score", s.handleManualScore)
			r.Post("/api/recompute", s.handleRecompute)
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start starts the worker service.
// The HTTP server starts immediately; database initialization happens async.
func (s *Service) Start() error {
	port := s.Config().WorkerPort

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	go s.initializeAsync()

	log.Info().
		Int("port", port).
		Int("pid", os.Getpid()).
		Msg("Worker HTTP server started (initialization in progress)")

	return nil
}

// Shutdown gracefully shuts down the service.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	s.initMu.RLock()
	recalculator, housekeeping, store, rdb := s.recalculator, s.maintenance, s.store, s.redis
	s.initMu.RUnlock()

	if recalculator != nil {
		recalculator.Stop()
	}
	if housekeeping != nil {
		housekeeping.Stop()
	}
	s.cancel()
	s.bus.Close()

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Redis close error")
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Database close error")
		}
	}

	s.wg.Wait()

	log.Info().Msg("Worker service shutdown complete")
	return nil
}

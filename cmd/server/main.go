package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/agentpool"
	"github.com/dennisdiepolder/monti/handoff/internal/alerts"
	"github.com/dennisdiepolder/monti/handoff/internal/api"
	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/callqueue"
	"github.com/dennisdiepolder/monti/handoff/internal/config"
	"github.com/dennisdiepolder/monti/handoff/internal/events"
	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/reconcile"
	"github.com/dennisdiepolder/monti/handoff/internal/relay"
	"github.com/dennisdiepolder/monti/handoff/internal/router"
	"github.com/dennisdiepolder/monti/handoff/internal/storage"
	"github.com/dennisdiepolder/monti/handoff/internal/store"
	"github.com/dennisdiepolder/monti/handoff/internal/store/memory"
	"github.com/dennisdiepolder/monti/handoff/internal/store/sqlstore"
	"github.com/dennisdiepolder/monti/handoff/internal/ticker"
	"github.com/dennisdiepolder/monti/handoff/internal/trigger"
	"github.com/dennisdiepolder/monti/handoff/internal/websocket"
	"github.com/dennisdiepolder/monti/handoff/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Str("store", cfg.StoreDriver).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("starting handoff server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, metrics.Get(), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise")
	}
	a.start(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	cancel()
	a.stop()

	log.Info().Msg("server stopped")
}

// app holds the wired components of one server process
type app struct {
	cfg        *config.Config
	store      store.Store
	dispatcher *events.Dispatcher
	hub        *websocket.Hub
	router     *router.Router
	relay      *relay.Relay
	archive    storage.Archive
	ticker     *ticker.Ticker
	jobs       *reconcile.Manager
	auth       *auth.Authenticator
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	dispatchCtx    context.Context
	stopDispatcher context.CancelFunc
	wg             sync.WaitGroup
}

func newApp(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	hub := websocket.NewHub(m, logger)
	sinks, err := eventSinks(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	dispatcher := events.NewDispatcher(cfg.EventBufferSize, m, logger, append([]events.Sink{hub}, sinks...)...)

	archive, err := storage.NewArchive(ctx, logger)
	if err != nil {
		dispatcher.Close()
		st.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}

	estimator := callqueue.NewWaitEstimator()
	estimator.Window = cfg.WaitWindow
	estimator.SampleLimit = cfg.WaitSampleLimit
	estimator.DefaultMinutes = float64(cfg.DefaultWaitMinutes)

	rt := router.New(router.Options{
		Store:           st,
		Pool:            agentpool.NewPool(cfg.DefaultAgentCapacity, cfg.Departments, logger),
		Strategy:        agentpool.LeastLoaded{},
		Queue:           callqueue.New(estimator, logger),
		Trigger:         trigger.New(cfg.Departments),
		Publisher:       dispatcher,
		Archive:         archive,
		Metrics:         m,
		Alerts:          alerts.DefaultRules,
		SLThresholdSecs: cfg.SLThresholdSecs,
		Logger:          logger,
	})

	return &app{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		hub:        hub,
		router:     rt,
		relay:      relay.New(st, dispatcher, m, logger),
		archive:    archive,
		ticker:     ticker.NewTicker(rt, hub, m, cfg.QueueBroadcastInterval, logger),
		jobs: reconcile.NewManager(rt, reconcile.Options{
			ReconcileSchedule: cfg.ReconcileSchedule,
			MaxQueueWait:      cfg.MaxQueueWait,
			AbandonAfter:      cfg.AbandonAfter,
		}, m, logger),
		auth: auth.New(auth.Settings{
			SkipAuth:        cfg.SkipAuth,
			VerifySignature: cfg.VerifyJWT,
			IssuerURL:       cfg.OIDCIssuer,
		}, logger),
		metrics: m,
		logger:  logger,
	}, nil
}

// openStore selects the operational store from STORE_DRIVER
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return sqlstore.Open(ctx, sqlstore.DriverPostgres, cfg.DatabaseURL, cfg.DBMaxConns, logger)
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "file:handoff.db?_busy_timeout=5000"
		}
		return sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn, cfg.DBMaxConns, logger)
	default:
		logger.Warn().Msg("using in-memory store, state is lost on restart")
		return memory.New(), nil
	}
}

// eventSinks connects the optional external sinks that are configured
func eventSinks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]events.Sink, error) {
	var sinks []events.Sink
	closeAll := func() {
		for _, s := range sinks {
			s.Close()
		}
	}

	if cfg.RedisURL != "" {
		client, err := events.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		sinks = append(sinks, events.NewRedisSink(client, cfg.RedisChannelPrefix))
		logger.Info().Str("prefix", cfg.RedisChannelPrefix).Msg("redis event sink enabled")
	}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		sinks = append(sinks, sink)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka event sink enabled")
	}
	if cfg.AMQPURL != "" {
		sink, err := events.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("amqp: %w", err)
		}
		sinks = append(sinks, sink)
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("amqp event sink enabled")
	}
	return sinks, nil
}

// start launches the background loops. The dispatcher gets its own
// context so it can drain after everything else has stopped.
func (a *app) start(ctx context.Context) {
	a.dispatchCtx, a.stopDispatcher = context.WithCancel(context.Background())

	a.wg.Add(3)
	go func() { defer a.wg.Done(); a.hub.Run(a.dispatchCtx) }()
	go func() { defer a.wg.Done(); a.dispatcher.Run(a.dispatchCtx) }()
	go func() { defer a.wg.Done(); a.ticker.Start(ctx) }()

	if err := a.jobs.Start(); err != nil {
		a.logger.Error().Err(err).Msg("scheduled jobs not started")
	}
}

// stop waits for in-flight work, flushes events and closes the store
func (a *app) stop() {
	a.jobs.Stop()
	a.router.Drain()

	a.stopDispatcher()
	a.wg.Wait()
	if err := a.dispatcher.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing event sinks")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing store")
	}
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(a.logger))
	r.Use(middleware.Metrics(a.metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(a.cfg.AllowedOrigins))

	// Public routes
	r.Get("/health", healthHandler)
	r.Get("/metrics", a.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.auth.Middleware)
		r.Handle("/ws", websocket.NewHandler(a.hub, a.cfg, a.logger))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.auth.Middleware)
		api.NewHandler(a.router, a.relay, a.archive, a.logger).Routes(r)
	})

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"handoff"}`)
}

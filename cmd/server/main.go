package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Priya8975/promo-dispatch/internal/api"
	"github.com/Priya8975/promo-dispatch/internal/cache"
	"github.com/Priya8975/promo-dispatch/internal/carrier"
	"github.com/Priya8975/promo-dispatch/internal/config"
	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/engine"
	"github.com/Priya8975/promo-dispatch/internal/logger"
	"github.com/Priya8975/promo-dispatch/internal/metrics"
	"github.com/Priya8975/promo-dispatch/internal/render"
	"github.com/Priya8975/promo-dispatch/internal/store"
	"github.com/Priya8975/promo-dispatch/internal/tracking"
	ws "github.com/Priya8975/promo-dispatch/internal/websocket"
	"github.com/Priya8975/promo-dispatch/internal/worker"
)

const version = "1.0.0"

// backend is what the server needs from either store implementation.
type backend interface {
	store.Repository
	store.Catalog
	store.CatalogWriter
}

func main() {
	cfg, err := config.Load(os.Getenv("PROMO_CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.CatalogSeedFile != "" {
		if err := seedCatalog(ctx, repo, cfg.CatalogSeedFile, log); err != nil {
			return err
		}
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = store.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		log.Info("connected to Redis")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}

	limits := engine.RateLimits{
		MaxPerHour: cfg.Rate.MaxSendPerHour,
		MaxPerDay:  cfg.Rate.MaxSendPerDay,
		MinDelay:   cfg.Rate.MinDelayBetweenSends,
	}
	var governor engine.RateGovernor
	if cfg.Rate.Backend == "redis" {
		governor = engine.NewRedisGovernor(rdb, limits, log)
	} else {
		governor = engine.NewMemoryGovernor(limits)
	}
	admitter := engine.NewAdmitter(governor, recorder, log)

	sender := newSender(cfg.Carrier, log)
	if cfg.Carrier.BreakerThreshold > 0 {
		sender = carrier.NewBreaker(sender, rdb, cfg.Carrier.BreakerThreshold, cfg.Carrier.BreakerCooldown, log)
	}
	renderer := render.NewTemplateRenderer(repo, cfg.PublicBaseURL)

	hub := ws.NewHub(log)
	go hub.Run(ctx)

	policy := worker.RetryPolicy{
		MaxRetries:  cfg.Dispatch.MaxRetries,
		BaseDelay:   cfg.Dispatch.RetryBaseDelay,
		MaxDelay:    cfg.Dispatch.RetryMaxDelay,
		SendTimeout: cfg.Dispatch.SendTimeout,
	}
	deliverer := worker.NewDeliverer(repo, renderer, sender, admitter,
		cfg.Dispatch.GlobalConcurrency, policy, hub, recorder, log)
	dispatcher := worker.NewDispatcher(repo, engine.NewFanOut(repo, log), deliverer, sender,
		worker.Options{
			JobConcurrency: cfg.Dispatch.JobConcurrency,
			PollInterval:   cfg.Dispatch.PollInterval,
			ClaimBatch:     cfg.Dispatch.ClaimBatch,
			AdoptOrphans:   cfg.Dispatch.AdoptOrphans,
		}, hub, recorder, log)

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Start(dispatchCtx)
	}()

	var respCache cache.Cache
	if cfg.Cache.Backend == "redis" {
		respCache = cache.NewRedisCache(rdb, "cache:")
	} else {
		respCache = cache.NewMemoryCache()
	}
	janitor := cache.NewJanitor(respCache, cfg.Cache.SweepInterval, log)
	if err := janitor.Start(); err != nil {
		stopDispatch()
		return err
	}
	defer janitor.Stop()

	router := api.NewRouter(api.Deps{
		Jobs:               dispatcher,
		Repo:               repo,
		Tracking:           tracking.NewIngest(repo, repo, cfg.DefaultRedirectURL, recorder, log),
		Cache:              respCache,
		CacheTTL:           cfg.Cache.ListTTL,
		Hub:                hub,
		Metrics:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		DefaultRedirectURL: cfg.DefaultRedirectURL,
		Logger:             log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down server...")
	case err = <-serveErr:
		log.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("server forced to shutdown", "error", shutdownErr)
	}

	// In-flight sends finish and are recorded; unfinished jobs stay PROCESSING.
	stopDispatch()
	<-dispatchDone
	dispatcher.Wait()
	return err
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (backend, func(), error) {
	if cfg.StoreBackend == "memory" {
		log.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to PostgreSQL")

	if err := pg.RunMigrations(ctx, cfg.MigrationsDir); err != nil {
		pg.Close()
		return nil, nil, err
	}
	log.Info("database migrations applied")
	return pg, pg.Close, nil
}

func seedCatalog(ctx context.Context, w store.CatalogWriter, path string, log *slog.Logger) error {
	seed, err := config.LoadCatalogSeed(path)
	if err != nil {
		return err
	}
	for _, p := range seed.Products {
		if err := w.PutProduct(ctx, p); err != nil {
			return err
		}
	}
	for _, c := range seed.Contacts {
		if err := w.PutContact(ctx, c); err != nil {
			return err
		}
	}
	log.Info("catalog seeded", "products", len(seed.Products), "contacts", len(seed.Contacts))
	return nil
}

func newSender(c config.CarrierConfig, log *slog.Logger) carrier.Sender {
	if c.Mode == "http" {
		endpoints := map[domain.Channel]string{}
		if c.SMSURL != "" {
			endpoints[domain.ChannelSMS] = c.SMSURL
		}
		if c.KakaoURL != "" {
			endpoints[domain.ChannelKakao] = c.KakaoURL
		}
		return carrier.NewHTTPSender(log, endpoints, c.APIKey, c.SenderID, nil)
	}

	mock := carrier.NewMockSender(log, c.MockFailRate, c.MockMinLatency, c.MockMaxLatency)
	return carrier.NewRouter().
		Register(domain.ChannelSMS, mock).
		Register(domain.ChannelKakao, mock)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"keygate/internal/admin"
	"keygate/internal/auth"
	"keygate/internal/config"
	"keygate/internal/db"
	"keygate/internal/gate"
	"keygate/internal/keystore"
	"keygate/internal/ledger"
	"keygate/internal/lifecycle"
	"keygate/internal/metrics"
	"keygate/internal/model"
	"keygate/internal/perimeter"
	"keygate/internal/portal"
	"keygate/internal/proxy"
	"keygate/internal/quota"
	"keygate/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsPath = "/metrics"
	healthPath  = "/healthz"
)

// app holds every long-lived component of a running gateway.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store     keystore.Store
	usage     ledger.Reader
	kafka     *ledger.KafkaSink
	recorder  *ledger.Recorder
	gate      *gate.Gate
	manager   *lifecycle.Manager
	sessions  *auth.Sessions
	perimeter *perimeter.Limiter
	scheduler *scheduler.Scheduler
}

// newApp opens the store and wires the components. close releases them.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	store, err := keystore.Open(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s key store: %w", cfg.Store.Type, err)
	}
	log.Info("Key store opened", "type", cfg.Store.Type)

	a := &app{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  m,
		store:    store,
	}

	primary := usageSink(store)
	a.usage = primary
	sinks := []ledger.Sink{primary}
	if len(cfg.Ledger.Kafka.Brokers) > 0 {
		a.kafka = ledger.NewKafkaSink(cfg.Ledger.Kafka.Brokers, cfg.Ledger.Kafka.Topic)
		sinks = append(sinks, a.kafka)
		log.Info("Publishing usage to kafka", "topic", cfg.Ledger.Kafka.Topic)
	}
	a.recorder = ledger.NewRecorder(sinks, cfg.Ledger.QueueSize, m, log)

	engine := quota.NewEngine(store, log)
	a.gate = gate.New(engine, a.recorder, cfg.Gate.ExemptPaths, m, log)
	a.manager = lifecycle.NewManager(store, freePolicy(cfg), m, log)
	a.sessions = auth.NewSessions(cfg.Session, log)

	a.scheduler = scheduler.NewScheduler(store, m, log)
	if cfg.Perimeter.Enabled {
		a.perimeter = perimeter.New(cfg.Perimeter.RPS, cfg.Perimeter.Burst, m)
		a.scheduler.SweepPerimeter(a.perimeter, cfg.Perimeter.IdleDuration())
	}
	return a, nil
}

// usageSink picks the ledger that lives next to the key store.
func usageSink(store keystore.Store) interface {
	ledger.Sink
	ledger.Reader
} {
	switch s := store.(type) {
	case *db.Service:
		return db.NewLedger(s.GetDB())
	case *keystore.RedisStore:
		return ledger.NewRedisLedger(s.Client())
	}
	return ledger.NewMemoryLedger()
}

func freePolicy(cfg *config.Config) lifecycle.FreePolicy {
	return lifecycle.FreePolicy{
		Limit:    cfg.FreeTier.Limit,
		Duration: cfg.FreeTier.WindowDuration(),
		Owner:    cfg.FreeTier.Owner,
	}
}

// setupRouter builds the HTTP surface.
func setupRouter(a *app) (*gin.Engine, error) {
	router := gin.New()
	router.Use(customRecovery(a.log))
	if a.cfg.Debug {
		router.Use(gin.Logger())
	}
	if a.cfg.Maintenance.Enabled {
		router.Use(maintenance(a.cfg.Maintenance))
	}
	if a.perimeter != nil {
		router.Use(a.perimeter.Middleware())
	}
	router.Use(a.gate.Middleware())

	router.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	router.GET(healthPath, a.healthHandler)

	admin.SetupRoutes(router, admin.NewHandler(a.manager, a.log), a.cfg.Admin.Password)
	portal.SetupRoutes(router, portal.NewHandler(a.manager, a.store, a.usage, a.gate, a.sessions, a.log))
	if _, err := proxy.Mount(router, a.cfg.Upstreams, a.log); err != nil {
		return nil, err
	}
	return router, nil
}

func (a *app) healthHandler(c *gin.Context) {
	// A cheap read proves the store is reachable.
	if _, err := a.store.FindByID(c.Request.Context(), "healthz"); err != nil && !errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// close flushes the ledger and closes the store.
func (a *app) close() {
	a.recorder.Close()
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.log.Error("Failed to close kafka writer", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("Failed to close key store", "error", err)
	}
}

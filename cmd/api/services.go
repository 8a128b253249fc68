package main

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-queue-platform/internal/app/bootstrap"
	"github.com/wolfman30/clinic-queue-platform/internal/appointments"
	"github.com/wolfman30/clinic-queue-platform/internal/audit"
	"github.com/wolfman30/clinic-queue-platform/internal/booking"
	"github.com/wolfman30/clinic-queue-platform/internal/clinic"
	appconfig "github.com/wolfman30/clinic-queue-platform/internal/config"
	"github.com/wolfman30/clinic-queue-platform/internal/http/handlers"
	"github.com/wolfman30/clinic-queue-platform/internal/meetlinks"
	"github.com/wolfman30/clinic-queue-platform/internal/notify"
	"github.com/wolfman30/clinic-queue-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-queue-platform/internal/queue"
	"github.com/wolfman30/clinic-queue-platform/internal/refunds"
	"github.com/wolfman30/clinic-queue-platform/internal/tokens"
	"github.com/wolfman30/clinic-queue-platform/internal/waittime"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

type infra struct {
	pool  *pgxpool.Pool
	redis *redis.Client
	sqlDB *sql.DB
}

func (i *infra) Close() {
	if i.sqlDB != nil {
		_ = i.sqlDB.Close()
	}
	if i.pool != nil {
		i.pool.Close()
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
}

type services struct {
	store         appointments.Store
	tokens        *tokens.Service
	tracker       *queue.Tracker
	engine        *waittime.Engine
	scheduler     *meetlinks.Scheduler
	refunds       *refunds.Service
	booking       *booking.Service
	lifecycle     *handlers.LifecycleHandler
	clinicHandler *clinic.Handler
}

// setupMetrics registers lifecycle metrics on a private registry.
func setupMetrics() (http.Handler, *metrics.LifecycleMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewLifecycleMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), m
}

// buildServices wires every component. Postgres backs the records when a pool
// exists; Redis backs counters, caches and profiles when a client exists.
func buildServices(ctx context.Context, cfg *appconfig.Config, in *infra, m *metrics.LifecycleMetrics, logger *logging.Logger) (*services, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var (
		store    appointments.Store    = appointments.NewMemoryStore()
		counter  queue.PositionCounter = queue.NewMemoryCounter()
		wallet   refunds.Wallet        = refunds.NewMemoryWallet()
		recorder audit.Recorder        = audit.Nop{}
		cache    waittime.Cache        = waittime.NewMemoryCache()
	)
	if in.pool != nil {
		store = appointments.NewPostgresStore(in.pool)
		counter = queue.NewPostgresCounter(in.pool)
		wallet = refunds.NewPostgresWallet(in.pool)
		in.sqlDB = stdlib.OpenDBFromPool(in.pool)
		recorder = audit.NewTrail(in.sqlDB)
	}
	var clinicStore *clinic.Store
	if in.redis != nil {
		counter = queue.NewRedisCounter(in.redis)
		cache = waittime.NewRedisCache(in.redis)
		clinicStore = bootstrap.BuildClinicStore(in.redis)
	}

	engine := waittime.NewEngine(store, cache, logger).WithTTL(cfg.WaitCacheTTL)
	tok := tokens.NewService(store, logger).
		WithGracePeriod(cfg.TokenGracePeriod).
		WithAudit(recorder).
		WithMetrics(m)
	tracker := queue.NewTracker(store, counter, engine, logger).
		WithLocation(loc).
		WithMinutesPerPatient(cfg.QueueMinutesPerPatient).
		WithAudit(recorder).
		WithMetrics(m)

	email, provider, err := bootstrap.BuildEmailSender(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("email transport selected", "provider", provider)
	primary, fallback := bootstrap.BuildMeetLinkProviders(ctx, cfg, logger)
	scheduler := meetlinks.NewScheduler(store, primary, fallback, notify.NewMeetLinkNotifier(email, logger), logger).
		WithLeadTime(cfg.MeetLinkLeadTime).
		WithAudit(recorder).
		WithMetrics(m)

	refundSvc := refunds.NewService(store, bootstrap.RefundPolicy(cfg), bootstrap.BuildRefundGateway(cfg, logger), wallet, logger).
		WithAudit(recorder).
		WithMetrics(m)

	bookingSvc := booking.NewService(store, tok, scheduler, refundSvc, logger).
		WithStats(engine).
		WithLocation(loc).
		WithAudit(recorder).
		WithMetrics(m)

	deps := handlers.LifecycleDeps{
		Store:     store,
		Booking:   bookingSvc,
		Tokens:    tok,
		Queue:     tracker,
		WaitTime:  engine,
		Refunds:   refundSvc,
		Scheduler: scheduler,
	}
	svc := &services{
		store:     store,
		tokens:    tok,
		tracker:   tracker,
		engine:    engine,
		scheduler: scheduler,
		refunds:   refundSvc,
		booking:   bookingSvc,
	}
	if clinicStore != nil {
		engine.WithDefaults(clinicStore)
		scheduler.WithDirectory(clinicStore)
		bookingSvc.WithDoctors(clinicStore)
		deps.Doctors = clinicStore
		svc.clinicHandler = clinic.NewHandler(clinicStore, logger)
	} else {
		logger.Warn("redis unavailable; doctor and patient profiles disabled")
	}
	svc.lifecycle = handlers.NewLifecycleHandler(deps, logger)
	return svc, nil
}

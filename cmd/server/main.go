package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/dqrules/internal/config"
	"github.com/liamcoop/dqrules/internal/logger"
	"github.com/liamcoop/dqrules/internal/metrics"
	"github.com/liamcoop/dqrules/internal/scheduler"
	"github.com/liamcoop/dqrules/rules"
	"github.com/liamcoop/dqrules/tenants"
)

const (
	demoTenantName       = "demo"
	slowRequestThreshold = time.Second
)

type Server struct {
	db      *sql.DB // nil for the memory backend
	tenants *tenants.Manager
	router  *chi.Mux
}

// NewServer wires routes over an already configured tenant manager.
func NewServer(manager *tenants.Manager, db *sql.DB) *Server {
	s := &Server{db: db, tenants: manager}
	s.setupRoutes()
	return s
}

// newManager builds the tenant manager for the configured backend and loads
// any persisted tenants. Extra options (such as a shared Redis cache) are
// passed through to the manager.
func newManager(cfg *config.Config, extra ...tenants.Option) (*tenants.Manager, *sql.DB, error) {
	opts := append([]tenants.Option{
		tenants.WithCacheConfig(rules.CacheConfig{TTL: cfg.Rules.CacheTTL}),
	}, extra...)

	if cfg.StoreBackend == config.BackendMemory {
		return tenants.NewManager(tenants.MemoryStores(cfg.Rules.RejectCycles), opts...), nil, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	manager := tenants.NewManager(
		tenants.PostgresStores(db, cfg.Rules.RejectCycles),
		append(opts, tenants.WithDB(db))...,
	)
	if _, err := manager.LoadAllTenants(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to load tenants: %w", err)
	}
	return manager, db, nil
}

// newRedisClient connects to the shared snapshot cache.
func newRedisClient(cfg config.CacheConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// scheduleBatches registers a job that triggers one batch per tenant on the
// configured schedule.
func scheduleBatches(sched *scheduler.Scheduler, manager *tenants.Manager, cfg config.BatchesConfig) error {
	return sched.Register("scheduled-batches", cfg.Schedule, func() {
		name := "scheduled " + time.Now().UTC().Format(time.RFC3339)
		started, err := manager.TriggerAll(name, cfg.PipelineType, "scheduler")
		if err != nil {
			logger.Error("scheduled batch trigger failed", "error", err, "started", len(started))
			return
		}
		logger.Info("scheduled batches triggered", "batch_name", name, "tenants", len(started))
	})
}

// seedDemoTenant makes sure a "demo" tenant exists and, if it has no rules
// yet, loads the demo rule set into it.
func seedDemoTenant(manager *tenants.Manager) error {
	var ws *tenants.Workspace
	for _, t := range manager.ListTenants() {
		if t.Name == demoTenantName {
			found, err := manager.Workspace(t.ID)
			if err != nil {
				return err
			}
			ws = found
			break
		}
	}
	if ws == nil {
		created, err := manager.CreateTenant(demoTenantName)
		if err != nil {
			return err
		}
		ws = created
	}

	existing, err := ws.Engine.ListRules()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		logger.Info("demo tenant already has rules, skipping seed", "tenant_id", ws.Tenant.ID, "rules", len(existing))
		return nil
	}
	return ws.SeedDemo()
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Use(s.withWorkspace)

			r.Delete("/", s.handleDeleteTenant)

			r.Route("/rules", func(r chi.Router) {
				r.Post("/", s.handleCreateRule)
				r.Get("/", s.handleListRules)
				r.Route("/{ruleId}", func(r chi.Router) {
					r.Get("/", s.handleGetRule)
					r.Patch("/", s.handleUpdateRule)
					r.Delete("/", s.handleDeleteRule)
					r.Get("/dependencies", s.handleDependencies)
					r.Get("/dependents", s.handleDependents)
				})
			})

			r.Get("/graph", s.handleGraph)
			r.Get("/plan", s.handlePlan)

			r.Route("/compliance", func(r chi.Router) {
				r.Post("/", s.handleCreateActivity)
				r.Get("/", s.handleListActivities)
				r.Get("/{activityId}", s.handleGetActivity)
				r.Patch("/{activityId}", s.handleUpdateActivity)
				r.Delete("/{activityId}", s.handleDeleteActivity)
			})

			r.Route("/sites", func(r chi.Router) {
				r.Post("/", s.handleCreateSiteMapping)
				r.Get("/", s.handleListSiteMappings)
				r.Get("/{mappingId}", s.handleGetSiteMapping)
				r.Patch("/{mappingId}", s.handleUpdateSiteMapping)
				r.Delete("/{mappingId}", s.handleDeleteSiteMapping)
			})

			r.Route("/settings", func(r chi.Router) {
				r.Post("/", s.handleCreateSetting)
				r.Get("/", s.handleListSettings)
				r.Get("/{settingKey}", s.handleGetSetting)
				r.Patch("/{settingKey}", s.handleUpdateSetting)
				r.Delete("/{settingKey}", s.handleDeleteSetting)
			})

			r.Route("/batches", func(r chi.Router) {
				r.Post("/", s.handleTriggerBatch)
				r.Get("/", s.handleListBatches)
				r.Get("/{batchUuid}", s.handleGetBatch)
				r.Post("/{batchUuid}/complete", s.handleCompleteBatch)
				r.Post("/{batchUuid}/stop", s.handleStopBatch)
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// instrument logs each request and feeds the HTTP counters.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		metrics.RecordHTTPRequest(r.Method, route, status, elapsed.Seconds())

		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx(status)
		}
		if elapsed > slowRequestThreshold {
			logger.WarnSlowRequest()
			logger.Warn("slow request", "method", r.Method, "path", r.URL.Path, "duration_ms", elapsed.Milliseconds())
		}

		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func main() {
	cfg, err := config.Load(envOr("CONFIG_PATH", "config.yaml"))
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	var managerOpts []tenants.Option
	if cfg.Cache.Backend == config.CacheRedis {
		rdb, err := newRedisClient(cfg.Cache)
		if err != nil {
			logger.Fatal("Failed to connect to redis", "error", err)
		}
		defer rdb.Close()
		managerOpts = append(managerOpts, tenants.WithRedisCache(rdb))
	}

	manager, db, err := newManager(cfg, managerOpts...)
	if err != nil {
		logger.Fatal("Failed to create tenant manager", "error", err, "backend", cfg.StoreBackend)
	}
	if db != nil {
		defer db.Close()
	}

	if cfg.Rules.SeedDemoRules {
		if err := seedDemoTenant(manager); err != nil {
			logger.Fatal("Failed to seed demo tenant", "error", err)
		}
	}

	server := NewServer(manager, db)
	prometheus.MustRegister(metrics.NewWorkspaceCollector(server.workspaceStats))

	sched := scheduler.New()
	if cfg.Batches.Schedule != "" {
		if err := scheduleBatches(sched, manager, cfg.Batches); err != nil {
			logger.Fatal("Failed to schedule batches", "error", err)
		}
	}
	sched.Start()

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting",
			"addr", cfg.Addr(),
			"backend", cfg.StoreBackend,
			"reject_cycles", cfg.Rules.RejectCycles,
			"cache", cfg.Cache.Backend,
			"batch_schedule", cfg.Batches.Schedule,
			"tenants", len(manager.ListTenants()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	sched.Stop()
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("Logger shutdown error", "error", err)
	}

	logger.Info("Server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

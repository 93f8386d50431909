package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-hr-approvals/internal/client"
	"github.com/pesio-ai/be-hr-approvals/internal/handler"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/config"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/database"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Driver).
		Msg("Starting HR Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	var store repository.Store
	switch cfg.Store.Driver {
	case "memory":
		store = repository.NewMemoryStore()
		log.Warn().Msg("Using in-memory store; state is lost on restart")
	default:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		pg := repository.NewPostgresStore(db)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply schema")
			}
		}
		store = pg
		log.Info().Msg("Database connection established")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(registry)

	// Initialize services
	roles := service.NewRoleCatalog(store, store, log)
	flows := service.NewFlowDefinitionStore(store, roles, service.NewConditionEvaluator(), log)
	audit := service.NewAuditLog(store, log)
	scheduler := service.NewEscalationScheduler(store, metrics, log, service.SchedulerOptions{
		SweepSpec: cfg.Escalation.SweepSpec,
	})

	retry := service.DefaultRetryPolicy()
	retry.MaxElapsedTime = cfg.Escalation.CommitRetry
	engine := service.NewApprovalEngine(store, roles, flows, audit, scheduler, metrics, log, service.EngineOptions{
		DefaultEscalationHours: cfg.Escalation.DefaultHours,
		Retry:                  retry,
	})

	if cfg.Seed.File != "" {
		seed, err := service.LoadSeedFile(cfg.Seed.File)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.Seed.File).Msg("Failed to load seed file")
		}
		if err := service.ApplySeed(ctx, roles, flows, seed, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply seed")
		}
	}

	// Notifications
	var sink service.NotificationSink = service.NewLogSink(log)
	if cfg.NATS.URL != "" {
		nc, js, err := client.ConnectJetStream(ctx, cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, notifications will only be logged")
		} else {
			defer drain(nc)
			sink = client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, log.Logger)
			log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS JetStream connected")
		}
	}
	audit.Subscribe(service.NewNotificationRouter(sink, metrics, log))

	if err := scheduler.Start(ctx, engine); err != nil {
		log.Fatal().Err(err).Msg("Failed to start escalation scheduler")
	}
	defer scheduler.Stop()

	// Setup HTTP routes
	auth := handler.NewActorAuth(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.AdminRoles...)
	if !auth.Enabled() {
		log.Warn().Msg("JWT_SECRET not set; actors are taken from request bodies and admin routes are open")
	} else {
		log.Info().Strs("admin_roles", cfg.Auth.AdminRoles).Msg("JWT auth enabled")
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	api := router.NewRoute().Subrouter()
	api.Use(auth.Middleware)
	handler.NewHTTPHandler(engine, roles, flows, store, log).Register(api, auth)

	// Apply middleware
	var h http.Handler = router
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	var grpcServer *grpc.Server
	if cfg.GRPC.Enabled {
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor()))
		handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(engine, log.Logger))

		healthServer := health.NewServer()
		healthServer.SetServingStatus(handler.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		reflection.Register(grpcServer)

		grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create gRPC listener")
		}

		go func() {
			log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
			if err := grpcServer.Serve(grpcListener); err != nil {
				log.Error().Err(err).Msg("gRPC server failed")
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	log.Info().Msg("Server stopped")
}

func drain(nc *nats.Conn) {
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
}

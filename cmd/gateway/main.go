package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/audit"
	"github.com/xela07ax/agentvm-trust/internal/engine"
	"github.com/xela07ax/agentvm-trust/internal/envelope"
	"github.com/xela07ax/agentvm-trust/internal/infra"
	"github.com/xela07ax/agentvm-trust/internal/infra/auth"
	"github.com/xela07ax/agentvm-trust/internal/infra/kms"
	"github.com/xela07ax/agentvm-trust/internal/repository/postgres"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизненного цикла фоновых горутин: SIGTERM отменяет слушателей
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	db, err := postgres.OpenDB(appCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	agentRepo := postgres.NewAgentRepo(db)
	secretRepo := postgres.NewSecretRepo(db)

	// Аудит пачками в Postgres
	agentFS := audit.NewAgentFS(postgres.NewAuditRepo(db), logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		BufferGauge:   metrics.AuditBufferFill,
	})
	agentFS.Start()
	defer agentFS.Stop()

	// 2. Криптография: KEK за лимитером, предохранителем и ретраями
	km, err := kms.NewFromConfig(cfg.KMS)
	if err != nil {
		return err
	}
	crypto := envelope.New(engine.NewReliableKeyManager(km, cfg.KMS, metrics, logger), cfg.KMS.KeyName, logger)

	// 3. Control Plane: отзыв агентов
	revocations := engine.NewRevocationManager(rdb, agentRepo, logger)
	if err := revocations.Init(appCtx); err != nil {
		return err
	}
	go revocations.StartListener(appCtx)

	// 4. Ядро: guard + операции VM
	verifier := auth.NewIdentityVerifier(auth.IdentityOptions{
		TokenInfoURL:         cfg.Identity.TokenInfoURL,
		ServiceAccountPrefix: cfg.Identity.ServiceAccountPrefix,
		InstanceNamePrefix:   cfg.Identity.InstanceNamePrefix,
		HTTPClient:           &http.Client{Timeout: cfg.Identity.IntrospectionTimeout},
		BreakerFailures:      cfg.Identity.BreakerFailures,
		BreakerOpenTimeout:   cfg.Identity.BreakerOpenTimeout,
		OnBreakerChange:      metrics.OnBreakerChange,
	}, logger)
	guard := engine.NewLifecycleGuard(verifier, cfg.Identity.Audience, agentRepo, revocations, agentFS, metrics, logger)
	control := engine.NewAgentControl(guard, agentRepo, secretRepo, crypto, revocations, agentFS, metrics, logger)

	// 5. HTTP
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.Recoverer)
	if cfg.Gateway.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.Gateway.RequestTimeout))
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := agentRepo.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/v1/vm", engine.NewHandler(control, metrics, logger).Routes())

	srv := &http.Server{
		Addr:         cfg.Gateway.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	// 6. gRPC
	grpcSrv := engine.NewGRPCServer(control, logger)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("gateway gRPC server started", zap.String("addr", cfg.GRPC.Addr))
		errCh <- grpcSrv.Serve(lis)
	}()
	go func() {
		logger.Info("gateway HTTP server started", zap.String("addr", srv.Addr))
		errCh <- listen(srv)
	}()
	go func() {
		errCh <- listen(metricsSrv)
	}()

	// 7. Graceful Shutdown
	select {
	case <-appCtx.Done():
		logger.Info("gateway stopping...")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Info("gateway exited properly")
	return nil
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvm-trust/internal/audit"
	"github.com/xela07ax/agentvm-trust/internal/console/handler"
	"github.com/xela07ax/agentvm-trust/internal/console/server"
	"github.com/xela07ax/agentvm-trust/internal/console/service"
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
		logger.Fatal("console stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Ключи RS256
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return err
	}
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return err
	}

	// 2. Ресурсы
	db, err := postgres.OpenDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	agentRepo := postgres.NewAgentRepo(db)
	agentFS := audit.NewAgentFS(postgres.NewAuditRepo(db), logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		BufferGauge:   metrics.AuditBufferFill,
	})
	agentFS.Start()
	defer agentFS.Stop()

	km, err := kms.NewFromConfig(cfg.KMS)
	if err != nil {
		return err
	}
	crypto := envelope.New(engine.NewReliableKeyManager(km, cfg.KMS, metrics, logger), cfg.KMS.KeyName, logger)

	// Консоль только рассылает отзыв; L1 ей не нужен
	revoker := engine.NewRevocationManager(rdb, agentRepo, logger)

	// 3. Слои (Dependency Injection)
	authSvc := service.NewAuthService(postgres.NewUserRepo(db), privKey, cfg.Auth.TokenTTL)
	agentSvc := service.NewAgentService(agentRepo, revoker, agentFS, logger)
	secretSvc := service.NewSecretService(postgres.NewSecretRepo(db), crypto, agentFS, cfg.KMS.RotateBatch, logger)
	auditSvc := service.NewAuditService(postgres.NewAuditRepo(db))

	consoleSrv := server.NewConsoleServer(logger,
		auth.NewBaseValidator(pubKey),
		handler.NewAuthHandler(authSvc, logger),
		handler.NewAgentHandler(agentSvc, logger),
		handler.NewSecretHandler(secretSvc, logger),
		handler.NewAuditHandler(auditSvc, logger),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		errCh <- listen(srv)
	}()
	go func() { errCh <- listen(metricsSrv) }()

	select {
	case <-ctx.Done():
		logger.Info("console stopping...")
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
	return nil
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

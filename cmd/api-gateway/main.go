package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	_ "github.com/noah-isme/member-requests-api/api/swagger"
	"github.com/noah-isme/member-requests-api/internal/models"
	"github.com/noah-isme/member-requests-api/internal/repository"
	"github.com/noah-isme/member-requests-api/internal/service"
	"github.com/noah-isme/member-requests-api/pkg/cache"
	"github.com/noah-isme/member-requests-api/pkg/config"
	"github.com/noah-isme/member-requests-api/pkg/database"
	"github.com/noah-isme/member-requests-api/pkg/jobs"
	"github.com/noah-isme/member-requests-api/pkg/logger"
)

// @title Member Requests API
// @version 1.0.0
// @description Change request approvals, member status actions and the audit ledger.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	metricsSvc := service.NewMetricsService()

	cacheStore, closeCache, err := newCacheStore(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer closeCache()
	// Views patched by an instance that died mid-write were never confirmed.
	if err := cacheStore.DeleteByPattern(ctx, "*:school:*"); err != nil {
		logr.Warn("failed to clear cached views", zap.Error(err))
	}

	queueCache := service.NewOptimisticCache[[]models.ChangeRequest]("change-requests", cacheStore, cfg.Cache.TTL, metricsSvc, logr)
	rosterCache := service.NewOptimisticCache[[]models.Member]("roster", cacheStore, cfg.Cache.TTL, metricsSvc, logr)
	if redisStore, ok := cacheStore.(*repository.CacheRepository); ok {
		redisStore.SubscribeInvalidations(ctx, func(key string) {
			queueCache.MarkStale(key)
			rosterCache.MarkStale(key)
		})
	}

	changeRequestRepo := repository.NewChangeRequestRepository(db)
	memberRepo := repository.NewMemberRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	var auditSvc *service.AuditService
	auditRetry := jobs.NewQueue("audit-retry", func(ctx context.Context, job jobs.Job) error {
		return auditSvc.HandleRetry(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Audit.RetryWorkers,
		MaxRetries: cfg.Audit.RetryMax,
		RetryDelay: cfg.Audit.RetryDelay,
		Logger:     logr,
		OnDrop: func(job jobs.Job, err error) {
			fields := []zap.Field{zap.String("entry_id", job.ID), zap.Error(err)}
			if entry, ok := job.Payload.(*models.AuditLogEntry); ok {
				fields = append(fields,
					zap.String("school_id", entry.SchoolID),
					zap.String("action", entry.Action),
					zap.String("actor_id", entry.ActorID),
				)
			}
			logr.Error("audit entry lost after retries", fields...)
		},
	})
	auditSvc = service.NewAuditService(auditRepo, logr,
		service.WithAuditRetryQueue(auditRetry),
		service.WithAuditMetrics(metricsSvc),
		service.WithAuditExportLimit(cfg.Audit.ExportMaxRows),
	)
	auditRetry.Start(ctx)
	defer auditRetry.Stop()

	validate := validator.New()
	applier := service.NewMemberApplier(memberRepo, logr)
	changeRequestSvc := service.NewChangeRequestService(changeRequestRepo, memberRepo, applier, auditSvc, validate, logr,
		service.WithChangeRequestQueueCache(queueCache),
		service.WithChangeRequestRosterCache(rosterCache),
		service.WithChangeRequestMetrics(metricsSvc),
	)
	memberSvc := service.NewMemberService(memberRepo, rosterCache, auditSvc, logr)
	bulkSvc := service.NewBulkStatusService(memberRepo, rosterCache, auditSvc, metricsSvc, validate, logr, service.BulkStatusConfig{
		MaxItems: cfg.Bulk.MaxItems,
	})
	tokenSvc := service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})

	router := newRouter(cfg, logr, routerDeps{
		changeRequests: changeRequestSvc,
		members:        memberSvc,
		bulk:           bulkSvc,
		audit:          auditSvc,
		tokens:         tokenSvc,
		metrics:        metricsSvc,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newCacheStore picks Redis when enabled so peers share one read model, and a
// process-local store otherwise.
func newCacheStore(ctx context.Context, cfg *config.Config, logr *zap.Logger) (cacheBackend, func(), error) {
	if !cfg.Cache.Enabled {
		return repository.NewMemoryCacheRepository(), func() {}, nil
	}
	client, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	store := repository.NewCacheRepository(client, cfg.Cache.InvalidationChannel, logr)
	return store, func() {
		if err := store.Close(); err != nil {
			logr.Warn("close redis", zap.Error(err))
		}
	}, nil
}

type cacheBackend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

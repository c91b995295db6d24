package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/training-ops-engine/internal/handler"
	internalmiddleware "github.com/noah-isme/training-ops-engine/internal/middleware"
	"github.com/noah-isme/training-ops-engine/internal/models"
	"github.com/noah-isme/training-ops-engine/internal/platform"
	"github.com/noah-isme/training-ops-engine/internal/repository"
	"github.com/noah-isme/training-ops-engine/internal/service"
	"github.com/noah-isme/training-ops-engine/migrations"
	"github.com/noah-isme/training-ops-engine/pkg/cache"
	"github.com/noah-isme/training-ops-engine/pkg/clock"
	"github.com/noah-isme/training-ops-engine/pkg/config"
	"github.com/noah-isme/training-ops-engine/pkg/database"
	"github.com/noah-isme/training-ops-engine/pkg/jobs"
	"github.com/noah-isme/training-ops-engine/pkg/logger"
	corsmiddleware "github.com/noah-isme/training-ops-engine/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/training-ops-engine/pkg/middleware/requestid"
)

const (
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

type handlers struct {
	bulk     *handler.BulkOperationHandler
	workflow *handler.WorkflowHandler
	waitlist *handler.WaitlistHandler
	wizard   *handler.AssignmentWizardHandler
	metrics  *handler.MetricsHandler
}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("engine stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	db, err := database.NewPostgres(ctx, cfg.Database, connectTimeout)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db, migrations.FS, logr); err != nil {
			return err
		}
	}

	redisClient := connectRedis(ctx, cfg, logr)
	if redisClient != nil {
		defer redisClient.Close()
	}

	gateway, err := platform.NewClient(cfg.Platform.BaseURL, cfg.Platform.Token, cfg.Platform.Timeout, logr.Named("platform"))
	if err != nil {
		return err
	}

	validate := validator.New()
	clk := clock.Real()
	metricsSvc := service.NewMetricsService()

	var notifier service.Notifier
	if cfg.Notifications.Enabled && redisClient != nil {
		notifier = service.NewRedisNotifier(redisClient, cfg.Notifications.Channel, cfg.Notifications.Timeout)
	}

	var statusCache *service.SnapshotCache
	if redisClient != nil {
		statusCache = service.NewSnapshotCache(repository.NewSnapshotCacheRepository(redisClient), metricsSvc, cfg.Cache.TTL, logr.Named("snapshot-cache"), cfg.Cache.Enabled)
	}

	// The queue handler needs the batch service and the service needs the queue.
	var worker *service.BatchWorker
	queue := jobs.NewQueue("bulk-operations", func(jobCtx context.Context, job jobs.Job) error {
		return worker.Handle(jobCtx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Batch.QueueWorkers,
		BufferSize: cfg.Batch.QueueBuffer,
		MaxRetries: cfg.Batch.QueueRetries,
		RetryDelay: cfg.Batch.QueueRetryDelay,
		Logger:     logr.Named("queue"),
	})

	metricsSvc.TrackQueue("bulk-operations", queue.InFlight)

	batchOpts := []service.BatchServiceOption{
		service.WithItemExecutors(gateway.Executors()),
		service.WithItemCompensators(gateway.Compensators()),
		service.WithBatchQueue(queue),
		service.WithBatchCache(statusCache),
		service.WithBatchNotifier(notifier),
		service.WithBatchMetrics(metricsSvc),
		service.WithBatchClock(clk),
	}
	if cfg.Batch.BreakerEnabled {
		batchOpts = append(batchOpts, service.WithCircuitBreaker(uint32(cfg.Batch.BreakerFailures), cfg.Batch.BreakerTimeout))
	}
	batchSvc := service.NewBatchService(repository.NewBulkOperationRepository(db), validate, logr.Named("batch"), service.BatchServiceConfig{
		Workers:         cfg.Batch.Workers,
		ItemTimeout:     cfg.Batch.ItemTimeout,
		ItemsPerSecond:  cfg.Batch.ItemsPerSecond,
		Burst:           cfg.Batch.Burst,
		StoreRetries:    cfg.Batch.StoreRetries,
		StoreRetryDelay: cfg.Batch.StoreRetryDelay,
	}, batchOpts...)
	worker = service.NewBatchWorker(batchSvc, logr.Named("batch"))

	queue.Start(ctx)
	defer queue.Stop()
	if resumed := batchSvc.Recover(ctx); resumed > 0 {
		logr.Info("resumed unfinished bulk operations", zap.Int("count", resumed))
	}

	storeRetry := service.StoreRetryPolicy{Retries: cfg.Batch.StoreRetries, Delay: cfg.Batch.StoreRetryDelay}
	workflowSvc := service.NewWorkflowService(repository.NewWorkflowRepository(db), validate, logr.Named("workflow"),
		service.WithDefaultSLA(cfg.Workflow.DefaultSLA),
		service.WithWorkflowStoreRetry(storeRetry),
		service.WithWorkflowNotifier(notifier),
		service.WithWorkflowMetrics(metricsSvc),
		service.WithWorkflowClock(clk),
	)
	service.NewEscalationSweeper(workflowSvc, cfg.Workflow.EscalationInterval, logr.Named("escalation")).Start(ctx)

	waitlistSvc := service.NewWaitlistService(repository.NewWaitlistRepository(db), logr.Named("waitlist"),
		service.WithWaitlistStoreRetry(storeRetry),
		service.WithWaitlistNotifier(notifier),
		service.WithWaitlistMetrics(metricsSvc),
		service.WithWaitlistClock(clk),
	)
	wizard := service.NewAssignmentWizard(gateway, validate, logr.Named("wizard"))

	authSvc := service.NewAuthService(service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
	})

	checks := map[string]handler.HealthCheck{
		"postgres": db.PingContext,
		"platform": gateway.Ping,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	router := newRouter(cfg, logr, metricsSvc, authSvc, redisClient, handlers{
		bulk:     handler.NewBulkOperationHandler(batchSvc, clk),
		workflow: handler.NewWorkflowHandler(workflowSvc, clk),
		waitlist: handler.NewWaitlistHandler(waitlistSvc),
		wizard:   handler.NewAssignmentWizardHandler(wizard),
		metrics:  handler.NewMetricsHandler(metricsSvc, checks),
	})

	return serve(ctx, cfg, logr, router)
}

func connectRedis(ctx context.Context, cfg *config.Config, logr *zap.Logger) *redis.Client {
	if !cfg.Notifications.Enabled && !cfg.Cache.Enabled && !cfg.RateLimit.Enabled {
		return nil
	}
	client, err := cache.NewRedis(ctx, cfg.Redis, connectTimeout)
	if err != nil {
		logr.Warn("redis unavailable, continuing without cache and notifications", zap.Error(err))
		return nil
	}
	return client
}

func newRouter(cfg *config.Config, logr *zap.Logger, metricsSvc *service.MetricsService, auth *service.AuthService, redisClient *redis.Client, h handlers) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	r.GET("/health", h.metrics.Health)
	r.GET("/metrics", h.metrics.Prometheus)

	api := r.Group(cfg.APIPrefix)
	api.Use(internalmiddleware.JWT(auth))
	if cfg.RateLimit.Enabled {
		api.Use(internalmiddleware.RateLimit(internalmiddleware.NewRateLimitStore(redisClient, logr), cfg.RateLimit.PerMinute))
	}
	admins := internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin)

	bulk := api.Group("/bulk-operations")
	bulk.POST("", admins, h.bulk.Submit)
	bulk.GET("", h.bulk.List)
	bulk.GET("/:id", h.bulk.Status)
	bulk.GET("/:id/events", h.bulk.Events)
	bulk.GET("/:id/errors.csv", h.bulk.ErrorReport)
	bulk.POST("/:id/cancel", admins, h.bulk.Cancel)
	bulk.POST("/:id/rollback", admins, h.bulk.Rollback)

	workflows := api.Group("/workflows")
	workflows.POST("", h.workflow.Initiate)
	workflows.GET("", h.workflow.List)
	workflows.GET("/escalations", admins, h.workflow.Escalations)
	workflows.GET("/:id", h.workflow.Get)
	workflows.POST("/:id/decisions", admins, h.workflow.Decide)
	workflows.POST("/:id/escalate", admins, h.workflow.Escalate)

	waitlists := api.Group("/waitlists/:offeringId")
	waitlists.GET("", h.waitlist.List)
	waitlists.POST("/entries", h.waitlist.Join)
	waitlists.DELETE("/entries/:studentId", h.waitlist.Leave)
	waitlists.POST("/entries/:studentId/promote", admins, h.waitlist.Promote)
	waitlists.POST("/promote-next", admins, h.waitlist.PromoteNext)

	wizard := api.Group("/assignment-wizard", internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin, models.RoleProvider))
	wizard.POST("/advance", h.wizard.Advance)
	wizard.POST("/back", h.wizard.Back)

	return r
}

func serve(ctx context.Context, cfg *config.Config, logr *zap.Logger, router http.Handler) error {
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/noah-isme/bktutor-api/api/swagger"
	"github.com/noah-isme/bktutor-api/internal/handler"
	"github.com/noah-isme/bktutor-api/internal/repository"
	"github.com/noah-isme/bktutor-api/internal/service"
	"github.com/noah-isme/bktutor-api/pkg/cache"
	"github.com/noah-isme/bktutor-api/pkg/config"
	"github.com/noah-isme/bktutor-api/pkg/database"
	"github.com/noah-isme/bktutor-api/pkg/events"
	"github.com/noah-isme/bktutor-api/pkg/jobs"
	"github.com/noah-isme/bktutor-api/pkg/logger"
	"github.com/noah-isme/bktutor-api/pkg/storage"
)

// @title BK Tutor API
// @version 1.0.0
// @description Tutoring sessions, derived progress and notifications
// @BasePath /
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck
	if err := database.Migrate(ctx, db, logr); err != nil {
		logr.Fatal("failed to apply migrations", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Progress.CacheEnabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, progress cache disabled", zap.Error(err))
		} else {
			defer redisClient.Close() //nolint:errcheck
		}
	}

	app, err := buildApp(cfg, db, redisClient, logr)
	if err != nil {
		logr.Fatal("failed to build application", zap.Error(err))
	}
	defer app.bus.Close()

	if app.reportQueue != nil {
		app.reportQueue.Start(ctx)
		defer app.reportQueue.Stop()
		app.reports.RecoverPendingJobs(ctx)
		app.reports.StartCleanup(ctx)
	}

	router := gin.New()
	registerRoutes(router, cfg, app, logr)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	// Close the bus first so open event streams return and Shutdown can drain.
	app.bus.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

type application struct {
	bus           *events.Bus
	metrics       *service.MetricsService
	auth          *handler.AuthHandler
	users         *handler.UserHandler
	sessions      *handler.SessionHandler
	progress      *handler.ProgressHandler
	notifications *handler.NotificationHandler
	materials     *handler.MaterialHandler
	reportHandler *handler.ReportHandler
	observability *handler.MetricsHandler
	auditRepo     *repository.UserRepository
	authService   *service.AuthService
	reports       *service.ReportService
	reportQueue   *jobs.Queue
}

// newValidator reports json field names in validation details, for service
// level checks and for gin's request binding alike.
func newValidator() *validator.Validate {
	jsonName := func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			name = fld.Tag.Get("form")
		}
		return name
	}
	if engine, ok := binding.Validator.Engine().(*validator.Validate); ok {
		engine.RegisterTagNameFunc(jsonName)
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(jsonName)
	return validate
}

func buildApp(cfg *config.Config, db *sqlx.DB, redisClient *redis.Client, logr *zap.Logger) (*application, error) {
	validate := newValidator()
	metrics := service.NewMetricsService()
	bus := events.NewBus(cfg.Events.BufferSize, logr.Named("events"), events.WithDropHook(metrics.RecordEventDropped))

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	materialRepo := repository.NewMaterialRepository(db)

	var cacheRepo service.CacheRepository
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, logr.Named("cache"))
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Progress.CacheTTL, logr.Named("cache"), cfg.Progress.CacheEnabled && redisClient != nil)
	// Records cached by a previous build may use an older derivation.
	if err := cacheSvc.Invalidate(context.Background(), service.ProgressCachePrefix+"*"); err != nil {
		logr.Warn("failed to flush progress cache", zap.Error(err))
	}

	loc, err := time.LoadLocation(cfg.Sessions.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load session timezone %q: %w", cfg.Sessions.Timezone, err)
	}

	authSvc := service.NewAuthService(userRepo, validate, logr.Named("auth"), service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	userSvc := service.NewUserService(userRepo, validate, logr.Named("users"))
	notificationSvc := service.NewNotificationService(notificationRepo, bus, metrics, logr.Named("notifications"))
	progressSvc := service.NewProgressService(sessionRepo, cacheSvc, cfg.Progress.CacheTTL, logr.Named("progress"))
	sessionSvc := service.NewSessionService(sessionRepo, userRepo, notificationSvc, validate, logr.Named("sessions"),
		service.WithSessionEvents(bus),
		service.WithSessionAudit(userRepo),
		service.WithSessionMetrics(metrics),
		service.WithProgressInvalidator(progressSvc),
		service.WithCompletionPolicy(cfg.Sessions.RequireElapsed, loc),
	)

	materialStore, err := storage.NewLocalStorage(cfg.Materials.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("init material storage: %w", err)
	}
	materialSigner := storage.NewSignedURLSigner("materials", cfg.Materials.SignedURLSecret, cfg.Materials.SignedURLTTL)
	materialSvc := service.NewMaterialService(materialRepo, materialStore, materialSigner, userRepo, notificationSvc, bus, userRepo, service.MaterialConfig{
		MaxFileSize:  cfg.Materials.MaxFileSizeBytes,
		AllowedMIMEs: cfg.Materials.AllowedMIMEs,
		DownloadBase: strings.TrimRight(cfg.APIPrefix, "/") + "/files",
	}, validate, logr.Named("materials"))

	checks := map[string]handler.Pinger{"postgres": db.PingContext}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	app := &application{
		bus:           bus,
		metrics:       metrics,
		auth:          handler.NewAuthHandler(authSvc),
		users:         handler.NewUserHandler(userSvc),
		sessions:      handler.NewSessionHandler(sessionSvc),
		progress:      handler.NewProgressHandler(progressSvc),
		notifications: handler.NewNotificationHandler(notificationSvc, bus, cfg.Notifications.PollInterval),
		materials:     handler.NewMaterialHandler(materialSvc),
		observability: handler.NewMetricsHandler(metrics, checks),
		auditRepo:     userRepo,
		authService:   authSvc,
	}

	if cfg.Reports.Enabled {
		exportStore, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("init export storage: %w", err)
		}
		reportRepo := repository.NewReportRepository(db)
		exportSvc := service.NewExportService(progressSvc, userRepo, exportStore,
			storage.NewSignedURLSigner("reports", cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL),
			service.ExportConfig{APIPrefix: cfg.APIPrefix, ResultTTL: cfg.Reports.SignedURLTTL},
			logr.Named("export"))
		worker := service.NewReportWorker(reportRepo, exportSvc, cfg.Reports.WorkerMaxAttempts, metrics, logr.Named("report-worker"))
		queue := jobs.NewQueue("reports", worker.Handle, jobs.QueueConfig{
			Workers:     cfg.Reports.WorkerConcurrency,
			MaxAttempts: cfg.Reports.WorkerMaxAttempts,
			RetryDelay:  2 * time.Second,
			JobTimeout:  2 * time.Minute,
			Logger:      logr.Named("report-queue"),
		})
		app.reportQueue = queue
		app.reports = service.NewReportService(reportRepo, userRepo, queue, exportSvc, logr.Named("reports"), service.ReportServiceConfig{
			ResultTTL:       cfg.Reports.SignedURLTTL,
			CleanupInterval: cfg.Reports.CleanupInterval,
		})
		app.reportHandler = handler.NewReportHandler(app.reports)
	}

	return app, nil
}

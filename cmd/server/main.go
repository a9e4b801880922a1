// Package main runs the session engine HTTP API with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/itqan-platform/session-engine/config"
	"github.com/itqan-platform/session-engine/internal/attendance"
	"github.com/itqan-platform/session-engine/internal/auth"
	"github.com/itqan-platform/session-engine/internal/lifecycle"
	"github.com/itqan-platform/session-engine/internal/middleware"
	"github.com/itqan-platform/session-engine/internal/policy"
	"github.com/itqan-platform/session-engine/internal/realtime"
	"github.com/itqan-platform/session-engine/internal/reports"
	"github.com/itqan-platform/session-engine/internal/scheduler"
	"github.com/itqan-platform/session-engine/internal/sessionlog"
	"github.com/itqan-platform/session-engine/internal/sessions"
	"github.com/itqan-platform/session-engine/internal/settings"
	"github.com/itqan-platform/session-engine/internal/webhooks"
	"github.com/itqan-platform/session-engine/internal/zego"
	"github.com/itqan-platform/session-engine/pkg/database"
	"github.com/itqan-platform/session-engine/pkg/queue"
	"github.com/itqan-platform/session-engine/pkg/redis"
	"github.com/itqan-platform/session-engine/pkg/response"
	"github.com/itqan-platform/session-engine/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if cfg.Database.Migrate {
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.ReportsBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ReportsBucket:        cfg.AWS.ReportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("report archive disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	zegoCreds := zego.Credentials{AppID: cfg.Zego.AppID, ServerSecret: cfg.Zego.ServerSecret}

	// Stores
	sessionRepo := sessions.NewRepository(pool)
	attendanceRepo := sessionlog.NewRepository(pool)
	settingsRepo := settings.NewRepository(pool)

	// Engine
	resolver := policy.NewResolver(settingsRepo, logger)
	machine := lifecycle.NewMachine(sessionRepo, resolver, attendanceRepo, logger)
	reconciler := attendance.NewReconciler(attendanceRepo, sessionRepo, logger)
	evaluator := attendance.NewEvaluator(attendance.Thresholds{
		PresentPercent: cfg.Attendance.PresentPercent,
		PartialPercent: cfg.Attendance.PartialPercent,
	})
	reportBuilder := reports.NewBuilder(attendanceRepo, resolver, evaluator)
	reconciler.SetClassifier(reportBuilder)

	var archiver reports.Archiver
	var links reports.ArchiveLinker
	if s3Client != nil {
		archiver, links = s3Client, s3Client
	}
	pubsub := realtime.NewRedisPubSub(rdb, logger)
	if zegoCreds.Valid() {
		machine.SetRoomProvisioner(zego.NewProvisioner(zegoCreds, logger))
	} else {
		logger.Warn("video provider not configured; rooms will not be provisioned")
	}
	machine.AddNotifier(pubsub)
	machine.AddNotifier(reports.NewFinalizer(reportBuilder, attendanceRepo, archiver, logger))

	driver := scheduler.NewDriver(machine, cfg.Scheduler.Concurrency, logger)
	driver.SetDryRun(cfg.Scheduler.DryRun)
	runner := scheduler.NewRunner(sessionRepo, driver, reconciler, cfg.Scheduler.Interval, logger)

	// Handlers
	jobQueue := queue.NewQueue(rdb, logger)
	webhookHandler := webhooks.NewHandler(jobQueue, cfg.Webhook.Secret, logger)
	sessionHandler := sessions.NewHandler(sessionRepo, machine, runner, logger)
	attendanceHandler := sessionlog.NewHandler(reconciler)
	reportHandler := reports.NewHandler(sessionRepo, reportBuilder, links, logger)
	settingsHandler := settings.NewHandler(settingsRepo, logger)
	zegoHandler := zego.NewHandler(sessionRepo, zegoCreds, cfg.Zego.TokenTTLSeconds, logger)
	streamHandler := realtime.NewStreamHandler(pubsub, cfg.Server.CORSOrigins(), logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSOrigins()))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	// Webhooks (no JWT; HMAC signature checked in the handler when a secret is configured)
	router.POST("/webhooks/meeting-events", webhookHandler.MeetingEvents)

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/sessions/:id", sessionHandler.Get)
		api.GET("/sessions/:id/events", streamHandler.Serve)
		api.GET("/sessions/:id/join-token", zegoHandler.GetJoinToken)
		api.GET("/sessions/:id/attendance/:userId", attendanceHandler.GetCurrentStatus)

		staff := middleware.RequireRole(auth.RoleAdmin, auth.RoleSupervisor, auth.RoleTeacher)
		api.GET("/sessions/:id/report", staff, reportHandler.GetReport)
		api.GET("/sessions/:id/report/archive", staff, reportHandler.GetArchive)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.RequireRole(auth.RoleAdmin, auth.RoleSupervisor))
	{
		admin.POST("/sessions", sessionHandler.Create)
		admin.POST("/sessions/:id/complete", sessionHandler.Complete)
		admin.POST("/sessions/:id/cancel", sessionHandler.Cancel)
		admin.GET("/settings/:kind/:id", settingsHandler.Get)
		admin.PUT("/settings/:kind/:id", settingsHandler.Update)
		admin.POST("/scheduler/run", middleware.RequireRole(auth.RoleAdmin), sessionHandler.RunScheduler)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	machine.Wait()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

// Package main runs the background worker: the periodic session sweep and the attendance
// event consumer.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/itqan-platform/session-engine/config"
	"github.com/itqan-platform/session-engine/internal/attendance"
	"github.com/itqan-platform/session-engine/internal/lifecycle"
	"github.com/itqan-platform/session-engine/internal/models"
	"github.com/itqan-platform/session-engine/internal/policy"
	"github.com/itqan-platform/session-engine/internal/realtime"
	"github.com/itqan-platform/session-engine/internal/reports"
	"github.com/itqan-platform/session-engine/internal/scheduler"
	"github.com/itqan-platform/session-engine/internal/sessionlog"
	"github.com/itqan-platform/session-engine/internal/sessions"
	"github.com/itqan-platform/session-engine/internal/settings"
	"github.com/itqan-platform/session-engine/internal/worker"
	"github.com/itqan-platform/session-engine/internal/zego"
	"github.com/itqan-platform/session-engine/pkg/database"
	"github.com/itqan-platform/session-engine/pkg/queue"
	"github.com/itqan-platform/session-engine/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var archiver reports.Archiver
	if cfg.AWS.ReportsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ReportsBucket:        cfg.AWS.ReportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		archiver = s3Client
	}

	var scope models.SessionScope
	if cfg.Scheduler.AcademyID != "" {
		id := uuid.MustParse(cfg.Scheduler.AcademyID)
		scope.AcademyID = &id
	}

	sessionRepo := sessions.NewRepository(pool)
	attendanceRepo := sessionlog.NewRepository(pool)
	resolver := policy.NewResolver(settings.NewRepository(pool), logger)

	machine := lifecycle.NewMachine(sessionRepo, resolver, attendanceRepo, logger)
	if creds := (zego.Credentials{AppID: cfg.Zego.AppID, ServerSecret: cfg.Zego.ServerSecret}); creds.Valid() {
		machine.SetRoomProvisioner(zego.NewProvisioner(creds, logger))
	}
	evaluator := attendance.NewEvaluator(attendance.Thresholds{
		PresentPercent: cfg.Attendance.PresentPercent,
		PartialPercent: cfg.Attendance.PartialPercent,
	})
	machine.AddNotifier(realtime.NewRedisPubSub(rdb, logger))
	reportBuilder := reports.NewBuilder(attendanceRepo, resolver, evaluator)
	machine.AddNotifier(reports.NewFinalizer(reportBuilder, attendanceRepo, archiver, logger))

	reconciler := attendance.NewReconciler(attendanceRepo, sessionRepo, logger)
	reconciler.SetClassifier(reportBuilder)
	driver := scheduler.NewDriver(machine, cfg.Scheduler.Concurrency, logger)
	driver.SetDryRun(cfg.Scheduler.DryRun)
	runner := scheduler.NewRunner(sessionRepo, driver, reconciler, cfg.Scheduler.Interval, logger)

	processor := worker.NewAttendanceProcessor(queue.NewQueue(rdb, logger), reconciler, machine, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Run(workerCtx, scope)
	}()
	go func() {
		defer wg.Done()
		processor.Run(workerCtx)
	}()
	logger.Info("worker started",
		zap.Duration("interval", cfg.Scheduler.Interval),
		zap.Int("concurrency", cfg.Scheduler.Concurrency),
		zap.Bool("dry_run", cfg.Scheduler.DryRun),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	wg.Wait()
	machine.Wait()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

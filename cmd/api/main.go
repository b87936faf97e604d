package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-engine/internal/config"
	"github.com/noah-isme/gema-exam-engine/internal/database"
	"github.com/noah-isme/gema-exam-engine/internal/grading"
	"github.com/noah-isme/gema-exam-engine/internal/handler"
	"github.com/noah-isme/gema-exam-engine/internal/middleware"
	"github.com/noah-isme/gema-exam-engine/internal/models"
	"github.com/noah-isme/gema-exam-engine/internal/repository"
	"github.com/noah-isme/gema-exam-engine/internal/router"
	"github.com/noah-isme/gema-exam-engine/internal/sandbox"
	"github.com/noah-isme/gema-exam-engine/internal/service"
	"github.com/noah-isme/gema-exam-engine/internal/worker"
	"github.com/noah-isme/gema-exam-engine/pkg/ai"
	cloud "github.com/noah-isme/gema-exam-engine/pkg/cloudinary"
	dockerexec "github.com/noah-isme/gema-exam-engine/pkg/docker"
)

const notificationChannel = "exam:notifications"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL, database.DefaultPoolOptions())
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL, "gema-exam-engine")
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	engineCfg := cfg.ExamEngine

	executor, err := dockerexec.NewDockerExecutor(dockerexec.Config{
		Host:             cfg.DockerHost,
		Timeout:          engineCfg.ExecutionTimeout,
		MemoryLimitMB:    int64(engineCfg.CodeRunMemoryMB),
		CPUShares:        int64(engineCfg.CodeRunCPUShares),
		PidsLimit:        int64(engineCfg.CodeRunPidsLimit),
		OutputLimitBytes: int64(engineCfg.OutputLimitBytes),
		Logger:           logger,
	})
	if err != nil {
		log.Fatalf("failed to create docker executor: %v", err)
	}
	defer executor.Close()

	runner := sandbox.NewRunner(executor, sandbox.Config{
		Timeout:          engineCfg.ExecutionTimeout,
		CompileTimeout:   engineCfg.CompileTimeout,
		MemoryLimitMB:    engineCfg.CodeRunMemoryMB,
		CPUShares:        engineCfg.CodeRunCPUShares,
		PidsLimit:        engineCfg.CodeRunPidsLimit,
		OutputLimitBytes: engineCfg.OutputLimitBytes,
		MaxConcurrent:    engineCfg.MaxConcurrentExecutions,
		MaxParallelTests: engineCfg.MaxParallelTests,
	}, logger)
	engine := grading.NewEngine(runner, engineCfg.ShortAnswerSimilarity, logger)

	var evidence service.EvidenceStorage
	if cfg.CloudinaryCloudName != "" {
		uploader, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		evidence = uploader
	} else {
		logger.Warn().Msg("cloudinary not configured, proctor evidence uploads disabled")
	}

	var evaluator ai.Evaluator
	if cfg.AIProvider == "openai" && cfg.OpenAIAPIKey != "" {
		openAI, err := ai.NewOpenAIEvaluator(ai.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, MaxRetries: 2, Logger: logger})
		if err != nil {
			log.Fatalf("failed to create ai evaluator: %v", err)
		}
		evaluator = openAI
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	sessionRepo := repository.NewSessionRepository(db)
	examRepo := repository.NewExamRepository(db)
	gradingRepo := repository.NewGradingRepository(db)
	analyticsRepo := repository.NewAnalyticsRepository(db)
	resultRepo := repository.NewResultRepository(db)
	flagRepo := repository.NewProctorFlagRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	activityService := service.NewActivityService(activityRepo, logger)
	publisher := service.NewEventPublisher(redisClient, natsConn, logger)
	notificationService := service.NewNotificationService(notificationRepo, redisClient, notificationChannel, natsConn, validate, logger)
	queue := worker.NewGradingQueue(redisClient, engineCfg)

	sessionService := service.NewSessionService(sessionRepo, examRepo, engine, publisher, notificationService, queue, activityService, engineCfg, validate, logger)
	gradingService := service.NewGradingService(gradingRepo, engine, activityService, redisClient, validate, logger)
	analyticsService := service.NewAnalyticsService(analyticsRepo, examRepo, redisClient, engineCfg, logger)
	proctorService := service.NewProctorService(flagRepo, sessionRepo, gradingService, evidence, publisher, activityService, engineCfg, validate, logger)
	resultService := service.NewResultService(service.ResultServiceDeps{
		Results:   resultRepo,
		Answers:   gradingRepo,
		Exams:     examRepo,
		Grading:   gradingService,
		Evaluator: evaluator,
		Notifier:  notificationService,
		Activity:  activityService,
		Publisher: publisher,
		Cache:     redisClient,
	}, engineCfg, validate, logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	notificationService.Start(workerCtx)
	gradingWorker := worker.NewGradingWorker(queue, gradingService, engineCfg, logger)
	go gradingWorker.Start(workerCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    8 * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSAllowedOrigins,
		AccessLog:    cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		SessionHandler:      handler.NewSessionHandler(sessionService, middleware.RateLimit("violations", 20, time.Second, middleware.NewRedisStorage(redisClient)), logger),
		ProctorHandler:      handler.NewProctorHandler(sessionService, proctorService, publisher, logger),
		GradingHandler:      handler.NewGradingHandler(gradingService, logger),
		AnalyticsHandler:    handler.NewAnalyticsHandler(analyticsService, logger),
		ResultHandler:       handler.NewResultHandler(resultService, logger),
		NotificationHandler: handler.NewNotificationHandler(notificationService, logger, 30*time.Second),
		ActivityHandler:     handler.NewActivityHandler(activityService, logger),
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
		DB:                  db,
		Redis:               redisClient,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, stopWorkers)
}

func waitForShutdown(app *fiber.App, stopWorkers context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}

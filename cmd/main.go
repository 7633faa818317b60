package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"lapser/internal/automation"
	"lapser/internal/cameras"
	"lapser/internal/capture"
	"lapser/internal/config"
	"lapser/internal/detection"
	"lapser/internal/events"
	"lapser/internal/handlers"
	"lapser/internal/jobs"
	"lapser/internal/models"
	"lapser/internal/scheduler"
	"lapser/internal/settings"
	"lapser/internal/stats"
	"lapser/internal/storage"
	"lapser/internal/thumbnails"
	"lapser/internal/video"
	"lapser/internal/weather"
	"lapser/internal/workers"
	"lapser/internal/workflow"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal(err)
	}

	// Shared pgx pool for both GORM and River.
	pgxConfig, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		log.Fatal("Failed to parse database URL: ", err)
	}
	dbPool, err := pgxpool.NewWithConfig(context.Background(), pgxConfig)
	if err != nil {
		log.Fatal("Failed to create database pool: ", err)
	}
	defer dbPool.Close()

	sqlDB := stdlib.OpenDBFromPool(dbPool)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		log.Fatal("Failed to migrate database: ", err)
	}

	ensureAdminUser(db)

	store := buildStorage(cfg)
	provider := settings.NewProvider(db)
	hub := events.NewHub(db)
	thumbQ := jobs.NewThumbnailQueue(db)
	videoQ := jobs.NewVideoQueue(db)
	coordinator := jobs.NewCoordinator(db, provider, thumbQ, videoQ)

	thumbGen := thumbnails.NewGenerator(cfg.DataDir)
	thumbProcessor := workers.NewThumbnailProcessor(db, thumbQ, thumbGen, hub)
	videoGen := video.NewGenerator(db, store, cfg.FFmpegPath, cfg.VideoTimeout)
	videoProcessor := workers.NewVideoProcessor(db, videoQ, videoGen, hub)

	if cfg.UseRiverScheduler {
		riverWorkers := river.NewWorkers()
		river.AddWorker(riverWorkers, workers.NewThumbnailRiverWorker(db, thumbQ, thumbProcessor))
		river.AddWorker(riverWorkers, workers.NewVideoRiverWorker(db, videoQ, videoProcessor))
		river.AddWorker(riverWorkers, workers.NewOverlayRiverWorker(db, thumbQ, thumbProcessor))

		riverClient, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
			Queues: map[string]river.QueueConfig{
				river.QueueDefault: {MaxWorkers: 10},
				"high_priority":    {MaxWorkers: 5},
			},
			Workers: riverWorkers,
		})
		if err != nil {
			log.Fatal("Failed to create River client: ", err)
		}
		if err := riverClient.Start(context.Background()); err != nil {
			log.Fatal("Failed to start River client: ", err)
		}
		defer riverClient.Stop(context.Background())

		coordinator.WithAuthority(jobs.NewRiverAuthority(riverClient, thumbQ, videoQ))
		slog.Info("Scheduler authority enabled")
	}

	engine := automation.NewEngine(db, coordinator, provider, loc, cfg.AutomationCycle)
	coordinator.WithScheduleEvaluator(engine)
	engine.Start()
	defer engine.Stop()

	var quality workflow.QualityPolicy = detection.NewDefaultScorer()
	if !cfg.DetectionEnabled {
		quality = workflow.AcceptAllPolicy{}
		slog.Warn("Corruption detection disabled; keeping every frame unscored")
	}
	capturer := capture.NewFFmpegCapturer(cfg.FFmpegPath, cfg.CaptureTimeout)
	orchestrator := workflow.NewOrchestrator(db, capturer, quality, coordinator, hub,
		weather.NewDBProvider(db), cfg.DataDir, loc)

	captureSched := scheduler.NewCaptureScheduler(db, orchestrator, engine, coordinator, cfg.PollInterval)
	captureSched.Start()
	defer captureSched.Stop()

	for i := 0; i < cfg.ThumbnailWorkers; i++ {
		w := workers.NewThumbnailWorker(thumbQ, thumbProcessor, cfg.PollInterval)
		w.Start()
		defer w.Stop()
	}
	videoWorker := workers.NewVideoWorker(videoQ, videoProcessor, cfg.PollInterval, cfg.MaxConcurrentJobs)
	videoWorker.Start()
	defer videoWorker.Stop()

	monitor := workers.NewStuckJobMonitor(db)
	monitor.Start()
	defer monitor.Stop()

	cleanup := workers.NewCleanupWorker(db, thumbQ, videoQ, store, provider,
		time.Duration(cfg.JobRetentionHours)*time.Hour, cfg.CleanupInterval)
	cleanup.Start()
	defer cleanup.Stop()

	cameraSvc := cameras.NewService(db, loc)
	aggregator := stats.NewAggregator(db)

	r := gin.Default()
	cookieStore := cookie.NewStore([]byte(cfg.SessionKey))
	r.Use(sessions.Sessions("session", cookieStore))

	r.GET("/health", func(c *gin.Context) { handlers.Health(c, db) })
	r.POST("/login", func(c *gin.Context) { handlers.LoginPost(c, db) })
	r.POST("/logout", handlers.Logout)

	api := r.Group("/api", handlers.AuthRequired())
	api.GET("/cameras", func(c *gin.Context) { handlers.ListCameras(c, db) })
	api.POST("/cameras", func(c *gin.Context) { handlers.CreateCamera(c, db) })
	api.GET("/cameras/:id", func(c *gin.Context) { handlers.GetCamera(c, db) })
	api.PUT("/cameras/:id", func(c *gin.Context) { handlers.UpdateCamera(c, db) })
	api.POST("/cameras/:id/test", func(c *gin.Context) { handlers.TestCameraConnection(c, db, capturer) })
	api.POST("/cameras/:id/timelapses", func(c *gin.Context) { handlers.StartTimelapse(c, cameraSvc) })
	api.GET("/timelapses/:id", func(c *gin.Context) { handlers.GetTimelapse(c, db) })
	api.POST("/timelapses/:id/pause", func(c *gin.Context) { handlers.PauseTimelapse(c, cameraSvc) })
	api.POST("/timelapses/:id/resume", func(c *gin.Context) { handlers.ResumeTimelapse(c, cameraSvc) })
	api.POST("/timelapses/:id/complete", func(c *gin.Context) { handlers.CompleteTimelapse(c, cameraSvc) })
	api.POST("/timelapses/:id/video", func(c *gin.Context) { handlers.TriggerVideo(c, db, coordinator) })
	api.GET("/jobs", func(c *gin.Context) { handlers.JobStatus(c, coordinator) })
	api.POST("/jobs/cancel", func(c *gin.Context) { handlers.CancelJobs(c, coordinator) })
	api.GET("/stats", func(c *gin.Context) { handlers.Stats(c, aggregator) })
	api.GET("/events", func(c *gin.Context) { handlers.EventStream(c, hub) })

	slog.Info("Starting server", "addr", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatal(err)
	}
}

func buildStorage(cfg *config.Config) storage.Storage {
	if cfg.StorageBackend == "s3" {
		s3Store, err := storage.NewS3Storage(context.Background(), storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
		})
		if err != nil {
			log.Fatal("Failed to initialize S3 storage: ", err)
		}
		return s3Store
	}
	return storage.NewFSStorage(cfg.DataDir)
}

func ensureAdminUser(db *gorm.DB) {
	var user models.User
	if db.First(&user).Error == gorm.ErrRecordNotFound {
		password := os.Getenv("ADMIN_PASSWORD")
		if password == "" {
			password = "admin"
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal(err)
		}
		db.Create(&models.User{Username: "admin", PasswordHash: string(hashed)})
		log.Println("Created default admin user")
	}
}

// agora/main.go
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agora/config"
	"agora/database"
	"agora/handlers"
	"agora/models"
	"agora/plugins"
	"agora/posts"
	"agora/privileges"
	"agora/topics"
	"agora/utils"
)

const sessionPruneInterval = time.Hour

type Application struct {
	db          *database.DatabaseService
	topics      *topics.Service
	posts       *posts.Service
	privileges  *privileges.Service
	cfg         *config.Config
	rateLimiter *models.RateLimiter
	storage     models.StorageService
	logger      *slog.Logger
}

// Methods to satisfy the handlers.App interface
func (a *Application) DB() *database.DatabaseService    { return a.db }
func (a *Application) Topics() *topics.Service          { return a.topics }
func (a *Application) Posts() *posts.Service            { return a.posts }
func (a *Application) Privileges() *privileges.Service  { return a.privileges }
func (a *Application) Config() *config.Config           { return a.cfg }
func (a *Application) RateLimiter() *models.RateLimiter { return a.rateLimiter }
func (a *Application) Storage() models.StorageService   { return a.storage }
func (a *Application) Logger() *slog.Logger             { return a.logger }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", utils.GetEnv("AGORA_CONFIG", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	for _, dir := range []string{cfg.BackupDir, cfg.UploadDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error("FATAL: Could not create directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	dbService, err := database.InitDB(cfg.DBPath, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbService.DB.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	// --- Storage Service Init ---
	var storageService models.StorageService
	var imageHost string
	if cfg.S3.Enabled {
		s3Store, err := utils.NewS3Storage(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.PublicURL, cfg.S3.UseSSL)
		if err != nil {
			logger.Error("Failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		storageService = s3Store
		imageHost = s3Store.PublicURL
		logger.Info("S3 Storage initialized", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	} else {
		storageService = &utils.LocalStorage{UploadDir: cfg.UploadDir, URLPrefix: cfg.RelativePath + "/uploads"}
		logger.Info("Local Storage initialized", "dir", cfg.UploadDir)
	}

	hooks := plugins.New(logger)
	privs := privileges.NewService(dbService, logger)
	namer := topics.NewNamerFromFile(cfg.WordListPath, logger)
	topicsService := topics.NewService(dbService, privs, hooks, cfg, namer, logger)

	app := &Application{
		db:          dbService,
		topics:      topicsService,
		posts:       posts.NewService(dbService, privs, topicsService, hooks, cfg, logger),
		privileges:  privs,
		cfg:         cfg,
		rateLimiter: models.NewRateLimiter(cfg.RateLimitEvery, cfg.RateLimitBurst, cfg.RateLimitPrune, cfg.RateLimitExpire),
		storage:     storageService,
		logger:      logger,
	}

	mux := handlers.SetupRouter(app)
	finalHandler := handlers.CSRFMiddleware(handlers.NewSecurityHeadersMiddleware(imageHost)(mux))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go pruneSessions(ctx, dbService, logger)

	// --- Graceful Shutdown ---
	server := &http.Server{Addr: ":" + cfg.Port, Handler: finalHandler}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("agora server started successfully",
		"version", config.AppVersion,
		"address", "http://localhost:"+cfg.Port,
	)

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("Server exiting")
}

// pruneSessions removes expired sessions until ctx is cancelled.
func pruneSessions(ctx context.Context, db *database.DatabaseService, logger *slog.Logger) {
	ticker := time.NewTicker(sessionPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PruneSessions(ctx)
			if err != nil {
				logger.Error("Failed to prune sessions", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Pruned expired sessions", "count", n)
			}
		}
	}
}

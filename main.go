package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"campaign-mailer/config"
	"campaign-mailer/database"
	"campaign-mailer/handlers"
	"campaign-mailer/logger"
	"campaign-mailer/metrics"
	"campaign-mailer/services"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration from .env
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	appLogger := logger.NewLoggerWithOptions(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	// Initialize database connection
	db, err := database.InitDB(cfg.DatabaseURL)
	if err != nil {
		appLogger.Fatal("Error connecting to database: " + err.Error())
	}
	defer db.Close()

	// Apply database migrations
	migrationsPath := filepath.Join(".", "database", "migrations")
	applied, err := database.ApplyMigrations(cfg.DatabaseURL, migrationsPath)
	if err != nil {
		appLogger.Fatal("Error applying database migrations: " + err.Error())
	}
	appLogger.WithField("changed", applied).Info("Database migrations applied successfully.")

	ctx := context.Background()
	sesClient, err := services.NewSESClient(ctx, cfg.AWSRegion, cfg.AWSAccessKey, cfg.AWSSecretKey)
	if err != nil {
		appLogger.Fatal("Error creating SES client: " + err.Error())
	}
	transport := services.NewSESTransport(sesClient)

	var mail *services.MailService
	if cfg.MailHub != "" {
		mail, err = services.NewMailService(cfg, appLogger)
		if err != nil {
			appLogger.Fatal("Error configuring SMTP relay: " + err.Error())
		}
	} else {
		appLogger.Warn("MAILHUB not set, test mails are disabled")
	}

	store := database.NewStore(db)
	progress := services.NewProgressReporter()
	aborts := services.NewAbortController(progress, cfg.AbortResetDelay, appLogger)
	ledger := services.NewStatisticsLedger(store, store, store, appLogger)
	dispatcher := services.NewDispatcher(
		store,
		services.NewAudienceResolver(store, appLogger),
		services.NewTemplateProvisioner(store, store, transport, cfg.EventsTopicARN, appLogger),
		ledger,
		progress,
		aborts,
		transport,
		services.DispatcherOptions{
			PageSize:      cfg.PageSize,
			PageRetries:   cfg.PageRetries,
			RetryDelay:    cfg.RetryDelay,
			WebsiteURL:    cfg.EmailWebsiteURL,
			DefaultSender: cfg.DefaultSender,
		},
		appLogger,
	)

	// Set up router
	r := mux.NewRouter()
	r.Use(metrics.Middleware)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	handlers.Register(r, handlers.Deps{
		Config:        cfg,
		DB:            db,
		Logger:        appLogger,
		Dispatcher:    dispatcher,
		Aborts:        aborts,
		Progress:      progress,
		Templates:     services.NewTemplateService(store, transport, mail, cfg.EmailWebsiteURL, appLogger),
		Statistics:    ledger,
		Notifications: services.NewNotificationService(ledger, appLogger),
		Unsubscribe:   services.NewUnsubscribeService(store, store, appLogger),
		Logs:          store,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithField("port", cfg.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Server failed: " + err.Error())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down")

	// Streams never end on their own, so shutdown is bounded.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server shutdown: " + err.Error())
	}

	aborts.RequestAbort(0)
	dispatcher.Wait()
	appLogger.Info("Dispatches drained, exiting")
}

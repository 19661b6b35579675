package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"schoolfees_go/config"
	"schoolfees_go/database"
	"schoolfees_go/database/seeders"
	"schoolfees_go/handlers"
	"schoolfees_go/middleware"
	"schoolfees_go/routes"
	"schoolfees_go/services"
	"schoolfees_go/services/finance"
	"schoolfees_go/services/gateway"
	"schoolfees_go/services/notifications"
	"schoolfees_go/services/websocket"
	"schoolfees_go/storage"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
)

const version = "1.0.0"

func init() {
	// Load configuration
	config.LoadConfig()

	// Initialize logging
	setupLogging()

	// Connect to database
	database.Connect()

	if os.Getenv("SEED_DATA") == "true" {
		seeders.SeedAll()
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.AppConfig
	redisClient := database.GetRedisClient()

	// Payment gateways
	registry := gateway.NewRegistry(cfg.DefaultGateway,
		gateway.NewRazorpay(gateway.RazorpayConfig{
			KeyID:         cfg.RazorpayKeyID,
			KeySecret:     cfg.RazorpayKeySecret,
			WebhookSecret: cfg.RazorpayWebhookSecret,
			BaseURL:       cfg.RazorpayBaseURL,
			Timeout:       cfg.GatewayTimeout,
		}),
		gateway.NewCashfree(gateway.CashfreeConfig{
			ClientID:     cfg.CashfreeClientID,
			ClientSecret: cfg.CashfreeClientSecret,
			BaseURL:      cfg.CashfreeBaseURL,
			Timeout:      cfg.GatewayTimeout,
		}),
	)

	// Create WebSocket hub first
	wsHub := websocket.NewHub()
	go wsHub.Run(ctx)

	lineService := services.NewLineMessagingService(cfg.LineChannelSecret, cfg.LineChannelAccessToken)

	notifService := notifications.NewService(database.DB, redisClient, cfg.UseRedisNotifications)
	notifService.SetWebSocketHub(wsHub)
	if lineService.Enabled() && cfg.LineFinanceGroupID != "" {
		notifService.SetLine(lineService, cfg.LineFinanceGroupID)
	}
	notifService.StartWorker(ctx)

	opts := []finance.Option{
		finance.WithNotifier(notifService),
		finance.WithDefaultExpiryHours(cfg.PaymentExpiryHours),
		finance.WithCurrency(cfg.PaymentCurrency),
	}
	if redisClient != nil {
		opts = append(opts, finance.WithLinkCache(finance.NewRedisLinkCache(redisClient)))
	}
	financeService := finance.NewService(database.DB, registry, opts...)

	archiveService := services.NewWebhookArchiveService(database.DB, cfg.AWSRegion, cfg.S3BucketName)

	scheduler := services.NewPaymentScheduler(financeService, archiveService, services.SchedulerConfig{
		ExpirySweep:      cfg.ExpirySweepCron,
		Reconciliation:   cfg.ReconciliationCron,
		WebhookArchive:   cfg.WebhookArchiveCron,
		ArchiveAfterDays: cfg.WebhookArchiveDays,
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start payment scheduler:", err)
	}

	deps := routes.Dependencies{
		Finance:            financeService,
		Hub:                wsHub,
		Health:             services.NewHealthService(database.DB, redisClient, registry, cfg.AppEnv, version),
		Archives:           archiveService,
		PaymentLinkBaseURL: cfg.PaymentLinkBaseURL,
	}
	if reports, err := storage.NewStorageService(); err != nil {
		logrus.WithError(err).Warn("Report storage disabled; exports are streamed only")
	} else {
		deps.Reports = reports
	}
	if lineService.Enabled() {
		deps.Line = handlers.NewLineWebhookHandler(cfg.LineChannelSecret, lineService.Bot, cfg.LineFinanceGroupID)
		log.Println("LINE webhook enabled at /line/webhook")
	} else {
		log.Println("LINE webhook disabled: missing LINE_CHANNEL_SECRET or LINE_CHANNEL_ACCESS_TOKEN")
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    int(cfg.MaxFileSize),
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID",
	}))
	app.Use(middleware.LoggerMiddleware())

	routes.SetupRoutes(app, deps)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":  "Route not found",
			"path":   c.Path(),
			"method": c.Method(),
		})
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		cancel()
		<-scheduler.Stop().Done()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Println("Server shutdown error:", err)
		}
	}()

	log.Printf("Server starting on port %s", cfg.Port)
	log.Printf("School Fees API v%s", version)
	log.Printf("Environment: %s", cfg.AppEnv)

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
	database.Close()
}

// setupLogging configures the logging system
func setupLogging() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(config.AppConfig.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// Log to stdout in development, to the log file elsewhere
	if config.AppConfig.AppEnv == "development" {
		logrus.SetOutput(os.Stdout)
		return
	}
	if err := os.MkdirAll(filepath.Dir(config.AppConfig.LogFile), 0755); err != nil {
		log.Printf("Warning: Could not create logs directory: %v", err)
		return
	}
	file, err := os.OpenFile(config.AppConfig.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err == nil {
		logrus.SetOutput(file)
	}
}

// customErrorHandler handles application errors
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	// Check if it's a Fiber error
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	// Log the error
	logrus.WithFields(logrus.Fields{
		"error":      err.Error(),
		"path":       c.Path(),
		"method":     c.Method(),
		"ip":         c.IP(),
		"status":     code,
		"request_id": c.GetRespHeader(middleware.RequestIDHeader),
	}).Error("Request error")

	// Send error response
	return c.Status(code).JSON(fiber.Map{
		"error":  message,
		"code":   code,
		"path":   c.Path(),
		"method": c.Method(),
	})
}

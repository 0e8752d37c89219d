package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"imbalanceBars/config"
	"imbalanceBars/internal/adapters/binanceclient"
	"imbalanceBars/internal/adapters/logger"
	"imbalanceBars/internal/adapters/sqlite"
	"imbalanceBars/internal/app"
	"imbalanceBars/internal/ports"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogFormat == "zap" {
		zl, err := logger.NewZapLogger(cfg.LogLevel)
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize zap logger: %v", err)
		}
		defer zl.Sync()
		appLogger = zl
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 5. Initialize Application Service
	samplerService, err := app.NewSamplerService(
		cfg,
		appLogger,
		binanceClient, // Pass the concrete implementation, service expects the interface
		repo,          // Pass the concrete implementation, service expects the interface
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize sampler service")
		log.Fatalf("FATAL: Failed to initialize sampler service: %v", err)
	}
	appLogger.Info(context.Background(), "Sampler service initialized")

	// 6. Start the Service
	// Use context.Background() as the base context for the application run
	if err := samplerService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Sampler service exited with error")
		log.Fatalf("FATAL: Sampler service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

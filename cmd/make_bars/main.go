package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"imbalanceBars/config"
	"imbalanceBars/internal/adapters/logger"
	"imbalanceBars/internal/adapters/sqlite"
	"imbalanceBars/internal/domain"
	"imbalanceBars/internal/sampling"
	"imbalanceBars/internal/utils"
)

// Offline transformation: read a kline CSV (as produced by cmd/fetch_klines),
// construct imbalance volume bars, write them to a bar CSV and optionally to
// the SQLite repository.
func main() {
	input := flag.String("in", "", "input kline CSV file (required)")
	output := flag.String("out", "", "output bar CSV file (default: <in>.bars.csv)")
	store := flag.Bool("store", false, "also persist bars to the configured SQLite database")
	flag.Parse()

	if *input == "" {
		log.Fatal("FATAL: -in is required")
	}
	outFile := *output
	if outFile == "" {
		outFile = *input + ".bars.csv"
	}

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()

	// 2. Load klines from CSV
	klines, err := utils.ReadKlinesFromCSV(*input)
	if err != nil {
		appLogger.Error(ctx, err, "Error loading klines", map[string]interface{}{"filename": *input})
		log.Fatalf("Error loading klines: %v", err)
	}
	appLogger.Info(ctx, "Loaded klines", map[string]interface{}{"filename": *input, "count": len(klines)})

	// 3. Run the transformation
	bars, partial, err := sampling.MakeBars(ctx, sampling.Config{
		Alpha:    cfg.Alpha,
		Extremum: cfg.ExtremumSource,
	}, klines)
	if err != nil {
		appLogger.Error(ctx, err, "Bar construction failed")
		log.Fatalf("Bar construction failed: %v", err)
	}

	// 4. Report the outcome, including the volume conservation check
	var inputVolume, barVolume float64
	for _, k := range klines {
		inputVolume += k.Volume
	}
	for _, bar := range bars {
		barVolume += bar.Volume
	}
	partialVolume := 0.0
	partialSamples := 0
	if partial != nil {
		partialVolume = partial.Volume
		partialSamples = partial.Samples
	}
	fmt.Printf("Input samples: %d (volume %.4f)\n", len(klines), inputVolume)
	fmt.Printf("Completed bars: %d (volume %.4f)\n", len(bars), barVolume)
	fmt.Printf("Trailing partial span: %d samples (volume %.4f)\n", partialSamples, partialVolume)
	fmt.Printf("Volume conserved: %.4f + %.4f = %.4f\n", barVolume, partialVolume, barVolume+partialVolume)

	// 5. Write the bar CSV
	outBars := bars
	if partial != nil && cfg.EmitPartial {
		outBars = append(append([]*domain.Bar{}, bars...), partial)
	}
	if err := utils.WriteBarsToCSV(outBars, outFile); err != nil {
		appLogger.Error(ctx, err, "Error writing bar CSV", map[string]interface{}{"filename": outFile})
		log.Fatalf("Error writing bar CSV: %v", err)
	}
	appLogger.Info(ctx, "Saved bars", map[string]interface{}{"filename": outFile, "count": len(outBars)})

	// 6. Optionally persist to SQLite
	if *store {
		repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
			log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
		}
		defer repo.Close()

		if err := repo.CreateBatch(ctx, outBars); err != nil {
			appLogger.Error(ctx, err, "Failed to persist bars")
			log.Fatalf("Failed to persist bars: %v", err)
		}
		appLogger.Info(ctx, "Persisted bars", map[string]interface{}{"count": len(outBars), "dbPath": cfg.DBPath})
	}
}

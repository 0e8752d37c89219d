package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"imbalanceBars/config"
	"imbalanceBars/internal/domain"
	"imbalanceBars/internal/ports"
	"imbalanceBars/internal/sampling"
)

// SamplerService orchestrates the imbalance bar pipeline: it feeds klines
// from the exchange through a single sampling.Builder and persists every
// completed bar. One service instance owns exactly one symbol stream.
type SamplerService struct {
	cfg      *config.Config
	logger   ports.Logger
	exchange ports.MarketDataClient
	barRepo  ports.BarRepository

	// State fields
	mu       sync.Mutex // Protects the builder and counters below
	builder  *sampling.Builder
	barsSeen int
}

// NewSamplerService creates a new application service instance.
func NewSamplerService(
	cfg *config.Config,
	logger ports.Logger,
	exchange ports.MarketDataClient,
	barRepo ports.BarRepository,
) (*SamplerService, error) {

	// Validate dependencies
	if cfg == nil || logger == nil || exchange == nil || barRepo == nil {
		return nil, fmt.Errorf("missing required dependencies for SamplerService")
	}

	builder, err := sampling.NewBuilder(sampling.Config{
		Alpha:    cfg.Alpha,
		Extremum: cfg.ExtremumSource,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct bar builder: %w", err)
	}

	return &SamplerService{
		cfg:      cfg,
		logger:   logger,
		exchange: exchange,
		barRepo:  barRepo,
		builder:  builder,
	}, nil
}

// Start begins the live sampling loop.
func (s *SamplerService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Sampler Service...", map[string]interface{}{
		"symbol":   s.cfg.Symbol,
		"interval": s.cfg.Interval,
		"alpha":    s.cfg.Alpha,
		"extremum": string(s.cfg.ExtremumSource),
	})

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
		cancel() // Cancel the main context
	}()

	// --- Initialization Steps ---
	// Set server time (important for API calls)
	if err := s.exchange.SetServerTime(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to synchronize server time")
		return fmt.Errorf("failed to set server time: %w", err)
	}
	s.logger.Info(ctx, "Server time synchronized")

	// --- Start WebSocket Stream ---
	wsDoneCh, wsStopCh, err := s.exchange.StreamKlines(ctx, s.cfg.Symbol, s.cfg.Interval, s.handleKlineEvent, s.handleWsError)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to start WebSocket stream")
		return fmt.Errorf("failed to start WebSocket stream: %w", err)
	}
	s.logger.Info(ctx, "WebSocket stream started", map[string]interface{}{"symbol": s.cfg.Symbol, "interval": s.cfg.Interval})

	// --- Main Loop ---
	// The work happens in handleKlineEvent triggered by the WebSocket stream.
	// We just need to wait for the context to be canceled or the WebSocket to finish.

	select {
	case <-ctx.Done():
		s.logger.Info(ctx, "Main context cancelled, initiating shutdown...")
		// Signal WebSocket to stop
		select {
		case wsStopCh <- struct{}{}:
			s.logger.Info(ctx, "Stop signal sent to WebSocket stream")
		default:
			s.logger.Warn(ctx, "Failed to send stop signal to WebSocket (already closed?)")
		}
		// Wait briefly for WebSocket to close gracefully
		select {
		case <-wsDoneCh:
			s.logger.Info(ctx, "WebSocket stream shut down gracefully")
		case <-time.After(5 * time.Second): // Timeout for WS shutdown
			s.logger.Warn(ctx, "Timeout waiting for WebSocket stream to shut down")
		}
	case <-wsDoneCh:
		// WebSocket closed unexpectedly (e.g., max reconnect attempts failed)
		s.logger.Error(ctx, fmt.Errorf("websocket stream closed unexpectedly"), "WebSocket stream stopped")
		return fmt.Errorf("websocket stream stopped unexpectedly")
	}

	s.finishStream(context.Background())
	s.logger.Info(ctx, "Sampler Service stopped.")
	return nil
}

// handleKlineEvent processes incoming kline data from the WebSocket.
// Only final klines feed the builder: intermediate updates for a still-open
// interval would double-count volume.
func (s *SamplerService) handleKlineEvent(kline *domain.Kline) {
	// Use a background context for handlers; the WS callback has no request scope.
	ctx := context.Background()

	if !kline.IsFinal {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bar, err := s.builder.Push(kline)
	if err != nil {
		// A rejected sample poisons the stream; surface it loudly. The
		// builder refuses everything after this point, so bars can no
		// longer silently drift.
		s.logger.Error(ctx, err, "Sample rejected, sampling halted", map[string]interface{}{
			"symbol":  kline.Symbol,
			"samples": s.builder.SampleCount(),
		})
		return
	}
	if bar == nil {
		s.logger.Debug(ctx, "Sample accumulated", map[string]interface{}{
			"symbol":  kline.Symbol,
			"close":   kline.Close,
			"volume":  kline.Volume,
			"samples": s.builder.SampleCount(),
		})
		return
	}

	s.barsSeen++
	s.logger.Info(ctx, "Bar completed", map[string]interface{}{
		"symbol":    bar.Symbol,
		"startTime": bar.StartTime,
		"endTime":   bar.EndTime,
		"close":     bar.Close,
		"volume":    bar.Volume,
		"samples":   bar.Samples,
		"barsSeen":  s.barsSeen,
	})

	if _, err := s.barRepo.Create(ctx, bar); err != nil {
		s.logger.Error(ctx, err, "Failed to persist bar", map[string]interface{}{"symbol": bar.Symbol, "endTime": bar.EndTime})
	}
}

// handleWsError processes errors reported by the WebSocket stream.
func (s *SamplerService) handleWsError(err error) {
	s.logger.Warn(context.Background(), "WebSocket stream error", map[string]interface{}{"error": err.Error()})
}

// finishStream reports the trailing open span on shutdown and, when
// configured, persists it flagged as incomplete. Discarding is the default:
// the formation rule only defines closed bars.
func (s *SamplerService) finishStream(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partial, ok := s.builder.Partial()
	if !ok {
		s.logger.Info(ctx, "Stream ended on a bar boundary, no partial span")
		return
	}

	fields := map[string]interface{}{
		"symbol":    partial.Symbol,
		"startTime": partial.StartTime,
		"volume":    partial.Volume,
		"samples":   partial.Samples,
	}
	if !s.cfg.EmitPartial {
		s.logger.Info(ctx, "Discarding trailing partial span", fields)
		return
	}
	if _, err := s.barRepo.Create(ctx, partial); err != nil {
		s.logger.Error(ctx, err, "Failed to persist trailing partial span", fields)
		return
	}
	s.logger.Info(ctx, "Persisted trailing partial span", fields)
}

// Backfill fetches a historical kline range, runs the whole transformation
// and persists the completed bars in one batch. It returns the bars for
// further use (e.g., CSV export).
func (s *SamplerService) Backfill(ctx context.Context, start, end time.Time) ([]*domain.Bar, error) {
	s.logger.Info(ctx, "Backfilling bars", map[string]interface{}{
		"symbol":   s.cfg.Symbol,
		"interval": s.cfg.Interval,
		"start":    start,
		"end":      end,
	})

	klines, err := s.exchange.GetKlinesRange(ctx, s.cfg.Symbol, s.cfg.Interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for backfill: %w", err)
	}
	s.logger.Info(ctx, "Fetched klines", map[string]interface{}{"count": len(klines)})

	bars, partial, err := sampling.MakeBars(ctx, sampling.Config{
		Alpha:    s.cfg.Alpha,
		Extremum: s.cfg.ExtremumSource,
	}, klines)
	if err != nil {
		return nil, fmt.Errorf("bar construction failed: %w", err)
	}

	toStore := bars
	if partial != nil && s.cfg.EmitPartial {
		toStore = append(append([]*domain.Bar{}, bars...), partial)
	}
	if err := s.barRepo.CreateBatch(ctx, toStore); err != nil {
		return nil, fmt.Errorf("failed to persist backfilled bars: %w", err)
	}

	var inputVolume, barVolume float64
	for _, k := range klines {
		inputVolume += k.Volume
	}
	for _, bar := range bars {
		barVolume += bar.Volume
	}
	partialVolume := 0.0
	if partial != nil {
		partialVolume = partial.Volume
	}
	s.logger.Info(ctx, "Backfill complete", map[string]interface{}{
		"bars":          len(bars),
		"inputVolume":   inputVolume,
		"barVolume":     barVolume,
		"partialVolume": partialVolume,
		"partialKept":   partial != nil && s.cfg.EmitPartial,
	})

	return bars, nil
}

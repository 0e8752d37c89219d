package sampling

import (
	"context"
	"fmt"
	"math"
	"time"

	"imbalanceBars/internal/domain"
	"imbalanceBars/internal/ports"
)

// Config holds construction-time parameters for the imbalance bar builder.
// All sampling policies are fixed at construction; there are no per-call
// tunables, so a given config and input sequence always produce identical
// output.
type Config struct {
	// Alpha is the smoothing parameter for the adaptive threshold. Must lie
	// in the open interval (0, 1). Lower values yield smoother thresholds.
	Alpha float64
	// Extremum selects which price fields feed the high/low envelope.
	// Defaults to domain.ExtremumHighLow when empty.
	Extremum domain.ExtremumSource
	// RecordDiagnostics keeps the per-sample sign/theta/threshold series in
	// memory for inspection. Off by default; the series grow with the input.
	RecordDiagnostics bool
}

// State is a snapshot of the builder's accumulator. It captures everything
// needed to resume sampling mid-stream: feeding the remainder of a sequence
// into a builder restored from the snapshot yields the same bars as feeding
// the whole sequence into one builder.
type State struct {
	PrevClose     float64     // close of the previous sample
	HasPrev       bool        // false before the first sample
	PrevSign      domain.Sign // last directional sign
	CumTheta      float64     // cumulative signed imbalance since the open bar started
	Epsilon       float64     // adaptive threshold
	EpsilonSeeded bool        // false until the first imbalance-bearing sample
	SampleCount   int         // samples consumed so far
	LastOpenTime  time.Time   // open time of the previous sample, for ordering checks

	// Open-bar aggregates. Meaningful only while BarOpen is true.
	BarOpen      bool
	BarSymbol    string
	BarStartTime time.Time
	BarEndTime   time.Time
	BarOpenPrice float64
	BarHigh      float64
	BarLow       float64
	BarClose     float64
	BarVolume    float64
	BarSamples   int
}

// Diagnostics holds the recorded per-sample series, aligned with the
// imbalance-bearing samples (every sample after the first). Populated only
// when Config.RecordDiagnostics is set.
type Diagnostics struct {
	Signs      []domain.Sign // directional sign per sample
	Thetas     []float64     // signed imbalance theta per sample
	CumThetas  []float64     // cumulative imbalance after each sample
	Thresholds []float64     // adaptive threshold after each sample
}

// Builder constructs imbalance volume bars incrementally from an ordered
// stream of klines. It is a single-pass state machine: each Push classifies
// the sample's direction, updates the cumulative imbalance and the
// exponentially smoothed threshold, folds the sample into the open bar's
// OHLCV envelope, and closes the bar when the absolute cumulative imbalance
// exceeds the threshold.
//
// A Builder owns exactly one stream. It is not safe for concurrent use;
// independent series get independent builders.
type Builder struct {
	cfg    Config
	st     State
	diag   Diagnostics
	failed error
}

// NewBuilder creates a builder with a fresh accumulator.
func NewBuilder(cfg Config) (*Builder, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg}, nil
}

// NewBuilderFromState creates a builder that resumes from a previously
// captured accumulator snapshot.
func NewBuilderFromState(cfg Config, st State) (*Builder, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, st: st}, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	// NaN fails both comparisons, so it is rejected here as well.
	if !(cfg.Alpha > 0 && cfg.Alpha < 1) {
		return cfg, fmt.Errorf("%w: alpha must be in the open interval (0,1), got %v", ports.ErrConfigurationError, cfg.Alpha)
	}
	if cfg.Extremum == "" {
		cfg.Extremum = domain.ExtremumHighLow
	}
	if !cfg.Extremum.IsValid() {
		return cfg, fmt.Errorf("%w: unknown extremum source %q", ports.ErrConfigurationError, cfg.Extremum)
	}
	return cfg, nil
}

// Push consumes the next sample of the stream. It returns a completed bar
// when this sample closed one, or (nil, nil) while the bar stays open.
//
// Samples must arrive in non-decreasing open-time order with finite prices
// and non-negative volume. A sample that fails validation poisons the
// builder: the error names the offending sample's 1-based position, and
// every later Push fails with ports.ErrStreamCorrupted, since aggregates
// past a bad sample would silently corrupt all subsequent bars.
func (b *Builder) Push(k *domain.Kline) (*domain.Bar, error) {
	if b.failed != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrStreamCorrupted, b.failed)
	}
	if err := b.validate(k); err != nil {
		b.failed = err
		return nil, err
	}
	b.st.SampleCount++
	b.st.LastOpenTime = k.OpenTime

	if !b.st.HasPrev {
		// The very first sample seeds the previous close and the envelope of
		// the first bar but contributes no imbalance; its recorded sign is
		// +1 by convention. The threshold stays unseeded until the first
		// imbalance-bearing sample.
		b.st.HasPrev = true
		b.st.PrevClose = k.Close
		b.st.PrevSign = domain.SignUp
		b.seedBar(k)
		return nil, nil
	}

	sign := domain.SignDown
	if k.Close > b.st.PrevClose {
		sign = domain.SignUp
	}
	b.st.PrevSign = sign
	b.st.PrevClose = k.Close
	theta := float64(sign) * k.Volume

	if b.st.BarOpen {
		b.foldBar(k)
	} else {
		b.seedBar(k)
	}

	b.st.CumTheta += theta
	if !b.st.EpsilonSeeded {
		// Seed the smoother with the first observed magnitude; there is no
		// prior epsilon to blend against. Note |theta| == |CumTheta| here
		// only when the bar also started at this sample.
		b.st.Epsilon = math.Abs(theta)
		b.st.EpsilonSeeded = true
	} else {
		b.st.Epsilon = b.cfg.Alpha*math.Abs(theta) + (1-b.cfg.Alpha)*b.st.Epsilon
	}

	if b.cfg.RecordDiagnostics {
		b.diag.Signs = append(b.diag.Signs, sign)
		b.diag.Thetas = append(b.diag.Thetas, theta)
		b.diag.CumThetas = append(b.diag.CumThetas, b.st.CumTheta)
		b.diag.Thresholds = append(b.diag.Thresholds, b.st.Epsilon)
	}

	if math.Abs(b.st.CumTheta) > b.st.Epsilon {
		bar := b.snapshotBar(true)
		// Only the cumulative imbalance and the bar aggregates reset.
		// Epsilon is a stream-wide estimate and survives the boundary.
		b.st.CumTheta = 0
		b.st.BarOpen = false
		return bar, nil
	}
	return nil, nil
}

// Partial returns the trailing open span as an incomplete bar, or false when
// no span is open. The returned bar never appears in the completed sequence;
// discarding it is the default-safe choice and is left to the caller.
func (b *Builder) Partial() (*domain.Bar, bool) {
	if !b.st.BarOpen {
		return nil, false
	}
	return b.snapshotBar(false), true
}

// State returns a snapshot of the accumulator for later resumption.
func (b *Builder) State() State {
	return b.st
}

// SampleCount returns the number of samples consumed so far.
func (b *Builder) SampleCount() int {
	return b.st.SampleCount
}

// Diagnostics returns the recorded per-sample series. Empty unless the
// builder was constructed with RecordDiagnostics.
func (b *Builder) Diagnostics() Diagnostics {
	return b.diag
}

func (b *Builder) validate(k *domain.Kline) error {
	pos := b.st.SampleCount + 1
	if k == nil {
		return fmt.Errorf("%w: sample %d is nil", ports.ErrInvalidSample, pos)
	}
	for _, p := range [...]struct {
		name  string
		value float64
	}{
		{"open", k.Open}, {"high", k.High}, {"low", k.Low}, {"close", k.Close},
	} {
		if math.IsNaN(p.value) || math.IsInf(p.value, 0) {
			return fmt.Errorf("%w: sample %d has non-finite %s price %v", ports.ErrInvalidSample, pos, p.name, p.value)
		}
	}
	if math.IsNaN(k.Volume) || math.IsInf(k.Volume, 0) || k.Volume < 0 {
		return fmt.Errorf("%w: sample %d has invalid volume %v", ports.ErrInvalidSample, pos, k.Volume)
	}
	if k.High < k.Low {
		return fmt.Errorf("%w: sample %d has high %v below low %v", ports.ErrInvalidSample, pos, k.High, k.Low)
	}
	if b.st.SampleCount > 0 && k.OpenTime.Before(b.st.LastOpenTime) {
		return fmt.Errorf("%w: sample %d open time %s precedes %s", ports.ErrOutOfOrderSample, pos, k.OpenTime, b.st.LastOpenTime)
	}
	return nil
}

func (b *Builder) seedBar(k *domain.Kline) {
	b.st.BarOpen = true
	b.st.BarSymbol = k.Symbol
	b.st.BarStartTime = k.OpenTime
	b.st.BarEndTime = k.CloseTime
	b.st.BarOpenPrice = k.Open
	b.st.BarClose = k.Close
	b.st.BarVolume = k.Volume
	b.st.BarSamples = 1
	switch b.cfg.Extremum {
	case domain.ExtremumClose:
		// The span's own open price is folded at seed time so the bar still
		// satisfies low <= open <= high when extrema track closes only.
		b.st.BarHigh = math.Max(k.Open, k.Close)
		b.st.BarLow = math.Min(k.Open, k.Close)
	default:
		b.st.BarHigh = k.High
		b.st.BarLow = k.Low
	}
}

func (b *Builder) foldBar(k *domain.Kline) {
	b.st.BarEndTime = k.CloseTime
	b.st.BarClose = k.Close
	b.st.BarVolume += k.Volume
	b.st.BarSamples++
	switch b.cfg.Extremum {
	case domain.ExtremumClose:
		b.st.BarHigh = math.Max(b.st.BarHigh, k.Close)
		b.st.BarLow = math.Min(b.st.BarLow, k.Close)
	default:
		b.st.BarHigh = math.Max(b.st.BarHigh, k.High)
		b.st.BarLow = math.Min(b.st.BarLow, k.Low)
	}
}

func (b *Builder) snapshotBar(complete bool) *domain.Bar {
	return &domain.Bar{
		Symbol:    b.st.BarSymbol,
		StartTime: b.st.BarStartTime,
		EndTime:   b.st.BarEndTime,
		Open:      b.st.BarOpenPrice,
		High:      b.st.BarHigh,
		Low:       b.st.BarLow,
		Close:     b.st.BarClose,
		Volume:    b.st.BarVolume,
		Samples:   b.st.BarSamples,
		Complete:  complete,
	}
}

// MakeBars runs the whole transformation over an in-memory kline sequence.
// It returns the completed bars in input order; the trailing partial span,
// if any, is returned separately and is never part of the completed
// sequence.
func MakeBars(ctx context.Context, cfg Config, klines []*domain.Kline) (bars []*domain.Bar, partial *domain.Bar, err error) {
	b, err := NewBuilder(cfg)
	if err != nil {
		return nil, nil, err
	}
	for _, k := range klines {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ports.ErrContextCanceled, err)
		}
		bar, err := b.Push(k)
		if err != nil {
			return nil, nil, err
		}
		if bar != nil {
			bars = append(bars, bar)
		}
	}
	partial, _ = b.Partial()
	return bars, partial, nil
}

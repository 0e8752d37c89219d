package sampling

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbalanceBars/internal/domain"
	"imbalanceBars/internal/ports"
)

var testBase = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// makeKlines builds a 1m kline sequence where each sample's open/high/low are
// derived from its close, keeping the per-sample envelope valid.
func makeKlines(closes, volumes []float64) []*domain.Kline {
	if len(closes) != len(volumes) {
		panic("closes and volumes length mismatch")
	}
	klines := make([]*domain.Kline, len(closes))
	for i := range closes {
		open := closes[i]
		if i > 0 {
			open = closes[i-1]
		}
		high := math.Max(open, closes[i]) + 0.5
		low := math.Min(open, closes[i]) - 0.5
		klines[i] = &domain.Kline{
			OpenTime:  testBase.Add(time.Duration(i) * time.Minute),
			CloseTime: testBase.Add(time.Duration(i+1) * time.Minute),
			Symbol:    "ETHUSDT",
			Interval:  "1m",
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closes[i],
			Volume:    volumes[i],
			IsFinal:   true,
		}
	}
	return klines
}

// randomKlines generates a reproducible pseudo-random walk.
func randomKlines(n int, seed int64) []*domain.Kline {
	rng := rand.New(rand.NewSource(seed))
	closes := make([]float64, n)
	volumes := make([]float64, n)
	price := 2000.0
	for i := 0; i < n; i++ {
		price += (rng.Float64() - 0.5) * 10
		closes[i] = price
		volumes[i] = rng.Float64() * 100
	}
	return makeKlines(closes, volumes)
}

func TestNewBuilder_AlphaValidation(t *testing.T) {
	tests := []struct {
		name        string
		alpha       float64
		expectError bool
	}{
		{name: "valid mid-range", alpha: 0.5, expectError: false},
		{name: "valid small", alpha: 0.001, expectError: false},
		{name: "zero rejected", alpha: 0, expectError: true},
		{name: "one rejected", alpha: 1, expectError: true},
		{name: "negative rejected", alpha: -0.1, expectError: true},
		{name: "above one rejected", alpha: 1.5, expectError: true},
		{name: "NaN rejected", alpha: math.NaN(), expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBuilder(Config{Alpha: tt.alpha})
			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, ports.ErrConfigurationError)
				assert.Nil(t, b)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, b)
			}
		})
	}
}

func TestNewBuilder_ExtremumValidation(t *testing.T) {
	_, err := NewBuilder(Config{Alpha: 0.5, Extremum: "median"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	b, err := NewBuilder(Config{Alpha: 0.5})
	require.NoError(t, err)
	require.NotNil(t, b)
}

// Numeric trace for alpha=0.9, closes [100,101,99], volumes [10,10,30].
// Sample 1 seeds; sample 2: theta=+10, cum=+10, eps seeded at 10;
// sample 3: theta=-30, cum=-20, eps=0.9*30+0.1*10=28. No bar forms.
func TestBuilder_NumericTrace(t *testing.T) {
	b, err := NewBuilder(Config{Alpha: 0.9, RecordDiagnostics: true})
	require.NoError(t, err)

	klines := makeKlines([]float64{100, 101, 99}, []float64{10, 10, 30})
	for _, k := range klines {
		bar, err := b.Push(k)
		require.NoError(t, err)
		assert.Nil(t, bar)
	}

	diag := b.Diagnostics()
	require.Len(t, diag.Thetas, 2)
	assert.Equal(t, []domain.Sign{domain.SignUp, domain.SignDown}, diag.Signs)
	assert.InDelta(t, 10, diag.Thetas[0], 1e-12)
	assert.InDelta(t, -30, diag.Thetas[1], 1e-12)
	assert.InDelta(t, 10, diag.CumThetas[0], 1e-12)
	assert.InDelta(t, -20, diag.CumThetas[1], 1e-12)
	assert.InDelta(t, 10, diag.Thresholds[0], 1e-12)
	assert.InDelta(t, 28, diag.Thresholds[1], 1e-12)

	partial, ok := b.Partial()
	require.True(t, ok)
	assert.False(t, partial.Complete)
	assert.Equal(t, 3, partial.Samples)
	assert.InDelta(t, 50, partial.Volume, 1e-12)
}

func TestBuilder_BarFormation(t *testing.T) {
	b, err := NewBuilder(Config{Alpha: 0.9})
	require.NoError(t, err)

	// Sample 2: cum=+10, eps=10. Sample 3: theta=+30, cum=+40, eps=28,
	// 40 > 28 closes the bar over samples 1..3. Sample 4 opens a new span.
	klines := makeKlines([]float64{100, 101, 102, 103}, []float64{10, 10, 30, 5})

	var bars []*domain.Bar
	for _, k := range klines {
		bar, err := b.Push(k)
		require.NoError(t, err)
		if bar != nil {
			bars = append(bars, bar)
		}
	}

	require.Len(t, bars, 1)
	bar := bars[0]
	require.NoError(t, bar.Validate())
	assert.True(t, bar.Complete)
	assert.Equal(t, 3, bar.Samples)
	assert.Equal(t, klines[0].OpenTime, bar.StartTime)
	assert.Equal(t, klines[2].CloseTime, bar.EndTime)
	assert.InDelta(t, klines[0].Open, bar.Open, 1e-12)
	assert.InDelta(t, 102, bar.Close, 1e-12)
	assert.InDelta(t, 50, bar.Volume, 1e-12)
	assert.Equal(t, "ETHUSDT", bar.Symbol)

	partial, ok := b.Partial()
	require.True(t, ok)
	assert.Equal(t, 1, partial.Samples)
	assert.InDelta(t, 5, partial.Volume, 1e-12)
	assert.Equal(t, klines[3].OpenTime, partial.StartTime)
}

// The sample that seeds epsilon can never close a bar on its own: the seed
// makes eps equal |theta|, and the trigger requires a strict inequality.
func TestBuilder_SeedSampleCannotTrigger(t *testing.T) {
	b, err := NewBuilder(Config{Alpha: 0.5})
	require.NoError(t, err)

	klines := makeKlines([]float64{100, 200}, []float64{5, 1e9})
	for _, k := range klines {
		bar, err := b.Push(k)
		require.NoError(t, err)
		assert.Nil(t, bar)
	}
}

// After the threshold is established, a single overwhelming sample may open
// and close a bar by itself.
func TestBuilder_SingleSampleBar(t *testing.T) {
	b, err := NewBuilder(Config{Alpha: 0.9})
	require.NoError(t, err)

	klines := makeKlines(
		[]float64{100, 101, 102, 103},
		[]float64{10, 10, 30, 1000},
	)

	var bars []*domain.Bar
	for _, k := range klines {
		bar, err := b.Push(k)
		require.NoError(t, err)
		if bar != nil {
			bars = append(bars, bar)
		}
	}

	// First bar closes at sample 3 (cum 40 > eps 28). Sample 4 alone carries
	// theta=1000 against eps=0.9*1000+0.1*28=902.8, closing a one-sample bar.
	require.Len(t, bars, 2)
	assert.Equal(t, 3, bars[0].Samples)
	assert.Equal(t, 1, bars[1].Samples)
	assert.InDelta(t, 1000, bars[1].Volume, 1e-9)
	assert.Equal(t, bars[1].StartTime, klines[3].OpenTime)

	_, ok := b.Partial()
	assert.False(t, ok)
}

// With a constant price every sign resolves to -1 and, under uniform volume,
// the recurrence keeps eps pinned at the per-sample volume. The cumulative
// imbalance therefore breaches the threshold on every second
// imbalance-bearing sample: the literal recurrence produces a regular bar
// cadence, not an endless open span.
func TestBuilder_ConstantPrice(t *testing.T) {
	const n = 10
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i := range closes {
		closes[i] = 100
		volumes[i] = 10
	}

	bars, partial, err := MakeBars(context.Background(), Config{Alpha: 0.9}, makeKlines(closes, volumes))
	require.NoError(t, err)

	// Bars close at samples 3, 5, 7, 9; sample 10 stays open.
	require.Len(t, bars, 4)
	assert.Equal(t, 3, bars[0].Samples)
	for _, bar := range bars[1:] {
		assert.Equal(t, 2, bar.Samples)
	}
	require.NotNil(t, partial)
	assert.Equal(t, 1, partial.Samples)

	total := partial.Volume
	for _, bar := range bars {
		total += bar.Volume
	}
	assert.InDelta(t, float64(n)*10, total, 1e-9)
}

func TestMakeBars_EmptyInput(t *testing.T) {
	bars, partial, err := MakeBars(context.Background(), Config{Alpha: 0.5}, nil)
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.Nil(t, partial)
}

func TestMakeBars_Determinism(t *testing.T) {
	klines := randomKlines(500, 42)
	cfg := Config{Alpha: 0.3}

	first, firstPartial, err := MakeBars(context.Background(), cfg, klines)
	require.NoError(t, err)
	second, secondPartial, err := MakeBars(context.Background(), cfg, klines)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, firstPartial, secondPartial)
	assert.NotEmpty(t, first)
}

func TestMakeBars_VolumeConservation(t *testing.T) {
	klines := randomKlines(1000, 7)
	bars, partial, err := MakeBars(context.Background(), Config{Alpha: 0.2}, klines)
	require.NoError(t, err)

	var inputVolume float64
	for _, k := range klines {
		inputVolume += k.Volume
	}
	var barVolume float64
	for _, bar := range bars {
		barVolume += bar.Volume
	}
	if partial != nil {
		barVolume += partial.Volume
	}
	assert.InDelta(t, inputVolume, barVolume, 1e-6)
}

func TestMakeBars_EnvelopeAndCoverage(t *testing.T) {
	for _, extremum := range []domain.ExtremumSource{domain.ExtremumHighLow, domain.ExtremumClose} {
		t.Run(string(extremum), func(t *testing.T) {
			klines := randomKlines(800, 99)
			bars, partial, err := MakeBars(context.Background(), Config{Alpha: 0.4, Extremum: extremum}, klines)
			require.NoError(t, err)
			require.NotEmpty(t, bars)

			samples := 0
			for i, bar := range bars {
				require.NoError(t, bar.Validate(), "bar %d", i)
				samples += bar.Samples
				if i > 0 {
					// Spans partition the stream: each bar starts where the
					// previous one ended, with no gap or overlap.
					assert.Equal(t, bars[i-1].EndTime, bar.StartTime, "bar %d", i)
					assert.False(t, bar.EndTime.Before(bars[i-1].EndTime), "bar %d", i)
				}
			}
			if partial != nil {
				samples += partial.Samples
				assert.Equal(t, bars[len(bars)-1].EndTime, partial.StartTime)
			}
			assert.Equal(t, len(klines), samples)
		})
	}
}

// The threshold after each sample is a convex combination of |theta| and its
// previous value, and it never resets when a bar closes.
func TestBuilder_ThresholdContinuity(t *testing.T) {
	const alpha = 0.25
	b, err := NewBuilder(Config{Alpha: alpha})
	require.NoError(t, err)

	klines := randomKlines(400, 11)
	prev := b.State()
	barsSeen := 0
	for i, k := range klines {
		bar, err := b.Push(k)
		require.NoError(t, err)
		cur := b.State()

		if i > 0 {
			theta := float64(cur.PrevSign) * k.Volume
			var want float64
			if !prev.EpsilonSeeded {
				want = math.Abs(theta)
			} else {
				want = alpha*math.Abs(theta) + (1-alpha)*prev.Epsilon
			}
			require.InDelta(t, want, cur.Epsilon, 1e-9, "sample %d", i+1)
		}
		if bar != nil {
			barsSeen++
			// Theta resets exactly; epsilon does not.
			require.Zero(t, cur.CumTheta)
			require.False(t, cur.BarOpen)
		}
		prev = cur
	}
	require.Positive(t, barsSeen)
}

// Feeding the second half of a stream into a builder restored from the
// mid-stream snapshot yields the same bars as one uninterrupted pass.
func TestBuilder_ReplayFromState(t *testing.T) {
	cfg := Config{Alpha: 0.35}
	klines := randomKlines(600, 21)

	full, fullPartial, err := MakeBars(context.Background(), cfg, klines)
	require.NoError(t, err)

	half := len(klines) / 2
	first, err := NewBuilder(cfg)
	require.NoError(t, err)

	var split []*domain.Bar
	for _, k := range klines[:half] {
		bar, err := first.Push(k)
		require.NoError(t, err)
		if bar != nil {
			split = append(split, bar)
		}
	}

	resumed, err := NewBuilderFromState(cfg, first.State())
	require.NoError(t, err)
	for _, k := range klines[half:] {
		bar, err := resumed.Push(k)
		require.NoError(t, err)
		if bar != nil {
			split = append(split, bar)
		}
	}

	require.Equal(t, full, split)
	splitPartial, _ := resumed.Partial()
	require.Equal(t, fullPartial, splitPartial)
}

func TestBuilder_RejectsMalformedSamples(t *testing.T) {
	valid := makeKlines([]float64{100, 101}, []float64{10, 10})

	tests := []struct {
		name     string
		mutate   func(k *domain.Kline)
		sentinel error
	}{
		{
			name:     "NaN close",
			mutate:   func(k *domain.Kline) { k.Close = math.NaN() },
			sentinel: ports.ErrInvalidSample,
		},
		{
			name:     "infinite high",
			mutate:   func(k *domain.Kline) { k.High = math.Inf(1) },
			sentinel: ports.ErrInvalidSample,
		},
		{
			name:     "negative volume",
			mutate:   func(k *domain.Kline) { k.Volume = -1 },
			sentinel: ports.ErrInvalidSample,
		},
		{
			name:     "inverted envelope",
			mutate:   func(k *domain.Kline) { k.High, k.Low = k.Low, k.High },
			sentinel: ports.ErrInvalidSample,
		},
		{
			name:     "out of order timestamp",
			mutate:   func(k *domain.Kline) { k.OpenTime = testBase.Add(-time.Hour) },
			sentinel: ports.ErrOutOfOrderSample,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBuilder(Config{Alpha: 0.5})
			require.NoError(t, err)

			_, err = b.Push(valid[0])
			require.NoError(t, err)

			bad := *valid[1]
			tt.mutate(&bad)
			_, err = b.Push(&bad)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Contains(t, err.Error(), "sample 2")

			// The builder refuses everything after a validation failure.
			_, err = b.Push(valid[1])
			require.Error(t, err)
			assert.ErrorIs(t, err, ports.ErrStreamCorrupted)
		})
	}
}

func TestMakeBars_StopsAtFirstInvalidSample(t *testing.T) {
	klines := randomKlines(50, 3)
	klines[20].Volume = math.Inf(1)

	bars, partial, err := MakeBars(context.Background(), Config{Alpha: 0.5}, klines)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrInvalidSample))
	assert.Contains(t, err.Error(), "sample 21")
	assert.Nil(t, bars)
	assert.Nil(t, partial)
}

func TestBuilder_ExtremumClose(t *testing.T) {
	b, err := NewBuilder(Config{Alpha: 0.9, Extremum: domain.ExtremumClose})
	require.NoError(t, err)

	klines := makeKlines([]float64{100, 101, 102}, []float64{10, 10, 30})
	// Exaggerate the per-sample wicks; close mode must ignore them.
	for _, k := range klines {
		k.High = k.Close + 50
		k.Low = k.Close - 50
	}

	var bar *domain.Bar
	for _, k := range klines {
		out, err := b.Push(k)
		require.NoError(t, err)
		if out != nil {
			bar = out
		}
	}

	require.NotNil(t, bar)
	assert.InDelta(t, 102, bar.High, 1e-12)
	assert.InDelta(t, 100, bar.Low, 1e-12)
	require.NoError(t, bar.Validate())
}

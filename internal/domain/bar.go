package domain

import (
	"fmt"
	"time"
)

// Bar represents a single imbalance volume bar: the OHLCV aggregate of a
// contiguous span of input samples, closed when the cumulative volume
// imbalance exceeded the adaptive threshold. Bars are immutable once emitted.
type Bar struct {
	ID        int64     // Unique identifier for the bar (usually from DB)
	Symbol    string    // Trading symbol (e.g., "ETHUSDT")
	StartTime time.Time // Open time of the first sample in the span
	EndTime   time.Time // Close time of the sample that triggered formation
	Open      float64   // Opening price (first sample of the span)
	High      float64   // Highest price seen across the span
	Low       float64   // Lowest price seen across the span
	Close     float64   // Closing price (last sample of the span)
	Volume    float64   // Total volume across the span
	Samples   int       // Number of input samples folded into the bar
	Complete  bool      // False only for a trailing partial span
}

// Validate checks the structural invariants of a bar.
func (b *Bar) Validate() error {
	if b.EndTime.Before(b.StartTime) {
		return fmt.Errorf("bar end time %s precedes start time %s", b.EndTime, b.StartTime)
	}
	if b.Low > b.Open || b.Open > b.High {
		return fmt.Errorf("bar open %v outside envelope [%v, %v]", b.Open, b.Low, b.High)
	}
	if b.Low > b.Close || b.Close > b.High {
		return fmt.Errorf("bar close %v outside envelope [%v, %v]", b.Close, b.Low, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar volume %v is negative", b.Volume)
	}
	if b.Samples <= 0 {
		return fmt.Errorf("bar covers %d samples", b.Samples)
	}
	return nil
}

package domain

// Sign represents the directional classification of a sample.
type Sign int

const (
	SignUp   Sign = 1  // close moved up versus the previous sample
	SignDown Sign = -1 // close moved down or was unchanged
)

// ExtremumSource selects which price fields feed a bar's high/low envelope.
type ExtremumSource string

const (
	// ExtremumHighLow folds each sample's own high/low fields (the standard
	// OHLCV resampling convention).
	ExtremumHighLow ExtremumSource = "highlow"
	// ExtremumClose folds closing prices only, matching the literal
	// max/min-over-closes formulation of the sampling rule.
	ExtremumClose ExtremumSource = "close"
)

// IsValid checks whether the extremum source is a recognized value.
func (s ExtremumSource) IsValid() bool {
	return s == ExtremumHighLow || s == ExtremumClose
}

package ports

import (
	"context"
	"time"

	"imbalanceBars/internal/domain"
)

// BarRepository defines the interface for storing and retrieving emitted bars.
type BarRepository interface {
	// Create saves a new bar and returns its assigned ID.
	Create(ctx context.Context, bar *domain.Bar) (int64, error)
	// CreateBatch saves a sequence of bars atomically, in order.
	CreateBatch(ctx context.Context, bars []*domain.Bar) error
	// FindBySymbol retrieves the most recent bars for a given symbol, up to a
	// limit, ordered by end time descending.
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Bar, error)
	// FindBySymbolRange retrieves all bars for a symbol whose end time falls
	// within [start, end], ordered by end time ascending.
	FindBySymbolRange(ctx context.Context, symbol string, start, end time.Time) ([]*domain.Bar, error)
	// CountBySymbol counts the stored bars for a given symbol.
	CountBySymbol(ctx context.Context, symbol string) (int, error)
	// TotalVolumeBySymbol sums the volume over all stored bars for a symbol.
	TotalVolumeBySymbol(ctx context.Context, symbol string) (float64, error)
}

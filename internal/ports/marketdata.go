package ports

import (
	"context"
	"time"

	"imbalanceBars/internal/domain"
)

// MarketDataClient defines the interface for retrieving candlestick data from
// an exchange. This abstraction decouples the sampling pipeline from any
// specific exchange implementation.
type MarketDataClient interface {
	// Ping checks connectivity to the exchange API.
	Ping(ctx context.Context) error

	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error

	// GetServerTime retrieves the current server time from the exchange.
	GetServerTime(ctx context.Context) (time.Time, error)

	// GetKlines retrieves the most recent historical klines for the given
	// symbol and interval, up to a limit.
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error)

	// GetKlinesRange fetches all klines for a symbol/interval between start
	// and end time, paginating as needed.
	GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]*domain.Kline, error)

	// StreamKlines starts a WebSocket stream for kline/candlestick data.
	// The handler receives every kline event, including non-final updates;
	// callers that need one sample per interval must filter on IsFinal.
	StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

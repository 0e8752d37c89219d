package ports

import "context"

// Logger is the logging port shared by the sampler, the exchange client and
// the repository. Adapters exist for the standard log package and zap; the
// optional trailing map carries structured fields.
type Logger interface {
	// Debug logs a message at Debug level.
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	// Info logs a message at Info level.
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	// Warn logs a message at Warning level.
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error logs an error alongside a message at Error level.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}

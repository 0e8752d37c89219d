package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"imbalanceBars/internal/domain"
	"imbalanceBars/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.BarRepository interface using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/imbalance_bars.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close() // Close the connection if ping fails
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Set connection pool settings (important for SQLite)
	db.SetMaxOpenConns(1) // SQLite handles concurrency internally, but Go driver benefits from limiting connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS bars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		samples INTEGER NOT NULL,
		complete INTEGER NOT NULL DEFAULT 1
	);
	-- Add indexes for common lookups
	CREATE INDEX IF NOT EXISTS idx_bars_symbol_end_time ON bars (symbol, end_time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- BarRepository Implementation ---

const insertBarQuery = `
	INSERT INTO bars (symbol, start_time, end_time, open, high, low, close, volume, samples, complete)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Create saves a new bar and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, bar *domain.Bar) (int64, error) {
	if err := bar.Validate(); err != nil {
		return 0, fmt.Errorf("refusing to store invalid bar for symbol %s: %w", bar.Symbol, err)
	}

	result, err := r.db.ExecContext(ctx, insertBarQuery,
		bar.Symbol, bar.StartTime, bar.EndTime, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.Samples, bar.Complete)
	if err != nil {
		return 0, fmt.Errorf("failed to insert bar for symbol %s: %w", bar.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for bar %s: %w", bar.Symbol, err)
	}
	bar.ID = id // Update the domain object with the ID
	r.logger.Debug(ctx, "Bar created", map[string]interface{}{"barID": id, "symbol": bar.Symbol, "endTime": bar.EndTime})
	return id, nil
}

// CreateBatch saves a sequence of bars atomically, in order.
func (r *Repository) CreateBatch(ctx context.Context, bars []*domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	for i, bar := range bars {
		if err := bar.Validate(); err != nil {
			return fmt.Errorf("refusing to store invalid bar %d for symbol %s: %w", i, bar.Symbol, err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch insert transaction: %w", err)
	}
	defer tx.Rollback() // No-op after a successful commit

	stmt, err := tx.PrepareContext(ctx, insertBarQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert statement: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		result, err := stmt.ExecContext(ctx,
			bar.Symbol, bar.StartTime, bar.EndTime, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.Samples, bar.Complete)
		if err != nil {
			return fmt.Errorf("failed to insert bar for symbol %s at %s: %w", bar.Symbol, bar.EndTime, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			bar.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch insert: %w", err)
	}
	r.logger.Debug(ctx, "Bar batch created", map[string]interface{}{"count": len(bars)})
	return nil
}

// FindBySymbol retrieves the most recent bars for a given symbol, up to a limit.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Bar, error) {
	const query = `
	SELECT id, symbol, start_time, end_time, open, high, low, close, volume, samples, complete
	FROM bars
	WHERE symbol = ?
	ORDER BY end_time DESC
	LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for symbol %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// FindBySymbolRange retrieves all bars for a symbol whose end time falls
// within [start, end], ordered by end time ascending.
func (r *Repository) FindBySymbolRange(ctx context.Context, symbol string, start, end time.Time) ([]*domain.Bar, error) {
	const query = `
	SELECT id, symbol, start_time, end_time, open, high, low, close, volume, samples, complete
	FROM bars
	WHERE symbol = ? AND end_time >= ? AND end_time <= ?
	ORDER BY end_time ASC`

	rows, err := r.db.QueryContext(ctx, query, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query bar range for symbol %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// CountBySymbol counts the stored bars for a given symbol.
func (r *Repository) CountBySymbol(ctx context.Context, symbol string) (int, error) {
	const query = `SELECT COUNT(*) FROM bars WHERE symbol = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, symbol).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bars for symbol %s: %w", symbol, err)
	}
	return count, nil
}

// TotalVolumeBySymbol sums the volume over all stored bars for a symbol.
func (r *Repository) TotalVolumeBySymbol(ctx context.Context, symbol string) (float64, error) {
	const query = `SELECT COALESCE(SUM(volume), 0) FROM bars WHERE symbol = ?`
	var total float64
	if err := r.db.QueryRowContext(ctx, query, symbol).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum bar volume for symbol %s: %w", symbol, err)
	}
	return total, nil
}

func scanBars(rows *sql.Rows) ([]*domain.Bar, error) {
	bars := make([]*domain.Bar, 0)
	for rows.Next() {
		bar := &domain.Bar{}
		if err := rows.Scan(
			&bar.ID, &bar.Symbol, &bar.StartTime, &bar.EndTime,
			&bar.Open, &bar.High, &bar.Low, &bar.Close,
			&bar.Volume, &bar.Samples, &bar.Complete,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bar row: %w", err)
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bar rows: %w", err)
	}
	return bars, nil
}

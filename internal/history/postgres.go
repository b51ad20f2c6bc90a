package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gainscan/config"
	"gainscan/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS analysis_history (
	id               BIGSERIAL PRIMARY KEY,
	run_id           TEXT NOT NULL DEFAULT '',
	start_time       TIMESTAMPTZ NOT NULL,
	end_time         TIMESTAMPTZ NOT NULL,
	duration_seconds DOUBLE PRECISION NOT NULL,
	results          JSONB NOT NULL,
	symbol_count     INTEGER NOT NULL,
	scanned_symbols  INTEGER NOT NULL DEFAULT 0,
	skipped_symbols  INTEGER NOT NULL DEFAULT 0,
	config           JSONB NOT NULL,
	error            TEXT NOT NULL DEFAULT ''
)`

// PostgresStore keeps history in the analysis_history table.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects, pings and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create analysis_history: %w", err)
	}
	return nil
}

type historyRow struct {
	ID              int64           `db:"id"`
	RunID           string          `db:"run_id"`
	StartTime       time.Time       `db:"start_time"`
	EndTime         time.Time       `db:"end_time"`
	DurationSeconds float64         `db:"duration_seconds"`
	Results         json.RawMessage `db:"results"`
	SymbolCount     int             `db:"symbol_count"`
	ScannedSymbols  int             `db:"scanned_symbols"`
	SkippedSymbols  int             `db:"skipped_symbols"`
	Config          json.RawMessage `db:"config"`
	Error           string          `db:"error"`
}

func (r historyRow) record() (*models.HistoryRecord, error) {
	var results []models.ResultItem
	if err := json.Unmarshal(r.Results, &results); err != nil {
		return nil, fmt.Errorf("decode results of record %d: %w", r.ID, err)
	}
	if results == nil {
		results = []models.ResultItem{}
	}
	return &models.HistoryRecord{
		ID: r.ID,
		Bundle: models.ResultBundle{
			RunID:           r.RunID,
			Results:         results,
			StartTime:       r.StartTime.UTC(),
			EndTime:         r.EndTime.UTC(),
			DurationSeconds: r.DurationSeconds,
			ScannedSymbols:  r.ScannedSymbols,
			SkippedSymbols:  r.SkippedSymbols,
			Error:           r.Error,
		},
		Config: r.Config,
	}, nil
}

func (s *PostgresStore) Append(ctx context.Context, bundle *models.ResultBundle, settings config.Settings) (int64, error) {
	cfg, err := encodeSettings(settings)
	if err != nil {
		return 0, err
	}
	results := bundle.Results
	if results == nil {
		results = []models.ResultItem{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return 0, fmt.Errorf("encode results: %w", err)
	}

	const query = `
	INSERT INTO analysis_history (
		run_id, start_time, end_time, duration_seconds, results,
		symbol_count, scanned_symbols, skipped_symbols, config, error
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id`

	var id int64
	err = s.db.QueryRowxContext(ctx, query,
		bundle.RunID,
		bundle.StartTime,
		bundle.EndTime,
		bundle.DurationSeconds,
		string(resultsJSON),
		len(results),
		bundle.ScannedSymbols,
		bundle.SkippedSymbols,
		string(cfg),
		bundle.Error,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert history record: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Latest(ctx context.Context) (*models.HistoryRecord, error) {
	return s.one(ctx, `SELECT * FROM analysis_history ORDER BY id DESC LIMIT 1`)
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*models.HistoryRecord, error) {
	return s.one(ctx, `SELECT * FROM analysis_history WHERE id = $1`, id)
}

func (s *PostgresStore) one(ctx context.Context, query string, args ...interface{}) (*models.HistoryRecord, error) {
	var row historyRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load history record: %w", err)
	}
	return row.record()
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]models.HistorySummary, error) {
	query := `SELECT id, end_time, symbol_count, duration_seconds, error FROM analysis_history ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var rows []struct {
		ID              int64     `db:"id"`
		EndTime         time.Time `db:"end_time"`
		SymbolCount     int       `db:"symbol_count"`
		DurationSeconds float64   `db:"duration_seconds"`
		Error           string    `db:"error"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	out := make([]models.HistorySummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.HistorySummary{
			ID:              r.ID,
			EndTime:         r.EndTime.UTC(),
			SymbolCount:     r.SymbolCount,
			DurationSeconds: r.DurationSeconds,
			Error:           r.Error,
		})
	}
	return out, nil
}

func (s *PostgresStore) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
	DELETE FROM analysis_history
	WHERE id NOT IN (SELECT id FROM analysis_history ORDER BY id DESC LIMIT $1)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

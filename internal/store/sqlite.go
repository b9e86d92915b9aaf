package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "chainsync/internal/errors"
	"chainsync/internal/models"
)

// SQLiteStore implements ChainStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based chain store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per (instrument, expiry) with the time of the last save
	CREATE TABLE IF NOT EXISTS chain_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		security_id TEXT NOT NULL,
		exchange_segment TEXT NOT NULL,
		expiry TEXT NOT NULL,
		name TEXT,
		exchange TEXT,
		saved_at DATETIME NOT NULL,
		UNIQUE(security_id, exchange_segment, expiry)
	);

	-- Strike rows; NULL side columns mean the side was absent upstream
	CREATE TABLE IF NOT EXISTS chain_rows (
		snapshot_id INTEGER NOT NULL,
		strike REAL NOT NULL,
		call_oi INTEGER,
		call_ltp REAL,
		put_oi INTEGER,
		put_ltp REAL,
		PRIMARY KEY (snapshot_id, strike),
		FOREIGN KEY (snapshot_id) REFERENCES chain_snapshots(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chain_snapshots_saved ON chain_snapshots(saved_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveChain implements ChainStore.
func (s *SQLiteStore) SaveChain(ctx context.Context, inst models.Instrument, expiry string, table *models.OptionChainTable) error {
	if inst.ID == "" || inst.SegmentTag == "" {
		return apperrors.Wrap(apperrors.ErrInvalidTarget, "instrument without id or segment")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var snapshotID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO chain_snapshots (security_id, exchange_segment, expiry, name, exchange, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(security_id, exchange_segment, expiry)
		DO UPDATE SET name = excluded.name, exchange = excluded.exchange, saved_at = excluded.saved_at
		RETURNING id
	`, inst.ID, inst.SegmentTag, expiry, inst.Name, string(inst.Exchange), time.Now().UTC()).Scan(&snapshotID)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chain_rows WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("failed to clear rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chain_rows (snapshot_id, strike, call_oi, call_ltp, put_oi, put_ltp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range table.Rows() {
		callOI, callLTP := sideColumns(r.Call)
		putOI, putLTP := sideColumns(r.Put)
		if _, err := stmt.ExecContext(ctx, snapshotID, r.Strike, callOI, callLTP, putOI, putLTP); err != nil {
			return fmt.Errorf("failed to insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LastChain implements ChainStore.
func (s *SQLiteStore) LastChain(ctx context.Context, inst models.Instrument, expiry string) (*models.OptionChainTable, time.Time, error) {
	var (
		snapshotID int64
		savedAt    time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, saved_at FROM chain_snapshots
		WHERE security_id = ? AND exchange_segment = ? AND expiry = ?
	`, inst.ID, inst.SegmentTag, expiry).Scan(&snapshotID, &savedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, apperrors.Wrapf(apperrors.ErrNotFound, "no stored chain for %s %s", inst.Key(), expiry)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to get snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT strike, call_oi, call_ltp, put_oi, put_ltp
		FROM chain_rows WHERE snapshot_id = ?
		ORDER BY strike ASC
	`, snapshotID)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	var out []models.OptionChainRow
	for rows.Next() {
		var (
			r               models.OptionChainRow
			callOI, putOI   sql.NullInt64
			callLTP, putLTP sql.NullFloat64
		)
		if err := rows.Scan(&r.Strike, &callOI, &callLTP, &putOI, &putLTP); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Call = sideFromColumns(callOI, callLTP)
		r.Put = sideFromColumns(putOI, putLTP)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}

	return models.NewOptionChainTable(out...), savedAt, nil
}

// ListChains implements ChainStore.
func (s *SQLiteStore) ListChains(ctx context.Context) ([]ChainEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.security_id, s.exchange_segment, COALESCE(s.name, ''), s.expiry, s.saved_at,
			(SELECT COUNT(*) FROM chain_rows r WHERE r.snapshot_id = s.id)
		FROM chain_snapshots s
		ORDER BY s.saved_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	defer rows.Close()

	var entries []ChainEntry
	for rows.Next() {
		var e ChainEntry
		if err := rows.Scan(&e.SecurityID, &e.SegmentTag, &e.Name, &e.Expiry, &e.SavedAt, &e.Strikes); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune implements ChainStore.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chain_snapshots WHERE saved_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune chains: %w", err)
	}
	return result.RowsAffected()
}

func sideColumns(side *models.OptionSide) (sql.NullInt64, sql.NullFloat64) {
	if side == nil {
		return sql.NullInt64{}, sql.NullFloat64{}
	}
	return sql.NullInt64{Int64: side.OpenInterest, Valid: true}, sql.NullFloat64{Float64: side.LastPrice, Valid: true}
}

func sideFromColumns(oi sql.NullInt64, ltp sql.NullFloat64) *models.OptionSide {
	if !oi.Valid && !ltp.Valid {
		return nil
	}
	return &models.OptionSide{OpenInterest: oi.Int64, LastPrice: ltp.Float64}
}

// Ensure SQLiteStore implements ChainStore interface
var _ ChainStore = (*SQLiteStore)(nil)

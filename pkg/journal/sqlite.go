package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var _ Journal = (*SQLiteJournal)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS order_journal (
	client_order_id TEXT PRIMARY KEY,
	account_id_key  TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	action          TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	preview_id      INTEGER NOT NULL DEFAULT 0,
	order_id        INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS order_journal_state ON order_journal(state);
`

// SQLiteJournal survives restarts, so an order left in StateUnknown is still
// blocked from a blind re-commit after the process comes back.
type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

func (s *SQLiteJournal) Get(ctx context.Context, clientOrderID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_order_id, account_id_key, symbol, action, quantity,
		       preview_id, order_id, state, error, updated_at
		FROM order_journal WHERE client_order_id = ?`, clientOrderID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal entry %s: %w", clientOrderID, err)
	}
	return e, nil
}

func (s *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_journal (client_order_id, account_id_key, symbol, action, quantity,
		                           preview_id, order_id, state, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			account_id_key = excluded.account_id_key,
			symbol         = excluded.symbol,
			action         = excluded.action,
			quantity       = excluded.quantity,
			preview_id     = excluded.preview_id,
			order_id       = excluded.order_id,
			state          = excluded.state,
			error          = excluded.error,
			updated_at     = excluded.updated_at`,
		e.ClientOrderID, e.AccountIDKey, e.Symbol, e.Action, e.Quantity,
		e.PreviewID, e.OrderID, string(e.State), e.Error, e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record journal entry %s: %w", e.ClientOrderID, err)
	}
	return nil
}

func (s *SQLiteJournal) List(ctx context.Context, state State) ([]Entry, error) {
	query := `
		SELECT client_order_id, account_id_key, symbol, action, quantity,
		       preview_id, order_id, state, error, updated_at
		FROM order_journal`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY updated_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e       Entry
		state   string
		updated int64
	)
	if err := sc.Scan(&e.ClientOrderID, &e.AccountIDKey, &e.Symbol, &e.Action, &e.Quantity,
		&e.PreviewID, &e.OrderID, &state, &e.Error, &updated); err != nil {
		return nil, err
	}
	e.State = State(state)
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return &e, nil
}

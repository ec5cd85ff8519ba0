package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ LedgerStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	initial_capital TEXT    NOT NULL,
	current_balance TEXT    NOT NULL,
	created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	ticker        TEXT    PRIMARY KEY,
	quantity      INTEGER NOT NULL CHECK (quantity >= 0),
	avg_price     TEXT    NOT NULL,
	entry_price   TEXT    NOT NULL,
	entry_date    INTEGER NOT NULL,
	current_price TEXT    NOT NULL,
	stop_price    TEXT    NOT NULL,
	highest_price TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT    NOT NULL UNIQUE,
	ticker          TEXT    NOT NULL,
	action          TEXT    NOT NULL CHECK (action IN ('BUY', 'SELL')),
	quantity        INTEGER NOT NULL CHECK (quantity > 0),
	price           TEXT    NOT NULL,
	strategy_name   TEXT    NOT NULL DEFAULT '',
	thought_context TEXT    NOT NULL DEFAULT '',
	timestamp       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_ticker_ts ON orders (ticker, timestamp);

CREATE TRIGGER IF NOT EXISTS orders_no_update BEFORE UPDATE ON orders
BEGIN
	SELECT RAISE(ABORT, 'orders are append-only');
END;

CREATE TRIGGER IF NOT EXISTS orders_no_delete BEFORE DELETE ON orders
BEGIN
	SELECT RAISE(ABORT, 'orders are append-only');
END;

CREATE TABLE IF NOT EXISTS balance (
	date         TEXT PRIMARY KEY,
	total_equity TEXT NOT NULL,
	cash         TEXT NOT NULL,
	invested     TEXT NOT NULL
);
`

// SQLiteStore implements LedgerStore backed by a SQLite database. Money is
// stored as decimal TEXT so replays are exact.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating db dir: %w", err)
			}
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: the ledger is the only writer and :memory: databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

// InitAccount creates the singleton account row if it does not exist.
func (s *SQLiteStore) InitAccount(ctx context.Context, initialCapital decimal.Decimal) (domain.Account, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (id, initial_capital, current_balance, created_at) VALUES (1, ?, ?, ?)`,
		initialCapital.String(), initialCapital.String(), time.Now().UnixMilli())
	if err != nil {
		return domain.Account{}, fmt.Errorf("initialising account: %w", err)
	}
	return s.LoadAccount(ctx)
}

// LoadAccount returns the singleton account row.
func (s *SQLiteStore) LoadAccount(ctx context.Context) (domain.Account, error) {
	var a domain.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT initial_capital, current_balance FROM accounts WHERE id = 1`,
	).Scan(&a.InitialCapital, &a.Cash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, ErrNoAccount
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("loading account: %w", err)
	}
	return a, nil
}

// SetCash overwrites the stored balance.
func (s *SQLiteStore) SetCash(ctx context.Context, cash decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET current_balance = ? WHERE id = 1`, cash.String())
	if err != nil {
		return fmt.Errorf("setting cash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoAccount
	}
	return nil
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// ListPositions returns all open positions ordered by ticker.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker, quantity, avg_price, entry_price, entry_date,
		       current_price, stop_price, highest_price
		FROM positions ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var entry int64
		if err := rows.Scan(&p.Ticker, &p.Quantity, &p.AvgPrice, &p.EntryPrice, &entry,
			&p.CurrentPrice, &p.StopPrice, &p.HighestPrice); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		p.EntryDate = fromMillis(entry)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateMarks persists the last observed and highest prices.
func (s *SQLiteStore) UpdateMarks(ctx context.Context, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE positions SET current_price = ?, highest_price = ? WHERE ticker = ?`)
	if err != nil {
		return fmt.Errorf("preparing mark update: %w", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx, p.CurrentPrice.String(), p.HighestPrice.String(), p.Ticker); err != nil {
			return fmt.Errorf("updating mark for %s: %w", p.Ticker, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// CommitOrder writes the balance, the position change and the order append
// in a single transaction.
func (s *SQLiteStore) CommitOrder(ctx context.Context, c Commit) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE accounts SET current_balance = ? WHERE id = 1`, c.Cash.String())
	if err != nil {
		return 0, fmt.Errorf("updating balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNoAccount
	}

	if p := c.Position; p != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO positions (ticker, quantity, avg_price, entry_price, entry_date,
			                       current_price, stop_price, highest_price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (ticker) DO UPDATE SET
				quantity      = excluded.quantity,
				avg_price     = excluded.avg_price,
				entry_price   = excluded.entry_price,
				entry_date    = excluded.entry_date,
				current_price = excluded.current_price,
				stop_price    = excluded.stop_price,
				highest_price = excluded.highest_price`,
			p.Ticker, p.Quantity, p.AvgPrice.String(), p.EntryPrice.String(), toMillis(p.EntryDate),
			p.CurrentPrice.String(), p.StopPrice.String(), p.HighestPrice.String())
		if err != nil {
			return 0, fmt.Errorf("upserting position %s: %w", p.Ticker, err)
		}
	}
	if c.DeleteTicker != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE ticker = ?`, c.DeleteTicker); err != nil {
			return 0, fmt.Errorf("deleting position %s: %w", c.DeleteTicker, err)
		}
	}

	o := c.Order
	res, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, ticker, action, quantity, price, strategy_name, thought_context, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Ticker, string(o.Action), o.Quantity, o.Price.String(), o.StrategyName, o.Reason, o.Timestamp.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("appending order: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading order seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// ListOrders returns orders matching f.
func (s *SQLiteStore) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.Ticker != "" {
		where = append(where, "ticker = ?")
		args = append(args, f.Ticker)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixNano())
	}

	q := `SELECT seq, id, ticker, action, quantity, price, strategy_name, thought_context, timestamp FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Ascending {
		q += " ORDER BY seq ASC"
	} else {
		q += " ORDER BY seq DESC"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var (
			o      domain.Order
			action string
			ts     int64
		)
		if err := rows.Scan(&o.Seq, &o.ID, &o.Ticker, &action, &o.Quantity, &o.Price,
			&o.StrategyName, &o.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		o.Action = domain.Action(action)
		o.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Equity snapshots
// ---------------------------------------------------------------------------

// UpsertEquitySnapshot writes the snapshot for its date.
func (s *SQLiteStore) UpsertEquitySnapshot(ctx context.Context, snap domain.EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance (date, total_equity, cash, invested) VALUES (?, ?, ?, ?)
		ON CONFLICT (date) DO UPDATE SET
			total_equity = excluded.total_equity,
			cash         = excluded.cash,
			invested     = excluded.invested`,
		snap.Date, snap.TotalEquity.String(), snap.Cash.String(), snap.Invested.String())
	if err != nil {
		return fmt.Errorf("upserting equity snapshot %s: %w", snap.Date, err)
	}
	return nil
}

// ListEquitySnapshots returns snapshots on or after since, oldest first.
func (s *SQLiteStore) ListEquitySnapshots(ctx context.Context, since string) ([]domain.EquitySnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, total_equity, cash, invested FROM balance WHERE date >= ? ORDER BY date`, since)
	if err != nil {
		return nil, fmt.Errorf("listing equity snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.EquitySnapshot
	for rows.Next() {
		var e domain.EquitySnapshot
		if err := rows.Scan(&e.Date, &e.TotalEquity, &e.Cash, &e.Invested); err != nil {
			return nil, fmt.Errorf("scanning equity snapshot: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSnapshotBefore returns the newest snapshot dated before date.
func (s *SQLiteStore) LatestSnapshotBefore(ctx context.Context, date string) (domain.EquitySnapshot, bool, error) {
	var e domain.EquitySnapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT date, total_equity, cash, invested FROM balance WHERE date < ? ORDER BY date DESC LIMIT 1`, date,
	).Scan(&e.Date, &e.TotalEquity, &e.Cash, &e.Invested)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EquitySnapshot{}, false, nil
	}
	if err != nil {
		return domain.EquitySnapshot{}, false, fmt.Errorf("reading previous snapshot: %w", err)
	}
	return e, true, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

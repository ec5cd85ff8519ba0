// Package store defines storage interfaces for persisting and retrieving
// ledger state, cached market bars and archive exports.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
)

// ErrNoAccount is returned by LoadAccount before InitAccount has run.
var ErrNoAccount = errors.New("store: account not initialised")

// Commit is the full effect of one executed order. A store applies all of it
// in one transaction or none of it.
type Commit struct {
	// Cash is the account balance after the order.
	Cash decimal.Decimal

	// Position is upserted when non-nil.
	Position *domain.Position

	// DeleteTicker removes the position for that ticker when non-empty.
	DeleteTicker string

	// Order is appended to the order log. ID and Timestamp must be set; the
	// store assigns Seq.
	Order domain.Order
}

// OrderFilter selects a slice of the order log.
type OrderFilter struct {
	Ticker    string
	Since     time.Time // inclusive; zero means no lower bound
	Limit     int       // <= 0 means no limit
	Ascending bool      // oldest first (replay order) instead of newest first
}

// LedgerStore persists the account, open positions, the append-only order
// log and daily equity snapshots.
type LedgerStore interface {
	// InitAccount creates the account row with initialCapital as both the
	// initial capital and the balance. An existing account is returned
	// unchanged.
	InitAccount(ctx context.Context, initialCapital decimal.Decimal) (domain.Account, error)

	// LoadAccount returns the account row or ErrNoAccount.
	LoadAccount(ctx context.Context) (domain.Account, error)

	// SetCash overwrites the stored balance.
	SetCash(ctx context.Context, cash decimal.Decimal) error

	// ListPositions returns all open positions ordered by ticker.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// UpdateMarks persists current_price and highest_price for existing
	// positions. Unknown tickers are ignored.
	UpdateMarks(ctx context.Context, positions []domain.Position) error

	// CommitOrder applies c atomically and returns the assigned order seq.
	CommitOrder(ctx context.Context, c Commit) (int64, error)

	// ListOrders returns orders matching f.
	ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error)

	// UpsertEquitySnapshot writes the snapshot for s.Date, replacing any
	// earlier snapshot for the same day.
	UpsertEquitySnapshot(ctx context.Context, s domain.EquitySnapshot) error

	// ListEquitySnapshots returns snapshots dated on or after since
	// (YYYY-MM-DD, empty for all), oldest first.
	ListEquitySnapshots(ctx context.Context, since string) ([]domain.EquitySnapshot, error)

	// LatestSnapshotBefore returns the most recent snapshot dated strictly
	// before date. ok is false when there is none.
	LatestSnapshotBefore(ctx context.Context, date string) (s domain.EquitySnapshot, ok bool, err error)

	Close() error
}

// BarStore persists and retrieves daily OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars, merging with any already stored.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for symbol within [start, end], oldest first.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// Archiver writes point-in-time exports of the ledger.
type Archiver interface {
	ExportOrders(ctx context.Context, path string, orders []domain.Order) error
	ExportEquity(ctx context.Context, path string, snaps []domain.EquitySnapshot) error
}

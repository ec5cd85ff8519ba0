package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ Archiver = (*ParquetStore)(nil)

// ParquetStore implements BarStore and Archiver using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// OrderRecord is the archive schema for the order log. Prices keep their
// exact decimal text.
type OrderRecord struct {
	Seq          int64  `parquet:"seq"`
	ID           string `parquet:"id"`
	Ticker       string `parquet:"ticker"`
	Action       string `parquet:"action"`
	Quantity     int64  `parquet:"quantity"`
	Price        string `parquet:"price"`
	StrategyName string `parquet:"strategy_name"`
	Reason       string `parquet:"reason"`
	Timestamp    int64  `parquet:"timestamp,timestamp(millisecond)"`
}

// EquityRecord is the archive schema for daily equity snapshots.
type EquityRecord struct {
	Date        string `parquet:"date"`
	TotalEquity string `parquet:"total_equity"`
	Cash        string `parquet:"cash"`
	Invested    string `parquet:"invested"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars grouped by symbol and year, one file per group:
//
//	<DataDir>/bars/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     k.symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.symbol, k.year)
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bars for symbol within [start, end]. Missing year files are
// skipped.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(symbol)
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, year))
		if err != nil {
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have cached bars.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "bars"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Archiver implementation
// ---------------------------------------------------------------------------

// ExportOrders writes orders to a Parquet file at path, replacing it.
func (s *ParquetStore) ExportOrders(_ context.Context, path string, orders []domain.Order) error {
	records := make([]OrderRecord, len(orders))
	for i, o := range orders {
		records[i] = OrderRecord{
			Seq:          o.Seq,
			ID:           o.ID,
			Ticker:       o.Ticker,
			Action:       string(o.Action),
			Quantity:     o.Quantity,
			Price:        o.Price.String(),
			StrategyName: o.StrategyName,
			Reason:       o.Reason,
			Timestamp:    o.Timestamp.UnixMilli(),
		}
	}
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("exporting orders: %w", err)
	}
	return nil
}

// ExportEquity writes equity snapshots to a Parquet file at path.
func (s *ParquetStore) ExportEquity(_ context.Context, path string, snaps []domain.EquitySnapshot) error {
	records := make([]EquityRecord, len(snaps))
	for i, e := range snaps {
		records[i] = EquityRecord{
			Date:        e.Date,
			TotalEquity: e.TotalEquity.String(),
			Cash:        e.Cash.String(),
			Invested:    e.Invested.String(),
		}
	}
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("exporting equity: %w", err)
	}
	return nil
}

// ReadOrderArchive loads an order archive written by ExportOrders.
func ReadOrderArchive(path string) ([]domain.Order, error) {
	records, err := readParquetFile[OrderRecord](path)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, len(records))
	for i, r := range records {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad price %q: %w", r.ID, r.Price, err)
		}
		out[i] = domain.Order{
			ID:           r.ID,
			Seq:          r.Seq,
			Ticker:       r.Ticker,
			Action:       domain.Action(r.Action),
			Quantity:     r.Quantity,
			Price:        price,
			StrategyName: r.StrategyName,
			Reason:       r.Reason,
			Timestamp:    time.UnixMilli(r.Timestamp).UTC(),
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/bars/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(symbol string, year int) string {
	return filepath.Join(s.DataDir, "bars", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by timestamp, preferring incoming
// records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

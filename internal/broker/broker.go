// Package broker is the upward trade-execution surface consumed by the API
// and the CLI.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
	"papertrader/internal/ledger"
)

// ErrNoPrice is the rejection reason when a trade has no explicit price and
// no market price can be found.
var ErrNoPrice = errors.New("no price available")

// TradeRequest is a manual trade. A zero Price executes at the latest market
// price.
type TradeRequest struct {
	Ticker       string          `json:"ticker"`
	Action       domain.Action   `json:"action"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	StrategyName string          `json:"strategy_name"`
	Reason       string          `json:"reason"`
}

// Broker executes trades and reports the account.
type Broker interface {
	// Name returns the broker identifier (e.g. "paper").
	Name() string

	// ExecuteTrade executes req. Business-rule rejections come back in the
	// Result; the error is reserved for persistence and availability
	// failures.
	ExecuteTrade(ctx context.Context, req TradeRequest) (ledger.Result, error)

	// GetPositions returns open positions valued at the latest marks.
	GetPositions(ctx context.Context) ([]domain.PositionView, error)

	// GetAccount returns the balance summary.
	GetAccount(ctx context.Context) (domain.BalanceSummary, error)
}

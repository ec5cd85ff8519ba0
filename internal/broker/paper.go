package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"papertrader/internal/domain"
	"papertrader/internal/ledger"
	"papertrader/internal/market"
)

// Compile-time interface check.
var _ Broker = (*PaperBroker)(nil)

// PaperBroker fills every trade immediately against the ledger at the
// requested price, or at the latest market price when none is given.
type PaperBroker struct {
	ledger *ledger.Ledger
	prices market.PriceSource
	log    *slog.Logger
}

// NewPaperBroker creates a PaperBroker over l. prices may be nil, in which
// case every trade must carry a price.
func NewPaperBroker(l *ledger.Ledger, prices market.PriceSource, log *slog.Logger) *PaperBroker {
	if log == nil {
		log = slog.Default()
	}
	return &PaperBroker{
		ledger: l,
		prices: prices,
		log:    log.With("component", "broker"),
	}
}

// Name returns "paper".
func (b *PaperBroker) Name() string {
	return "paper"
}

// ExecuteTrade resolves the fill price and executes the order on the ledger.
func (b *PaperBroker) ExecuteTrade(ctx context.Context, req TradeRequest) (ledger.Result, error) {
	req.Ticker = strings.ToUpper(strings.TrimSpace(req.Ticker))
	req.Action = domain.Action(strings.ToUpper(string(req.Action)))

	price := req.Price
	if price.IsZero() {
		if b.prices == nil {
			return ledger.Result{Reason: fmt.Errorf("%w for %s", ErrNoPrice, req.Ticker)}, nil
		}
		px, err := b.prices.LatestPrice(ctx, req.Ticker)
		if err != nil || !px.IsPositive() {
			b.log.Warn("no market price for trade", "ticker", req.Ticker, "error", err)
			return ledger.Result{Reason: fmt.Errorf("%w for %s", ErrNoPrice, req.Ticker)}, nil
		}
		price = px
	}

	strategyName := req.StrategyName
	if strategyName == "" {
		strategyName = "manual"
	}
	return b.ledger.ExecuteOrder(ctx, ledger.OrderRequest{
		Ticker:       req.Ticker,
		Action:       req.Action,
		Quantity:     req.Quantity,
		Price:        price,
		StopPrice:    req.StopPrice,
		StrategyName: strategyName,
		Reason:       req.Reason,
	})
}

// GetPositions returns the ledger's valued positions.
func (b *PaperBroker) GetPositions(ctx context.Context) ([]domain.PositionView, error) {
	return b.ledger.GetPositions(ctx)
}

// GetAccount returns the ledger's balance summary.
func (b *PaperBroker) GetAccount(ctx context.Context) (domain.BalanceSummary, error) {
	return b.ledger.GetCurrentBalanceSummary(ctx)
}

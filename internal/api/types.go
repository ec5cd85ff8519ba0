package api

import (
	"papertrader/internal/domain"
	"papertrader/internal/regime"
)

// TradeResponse is the body returned by POST /api/trades.
type TradeResponse struct {
	Accepted bool          `json:"accepted"`
	Reason   string        `json:"reason,omitempty"`
	Order    *domain.Order `json:"order,omitempty"`
}

// RegimeResponse is the body returned by GET /api/regime.
type RegimeResponse struct {
	Current     regime.Regime             `json:"current"`
	Risk        regime.RiskParameterSet   `json:"risk"`
	Statistics  regime.Stats              `json:"statistics"`
	Recent      []regime.Observation      `json:"recent"`
	RiskHistory []regime.RiskParameterSet `json:"risk_history,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"papertrader/internal/broker"
	"papertrader/internal/domain"
	"papertrader/internal/engine"
	"papertrader/internal/ledger"
)

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/summary", s.handleSummary)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/trades", s.handleTradeHistory)
	mux.HandleFunc("POST /api/trades", s.handleExecuteTrade)
	mux.HandleFunc("GET /api/equity", s.handleEquity)
	mux.HandleFunc("POST /api/ledger/recalculate", s.handleRecalculate)
	mux.HandleFunc("POST /api/ledger/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/trader/status", s.handleTraderStatus)
	mux.HandleFunc("POST /api/trader/start", s.handleTraderStart)
	mux.HandleFunc("POST /api/trader/stop", s.handleTraderStop)
	mux.HandleFunc("GET /api/regime", s.handleRegime)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeLedgerError maps ledger failures to status codes.
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("ledger request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Ledger.GetCurrentBalanceSummary(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Ledger.GetPositions(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if positions == nil {
		positions = []domain.PositionView{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// handleTradeHistory serves GET /api/trades?limit=N&since=T where T is
// RFC 3339 or YYYY-MM-DD.
func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := parseSince(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: want RFC 3339 or YYYY-MM-DD")
			return
		}
		since = t
	}

	orders, err := s.deps.Ledger.GetTradeHistory(r.Context(), limit, since)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func parseSince(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(domain.DateLayout, v)
}

func (s *Server) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req broker.TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.deps.Broker.ExecuteTrade(r.Context(), req)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if !res.Accepted {
		resp := TradeResponse{}
		if res.Reason != nil {
			resp.Reason = res.Reason.Error()
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	order := res.Order
	writeJSON(w, http.StatusOK, TradeResponse{Accepted: true, Order: &order})
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = n
	}
	snaps, err := s.deps.Ledger.GetEquityHistory(r.Context(), days)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if snaps == nil {
		snaps = []domain.EquitySnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Ledger.RecalculateBalance(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Ledger.UpdateDailyEquity(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ---------------------------------------------------------------------------
// Auto trader
// ---------------------------------------------------------------------------

func (s *Server) handleTraderStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Trader.Status())
}

func (s *Server) handleTraderStart(w http.ResponseWriter, _ *http.Request) {
	s.deps.Trader.Start()
	writeJSON(w, http.StatusOK, s.deps.Trader.Status())
}

func (s *Server) handleTraderStop(w http.ResponseWriter, _ *http.Request) {
	s.deps.Trader.Stop()
	writeJSON(w, http.StatusOK, s.deps.Trader.Status())
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			n = parsed
		}
	}
	resp := RegimeResponse{
		Current:    s.deps.Regime.Current(),
		Risk:       s.deps.Trader.Status().Risk,
		Statistics: s.deps.Regime.Statistics(),
		Recent:     s.deps.Regime.RecentHistory(n),
	}
	if s.deps.Risk != nil {
		hist := s.deps.Risk.History()
		if len(hist) > n && n > 0 {
			hist = hist[len(hist)-n:]
		}
		resp.RiskHistory = hist
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Trader.Status()
	hello, err := json.Marshal(engine.Event{Type: engine.EventStatus, Time: time.Now(), Status: &st})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.ServeWS(w, r, hello)
}

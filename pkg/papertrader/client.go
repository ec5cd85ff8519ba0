// Package papertrader is a Go client for the papertrader daemon's REST API.
package papertrader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"papertrader/internal/api"
	"papertrader/internal/broker"
	"papertrader/internal/domain"
	"papertrader/internal/engine"
	"papertrader/internal/ledger"
)

// ErrRejected is wrapped by ExecuteTrade when the ledger refused the order.
var ErrRejected = errors.New("trade rejected")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("papertrader: %d: %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the papertrader API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new papertrader API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetSummary retrieves the account balance summary.
func (c *Client) GetSummary(ctx context.Context) (domain.BalanceSummary, error) {
	var out domain.BalanceSummary
	err := c.do(ctx, http.MethodGet, "/api/summary", nil, &out)
	return out, err
}

// GetPositions retrieves open positions valued at their mark prices.
func (c *Client) GetPositions(ctx context.Context) ([]domain.PositionView, error) {
	var out []domain.PositionView
	err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out)
	return out, err
}

// GetTradeHistory retrieves up to limit orders, newest first. A zero since
// means no lower bound.
func (c *Client) GetTradeHistory(ctx context.Context, limit int, since time.Time) ([]domain.Order, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339))
	}
	var out []domain.Order
	err := c.do(ctx, http.MethodGet, "/api/trades?"+q.Encode(), nil, &out)
	return out, err
}

// GetEquityHistory retrieves daily equity snapshots for the last days days.
func (c *Client) GetEquityHistory(ctx context.Context, days int) ([]domain.EquitySnapshot, error) {
	var out []domain.EquitySnapshot
	err := c.do(ctx, http.MethodGet, "/api/equity?days="+strconv.Itoa(days), nil, &out)
	return out, err
}

// ExecuteTrade submits a manual trade. A rejection is returned as an error
// wrapping ErrRejected together with the response.
func (c *Client) ExecuteTrade(ctx context.Context, req broker.TradeRequest) (api.TradeResponse, error) {
	var out api.TradeResponse
	err := c.do(ctx, http.MethodPost, "/api/trades", req, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return out, fmt.Errorf("%w: %s", ErrRejected, out.Reason)
	}
	return out, err
}

// Recalculate rebuilds the cash balance from the order log.
func (c *Client) Recalculate(ctx context.Context) (ledger.RecalcReport, error) {
	var out ledger.RecalcReport
	err := c.do(ctx, http.MethodPost, "/api/ledger/recalculate", nil, &out)
	return out, err
}

// Snapshot records today's equity snapshot.
func (c *Client) Snapshot(ctx context.Context) (domain.EquitySnapshot, error) {
	var out domain.EquitySnapshot
	err := c.do(ctx, http.MethodPost, "/api/ledger/snapshot", nil, &out)
	return out, err
}

// TraderStatus retrieves the auto trader's status.
func (c *Client) TraderStatus(ctx context.Context) (engine.Status, error) {
	return c.trader(ctx, http.MethodGet, "status")
}

// StartTrader starts the auto trader loop.
func (c *Client) StartTrader(ctx context.Context) (engine.Status, error) {
	return c.trader(ctx, http.MethodPost, "start")
}

// StopTrader stops the auto trader loop.
func (c *Client) StopTrader(ctx context.Context) (engine.Status, error) {
	return c.trader(ctx, http.MethodPost, "stop")
}

func (c *Client) trader(ctx context.Context, method, op string) (engine.Status, error) {
	var out engine.Status
	err := c.do(ctx, method, "/api/trader/"+op, nil, &out)
	return out, err
}

// GetRegime retrieves the current regime and the last n observations.
func (c *Client) GetRegime(ctx context.Context, n int) (api.RegimeResponse, error) {
	var out api.RegimeResponse
	err := c.do(ctx, http.MethodGet, "/api/regime?n="+strconv.Itoa(n), nil, &out)
	return out, err
}

// do sends a JSON request and decodes the response into out. Non-2xx
// responses become *APIError; their body is still decoded into out when it
// parses.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

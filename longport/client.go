// Package longport implements the backend capability seam against the
// LongPort OpenAPI: signed REST calls wrapped in the {code,message,data}
// envelope plus a websocket push stream for quote and order events.
package longport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brokergate/brokergate/backend"
	"github.com/brokergate/brokergate/config"
)

const (
	userAgent = "brokergate"

	// Throttled reads are retried with exponential backoff.
	retryCount        = 5
	retryInitialDelay = 100 * time.Millisecond
	retryFactor       = 2.0
)

// Client is a LongPort OpenAPI client. It implements backend.Client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	quoteWSURL string
	creds      config.Credentials
	log        *slog.Logger
}

var _ backend.Client = (*Client)(nil)

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used for request tracing.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a Client from credentials and settings.
func New(creds config.Credentials, settings config.Settings, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: settings.CallTimeout},
		baseURL:    settings.HTTPBaseURL,
		quoteWSURL: settings.QuoteWSURL,
		creds:      creds,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call issues one signed request and decodes the response envelope into out.
// When retryable is true a 429 status is retried with exponential backoff;
// order-mutating callers pass false so a request is never issued twice.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any, retryable bool) error {
	err := c.doCall(ctx, method, path, query, body, out)
	if !retryable {
		return err
	}

	delay := retryInitialDelay
	for i := 0; i < retryCount && isThrottled(err); i++ {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &backend.CallError{Op: path, Message: "canceled", Transient: true, Err: ctx.Err()}
		}
		delay = time.Duration(float64(delay) * retryFactor)
		err = c.doCall(ctx, method, path, query, body, out)
	}
	return err
}

func isThrottled(err error) bool {
	var ce *backend.CallError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == http.StatusTooManyRequests
}

func (c *Client) doCall(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	rawQuery := query.Encode()
	reqURL := c.baseURL + path
	if rawQuery != "" {
		reqURL += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	ts := formatTimestamp(time.Now())
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Api-Key", c.creds.AppKey)
	req.Header.Set("Authorization", c.creds.AccessToken)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("X-Api-Signature",
		sign(method, path, rawQuery, c.creds.AppKey, c.creds.AccessToken, c.creds.AppSecret, ts, payload))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &backend.CallError{Op: path, Message: "http transport", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return &backend.CallError{Op: path, Message: "read response", Transient: true, Err: err}
	}

	c.log.DebugContext(ctx, "longport.http.call",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	var env envelope
	if err := json.Unmarshal(text, &env); err != nil {
		if resp.StatusCode == http.StatusOK {
			return &backend.CallError{Op: path, Message: "malformed response envelope", Err: err}
		}
		return c.statusError(path, resp.StatusCode)
	}

	if env.Code != 0 {
		return c.envelopeError(path, resp.StatusCode, env.Code, env.Message)
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &backend.CallError{Op: path, Message: "malformed response data", Err: err}
		}
	}
	return nil
}

func (c *Client) statusError(op string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &backend.AuthError{Code: status, Message: http.StatusText(status)}
	case status == http.StatusNotFound:
		return &backend.CallError{Op: op, Code: status, Message: "not found", Err: backend.ErrNotFound}
	case status == http.StatusTooManyRequests || status >= 500:
		return &backend.CallError{Op: op, Code: status, Message: http.StatusText(status), Transient: true}
	default:
		return &backend.CallError{Op: op, Code: status, Message: http.StatusText(status)}
	}
}

// Envelope codes in the 401xxx and 403xxx ranges are credential failures.
// 404xxx codes reference entities that do not exist.
func (c *Client) envelopeError(op string, status, code int, message string) error {
	switch {
	case code >= 401000 && code < 402000, code >= 403000 && code < 404000:
		return &backend.AuthError{Code: code, Message: message}
	case code >= 404000 && code < 405000:
		return &backend.CallError{Op: op, Code: code, Message: message, Err: backend.ErrNotFound}
	case status >= 500:
		return &backend.CallError{Op: op, Code: code, Message: message, Transient: true}
	default:
		return &backend.CallError{Op: op, Code: code, Message: message}
	}
}

// PlaceOrder submits a new order. Never retried.
func (c *Client) PlaceOrder(ctx context.Context, req backend.OrderRequest) (*backend.PlacedOrder, error) {
	var placed backend.PlacedOrder
	if err := c.call(ctx, http.MethodPost, "/v1/trade/order", nil, req, &placed, false); err != nil {
		return nil, err
	}
	return &placed, nil
}

// ReplaceOrder amends a resting order. Never retried.
func (c *Client) ReplaceOrder(ctx context.Context, req backend.ReplaceOrderRequest) error {
	return c.call(ctx, http.MethodPut, "/v1/trade/order", nil, req, nil, false)
}

// CancelOrder cancels a resting order. Never retried.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	q := url.Values{"order_id": {orderID}}
	return c.call(ctx, http.MethodDelete, "/v1/trade/order", q, nil, nil, false)
}

type wireOrder struct {
	OrderID          string              `json:"order_id"`
	Symbol           string              `json:"symbol"`
	StockName        string              `json:"stock_name"`
	Side             backend.OrderSide   `json:"side"`
	OrderType        backend.OrderType   `json:"order_type"`
	Status           backend.OrderStatus `json:"status"`
	Quantity         string              `json:"quantity"`
	ExecutedQuantity string              `json:"executed_quantity"`
	Price            string              `json:"price"`
	ExecutedPrice    string              `json:"executed_price"`
	TimeInForce      backend.TimeInForce `json:"time_in_force"`
	SubmittedAt      string              `json:"submitted_at"`
	UpdatedAt        string              `json:"updated_at"`
	Msg              string              `json:"msg"`
}

func (w wireOrder) toOrder() backend.Order {
	return backend.Order{
		OrderID:          w.OrderID,
		Symbol:           w.Symbol,
		StockName:        w.StockName,
		Side:             w.Side,
		Type:             w.OrderType,
		Status:           w.Status,
		Quantity:         w.Quantity,
		ExecutedQuantity: w.ExecutedQuantity,
		Price:            w.Price,
		ExecutedPrice:    w.ExecutedPrice,
		TimeInForce:      w.TimeInForce,
		SubmittedAt:      parseEpoch(w.SubmittedAt),
		UpdatedAt:        parseEpoch(w.UpdatedAt),
		Msg:              w.Msg,
	}
}

// parseEpoch converts the backend's stringified unix-seconds timestamps.
// Empty or malformed values yield the zero time.
func parseEpoch(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// ListOrders returns today's orders matching the filter.
func (c *Client) ListOrders(ctx context.Context, filter backend.OrderFilter) ([]backend.Order, error) {
	q := url.Values{}
	if filter.Symbol != "" {
		q.Set("symbol", filter.Symbol)
	}
	if filter.Side != "" {
		q.Set("side", string(filter.Side))
	}
	for _, st := range filter.Status {
		q.Add("status", string(st))
	}

	var data struct {
		Orders []wireOrder `json:"orders"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/trade/order/today", q, nil, &data, true); err != nil {
		return nil, err
	}

	orders := make([]backend.Order, 0, len(data.Orders))
	for _, w := range data.Orders {
		orders = append(orders, w.toOrder())
	}
	return orders, nil
}

// TodayExecutions returns today's fills, optionally filtered by symbol.
func (c *Client) TodayExecutions(ctx context.Context, symbol string) ([]backend.Execution, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}

	var data struct {
		Trades []struct {
			TradeID     string `json:"trade_id"`
			OrderID     string `json:"order_id"`
			Symbol      string `json:"symbol"`
			Quantity    string `json:"quantity"`
			Price       string `json:"price"`
			TradeDoneAt string `json:"trade_done_at"`
		} `json:"trades"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/trade/execution/today", q, nil, &data, true); err != nil {
		return nil, err
	}

	execs := make([]backend.Execution, 0, len(data.Trades))
	for _, t := range data.Trades {
		execs = append(execs, backend.Execution{
			TradeID:  t.TradeID,
			OrderID:  t.OrderID,
			Symbol:   t.Symbol,
			Quantity: t.Quantity,
			Price:    t.Price,
			TradedAt: parseEpoch(t.TradeDoneAt),
		})
	}
	return execs, nil
}

// GetQuotes returns real-time snapshots for the given symbols.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]backend.Quote, error) {
	q := url.Values{}
	for _, s := range symbols {
		q.Add("symbol", s)
	}

	var data struct {
		SecuQuote []struct {
			Symbol      string `json:"symbol"`
			LastDone    string `json:"last_done"`
			Open        string `json:"open"`
			High        string `json:"high"`
			Low         string `json:"low"`
			PrevClose   string `json:"prev_close"`
			Volume      int64  `json:"volume"`
			Turnover    string `json:"turnover"`
			TradeStatus string `json:"trade_status"`
			Timestamp   string `json:"timestamp"`
		} `json:"secu_quote"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/quote/real-time", q, nil, &data, true); err != nil {
		return nil, err
	}

	quotes := make([]backend.Quote, 0, len(data.SecuQuote))
	for _, w := range data.SecuQuote {
		quotes = append(quotes, backend.Quote{
			Symbol:      w.Symbol,
			LastDone:    w.LastDone,
			Open:        w.Open,
			High:        w.High,
			Low:         w.Low,
			PrevClose:   w.PrevClose,
			Volume:      w.Volume,
			Turnover:    w.Turnover,
			TradeStatus: w.TradeStatus,
			Timestamp:   parseEpoch(w.Timestamp),
		})
	}
	return quotes, nil
}

// HistoryCandles returns up to q.Count historical bars for a symbol.
func (c *Client) HistoryCandles(ctx context.Context, cq backend.CandleQuery) ([]backend.Candle, error) {
	q := url.Values{
		"symbol": {cq.Symbol},
		"period": {string(cq.Period)},
		"count":  {strconv.Itoa(cq.Count)},
	}

	var data struct {
		Candles []struct {
			Close     string `json:"close"`
			Open      string `json:"open"`
			High      string `json:"high"`
			Low       string `json:"low"`
			Volume    int64  `json:"volume"`
			Turnover  string `json:"turnover"`
			Timestamp string `json:"timestamp"`
		} `json:"candlesticks"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/quote/candlestick", q, nil, &data, true); err != nil {
		return nil, err
	}

	candles := make([]backend.Candle, 0, len(data.Candles))
	for _, w := range data.Candles {
		candles = append(candles, backend.Candle{
			Close:     w.Close,
			Open:      w.Open,
			High:      w.High,
			Low:       w.Low,
			Volume:    w.Volume,
			Turnover:  w.Turnover,
			Timestamp: parseEpoch(w.Timestamp),
		})
	}
	return candles, nil
}

// AccountBalance returns per-currency cash state.
func (c *Client) AccountBalance(ctx context.Context) ([]backend.Balance, error) {
	var data struct {
		List []backend.Balance `json:"list"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/asset/account", nil, nil, &data, true); err != nil {
		return nil, err
	}
	return data.List, nil
}

// Positions returns open stock positions across account channels.
func (c *Client) Positions(ctx context.Context) ([]backend.Position, error) {
	var data struct {
		List []struct {
			AccountChannel string             `json:"account_channel"`
			StockInfo      []backend.Position `json:"stock_info"`
		} `json:"list"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/asset/stock", nil, nil, &data, true); err != nil {
		return nil, err
	}

	var positions []backend.Position
	for _, ch := range data.List {
		positions = append(positions, ch.StockInfo...)
	}
	return positions, nil
}

// CashFlows returns cash movements over the query's date range.
func (c *Client) CashFlows(ctx context.Context, cq backend.CashFlowQuery) ([]backend.CashFlow, error) {
	q := url.Values{
		"start_time": {strconv.FormatInt(cq.Start.Unix(), 10)},
		"end_time":   {strconv.FormatInt(cq.End.Unix(), 10)},
	}
	if cq.Symbol != "" {
		q.Set("symbol", cq.Symbol)
	}

	var data struct {
		List []struct {
			TransactionFlowName string `json:"transaction_flow_name"`
			Direction           int    `json:"direction"`
			BusinessType        int    `json:"business_type"`
			Balance             string `json:"balance"`
			Currency            string `json:"currency"`
			BusinessTime        string `json:"business_time"`
			Symbol              string `json:"symbol"`
			Description         string `json:"description"`
		} `json:"list"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/asset/cashflow", q, nil, &data, true); err != nil {
		return nil, err
	}

	flows := make([]backend.CashFlow, 0, len(data.List))
	for _, w := range data.List {
		flows = append(flows, backend.CashFlow{
			TransactionFlowName: w.TransactionFlowName,
			Direction:           w.Direction,
			BusinessType:        w.BusinessType,
			Balance:             w.Balance,
			Currency:            w.Currency,
			BusinessTime:        parseEpoch(w.BusinessTime),
			Symbol:              w.Symbol,
			Description:         w.Description,
		})
	}
	return flows, nil
}

// socketToken fetches a one-time token authorizing a websocket connection.
func (c *Client) socketToken(ctx context.Context) (string, error) {
	var data struct {
		OTP string `json:"otp"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/socket/token", nil, nil, &data, true); err != nil {
		return "", err
	}
	return data.OTP, nil
}

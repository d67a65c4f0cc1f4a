package toolset

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/brokergate/brokergate/backend"
	"github.com/brokergate/brokergate/mcp"
)

// fakeBackend records calls; unset behaviors succeed with empty results.
type fakeBackend struct {
	placeCalls  int
	placeErr    error
	lastOrder   backend.OrderRequest
	cancelErr   error
	quoteCalls  int
	quotesErr   error
	listCalls   int
	candleCalls int
}

func (f *fakeBackend) PlaceOrder(ctx context.Context, req backend.OrderRequest) (*backend.PlacedOrder, error) {
	f.placeCalls++
	f.lastOrder = req
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &backend.PlacedOrder{OrderID: "ord-1"}, nil
}

func (f *fakeBackend) ReplaceOrder(ctx context.Context, req backend.ReplaceOrderRequest) error {
	return nil
}

func (f *fakeBackend) CancelOrder(ctx context.Context, orderID string) error {
	return f.cancelErr
}

func (f *fakeBackend) ListOrders(ctx context.Context, filter backend.OrderFilter) ([]backend.Order, error) {
	f.listCalls++
	return nil, nil
}

func (f *fakeBackend) TodayExecutions(ctx context.Context, symbol string) ([]backend.Execution, error) {
	return nil, nil
}

func (f *fakeBackend) GetQuotes(ctx context.Context, symbols []string) ([]backend.Quote, error) {
	f.quoteCalls++
	if f.quotesErr != nil {
		return nil, f.quotesErr
	}
	out := make([]backend.Quote, len(symbols))
	for i, s := range symbols {
		out[i] = backend.Quote{Symbol: s, LastDone: "100"}
	}
	return out, nil
}

func (f *fakeBackend) HistoryCandles(ctx context.Context, q backend.CandleQuery) ([]backend.Candle, error) {
	f.candleCalls++
	return nil, nil
}

func (f *fakeBackend) AccountBalance(ctx context.Context) ([]backend.Balance, error) {
	return []backend.Balance{{Currency: "USD"}}, nil
}

func (f *fakeBackend) Positions(ctx context.Context) ([]backend.Position, error) {
	return nil, nil
}

func (f *fakeBackend) CashFlows(ctx context.Context, q backend.CashFlowQuery) ([]backend.CashFlow, error) {
	return nil, nil
}

// fakeSession records channel membership changes.
type fakeSession struct {
	subscribed   []string
	unsubscribed []string
	subErr       error
}

func (s *fakeSession) ID() string { return "test-session" }

func (s *fakeSession) Subscribe(ctx context.Context, ch string) error {
	if s.subErr != nil {
		return s.subErr
	}
	s.subscribed = append(s.subscribed, ch)
	return nil
}

func (s *fakeSession) Unsubscribe(ch string) {
	s.unsubscribed = append(s.unsubscribed, ch)
}

func callTool(t *testing.T, c *Container, sess Session, name, args string) *mcp.CallToolResult {
	t.Helper()
	res, err := c.Call(context.Background(), sess, &mcp.CallToolRequestReceived{
		Name:      name,
		Arguments: json.RawMessage(args),
	})
	if err != nil {
		t.Fatalf("Call %s: %v", name, err)
	}
	return res
}

func errorKind(t *testing.T, res *mcp.CallToolResult) Kind {
	t.Helper()
	if !res.IsError {
		t.Fatalf("expected error result, got %+v", res)
	}
	kind, _ := res.StructuredContent["kind"].(string)
	return Kind(kind)
}

func TestCatalogIsStable(t *testing.T) {
	c := Catalog(&fakeBackend{})
	want := []string{
		"place_order", "replace_order", "cancel_order", "list_orders", "today_executions",
		"get_quote", "subscribe_quote", "unsubscribe_quote", "history_candles",
		"account_balance", "positions", "cash_flows",
	}
	tools := c.List()
	if len(tools) != len(want) {
		t.Fatalf("catalog has %d tools, want %d", len(tools), len(want))
	}
	for i, name := range want {
		if tools[i].Name != name {
			t.Fatalf("tools[%d] = %s, want %s", i, tools[i].Name, name)
		}
	}
}

func TestUnknownArgumentRejectedBeforeBackend(t *testing.T) {
	fb := &fakeBackend{}
	c := Catalog(fb)

	res := callTool(t, c, &fakeSession{}, "place_order",
		`{"symbol":"AAPL.US","side":"buy","order_type":"market","quantity":"10","bogus":true}`)
	if got := errorKind(t, res); got != KindInvalidArgument {
		t.Fatalf("kind = %s", got)
	}
	if fb.placeCalls != 0 {
		t.Fatal("backend called despite invalid arguments")
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	fb := &fakeBackend{}
	c := Catalog(fb)
	sess := &fakeSession{}

	cases := []struct {
		name string
		args string
	}{
		{"missing limit price", `{"symbol":"AAPL.US","side":"buy","order_type":"limit","quantity":"10"}`},
		{"market with price", `{"symbol":"AAPL.US","side":"buy","order_type":"market","quantity":"10","limit_price":"5"}`},
		{"bad side", `{"symbol":"AAPL.US","side":"hold","order_type":"market","quantity":"10"}`},
		{"zero quantity", `{"symbol":"AAPL.US","side":"buy","order_type":"market","quantity":"0"}`},
		{"gtd without expiry", `{"symbol":"AAPL.US","side":"buy","order_type":"market","quantity":"1","time_in_force":"gtd"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := callTool(t, c, sess, "place_order", tc.args)
			if got := errorKind(t, res); got != KindInvalidArgument {
				t.Fatalf("kind = %s", got)
			}
		})
	}
	if fb.placeCalls != 0 {
		t.Fatal("backend called despite validation failures")
	}
}

func TestPlaceOrderSuccess(t *testing.T) {
	fb := &fakeBackend{}
	c := Catalog(fb)

	res := callTool(t, c, &fakeSession{}, "place_order",
		`{"symbol":"AAPL.US","side":"buy","order_type":"limit","quantity":"10","limit_price":"187.50"}`)
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	if got := res.StructuredContent["order_id"]; got != "ord-1" {
		t.Fatalf("order_id = %v", got)
	}
	if fb.lastOrder.Type != backend.OrderTypeLimit || fb.lastOrder.TimeInForce != backend.TimeInForceDay {
		t.Fatalf("mapped order = %+v", fb.lastOrder)
	}
}

func TestBackendFailureMapping(t *testing.T) {
	fb := &fakeBackend{placeErr: &backend.CallError{Op: "place", Code: 500, Message: "boom", Transient: true}}
	c := Catalog(fb)

	res := callTool(t, c, &fakeSession{}, "place_order",
		`{"symbol":"AAPL.US","side":"sell","order_type":"market","quantity":"5"}`)
	if got := errorKind(t, res); got != KindBackendUnavailable {
		t.Fatalf("kind = %s", got)
	}

	fb2 := &fakeBackend{cancelErr: &backend.CallError{Op: "cancel", Code: 404100, Message: "gone", Err: backend.ErrNotFound}}
	c2 := Catalog(fb2)
	res = callTool(t, c2, &fakeSession{}, "cancel_order", `{"order_id":"nope"}`)
	if got := errorKind(t, res); got != KindNotFound {
		t.Fatalf("kind = %s", got)
	}

	fb3 := &fakeBackend{quotesErr: &backend.AuthError{Code: 401001, Message: "expired"}}
	c3 := Catalog(fb3)
	res = callTool(t, c3, &fakeSession{}, "get_quote", `{"symbols":["AAPL.US"]}`)
	if got := errorKind(t, res); got != KindUnauthenticated {
		t.Fatalf("kind = %s", got)
	}
}

func TestGetQuoteSymbolLimit(t *testing.T) {
	fb := &fakeBackend{}
	c := Catalog(fb)

	syms := make([]string, 21)
	for i := range syms {
		syms[i] = "AAPL.US"
	}
	args, _ := json.Marshal(map[string]any{"symbols": syms})
	res := callTool(t, c, &fakeSession{}, "get_quote", string(args))
	if got := errorKind(t, res); got != KindInvalidArgument {
		t.Fatalf("kind = %s", got)
	}
	if fb.quoteCalls != 0 {
		t.Fatal("backend called despite symbol limit")
	}
}

func TestSubscribeQuoteRoutesThroughSession(t *testing.T) {
	c := Catalog(&fakeBackend{})
	sess := &fakeSession{}

	res := callTool(t, c, sess, "subscribe_quote", `{"symbols":["AAPL.US","TSLA.US"]}`)
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	if len(sess.subscribed) != 2 || sess.subscribed[0] != "quote:AAPL.US" {
		t.Fatalf("subscribed = %v", sess.subscribed)
	}

	res = callTool(t, c, sess, "unsubscribe_quote", `{"symbols":["AAPL.US"]}`)
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	if len(sess.unsubscribed) != 1 || sess.unsubscribed[0] != "quote:AAPL.US" {
		t.Fatalf("unsubscribed = %v", sess.unsubscribed)
	}
}

func TestSubscribeQuoteFailure(t *testing.T) {
	c := Catalog(&fakeBackend{})
	sess := &fakeSession{subErr: &backend.CallError{Op: "subscribe", Message: "refused"}}

	res := callTool(t, c, sess, "subscribe_quote", `{"symbols":["BAD.US"]}`)
	if got := errorKind(t, res); got != KindSubscriptionFailed {
		t.Fatalf("kind = %s", got)
	}
}

func TestHistoryCandlesValidation(t *testing.T) {
	fb := &fakeBackend{}
	c := Catalog(fb)
	sess := &fakeSession{}

	res := callTool(t, c, sess, "history_candles", `{"symbol":"AAPL.US","period":"2h","count":10}`)
	if got := errorKind(t, res); got != KindInvalidArgument {
		t.Fatalf("kind = %s", got)
	}
	res = callTool(t, c, sess, "history_candles", `{"symbol":"AAPL.US","period":"day","count":5000}`)
	if got := errorKind(t, res); got != KindInvalidArgument {
		t.Fatalf("kind = %s", got)
	}
	if fb.candleCalls != 0 {
		t.Fatal("backend called despite validation failures")
	}

	res = callTool(t, c, sess, "history_candles", `{"symbol":"AAPL.US","period":"day","count":30}`)
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
}

func TestCashFlowsDateValidation(t *testing.T) {
	c := Catalog(&fakeBackend{})
	sess := &fakeSession{}

	res := callTool(t, c, sess, "cash_flows", `{"start_date":"2026-08-01","end_date":"2026-07-01"}`)
	if got := errorKind(t, res); got != KindInvalidArgument {
		t.Fatalf("kind = %s", got)
	}

	res = callTool(t, c, sess, "cash_flows", `{"start_date":"2026-08-01","end_date":"2026-08-31"}`)
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
}

func TestInputSchemaReflection(t *testing.T) {
	c := Catalog(&fakeBackend{})
	var getQuote *mcp.Tool
	for i, tool := range c.List() {
		if tool.Name == "get_quote" {
			tools := c.List()
			getQuote = &tools[i]
			break
		}
	}
	if getQuote == nil {
		t.Fatal("get_quote missing from catalog")
	}
	if getQuote.InputSchema.Type != "object" {
		t.Fatalf("schema type = %s", getQuote.InputSchema.Type)
	}
	prop, ok := getQuote.InputSchema.Properties["symbols"]
	if !ok {
		t.Fatal("symbols property missing")
	}
	if prop.Type != "array" || prop.Items == nil || prop.Items.Type != "string" {
		t.Fatalf("symbols schema = %+v", prop)
	}
	found := false
	for _, r := range getQuote.InputSchema.Required {
		if r == "symbols" {
			found = true
		}
	}
	if !found {
		t.Fatal("symbols not marked required")
	}
}

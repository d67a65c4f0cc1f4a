package streaminghttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brokergate/brokergate/backend"
	"github.com/brokergate/brokergate/gateway"
	"github.com/brokergate/brokergate/hub"
	"github.com/brokergate/brokergate/internal/jsonrpc"
	"github.com/brokergate/brokergate/mcp"
	"github.com/brokergate/brokergate/subs"
	"github.com/brokergate/brokergate/toolset"
)

type okTransport struct{}

func (okTransport) SubscribeChannel(ctx context.Context, ch string) error   { return nil }
func (okTransport) UnsubscribeChannel(ctx context.Context, ch string) error { return nil }

type fakeBackend struct{}

func (fakeBackend) PlaceOrder(ctx context.Context, req backend.OrderRequest) (*backend.PlacedOrder, error) {
	return &backend.PlacedOrder{OrderID: "ord-1"}, nil
}
func (fakeBackend) ReplaceOrder(ctx context.Context, req backend.ReplaceOrderRequest) error {
	return nil
}
func (fakeBackend) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (fakeBackend) ListOrders(ctx context.Context, filter backend.OrderFilter) ([]backend.Order, error) {
	return nil, nil
}
func (fakeBackend) TodayExecutions(ctx context.Context, symbol string) ([]backend.Execution, error) {
	return nil, nil
}
func (fakeBackend) GetQuotes(ctx context.Context, symbols []string) ([]backend.Quote, error) {
	out := make([]backend.Quote, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, backend.Quote{Symbol: s, LastDone: "42.0"})
	}
	return out, nil
}
func (fakeBackend) HistoryCandles(ctx context.Context, q backend.CandleQuery) ([]backend.Candle, error) {
	return nil, nil
}
func (fakeBackend) AccountBalance(ctx context.Context) ([]backend.Balance, error) { return nil, nil }
func (fakeBackend) Positions(ctx context.Context) ([]backend.Position, error)     { return nil, nil }
func (fakeBackend) CashFlows(ctx context.Context, q backend.CashFlowQuery) ([]backend.CashFlow, error) {
	return nil, nil
}

type testEnv struct {
	t      *testing.T
	ts     *httptest.Server
	events *hub.Hub
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := hub.New(16, log)
	reg := subs.New(context.Background(), okTransport{}, log)
	srv := gateway.New(
		mcp.ImplementationInfo{Name: "brokergate", Version: "test"},
		toolset.Catalog(fakeBackend{}), reg, events,
		gateway.WithLogger(log),
	)
	opts = append([]Option{WithLogger(log)}, opts...)
	h := New(srv, opts...)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return &testEnv{t: t, ts: ts, events: events}
}

func marshalRequest(t *testing.T, id any, method mcp.Method, params any) []byte {
	t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method)}
	if id != nil {
		req.ID = jsonrpc.NewRequestID(id)
	}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = b
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return b
}

func (e *testEnv) post(body []byte, headers map[string]string) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.ts.URL, bytes.NewReader(body))
	if err != nil {
		e.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) *jsonrpc.Response {
	t.Helper()
	defer resp.Body.Close()
	var out jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return &out
}

// initialize performs the handshake and returns the session ID.
func (e *testEnv) initialize(headers map[string]string) string {
	e.t.Helper()
	resp := e.post(marshalRequest(e.t, 1, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}), headers)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		e.t.Fatal("missing mcp-session-id header")
	}
	out := decodeResponse(e.t, resp)
	if out.Error != nil {
		e.t.Fatalf("initialize error: %+v", out.Error)
	}

	hdrs := map[string]string{"Mcp-Session-Id": sessID}
	for k, v := range headers {
		hdrs[k] = v
	}
	notif := e.post(marshalRequest(e.t, nil, mcp.InitializedNotificationMethod, nil), hdrs)
	notif.Body.Close()
	if notif.StatusCode != http.StatusAccepted {
		e.t.Fatalf("initialized notification status = %d", notif.StatusCode)
	}
	return sessID
}

func TestInitializeCreatesSession(t *testing.T) {
	env := newTestEnv(t)
	sessID := env.initialize(nil)

	resp := env.post(marshalRequest(t, 2, mcp.ToolsListMethod, nil), map[string]string{"Mcp-Session-Id": sessID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools/list status = %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Error != nil {
		t.Fatalf("tools/list error: %+v", out.Error)
	}
	var res mcp.ListToolsResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Tools) != 12 {
		t.Fatalf("len(tools) = %d", len(res.Tools))
	}
}

func TestPostRequiresSessionHeader(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(marshalRequest(t, 1, mcp.ToolsListMethod, nil), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(marshalRequest(t, 1, mcp.ToolsListMethod, nil),
		map[string]string{"Mcp-Session-Id": "0e8f6a2e-7c30-4c93-b1a2-5bb41f3f8f60"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp = env.post(marshalRequest(t, 1, mcp.ToolsListMethod, nil),
		map[string]string{"Mcp-Session-Id": "not-a-uuid"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWrongContentTypeRejected(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL, strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestParseErrorReturnsJSONRPCError(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post([]byte(`{not json`), nil)
	out := decodeResponse(t, resp)
	if out.Error == nil || out.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", out)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	sessID := env.initialize(nil)

	resp := env.post(marshalRequest(t, 2, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{
		Name:      "get_quote",
		Arguments: json.RawMessage(`{"symbols":["AAPL.US"]}`),
	}), map[string]string{"Mcp-Session-Id": sessID})
	out := decodeResponse(t, resp)
	if out.Error != nil {
		t.Fatalf("tools/call error: %+v", out.Error)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.IsError {
		t.Fatalf("call failed: %+v", res)
	}
}

func TestSSEStreamDeliversNotifications(t *testing.T) {
	env := newTestEnv(t)
	sessID := env.initialize(nil)

	resp := env.post(marshalRequest(t, 2, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{
		Name:      "subscribe_quote",
		Arguments: json.RawMessage(`{"symbols":["AAPL.US"]}`),
	}), map[string]string{"Mcp-Session-Id": sessID})
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	stream, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", stream.StatusCode)
	}
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %s", ct)
	}

	env.events.Publish(backend.Event{
		Channel:   hub.QuoteChannel("AAPL.US"),
		Timestamp: time.Now(),
		Payload:   json.RawMessage(`{"symbol":"AAPL.US","last_done":"42.0"}`),
	})

	type sseResult struct {
		note *jsonrpc.Request
		err  error
	}
	got := make(chan sseResult, 1)
	go func() {
		scanner := bufio.NewScanner(stream.Body)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var note jsonrpc.Request
			if err := json.Unmarshal([]byte(data), &note); err != nil {
				got <- sseResult{err: err}
				return
			}
			got <- sseResult{note: &note}
			return
		}
		got <- sseResult{err: scanner.Err()}
	}()

	select {
	case res := <-got:
		if res.err != nil {
			t.Fatalf("read stream: %v", res.err)
		}
		if res.note.Method != string(mcp.QuoteNotificationMethod) {
			t.Fatalf("method = %s", res.note.Method)
		}
		var ev mcp.EventNotification
		if err := json.Unmarshal(res.note.Params, &ev); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		if ev.Channel != "quote:AAPL.US" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no notification on stream")
	}
}

func TestSecondStreamConflicts(t *testing.T) {
	env := newTestEnv(t)
	sessID := env.initialize(nil)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	first, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first stream status = %d", first.StatusCode)
	}

	second, err := env.ts.Client().Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second stream status = %d, want 409", second.StatusCode)
	}
}

func TestSSERequiresAcceptHeader(t *testing.T) {
	env := newTestEnv(t)
	sessID := env.initialize(nil)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL, nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", resp.StatusCode)
	}
}

func TestDeleteEndsSession(t *testing.T) {
	env := newTestEnv(t)
	sessID := env.initialize(nil)

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL, nil)
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	after := env.post(marshalRequest(t, 3, mcp.ToolsListMethod, nil), map[string]string{"Mcp-Session-Id": sessID})
	defer after.Body.Close()
	if after.StatusCode != http.StatusNotFound {
		t.Fatalf("post after delete status = %d, want 404", after.StatusCode)
	}
}

func TestIdleSessionReaped(t *testing.T) {
	env := newTestEnv(t, WithSessionIdleTimeout(30*time.Millisecond))
	sessID := env.initialize(nil)

	// The client vanishes without a DELETE; the session must still go away.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp := env.post(marshalRequest(t, 2, mcp.ToolsListMethod, nil), map[string]string{"Mcp-Session-Id": sessID})
		status := resp.StatusCode
		resp.Body.Close()
		if status == http.StatusNotFound {
			return
		}
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		if time.Now().After(deadline) {
			t.Fatal("idle session was never reaped")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStreamingSessionNotReaped(t *testing.T) {
	env := newTestEnv(t, WithSessionIdleTimeout(30*time.Millisecond))
	sessID := env.initialize(nil)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	stream, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", stream.StatusCode)
	}

	// Well past the idle timeout, the live stream keeps the session alive.
	time.Sleep(200 * time.Millisecond)
	resp := env.post(marshalRequest(t, 2, mcp.ToolsListMethod, nil), map[string]string{"Mcp-Session-Id": sessID})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session with a live stream was reaped, status = %d", resp.StatusCode)
	}
}

func TestBearerTokenEnforced(t *testing.T) {
	env := newTestEnv(t, WithBearerToken("s3cret"))

	resp := env.post(marshalRequest(t, 1, mcp.InitializeMethod, mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion}), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = env.post(marshalRequest(t, 1, mcp.InitializeMethod, mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion}),
		map[string]string{"Authorization": "Bearer wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", resp.StatusCode)
	}

	sessID := env.initialize(map[string]string{"Authorization": "Bearer s3cret"})
	if sessID == "" {
		t.Fatal("no session with valid token")
	}
}

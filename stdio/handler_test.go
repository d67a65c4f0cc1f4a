package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
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

// testHarness wires a handler to pipes and collects output lines.
type testHarness struct {
	t       *testing.T
	cancel  context.CancelFunc
	stdinW  io.WriteCloser
	events  *hub.Hub
	served  chan error
	outMu   sync.Mutex
	lines   []string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := hub.New(16, log)
	reg := subs.New(context.Background(), okTransport{}, log)
	srv := gateway.New(
		mcp.ImplementationInfo{Name: "brokergate", Version: "test"},
		toolset.Catalog(fakeBackend{}), reg, events,
		gateway.WithLogger(log),
	)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := NewHandler(srv, WithIO(inR, outW), WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, cancel: cancel, stdinW: inW, events: events, served: make(chan error, 1)}

	go func() {
		th.served <- h.Serve(ctx)
		outW.Close()
	}()

	scanner := bufio.NewScanner(outR)
	go func() {
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		inW.Close()
		outW.Close()
	})
	return th
}

func (th *testHarness) send(v any) {
	th.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		th.t.Fatalf("marshal: %v", err)
	}
	if _, err := th.stdinW.Write(append(b, '\n')); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) sendRaw(line string) {
	th.t.Helper()
	if _, err := io.WriteString(th.stdinW, line+"\n"); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func newRequest(id any, method mcp.Method, params any) *jsonrpc.Request {
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method)}
	if id != nil {
		req.ID = jsonrpc.NewRequestID(id)
	}
	if params != nil {
		b, _ := json.Marshal(params)
		req.Params = b
	}
	return req
}

// nextMessage returns the first output frame matching the wanted type,
// buffering nothing else; responses and notifications interleave freely.
func (th *testHarness) nextMessage(wantType string, timeout time.Duration) (*jsonrpc.AnyMessage, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		for i, line := range th.lines {
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				th.outMu.Unlock()
				return nil, fmt.Errorf("bad output frame %q: %w", line, err)
			}
			if msg.Type() == wantType {
				th.lines = append(th.lines[:i], th.lines[i+1:]...)
				th.outMu.Unlock()
				return &msg, nil
			}
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return nil, fmt.Errorf("timeout waiting for %s", wantType)
}

func (th *testHarness) expectResponse(timeout time.Duration) *jsonrpc.Response {
	th.t.Helper()
	msg, err := th.nextMessage("response", timeout)
	if err != nil {
		th.t.Fatal(err)
	}
	return msg.AsResponse()
}

func (th *testHarness) initialize() {
	th.t.Helper()
	th.send(newRequest(1, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}))
	resp := th.expectResponse(2 * time.Second)
	if resp.Error != nil {
		th.t.Fatalf("initialize: %+v", resp.Error)
	}
	th.send(newRequest(nil, mcp.InitializedNotificationMethod, nil))
}

func TestInitializeHandshake(t *testing.T) {
	th := newHarness(t)
	th.send(newRequest(1, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: "2025-06-18",
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}))

	resp := th.expectResponse(2 * time.Second)
	if resp.Error != nil {
		t.Fatalf("initialize error: %+v", resp.Error)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ProtocolVersion != "2025-06-18" || res.ServerInfo.Name != "brokergate" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRequestBeforeInitializeRejected(t *testing.T) {
	th := newHarness(t)
	th.send(newRequest(1, mcp.ToolsListMethod, nil))
	resp := th.expectResponse(2 * time.Second)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp)
	}
}

func TestParseErrorResponse(t *testing.T) {
	th := newHarness(t)
	th.sendRaw(`{this is not json`)
	resp := th.expectResponse(2 * time.Second)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", resp)
	}
}

func TestToolCallOverWire(t *testing.T) {
	th := newHarness(t)
	th.initialize()

	th.send(newRequest(2, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{
		Name:      "get_quote",
		Arguments: json.RawMessage(`{"symbols":["AAPL.US"]}`),
	}))
	resp := th.expectResponse(2 * time.Second)
	if resp.Error != nil {
		t.Fatalf("tools/call error: %+v", resp.Error)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.IsError {
		t.Fatalf("call failed: %+v", res)
	}
}

func TestQuoteNotificationPushed(t *testing.T) {
	th := newHarness(t)
	th.initialize()

	th.send(newRequest(2, mcp.ToolsCallMethod, mcp.CallToolRequestReceived{
		Name:      "subscribe_quote",
		Arguments: json.RawMessage(`{"symbols":["AAPL.US"]}`),
	}))
	resp := th.expectResponse(2 * time.Second)
	if resp.Error != nil {
		t.Fatalf("subscribe_quote error: %+v", resp.Error)
	}

	th.events.Publish(backend.Event{
		Channel:   hub.QuoteChannel("AAPL.US"),
		Timestamp: time.Now(),
		Payload:   json.RawMessage(`{"symbol":"AAPL.US","last_done":"42.0"}`),
	})

	msg, err := th.nextMessage("notification", 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Method != string(mcp.QuoteNotificationMethod) {
		t.Fatalf("method = %s", msg.Method)
	}
	var ev mcp.EventNotification
	if err := json.Unmarshal(msg.Params, &ev); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if ev.Channel != "quote:AAPL.US" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestOversizedFrameAnsweredWithParseError(t *testing.T) {
	th := newHarness(t)
	th.initialize()

	// The write blocks once the scanner gives up on the line, so it runs in
	// the background; teardown unblocks it by closing the pipe.
	go func() {
		frame := strings.Repeat("a", maxLineBytes+2)
		_, _ = io.WriteString(th.stdinW, frame+"\n")
	}()

	resp := th.expectResponse(5 * time.Second)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error for oversized frame, got %+v", resp)
	}

	select {
	case err := <-th.served:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after oversized frame")
	}
}

func TestServeStopsOnEOF(t *testing.T) {
	th := newHarness(t)
	th.initialize()
	th.stdinW.Close()

	select {
	case err := <-th.served:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on EOF")
	}
}

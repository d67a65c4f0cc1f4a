// Package backend defines the capability seam between the gateway and a
// brokerage backend. The session core and the tool dispatcher depend only on
// the interfaces and the data model here; the vendor client lives behind
// them.
package backend

import (
	"context"
	"encoding/json"
	"time"
)

// TradeCapability covers order-mutating and order-reading operations.
// Mutating calls (PlaceOrder, ReplaceOrder, CancelOrder) must be issued at
// most once per invocation by callers; the capability itself never retries.
type TradeCapability interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error)
	ReplaceOrder(ctx context.Context, req ReplaceOrderRequest) error
	CancelOrder(ctx context.Context, orderID string) error
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
	TodayExecutions(ctx context.Context, symbol string) ([]Execution, error)
}

// QuoteCapability covers market data reads.
type QuoteCapability interface {
	GetQuotes(ctx context.Context, symbols []string) ([]Quote, error)
	HistoryCandles(ctx context.Context, q CandleQuery) ([]Candle, error)
}

// PortfolioCapability covers account state reads.
type PortfolioCapability interface {
	AccountBalance(ctx context.Context) ([]Balance, error)
	Positions(ctx context.Context) ([]Position, error)
	CashFlows(ctx context.Context, q CashFlowQuery) ([]CashFlow, error)
}

// Event is a push event received from the backend stream.
type Event struct {
	Channel   string
	Timestamp time.Time
	Payload   json.RawMessage
}

// Stream is a live push connection to the backend. Events delivers in the
// order received until the stream fails or is closed; after that the channel
// is closed and Err reports the cause (nil on clean Close).
type Stream interface {
	Subscribe(ctx context.Context, channels []string) error
	Unsubscribe(ctx context.Context, channels []string) error
	Events() <-chan Event
	Close() error
	Err() error
}

// StreamCapability dials a fresh push stream. Each call establishes a new
// connection; the adapter owns reconnect policy.
type StreamCapability interface {
	DialStream(ctx context.Context) (Stream, error)
}

// Client is the full backend surface the gateway consumes.
type Client interface {
	TradeCapability
	QuoteCapability
	PortfolioCapability
	StreamCapability
}

package adapter

import (
	"context"
	"log/slog"

	"github.com/brokergate/brokergate/backend"
)

// readRetry runs a read-only backend call with at most one transparent
// retry on transient failure. Mutating calls never go through here.
func readRetry[T any](a *Adapter, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err != nil && backend.IsTransient(err) && ctx.Err() == nil {
		a.log.Debug("backend.read.retry", slog.String("op", op))
		v, err = fn(ctx)
	}
	a.noteErr(err)
	return v, err
}

// PlaceOrder submits an order. Issued at most once.
func (a *Adapter) PlaceOrder(ctx context.Context, req backend.OrderRequest) (*backend.PlacedOrder, error) {
	placed, err := a.client.PlaceOrder(ctx, req)
	a.noteErr(err)
	return placed, err
}

// ReplaceOrder amends an order. Issued at most once.
func (a *Adapter) ReplaceOrder(ctx context.Context, req backend.ReplaceOrderRequest) error {
	err := a.client.ReplaceOrder(ctx, req)
	a.noteErr(err)
	return err
}

// CancelOrder cancels an order. Issued at most once.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	err := a.client.CancelOrder(ctx, orderID)
	a.noteErr(err)
	return err
}

// ListOrders reads today's orders with single-retry semantics.
func (a *Adapter) ListOrders(ctx context.Context, filter backend.OrderFilter) ([]backend.Order, error) {
	return readRetry(a, ctx, "list_orders", func(ctx context.Context) ([]backend.Order, error) {
		return a.client.ListOrders(ctx, filter)
	})
}

// TodayExecutions reads today's fills with single-retry semantics.
func (a *Adapter) TodayExecutions(ctx context.Context, symbol string) ([]backend.Execution, error) {
	return readRetry(a, ctx, "today_executions", func(ctx context.Context) ([]backend.Execution, error) {
		return a.client.TodayExecutions(ctx, symbol)
	})
}

// GetQuotes reads quote snapshots with single-retry semantics.
func (a *Adapter) GetQuotes(ctx context.Context, symbols []string) ([]backend.Quote, error) {
	return readRetry(a, ctx, "get_quotes", func(ctx context.Context) ([]backend.Quote, error) {
		return a.client.GetQuotes(ctx, symbols)
	})
}

// HistoryCandles reads historical bars with single-retry semantics.
func (a *Adapter) HistoryCandles(ctx context.Context, q backend.CandleQuery) ([]backend.Candle, error) {
	return readRetry(a, ctx, "history_candles", func(ctx context.Context) ([]backend.Candle, error) {
		return a.client.HistoryCandles(ctx, q)
	})
}

// AccountBalance reads cash state with single-retry semantics.
func (a *Adapter) AccountBalance(ctx context.Context) ([]backend.Balance, error) {
	return readRetry(a, ctx, "account_balance", func(ctx context.Context) ([]backend.Balance, error) {
		return a.client.AccountBalance(ctx)
	})
}

// Positions reads open positions with single-retry semantics.
func (a *Adapter) Positions(ctx context.Context) ([]backend.Position, error) {
	return readRetry(a, ctx, "positions", func(ctx context.Context) ([]backend.Position, error) {
		return a.client.Positions(ctx)
	})
}

// CashFlows reads cash movements with single-retry semantics.
func (a *Adapter) CashFlows(ctx context.Context, q backend.CashFlowQuery) ([]backend.CashFlow, error) {
	return readRetry(a, ctx, "cash_flows", func(ctx context.Context) ([]backend.CashFlow, error) {
		return a.client.CashFlows(ctx, q)
	})
}

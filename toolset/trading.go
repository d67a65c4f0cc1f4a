package toolset

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brokergate/brokergate/backend"
	"github.com/brokergate/brokergate/mcp"
)

type placeOrderArgs struct {
	Symbol      string `json:"symbol" jsonschema:"description=Security symbol with market suffix such as AAPL.US"`
	Side        string `json:"side" jsonschema:"enum=buy,enum=sell"`
	OrderType   string `json:"order_type" jsonschema:"enum=limit,enum=market"`
	Quantity    string `json:"quantity" jsonschema:"description=Share quantity as a decimal string"`
	LimitPrice  string `json:"limit_price,omitempty" jsonschema:"description=Limit price; required for limit orders"`
	TimeInForce string `json:"time_in_force,omitempty" jsonschema:"enum=day,enum=gtc,enum=gtd,description=Defaults to day"`
	ExpireDate  string `json:"expire_date,omitempty" jsonschema:"description=YYYY-MM-DD; required when time_in_force is gtd"`
	Remark      string `json:"remark,omitempty"`
}

func validateSymbol(sym string) error {
	if sym == "" {
		return fmt.Errorf("symbol is required")
	}
	if strings.ContainsAny(sym, " \t\n") {
		return fmt.Errorf("symbol %q contains whitespace", sym)
	}
	return nil
}

func validatePositiveDecimal(field, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s must be a decimal string, got %q", field, v)
	}
	if f <= 0 {
		return fmt.Errorf("%s must be positive, got %q", field, v)
	}
	return nil
}

func (a placeOrderArgs) toRequest() (backend.OrderRequest, error) {
	var req backend.OrderRequest

	if err := validateSymbol(a.Symbol); err != nil {
		return req, err
	}
	if err := validatePositiveDecimal("quantity", a.Quantity); err != nil {
		return req, err
	}

	switch a.Side {
	case "buy":
		req.Side = backend.OrderSideBuy
	case "sell":
		req.Side = backend.OrderSideSell
	default:
		return req, fmt.Errorf("side must be buy or sell, got %q", a.Side)
	}

	switch a.OrderType {
	case "limit":
		if a.LimitPrice == "" {
			return req, fmt.Errorf("limit orders require limit_price")
		}
		if err := validatePositiveDecimal("limit_price", a.LimitPrice); err != nil {
			return req, err
		}
		req.Type = backend.OrderTypeLimit
		req.LimitPrice = a.LimitPrice
	case "market":
		if a.LimitPrice != "" {
			return req, fmt.Errorf("market orders must not set limit_price")
		}
		req.Type = backend.OrderTypeMarket
	default:
		return req, fmt.Errorf("order_type must be limit or market, got %q", a.OrderType)
	}

	switch a.TimeInForce {
	case "", "day":
		req.TimeInForce = backend.TimeInForceDay
	case "gtc":
		req.TimeInForce = backend.TimeInForceGoodTilCanceled
	case "gtd":
		if a.ExpireDate == "" {
			return req, fmt.Errorf("gtd orders require expire_date")
		}
		if _, err := time.Parse("2006-01-02", a.ExpireDate); err != nil {
			return req, fmt.Errorf("expire_date must be YYYY-MM-DD, got %q", a.ExpireDate)
		}
		req.TimeInForce = backend.TimeInForceGoodTilDate
		req.ExpireDate = a.ExpireDate
	default:
		return req, fmt.Errorf("time_in_force must be day, gtc, or gtd, got %q", a.TimeInForce)
	}

	req.Symbol = a.Symbol
	req.Quantity = a.Quantity
	req.Remark = a.Remark
	return req, nil
}

type replaceOrderArgs struct {
	OrderID    string `json:"order_id"`
	Quantity   string `json:"quantity" jsonschema:"description=New share quantity as a decimal string"`
	LimitPrice string `json:"limit_price,omitempty" jsonschema:"description=New limit price"`
}

type cancelOrderArgs struct {
	OrderID string `json:"order_id"`
}

type listOrdersArgs struct {
	Symbol string   `json:"symbol,omitempty"`
	Side   string   `json:"side,omitempty" jsonschema:"enum=buy,enum=sell"`
	Status []string `json:"status,omitempty" jsonschema:"description=Order status filter such as NewStatus or FilledStatus"`
}

type todayExecutionsArgs struct {
	Symbol string `json:"symbol,omitempty"`
}

// TradingTools returns the order-mutating and order-reading tool family.
func TradingTools(b Backend) []StaticTool {
	return []StaticTool{
		NewTool("place_order", "Submit a new order. The order is sent to the broker exactly once; an ambiguous failure is reported without resubmission.",
			func(ctx context.Context, session Session, args placeOrderArgs) (*mcp.CallToolResult, error) {
				req, err := args.toRequest()
				if err != nil {
					return ErrorResult(KindInvalidArgument, "%v", err), nil
				}
				placed, err := b.PlaceOrder(ctx, req)
				if err != nil {
					return BackendErrorResult("place_order", err), nil
				}
				return StructuredResult(fmt.Sprintf("order %s accepted", placed.OrderID), placed), nil
			}),

		NewTool("replace_order", "Amend quantity and/or price of a resting order.",
			func(ctx context.Context, session Session, args replaceOrderArgs) (*mcp.CallToolResult, error) {
				if args.OrderID == "" {
					return ErrorResult(KindInvalidArgument, "order_id is required"), nil
				}
				if err := validatePositiveDecimal("quantity", args.Quantity); err != nil {
					return ErrorResult(KindInvalidArgument, "%v", err), nil
				}
				if args.LimitPrice != "" {
					if err := validatePositiveDecimal("limit_price", args.LimitPrice); err != nil {
						return ErrorResult(KindInvalidArgument, "%v", err), nil
					}
				}
				err := b.ReplaceOrder(ctx, backend.ReplaceOrderRequest{
					OrderID:    args.OrderID,
					Quantity:   args.Quantity,
					LimitPrice: args.LimitPrice,
				})
				if err != nil {
					return BackendErrorResult("replace_order", err), nil
				}
				return TextResult(fmt.Sprintf("order %s amended", args.OrderID)), nil
			}),

		NewTool("cancel_order", "Cancel a resting order.",
			func(ctx context.Context, session Session, args cancelOrderArgs) (*mcp.CallToolResult, error) {
				if args.OrderID == "" {
					return ErrorResult(KindInvalidArgument, "order_id is required"), nil
				}
				if err := b.CancelOrder(ctx, args.OrderID); err != nil {
					return BackendErrorResult("cancel_order", err), nil
				}
				return TextResult(fmt.Sprintf("order %s cancel requested", args.OrderID)), nil
			}),

		NewTool("list_orders", "List today's orders, optionally filtered by symbol, side, or status.",
			func(ctx context.Context, session Session, args listOrdersArgs) (*mcp.CallToolResult, error) {
				filter := backend.OrderFilter{Symbol: args.Symbol}
				switch args.Side {
				case "":
				case "buy":
					filter.Side = backend.OrderSideBuy
				case "sell":
					filter.Side = backend.OrderSideSell
				default:
					return ErrorResult(KindInvalidArgument, "side must be buy or sell, got %q", args.Side), nil
				}
				for _, st := range args.Status {
					filter.Status = append(filter.Status, backend.OrderStatus(st))
				}
				orders, err := b.ListOrders(ctx, filter)
				if err != nil {
					return BackendErrorResult("list_orders", err), nil
				}
				return StructuredResult(fmt.Sprintf("%d orders", len(orders)), map[string]any{"orders": orders}), nil
			}),

		NewTool("today_executions", "List today's fills, optionally filtered by symbol.",
			func(ctx context.Context, session Session, args todayExecutionsArgs) (*mcp.CallToolResult, error) {
				execs, err := b.TodayExecutions(ctx, args.Symbol)
				if err != nil {
					return BackendErrorResult("today_executions", err), nil
				}
				return StructuredResult(fmt.Sprintf("%d executions", len(execs)), map[string]any{"executions": execs}), nil
			}),
	}
}

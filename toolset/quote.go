package toolset

import (
	"context"
	"fmt"
	"strings"

	"github.com/brokergate/brokergate/backend"
	"github.com/brokergate/brokergate/hub"
	"github.com/brokergate/brokergate/mcp"
)

// maxQuoteSymbols bounds one get_quote snapshot request.
const maxQuoteSymbols = 20

type getQuoteArgs struct {
	Symbols []string `json:"symbols" jsonschema:"description=Up to 20 symbols such as AAPL.US"`
}

type subscribeQuoteArgs struct {
	Symbols []string `json:"symbols" jsonschema:"description=Symbols to stream quote events for"`
}

type historyCandlesArgs struct {
	Symbol string `json:"symbol"`
	Period string `json:"period" jsonschema:"enum=1m,enum=5m,enum=15m,enum=60m,enum=day,enum=week,enum=month"`
	Count  int    `json:"count" jsonschema:"description=Number of bars; at most 1000"`
}

func validateSymbols(symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("symbols is required")
	}
	if len(symbols) > maxQuoteSymbols {
		return fmt.Errorf("at most %d symbols per request, got %d", maxQuoteSymbols, len(symbols))
	}
	for _, s := range symbols {
		if err := validateSymbol(s); err != nil {
			return err
		}
	}
	return nil
}

// QuoteTools returns the market data tool family. Subscribe acks complete
// once the backend subscription is live; ticks then arrive as
// notifications/quote on the session's event stream.
func QuoteTools(b Backend) []StaticTool {
	return []StaticTool{
		NewTool("get_quote", "Real-time quote snapshot for up to 20 symbols.",
			func(ctx context.Context, session Session, args getQuoteArgs) (*mcp.CallToolResult, error) {
				if err := validateSymbols(args.Symbols); err != nil {
					return ErrorResult(KindInvalidArgument, "%v", err), nil
				}
				quotes, err := b.GetQuotes(ctx, args.Symbols)
				if err != nil {
					return BackendErrorResult("get_quote", err), nil
				}
				return StructuredResult(fmt.Sprintf("%d quotes", len(quotes)), map[string]any{"quotes": quotes}), nil
			}),

		NewTool("subscribe_quote", "Stream quote events for the given symbols to this session. Events arrive as notifications/quote.",
			func(ctx context.Context, session Session, args subscribeQuoteArgs) (*mcp.CallToolResult, error) {
				if err := validateSymbols(args.Symbols); err != nil {
					return ErrorResult(KindInvalidArgument, "%v", err), nil
				}
				var subscribed []string
				for _, sym := range args.Symbols {
					if err := session.Subscribe(ctx, hub.QuoteChannel(sym)); err != nil {
						// Symbols already subscribed in this call stay
						// subscribed; the failure names the one that refused.
						return ErrorResult(KindSubscriptionFailed, "subscribe %s: backend refused", sym), nil
					}
					subscribed = append(subscribed, sym)
				}
				return StructuredResult(fmt.Sprintf("subscribed to %d symbols", len(subscribed)),
					map[string]any{"symbols": subscribed}), nil
			}),

		NewTool("unsubscribe_quote", "Stop streaming quote events for the given symbols to this session.",
			func(ctx context.Context, session Session, args subscribeQuoteArgs) (*mcp.CallToolResult, error) {
				if err := validateSymbols(args.Symbols); err != nil {
					return ErrorResult(KindInvalidArgument, "%v", err), nil
				}
				for _, sym := range args.Symbols {
					session.Unsubscribe(hub.QuoteChannel(sym))
				}
				return TextResult(fmt.Sprintf("unsubscribed from %s", strings.Join(args.Symbols, ", "))), nil
			}),

		NewTool("history_candles", "Historical OHLCV bars for one symbol.",
			func(ctx context.Context, session Session, args historyCandlesArgs) (*mcp.CallToolResult, error) {
				if err := validateSymbol(args.Symbol); err != nil {
					return ErrorResult(KindInvalidArgument, "%v", err), nil
				}
				if args.Count < 1 || args.Count > 1000 {
					return ErrorResult(KindInvalidArgument, "count must be between 1 and 1000, got %d", args.Count), nil
				}
				period := backend.CandlePeriod(args.Period)
				switch period {
				case backend.CandlePeriodMinute, backend.CandlePeriodFiveMinute, backend.CandlePeriodFifteenMin,
					backend.CandlePeriodHour, backend.CandlePeriodDay, backend.CandlePeriodWeek, backend.CandlePeriodMonth:
				default:
					return ErrorResult(KindInvalidArgument, "unknown period %q", args.Period), nil
				}
				candles, err := b.HistoryCandles(ctx, backend.CandleQuery{Symbol: args.Symbol, Period: period, Count: args.Count})
				if err != nil {
					return BackendErrorResult("history_candles", err), nil
				}
				return StructuredResult(fmt.Sprintf("%d candles", len(candles)), map[string]any{"candles": candles}), nil
			}),
	}
}

package toolset

import (
	"context"
	"fmt"
	"time"

	"github.com/brokergate/brokergate/backend"
	"github.com/brokergate/brokergate/mcp"
)

type emptyArgs struct{}

type cashFlowsArgs struct {
	StartDate string `json:"start_date" jsonschema:"description=Range start as YYYY-MM-DD"`
	EndDate   string `json:"end_date" jsonschema:"description=Range end as YYYY-MM-DD (inclusive)"`
	Symbol    string `json:"symbol,omitempty"`
}

// PortfolioTools returns the account state tool family. All reads.
func PortfolioTools(b Backend) []StaticTool {
	return []StaticTool{
		NewTool("account_balance", "Cash and buying power per currency.",
			func(ctx context.Context, session Session, args emptyArgs) (*mcp.CallToolResult, error) {
				balances, err := b.AccountBalance(ctx)
				if err != nil {
					return BackendErrorResult("account_balance", err), nil
				}
				return StructuredResult(fmt.Sprintf("%d currencies", len(balances)), map[string]any{"balances": balances}), nil
			}),

		NewTool("positions", "Open stock positions.",
			func(ctx context.Context, session Session, args emptyArgs) (*mcp.CallToolResult, error) {
				positions, err := b.Positions(ctx)
				if err != nil {
					return BackendErrorResult("positions", err), nil
				}
				return StructuredResult(fmt.Sprintf("%d positions", len(positions)), map[string]any{"positions": positions}), nil
			}),

		NewTool("cash_flows", "Account cash movements over a date range.",
			func(ctx context.Context, session Session, args cashFlowsArgs) (*mcp.CallToolResult, error) {
				start, err := time.Parse("2006-01-02", args.StartDate)
				if err != nil {
					return ErrorResult(KindInvalidArgument, "start_date must be YYYY-MM-DD, got %q", args.StartDate), nil
				}
				end, err := time.Parse("2006-01-02", args.EndDate)
				if err != nil {
					return ErrorResult(KindInvalidArgument, "end_date must be YYYY-MM-DD, got %q", args.EndDate), nil
				}
				if end.Before(start) {
					return ErrorResult(KindInvalidArgument, "end_date precedes start_date"), nil
				}
				// End is inclusive: cover the whole final day.
				flows, err := b.CashFlows(ctx, backend.CashFlowQuery{
					Start:  start,
					End:    end.Add(24*time.Hour - time.Second),
					Symbol: args.Symbol,
				})
				if err != nil {
					return BackendErrorResult("cash_flows", err), nil
				}
				return StructuredResult(fmt.Sprintf("%d cash flows", len(flows)), map[string]any{"cash_flows": flows}), nil
			}),
	}
}

// Catalog assembles the full static tool catalog.
func Catalog(b Backend) *Container {
	var defs []StaticTool
	defs = append(defs, TradingTools(b)...)
	defs = append(defs, QuoteTools(b)...)
	defs = append(defs, PortfolioTools(b)...)
	return NewContainer(defs...)
}

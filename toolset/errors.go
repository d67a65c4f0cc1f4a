package toolset

import (
	"context"
	"errors"
	"fmt"

	"github.com/brokergate/brokergate/backend"
	"github.com/brokergate/brokergate/mcp"
)

// Kind is a stable, machine-readable tool error category. Clients branch on
// the kind; the accompanying message is for humans and carries no contract.
type Kind string

const (
	KindInvalidArgument    Kind = "invalid_argument"
	KindUnauthenticated    Kind = "unauthenticated"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindSubscriptionFailed Kind = "subscription_failed"
	KindNotFound           Kind = "not_found"
)

// ErrorResult builds an error CallToolResult carrying the kind in
// structuredContent alongside a human-readable text block.
func ErrorResult(kind Kind, format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: msg}},
		IsError: true,
		StructuredContent: map[string]any{
			"kind":    string(kind),
			"message": msg,
		},
	}
}

// BackendErrorResult maps a backend failure to a tool error. Raw backend
// payloads never reach the client; only the classified kind and a short
// operator-facing message do.
func BackendErrorResult(op string, err error) *mcp.CallToolResult {
	switch {
	case backend.IsAuth(err):
		return ErrorResult(KindUnauthenticated, "%s: backend rejected credentials", op)
	case errors.Is(err, backend.ErrNotFound):
		return ErrorResult(KindNotFound, "%s: not found", op)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorResult(KindBackendUnavailable, "%s: canceled", op)
	default:
		var ce *backend.CallError
		if errors.As(err, &ce) && ce.Message != "" {
			return ErrorResult(KindBackendUnavailable, "%s: %s", op, ce.Message)
		}
		return ErrorResult(KindBackendUnavailable, "%s: backend unavailable", op)
	}
}

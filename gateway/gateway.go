// Package gateway implements the protocol session core shared by the stdio
// and streaming HTTP transports: the initialize handshake, request routing
// into the tool dispatcher, and the per-session notification pump fed by
// the event hub.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/brokergate/brokergate/hub"
	"github.com/brokergate/brokergate/internal/jsonrpc"
	"github.com/brokergate/brokergate/internal/logctx"
	"github.com/brokergate/brokergate/mcp"
	"github.com/brokergate/brokergate/subs"
	"github.com/brokergate/brokergate/toolset"
	"github.com/brokergate/brokergate/watchlist"
)

// supportedProtocolVersions are accepted from clients, newest first.
var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26"}

// Server is the transport-independent session core.
type Server struct {
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string

	tools    *toolset.Container
	registry *subs.Registry
	events   *hub.Hub
	watch    *watchlist.Resource
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithInstructions sets the instructions string returned from initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) { s.instructions = instructions }
}

// WithWatchlist exposes the watchlist resource to sessions.
func WithWatchlist(w *watchlist.Resource) Option {
	return func(s *Server) { s.watch = w }
}

// New assembles the session core.
func New(info mcp.ImplementationInfo, tools *toolset.Container, registry *subs.Registry, events *hub.Hub, opts ...Option) *Server {
	s := &Server{
		log:      slog.Default(),
		info:     info,
		tools:    tools,
		registry: registry,
		events:   events,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle routes one parsed JSON-RPC request. The returned response is nil
// for notifications. Transport-level framing errors never reach here.
func (s *Server) Handle(ctx context.Context, sess *ProtocolSession, req *jsonrpc.Request) *jsonrpc.Response {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		ProtocolVersion: sess.ProtocolVersion(),
	})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   messageType(req),
	})

	if !sess.initialized.Load() {
		switch mcp.Method(req.Method) {
		case mcp.InitializeMethod, mcp.PingMethod:
		default:
			if req.IsNotification() {
				s.log.DebugContext(ctx, "session.notify.before_init")
				return nil
			}
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil)
		}
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return s.handleInitialize(ctx, sess, req)
	case mcp.InitializedNotificationMethod:
		s.log.InfoContext(ctx, "session.initialized")
		return nil
	case mcp.PingMethod:
		return resultResponse(req.ID, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return resultResponse(req.ID, mcp.ListToolsResult{Tools: s.tools.List()})
	case mcp.ToolsCallMethod:
		return s.handleToolCall(ctx, sess, req)
	case mcp.ResourcesListMethod:
		return s.handleResourcesList(req)
	case mcp.ResourcesReadMethod:
		return s.handleResourcesRead(req)
	case mcp.LoggingSetLevelMethod:
		return s.handleSetLevel(sess, req)
	case mcp.CancelledNotificationMethod:
		s.handleCancelled(ctx, sess, req)
		return nil
	default:
		if req.IsNotification() {
			s.log.DebugContext(ctx, "session.notify.unknown")
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(ctx context.Context, sess *ProtocolSession, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
	}

	version := supportedProtocolVersions[0]
	for _, v := range supportedProtocolVersions {
		if params.ProtocolVersion == v {
			version = v
			break
		}
	}
	sess.setProtocolVersion(version)
	sess.initialized.Store(true)

	caps := mcp.ServerCapabilities{
		Logging: &struct{}{},
		Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: false},
	}
	if s.watch != nil {
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{}
	}

	s.log.InfoContext(ctx, "session.handshake.ok",
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocol_version", version),
	)

	return resultResponse(req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    caps,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	})
}

func (s *Server) handleToolCall(ctx context.Context, sess *ProtocolSession, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	// The invocation can be canceled by the client (notifications/cancelled)
	// or by session teardown. Either way the response is discarded; the
	// backend call itself is not retried or reissued.
	invCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()
	sess.trackInvocation(req.ID.String(), cancel)
	defer sess.untrackInvocation(req.ID.String())

	s.log.InfoContext(ctx, "tool.call.start")
	res, err := s.tools.Call(invCtx, sess, &params)
	if err != nil {
		s.log.WarnContext(ctx, "tool.call.reject", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	s.log.InfoContext(ctx, "tool.call.done", slog.Bool("is_error", res.IsError))

	return resultResponse(req.ID, res)
}

func (s *Server) handleResourcesList(req *jsonrpc.Request) *jsonrpc.Response {
	resources := []mcp.Resource{}
	if s.watch != nil {
		resources = append(resources, s.watch.Describe())
	}
	return resultResponse(req.ID, mcp.ListResourcesResult{Resources: resources})
}

func (s *Server) handleResourcesRead(req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid resources/read params", nil)
	}
	if s.watch == nil || params.URI != watchlist.URI {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			fmt.Sprintf("unknown resource: %s", params.URI), nil)
	}
	contents, err := s.watch.Read()
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "resource read failed", nil)
	}
	return resultResponse(req.ID, mcp.ReadResourceResult{Contents: []mcp.ResourceContents{contents}})
}

func (s *Server) handleSetLevel(sess *ProtocolSession, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid logging/setLevel params", nil)
	}
	if !mcp.IsValidLoggingLevel(params.Level) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			fmt.Sprintf("invalid logging level: %s", params.Level), nil)
	}
	sess.setLogLevel(params.Level)
	return resultResponse(req.ID, mcp.EmptyResult{})
}

func (s *Server) handleCancelled(ctx context.Context, sess *ProtocolSession, req *jsonrpc.Request) {
	var params mcp.CancelledNotification
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return
	}
	if sess.cancelInvocation(params.RequestID) {
		s.log.InfoContext(ctx, "tool.call.cancelled", slog.String("request_id", params.RequestID))
	}
}

func resultResponse(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return resp
}

func messageType(req *jsonrpc.Request) string {
	if req.IsNotification() {
		return "notification"
	}
	return "request"
}

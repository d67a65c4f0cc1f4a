// Package toolset implements the gateway's tool dispatcher: a static
// catalog of typed tools whose input schemas are reflected from Go structs
// and whose arguments are decoded strictly, rejecting unknown fields.
package toolset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/brokergate/brokergate/backend"
	"github.com/brokergate/brokergate/mcp"
)

// Session is the slice of a protocol session that tools may touch: identity
// plus event channel membership.
type Session interface {
	ID() string
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(channel string)
}

// Backend is the full call surface tools invoke. The adapter provides it.
type Backend interface {
	backend.TradeCapability
	backend.QuoteCapability
	backend.PortfolioCapability
}

// ToolHandler handles one tool invocation.
type ToolHandler func(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// NewTool constructs a StaticTool from a typed args struct A. The input
// schema is reflected from A; at call time the arguments are decoded with
// unknown fields rejected, so a typo'd argument fails before any backend
// call is made.
func NewTool[A any](name, description string, fn func(ctx context.Context, session Session, args A) (*mcp.CallToolResult, error)) StaticTool {
	desc := mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: reflectInputSchema[A](),
	}

	handler := func(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			dec := json.NewDecoder(bytes.NewReader(req.Arguments))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&a); err != nil {
				return ErrorResult(KindInvalidArgument, "invalid arguments: %v", err), nil
			}
		}
		return fn(ctx, session, a)
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// reflectInputSchema reflects a Go type A into the simplified MCP input
// schema. Non-object shapes degrade to an empty strict object.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]mcp.SchemaProperty{},
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP
// SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// Container owns the static tool catalog. The set never changes after
// construction, so listing needs no locking.
type Container struct {
	tools    []mcp.Tool
	handlers map[string]ToolHandler
}

// NewContainer builds a Container from tool definitions. Duplicate names
// panic: the catalog is assembled once at startup and a collision is a
// programming error.
func NewContainer(defs ...StaticTool) *Container {
	c := &Container{
		tools:    make([]mcp.Tool, 0, len(defs)),
		handlers: make(map[string]ToolHandler, len(defs)),
	}
	for _, d := range defs {
		if _, exists := c.handlers[d.Descriptor.Name]; exists {
			panic(fmt.Sprintf("duplicate tool name %q", d.Descriptor.Name))
		}
		c.tools = append(c.tools, d.Descriptor)
		c.handlers[d.Descriptor.Name] = d.Handler
	}
	return c
}

// List returns the tool descriptors in registration order.
func (c *Container) List() []mcp.Tool {
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Call dispatches a request to the named tool.
func (c *Container) Call(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	h := c.handlers[req.Name]
	if h == nil {
		return nil, fmt.Errorf("tool not found: %s", req.Name)
	}
	return h(ctx, session, req)
}

// TextResult builds a plain text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// StructuredResult builds a CallToolResult with a text summary and a
// structured payload. v must marshal to a JSON object.
func StructuredResult(text string, v any) *mcp.CallToolResult {
	res := TextResult(text)
	b, err := json.Marshal(v)
	if err != nil {
		return res
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return res
	}
	res.StructuredContent = m
	return res
}

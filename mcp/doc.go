// Package mcp defines the wire-level types for the subset of the Model
// Context Protocol spoken by the gateway: the initialize handshake, tool
// listing and invocation, resource reads, logging notifications, and the
// gateway's own push notification methods for quote and order events.
//
// The types here are deliberately plain structs with JSON tags. All protocol
// behavior (routing, session state, transport framing) lives elsewhere.
package mcp

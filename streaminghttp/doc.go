// Package streaminghttp implements the streamable HTTP MCP transport.
//
// Requests are POSTed to the endpoint one JSON-RPC message at a time. The
// initialize request creates a session and returns its identifier in the
// Mcp-Session-Id response header; every later request must echo that header.
// A GET with Accept: text/event-stream opens the session's push stream,
// carrying quote and order notifications as Server-Sent Events. DELETE ends
// the session.
//
// Authentication is an optional static bearer token. The gateway is built to
// sit on loopback next to its client; anything facing a network should put a
// real authenticating proxy in front.
package streaminghttp

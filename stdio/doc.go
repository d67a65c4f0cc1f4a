// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It is intended for embedding the gateway as a subprocess of
// an MCP client, and for local development.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : exactly one, bound to the process lifetime
//	Transport        : newline-delimited JSON-RPC
//
// Stdout carries protocol frames only. All logging must go to stderr or a
// file; a logger writing to stdout would corrupt the stream.
package stdio

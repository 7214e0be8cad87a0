// Package mcp is the host side of the Model Context Protocol: it
// launches tool providers as subprocesses, speaks JSON-RPC 2.0 to them
// over stdin/stdout, and exposes each connected provider's tools as a
// [tools.Source] so they can be composed into the agent's registry.
//
// Only the tool surface of MCP is used (initialize, tools/list,
// tools/call, ping).
package mcp

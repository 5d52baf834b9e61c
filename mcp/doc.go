// Package mcp exposes the SDK's resource operations as MCP tools over
// streamable HTTP, so agent runtimes can read and mutate platform resources
// through the same resilience pipeline the SDK gives native callers.
package mcp

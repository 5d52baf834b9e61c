// Package jamfbridge configures the resilience layer in front of a
// device-management platform that spans two protocol generations: a modern
// JSON API with partial resource coverage and a legacy XML API with full
// coverage.
//
// The SDK client in the client package handles credential lifecycle across
// both authentication schemes, routes each call to the modern generation
// first with legacy fallback on retryable failures, verifies writes under
// the platform's eventual consistency, and applies partial updates by
// merging into the stored XML document so untouched fields survive
// byte-for-byte.
//
// This package holds the top-level Config consumed by the CLI and the MCP
// facade.
package jamfbridge

// Package main is the entry point for the crew server.
//
// The server lets an operator drive multiple AI coding-agent terminals
// from a browser. Sessions group workers around a git worktree; their
// state is persisted as JSON so a restarted server can pick up where
// the previous instance left off.
//
// The server provides:
//   - REST API for session and worker lifecycle
//   - WebSocket streaming for terminal output and lifecycle events
//   - Message injection between agent terminals
//   - Startup recovery of sessions owned by dead server instances
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./crew-server -port 7420
//
//	# Development mode (colored logs, debug level)
//	./crew-server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main

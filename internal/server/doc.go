// Package server assembles the crew server from its components.
//
// This package is the composition root:
//   - HTTP routing with Gin framework
//   - Middleware stack (CORS, rate limiting, recovery, metrics)
//   - Session persistence store and repository registry
//   - Session manager with PTY spawner and agent catalog
//   - WebSocket broadcast and worker attach endpoints
//   - Background job queue for cleanup work
//
// Server Lifecycle:
//  1. Load configuration from environment
//  2. Initialize logger (production or development)
//  3. Open the session store and repository registry
//  4. Recover persisted sessions (inherit, skip, or reap)
//  5. Setup HTTP routes and middleware
//  6. Start HTTP server
//  7. Graceful shutdown on signal
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.New(cfg, log)
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server

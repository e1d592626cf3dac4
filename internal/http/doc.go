// Package http provides HTTP handlers and routing for the crew REST API.
//
// This package implements all HTTP endpoints using the Gin framework,
// covering session lifecycle, worker management, message routing, and
// health reporting.
//
// Endpoints:
//   - Health: / and /health
//   - Sessions: /sessions, /sessions/paused, /sessions/:id,
//     /sessions/:id/title, /sessions/:id/pause, /sessions/:id/resume
//   - Workers: /sessions/:id/workers, /sessions/:id/workers/:wid,
//     /sessions/:id/workers/:wid/restart, /sessions/:id/workers/:wid/restore
//   - Messages: /sessions/:id/messages
//   - Catalog: /agents, /repositories
//
// Example Usage:
//
//	handlers := http.NewHandlers(manager, catalog, repos, queue, metrics)
//	router.GET("/health", handlers.Health)
//	router.POST("/sessions", handlers.CreateSession)
package http

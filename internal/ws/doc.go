// Package ws provides WebSocket handling for real-time session streaming.
//
// Two socket types are served:
//   - Events: a broadcast stream of session lifecycle notifications
//     (created, updated, deleted, paused, resumed, worker activations,
//     routed messages). The Broadcaster implements the session package's
//     NotificationSink.
//   - Worker attach: a per-worker terminal bridge. Binary frames carry PTY
//     output (buffered scrollback replays on connect); JSON text frames
//     carry input, resize, and ping control messages. Several tabs may
//     attach to the same worker; detaching never stops the process.
//
// Message Types (Client → Server, attach socket):
//   - input: raw keystrokes for the PTY
//   - resize: new terminal dimensions
//   - ping: keep-alive ping
//
// Example Usage:
//
//	events := ws.NewBroadcaster(log, metrics)
//	router.GET("/ws/events", events.HandleEvents)
//	attach := ws.NewWorkerHandler(manager, log)
//	router.GET("/ws/sessions/:id/workers/:wid", attach.HandleAttach)
package ws

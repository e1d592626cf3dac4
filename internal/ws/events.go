package ws

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/monitoring"
	"github.com/crewhq/crew/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Origins are enforced by the CORS layer
	},
}

// Event is one lifecycle notification pushed to every events client.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// eventClient owns one events connection; the send channel decouples
// broadcasting from slow writers. send is never closed: a concurrent
// broadcast may still hold a reference after drop, and a send on a
// closed channel would panic. done signals the write loop instead.
type eventClient struct {
	conn *websocket.Conn
	send chan Event
	done chan struct{}
}

// Broadcaster fans session lifecycle notifications out to every connected
// events client. It is the transport-side implementation of the session
// package's NotificationSink.
type Broadcaster struct {
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.RWMutex
	clients map[*eventClient]struct{}
}

// NewBroadcaster creates an empty events hub. metrics may be nil.
func NewBroadcaster(log *logging.Logger, metrics *monitoring.Metrics) *Broadcaster {
	return &Broadcaster{
		log:     log.WithComponent("ws-events"),
		metrics: metrics,
		clients: make(map[*eventClient]struct{}),
	}
}

// HandleEvents upgrades the connection and streams lifecycle events until
// the client goes away.
func (b *Broadcaster) HandleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.Warn("events upgrade failed", zap.Error(err))
		return
	}

	client := &eventClient{conn: conn, send: make(chan Event, 64), done: make(chan struct{})}

	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.IncWSConnections()
	}

	go b.writeLoop(client)

	// The read loop only exists to notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	b.drop(client)
}

func (b *Broadcaster) writeLoop(client *eventClient) {
	for {
		select {
		case ev := <-client.send:
			if err := client.conn.WriteJSON(ev); err != nil {
				b.drop(client)
				return
			}
		case <-client.done:
			return
		}
	}
}

func (b *Broadcaster) drop(client *eventClient) {
	b.mu.Lock()
	_, present := b.clients[client]
	if present {
		delete(b.clients, client)
		close(client.done)
	}
	b.mu.Unlock()

	if present {
		_ = client.conn.Close()
		if b.metrics != nil {
			b.metrics.DecWSConnections()
		}
	}
}

// broadcast queues an event on every client, dropping clients whose
// buffers are full rather than blocking the lifecycle path.
func (b *Broadcaster) broadcast(ev Event) {
	b.mu.RLock()
	clients := make([]*eventClient, 0, len(b.clients))
	for client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- ev:
		default:
			b.log.Warn("events client too slow, dropping")
			b.drop(client)
		}
	}
}

func (b *Broadcaster) SessionCreated(v session.View) {
	if b.metrics != nil {
		b.metrics.SessionsCreated.Inc()
	}
	b.broadcast(Event{Type: "session-created", SessionID: v.ID, Payload: v})
}

func (b *Broadcaster) SessionUpdated(v session.View) {
	b.broadcast(Event{Type: "session-updated", SessionID: v.ID, Payload: v})
}

func (b *Broadcaster) SessionDeleted(sessionID string) {
	if b.metrics != nil {
		b.metrics.SessionsDeleted.Inc()
	}
	b.broadcast(Event{Type: "session-deleted", SessionID: sessionID})
}

func (b *Broadcaster) SessionPaused(sessionID string) {
	if b.metrics != nil {
		b.metrics.SessionsPaused.Inc()
	}
	b.broadcast(Event{Type: "session-paused", SessionID: sessionID})
}

func (b *Broadcaster) SessionResumed(v session.View) {
	if b.metrics != nil {
		b.metrics.SessionsResumed.Inc()
	}
	b.broadcast(Event{Type: "session-resumed", SessionID: v.ID, Payload: v})
}

func (b *Broadcaster) WorkerActivated(sessionID string, w session.WorkerView) {
	if b.metrics != nil {
		b.metrics.IncWorkersSpawned()
	}
	b.broadcast(Event{Type: "worker-activated", SessionID: sessionID, Payload: w})
}

func (b *Broadcaster) MessageSent(sessionID string, msg session.Message) {
	if b.metrics != nil {
		b.metrics.IncMessagesRouted()
	}
	b.broadcast(Event{Type: "message", SessionID: sessionID, Payload: msg})
}

var _ session.NotificationSink = (*Broadcaster)(nil)

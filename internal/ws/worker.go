package ws

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/session"
	"github.com/crewhq/crew/internal/shared/id"
)

// controlMessage is an inbound frame on a worker attach socket.
type controlMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// exitFrame is the outbound JSON frame sent when the worker process exits.
type exitFrame struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

// WorkerHandler serves the per-worker attach socket: binary frames carry
// PTY output (with ring-buffer replay on connect), JSON text frames carry
// input and resize control messages. Closing the socket detaches the
// connection; the process keeps running.
type WorkerHandler struct {
	mgr *session.Manager
	log *logging.Logger
}

// NewWorkerHandler creates the attach socket handler.
func NewWorkerHandler(mgr *session.Manager, log *logging.Logger) *WorkerHandler {
	return &WorkerHandler{mgr: mgr, log: log.WithComponent("ws-worker")}
}

// HandleAttach upgrades the connection and bridges it to one worker.
func (h *WorkerHandler) HandleAttach(c *gin.Context) {
	sessionID := id.SessionID(c.Param("id"))
	workerID := id.WorkerID(c.Param("wid"))

	sess, err := h.mgr.GetSession(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	w, ok := sess.Worker(workerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": session.ErrWorkerNotFound.Error()})
		return
	}
	if !w.Kind.PTYCapable() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker has no terminal"})
		return
	}

	// Reconnecting to a hibernated worker respawns it with continue
	// semantics before the socket opens.
	if !w.Running() {
		if _, err := h.mgr.RestoreWorker(sessionID, workerID); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("attach upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.log.WithWorker(string(sessionID), string(workerID))

	// Gorilla connections allow one concurrent writer.
	var writeMu sync.Mutex
	writeBinary := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}

	// Replay buffered output so a late tab sees the scrollback.
	if replay := w.OutputSnapshot(); len(replay) > 0 {
		if err := writeBinary(replay); err != nil {
			return
		}
	}

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	connID, err := h.mgr.AttachWorkerCallbacks(sessionID, workerID, session.AttachCallbacks{
		OnData: func(data []byte) {
			if err := writeBinary(data); err != nil {
				finish()
			}
		},
		OnExit: func(code int) {
			writeMu.Lock()
			_ = conn.WriteJSON(exitFrame{Type: "exit", Code: code})
			writeMu.Unlock()
			finish()
		},
	})
	if err != nil {
		return
	}
	defer func() {
		_ = h.mgr.DetachWorkerCallbacks(sessionID, workerID, connID)
	}()

	go func() {
		defer finish()
		for {
			var msg controlMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "input":
				if err := h.mgr.WriteWorkerInput(sessionID, workerID, []byte(msg.Data)); err != nil {
					log.Debug("input write failed", zap.Error(err))
				}
			case "resize":
				if err := h.mgr.ResizeWorker(sessionID, workerID, msg.Cols, msg.Rows); err != nil {
					log.Debug("resize failed", zap.Error(err))
				}
			case "ping":
				writeMu.Lock()
				_ = conn.WriteJSON(gin.H{"type": "pong"})
				writeMu.Unlock()
			default:
				log.Debug("unknown control message", zap.String("type", msg.Type))
			}
		}
	}()

	<-done
}

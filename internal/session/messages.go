package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewhq/crew/internal/shared/id"
)

// Message is the envelope for one inter-worker injection. A nil sender
// renders as "User".
type Message struct {
	ID           string    `json:"id"`
	FromWorkerID string    `json:"fromWorkerId,omitempty"`
	FromName     string    `json:"fromName"`
	ToWorkerID   string    `json:"toWorkerId"`
	ToName       string    `json:"toName"`
	Content      string    `json:"content"`
	FilePaths    []string  `json:"filePaths,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// userSenderName renders a message with no sending worker.
const userSenderName = "User"

func nowUTC() time.Time {
	return time.Now().UTC()
}

// SendMessage injects content into the target worker's PTY as raw input.
// Multi-part payloads (text plus file paths) are written strictly
// sequentially with the configured minimum delay between parts, the final
// part carrying a carriage return to submit. A nil, nil return means
// "could not deliver" (nothing to send, target not running, or a write
// failed) and is not an error; callers must check for it.
func (m *Manager) SendMessage(sessionID id.SessionID, fromWorkerID *id.WorkerID, toWorkerID id.WorkerID, content string, filePaths []string) (*Message, error) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	target, ok := sess.Worker(toWorkerID)
	if !ok {
		return nil, ErrWorkerNotFound
	}
	if !target.Kind.PTYCapable() {
		return nil, fmt.Errorf("worker %s cannot receive messages", toWorkerID)
	}

	fromName := userSenderName
	msg := Message{
		ID:         uuid.NewString(),
		ToWorkerID: string(toWorkerID),
		ToName:     target.Name,
		Content:    content,
		FilePaths:  filePaths,
		CreatedAt:  nowUTC(),
	}
	if fromWorkerID != nil {
		sender, ok := sess.Worker(*fromWorkerID)
		if !ok {
			return nil, ErrWorkerNotFound
		}
		if !sender.Kind.PTYCapable() {
			return nil, fmt.Errorf("worker %s cannot send messages", *fromWorkerID)
		}
		fromName = sender.Name
		msg.FromWorkerID = string(*fromWorkerID)
	}
	msg.FromName = fromName

	var parts []string
	if content != "" {
		parts = append(parts, content)
	}
	parts = append(parts, filePaths...)
	if len(parts) == 0 {
		return nil, nil
	}

	log := m.log.WithWorker(string(sessionID), string(toWorkerID))
	for i, part := range parts {
		if i > 0 {
			// The delay lets a TUI-style agent consume each line before
			// the next arrives.
			time.Sleep(m.cfg.MessageDelay)
		}
		if i == len(parts)-1 {
			part += "\r"
		}
		if err := target.Write([]byte(part)); err != nil {
			log.Warn("message delivery failed", zap.Int("part", i), zap.Error(err))
			return nil, nil
		}
	}

	m.history.add(sessionID, msg)
	m.sink.MessageSent(string(sessionID), msg)
	return &msg, nil
}

// MessageHistory returns the recorded messages for a session, oldest
// first.
func (m *Manager) MessageHistory(sessionID id.SessionID) ([]Message, error) {
	if _, err := m.GetSession(sessionID); err != nil {
		return nil, err
	}
	return m.history.list(sessionID), nil
}

// history is the per-session bounded message log. A side table: it lives
// outside the session object and is cleaned up on session delete.
type history struct {
	mu    sync.Mutex
	limit int
	logs  map[id.SessionID][]Message
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 200
	}
	return &history{limit: limit, logs: make(map[id.SessionID][]Message)}
}

func (h *history) add(sessionID id.SessionID, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log := append(h.logs[sessionID], msg)
	if len(log) > h.limit {
		log = log[len(log)-h.limit:]
	}
	h.logs[sessionID] = log
}

func (h *history) list(sessionID id.SessionID) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.logs[sessionID]))
	copy(out, h.logs[sessionID])
	return out
}

func (h *history) drop(sessionID id.SessionID) {
	h.mu.Lock()
	delete(h.logs, sessionID)
	h.mu.Unlock()
}

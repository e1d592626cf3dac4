package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crew/internal/agents"
	"github.com/crewhq/crew/internal/jobs"
	"github.com/crewhq/crew/internal/monitoring"
	"github.com/crewhq/crew/internal/repo"
	"github.com/crewhq/crew/internal/session"
	"github.com/crewhq/crew/internal/shared/id"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	manager *session.Manager
	catalog *agents.Catalog
	repos   *repo.Lookup
	queue   *jobs.Queue
	metrics *monitoring.Metrics
}

// NewHandlers creates a new handler set
func NewHandlers(manager *session.Manager, catalog *agents.Catalog, repos *repo.Lookup, queue *jobs.Queue, metrics *monitoring.Metrics) *Handlers {
	return &Handlers{
		manager: manager,
		catalog: catalog,
		repos:   repos,
		queue:   queue,
		metrics: metrics,
	}
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "crew",
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	resp := gin.H{
		"status":   "healthy",
		"sessions": len(h.manager.ListSessions()),
		"jobs":     h.queue.Stats(),
	}
	if h.metrics != nil {
		resp["metrics"] = h.metrics.GetSnapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// CreateSession handles POST /sessions
func (h *Handlers) CreateSession(c *gin.Context) {
	var params session.CreateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if params.Type == "" {
		params.Type = session.TypeWorktree
	}

	sess, err := h.manager.CreateSession(params)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session.ViewOf(sess))
}

// ListSessions handles GET /sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	views := h.manager.ListSessions()
	if h.metrics != nil {
		h.metrics.SetSessionsResident(len(views))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// ListPausedSessions handles GET /sessions/paused
func (h *Handlers) ListPausedSessions(c *gin.Context) {
	views, err := h.manager.ListPaused()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// GetSession handles GET /sessions/:id
func (h *Handlers) GetSession(c *gin.Context) {
	sess, err := h.manager.GetSession(id.SessionID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session.ViewOf(sess))
}

// UpdateSessionTitle handles PATCH /sessions/:id/title
func (h *Handlers) UpdateSessionTitle(c *gin.Context) {
	var body struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.UpdateSessionTitle(id.SessionID(c.Param("id")), body.Title); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// DeleteSession handles DELETE /sessions/:id
func (h *Handlers) DeleteSession(c *gin.Context) {
	if err := h.manager.DeleteSession(id.SessionID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// PauseSession handles POST /sessions/:id/pause
func (h *Handlers) PauseSession(c *gin.Context) {
	if err := h.manager.PauseSession(id.SessionID(c.Param("id"))); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// ResumeSession handles POST /sessions/:id/resume
func (h *Handlers) ResumeSession(c *gin.Context) {
	sess, err := h.manager.ResumeSession(id.SessionID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session.ViewOf(sess))
}

// CreateWorker handles POST /sessions/:id/workers
func (h *Handlers) CreateWorker(c *gin.Context) {
	var body struct {
		session.WorkerParams
		ContinueConversation bool   `json:"continueConversation"`
		InitialPrompt        string `json:"initialPrompt"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.manager.CreateWorker(id.SessionID(c.Param("id")), body.WorkerParams, body.ContinueConversation, body.InitialPrompt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w.View())
}

// DeleteWorker handles DELETE /sessions/:id/workers/:wid
func (h *Handlers) DeleteWorker(c *gin.Context) {
	err := h.manager.DeleteWorker(id.SessionID(c.Param("id")), id.WorkerID(c.Param("wid")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// RestartWorker handles POST /sessions/:id/workers/:wid/restart
func (h *Handlers) RestartWorker(c *gin.Context) {
	var body struct {
		ContinueConversation bool   `json:"continueConversation"`
		AgentID              string `json:"agentId"`
		Branch               string `json:"branch"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.manager.RestartAgentWorker(id.SessionID(c.Param("id")), id.WorkerID(c.Param("wid")),
		body.ContinueConversation, body.AgentID, body.Branch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w.View())
}

// RestoreWorker handles POST /sessions/:id/workers/:wid/restore
func (h *Handlers) RestoreWorker(c *gin.Context) {
	w, err := h.manager.RestoreWorker(id.SessionID(c.Param("id")), id.WorkerID(c.Param("wid")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w.View())
}

// SendMessage handles POST /sessions/:id/messages
func (h *Handlers) SendMessage(c *gin.Context) {
	var body struct {
		FromWorkerID string   `json:"fromWorkerId"`
		ToWorkerID   string   `json:"toWorkerId" binding:"required"`
		Content      string   `json:"content"`
		FilePaths    []string `json:"filePaths"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var from *id.WorkerID
	if body.FromWorkerID != "" {
		wid := id.WorkerID(body.FromWorkerID)
		from = &wid
	}

	msg, err := h.manager.SendMessage(id.SessionID(c.Param("id")), from,
		id.WorkerID(body.ToWorkerID), body.Content, body.FilePaths)
	if err != nil {
		respondError(c, err)
		return
	}
	if msg == nil {
		// Undeliverable is a result, not an error
		c.JSON(http.StatusOK, gin.H{"delivered": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true, "message": msg})
}

// MessageHistory handles GET /sessions/:id/messages
func (h *Handlers) MessageHistory(c *gin.Context) {
	msgs, err := h.manager.MessageHistory(id.SessionID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListAgents handles GET /agents
func (h *Handlers) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.catalog.List()})
}

// ListRepositories handles GET /repositories
func (h *Handlers) ListRepositories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"repositories": h.repos.List()})
}

// respondError maps lifecycle errors onto HTTP status codes
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrWorkerNotFound),
		errors.Is(err, session.ErrAgentNotFound),
		errors.Is(err, session.ErrPathNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrCannotPauseQuick):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrActivationFailed):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

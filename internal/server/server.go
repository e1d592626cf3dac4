package server

import (
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crewhq/crew/internal/agents"
	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/http"
	"github.com/crewhq/crew/internal/jobs"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/middleware"
	"github.com/crewhq/crew/internal/monitoring"
	"github.com/crewhq/crew/internal/pty"
	"github.com/crewhq/crew/internal/repo"
	"github.com/crewhq/crew/internal/session"
	"github.com/crewhq/crew/internal/store"
	"github.com/crewhq/crew/internal/ws"
)

const jobQueueWorkers = 2

// Server wires the HTTP API, WebSocket endpoints, and session manager.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	router  *gin.Engine
	manager *session.Manager
	queue   *jobs.Queue
	events  *ws.Broadcaster
}

// New assembles all components and recovers persisted sessions. The
// returned server is ready to Run.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	st, err := store.New(cfg.Data.Dir)
	if err != nil {
		return nil, err
	}

	repos, err := repo.Load(cfg.Repos.File)
	if err != nil {
		return nil, err
	}

	catalog := agents.NewCatalog()
	metrics := monitoring.NewMetrics()
	events := ws.NewBroadcaster(log, metrics)

	queue := jobs.New(jobQueueWorkers, 64, log)
	registerCleanupJobs(queue, cfg.Data.Dir, log)

	manager := session.NewManager(st, pty.NewSpawner(), catalog, repos, queue, cfg.Session, events, log)
	if err := manager.Recover(); err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:     cfg,
		log:     log,
		manager: manager,
		queue:   queue,
		events:  events,
	}
	srv.router = srv.buildRouter(metrics, catalog, repos)
	return srv, nil
}

func (s *Server) buildRouter(metrics *monitoring.Metrics, catalog *agents.Catalog, repos *repo.Lookup) *gin.Engine {
	if !s.cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if s.cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: s.cfg.RateLimit.RequestsPerSecond,
			Burst:             s.cfg.RateLimit.Burst,
		}))
	}
	router.Use(metrics.GinMiddleware())

	h := http.NewHandlers(s.manager, catalog, repos, s.queue, metrics)

	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/sessions", h.CreateSession)
	router.GET("/sessions", h.ListSessions)
	router.GET("/sessions/paused", h.ListPausedSessions)
	router.GET("/sessions/:id", h.GetSession)
	router.PATCH("/sessions/:id/title", h.UpdateSessionTitle)
	router.DELETE("/sessions/:id", h.DeleteSession)
	router.POST("/sessions/:id/pause", h.PauseSession)
	router.POST("/sessions/:id/resume", h.ResumeSession)

	router.POST("/sessions/:id/workers", h.CreateWorker)
	router.DELETE("/sessions/:id/workers/:wid", h.DeleteWorker)
	router.POST("/sessions/:id/workers/:wid/restart", h.RestartWorker)
	router.POST("/sessions/:id/workers/:wid/restore", h.RestoreWorker)

	router.POST("/sessions/:id/messages", h.SendMessage)
	router.GET("/sessions/:id/messages", h.MessageHistory)

	router.GET("/agents", h.ListAgents)
	router.GET("/repositories", h.ListRepositories)

	router.GET("/ws/events", s.events.HandleEvents)
	workers := ws.NewWorkerHandler(s.manager, s.log)
	router.GET("/ws/sessions/:id/workers/:wid", workers.HandleAttach)

	return router
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.log.Info("server listening", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close drains the job queue. In-flight PTY processes are left running:
// live sessions remain owned by this pid on disk and are reclaimed by
// the next server instance during recovery.
func (s *Server) Close() {
	s.queue.Close()
	s.log.Info("server stopped")
}

// Handler exposes the router for tests.
func (s *Server) Handler() nethttp.Handler {
	return s.router
}

// registerCleanupJobs wires the background cleanup handlers. Artifact
// removal is best effort; a failed cleanup only leaves stale files under
// the data directory.
func registerCleanupJobs(queue *jobs.Queue, dataDir string, log *logging.Logger) {
	artifacts := filepath.Join(dataDir, "artifacts")

	queue.Register(jobs.TypeCleanupSessionArtifacts, func(payload any) error {
		sessionID, ok := payload.(string)
		if !ok || sessionID == "" {
			return nil
		}
		return os.RemoveAll(filepath.Join(artifacts, sessionID))
	})

	queue.Register(jobs.TypeCleanupWorkerOutput, func(payload any) error {
		path, ok := payload.(string)
		if !ok || path == "" {
			return nil
		}
		rel, err := filepath.Rel(artifacts, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			log.Warn("refusing to clean path outside artifacts dir", zap.String("path", path))
			return nil
		}
		return os.RemoveAll(path)
	})
}

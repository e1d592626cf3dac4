package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsResident prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsPaused   prometheus.Counter
	SessionsResumed  prometheus.Counter
	SessionsDeleted  prometheus.Counter

	// Worker metrics
	WorkersRunning prometheus.Gauge
	WorkersSpawned prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// Message metrics
	MessagesRouted prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON health endpoint
type Snapshot struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalErrors      int64   `json:"total_errors"`
	ResidentSessions int64   `json:"resident_sessions"`
	RunningWorkers   int64   `json:"running_workers"`
	WSConnections    int64   `json:"ws_connections"`
	AvgDurationMS    float64 `json:"avg_duration_ms"`
	UptimeSeconds    float64 `json:"uptime_seconds"`

	totalDuration float64
	requestCount  int64
}

// NewMetrics creates a metrics collector registered on the default
// Prometheus registry. Construct once per process.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crew_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		SessionsResident: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crew_sessions_resident",
				Help: "Number of sessions resident in memory",
			},
		),
		SessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crew_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsPaused: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crew_sessions_paused_total",
				Help: "Total number of sessions paused",
			},
		),
		SessionsResumed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crew_sessions_resumed_total",
				Help: "Total number of sessions resumed",
			},
		),
		SessionsDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crew_sessions_deleted_total",
				Help: "Total number of sessions deleted",
			},
		),

		WorkersRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crew_workers_running",
				Help: "Number of workers with a live process",
			},
		),
		WorkersSpawned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crew_workers_spawned_total",
				Help: "Total number of worker processes spawned",
			},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crew_ws_connections",
				Help: "Number of open WebSocket connections",
			},
		),

		MessagesRouted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crew_messages_routed_total",
				Help: "Total number of inter-worker messages routed",
			},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crew_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	m.snapshot.requestCount++
	if status >= 400 {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// SetSessionsResident sets the resident session gauge
func (m *Metrics) SetSessionsResident(count int) {
	m.SessionsResident.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ResidentSessions = int64(count)
	m.mu.Unlock()
}

// SetWorkersRunning sets the running worker gauge
func (m *Metrics) SetWorkersRunning(count int) {
	m.WorkersRunning.Set(float64(count))
	m.mu.Lock()
	m.snapshot.RunningWorkers = int64(count)
	m.mu.Unlock()
}

// IncWorkersSpawned increments the spawned worker counter
func (m *Metrics) IncWorkersSpawned() {
	m.WorkersSpawned.Inc()
}

// IncMessagesRouted increments the routed message counter
func (m *Metrics) IncMessagesRouted() {
	m.MessagesRouted.Inc()
}

// IncWSConnections increments the open connection gauge
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.WSConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements the open connection gauge
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.WSConnections--
	m.mu.Unlock()
}

// GetSnapshot returns current metric values for the JSON health endpoint
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.snapshot
	if snap.requestCount > 0 {
		snap.AvgDurationMS = snap.totalDuration / float64(snap.requestCount) * 1000
	}
	snap.UptimeSeconds = time.Since(m.startTime).Seconds()
	return snap
}

// GinMiddleware records request metrics for every route
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

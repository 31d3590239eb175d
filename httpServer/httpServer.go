package httpServer

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"camrelay/internal/auth"
	"camrelay/internal/metrics"
	"camrelay/internal/probe"
	"camrelay/internal/relay"
	"camrelay/internal/sessionmanager"
	"camrelay/internal/snapshot"
	"camrelay/internal/upstream"
	"camrelay/pkg/models"
)

// Options configure the HTTP front-end
type Options struct {
	DefaultCameraPort int
	ScanRateLimit     float64 // scans per second, <= 0 disables throttling
	ScanBurst         int
	Gatherer          prometheus.Gatherer
	Auth              *auth.Manager // nil leaves the control API open
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router      *gin.Engine
	relay       *relay.Relay
	sessions    *sessionmanager.Manager
	snapshots   *snapshot.Snapshotter
	metrics     *metrics.Metrics
	scanLimiter *rate.Limiter
	opts        Options
	log         logrus.FieldLogger
}

// New creates a new HTTP server
func New(r *relay.Relay, sessions *sessionmanager.Manager, snaps *snapshot.Snapshotter, m *metrics.Metrics, opts Options, log logrus.FieldLogger) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	limit := rate.Inf
	if opts.ScanRateLimit > 0 {
		limit = rate.Limit(opts.ScanRateLimit)
	}
	if opts.Auth == nil {
		opts.Auth = auth.New("", 0, 0)
	}
	if opts.ScanBurst <= 0 {
		opts.ScanBurst = 1
	}

	s := &Server{
		relay:       r,
		sessions:    sessions,
		snapshots:   snaps,
		metrics:     m,
		scanLimiter: rate.NewLimiter(limit, opts.ScanBurst),
		opts:        opts,
		log:         log.WithField("component", "http"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.log), metricsMiddleware(s.metrics))

	router.GET("/stream", s.handleStream)
	router.GET("/stream/:preset", s.handlePresetStream)
	router.GET("/ws/stream", s.handleWSStream)
	router.GET("/snapshots/:sessionID/:name", s.handleSnapshotFile)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/stats", s.handleStats)
		api.GET("/scan", s.handleScan)
		api.GET("/presets", s.handlePresets)
		api.GET("/v1/sessions", s.handleListSessions)
		api.GET("/v1/sessions/:sessionID", s.handleGetSession)
		api.GET("/v1/sessions/:sessionID/snapshots", s.handleListSnapshots)

		control := api.Group("/v1", requireAuth(s.opts.Auth, false))
		control.POST("/sessions/:sessionID/stop", s.handleStopSession)
		control.POST("/sessions/:sessionID/snapshot", s.handleCreateSnapshot)

		api.POST("/v1/tokens", requireAuth(s.opts.Auth, true), s.handleGenerateToken)
	}

	s.router = router
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

type statsResponse struct {
	metrics.Snapshot
	Upstream upstream.PoolStats `json:"upstream_pool"`
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Snapshot: s.metrics.Snapshot(),
		Upstream: s.relay.PoolStats(),
	})
}

func (s *Server) handleScan(c *gin.Context) {
	if !s.scanLimiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "scan rate limit exceeded"})
		return
	}

	ip := c.Query("ip")
	if ip == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip is required"})
		return
	}
	port := s.opts.DefaultCameraPort
	if v := c.Query("port"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid port"})
			return
		}
		port = p
	}

	prober := s.relay.Prober()
	urls := probe.CandidateURLs(ip, port, prober.Paths())
	results := prober.Scan(c.Request.Context(), urls)

	entries := make(map[string]models.ScanEntry, len(results))
	for _, res := range results {
		entries[res.Endpoint.URL] = res.ToScanEntry()
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handlePresets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"presets": relay.Presets()})
}

func (s *Server) handleGenerateToken(c *gin.Context) {
	var req models.TokenRequest
	// an empty body uses the default expiration
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.ExpiresIn < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expiresIn must not be negative"})
		return
	}

	token, err := s.opts.Auth.GenerateToken(req.ExpiresIn, c.ClientIP())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, token)
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.sessions.GetAllSessions()

	infos := make([]models.SessionInfo, len(sessions))
	for i, sess := range sessions {
		infos[i] = sess.Info()
	}

	c.JSON(http.StatusOK, models.SessionListResponse{
		Sessions: infos,
		Active:   s.sessions.GetLiveSessionCount(),
		Total:    len(infos),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, exists := s.sessions.GetSession(c.Param("sessionID"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, sess.Info())
}

func (s *Server) handleStopSession(c *gin.Context) {
	sessionID := c.Param("sessionID")

	if err := s.sessions.StopSession(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "session stopped",
		"sessionId": sessionID,
	})
}

func (s *Server) handleCreateSnapshot(c *gin.Context) {
	sess, exists := s.sessions.GetSession(c.Param("sessionID"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	snap, err := s.snapshots.Capture(sess.ID, sess.LastFrame())
	if err != nil {
		if errors.Is(err, snapshot.ErrNoFrame) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store snapshot"})
		return
	}

	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	sessionID := c.Param("sessionID")

	snaps := s.snapshots.List(sessionID)
	if len(snaps) == 0 {
		// snapshots written before a restart are still in storage
		if n, err := s.snapshots.Restore(sessionID); err == nil && n > 0 {
			snaps = s.snapshots.List(sessionID)
		}
	}

	c.JSON(http.StatusOK, models.SnapshotListResponse{
		SessionID: sessionID,
		Snapshots: snaps,
		Total:     len(snaps),
	})
}

func (s *Server) handleSnapshotFile(c *gin.Context) {
	sessionID, name := c.Param("sessionID"), c.Param("name")
	r, snap, err := s.snapshots.Open(sessionID, name)
	if errors.Is(err, snapshot.ErrNotFound) && len(s.snapshots.List(sessionID)) == 0 {
		if n, rerr := s.snapshots.Restore(sessionID); rerr == nil && n > 0 {
			r, snap, err = s.snapshots.Open(sessionID, name)
		}
	}
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read snapshot"})
		return
	}
	if closer, ok := r.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	c.Header("Content-Type", "image/jpeg")
	c.Header("Cache-Control", "public, max-age=86400, immutable")
	c.Header("Access-Control-Allow-Origin", "*")
	http.ServeContent(c.Writer, c.Request, snap.Name, snap.CreatedAt, r)
}

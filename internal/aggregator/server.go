package aggregator

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrel-io/hitprof/internal/collector"
	"github.com/kestrel-io/hitprof/internal/config"
	"github.com/kestrel-io/hitprof/internal/events"
	"github.com/kestrel-io/hitprof/internal/format"
	"github.com/kestrel-io/hitprof/internal/logger"
	"github.com/kestrel-io/hitprof/internal/profiling"
	"github.com/kestrel-io/hitprof/internal/sampler"
)

const maxFeedBodyBytes = 31 << 20 // 31 MiB

// Config configures a Server. Zero values fall back to the stated
// defaults (host 0.0.0.0, port 9666, archiving modulo 100).
type Config struct {
	Host string
	Port int

	LogPath     string
	ArchivePath string

	MaxLogSizeBytes           int64
	MaxArchiveSizeBytes       int64
	LogRequestArchivingModulo int64

	DefaultSortColumn format.SortColumn
	DefaultVerbosity  format.Verbosity
	FlushDelay        time.Duration

	Bus *events.Bus
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 9666
	}
	if c.LogPath == "" {
		c.LogPath = "__pflogs"
	}
	if c.ArchivePath == "" {
		c.ArchivePath = "__pfarchive"
	}
	if c.LogRequestArchivingModulo == 0 {
		c.LogRequestArchivingModulo = 100
	}
	if c.DefaultSortColumn == "" {
		c.DefaultSortColumn = format.DefaultSortColumn
	}
	if c.DefaultVerbosity == "" {
		c.DefaultVerbosity = format.VerbosityFull
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
	return c
}

// Server is the AggregatorServer: one gin router fronting a registry of
// per-source LocalCollectors.
type Server struct {
	cfg    Config
	router *gin.Engine
	http   *http.Server

	mu      sync.Mutex
	sources map[string]*collector.Local

	enabled bool
	deltas  *deltaStore
}

// New constructs a Server. Call Run to start serving.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		router:  gin.New(),
		sources: make(map[string]*collector.Local),
		enabled: true,
		deltas:  newDeltaStore(),
	}
	s.router.Use(gin.Recovery())
	s.router.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router.Use(corsMiddleware())
	s.router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFeedBodyBytes)
		c.Next()
	})
	s.registerRoutes()
	return s
}

// corsMiddleware mirrors the teacher's hand-rolled header middleware
// rather than pulling in a separate CORS library: feed/conf traffic comes
// from profiled services, not browsers, so a permissive wildcard is fine.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) registerRoutes() {
	s.router.POST("/feed", s.handleFeed)
	s.router.POST("/conf", s.handleConf)
	s.router.GET("/e", s.handleEnabledPoll)
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/admin/reset-config", s.handleResetConfig)
}

// Run starts the HTTP listener and blocks until ctx is canceled or the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// SetEnabled flips the server's global switch observed by GET /e.
func (s *Server) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *Server) isEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// collectorFor returns (creating on miss) the LocalCollector for
// sourceKey, rooted at the server's logPath/archivePath.
func (s *Server) collectorFor(sourceKey string) *collector.Local {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.sources[sourceKey]; ok {
		return c
	}

	fl := logger.NewFileLogger(
		sourceKey, s.cfg.LogPath, s.cfg.ArchivePath, s.cfg.Bus,
		logger.WithMaxLogSizeBytes(s.cfg.MaxLogSizeBytes),
		logger.WithMaxArchiveSizeBytes(s.cfg.MaxArchiveSizeBytes),
		logger.WithArchivingModulo(s.cfg.LogRequestArchivingModulo),
	)
	c := collector.NewLocal(sourceKey, fl, s.cfg.Bus, sampler.Default(), s.cfg.FlushDelay)
	c.SetDefaultSortColumn(s.cfg.DefaultSortColumn)
	c.SetDefaultVerbosity(s.cfg.DefaultVerbosity)
	s.sources[sourceKey] = c
	return c
}

type feedRequest struct {
	TargetStats *profiling.Stats `json:"targetStats"`
	Hit         *profiling.Hit   `json:"hit"`
	BucketKey   string           `json:"bucketKey"`
	Text        string           `json:"text"`
	Time        *time.Time       `json:"time"`
	SourceKey   string           `json:"sourceKey"`
	Cts         *[2]*int64       `json:"cts"`
}

type deltaResponse struct {
	Ctimes        config.ChangeTimes           `json:"ctimes"`
	DeltaConfig   map[string]config.DeltaEntry `json:"deltaConfig,omitempty"`
	CurrentConfig config.ConfigurationRecord   `json:"currentConfig,omitempty"`
}

func ctsToChangeTimes(cts *[2]*int64) config.ChangeTimes {
	if cts == nil {
		return config.ChangeTimes{}
	}
	return config.ChangeTimes{Cmd: cts[0], Cfg: cts[1]}
}

func (s *Server) handleFeed(c *gin.Context) {
	var req feedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	sourceKey := deriveSourceKey(c.ClientIP(), req.SourceKey)
	local := s.collectorFor(sourceKey)

	switch {
	case req.Hit != nil && req.TargetStats != nil:
		local.Feed(*req.TargetStats, req.Hit)
	case req.BucketKey != "":
		at := time.Now()
		if req.Time != nil {
			at = *req.Time
		}
		local.Log(req.BucketKey, req.Text, at)
	}

	if req.Cts == nil {
		c.Status(http.StatusNoContent)
		return
	}

	delta := s.deltas.DeltaFor(ctsToChangeTimes(req.Cts))
	if len(delta) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, deltaResponse{
		Ctimes:        s.deltas.Ctimes(),
		DeltaConfig:   delta,
		CurrentConfig: s.deltas.Current(),
	})
}

type confRequest struct {
	Cts *[2]*int64 `json:"cts"`
}

func (s *Server) handleConf(c *gin.Context) {
	var req confRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Cts == nil {
		c.Status(http.StatusBadRequest)
		return
	}

	delta := s.deltas.DeltaFor(ctsToChangeTimes(req.Cts))
	resp := deltaResponse{
		Ctimes:        s.deltas.Ctimes(),
		CurrentConfig: s.deltas.Current(),
	}
	if len(delta) > 0 {
		resp.DeltaConfig = delta
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEnabledPoll(c *gin.Context) {
	if !s.isEnabled() {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ctimes": s.deltas.Ctimes()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleResetConfig drops every pushed configuration override, the
// server-side counterpart of the hitprofd reset-config subcommand.
func (s *Server) handleResetConfig(c *gin.Context) {
	s.deltas.Reset()
	c.Status(http.StatusNoContent)
}

package control

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/groupqueue"
	"github.com/meridian-obs/meridian/internal/logging"
	"github.com/meridian-obs/meridian/internal/metrics"
	"github.com/meridian-obs/meridian/internal/registry"
	"github.com/meridian-obs/meridian/internal/scheduler"
)

// defaultStopGrace bounds how long POST /scheduler/stop waits for in-flight
// stages when the request does not say.
const defaultStopGrace = 30 * time.Second

// SchedulerControl is the slice of the scheduler the control plane drives.
type SchedulerControl interface {
	Start() error
	Stop(ctx context.Context, grace time.Duration) (int, error)
	Restart(ctx context.Context, grace time.Duration) error
	Pause(reason string) error
	Resume() error
	SubmitManual(ctx context.Context, groupID string) error
	Snapshot() scheduler.Status
}

// IngestStatus reports watcher health for GET /status.
type IngestStatus interface {
	Status() (ok bool, reason string)
}

// Server is the HTTP/WebSocket control plane.
type Server struct {
	store   *groupqueue.Store
	reg     *registry.Registry
	sched   SchedulerControl
	watch   IngestStatus
	bus     *event.Bus
	rt      *config.Runtime
	log     *logging.Logger
	metrics *metrics.Metrics

	hub       *hub
	srv       *http.Server
	startedAt time.Time

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer wires the route table. The listener starts with Run.
func NewServer(store *groupqueue.Store, reg *registry.Registry, sched SchedulerControl, watch IngestStatus, bus *event.Bus, rt *config.Runtime, log *logging.Logger, m *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:     store,
		reg:       reg,
		sched:     sched,
		watch:     watch,
		bus:       bus,
		rt:        rt,
		log:       log.WithComponent("control"),
		metrics:   m,
		hub:       newHub(bus, log, m),
		startedAt: time.Now(),
	}

	engine := gin.New()
	// Match on the raw path so percent-encoded data IDs (staged paths
	// contain slashes) survive routing as a single segment.
	engine.UseRawPath = true
	engine.Use(requestLogger(s.log), gin.Recovery())
	s.routes(engine)

	s.srv = &http.Server{
		Addr:    rt.Snapshot().ListenAddr,
		Handler: engine,
	}
	return s
}

func (s *Server) routes(e *gin.Engine) {
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	e.GET("/events", s.hub.handleWS)

	e.GET("/config", s.handleGetConfig)
	e.POST("/config", s.handleUpdateConfig)

	sch := e.Group("/scheduler")
	sch.POST("/start", s.handleSchedulerStart)
	sch.POST("/stop", s.handleSchedulerStop)
	sch.POST("/restart", s.handleSchedulerRestart)
	sch.POST("/pause", s.handleSchedulerPause)
	sch.POST("/resume", s.handleSchedulerResume)

	groups := e.Group("/groups")
	groups.GET("", s.handleListGroups)
	groups.GET("/:id", s.handleGetGroup)
	groups.POST("/:id/reset", s.handleResetGroup)
	groups.POST("/:id/submit", s.handleSubmitGroup)

	products := e.Group("/products")
	products.GET("", s.handleListProducts)
	products.GET("/:data_id", s.handleGetProduct)
	products.POST("/:data_id/publish", s.handlePublishProduct)
	products.POST("/:data_id/finalize", s.handleFinalizeProduct)

	pub := e.Group("/publish")
	pub.GET("/failed", s.handleListFailedPublishes)
	pub.POST("/retry-all", s.handleRetryAllPublishes)

	e.GET("/pointing", s.handlePointingRange)
	e.POST("/pointing", s.handleAddPointing)
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until Shutdown is called or the listener fails.
func (s *Server) Run() error {
	s.log.Info("control plane listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "control plane on %s", s.srv.Addr)
	}
	return nil
}

// Shutdown disconnects event stream clients and drains in-flight requests.
// Safe to call more than once; later calls return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.hub.close()
		s.shutdownErr = s.srv.Shutdown(ctx)
		s.log.Info("control plane stopped")
	})
	return s.shutdownErr
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"options-core/internal/deployment"
	"options-core/internal/events"
	"options-core/internal/monitor"
	"options-core/internal/replay"
	"options-core/internal/runner"
	"options-core/pkg/logger"
)

// Deployments is the orchestrator surface the API drives.
type Deployments interface {
	Deploy(ctx context.Context, req deployment.Request) (deployment.Record, error)
	Get(ctx context.Context, id string) (deployment.Record, error)
	List(ctx context.Context) ([]deployment.Record, error)
	Pause(ctx context.Context, id string) (deployment.Record, error)
	Resume(ctx context.Context, id string) (deployment.Record, error)
	Stop(ctx context.Context, id string) (deployment.Record, error)
	RefreshSession(ctx context.Context, id, token string) (deployment.Record, error)
	Delete(ctx context.Context, id, archivedBy string) error
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Version     string   `json:"version"`
	Feed        string   `json:"feed"`
	Instruments []string `json:"instruments"`
	DryRun      bool     `json:"dry_run"`
	InstanceID  string   `json:"instance_id"`
}

// Config wires the server. Replays and Metrics may be nil.
type Config struct {
	Bus         *events.Bus
	Registry    *runner.Registry
	Deployments Deployments
	Replays     *replay.Manager
	Metrics     *monitor.Metrics
	JWTSecret   string
	APIKey      string
	RatePerSec  float64
	Burst       int
	Meta        SystemMeta
}

// Server wires HTTP endpoints around the orchestrator, the replay manager
// and the event bus.
type Server struct {
	Router *gin.Engine
	cfg    Config
	log    *zap.SugaredLogger
}

func NewServer(cfg Config) *Server {
	log := logger.Named("api")
	r := gin.New()

	r.Use(Recovery(log))
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, cfg.Metrics))
	r.Use(RateLimitMiddleware(newIPLimiter(cfg.RatePerSec, cfg.Burst, 5*time.Minute)))
	r.Use(CORSMiddleware())

	s := &Server{Router: r, cfg: cfg, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	api.POST("/auth/token", s.issueToken)

	protected := api.Group("")
	protected.Use(AuthMiddleware(s.cfg.JWTSecret))
	{
		protected.GET("/system/status", s.systemStatus)
		protected.GET("/metrics", s.metrics)

		protected.GET("/runners", s.listRunners)
		protected.GET("/runners/:id", s.getRunner)

		protected.GET("/deployments", s.listDeployments)
		protected.POST("/deployments", s.createDeployment)
		protected.GET("/deployments/:id", s.getDeployment)
		protected.POST("/deployments/:id/pause", s.pauseDeployment)
		protected.POST("/deployments/:id/resume", s.resumeDeployment)
		protected.POST("/deployments/:id/stop", s.stopDeployment)
		protected.POST("/deployments/:id/session", s.refreshSession)
		protected.DELETE("/deployments/:id", s.deleteDeployment)

		protected.GET("/replays", s.listReplays)
		protected.POST("/replays", s.startReplay)
		protected.GET("/replays/:id", s.getReplay)
		protected.POST("/replays/:id/pause", s.pauseReplay)
		protected.POST("/replays/:id/resume", s.resumeReplay)
		protected.POST("/replays/:id/speed", s.replaySpeed)
		protected.POST("/replays/:id/stop", s.stopReplay)

		protected.POST("/backtests", s.runBacktest)
	}

	ws := s.Router.Group("")
	ws.Use(AuthMiddleware(s.cfg.JWTSecret))
	ws.GET("/ws", s.websocket)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"options-core/internal/backtest"
	"options-core/internal/deployment"
	"options-core/internal/errs"
	"options-core/internal/market"
	"options-core/internal/replay"
	"options-core/internal/runner"
	"options-core/internal/strategy"
)

const (
	maxBacktestCandles = 200000
	backtestTimeout    = 2 * time.Minute
)

type sessionRequest struct {
	SessionToken string `json:"session_token" binding:"required"`
}

type replayRequest struct {
	Name        string          `json:"name"`
	Params      strategy.Params `json:"params"`
	Candles     []market.Candle `json:"candles" binding:"required,min=1"`
	Speed       float64         `json:"speed"`
	BaseDelayMS int             `json:"base_delay_ms"`
}

type speedRequest struct {
	Speed float64 `json:"speed"`
}

type backtestRequest struct {
	Params  strategy.Params `json:"params"`
	Candles []market.Candle `json:"candles" binding:"required,min=1"`
	Grid    *backtest.Grid  `json:"grid"`
	Workers int             `json:"workers"`
	Top     int             `json:"top"`
}

// replayView is the JSON shape of a replay session.
type replayView struct {
	ID       string          `json:"id"`
	Started  time.Time       `json:"started_at"`
	Progress runner.Progress `json:"progress"`
	Status   runner.Status   `json:"status"`
}

func viewReplay(s *replay.Session) replayView {
	return replayView{ID: s.ID, Started: s.Started, Progress: s.Driver.Progress(), Status: s.Runner.Status()}
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": code, "error": msg})
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, deployment.ErrNotFound), errors.Is(err, replay.ErrSessionNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, deployment.ErrInvalidTransition):
		status, code = http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	default:
		switch errs.KindOf(err) {
		case errs.KindValidation:
			status, code = http.StatusBadRequest, "VALIDATION_FAILED"
		case errs.KindSessionInvalid:
			status, code = http.StatusUnprocessableEntity, "SESSION_INVALID"
		case errs.KindTransient:
			status, code = http.StatusServiceUnavailable, "BROKER_UNAVAILABLE"
		case errs.KindPermanent:
			status, code = http.StatusBadGateway, "BROKER_REJECTED"
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request failed", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, gin.H{"code": code, "error": errs.Reason(err)})
}

func (s *Server) systemStatus(c *gin.Context) {
	out := gin.H{"meta": s.cfg.Meta}
	if s.cfg.Registry != nil {
		out["runners"] = s.cfg.Registry.Len()
	}
	if s.cfg.Replays != nil {
		out["replays"] = len(s.cfg.Replays.List())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) metrics(c *gin.Context) {
	if s.cfg.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "METRICS_DISABLED", "error": "metrics not configured"})
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Metrics.SetDropped(s.cfg.Bus.Dropped())
	}
	c.JSON(http.StatusOK, s.cfg.Metrics.Snapshot())
}

func (s *Server) listRunners(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Registry.Statuses())
}

func (s *Server) getRunner(c *gin.Context) {
	r, ok := s.cfg.Registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "runner not found"})
		return
	}
	c.JSON(http.StatusOK, r.Status())
}

func (s *Server) listDeployments(c *gin.Context) {
	recs, err := s.cfg.Deployments.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) getDeployment(c *gin.Context) {
	rec, err := s.cfg.Deployments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) createDeployment(c *gin.Context) {
	var req deployment.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_PAYLOAD", err.Error())
		return
	}
	rec, err := s.cfg.Deployments.Deploy(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// transition wraps the single-id deployment actions.
func (s *Server) transition(fn func(ctx context.Context, id string) (deployment.Record, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := fn(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func (s *Server) pauseDeployment(c *gin.Context)  { s.transition(s.cfg.Deployments.Pause)(c) }
func (s *Server) resumeDeployment(c *gin.Context) { s.transition(s.cfg.Deployments.Resume)(c) }
func (s *Server) stopDeployment(c *gin.Context)   { s.transition(s.cfg.Deployments.Stop)(c) }

func (s *Server) refreshSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_PAYLOAD", "session_token is required")
		return
	}
	rec, err := s.cfg.Deployments.RefreshSession(c.Request.Context(), c.Param("id"), req.SessionToken)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// deleteDeployment archives as user@instance so the archive row names the
// host that removed it.
func (s *Server) deleteDeployment(c *gin.Context) {
	archivedBy := CurrentUserID(c)
	if s.cfg.Meta.InstanceID != "" {
		archivedBy += "@" + s.cfg.Meta.InstanceID
	}
	if err := s.cfg.Deployments.Delete(c.Request.Context(), c.Param("id"), archivedBy); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) replays(c *gin.Context) (*replay.Manager, bool) {
	if s.cfg.Replays == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "REPLAY_DISABLED", "error": "replay not configured"})
		return nil, false
	}
	return s.cfg.Replays, true
}

func (s *Server) listReplays(c *gin.Context) {
	m, ok := s.replays(c)
	if !ok {
		return
	}
	sessions := m.List()
	out := make([]replayView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, viewReplay(sess))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) startReplay(c *gin.Context) {
	m, ok := s.replays(c)
	if !ok {
		return
	}
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_PAYLOAD", err.Error())
		return
	}
	sess, err := m.Start(replay.Request{
		Name:      req.Name,
		Params:    req.Params,
		Candles:   req.Candles,
		Speed:     req.Speed,
		BaseDelay: time.Duration(req.BaseDelayMS) * time.Millisecond,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewReplay(sess))
}

func (s *Server) getReplay(c *gin.Context) {
	m, ok := s.replays(c)
	if !ok {
		return
	}
	sess, err := m.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewReplay(sess))
}

// replayAction runs fn and answers with the session's current view.
func (s *Server) replayAction(c *gin.Context, fn func(m *replay.Manager, id string) error) {
	m, ok := s.replays(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := fn(m, id); err != nil {
		s.writeError(c, err)
		return
	}
	sess, err := m.Get(id)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"id": id, "stopped": true})
		return
	}
	c.JSON(http.StatusOK, viewReplay(sess))
}

func (s *Server) pauseReplay(c *gin.Context) {
	s.replayAction(c, func(m *replay.Manager, id string) error { return m.Pause(id) })
}

func (s *Server) stopReplay(c *gin.Context) {
	s.replayAction(c, func(m *replay.Manager, id string) error { return m.Stop(id) })
}

func (s *Server) resumeReplay(c *gin.Context) {
	var req speedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "INVALID_PAYLOAD", err.Error())
			return
		}
	}
	s.replayAction(c, func(m *replay.Manager, id string) error { return m.Resume(id, req.Speed) })
}

func (s *Server) replaySpeed(c *gin.Context) {
	var req speedRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Speed <= 0 {
		badRequest(c, "INVALID_PAYLOAD", "speed must be positive")
		return
	}
	s.replayAction(c, func(m *replay.Manager, id string) error { return m.SetSpeed(id, req.Speed) })
}

// runBacktest evaluates one parameter set, or ranks a grid when one is
// given.
func (s *Server) runBacktest(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_PAYLOAD", err.Error())
		return
	}
	if len(req.Candles) > maxBacktestCandles {
		badRequest(c, "TOO_MANY_CANDLES", "candle series is too long")
		return
	}

	if req.Grid == nil {
		res, err := backtest.Evaluate(req.Params, req.Candles)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), backtestTimeout)
	defer cancel()
	ranked, err := backtest.Optimize(ctx, req.Params, *req.Grid, req.Candles, req.Workers)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if req.Top > 0 && req.Top < len(ranked) {
		ranked = ranked[:req.Top]
	}
	c.JSON(http.StatusOK, gin.H{"ranked": ranked})
}

package replay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"options-core/internal/events"
	"options-core/internal/market"
	"options-core/internal/monitor"
	"options-core/internal/runner"
	"options-core/internal/strategy"
	"options-core/pkg/logger"
)

var ErrSessionNotFound = errors.New("replay session not found")

// DefaultRetention is how long a finished session stays queryable.
const DefaultRetention = 10 * time.Minute

// Request starts a replay session.
type Request struct {
	Name      string          `json:"name"`
	Params    strategy.Params `json:"params"`
	Candles   []market.Candle `json:"candles"`
	Speed     float64         `json:"speed"`
	BaseDelay time.Duration   `json:"base_delay"`
}

// Session is one running or finished replay.
type Session struct {
	ID      string
	Runner  *runner.Runner
	Driver  *Driver
	Started time.Time

	cancel context.CancelFunc
}

// Manager keeps replay sessions by id. Replay runners are registered so
// they show up next to live ones; the dispatcher skips them.
type Manager struct {
	registry *runner.Registry
	bus      *events.Bus
	metrics  *monitor.Metrics
	clock    Clock
	delay    time.Duration
	retain   time.Duration
	log      *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(registry *runner.Registry, bus *events.Bus, metrics *monitor.Metrics, baseDelay time.Duration) *Manager {
	return &Manager{
		registry: registry,
		bus:      bus,
		metrics:  metrics,
		delay:    baseDelay,
		retain:   DefaultRetention,
		log:      logger.Named("replay"),
		sessions: make(map[string]*Session),
	}
}

// WithClock sets the pacing clock for new sessions.
func (m *Manager) WithClock(c Clock) *Manager {
	m.clock = c
	return m
}

// WithRetention sets how long finished sessions stay queryable. Zero drops
// them as soon as delivery ends.
func (m *Manager) WithRetention(d time.Duration) *Manager {
	m.retain = d
	return m
}

// Start validates the request, registers a replay runner and begins
// delivery in the background. Sessions outlive the caller's request. The
// runner is unregistered when the last candle is delivered or on Stop.
func (m *Manager) Start(req Request) (*Session, error) {
	id := "replay-" + uuid.NewString()[:8]
	name := req.Name
	if name == "" {
		name = id
	}
	p := req.Params.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r, err := runner.New(runner.Config{DeploymentID: id, Name: name, Params: p, Replay: true},
		runner.WithBus(m.bus), runner.WithMetrics(m.metrics))
	if err != nil {
		return nil, err
	}
	delay := req.BaseDelay
	if delay <= 0 {
		delay = m.delay
	}
	d, err := NewDriver(r, req.Candles, Options{BaseDelay: delay, Speed: req.Speed, Clock: m.clock})
	if err != nil {
		return nil, err
	}
	if err := m.registry.Add(r); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{ID: id, Runner: r, Driver: d, Started: time.Now(), cancel: cancel}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go func() {
		if err := d.Run(runCtx); err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
			m.log.Errorw("replay failed", "session", id, "err", err)
		}
		m.finish(s)
	}()
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (m *Manager) Pause(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Driver.Pause()
	return nil
}

func (m *Manager) Resume(id string, speed float64) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Driver.Resume(speed)
}

func (m *Manager) SetSpeed(id string, speed float64) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Driver.SetSpeed(speed)
}

// finish unregisters the runner once delivery has ended and forgets the
// session after the retention period.
func (m *Manager) finish(s *Session) {
	s.cancel()
	m.registry.Remove(s.ID)
	m.log.Infow("replay finished", "session", s.ID, "progress", s.Driver.Progress())
	if m.retain <= 0 {
		m.forget(s)
		return
	}
	time.AfterFunc(m.retain, func() { m.forget(s) })
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.ID]; ok && cur == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
}

// Stop ends a session, running or finished, and unregisters its runner.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Driver.Stop()
	<-s.Driver.Done()
	s.cancel()
	m.registry.Remove(id)
	return nil
}

// StopAll stops every session, e.g. at shutdown.
func (m *Manager) StopAll() {
	for _, s := range m.List() {
		_ = m.Stop(s.ID)
	}
}

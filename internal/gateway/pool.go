package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"options-core/internal/monitor"
	"options-core/pkg/broker"
	"options-core/pkg/logger"
)

var (
	ErrSessionNotFound = errors.New("no broker session for deployment")
	ErrPoolFull        = errors.New("gateway pool is full")
)

// Decrypter turns a stored session token back into plaintext.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// PoolConfig bounds the pool and schedules its housekeeping. Sessions for
// which InUse reports true are never evicted or closed as idle.
type PoolConfig struct {
	MaxSize        int
	IdleTimeout    time.Duration
	HealthInterval time.Duration
	Adapter        Config
	InUse          func(deploymentID string) bool
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:        64,
		IdleTimeout:    2 * time.Hour,
		HealthInterval: 5 * time.Minute,
		Adapter:        DefaultConfig(),
	}
}

type pooled struct {
	adapter  *Adapter
	lastUsed time.Time
	healthy  bool
}

// Pool keeps one Adapter per deployment, built on first use from the
// deployment's encrypted session token.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*pooled

	cfg     PoolConfig
	factory broker.Factory
	crypt   Decrypter
	metrics *monitor.Metrics
	opts    []Option
	log     *zap.SugaredLogger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewPool(factory broker.Factory, crypt Decrypter, metrics *monitor.Metrics, cfg PoolConfig, opts ...Option) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultPoolConfig().MaxSize
	}
	return &Pool{
		sessions: make(map[string]*pooled),
		cfg:      cfg,
		factory:  factory,
		crypt:    crypt,
		metrics:  metrics,
		opts:     opts,
		log:      logger.Named("gateway-pool"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs idle cleanup and session health checks until ctx ends or Stop.
func (p *Pool) Start(ctx context.Context) {
	if p.cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.every(ctx, p.cfg.IdleTimeout/2, p.cleanupIdle)
	}
	if p.cfg.HealthInterval > 0 {
		p.wg.Add(1)
		go p.every(ctx, p.cfg.HealthInterval, func() { p.healthCheckAll(ctx) })
	}
}

func (p *Pool) every(ctx context.Context, d time.Duration, fn func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Open returns the adapter for a deployment, creating it from the stored
// token when needed.
func (p *Pool) Open(deploymentID, encryptedToken string) (*Adapter, error) {
	p.mu.RLock()
	if s, ok := p.sessions[deploymentID]; ok {
		p.mu.RUnlock()
		p.touch(deploymentID)
		return s.adapter, nil
	}
	p.mu.RUnlock()

	token := encryptedToken
	if p.crypt != nil && encryptedToken != "" {
		plain, err := p.crypt.Decrypt(encryptedToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt session token: %w", err)
		}
		token = plain
	}
	b, err := p.factory(token)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[deploymentID]; ok {
		s.lastUsed = time.Now()
		return s.adapter, nil
	}
	if len(p.sessions) >= p.cfg.MaxSize && !p.evictOldestLocked() {
		return nil, ErrPoolFull
	}
	opts := append([]Option{WithMetrics(p.metrics)}, p.opts...)
	a := NewAdapter(deploymentID, b, p.cfg.Adapter, opts...)
	p.sessions[deploymentID] = &pooled{adapter: a, lastUsed: time.Now(), healthy: true}
	return a, nil
}

// Get returns an already opened adapter.
func (p *Pool) Get(deploymentID string) (*Adapter, error) {
	p.mu.RLock()
	s, ok := p.sessions[deploymentID]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	p.touch(deploymentID)
	return s.adapter, nil
}

// Remove forgets a deployment's session, e.g. after a token refresh.
func (p *Pool) Remove(deploymentID string) {
	p.mu.Lock()
	delete(p.sessions, deploymentID)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.RemoveGateway(deploymentID)
	}
}

// PoolStats summarizes the pool.
type PoolStats struct {
	Sessions  int `json:"sessions"`
	MaxSize   int `json:"max_size"`
	Unhealthy int `json:"unhealthy"`
}

func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := PoolStats{Sessions: len(p.sessions), MaxSize: p.cfg.MaxSize}
	for _, s := range p.sessions {
		if !s.healthy || s.adapter.Stats().CircuitOpen {
			st.Unhealthy++
		}
	}
	return st
}

func (p *Pool) touch(id string) {
	p.mu.Lock()
	if s, ok := p.sessions[id]; ok {
		s.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

func (p *Pool) inUse(id string) bool {
	return p.cfg.InUse != nil && p.cfg.InUse(id)
}

// evictOldestLocked drops the least recently used session that no running
// deployment holds.
func (p *Pool) evictOldestLocked() bool {
	var oldest string
	var at time.Time
	for id, s := range p.sessions {
		if p.inUse(id) {
			continue
		}
		if oldest == "" || s.lastUsed.Before(at) {
			oldest, at = id, s.lastUsed
		}
	}
	if oldest == "" {
		return false
	}
	delete(p.sessions, oldest)
	p.log.Infow("broker session evicted", "deployment", oldest)
	return true
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for id, s := range p.sessions {
		if now.Sub(s.lastUsed) > p.cfg.IdleTimeout && !p.inUse(id) {
			delete(p.sessions, id)
			p.log.Infow("idle broker session closed", "deployment", id)
		}
	}
}

func (p *Pool) healthCheckAll(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		p.mu.RLock()
		s, ok := p.sessions[id]
		p.mu.RUnlock()
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.adapter.b.ValidateSession(cctx)
		cancel()

		p.mu.Lock()
		s.healthy = err == nil
		p.mu.Unlock()
		if err != nil {
			p.log.Warnw("broker session unhealthy", "deployment", id, "err", err)
		}
	}
}

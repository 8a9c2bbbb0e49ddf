// Package gateway wraps broker sessions with retry, classification, rate
// limiting and a failure circuit, and pools one adapter per deployment.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"options-core/internal/errs"
	"options-core/internal/monitor"
	"options-core/pkg/broker"
	"options-core/pkg/logger"
)

// ErrCircuitOpen is returned while the adapter refuses calls after a streak
// of transient failures.
var ErrCircuitOpen = errors.New("broker circuit open")

// Config holds the retry and protection settings.
type Config struct {
	Attempts         int           // total tries per call
	Backoff          time.Duration // sleep before retry n is n*Backoff
	CallTimeout      time.Duration // per attempt; 0 leaves the caller's deadline
	RatePerSec       float64
	Burst            int
	FailureThreshold int // consecutive transient failures that open the circuit
	CircuitTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Attempts:         3,
		Backoff:          1500 * time.Millisecond,
		CallTimeout:      10 * time.Second,
		RatePerSec:       8,
		Burst:            4,
		FailureThreshold: 6,
		CircuitTimeout:   time.Minute,
	}
}

// Adapter is the only path from the engine to a broker session.
type Adapter struct {
	id      string
	b       broker.Broker
	cfg     Config
	limiter *rate.Limiter
	metrics *monitor.Metrics
	log     *zap.SugaredLogger
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	mu       sync.Mutex
	stats    monitor.GatewayStats
	openedAt time.Time
}

// Option customizes an Adapter.
type Option func(*Adapter)

func WithMetrics(m *monitor.Metrics) Option { return func(a *Adapter) { a.metrics = m } }

// WithSleep replaces the backoff sleep, e.g. to record delays in tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Adapter) { a.sleep = fn }
}

func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

func NewAdapter(id string, b broker.Broker, cfg Config, opts ...Option) *Adapter {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	a := &Adapter{
		id:      id,
		b:       b,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.Named("gateway").With("deployment", id),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats returns the adapter's failure picture.
func (a *Adapter) Stats() monitor.GatewayStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.CircuitOpen = a.circuitOpenLocked()
	return s
}

func (a *Adapter) circuitOpenLocked() bool {
	if a.cfg.FailureThreshold <= 0 || a.stats.Streak < a.cfg.FailureThreshold {
		return false
	}
	return a.now().Sub(a.openedAt) < a.cfg.CircuitTimeout
}

func (a *Adapter) admit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.circuitOpenLocked() {
		return ErrCircuitOpen
	}
	a.stats.Calls++
	return nil
}

func (a *Adapter) record(err error) {
	a.mu.Lock()
	if err == nil {
		a.stats.Streak = 0
	} else {
		a.stats.Failures++
		a.stats.LastError = err.Error()
		a.stats.LastFailedAt = a.now()
		if errs.KindOf(err) == errs.KindTransient {
			a.stats.Streak++
			if a.cfg.FailureThreshold > 0 && a.stats.Streak >= a.cfg.FailureThreshold {
				a.openedAt = a.now()
			}
		}
	}
	stats := a.stats
	stats.CircuitOpen = a.circuitOpenLocked()
	a.mu.Unlock()

	if a.metrics != nil {
		if err != nil {
			a.metrics.IncBrokerFailures()
		}
		a.metrics.SetGateway(a.id, stats)
	}
}

// classify keeps an existing kind and otherwise derives one.
func classify(op string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	switch errs.KindOf(err) {
	case errs.KindTransient:
		return errs.Transient(op, err)
	default:
		return errs.Permanent(op, err)
	}
}

// call runs fn under the retry policy. SessionInvalid and permanent errors
// surface on first occurrence; transient errors are retried with linear
// backoff until the attempt budget is spent.
func call[T any](ctx context.Context, a *Adapter, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.BrokerLatency.RecordDuration(time.Since(start))
		}
	}()

	var last error
	for attempt := 1; attempt <= a.cfg.Attempts; attempt++ {
		if err := a.admit(); err != nil {
			return zero, errs.Transient(op, err)
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return zero, errs.Transient(op, err)
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if a.cfg.CallTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
		}
		v, err := fn(actx)
		cancel()

		if err == nil {
			a.record(nil)
			return v, nil
		}
		err = classify(op, err)
		a.record(err)
		last = err

		switch errs.KindOf(err) {
		case errs.KindSessionInvalid:
			a.log.Warnw("broker session invalid", "op", op, "err", err)
			return zero, err
		case errs.KindTransient:
		default:
			return zero, err
		}

		if attempt == a.cfg.Attempts {
			break
		}
		delay := time.Duration(attempt) * a.cfg.Backoff
		a.log.Infow("retrying broker call", "op", op, "attempt", attempt, "delay", delay, "err", err)
		if serr := a.sleep(ctx, delay); serr != nil {
			return zero, errs.Transient(op, fmt.Errorf("%w (retry aborted: %v)", last, serr))
		}
	}
	return zero, errs.Transient(op, fmt.Errorf("gave up after %d attempts: %w", a.cfg.Attempts, last))
}

func (a *Adapter) ValidateSession(ctx context.Context) error {
	_, err := call(ctx, a, "validate session", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.b.ValidateSession(ctx)
	})
	return err
}

func (a *Adapter) Quote(ctx context.Context, symbol string) (float64, error) {
	return call(ctx, a, "quote", func(ctx context.Context) (float64, error) {
		return a.b.Quote(ctx, symbol)
	})
}

// PlaceOrder retries like every other call, but before a retry it looks for
// an order carrying the same tag in case the failed attempt reached the venue.
func (a *Adapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	tried := false
	return call(ctx, a, "place order", func(ctx context.Context) (broker.Order, error) {
		if tried && req.Tag != "" {
			if orders, err := a.b.Orders(ctx); err == nil {
				for _, o := range orders {
					if o.Tag == req.Tag {
						return o, nil
					}
				}
			}
		}
		tried = true
		return a.b.PlaceOrder(ctx, req)
	})
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	_, err := call(ctx, a, "cancel order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.b.CancelOrder(ctx, orderID)
	})
	return err
}

func (a *Adapter) ModifyOrder(ctx context.Context, orderID string, price float64, qty int) (broker.Order, error) {
	return call(ctx, a, "modify order", func(ctx context.Context) (broker.Order, error) {
		return a.b.ModifyOrder(ctx, orderID, price, qty)
	})
}

func (a *Adapter) Margins(ctx context.Context) (broker.Margins, error) {
	return call(ctx, a, "margins", func(ctx context.Context) (broker.Margins, error) {
		return a.b.Margins(ctx)
	})
}

func (a *Adapter) Orders(ctx context.Context) ([]broker.Order, error) {
	return call(ctx, a, "orders", func(ctx context.Context) ([]broker.Order, error) {
		return a.b.Orders(ctx)
	})
}

func (a *Adapter) Positions(ctx context.Context) ([]broker.Position, error) {
	return call(ctx, a, "positions", func(ctx context.Context) ([]broker.Position, error) {
		return a.b.Positions(ctx)
	})
}

// QuoteSource adapts Quote for the option pricer.
func (a *Adapter) QuoteSource() QuoteFunc { return a.Quote }

// QuoteFunc satisfies option.QuoteSource.
type QuoteFunc func(ctx context.Context, symbol string) (float64, error)

func (f QuoteFunc) Quote(ctx context.Context, symbol string) (float64, error) { return f(ctx, symbol) }

var _ broker.Broker = (*Adapter)(nil)

// Package replay feeds a historical candle series into a runner at a
// controllable pace.
package replay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"options-core/internal/errs"
	"options-core/internal/market"
	"options-core/internal/runner"
	"options-core/pkg/logger"
)

// ErrStopped is returned by Run after Stop.
var ErrStopped = errors.New("replay stopped")

// MaxSpeed caps the speed multiplier.
const MaxSpeed = 1000.0

// Clock paces candle delivery.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Options struct {
	BaseDelay time.Duration // delay per candle at speed 1
	Speed     float64
	Clock     Clock
}

// Driver delivers one candle every BaseDelay/speed. Pause closes a gate the
// delivery loop waits on, so a paused replay costs nothing while idle.
type Driver struct {
	r       *runner.Runner
	candles []market.Candle
	base    time.Duration
	clock   Clock
	log     *zap.SugaredLogger

	mu        sync.Mutex
	speed     float64
	paused    bool
	gate      chan struct{} // closed while running
	delivered int
	done      bool

	stopOnce sync.Once
	stopCh   chan struct{}
	finished chan struct{}
}

func NewDriver(r *runner.Runner, candles []market.Candle, opts Options) (*Driver, error) {
	if len(candles) == 0 {
		return nil, errs.Validation("replay needs at least one candle")
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].Start.After(candles[i-1].Start) {
			return nil, errs.Validation("candles must be in ascending time order (index %d)", i)
		}
	}
	if opts.Speed == 0 {
		opts.Speed = 1
	}
	if err := checkSpeed(opts.Speed); err != nil {
		return nil, err
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	gate := make(chan struct{})
	close(gate)
	return &Driver{
		r:        r,
		candles:  candles,
		base:     opts.BaseDelay,
		clock:    opts.Clock,
		log:      logger.Named("replay").With("session", r.ID()),
		speed:    opts.Speed,
		gate:     gate,
		stopCh:   make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

func checkSpeed(s float64) error {
	if s <= 0 || s > MaxSpeed {
		return errs.Validation("speed must be in (0, %v], got %v", MaxSpeed, s)
	}
	return nil
}

// Run delivers the series, then force-closes any open trade. Stop is
// honoured between candles.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.finished)
	d.publish()
	for i := range d.candles {
		if err := d.waitRunning(ctx); err != nil {
			return err
		}
		select {
		case <-d.clock.After(d.delay()):
		case <-d.stopCh:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
		// A pause requested during the delay holds this candle back.
		if err := d.waitRunning(ctx); err != nil {
			return err
		}
		if err := d.r.OnCandle(ctx, d.candles[i]); err != nil {
			return err
		}
		d.mu.Lock()
		d.delivered++
		d.mu.Unlock()
		d.publish()
	}
	if err := d.r.Finish(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.done = true
	d.mu.Unlock()
	d.publish()
	d.log.Infow("replay finished", "candles", len(d.candles))
	return nil
}

func (d *Driver) waitRunning(ctx context.Context) error {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	select {
	case <-d.stopCh:
		return ErrStopped
	default:
	}
	select {
	case <-gate:
		return nil
	case <-d.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) delay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(float64(d.base) / d.speed)
}

func (d *Driver) Pause() {
	d.mu.Lock()
	if !d.paused {
		d.paused = true
		d.gate = make(chan struct{})
	}
	d.mu.Unlock()
	d.publish()
}

// Resume continues delivery, optionally at a new speed (0 keeps the
// current one).
func (d *Driver) Resume(speed float64) error {
	if speed != 0 {
		if err := d.SetSpeed(speed); err != nil {
			return err
		}
	}
	d.mu.Lock()
	if d.paused {
		d.paused = false
		close(d.gate)
	}
	d.mu.Unlock()
	d.publish()
	return nil
}

// SetSpeed applies from the next candle.
func (d *Driver) SetSpeed(speed float64) error {
	if err := checkSpeed(speed); err != nil {
		return err
	}
	d.mu.Lock()
	d.speed = speed
	d.mu.Unlock()
	d.publish()
	return nil
}

func (d *Driver) Stop() { d.stopOnce.Do(func() { close(d.stopCh) }) }

// Done is closed when Run returns.
func (d *Driver) Done() <-chan struct{} { return d.finished }

func (d *Driver) Progress() runner.Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return runner.Progress{
		Delivered: d.delivered,
		Total:     len(d.candles),
		Speed:     d.speed,
		Paused:    d.paused,
		Done:      d.done,
	}
}

func (d *Driver) publish() {
	d.r.SetProgress(d.Progress())
	d.r.PublishStatus()
}

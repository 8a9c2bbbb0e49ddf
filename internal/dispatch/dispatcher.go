// Package dispatch fans the shared tick feed out to every live runner.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"options-core/internal/errs"
	"options-core/internal/events"
	"options-core/internal/market"
	"options-core/internal/runner"
	"options-core/pkg/logger"
)

// Target is the part of a runner the dispatcher drives.
type Target interface {
	ID() string
	IsReplay() bool
	Faulted() bool
	OnTicks(ctx context.Context, ticks []market.Tick) error
	Fail(err error)
	PublishStatus()
}

// Source lists the targets that should currently receive ticks.
type Source interface {
	Targets() []Target
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []Target

func (f SourceFunc) Targets() []Target { return f() }

// FromRegistry feeds every live, non-replay runner in reg.
func FromRegistry(reg *runner.Registry) Source {
	return SourceFunc(func() []Target {
		list := reg.List()
		out := make([]Target, 0, len(list))
		for _, r := range list {
			out = append(out, r)
		}
		return out
	})
}

// FaultFunc is told when a runner is marked unrecoverable.
type FaultFunc func(deploymentID string, err error)

// Fault is published on EventRunnerFault.
type Fault struct {
	DeploymentID string `json:"deployment_id"`
	Reason       string `json:"reason"`
}

func (f Fault) AlertText() string {
	return fmt.Sprintf("runner %s faulted: %s", f.DeploymentID, f.Reason)
}

type Config struct {
	BatchSize     int           // flush once this many ticks are pending
	FlushInterval time.Duration // flush pending ticks at least this often
	SendTimeout   time.Duration // drop a batch for a runner whose inbox stays full
	InboxSize     int
}

func DefaultConfig() Config {
	return Config{BatchSize: 64, FlushInterval: 50 * time.Millisecond, SendTimeout: 200 * time.Millisecond, InboxSize: 16}
}

// Stats counts dispatcher activity.
type Stats struct {
	Batches uint64 `json:"batches"`
	Dropped uint64 `json:"dropped"`
	Faults  uint64 `json:"faults"`
	Workers int    `json:"workers"`
}

type worker struct {
	t     Target
	inbox chan []market.Tick
}

// Dispatcher owns one worker goroutine per target so a slow or failing
// runner never holds up the others. Within a target, batches are processed
// in arrival order.
type Dispatcher struct {
	src     Source
	bus     *events.Bus
	cfg     Config
	onFault FaultFunc
	log     *zap.SugaredLogger

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup

	batches atomic.Uint64
	dropped atomic.Uint64
	faults  atomic.Uint64
}

func New(src Source, bus *events.Bus, cfg Config, onFault FaultFunc) *Dispatcher {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = d.SendTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = d.InboxSize
	}
	return &Dispatcher{
		src:     src,
		bus:     bus,
		cfg:     cfg,
		onFault: onFault,
		log:     logger.Named("dispatch"),
		workers: make(map[string]*worker),
	}
}

// Run consumes ticks until ctx is cancelled or the channel closes. Pending
// ticks are flushed and every worker drained before it returns.
func (d *Dispatcher) Run(ctx context.Context, ticks <-chan market.Tick) error {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()
	defer d.stopAll()

	batch := make([]market.Tick, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.dispatch(ctx, batch)
		batch = make([]market.Tick, 0, d.cfg.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, t)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// RunBus adapts the bus price topic to Run.
func (d *Dispatcher) RunBus(ctx context.Context) error {
	if d.bus == nil {
		return errors.New("dispatcher has no bus")
	}
	sub, unsub := d.bus.Subscribe(events.EventPriceTick, 1024)
	defer unsub()

	ticks := make(chan market.Tick, 1024)
	go func() {
		defer close(ticks)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				t, ok := msg.(market.Tick)
				if !ok {
					continue
				}
				select {
				case ticks <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return d.Run(ctx, ticks)
}

// dispatch hands one batch to every eligible target. The batch slice is
// shared read-only between workers. Only the Run goroutine calls it.
func (d *Dispatcher) dispatch(ctx context.Context, batch []market.Tick) {
	d.batches.Add(1)
	for _, w := range d.sync(ctx) {
		timer := time.NewTimer(d.cfg.SendTimeout)
		select {
		case w.inbox <- batch:
		case <-timer.C:
			d.dropped.Add(1)
			d.log.Warnw("runner inbox full; batch dropped", "deployment", w.t.ID(), "ticks", len(batch))
		case <-ctx.Done():
		}
		timer.Stop()
	}
}

// sync starts workers for new targets and retires workers whose target left
// the source.
func (d *Dispatcher) sync(ctx context.Context) []*worker {
	targets := d.src.Targets()
	seen := make(map[string]bool, len(targets))

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*worker, 0, len(targets))
	for _, t := range targets {
		if t.IsReplay() || t.Faulted() {
			continue
		}
		id := t.ID()
		seen[id] = true
		w, ok := d.workers[id]
		if !ok || w.t != t {
			if ok {
				close(w.inbox)
			}
			w = &worker{t: t, inbox: make(chan []market.Tick, d.cfg.InboxSize)}
			d.workers[id] = w
			d.wg.Add(1)
			go d.loop(ctx, w)
		}
		out = append(out, w)
	}
	for id, w := range d.workers {
		if !seen[id] {
			close(w.inbox)
			delete(d.workers, id)
		}
	}
	return out
}

func (d *Dispatcher) loop(ctx context.Context, w *worker) {
	defer d.wg.Done()
	for batch := range w.inbox {
		if !d.process(ctx, w.t, batch) {
			// Drain so senders never block on a dead worker.
			for range w.inbox {
			}
			return
		}
	}
}

// process runs one batch and converts a panic into an unrecoverable fault.
func (d *Dispatcher) process(ctx context.Context, t Target, batch []market.Tick) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			err := errs.Unrecoverable("runner "+t.ID(), fmt.Errorf("panic: %v", rec))
			d.log.Errorw("runner panicked", "deployment", t.ID(), "panic", rec, "stack", string(debug.Stack()))
			d.fault(t, err)
			ok = false
		}
	}()
	if err := t.OnTicks(ctx, batch); err != nil {
		if errors.Is(err, runner.ErrFaulted) {
			return false
		}
		d.log.Warnw("runner tick batch failed", "deployment", t.ID(), "err", err)
	}
	t.PublishStatus()
	return true
}

func (d *Dispatcher) fault(t Target, err error) {
	d.faults.Add(1)
	t.Fail(err)
	if d.bus != nil {
		d.bus.Publish(events.EventRunnerFault, Fault{DeploymentID: t.ID(), Reason: err.Error()})
	}
	t.PublishStatus()
	if d.onFault != nil {
		d.onFault(t.ID(), err)
	}
}

func (d *Dispatcher) stopAll() {
	d.mu.Lock()
	for id, w := range d.workers {
		close(w.inbox)
		delete(d.workers, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	n := len(d.workers)
	d.mu.Unlock()
	return Stats{Batches: d.batches.Load(), Dropped: d.dropped.Load(), Faults: d.faults.Load(), Workers: n}
}

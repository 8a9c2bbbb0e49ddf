// Package runner composes the candle aggregator, a strategy and its ledger
// into one per-deployment worker, and keeps the registry of live runners.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"options-core/internal/events"
	"options-core/internal/market"
	"options-core/internal/monitor"
	"options-core/internal/option"
	"options-core/internal/state"
	"options-core/internal/strategy"
	"options-core/pkg/logger"
)

// ErrFaulted is returned once a runner has been marked unrecoverable.
var ErrFaulted = errors.New("runner faulted")

// Audit event types.
const (
	AuditSignal    = "signal"
	AuditReplaced  = "signal_replaced"
	AuditEntry     = "entry"
	AuditExit      = "exit"
	AuditOrder     = "order"
	AuditOrderFail = "order_failed"
	AuditPaused    = "paused"
	AuditResumed   = "resumed"
	AuditFault     = "fault"
	AuditRestored  = "restored"
)

// OrderFunc places the broker order implied by an entry or exit.
type OrderFunc func(ctx context.Context, a strategy.Action) error

// Advisor is consulted when a signal forms. Its answer is only recorded.
type Advisor interface {
	Advise(ctx context.Context, deploymentID string, sig strategy.SignalCandle) (map[string]any, error)
}

// Checkpointer persists recoverable runner state.
type Checkpointer interface {
	Save(c state.Checkpoint) error
	Load(deploymentID string) (state.Checkpoint, bool, error)
}

// Config identifies a runner and its strategy.
type Config struct {
	DeploymentID string
	Name         string
	Params       strategy.Params
	Pricer       option.Pricer // nil prices from the premium model
	Replay       bool
	HistorySize  int
	AuditSize    int
}

// Runner is one strategy instance. Tick and candle processing is serialized
// by mu; status reads only take statusMu.
type Runner struct {
	id     string
	name   string
	params strategy.Params
	replay bool

	mu         sync.Mutex
	agg        *market.Aggregator
	strat      strategy.Strategy
	ledger     *strategy.Ledger
	lastCandle *market.Candle
	paused     bool
	fault      error

	statusMu sync.RWMutex
	status   Status
	audit    *AuditRing

	bus         *events.Bus
	metrics     *monitor.Metrics
	checkpoints Checkpointer
	orders      OrderFunc
	advisor     Advisor
	now         func() time.Time
	log         *zap.SugaredLogger
}

// Option customizes a Runner.
type Option func(*Runner)

func WithBus(b *events.Bus) Option { return func(r *Runner) { r.bus = b } }
func WithMetrics(m *monitor.Metrics) Option { return func(r *Runner) { r.metrics = m } }
func WithCheckpoints(c Checkpointer) Option { return func(r *Runner) { r.checkpoints = c } }
func WithOrders(fn OrderFunc) Option { return func(r *Runner) { r.orders = fn } }
func WithAdvisor(a Advisor) Option { return func(r *Runner) { r.advisor = a } }
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// New builds a runner. Invalid params are rejected before anything starts.
func New(cfg Config, opts ...Option) (*Runner, error) {
	if cfg.DeploymentID == "" {
		return nil, errors.New("runner needs a deployment id")
	}
	p := cfg.Params.WithDefaults()
	strat, err := strategy.New(p, cfg.Pricer)
	if err != nil {
		return nil, err
	}
	keep := cfg.HistorySize
	if keep <= 0 {
		keep = 500
	}
	agg, err := market.NewAggregator(p.CandleWidth, keep)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		id:     cfg.DeploymentID,
		name:   cfg.Name,
		params: p,
		replay: cfg.Replay,
		agg:    agg,
		strat:  strat,
		ledger: strategy.NewLedger(),
		audit:  NewAuditRing(cfg.AuditSize),
		now:    time.Now,
		log:    logger.Named("runner").With("deployment", cfg.DeploymentID),
	}
	for _, o := range opts {
		o(r)
	}
	r.refresh()
	return r, nil
}

func (r *Runner) ID() string { return r.id }
func (r *Runner) Params() strategy.Params { return r.params }
func (r *Runner) Instrument() string { return r.params.Instrument }
func (r *Runner) IsReplay() bool { return r.replay }

// SetOrders attaches or replaces the order path, e.g. after the broker
// session is opened.
func (r *Runner) SetOrders(fn OrderFunc) {
	r.mu.Lock()
	r.orders = fn
	r.mu.Unlock()
}

// OnTicks folds a batch of ticks into candles and evaluates the strategy on
// every finalized candle and on the in-progress one. Ticks for other
// instruments are ignored.
func (r *Runner) OnTicks(ctx context.Context, ticks []market.Tick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fault != nil {
		return ErrFaulted
	}
	if r.paused {
		return nil
	}

	var timer *monitor.Timer
	if r.metrics != nil {
		timer = monitor.NewTimer(r.metrics.TickLatency)
		r.metrics.AddTicks(len(ticks))
	}
	for _, t := range ticks {
		if ctx.Err() != nil {
			break
		}
		if t.Instrument != r.params.Instrument {
			continue
		}
		closed, current, err := r.agg.Add(t)
		if err != nil {
			r.log.Debugw("tick skipped", "err", err, "time", t.Time)
			continue
		}
		if closed != nil {
			r.evaluate(ctx, *closed)
		}
		r.evaluate(ctx, current)
	}
	if timer != nil {
		timer.Stop()
	}
	r.refresh()
	return nil
}

// OnCandle evaluates one finished candle. Replay and batch drivers feed
// candles directly instead of ticks.
func (r *Runner) OnCandle(ctx context.Context, c market.Candle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fault != nil {
		return ErrFaulted
	}
	if r.paused {
		return nil
	}
	c.Closed = true
	if c.Width == 0 {
		c.Width = r.params.CandleWidth
	}
	r.evaluate(ctx, c)
	r.refresh()
	return nil
}

// Finish force-closes an open trade on the last seen candle. Used at the
// end of a replay series.
func (r *Runner) Finish(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fault != nil {
		return ErrFaulted
	}
	if r.lastCandle != nil {
		r.handle(ctx, r.strat.Finish(*r.lastCandle))
	}
	r.refresh()
	return nil
}

func (r *Runner) evaluate(ctx context.Context, c market.Candle) {
	cc := c
	r.lastCandle = &cc
	r.handle(ctx, r.strat.Evaluate(c))
}

func (r *Runner) handle(ctx context.Context, a strategy.Action) {
	switch a.Type {
	case strategy.ActionSignal:
		if r.metrics != nil {
			r.metrics.IncSignals()
		}
		data := map[string]any{"type": a.Signal.Type, "high": a.Signal.High, "low": a.Signal.Low,
			"ema": a.Signal.EMA, "rsi": a.Signal.RSI, "sequence_id": a.Signal.SequenceID}
		if a.Replaced != nil {
			r.record(AuditReplaced, fmt.Sprintf("%s signal %d replaced", a.Replaced.Type, a.Replaced.SequenceID),
				map[string]any{"type": a.Replaced.Type, "sequence_id": a.Replaced.SequenceID})
		}
		if r.advisor != nil {
			if f, err := r.advisor.Advise(ctx, r.id, *a.Signal); err == nil && f != nil {
				data["forecast"] = f
			} else if err != nil {
				r.log.Debugw("advisory unavailable", "err", err)
			}
		}
		r.record(AuditSignal, fmt.Sprintf("%s signal candle %s", a.Signal.Type, a.Signal.Start.Format("15:04")), data)

	case strategy.ActionEnter, strategy.ActionExit:
		r.ledger.Apply(a)
		r.recordTrade(a)
		if r.orders != nil && !r.replay {
			if err := r.orders(ctx, a); err != nil {
				r.setLastErr(err)
				r.record(AuditOrderFail, err.Error(), map[string]any{"trade_id": a.Trade.ID})
			} else {
				r.record(AuditOrder, fmt.Sprintf("%s order placed for %s", a.Type, a.Trade.ID), map[string]any{"trade_id": a.Trade.ID})
			}
		}
		r.checkpoint()
	}
}

func (r *Runner) recordTrade(a strategy.Action) {
	t := a.Trade
	data := map[string]any{"trade_id": t.ID, "side": t.Side, "entry_price": t.EntryPrice}
	if a.Option != nil {
		data["option_symbol"] = a.Option.Contract.Symbol
		data["strike"] = a.Option.Contract.Strike
		data["option_entry"] = a.Option.EntryPrice
		data["option_stop"] = a.Option.StopLoss
		data["option_target"] = a.Option.Target
		data["lot_size"] = a.Option.LotSize
	}
	if a.Type == strategy.ActionEnter {
		r.record(AuditEntry, fmt.Sprintf("%s %s at %.2f", t.Side, r.params.Instrument, t.EntryPrice), data)
		return
	}
	data["exit_price"] = t.ExitPrice
	data["reason"] = a.Reason
	data["pnl"] = t.PnL
	if a.Option != nil {
		data["option_exit"] = a.Option.ExitPrice
		data["option_pnl"] = a.Option.PnL
	}
	r.record(AuditExit, fmt.Sprintf("exit %s at %.2f (%s)", t.ID, t.ExitPrice, a.Reason), data)
}

// record appends an audit event and publishes it.
func (r *Runner) record(typ, msg string, data map[string]any) {
	at := r.now()
	if r.replay && r.lastCandle != nil {
		at = r.lastCandle.At()
	}
	a := events.Audit{
		ID:           uuid.NewString(),
		DeploymentID: r.id,
		Time:         at,
		Type:         typ,
		Message:      msg,
		Data:         data,
	}
	r.audit.Add(a)
	if r.bus != nil {
		r.bus.Publish(events.EventRunnerAudit, a)
	}
}

// Audit exposes the ring for readers that track sequence numbers.
func (r *Runner) Audit() *AuditRing { return r.audit }

func (r *Runner) setLastErr(err error) {
	r.statusMu.Lock()
	r.status.LastErr = err.Error()
	r.statusMu.Unlock()
}

// refresh rebuilds the status snapshot. Callers hold mu.
func (r *Runner) refresh() {
	v := r.strat.View()
	closed := r.ledger.Closed()
	wins := 0
	for _, t := range closed {
		if t.PnL > 0 {
			wins++
		}
	}
	realized, indexPnL := r.ledger.RealizedPnL(), r.ledger.IndexPnL()

	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	s := &r.status
	s.DeploymentID = r.id
	s.Name = r.name
	s.Kind = r.params.Kind
	s.Instrument = r.params.Instrument
	s.Phase = v.Phase
	s.Signal = v.Signal
	s.Position = v.Trade
	s.Option = v.Option
	s.Confirmed = v.Confirmed
	s.Indicators = v.Indicators
	s.Trades = len(closed)
	s.Wins = wins
	s.RealizedPnL = realized
	s.IndexPnL = indexPnL
	s.Paused = r.paused
	s.Replay = r.replay
	if r.lastCandle != nil {
		c := *r.lastCandle
		s.LastCandle = &c
		s.LastPrice = c.Close
	}
	s.LastExecution = r.now()
	if r.fault != nil {
		s.Fault = r.fault.Error()
	}
}

// Status returns a deep copy of the latest snapshot.
func (r *Runner) Status() Status {
	r.statusMu.RLock()
	s := r.status
	r.statusMu.RUnlock()

	if s.Signal != nil {
		sig := *s.Signal
		s.Signal = &sig
	}
	if s.Position != nil {
		t := *s.Position
		if t.ExitTime != nil {
			et := *t.ExitTime
			t.ExitTime = &et
		}
		s.Position = &t
	}
	if s.Option != nil {
		o := *s.Option
		if o.ExitTime != nil {
			et := *o.ExitTime
			o.ExitTime = &et
		}
		s.Option = &o
	}
	if s.LastCandle != nil {
		c := *s.LastCandle
		s.LastCandle = &c
	}
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	s.Audit = r.audit.Snapshot()
	return s
}

// PublishStatus broadcasts the snapshot. Never blocks.
func (r *Runner) PublishStatus() {
	if r.bus != nil {
		r.bus.Publish(events.EventRunnerStatus, r.Status())
	}
}

// SetProgress is used by the replay driver.
func (r *Runner) SetProgress(p Progress) {
	r.statusMu.Lock()
	r.status.Progress = &p
	r.statusMu.Unlock()
}

// Pause stops tick processing until Resume. Ticks received meanwhile are dropped.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return
	}
	r.paused = true
	r.record(AuditPaused, "runner paused", nil)
	r.refresh()
}

func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		return
	}
	r.paused = false
	r.record(AuditResumed, "runner resumed", nil)
	r.refresh()
}

// Fail marks the runner unrecoverable. Later ticks are refused.
func (r *Runner) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fault = err
	r.record(AuditFault, err.Error(), nil)
	r.statusMu.Lock()
	r.status.Fault = err.Error()
	r.statusMu.Unlock()
}

func (r *Runner) Faulted() bool {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status.Fault != ""
}

type ledgerState struct {
	Trades  []strategy.IndexTrade `json:"trades"`
	Options []option.Trade        `json:"options"`
}

// Checkpoint captures the recoverable state.
func (r *Runner) Checkpoint() (state.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkpointLocked()
}

func (r *Runner) checkpointLocked() (state.Checkpoint, error) {
	st, err := r.strat.GetState()
	if err != nil {
		return state.Checkpoint{}, fmt.Errorf("strategy state: %w", err)
	}
	trades, opts := r.ledger.Snapshot()
	led, err := json.Marshal(ledgerState{Trades: trades, Options: opts})
	if err != nil {
		return state.Checkpoint{}, fmt.Errorf("ledger state: %w", err)
	}
	c := state.Checkpoint{DeploymentID: r.id, Version: 1, Strategy: st, Ledger: led, SavedAt: r.now()}
	if r.lastCandle != nil {
		c.LastCandle = r.lastCandle.Start
	}
	return c, nil
}

func (r *Runner) checkpoint() {
	if r.checkpoints == nil || r.replay {
		return
	}
	c, err := r.checkpointLocked()
	if err == nil {
		err = r.checkpoints.Save(c)
	}
	if err != nil {
		r.log.Warnw("checkpoint failed", "err", err)
	}
}

// Restore loads strategy and ledger state, e.g. after a restart.
func (r *Runner) Restore(c state.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(c.Strategy) > 0 {
		if err := r.strat.SetState(c.Strategy); err != nil {
			return fmt.Errorf("restore strategy: %w", err)
		}
	}
	if len(c.Ledger) > 0 {
		var ls ledgerState
		if err := json.Unmarshal(c.Ledger, &ls); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
		r.ledger.Restore(ls.Trades, ls.Options)
	}
	r.record(AuditRestored, "state restored from checkpoint", map[string]any{"saved_at": c.SavedAt})
	r.refresh()
	return nil
}

// RestoreLatest restores from the checkpoint store when one exists.
func (r *Runner) RestoreLatest() (bool, error) {
	if r.checkpoints == nil {
		return false, nil
	}
	c, ok, err := r.checkpoints.Load(r.id)
	if err != nil || !ok {
		return false, err
	}
	return true, r.Restore(c)
}

// Ledger returns copies of the trade lists.
func (r *Runner) Ledger() ([]strategy.IndexTrade, []option.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.Snapshot()
}

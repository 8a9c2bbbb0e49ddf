package deployment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"options-core/internal/errs"
	"options-core/internal/events"
	"options-core/internal/gateway"
	"options-core/internal/monitor"
	"options-core/internal/option"
	"options-core/internal/order"
	"options-core/internal/runner"
	"options-core/internal/state"
	"options-core/internal/strategy"
	"options-core/pkg/broker"
	"options-core/pkg/logger"
)

// Sealer encrypts session tokens before they are stored.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
}

// CheckpointStore is the runner checkpoint store plus cleanup on delete.
type CheckpointStore interface {
	runner.Checkpointer
	Delete(deploymentID string) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store        Store
	Registry     *runner.Registry
	Pool         *gateway.Pool
	Sealer       Sealer
	Executor     *order.Executor // nil runs without placing orders
	Checkpoints  CheckpointStore
	Advisor      runner.Advisor
	Bus          *events.Bus
	Metrics      *monitor.Metrics
	Interval     time.Duration
	QuoteTimeout time.Duration
	Now          func() time.Time
}

// Request describes a new deployment.
type Request struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Params         strategy.Params `json:"params"`
	ScheduledStart *time.Time      `json:"scheduled_start"`
	SessionToken   string          `json:"session_token"`
}

// Orchestrator is the single writer of deployment records. User requests,
// the periodic tick and runner fault reports are serialized by mu.
type Orchestrator struct {
	store        Store
	registry     *runner.Registry
	pool         *gateway.Pool
	sealer       Sealer
	executor     *order.Executor
	checkpoints  CheckpointStore
	advisor      runner.Advisor
	bus          *events.Bus
	metrics      *monitor.Metrics
	interval     time.Duration
	quoteTimeout time.Duration
	now          func() time.Time
	log          *zap.SugaredLogger

	mu   sync.Mutex
	seen map[string]uint64 // last audit sequence copied into each record

	flagMu  sync.Mutex
	invalid map[string]string // sessions reported invalid by the order path
}

func New(cfg Config) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Registry == nil {
		cfg.Registry = runner.NewRegistry()
	}
	return &Orchestrator{
		store:        cfg.Store,
		registry:     cfg.Registry,
		pool:         cfg.Pool,
		sealer:       cfg.Sealer,
		executor:     cfg.Executor,
		checkpoints:  cfg.Checkpoints,
		advisor:      cfg.Advisor,
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
		interval:     cfg.Interval,
		quoteTimeout: cfg.QuoteTimeout,
		now:          cfg.Now,
		log:          logger.Named("orchestrator"),
		seen:         make(map[string]uint64),
		invalid:      make(map[string]string),
	}
}

func (o *Orchestrator) Registry() *runner.Registry { return o.registry }

// Start runs Tick immediately and then every interval until ctx ends.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
				o.log.Errorw("orchestrator tick failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	o.log.Infow("orchestrator started", "interval", o.interval)
}

func (o *Orchestrator) Get(ctx context.Context, id string) (Record, error) {
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context) ([]Record, error) {
	return o.store.List(ctx)
}

// Deploy validates and stores a deployment. Without a future scheduled
// start it is activated at once; a failed session or margin check then
// rejects the request before anything is written.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (Record, error) {
	p := req.Params.WithDefaults()
	if err := p.Validate(); err != nil {
		return Record{}, err
	}
	if req.SessionToken == "" {
		return Record{}, errs.Validation("session token is required")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	sealed, err := o.seal(req.SessionToken)
	if err != nil {
		return Record{}, err
	}
	now := o.now()
	rec := Record{
		ID:             id,
		Name:           req.Name,
		Status:         StatusScheduled,
		ScheduledStart: req.ScheduledStart,
		Params:         p,
		State:          StateBlob{Version: StateVersion},
		SessionToken:   sealed,
		CreatedAt:      now,
	}
	if rec.Name == "" {
		rec.Name = fmt.Sprintf("%s %s", p.Kind, p.Instrument)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.store.Get(ctx, id); err == nil {
		return Record{}, errs.Validation("deployment %s already exists", id)
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	if rec.ScheduledStart != nil && rec.ScheduledStart.After(now) {
		if err := o.store.Create(ctx, rec); err != nil {
			return Record{}, err
		}
		o.changed(rec, "scheduled")
		return rec, nil
	}

	mc, err := o.openChecked(ctx, &rec, now)
	if err != nil {
		o.pool.Remove(id)
		return Record{}, err
	}
	rec.State.Margin = &mc
	rec.Status = StatusActive
	rec.StartedAt = &now
	rec.LastRunAt = &now
	if err := o.store.Create(ctx, rec); err != nil {
		o.pool.Remove(id)
		return Record{}, err
	}
	if _, err := o.startRunner(rec); err != nil {
		o.fail(&rec, err)
		o.save(ctx, &rec)
		return rec, err
	}
	o.changed(rec, "activated")
	return rec, nil
}

func (o *Orchestrator) seal(token string) (string, error) {
	if o.sealer == nil {
		return token, nil
	}
	sealed, err := o.sealer.Encrypt(token)
	if err != nil {
		return "", fmt.Errorf("seal session token: %w", err)
	}
	return sealed, nil
}

// openChecked opens the broker session, validates it and runs the margin
// check.
func (o *Orchestrator) openChecked(ctx context.Context, rec *Record, now time.Time) (MarginCheck, error) {
	a, err := o.pool.Open(rec.ID, rec.SessionToken)
	if err != nil {
		return MarginCheck{}, err
	}
	if err := a.ValidateSession(ctx); err != nil {
		return MarginCheck{}, err
	}
	return CheckMargin(ctx, a, rec.Params, now)
}

// Pause stops tick processing for an active deployment.
func (o *Orchestrator) Pause(ctx context.Context, id string) (Record, error) {
	return o.mutate(ctx, id, func(rec *Record) error {
		if err := transition(rec, StatusPaused); err != nil {
			return err
		}
		if r, ok := o.registry.Get(id); ok {
			r.Pause()
		}
		return nil
	})
}

// Resume reactivates a paused deployment, starting its runner if the
// process restarted meanwhile.
func (o *Orchestrator) Resume(ctx context.Context, id string) (Record, error) {
	return o.mutate(ctx, id, func(rec *Record) error {
		if rec.Status != StatusPaused {
			return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, rec.Status, StatusActive, id)
		}
		if _, err := o.pool.Open(id, rec.SessionToken); err != nil {
			return err
		}
		_ = transition(rec, StatusActive)
		rec.ErrorMessage = ""
		r, err := o.startRunner(*rec)
		if err != nil {
			return err
		}
		r.Resume()
		return nil
	})
}

// Stop squares off any open position and retires the runner.
func (o *Orchestrator) Stop(ctx context.Context, id string) (Record, error) {
	return o.mutate(ctx, id, func(rec *Record) error {
		if err := transition(rec, StatusStopped); err != nil {
			return err
		}
		o.teardown(ctx, rec, true)
		return nil
	})
}

// RefreshSession replaces the stored session token. The next broker call
// opens a new session with it.
func (o *Orchestrator) RefreshSession(ctx context.Context, id, token string) (Record, error) {
	if token == "" {
		return Record{}, errs.Validation("session token is required")
	}
	sealed, err := o.seal(token)
	if err != nil {
		return Record{}, err
	}
	return o.mutate(ctx, id, func(rec *Record) error {
		rec.SessionToken = sealed
		o.pool.Remove(id)
		o.flagMu.Lock()
		delete(o.invalid, id)
		o.flagMu.Unlock()
		return nil
	})
}

// Delete squares off, archives a redacted copy and removes the record.
// Archiving an already archived id keeps the first copy.
func (o *Orchestrator) Delete(ctx context.Context, id, archivedBy string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusStopped {
		o.teardown(ctx, &rec, true)
		rec.Status = StatusStopped
	}
	if err := o.store.ArchiveAndDelete(ctx, rec, archivedBy); err != nil {
		return err
	}
	if o.checkpoints != nil {
		if err := o.checkpoints.Delete(id); err != nil {
			o.log.Warnw("checkpoint cleanup failed", "deployment", id, "err", err)
		}
	}
	delete(o.seen, id)
	o.changed(rec, "deleted")
	return nil
}

// MarkError is the dispatcher's fault hook: the deployment moves to error
// and its runner is dropped without a square-off.
func (o *Orchestrator) MarkError(deploymentID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := o.mutate(ctx, deploymentID, func(rec *Record) error {
		o.teardown(ctx, rec, false)
		o.fail(rec, cause)
		return nil
	})
	if err != nil {
		o.log.Errorw("mark error failed", "deployment", deploymentID, "cause", cause, "err", err)
	}
}

func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := fn(&rec); err != nil {
		return rec, err
	}
	if err := o.store.Update(ctx, rec); err != nil {
		return rec, err
	}
	o.changed(rec, "")
	return rec, nil
}

// Tick processes every deployment that is not stopped. Failures are kept
// on the record and retried on the next tick.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	recs, err := o.store.List(ctx, StatusScheduled, StatusActive, StatusPaused, StatusError)
	if err != nil {
		o.log.Warnw("some deployments could not be loaded", "err", err)
	}
	for i := range recs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.process(ctx, &recs[i])
	}
	return nil
}

func (o *Orchestrator) process(ctx context.Context, rec *Record) {
	now := o.now()
	before := rec.Status
	switch rec.Status {
	case StatusScheduled:
		if rec.ScheduledStart == nil || !rec.ScheduledStart.After(now) {
			o.activate(ctx, rec, now)
		}
	case StatusActive, StatusPaused:
		o.reconcile(ctx, rec, now)
	}
	rec.LastRunAt = &now
	o.save(ctx, rec)
	if rec.Status != before {
		o.changed(*rec, "")
	}
}

func (o *Orchestrator) activate(ctx context.Context, rec *Record, now time.Time) {
	mc, err := o.openChecked(ctx, rec, now)
	if !mc.CheckedAt.IsZero() {
		rec.State.Margin = &mc
	}
	if err != nil {
		if errs.Retryable(err) {
			rec.ErrorMessage = errs.Reason(err)
			return
		}
		o.pool.Remove(rec.ID)
		o.fail(rec, err)
		return
	}
	_ = transition(rec, StatusActive)
	rec.StartedAt = &now
	rec.ErrorMessage = ""
	if _, err := o.startRunner(*rec); err != nil {
		o.fail(rec, err)
		return
	}
	o.log.Infow("deployment activated", "deployment", rec.ID, "required", mc.Required, "available", mc.Available)
}

func (o *Orchestrator) reconcile(ctx context.Context, rec *Record, now time.Time) {
	if reason, ok := o.takeInvalid(rec.ID); ok {
		o.pauseForSession(rec, reason)
		return
	}
	r, ok := o.registry.Get(rec.ID)
	if ok && r.Faulted() {
		o.teardown(ctx, rec, false)
		o.fail(rec, errs.Unrecoverable("runner", errors.New(r.Status().Fault)))
		return
	}

	a, err := o.pool.Open(rec.ID, rec.SessionToken)
	if err != nil {
		if errs.IsSessionInvalid(err) {
			o.pauseForSession(rec, errs.Reason(err))
			return
		}
		rec.ErrorMessage = errs.Reason(err)
		return
	}
	if !ok {
		if r, err = o.startRunner(*rec); err != nil {
			o.fail(rec, err)
			return
		}
	}

	rep, err := Reconcile(ctx, a, r.Status(), now)
	rec.State.Reconcile = &rep
	switch {
	case errs.IsSessionInvalid(err):
		o.pauseForSession(rec, errs.Reason(err))
	case err != nil:
		rec.ErrorMessage = errs.Reason(err)
	default:
		rec.ErrorMessage = ""
		if rep.Drift {
			o.log.Infow("broker position differs from runner", "deployment", rec.ID,
				"symbol", rep.Symbol, "expected", rep.ExpectedQty, "broker", rep.BrokerQty)
		}
	}
	o.snapshot(rec, r)
}

func (o *Orchestrator) pauseForSession(rec *Record, reason string) {
	if rec.Status == StatusActive {
		_ = transition(rec, StatusPaused)
	}
	if r, ok := o.registry.Get(rec.ID); ok {
		r.Pause()
		o.snapshot(rec, r)
	}
	o.pool.Remove(rec.ID)
	rec.ErrorMessage = "session invalid: " + reason
	if o.bus != nil {
		o.bus.Publish(events.EventSessionInvalid, SessionAlert{DeploymentID: rec.ID, Reason: reason})
	}
	o.log.Warnw("deployment paused on invalid session", "deployment", rec.ID, "reason", reason)
}

func (o *Orchestrator) fail(rec *Record, err error) {
	if rec.Status != StatusError {
		if terr := transition(rec, StatusError); terr != nil {
			o.log.Warnw("cannot move deployment to error", "deployment", rec.ID, "err", terr)
		}
	}
	rec.ErrorMessage = errs.Reason(err)
	o.log.Errorw("deployment failed", "deployment", rec.ID, "err", err)
}

// startRunner builds the runner for rec, restores its state and registers
// it. An existing runner is returned as is.
func (o *Orchestrator) startRunner(rec Record) (*runner.Runner, error) {
	if r, ok := o.registry.Get(rec.ID); ok {
		return r, nil
	}
	opts := []runner.Option{
		runner.WithBus(o.bus),
		runner.WithMetrics(o.metrics),
		runner.WithOrders(o.orderFunc(rec.ID)),
	}
	if o.checkpoints != nil {
		opts = append(opts, runner.WithCheckpoints(o.checkpoints))
	}
	if o.advisor != nil {
		opts = append(opts, runner.WithAdvisor(o.advisor))
	}
	quotes := sessionQuotes{pool: o.pool, id: rec.ID}
	r, err := runner.New(runner.Config{
		DeploymentID: rec.ID,
		Name:         rec.Name,
		Params:       rec.Params,
		Pricer:       option.NewQuotePricer(quotes, rec.Params.Premium, o.quoteTimeout),
	}, opts...)
	if err != nil {
		return nil, err
	}

	restored, err := r.RestoreLatest()
	if err != nil {
		o.log.Warnw("checkpoint restore failed", "deployment", rec.ID, "err", err)
	}
	if !restored && len(rec.State.Strategy) > 0 {
		cp := state.Checkpoint{DeploymentID: rec.ID, Strategy: rec.State.Strategy, Ledger: rec.State.Ledger}
		if err := r.Restore(cp); err != nil {
			o.log.Warnw("record state restore failed", "deployment", rec.ID, "err", err)
		}
	}
	if rec.Status == StatusPaused {
		r.Pause()
	}
	if err := o.registry.Add(r); err != nil {
		return nil, err
	}
	o.log.Infow("runner started", "deployment", rec.ID, "kind", rec.Params.Kind, "instrument", rec.Params.Instrument)
	return r, nil
}

// orderFunc resolves the broker session at call time so a refreshed token
// takes effect without rebuilding the runner.
func (o *Orchestrator) orderFunc(id string) runner.OrderFunc {
	return func(ctx context.Context, a strategy.Action) error {
		if o.executor == nil {
			return nil
		}
		var b broker.Broker
		if o.pool != nil {
			a, err := o.pool.Get(id)
			if err != nil {
				return err
			}
			b = a
		}
		_, err := o.executor.Execute(ctx, b, id, a)
		if errs.IsSessionInvalid(err) {
			o.flagMu.Lock()
			o.invalid[id] = errs.Reason(err)
			o.flagMu.Unlock()
		}
		return err
	}
}

func (o *Orchestrator) takeInvalid(id string) (string, bool) {
	o.flagMu.Lock()
	defer o.flagMu.Unlock()
	reason, ok := o.invalid[id]
	delete(o.invalid, id)
	return reason, ok
}

// teardown removes the runner, optionally squaring off its open trade
// first, and closes the broker session.
func (o *Orchestrator) teardown(ctx context.Context, rec *Record, squareOff bool) {
	if r, ok := o.registry.Remove(rec.ID); ok {
		if squareOff {
			if err := r.Finish(ctx); err != nil {
				o.log.Warnw("square-off skipped", "deployment", rec.ID, "err", err)
			}
		}
		o.snapshot(rec, r)
	}
	if o.pool != nil {
		o.pool.Remove(rec.ID)
	}
}

// snapshot copies the runner's recoverable state and new audit events into
// the record.
func (o *Orchestrator) snapshot(rec *Record, r *runner.Runner) {
	if cp, err := r.Checkpoint(); err == nil {
		rec.State.Strategy = cp.Strategy
		rec.State.Ledger = cp.Ledger
	} else {
		o.log.Warnw("runner snapshot failed", "deployment", rec.ID, "err", err)
	}
	fresh, seq := r.Audit().Since(o.seen[rec.ID])
	rec.State.AppendHistory(fresh...)
	o.seen[rec.ID] = seq
	s := r.Status()
	rec.State.RealizedPnL = s.RealizedPnL
	rec.State.Trades = s.Trades
}

func (o *Orchestrator) save(ctx context.Context, rec *Record) {
	if err := o.store.Update(ctx, *rec); err != nil {
		o.log.Errorw("deployment update failed", "deployment", rec.ID, "err", err)
	}
}

func (o *Orchestrator) changed(rec Record, msg string) {
	if o.bus == nil {
		return
	}
	if msg == "" {
		msg = rec.ErrorMessage
	}
	o.bus.Publish(events.EventDeploymentChanged, Change{ID: rec.ID, Status: rec.Status, Message: msg})
}

// sessionQuotes looks the adapter up per call for the option pricer.
type sessionQuotes struct {
	pool *gateway.Pool
	id   string
}

func (q sessionQuotes) Quote(ctx context.Context, symbol string) (float64, error) {
	if q.pool == nil {
		return 0, gateway.ErrSessionNotFound
	}
	a, err := q.pool.Get(q.id)
	if err != nil {
		return 0, err
	}
	return a.Quote(ctx, symbol)
}

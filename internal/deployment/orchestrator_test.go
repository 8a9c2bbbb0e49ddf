package deployment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-core/internal/errs"
	"options-core/internal/events"
	"options-core/internal/gateway"
	"options-core/internal/runner"
	"options-core/internal/strategy"
	"options-core/pkg/broker"
	"options-core/pkg/crypto"
	"options-core/pkg/db"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type fixture struct {
	o     *Orchestrator
	db    *db.Database
	bus   *events.Bus
	reg   *runner.Registry
	vault *crypto.Vault

	mu     sync.Mutex
	now    time.Time
	spot   float64
	papers map[string]*broker.Paper
}

func (f *fixture) setSpot(p float64) {
	f.mu.Lock()
	f.spot = p
	f.mu.Unlock()
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) paper(token string) *broker.Paper {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.papers[token]
}

func newFixture(t *testing.T, margin float64) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	vault, err := crypto.NewVault(map[int]string{1: "orchestrator test passphrase"})
	require.NoError(t, err)

	f := &fixture{
		db:     database,
		bus:    events.NewBus(),
		reg:    runner.NewRegistry(),
		vault:  vault,
		now:    time.Date(2024, 1, 10, 10, 0, 0, 0, ist),
		spot:   45000,
		papers: make(map[string]*broker.Paper),
	}
	index := func(symbol string) (float64, bool) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if symbol == "NIFTY" && f.spot > 0 {
			return f.spot, true
		}
		return 0, false
	}
	factory := func(token string) (broker.Broker, error) {
		if token == "" {
			return nil, errs.SessionInvalid("open session", broker.ErrSessionRevoked)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		p, ok := f.papers[token]
		if !ok {
			p = broker.NewPaper(token, broker.PaperConfig{Margin: margin}, index)
			f.papers[token] = p
		}
		return p, nil
	}
	pool := gateway.NewPool(factory, vault, nil, gateway.PoolConfig{MaxSize: 8, Adapter: gateway.Config{Attempts: 1}})

	f.o = New(Config{
		Store:    NewDBStore(database),
		Registry: f.reg,
		Pool:     pool,
		Sealer:   vault,
		Bus:      f.bus,
		Now:      f.clock,
	})
	return f
}

func request(id string) Request {
	return Request{ID: id, Name: "nifty test", Params: strategy.Defaults(), SessionToken: "token-" + id}
}

func TestDeployActivatesImmediately(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()

	rec, err := f.o.Deploy(ctx, request("dep-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.State.Margin)
	assert.True(t, rec.State.Margin.OK)
	assert.Equal(t, 75, rec.State.Margin.Units)
	assert.InDelta(t, 225*75, rec.State.Margin.Required, 1)

	stored, err := f.o.Get(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
	assert.True(t, crypto.IsSealed(stored.SessionToken))
	assert.NotContains(t, stored.SessionToken, "token-dep-1")
	plain, err := f.vault.Decrypt(stored.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "token-dep-1", plain)

	_, ok := f.reg.Get("dep-1")
	assert.True(t, ok)

	_, err = f.o.Deploy(ctx, request("dep-1"))
	assert.True(t, errs.IsValidation(err))
}

func TestDeployRejectsMarginShortfallBeforeWriting(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()

	_, err := f.o.Deploy(ctx, request("dep-1"))
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "insufficient margin")

	_, err = f.o.Get(ctx, "dep-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, f.reg.Len())
}

func TestDeployValidatesInput(t *testing.T) {
	f := newFixture(t, 100000)
	req := request("dep-1")
	req.SessionToken = ""
	_, err := f.o.Deploy(context.Background(), req)
	assert.True(t, errs.IsValidation(err))

	req = request("dep-2")
	req.Params.Kind = "grid"
	_, err = f.o.Deploy(context.Background(), req)
	assert.True(t, errs.IsValidation(err))
}

func TestFutureScheduleOnlyUpdatesLastRunAt(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()

	start := f.clock().Add(10 * time.Minute)
	req := request("dep-1")
	req.ScheduledStart = &start
	rec, err := f.o.Deploy(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, rec.Status)

	require.NoError(t, f.o.Tick(ctx))
	got, err := f.o.Get(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(f.clock()))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.State.Margin)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, 0, f.reg.Len())
}

func TestScheduledActivation(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()
	start := f.clock().Add(10 * time.Minute)
	req := request("dep-1")
	req.ScheduledStart = &start
	_, err := f.o.Deploy(ctx, req)
	require.NoError(t, err)

	f.advance(11 * time.Minute)
	require.NoError(t, f.o.Tick(ctx))

	got, err := f.o.Get(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(f.clock()))
	_, ok := f.reg.Get("dep-1")
	assert.True(t, ok)
}

func TestScheduledActivationWaitsForFirstPrice(t *testing.T) {
	f := newFixture(t, 100000)
	f.setSpot(0)
	ctx := context.Background()
	start := f.clock().Add(time.Minute)
	req := request("dep-1")
	req.ScheduledStart = &start
	_, err := f.o.Deploy(ctx, req)
	require.NoError(t, err)

	f.advance(2 * time.Minute)
	require.NoError(t, f.o.Tick(ctx))

	got, err := f.o.Get(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
	assert.Contains(t, got.ErrorMessage, "no price for NIFTY")
	assert.Equal(t, 0, f.reg.Len())

	f.setSpot(45000)
	f.advance(30 * time.Second)
	require.NoError(t, f.o.Tick(ctx))

	got, err = f.o.Get(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestScheduledActivationMarginShortfallErrors(t *testing.T) {
	f := newFixture(t, 10000)
	ctx := context.Background()
	start := f.clock().Add(time.Minute)
	req := request("dep-1")
	req.ScheduledStart = &start
	_, err := f.o.Deploy(ctx, req)
	require.NoError(t, err)

	f.advance(2 * time.Minute)
	require.NoError(t, f.o.Tick(ctx))

	got, err := f.o.Get(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "insufficient margin")
	require.NotNil(t, got.State.Margin)
	assert.False(t, got.State.Margin.OK)
	assert.Equal(t, 0, f.reg.Len())
}

func TestPauseResumeStop(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()
	_, err := f.o.Deploy(ctx, request("dep-1"))
	require.NoError(t, err)

	rec, err := f.o.Pause(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, rec.Status)
	r, _ := f.reg.Get("dep-1")
	assert.True(t, r.Status().Paused)

	_, err = f.o.Pause(ctx, "dep-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rec, err = f.o.Resume(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.False(t, r.Status().Paused)

	rec, err = f.o.Stop(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, rec.Status)
	assert.Equal(t, 0, f.reg.Len())

	_, err = f.o.Resume(ctx, "dep-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDeleteArchivesRedactedCopy(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()
	rec, err := f.o.Deploy(ctx, request("dep-1"))
	require.NoError(t, err)

	require.NoError(t, f.o.Delete(ctx, "dep-1", "ops"))
	_, err = f.o.Get(ctx, "dep-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, f.reg.Len())

	arch, err := f.db.GetArchive(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "ops", arch.ArchivedBy)
	assert.NotContains(t, arch.Payload, rec.SessionToken)
	assert.Contains(t, arch.Payload, `"stopped"`)

	assert.ErrorIs(t, f.o.Delete(ctx, "dep-1", "ops"), ErrNotFound)
}

func TestSessionInvalidDuringReconcilePauses(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()
	alerts, stop := f.bus.Subscribe(events.EventSessionInvalid, 4)
	defer stop()

	_, err := f.o.Deploy(ctx, request("dep-1"))
	require.NoError(t, err)
	require.NoError(t, f.o.Tick(ctx))
	got, _ := f.o.Get(ctx, "dep-1")
	assert.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.State.Reconcile)
	assert.False(t, got.State.Reconcile.Drift)

	f.paper("token-dep-1").Revoke()
	require.NoError(t, f.o.Tick(ctx))

	got, err = f.o.Get(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.True(t, strings.HasPrefix(got.ErrorMessage, "session invalid"))
	r, ok := f.reg.Get("dep-1")
	require.True(t, ok)
	assert.True(t, r.Status().Paused)

	select {
	case msg := <-alerts:
		assert.Equal(t, "dep-1", msg.(SessionAlert).DeploymentID)
	case <-time.After(time.Second):
		t.Fatal("session.invalid not published")
	}

	_, err = f.o.RefreshSession(ctx, "dep-1", "token-fresh")
	require.NoError(t, err)
	rec, err := f.o.Resume(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.NotNil(t, f.paper("token-fresh"))
}

func TestMarkErrorDropsRunner(t *testing.T) {
	f := newFixture(t, 100000)
	ctx := context.Background()
	_, err := f.o.Deploy(ctx, request("dep-1"))
	require.NoError(t, err)

	f.o.MarkError("dep-1", errs.Unrecoverable("runner dep-1", os.ErrInvalid))
	got, err := f.o.Get(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Equal(t, 0, f.reg.Len())

	_, err = f.o.Stop(ctx, "dep-1")
	require.NoError(t, err)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusScheduled, StatusActive))
	assert.True(t, CanTransition(StatusActive, StatusPaused))
	assert.True(t, CanTransition(StatusPaused, StatusActive))
	assert.True(t, CanTransition(StatusError, StatusStopped))
	assert.False(t, CanTransition(StatusStopped, StatusActive))
	assert.False(t, CanTransition(StatusError, StatusActive))
	assert.False(t, CanTransition(StatusScheduled, StatusPaused))
}

func TestStateBlobVersions(t *testing.T) {
	b, err := DecodeState("")
	require.NoError(t, err)
	assert.Equal(t, StateVersion, b.Version)

	b, err = DecodeState(`{"history":[{"id":"a","event_type":"signal"}]}`)
	require.NoError(t, err)
	assert.Equal(t, StateVersion, b.Version)
	require.Len(t, b.History, 1)

	_, err = DecodeState(`{"version":99}`)
	assert.Error(t, err)

	for i := 0; i < HistoryLimit+5; i++ {
		b.AppendHistory(events.Audit{ID: "x"})
	}
	assert.Len(t, b.History, HistoryLimit)
}

func TestLoadFileAndSeed(t *testing.T) {
	t.Setenv("NIFTY_TOKEN", "seeded-token")
	path := filepath.Join(t.TempDir(), "deployments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
deployments:
  - id: nifty-orb
    name: NIFTY opening range
    session_token: ${NIFTY_TOKEN}
    scheduled_start: 2024-01-10T09:15:00+05:30
    params:
      kind: orb
      instrument: NIFTY
      candle_width: 5m
      lots: 2
`), 0o600))

	specs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "seeded-token", specs[0].SessionToken)
	assert.Equal(t, strategy.KindORB, specs[0].Params.Kind)
	assert.Equal(t, 5*time.Minute, specs[0].Params.CandleWidth)

	f := newFixture(t, 1e6)
	ctx := context.Background()
	n, err := f.o.Seed(ctx, specs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.o.Get(ctx, "nifty-orb")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 150, got.Params.Units())

	n, err = f.o.Seed(ctx, specs)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-core/internal/errs"
	"options-core/internal/market"
	"options-core/internal/runner"
	"options-core/internal/strategy"
)

// fakeClock fires immediately and adds up the requested delays.
type fakeClock struct {
	mu      sync.Mutex
	elapsed time.Duration
	calls   int
	onAfter func(call int)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.elapsed += d
	c.calls++
	n, hook := c.calls, c.onAfter
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (c *fakeClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

func series(n int) []market.Candle {
	ist := time.FixedZone("IST", 5*3600+1800)
	start := time.Date(2024, 1, 10, 9, 15, 0, 0, ist)
	out := make([]market.Candle, n)
	price := 45000.0
	for i := range out {
		price += float64(i%7) - 3
		out[i] = market.Candle{
			Instrument: "NIFTY",
			Start:      start.Add(time.Duration(i) * time.Minute),
			Width:      time.Minute,
			Open:       price - 1,
			High:       price + 4,
			Low:        price - 4,
			Close:      price,
			Closed:     true,
		}
	}
	return out
}

func newReplayRunner(t *testing.T) *runner.Runner {
	t.Helper()
	p := strategy.Defaults()
	p.CandleWidth = time.Minute
	p.SignalOffset = 10 * time.Second
	r, err := runner.New(runner.Config{DeploymentID: "replay-test", Params: p, Replay: true})
	require.NoError(t, err)
	return r
}

func TestPacingFollowsSpeed(t *testing.T) {
	clock := &fakeClock{}
	r := newReplayRunner(t)
	d, err := NewDriver(r, series(100), Options{BaseDelay: 100 * time.Millisecond, Speed: 2.0, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, 5*time.Second, clock.Elapsed())

	p := d.Progress()
	assert.Equal(t, 100, p.Delivered)
	assert.True(t, p.Done)
	require.NotNil(t, r.Status().Progress)
	assert.True(t, r.Status().Progress.Done)
	assert.Nil(t, r.Status().Position, "end of data closes any open trade")
}

func TestRealClockPacing(t *testing.T) {
	r := newReplayRunner(t)
	d, err := NewDriver(r, series(10), Options{BaseDelay: 20 * time.Millisecond, Speed: 2})
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, d.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPauseFreezesUntilResume(t *testing.T) {
	clock := &fakeClock{}
	r := newReplayRunner(t)
	d, err := NewDriver(r, series(100), Options{BaseDelay: 100 * time.Millisecond, Speed: 2.0, Clock: clock})
	require.NoError(t, err)
	clock.onAfter = func(call int) {
		if call == 10 {
			d.Pause()
		}
	}

	go func() { _ = d.Run(context.Background()) }()

	require.Eventually(t, func() bool { return d.Progress().Paused }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	frozen := r.Status()
	assert.Equal(t, 9, d.Progress().Delivered)
	require.NotNil(t, frozen.LastCandle)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 9, d.Progress().Delivered)
	assert.Equal(t, frozen.LastCandle.Start, r.Status().LastCandle.Start)

	require.NoError(t, d.Resume(4))
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish after resume")
	}
	p := d.Progress()
	assert.Equal(t, 100, p.Delivered)
	assert.Equal(t, 4.0, p.Speed)
	assert.False(t, p.Paused)
}

func TestStopIsCooperative(t *testing.T) {
	clock := &fakeClock{}
	r := newReplayRunner(t)
	d, err := NewDriver(r, series(50), Options{Clock: clock})
	require.NoError(t, err)
	clock.onAfter = func(call int) {
		if call == 5 {
			d.Stop()
		}
	}
	err = d.Run(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 4, d.Progress().Delivered)
	d.Stop()
}

func TestDriverValidation(t *testing.T) {
	r := newReplayRunner(t)
	_, err := NewDriver(r, nil, Options{})
	assert.True(t, errs.IsValidation(err))

	c := series(3)
	c[2].Start = c[0].Start
	_, err = NewDriver(r, c, Options{})
	assert.True(t, errs.IsValidation(err))

	d, err := NewDriver(r, series(3), Options{})
	require.NoError(t, err)
	assert.True(t, errs.IsValidation(d.SetSpeed(0)))
	assert.True(t, errs.IsValidation(d.SetSpeed(MaxSpeed+1)))
}

func TestManagerLifecycle(t *testing.T) {
	reg := runner.NewRegistry()
	release := make(chan struct{})
	clock := &fakeClock{onAfter: func(call int) {
		if call == 1 {
			<-release
		}
	}}
	m := NewManager(reg, nil, nil, time.Millisecond).WithClock(clock)

	s, err := m.Start(Request{Params: strategy.Defaults(), Candles: series(20), Speed: 1})
	require.NoError(t, err)
	_, ok := reg.Get(s.ID)
	assert.True(t, ok)
	assert.True(t, s.Runner.IsReplay())
	close(release)

	select {
	case <-s.Driver.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish")
	}
	assert.Equal(t, 20, s.Driver.Progress().Delivered)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	// still queryable until the retention period ends
	assert.Len(t, m.List(), 1)
	require.NoError(t, m.Stop(s.ID))
	assert.ErrorIs(t, m.Pause(s.ID), ErrSessionNotFound)
	assert.ErrorIs(t, m.Stop(s.ID), ErrSessionNotFound)

	_, err = m.Start(Request{Params: strategy.Defaults()})
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, 0, reg.Len())
}

func TestManagerReapsFinishedSessions(t *testing.T) {
	reg := runner.NewRegistry()
	m := NewManager(reg, nil, nil, time.Millisecond).WithClock(&fakeClock{}).WithRetention(20 * time.Millisecond)

	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, err := m.Start(Request{Params: strategy.Defaults(), Candles: series(5), Speed: 1})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		select {
		case <-s.Driver.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("replay did not finish")
		}
	}

	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(m.List()) == 0 }, time.Second, 5*time.Millisecond)
	_, err := m.Get(sessions[0].ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

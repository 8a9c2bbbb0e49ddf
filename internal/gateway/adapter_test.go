package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-core/internal/errs"
	"options-core/internal/monitor"
	"options-core/pkg/broker"
)

// scripted is a broker whose calls return queued errors before succeeding.
type scripted struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	placed   []broker.OrderRequest
	existing []broker.Order
}

func (s *scripted) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scripted) ValidateSession(ctx context.Context) error { return s.next() }

func (s *scripted) Quote(ctx context.Context, symbol string) (float64, error) {
	if err := s.next(); err != nil {
		return 0, err
	}
	return 101.5, nil
}

func (s *scripted) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	s.mu.Lock()
	s.placed = append(s.placed, req)
	s.mu.Unlock()
	if err := s.next(); err != nil {
		return broker.Order{}, err
	}
	return broker.Order{ID: "o-1", Tag: req.Tag, Status: broker.StatusComplete}, nil
}

func (s *scripted) CancelOrder(ctx context.Context, id string) error { return s.next() }

func (s *scripted) ModifyOrder(ctx context.Context, id string, price float64, qty int) (broker.Order, error) {
	return broker.Order{ID: id}, s.next()
}

func (s *scripted) Margins(ctx context.Context) (broker.Margins, error) {
	return broker.Margins{Available: 5000}, s.next()
}

func (s *scripted) Orders(ctx context.Context) ([]broker.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing, nil
}

func (s *scripted) Positions(ctx context.Context) ([]broker.Position, error) { return nil, s.next() }

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func newTestAdapter(b broker.Broker, cfg Config) (*Adapter, *sleeps) {
	sl := &sleeps{}
	cfg.RatePerSec = 0
	return NewAdapter("dep-1", b, cfg, WithSleep(sl.sleep)), sl
}

func TestSessionInvalidNeverRetried(t *testing.T) {
	invalid := errs.SessionInvalid("broker", errors.New("token expired"))
	b := &scripted{errs: []error{invalid, invalid, invalid}}
	a, sl := newTestAdapter(b, DefaultConfig())

	for i := 0; i < 3; i++ {
		err := a.ValidateSession(context.Background())
		require.Error(t, err)
		assert.True(t, errs.IsSessionInvalid(err))
		assert.Equal(t, i+1, b.calls)
	}
	assert.Empty(t, sl.delays)
	assert.Equal(t, 0, a.Stats().Streak)
}

func TestTransientRetriedWithLinearBackoff(t *testing.T) {
	b := &scripted{errs: []error{syscall.ECONNRESET, context.DeadlineExceeded}}
	a, sl := newTestAdapter(b, DefaultConfig())

	q, err := a.Quote(context.Background(), "NIFTY2411145000PE")
	require.NoError(t, err)
	assert.Equal(t, 101.5, q)
	assert.Equal(t, 3, b.calls)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 3 * time.Second}, sl.delays)
	assert.Equal(t, 0, a.Stats().Streak)
}

func TestTransientBudgetExhausted(t *testing.T) {
	b := &scripted{errs: []error{syscall.ECONNRESET, syscall.ECONNRESET, syscall.ECONNRESET, nil}}
	a, sl := newTestAdapter(b, DefaultConfig())

	_, err := a.Margins(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, 3, b.calls)
	assert.Len(t, sl.delays, 2)
}

func TestPermanentFailsImmediately(t *testing.T) {
	b := &scripted{errs: []error{errors.New("order rejected: bad symbol")}}
	a, sl := newTestAdapter(b, DefaultConfig())

	_, err := a.Positions(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindPermanent, errs.KindOf(err))
	assert.Equal(t, 1, b.calls)
	assert.Empty(t, sl.delays)
}

func TestCircuitOpensAfterStreak(t *testing.T) {
	now := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.Attempts = 1
	cfg.FailureThreshold = 2
	cfg.CircuitTimeout = time.Minute
	cfg.RatePerSec = 0
	b := &scripted{errs: []error{syscall.ECONNRESET, syscall.ECONNRESET}}
	m := monitor.NewMetrics()
	a := NewAdapter("dep-1", b, cfg, WithClock(func() time.Time { return now }), WithMetrics(m))

	ctx := context.Background()
	_, _ = a.Quote(ctx, "X")
	_, _ = a.Quote(ctx, "X")
	assert.True(t, a.Stats().CircuitOpen)
	assert.True(t, m.Snapshot().Gateways["dep-1"].CircuitOpen)

	_, err := a.Quote(ctx, "X")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, b.calls)

	now = now.Add(2 * time.Minute)
	q, err := a.Quote(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 101.5, q)
	assert.False(t, a.Stats().CircuitOpen)
}

func TestPlaceOrderRetryFindsExistingTag(t *testing.T) {
	b := &scripted{errs: []error{syscall.ECONNRESET}}
	a, _ := newTestAdapter(b, DefaultConfig())

	b.existing = []broker.Order{{ID: "venue-7", Tag: "abc", Status: broker.StatusComplete}}
	o, err := a.PlaceOrder(context.Background(), broker.OrderRequest{Tag: "abc", Symbol: "X", Side: broker.Buy, Qty: 75})
	require.NoError(t, err)
	assert.Equal(t, "venue-7", o.ID)
	assert.Len(t, b.placed, 1)
}

type upperCrypt struct{}

func (upperCrypt) Decrypt(s string) (string, error) {
	if !strings.HasPrefix(s, "enc:") {
		return "", errors.New("bad ciphertext")
	}
	return strings.TrimPrefix(s, "enc:"), nil
}

func TestPoolOpensOneAdapterPerDeployment(t *testing.T) {
	var tokens []string
	factory := func(token string) (broker.Broker, error) {
		tokens = append(tokens, token)
		return broker.NewPaper(token, broker.PaperConfig{Margin: 1000}, nil), nil
	}
	pool := NewPool(factory, upperCrypt{}, monitor.NewMetrics(), PoolConfig{MaxSize: 1, Adapter: DefaultConfig()})

	a1, err := pool.Open("dep-1", "enc:secret")
	require.NoError(t, err)
	again, err := pool.Open("dep-1", "enc:secret")
	require.NoError(t, err)
	assert.Same(t, a1, again)
	assert.Equal(t, []string{"secret"}, tokens)

	_, err = pool.Open("dep-2", "garbage")
	assert.Error(t, err)

	_, err = pool.Open("dep-2", "enc:other")
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Stats().Sessions)
	_, err = pool.Get("dep-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	pool.Remove("dep-2")
	assert.Equal(t, 0, pool.Stats().Sessions)
}

func TestPoolNeverEvictsSessionsInUse(t *testing.T) {
	factory := func(token string) (broker.Broker, error) {
		return broker.NewPaper(token, broker.PaperConfig{Margin: 1000}, nil), nil
	}
	running := map[string]bool{"dep-1": true}
	pool := NewPool(factory, nil, nil, PoolConfig{
		MaxSize: 2,
		Adapter: DefaultConfig(),
		InUse:   func(id string) bool { return running[id] },
	})

	a1, err := pool.Open("dep-1", "t1")
	require.NoError(t, err)
	_, err = pool.Open("dep-2", "t2")
	require.NoError(t, err)

	// dep-1 is the oldest but still running, so dep-2 makes room
	_, err = pool.Open("dep-3", "t3")
	require.NoError(t, err)
	got, err := pool.Get("dep-1")
	require.NoError(t, err)
	assert.Same(t, a1, got)
	_, err = pool.Get("dep-2")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	running["dep-3"] = true
	_, err = pool.Open("dep-4", "t4")
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, 2, pool.Stats().Sessions)
}

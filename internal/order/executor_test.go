package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-core/internal/errs"
	"options-core/internal/events"
	"options-core/internal/option"
	"options-core/internal/strategy"
	"options-core/pkg/broker"
	"options-core/pkg/cache"
	"options-core/pkg/db"
)

const symbol = "NIFTY2411145000PE"

func newTestExecutor(t *testing.T) (*Executor, *db.Database, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	bus := events.NewBus()
	ex := NewExecutor(database, bus, nil)
	ex.PollInterval = 5 * time.Millisecond
	ex.WaitTimeout = time.Second
	return ex, database, bus
}

func entryAction() strategy.Action {
	opt := option.Trade{
		IndexTradeID: "MS-1",
		Contract:     option.Contract{Symbol: symbol, Strike: 45000, Type: option.Put},
		EntryPrice:   100,
		LotSize:      75,
		Status:       option.StatusOpen,
	}
	return strategy.Action{
		Type:   strategy.ActionEnter,
		Trade:  &strategy.IndexTrade{ID: "MS-1", Side: strategy.Short, EntryPrice: 44980},
		Option: &opt,
	}
}

func TestIntentFor(t *testing.T) {
	in, ok := IntentFor("dep-1", entryAction())
	require.True(t, ok)
	assert.Equal(t, broker.Buy, in.Side)
	assert.Equal(t, 75, in.Qty)
	assert.Equal(t, symbol, in.Symbol)
	assert.Equal(t, "MS-1", in.TradeID)

	exit := entryAction()
	exit.Type = strategy.ActionExit
	exit.Reason = strategy.ExitIndexStop
	exit.Option.ExitPrice = 80
	in, ok = IntentFor("dep-1", exit)
	require.True(t, ok)
	assert.Equal(t, broker.Sell, in.Side)
	assert.Equal(t, 80.0, in.Price)
	assert.Equal(t, "index_stop", in.Reason)

	_, ok = IntentFor("dep-1", strategy.Action{Type: strategy.ActionSignal})
	assert.False(t, ok)
}

func TestExecuteFillsOnPaperBroker(t *testing.T) {
	ex, database, bus := newTestExecutor(t)
	filled, stop := bus.Subscribe(events.EventOrderFilled, 4)
	defer stop()

	paper := broker.NewPaper("tok", broker.PaperConfig{Margin: 100000}, nil)
	paper.SetQuote(symbol, 101)

	o, err := ex.Execute(context.Background(), paper, "dep-1", entryAction())
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, broker.StatusComplete, o.Status)
	assert.Equal(t, 101.0, o.AvgPrice)
	assert.NotEmpty(t, o.BrokerOrderID)
	assert.LessOrEqual(t, len(o.Tag), 23)

	select {
	case p := <-filled:
		assert.Equal(t, o.ID, p.(Order).ID)
	case <-time.After(time.Second):
		t.Fatal("no fill event")
	}

	rows, err := database.ListOrders(context.Background(), "dep-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "COMPLETE", rows[0].Status)
	assert.Equal(t, "MS-1", rows[0].TradeID)
	assert.Equal(t, o.Tag, rows[0].Tag)
}

func TestExecuteFillsFromModeledPremium(t *testing.T) {
	ex, _, _ := newTestExecutor(t)

	// only the index is quoted, as in the service wiring
	quotes := cache.NewQuoteCache()
	quotes.Set("NIFTY", 45010)
	factory := broker.PaperFactory(broker.PaperConfig{Margin: 500000}, option.ModelQuotes(quotes.Get, option.DefaultModel()))
	session, err := factory("tok")
	require.NoError(t, err)

	contract, err := option.ParseSymbol(symbol)
	require.NoError(t, err)
	want := option.DefaultModel().Premium(contract, 45010)

	o, err := ex.Submit(context.Background(), session, Intent{
		DeploymentID: "dep-1", TradeID: "MS-1", Symbol: symbol,
		Side: broker.Buy, Qty: 75, Price: want, Reason: "entry",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusComplete, o.Status)
	assert.Equal(t, want, o.AvgPrice)

	positions, err := session.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 75, positions[0].Qty)

	quotes.Delete("NIFTY")
	_, err = session.Quote(context.Background(), symbol)
	assert.Error(t, err, "no index price, no premium")
}

func TestExecuteRejectionIsPublished(t *testing.T) {
	ex, database, bus := newTestExecutor(t)
	rejected, stop := bus.Subscribe(events.EventOrderRejected, 4)
	defer stop()

	paper := broker.NewPaper("tok", broker.PaperConfig{Margin: 100}, nil)
	paper.SetQuote(symbol, 101)

	o, err := ex.Execute(context.Background(), paper, "dep-1", entryAction())
	require.Error(t, err)
	assert.Equal(t, errs.KindPermanent, errs.KindOf(err))
	assert.Equal(t, broker.StatusRejected, o.Status)
	assert.Contains(t, o.Message, "insufficient margin")

	select {
	case p := <-rejected:
		r := p.(Rejection)
		assert.Contains(t, r.AlertText(), "rejected")
	case <-time.After(time.Second):
		t.Fatal("no rejection event")
	}

	rows, err := database.ListOrders(context.Background(), "dep-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "REJECTED", rows[0].Status)
}

func TestDryRunSkipsBroker(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	ex.DryRun = true

	paper := broker.NewPaper("tok", broker.PaperConfig{Margin: 0}, nil)
	o, err := ex.Execute(context.Background(), paper, "dep-1", entryAction())
	require.NoError(t, err)
	assert.True(t, o.DryRun)
	assert.Equal(t, broker.StatusComplete, o.Status)
	assert.Equal(t, 100.0, o.AvgPrice)

	orders, err := paper.Orders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestWaitForCompletion(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	paper := broker.NewPaper("tok", broker.PaperConfig{Margin: 1e6, FillDelay: 30 * time.Millisecond}, nil)
	paper.SetQuote(symbol, 90)

	o, err := ex.Submit(context.Background(), paper, Intent{DeploymentID: "dep-1", Symbol: symbol, Side: broker.Buy, Qty: 75})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusComplete, o.Status)
	assert.Equal(t, 90.0, o.AvgPrice)

	slow := broker.NewPaper("tok", broker.PaperConfig{Margin: 1e6, FillDelay: time.Hour}, nil)
	slow.SetQuote(symbol, 90)
	venue, err := slow.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: symbol, Side: broker.Buy, Qty: 1})
	require.NoError(t, err)

	_, err = ex.WaitForCompletion(context.Background(), slow, venue.ID, 40*time.Millisecond, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.True(t, errs.Retryable(err))
}

func TestSubmitValidatesIntent(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	_, err := ex.Submit(context.Background(), nil, Intent{Symbol: symbol})
	assert.True(t, errs.IsValidation(err))
}

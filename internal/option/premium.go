package option

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"options-core/pkg/cache"
)

// TickSize is the premium price increment.
var TickSize = decimal.NewFromFloat(0.05)

// RoundTick rounds a premium to the nearest tick.
func RoundTick(p float64) float64 {
	d := decimal.NewFromFloat(p).Div(TickSize).Round(0).Mul(TickSize)
	return d.InexactFloat64()
}

// Model prices a contract as intrinsic value plus a time value that decays
// exponentially with distance from the strike. With Decay above the ATM time
// value the premium is monotonic in the index: puts fall and calls rise as
// the index rises.
type Model struct {
	ATMFactor float64 `json:"atm_factor" yaml:"atm_factor"` // ATM time value as a fraction of strike
	Decay     float64 `json:"decay" yaml:"decay"`           // index points; 0 picks 1.5x the ATM time value
}

// DefaultModel is roughly a weekly index option a few days from expiry.
func DefaultModel() Model { return Model{ATMFactor: 0.005} }

func (m Model) params(strike float64) (tv, decay float64) {
	f := m.ATMFactor
	if f <= 0 {
		f = 0.005
	}
	tv = strike * f
	decay = m.Decay
	if decay <= tv {
		decay = tv * 1.5
	}
	return tv, decay
}

// Premium returns the modeled premium of c at the given index price.
func (m Model) Premium(c Contract, index float64) float64 {
	tv, decay := m.params(c.Strike)
	dist := index - c.Strike
	var intrinsic float64
	if c.Type == Call {
		intrinsic = math.Max(dist, 0)
	} else {
		intrinsic = math.Max(-dist, 0)
	}
	p := intrinsic + tv*math.Exp(-math.Abs(dist)/decay)
	return math.Max(RoundTick(p), TickSize.InexactFloat64())
}

// Pricer returns the current premium for an open contract.
type Pricer interface {
	Premium(c Contract, index float64) float64
}

// ModelPricer prices purely from the model; used for batch evaluation.
type ModelPricer struct{ Model Model }

func (p ModelPricer) Premium(c Contract, index float64) float64 { return p.Model.Premium(c, index) }

// ModelQuotes prices option symbols from the model against the underlying's
// last index price. Any other symbol is looked up in index directly.
func ModelQuotes(index func(symbol string) (float64, bool), model Model) func(symbol string) (float64, bool) {
	return func(symbol string) (float64, bool) {
		c, err := ParseSymbol(symbol)
		if err != nil {
			return index(symbol)
		}
		spot, ok := index(c.Underlying)
		if !ok || spot <= 0 {
			return 0, false
		}
		return model.Premium(c, spot), true
	}
}

// QuoteSource fetches a live premium.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (float64, error)
}

// QuotePricer prefers a live quote, falls back to the last good quote and
// finally to the model, so a missing quote never blocks exit evaluation.
type QuotePricer struct {
	Source  QuoteSource
	Model   Model
	Timeout time.Duration
	Cache   *cache.QuoteCache
	MaxAge  time.Duration
}

func NewQuotePricer(src QuoteSource, model Model, timeout time.Duration) *QuotePricer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &QuotePricer{
		Source:  src,
		Model:   model,
		Timeout: timeout,
		Cache:   cache.NewQuoteCache(),
		MaxAge:  5 * time.Minute,
	}
}

func (p *QuotePricer) Premium(c Contract, index float64) float64 {
	if p.Source != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
		q, err := p.Source.Quote(ctx, c.Symbol)
		cancel()
		if err == nil && q > 0 {
			p.Cache.Set(c.Symbol, q)
			return q
		}
	}
	if q, age, ok := p.Cache.GetWithAge(c.Symbol); ok && (p.MaxAge <= 0 || age <= p.MaxAge) {
		return q
	}
	return p.Model.Premium(c, index)
}

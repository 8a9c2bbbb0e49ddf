package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"options-core/internal/errs"
	"options-core/pkg/logger"
)

var (
	ErrNoQuote            = errors.New("no quote for symbol")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrOrderClosed        = errors.New("order is no longer open")
	ErrSessionRevoked     = errors.New("session revoked")
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	Margin      float64       // starting cash
	SlippageBps float64       // applied against the taker on market fills
	FillDelay   time.Duration // market orders stay OPEN this long
}

// QuoteFunc supplies a fallback price for symbols without a pushed quote.
type QuoteFunc func(symbol string) (float64, bool)

// Paper is an in-memory broker: market orders fill at the quote plus
// slippage, buys consume margin and sells release it.
type Paper struct {
	mu        sync.Mutex
	cfg       PaperConfig
	token     string
	revoked   bool
	available decimal.Decimal
	used      decimal.Decimal
	quotes    map[string]float64
	fallback  QuoteFunc
	orders    map[string]*Order
	positions map[string]*Position
	now       func() time.Time
}

func NewPaper(token string, cfg PaperConfig, fallback QuoteFunc) *Paper {
	return &Paper{
		cfg:       cfg,
		token:     token,
		available: decimal.NewFromFloat(cfg.Margin),
		quotes:    make(map[string]float64),
		fallback:  fallback,
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
		now:       time.Now,
	}
}

// PaperFactory opens paper sessions sharing one quote fallback. Each token
// gets its own account.
func PaperFactory(cfg PaperConfig, fallback QuoteFunc) Factory {
	return func(token string) (Broker, error) {
		if token == "" {
			return nil, errs.SessionInvalid("open session", errors.New("empty access token"))
		}
		return NewPaper(token, cfg, fallback), nil
	}
}

// SetClock overrides the time source.
func (p *Paper) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// SetQuote pushes a price for symbol.
func (p *Paper) SetQuote(symbol string, price float64) {
	p.mu.Lock()
	p.quotes[symbol] = price
	p.mu.Unlock()
}

// Revoke makes every later call fail with SessionInvalid.
func (p *Paper) Revoke() {
	p.mu.Lock()
	p.revoked = true
	p.mu.Unlock()
}

func (p *Paper) check(op string) error {
	if p.revoked || p.token == "" {
		return errs.SessionInvalid(op, ErrSessionRevoked)
	}
	return nil
}

func (p *Paper) ValidateSession(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.check("validate session")
}

func (p *Paper) quoteLocked(symbol string) (float64, bool) {
	if q, ok := p.quotes[symbol]; ok && q > 0 {
		return q, true
	}
	if p.fallback != nil {
		return p.fallback(symbol)
	}
	return 0, false
}

func (p *Paper) Quote(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("quote"); err != nil {
		return 0, err
	}
	q, ok := p.quoteLocked(symbol)
	if !ok {
		return 0, errs.Permanent("quote", fmt.Errorf("%w: %s", ErrNoQuote, symbol))
	}
	return q, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("place order"); err != nil {
		return Order{}, err
	}
	if req.Qty <= 0 || req.Symbol == "" {
		return Order{}, errs.Permanent("place order", fmt.Errorf("invalid order qty=%d symbol=%q", req.Qty, req.Symbol))
	}
	if req.Type == "" {
		req.Type = Market
	}

	now := p.now()
	o := &Order{
		ID:        uuid.NewString(),
		Tag:       req.Tag,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Qty:       req.Qty,
		Price:     req.Price,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.orders[o.ID] = o

	if req.Type == Market && p.cfg.FillDelay > 0 {
		return *o, nil
	}
	if err := p.tryFill(o, now); err != nil {
		return *o, err
	}
	return *o, nil
}

// tryFill fills o if it is marketable, rejecting it when margin or inventory
// is missing.
func (p *Paper) tryFill(o *Order, now time.Time) error {
	q, ok := p.quoteLocked(o.Symbol)
	if !ok {
		if o.Type == Market {
			return p.reject(o, now, fmt.Errorf("%w: %s", ErrNoQuote, o.Symbol))
		}
		return nil
	}

	price := decimal.NewFromFloat(q)
	slip := decimal.NewFromFloat(p.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
	if o.Side == Buy {
		price = price.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = price.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	price = price.Round(2)

	if o.Type == Limit {
		limit := decimal.NewFromFloat(o.Price)
		if (o.Side == Buy && price.GreaterThan(limit)) || (o.Side == Sell && price.LessThan(limit)) {
			return nil
		}
	}

	qty := decimal.NewFromInt(int64(o.Qty))
	value := price.Mul(qty)
	pos := p.positions[o.Symbol]

	switch o.Side {
	case Buy:
		if value.GreaterThan(p.available) {
			return p.reject(o, now, fmt.Errorf("%w: need %s, have %s", ErrInsufficientMargin, value.StringFixed(2), p.available.StringFixed(2)))
		}
		p.available = p.available.Sub(value)
		p.used = p.used.Add(value)
		if pos == nil {
			pos = &Position{Symbol: o.Symbol}
			p.positions[o.Symbol] = pos
		}
		cost := decimal.NewFromFloat(pos.AvgPrice).Mul(decimal.NewFromInt(int64(pos.Qty))).Add(value)
		pos.Qty += o.Qty
		pos.AvgPrice = cost.Div(decimal.NewFromInt(int64(pos.Qty))).InexactFloat64()
	case Sell:
		if pos == nil || pos.Qty < o.Qty {
			return p.reject(o, now, fmt.Errorf("sell %d %s exceeds holding", o.Qty, o.Symbol))
		}
		basis := decimal.NewFromFloat(pos.AvgPrice).Mul(qty)
		p.available = p.available.Add(value)
		p.used = decimal.Max(p.used.Sub(basis), decimal.Zero)
		pos.PnL = decimal.NewFromFloat(pos.PnL).Add(value.Sub(basis)).InexactFloat64()
		pos.Qty -= o.Qty
		if pos.Qty == 0 {
			pos.AvgPrice = 0
		}
	default:
		return p.reject(o, now, fmt.Errorf("unknown side %q", o.Side))
	}

	pos.LastPrice = q
	o.FilledQty = o.Qty
	o.AvgPrice = price.InexactFloat64()
	o.Status = StatusComplete
	o.UpdatedAt = now
	logger.Named("paper").Debugw("fill", "order", o.ID, "tag", o.Tag, "symbol", o.Symbol, "side", o.Side, "qty", o.Qty, "price", o.AvgPrice)
	return nil
}

func (p *Paper) reject(o *Order, now time.Time, cause error) error {
	o.Status = StatusRejected
	o.Message = cause.Error()
	o.UpdatedAt = now
	return errs.Permanent("place order", cause)
}

// settle fills delayed market orders whose delay has passed.
func (p *Paper) settle(now time.Time) {
	for _, o := range p.orders {
		if o.Status == StatusOpen && (o.Type == Limit || !now.Before(o.CreatedAt.Add(p.cfg.FillDelay))) {
			_ = p.tryFill(o, now)
		}
	}
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("cancel order"); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return errs.Permanent("cancel order", fmt.Errorf("%w: %s", ErrUnknownOrder, orderID))
	}
	if o.Status.Terminal() {
		return errs.Permanent("cancel order", fmt.Errorf("%w: %s is %s", ErrOrderClosed, orderID, o.Status))
	}
	o.Status = StatusCancelled
	o.UpdatedAt = p.now()
	return nil
}

func (p *Paper) ModifyOrder(ctx context.Context, orderID string, price float64, qty int) (Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("modify order"); err != nil {
		return Order{}, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return Order{}, errs.Permanent("modify order", fmt.Errorf("%w: %s", ErrUnknownOrder, orderID))
	}
	if o.Status.Terminal() {
		return *o, errs.Permanent("modify order", fmt.Errorf("%w: %s is %s", ErrOrderClosed, orderID, o.Status))
	}
	if price > 0 {
		o.Price = price
	}
	if qty > 0 {
		o.Qty = qty
	}
	now := p.now()
	o.UpdatedAt = now
	if o.Type == Limit {
		if err := p.tryFill(o, now); err != nil {
			return *o, err
		}
	}
	return *o, nil
}

func (p *Paper) Margins(ctx context.Context) (Margins, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("margins"); err != nil {
		return Margins{}, err
	}
	return Margins{Available: p.available.InexactFloat64(), Used: p.used.InexactFloat64()}, nil
}

func (p *Paper) Orders(ctx context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("orders"); err != nil {
		return nil, err
	}
	p.settle(p.now())
	out := make([]Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("positions"); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

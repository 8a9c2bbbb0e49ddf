package option

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrAlreadyClosed = errors.New("option trade already closed")

// Status of an option trade.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Trade is the simulated option position linked 1:1 to an index trade.
// ExitTime is nil while the trade is open.
type Trade struct {
	IndexTradeID string     `json:"index_trade_id"`
	Contract     Contract   `json:"contract"`
	EntryTime    time.Time  `json:"entry_time"`
	EntryPrice   float64    `json:"entry_price"`
	StopLoss     float64    `json:"stop_loss_price"`
	Target       float64    `json:"target_price"`
	LotSize      int        `json:"lot_size"`
	ExitTime     *time.Time `json:"exit_time,omitempty"`
	ExitPrice    float64    `json:"exit_price"`
	ExitReason   string     `json:"exit_reason,omitempty"`
	PnL          float64    `json:"pnl"`
	Status       Status     `json:"status"`
}

// Open starts a trade. stopPct is negative (e.g. -0.3); targetPct positive.
// Stop and target are fixed here and never recomputed.
func Open(indexTradeID string, c Contract, premium float64, at time.Time, lotSize int, stopPct, targetPct float64) *Trade {
	return &Trade{
		IndexTradeID: indexTradeID,
		Contract:     c,
		EntryTime:    at,
		EntryPrice:   premium,
		StopLoss:     threshold(premium, stopPct),
		Target:       threshold(premium, targetPct),
		LotSize:      lotSize,
		Status:       StatusOpen,
	}
}

// threshold is premium x (1 + pct), exact and unrounded.
func threshold(premium, pct float64) float64 {
	one := decimal.NewFromInt(1)
	return decimal.NewFromFloat(premium).Mul(one.Add(decimal.NewFromFloat(pct))).InexactFloat64()
}

func (t *Trade) IsOpen() bool { return t != nil && t.Status == StatusOpen }

func (t *Trade) HitStop(premium float64) bool { return premium <= t.StopLoss }

func (t *Trade) HitTarget(premium float64) bool { return premium >= t.Target }

// Close records the exit and realizes P&L.
func (t *Trade) Close(premium float64, at time.Time, reason string) error {
	if !t.IsOpen() {
		return ErrAlreadyClosed
	}
	exit := at
	t.ExitTime = &exit
	t.ExitPrice = premium
	t.ExitReason = reason
	t.PnL = PnL(t.EntryPrice, premium, t.LotSize)
	t.Status = StatusClosed
	return nil
}

// Unrealized is the mark-to-market P&L at premium.
func (t *Trade) Unrealized(premium float64) float64 {
	if !t.IsOpen() {
		return 0
	}
	return PnL(t.EntryPrice, premium, t.LotSize)
}

// PnL = (exit - entry) * lotSize, computed in decimal.
func PnL(entry, exit float64, lotSize int) float64 {
	return decimal.NewFromFloat(exit).
		Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromInt(int64(lotSize))).
		InexactFloat64()
}

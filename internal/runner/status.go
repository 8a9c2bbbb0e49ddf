package runner

import (
	"sync"
	"time"

	"options-core/internal/events"
	"options-core/internal/market"
	"options-core/internal/option"
	"options-core/internal/strategy"
)

// Progress describes a replay session's position in its candle series.
type Progress struct {
	Delivered int     `json:"delivered"`
	Total     int     `json:"total"`
	Speed     float64 `json:"speed"`
	Paused    bool    `json:"paused"`
	Done      bool    `json:"done"`
}

// Status is a read-only snapshot of one runner.
type Status struct {
	DeploymentID string                 `json:"deployment_id"`
	Name         string                 `json:"name"`
	Kind         strategy.Kind          `json:"kind"`
	Instrument   string                 `json:"instrument"`
	Phase        strategy.Phase         `json:"phase"`
	Signal       *strategy.SignalCandle `json:"signal,omitempty"`
	Position     *strategy.IndexTrade   `json:"position,omitempty"`
	Option       *option.Trade          `json:"option,omitempty"`
	Confirmed    bool                   `json:"reentry_confirmed"`
	Indicators   any                    `json:"indicators,omitempty"`

	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	RealizedPnL float64 `json:"realized_pnl"`
	IndexPnL    float64 `json:"index_pnl"`

	LastPrice     float64        `json:"last_price"`
	LastCandle    *market.Candle `json:"last_candle,omitempty"`
	LastExecution time.Time      `json:"last_execution"`

	Paused   bool      `json:"paused"`
	Replay   bool      `json:"replay"`
	Progress *Progress `json:"progress,omitempty"`
	Fault    string    `json:"fault,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`

	Audit []events.Audit `json:"audit"`
}

// AuditRing keeps the most recent audit events. Every event gets a
// sequence number so readers can ask for what they have not seen.
type AuditRing struct {
	mu    sync.RWMutex
	buf   []events.Audit
	seqs  []uint64
	next  int
	count int
	seq   uint64
}

func NewAuditRing(size int) *AuditRing {
	if size <= 0 {
		size = 200
	}
	return &AuditRing{buf: make([]events.Audit, size), seqs: make([]uint64, size)}
}

// Add appends an event, overwriting the oldest once full.
func (r *AuditRing) Add(a events.Audit) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.buf[r.next] = a
	r.seqs[r.next] = r.seq
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	return r.seq
}

// Snapshot returns the retained events, oldest first.
func (r *AuditRing) Snapshot() []events.Audit {
	out, _ := r.Since(0)
	return out
}

// Since returns retained events with a sequence above seq, oldest first, and
// the latest sequence number.
func (r *AuditRing) Since(seq uint64) ([]events.Audit, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]events.Audit, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		j := (start + i) % len(r.buf)
		if r.seqs[j] > seq {
			out = append(out, copyAudit(r.buf[j]))
		}
	}
	return out, r.seq
}

func (r *AuditRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func copyAudit(a events.Audit) events.Audit {
	if a.Data != nil {
		data := make(map[string]any, len(a.Data))
		for k, v := range a.Data {
			data[k] = v
		}
		a.Data = data
	}
	return a
}

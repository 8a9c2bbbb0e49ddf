// Package deployment owns the durable deployment lifecycle: scheduled
// activation, pause/resume/stop, margin checks, reconciliation against the
// broker and archival on delete.
package deployment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"options-core/internal/events"
	"options-core/internal/strategy"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

var ErrInvalidTransition = errors.New("invalid deployment transition")

var transitions = map[Status][]Status{
	StatusScheduled: {StatusActive, StatusStopped, StatusError},
	StatusActive:    {StatusPaused, StatusStopped, StatusError},
	StatusPaused:    {StatusActive, StatusStopped, StatusError},
	StatusError:     {StatusStopped},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(r *Record, to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, r.Status, to, r.ID)
	}
	r.Status = to
	return nil
}

// StateVersion is the current StateBlob layout.
const StateVersion = 1

// HistoryLimit bounds the audit history kept on the record.
const HistoryLimit = 200

// MarginCheck is the last pre-trade margin comparison.
type MarginCheck struct {
	Required  float64   `json:"required"`
	Available float64   `json:"available"`
	Premium   float64   `json:"premium"`
	Units     int       `json:"units"`
	OK        bool      `json:"ok"`
	CheckedAt time.Time `json:"checked_at"`
}

// Reconciliation compares what the runner believes it holds with what the
// broker reports.
type Reconciliation struct {
	At          time.Time `json:"at"`
	Symbol      string    `json:"symbol,omitempty"`
	ExpectedQty int       `json:"expected_qty"`
	BrokerQty   int       `json:"broker_qty"`
	Orders      int       `json:"orders"`
	OpenOrders  int       `json:"open_orders"`
	Available   float64   `json:"available"`
	Drift       bool      `json:"drift"`
	Error       string    `json:"error,omitempty"`
}

// StateBlob is the versioned JSON document stored with each record.
type StateBlob struct {
	Version     int             `json:"version"`
	Strategy    json.RawMessage `json:"strategy,omitempty"`
	Ledger      json.RawMessage `json:"ledger,omitempty"`
	History     []events.Audit  `json:"history"`
	Margin      *MarginCheck    `json:"margin,omitempty"`
	Reconcile   *Reconciliation `json:"reconcile,omitempty"`
	RealizedPnL float64         `json:"realized_pnl"`
	Trades      int             `json:"trades"`
}

// AppendHistory adds audit events, keeping the newest HistoryLimit.
func (b *StateBlob) AppendHistory(evs ...events.Audit) {
	b.History = append(b.History, evs...)
	if n := len(b.History) - HistoryLimit; n > 0 {
		b.History = append([]events.Audit(nil), b.History[n:]...)
	}
}

// DecodeState parses a stored blob. Blobs written before versioning are
// upgraded in place; newer versions are refused.
func DecodeState(raw string) (StateBlob, error) {
	var b StateBlob
	if raw == "" || raw == "{}" {
		return StateBlob{Version: StateVersion}, nil
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return StateBlob{}, fmt.Errorf("decode state blob: %w", err)
	}
	switch {
	case b.Version == 0:
		b.Version = StateVersion
	case b.Version > StateVersion:
		return StateBlob{}, fmt.Errorf("state blob version %d is newer than supported %d", b.Version, StateVersion)
	}
	return b, nil
}

func (b StateBlob) encode() (string, error) {
	b.Version = StateVersion
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode state blob: %w", err)
	}
	return string(data), nil
}

// Record is one deployment as the orchestrator sees it.
type Record struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Status         Status          `json:"status"`
	ScheduledStart *time.Time      `json:"scheduled_start,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	Params         strategy.Params `json:"params"`
	State          StateBlob       `json:"state"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	SessionToken   string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Change is published on EventDeploymentChanged.
type Change struct {
	ID      string `json:"id"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// SessionAlert is published on EventSessionInvalid.
type SessionAlert struct {
	DeploymentID string `json:"deployment_id"`
	Reason       string `json:"reason"`
}

func (a SessionAlert) AlertText() string {
	return fmt.Sprintf("broker session for %s is invalid, deployment paused: %s", a.DeploymentID, a.Reason)
}

package db

import (
	"database/sql"
	"time"
)

// Deployment is the durable deployment row. Config and StateBlob hold JSON
// documents owned by the deployment package.
type Deployment struct {
	ID             string
	Name           string
	Status         string
	ScheduledStart *time.Time
	StartedAt      *time.Time
	LastRunAt      *time.Time
	Config         string
	StateBlob      string
	ErrorMessage   string
	SessionToken   string // encrypted at rest
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ArchivedDeployment is a redacted copy kept after deletion.
type ArchivedDeployment struct {
	DeploymentID string
	Payload      string
	ArchivedBy   string
	ArchivedAt   time.Time
}

// Order is one broker order placed for a deployment.
type Order struct {
	ID            string
	DeploymentID  string
	Tag           string
	TradeID       string
	Symbol        string
	Side          string
	Qty           int
	Price         float64
	AvgPrice      float64
	Status        string
	BrokerOrderID string
	Message       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditEvent is an append-only runner audit row.
type AuditEvent struct {
	ID           string
	DeploymentID string
	Timestamp    time.Time
	Type         string
	Message      string
	Data         string
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

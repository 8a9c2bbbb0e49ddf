package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("record not found")

const deploymentColumns = `id, name, status, scheduled_start, started_at, last_run_at,
	config, state_blob, error_message, session_token, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(s scanner) (Deployment, error) {
	var (
		d                           Deployment
		scheduled, started, lastRun sql.NullTime
	)
	err := s.Scan(&d.ID, &d.Name, &d.Status, &scheduled, &started, &lastRun,
		&d.Config, &d.StateBlob, &d.ErrorMessage, &d.SessionToken, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Deployment{}, err
	}
	d.ScheduledStart = timePtr(scheduled)
	d.StartedAt = timePtr(started)
	d.LastRunAt = timePtr(lastRun)
	return d, nil
}

// CreateDeployment inserts a new deployment row.
func (d *Database) CreateDeployment(ctx context.Context, dep Deployment) error {
	now := time.Now().UTC()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO deployments (`+deploymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		dep.ID, dep.Name, dep.Status, nullTime(dep.ScheduledStart), nullTime(dep.StartedAt), nullTime(dep.LastRunAt),
		dep.Config, orEmptyJSON(dep.StateBlob), dep.ErrorMessage, dep.SessionToken, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert deployment %s: %w", dep.ID, err)
	}
	return nil
}

// GetDeployment returns ErrNotFound when id does not exist.
func (d *Database) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	dep, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Deployment{}, ErrNotFound
	}
	if err != nil {
		return Deployment{}, fmt.Errorf("get deployment %s: %w", id, err)
	}
	return dep, nil
}

// ListDeployments returns deployments, optionally filtered by status.
func (d *Database) ListDeployments(ctx context.Context, statuses ...string) ([]Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// UpdateDeployment rewrites the mutable columns of a deployment.
func (d *Database) UpdateDeployment(ctx context.Context, dep Deployment) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE deployments SET
			name = ?, status = ?, scheduled_start = ?, started_at = ?, last_run_at = ?,
			config = ?, state_blob = ?, error_message = ?, session_token = ?, updated_at = ?
		WHERE id = ?
	`,
		dep.Name, dep.Status, nullTime(dep.ScheduledStart), nullTime(dep.StartedAt), nullTime(dep.LastRunAt),
		dep.Config, orEmptyJSON(dep.StateBlob), dep.ErrorMessage, dep.SessionToken, time.Now().UTC(), dep.ID,
	)
	if err != nil {
		return fmt.Errorf("update deployment %s: %w", dep.ID, err)
	}
	return requireRow(res)
}

// DeleteDeployment removes the live row.
func (d *Database) DeleteDeployment(ctx context.Context, id string) error {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete deployment %s: %w", id, err)
	}
	return requireRow(res)
}

// ArchiveDeployment stores a copy of dep with the session token removed. It
// returns false when the deployment was already archived.
func (d *Database) ArchiveDeployment(ctx context.Context, dep Deployment, archivedBy string) (bool, error) {
	return archive(ctx, d.DB, dep, archivedBy)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func archive(ctx context.Context, ex execer, dep Deployment, archivedBy string) (bool, error) {
	dep.SessionToken = ""
	payload, err := json.Marshal(dep)
	if err != nil {
		return false, fmt.Errorf("encode archive payload: %w", err)
	}
	res, err := ex.ExecContext(ctx, `
		INSERT OR IGNORE INTO deployment_archive (deployment_id, payload, archived_by, archived_at)
		VALUES (?, ?, ?, ?)
	`, dep.ID, string(payload), archivedBy, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("archive deployment %s: %w", dep.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ArchiveAndDelete archives then deletes a deployment in one transaction.
// An existing archive row is kept as is.
func (d *Database) ArchiveAndDelete(ctx context.Context, dep Deployment, archivedBy string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := archive(ctx, tx, dep, archivedBy); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, dep.ID); err != nil {
		return fmt.Errorf("delete deployment %s: %w", dep.ID, err)
	}
	return tx.Commit()
}

// GetArchive returns the archived copy of a deployment.
func (d *Database) GetArchive(ctx context.Context, id string) (ArchivedDeployment, error) {
	var a ArchivedDeployment
	err := d.DB.QueryRowContext(ctx, `
		SELECT deployment_id, payload, archived_by, archived_at
		FROM deployment_archive WHERE deployment_id = ?
	`, id).Scan(&a.DeploymentID, &a.Payload, &a.ArchivedBy, &a.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchivedDeployment{}, ErrNotFound
	}
	if err != nil {
		return ArchivedDeployment{}, fmt.Errorf("get archive %s: %w", id, err)
	}
	return a, nil
}

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, deployment_id, tag, trade_id, symbol, side, qty, price, avg_price,
			status, broker_order_id, message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.DeploymentID, o.Tag, o.TradeID, o.Symbol, o.Side, o.Qty, o.Price, o.AvgPrice,
		o.Status, o.BrokerOrderID, o.Message, o.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderStatus records the latest broker view of an order.
func (d *Database) UpdateOrderStatus(ctx context.Context, id, status, brokerOrderID string, avgPrice float64, message string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, broker_order_id = ?, avg_price = ?, message = ?, updated_at = ?
		WHERE id = ?
	`, status, brokerOrderID, avgPrice, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	return requireRow(res)
}

// ListOrders returns a deployment's most recent orders, newest first.
func (d *Database) ListOrders(ctx context.Context, deploymentID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, deployment_id, tag, trade_id, symbol, side, qty, price, avg_price,
		       status, broker_order_id, message, created_at, updated_at
		FROM orders
		WHERE deployment_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.DeploymentID, &o.Tag, &o.TradeID, &o.Symbol, &o.Side, &o.Qty, &o.Price,
			&o.AvgPrice, &o.Status, &o.BrokerOrderID, &o.Message, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertAuditEvents writes a batch of audit rows in one transaction.
// Rows whose id already exists are skipped.
func (d *Database) InsertAuditEvents(ctx context.Context, events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_events (id, deployment_id, ts, event_type, message, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.ID, e.DeploymentID, e.Timestamp.UTC(), e.Type, e.Message, orEmptyJSON(e.Data)); err != nil {
			return fmt.Errorf("insert audit event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// ListAuditEvents returns a deployment's audit trail, oldest first.
func (d *Database) ListAuditEvents(ctx context.Context, deploymentID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, deployment_id, ts, event_type, message, data
		FROM audit_events
		WHERE deployment_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.DeploymentID, &e.Timestamp, &e.Type, &e.Message, &e.Data); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestDeploymentLifecycle(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	start := time.Date(2024, 1, 10, 3, 45, 0, 0, time.UTC)
	dep := Deployment{
		ID:             "dep-1",
		Name:           "nifty mountain",
		Status:         "scheduled",
		ScheduledStart: &start,
		Config:         `{"kind":"mountain_signal"}`,
		SessionToken:   "ciphertext",
	}
	if err := database.CreateDeployment(ctx, dep); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := database.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != dep.Name || got.Status != "scheduled" {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.ScheduledStart == nil || !got.ScheduledStart.Equal(start) {
		t.Errorf("scheduled_start = %v, want %v", got.ScheduledStart, start)
	}
	if got.StartedAt != nil {
		t.Errorf("started_at should be NULL, got %v", got.StartedAt)
	}
	if got.StateBlob != "{}" {
		t.Errorf("state_blob default = %q", got.StateBlob)
	}

	now := start.Add(time.Minute)
	got.Status = "active"
	got.StartedAt = &now
	got.LastRunAt = &now
	got.StateBlob = `{"phase":"idle"}`
	if err := database.UpdateDeployment(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	active, err := database.ListDeployments(ctx, "active", "paused")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].StateBlob != `{"phase":"idle"}` {
		t.Fatalf("unexpected active list: %+v", active)
	}
	if active[0].LastRunAt == nil || !active[0].LastRunAt.Equal(now) {
		t.Errorf("last_run_at = %v", active[0].LastRunAt)
	}

	none, err := database.ListDeployments(ctx, "stopped")
	if err != nil {
		t.Fatalf("list stopped: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no stopped deployments, got %d", len(none))
	}

	if _, err := database.GetDeployment(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := database.UpdateDeployment(ctx, Deployment{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestArchiveIsIdempotentAndRedacted(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	dep := Deployment{ID: "dep-2", Name: "orb", Status: "stopped", Config: "{}", SessionToken: "secret"}
	if err := database.CreateDeployment(ctx, dep); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := database.ArchiveDeployment(ctx, dep, "alice")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !first {
		t.Fatalf("first archive should insert")
	}
	again, err := database.ArchiveDeployment(ctx, dep, "bob")
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if again {
		t.Errorf("second archive should be a no-op")
	}

	if err := database.ArchiveAndDelete(ctx, dep, "carol"); err != nil {
		t.Fatalf("archive and delete: %v", err)
	}
	if _, err := database.GetDeployment(ctx, "dep-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("live row should be gone, got %v", err)
	}

	a, err := database.GetArchive(ctx, "dep-2")
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	if a.ArchivedBy != "alice" {
		t.Errorf("archived_by = %q, want alice", a.ArchivedBy)
	}
	var payload Deployment
	if err := json.Unmarshal([]byte(a.Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.SessionToken != "" {
		t.Errorf("session token leaked into archive")
	}
	if payload.Name != "orb" {
		t.Errorf("payload name = %q", payload.Name)
	}
}

func TestOrdersByDeployment(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 10, 4, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		o := Order{
			ID:           fmt.Sprintf("o-%d", i),
			DeploymentID: "dep-1",
			Tag:          fmt.Sprintf("tag%d", i),
			TradeID:      "MS-1",
			Symbol:       "NIFTY2411145000PE",
			Side:         "BUY",
			Qty:          75,
			Status:       "OPEN",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := database.CreateOrder(ctx, o); err != nil {
			t.Fatalf("create order %d: %v", i, err)
		}
	}
	if err := database.CreateOrder(ctx, Order{ID: "dup", DeploymentID: "dep-1", Tag: "tag0", Symbol: "X", Side: "BUY", Qty: 1, Status: "OPEN"}); err == nil {
		t.Errorf("duplicate tag should be rejected")
	}
	if err := database.CreateOrder(ctx, Order{ID: "other", DeploymentID: "dep-9", Tag: "z", Symbol: "X", Side: "SELL", Qty: 1, Status: "OPEN"}); err != nil {
		t.Fatalf("create other: %v", err)
	}

	if err := database.UpdateOrderStatus(ctx, "o-0", "COMPLETE", "venue-1", 101.25, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := database.UpdateOrderStatus(ctx, "nope", "COMPLETE", "", 0, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	orders, err := database.ListOrders(ctx, "dep-1", 10)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(orders))
	}
	if orders[0].ID != "o-2" {
		t.Errorf("newest first expected, got %s", orders[0].ID)
	}
	last := orders[2]
	if last.Status != "COMPLETE" || last.BrokerOrderID != "venue-1" || last.AvgPrice != 101.25 {
		t.Errorf("status update not persisted: %+v", last)
	}

	limited, err := database.ListOrders(ctx, "dep-1", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit not applied, got %d", len(limited))
	}
}

func TestAuditEventsBatch(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 10, 4, 0, 0, 0, time.UTC)
	batch := make([]AuditEvent, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, AuditEvent{
			ID:           fmt.Sprintf("a-%d", i),
			DeploymentID: "dep-1",
			Timestamp:    base.Add(time.Duration(i) * time.Second),
			Type:         "signal",
			Message:      fmt.Sprintf("event %d", i),
		})
	}
	if err := database.InsertAuditEvents(ctx, batch); err != nil {
		t.Fatalf("insert batch: %v", err)
	}
	// Replayed batches are ignored.
	if err := database.InsertAuditEvents(ctx, batch[:2]); err != nil {
		t.Fatalf("replay batch: %v", err)
	}
	if err := database.InsertAuditEvents(ctx, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	all, err := database.ListAuditEvents(ctx, "dep-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}
	if all[0].ID != "a-0" || all[4].ID != "a-4" {
		t.Errorf("expected oldest first, got %s..%s", all[0].ID, all[4].ID)
	}
	if all[0].Data != "{}" {
		t.Errorf("data default = %q", all[0].Data)
	}

	recent, err := database.ListAuditEvents(ctx, "dep-1", 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "a-3" || recent[1].ID != "a-4" {
		t.Errorf("unexpected recent window: %+v", recent)
	}
}

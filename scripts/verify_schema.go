package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"options-core/pkg/db"
)

// Checks that a database file carries every table and column the service
// reads. Run with -migrate to patch it first.
//
//   go run ./scripts/verify_schema.go -db ./data/options.db

var required = map[string][]string{
	"deployments":        {"id", "status", "config", "state_blob", "session_token", "last_run_at"},
	"deployment_archive": {"deployment_id", "payload", "archived_by"},
	"orders":             {"id", "deployment_id", "tag", "trade_id", "status", "broker_order_id"},
	"audit_events":       {"id", "deployment_id", "ts", "event_type", "data"},
}

var order = []string{"deployments", "deployment_archive", "orders", "audit_events"}

func main() {
	dbPath := flag.String("db", "./data/options.db", "SQLite file to verify")
	migrate := flag.Bool("migrate", false, "apply migrations before checking")
	flag.Parse()

	database, err := db.New(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()

	if *migrate {
		if err := db.ApplyMigrations(database); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Schema " + *dbPath)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Table", "Column", "Status"})

	missing := 0
	for _, name := range order {
		cols, err := columns(database, name)
		if err != nil {
			log.Fatalf("inspect %s: %v", name, err)
		}
		for _, col := range required[name] {
			status := "ok"
			if !cols[col] {
				status = "MISSING"
				missing++
			}
			t.AppendRow(table.Row{name, col, status})
		}
		t.AppendSeparator()
	}
	t.Render()

	if missing > 0 {
		fmt.Printf("%d columns missing\n", missing)
		os.Exit(1)
	}
}

func columns(database *db.Database, tableName string) (map[string]bool, error) {
	rows, err := database.DB.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

package main

import (
	"context"
	"log"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"options-core/internal/gateway"
	"options-core/internal/monitor"
	"options-core/internal/order"
	"options-core/pkg/broker"
	"options-core/pkg/config"
)

// dry_run_demo pushes a few option orders through the gateway adapter into
// the in-memory paper broker. It does not touch a real venue or the
// database.
//
// Usage (from the module root):
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) BUY then SELL one call contract at two quotes.
//   2) Try a BUY larger than the paper margin.
//   3) Print the final positions and margin.

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	margin := cfg.PaperMargin
	if margin <= 0 {
		margin = 500000
	}

	ctx := context.Background()
	paper := broker.NewPaper("demo", broker.PaperConfig{Margin: margin, SlippageBps: cfg.PaperSlippageBps}, nil)
	metrics := monitor.NewMetrics()
	adapter := gateway.NewAdapter("demo", paper, gateway.DefaultConfig(), gateway.WithMetrics(metrics))
	exec := order.NewExecutor(nil, nil, metrics)

	symbol := "NIFTY24JAN22000CE"

	log.Printf("[SCENARIO 1] BUY then SELL %s", symbol)
	paper.SetQuote(symbol, 120)
	submit(ctx, exec, adapter, order.Intent{DeploymentID: "demo", TradeID: "MS-1", Symbol: symbol, Side: broker.Buy, Qty: 50, Price: 120, Reason: "entry"})
	paper.SetQuote(symbol, 150)
	submit(ctx, exec, adapter, order.Intent{DeploymentID: "demo", TradeID: "MS-1", Symbol: symbol, Side: broker.Sell, Qty: 50, Price: 150, Reason: "option_target"})

	log.Printf("[SCENARIO 2] Oversized BUY to trigger insufficient margin")
	submit(ctx, exec, adapter, order.Intent{DeploymentID: "demo", TradeID: "MS-2", Symbol: symbol, Side: broker.Buy, Qty: 50000, Price: 150, Reason: "entry"})

	log.Println("[SCENARIO DONE] Final paper state:")
	printState(ctx, adapter)
	log.Println("=== DRY-RUN demo finished ===")
}

func submit(ctx context.Context, exec *order.Executor, b broker.Broker, in order.Intent) {
	o, err := exec.Submit(ctx, b, in)
	if err != nil {
		log.Printf("  %s %d %s -> %s: %v", in.Side, in.Qty, in.Symbol, o.Status, err)
		return
	}
	log.Printf("  %s %d %s -> %s @ %.2f", in.Side, in.Qty, in.Symbol, o.Status, o.AvgPrice)
}

func printState(ctx context.Context, b broker.Broker) {
	positions, err := b.Positions(ctx)
	if err != nil {
		log.Fatalf("positions: %v", err)
	}
	margins, err := b.Margins(ctx)
	if err != nil {
		log.Fatalf("margins: %v", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Symbol", "Qty", "Avg", "Last", "P&L"})
	for _, p := range positions {
		t.AppendRow(table.Row{p.Symbol, p.Qty, p.AvgPrice, p.LastPrice, p.PnL})
	}
	t.AppendFooter(table.Row{"Margin", "", "", margins.Available, margins.Used})
	t.Render()
}

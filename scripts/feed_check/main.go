package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"options-core/internal/events"
	"options-core/internal/market"
	"options-core/pkg/config"
)

// This script checks the tick feed end to end:
// - starts the configured feed (FEED_MODE / FEED_URL) on an event bus
// - folds ticks into candles of -width
// - logs every closed candle and a tick count per instrument
//
// Usage (from the module root):
//   go run ./scripts/feed_check -width 1m -for 5m

func main() {
	width := flag.Duration("width", time.Minute, "candle width")
	runFor := flag.Duration("for", 10*time.Minute, "stop after this long")
	flag.Parse()

	log.Println("=== Feed check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	agg, err := market.NewAggregator(*width, 100)
	if err != nil {
		log.Fatalf("aggregator: %v", err)
	}

	ticks, unsubscribe := bus.Subscribe(events.EventPriceTick, 1024)
	defer unsubscribe()
	counts := make(map[string]int)
	go func() {
		for msg := range ticks {
			t, ok := msg.(market.Tick)
			if !ok {
				continue
			}
			counts[t.Instrument]++
			closed, _, err := agg.Add(t)
			if err != nil {
				log.Printf("[TICK] rejected: %v", err)
				continue
			}
			if closed != nil {
				log.Printf("[CANDLE] %s %s O=%.2f H=%.2f L=%.2f C=%.2f ticks=%d",
					closed.Instrument, closed.Start.Format("15:04"), closed.Open, closed.High, closed.Low, closed.Close, counts[t.Instrument])
			}
		}
	}()

	switch cfg.FeedMode {
	case "websocket":
		if cfg.FeedURL == "" {
			log.Fatal("FEED_URL is required when FEED_MODE=websocket")
		}
		log.Printf("[FEED] websocket %s instruments=%v", cfg.FeedURL, cfg.Instruments)
		market.NewWSFeed(cfg.FeedURL, bus, cfg.Instruments).Start(ctx)
	default:
		log.Printf("[FEED] mock instruments=%v", cfg.Instruments)
		(&market.MockFeed{Bus: bus, Instruments: cfg.Instruments, Interval: 200 * time.Millisecond}).Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	select {
	case <-sigCh:
		log.Println("Interrupt received, shutting down feed check...")
	case <-time.After(*runFor):
		log.Println("Timeout reached, stopping feed check...")
	}

	cancel()
	for _, inst := range cfg.Instruments {
		if c, ok := agg.Current(inst); ok {
			log.Printf("[OPEN] %s %s C=%.2f", inst, c.Start.Format("15:04"), c.Close)
		}
	}
	log.Println("=== Feed check finished ===")
}

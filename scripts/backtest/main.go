package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"options-core/internal/backtest"
	"options-core/internal/strategy"
	"options-core/pkg/logger"
)

// backtest runs one strategy configuration, or a parameter grid, over a CSV
// candle file and prints the report tables.
//
// Usage (from the module root):
//   go run ./scripts/backtest -data nifty-5m.csv -kind orb
//   go run ./scripts/backtest -data nifty-5m.csv -config sweep.yaml -top 20
//
// The config file holds a params block and an optional grid block:
//
//   params:
//     kind: mountain_signal
//     stop_loss_pct: -0.3
//   grid:
//     stop_loss_pct: [-0.2, -0.3, -0.4]
//     ema_period: [5, 8]

type runFile struct {
	Params strategy.Params `yaml:"params"`
	Grid   *backtest.Grid  `yaml:"grid"`
}

func main() {
	dataPath := flag.String("data", "", "CSV file with time,open,high,low,close[,volume] rows")
	configPath := flag.String("config", "", "YAML file with params and an optional grid")
	kind := flag.String("kind", "", "strategy kind when no config is given (mountain_signal or orb)")
	instrument := flag.String("instrument", "", "instrument name stamped on the candles")
	width := flag.Duration("width", 5*time.Minute, "candle width of the CSV rows")
	tz := flag.String("tz", "Asia/Kolkata", "time zone for timestamps without an offset")
	workers := flag.Int("workers", 0, "optimizer workers (0 uses GOMAXPROCS)")
	top := flag.Int("top", 10, "ranked rows to print for a grid run")
	flag.Parse()

	logger.Init(logger.Config{Level: "info", Output: "console"})
	defer logger.Sync()
	log := logger.Named("backtest")

	if *dataPath == "" {
		log.Fatal("-data is required")
	}

	var run runFile
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalw("read config", "path", *configPath, "err", err)
		}
		if err := yaml.Unmarshal(raw, &run); err != nil {
			log.Fatalw("parse config", "path", *configPath, "err", err)
		}
	}
	if *kind != "" {
		run.Params.Kind = strategy.Kind(*kind)
	}
	if *instrument != "" {
		run.Params.Instrument = *instrument
	}
	params := run.Params.WithDefaults()
	params.CandleWidth = *width

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatalw("load time zone", "tz", *tz, "err", err)
	}
	candles, err := backtest.LoadCSV(*dataPath, params.Instrument, *width, loc)
	if err != nil {
		log.Fatalw("load candles", "path", *dataPath, "err", err)
	}
	log.Infow("candles loaded", "count", len(candles), "from", candles[0].Start, "to", candles[len(candles)-1].Start)

	if run.Grid == nil {
		res, err := backtest.Evaluate(params, candles)
		if err != nil {
			log.Fatalw("evaluate", "err", err)
		}
		backtest.Render(os.Stdout, res)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	start := time.Now()
	ranked, err := backtest.Optimize(ctx, params, *run.Grid, candles, *workers)
	if err != nil {
		log.Fatalw("optimize", "err", err)
	}
	log.Infow("grid finished", "combinations", len(ranked), "elapsed", time.Since(start).Round(time.Millisecond))
	backtest.RenderRanking(os.Stdout, ranked, *top)

	if len(ranked) > 0 && ranked[0].Err == "" {
		best, err := backtest.Evaluate(ranked[0].Params, candles)
		if err != nil {
			log.Fatalw("evaluate best", "err", err)
		}
		backtest.Render(os.Stdout, best)
	}
}

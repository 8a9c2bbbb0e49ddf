package market

import (
	"context"
	"math/rand"
	"time"

	"options-core/internal/events"
	"options-core/pkg/logger"
)

// MockFeed generates synthetic ticks for local development.
type MockFeed struct {
	Bus         *events.Bus
	Instruments []string
	StartPrice  float64
	Step        float64
	Interval    time.Duration
	Now         func() time.Time
}

func (m *MockFeed) Start(ctx context.Context) {
	log := logger.Named("market")
	if m.Bus == nil {
		log.Warn("mock feed: bus not set")
		return
	}
	if len(m.Instruments) == 0 {
		m.Instruments = []string{"NIFTY"}
	}
	if m.StartPrice == 0 {
		m.StartPrice = 22000
	}
	if m.Step == 0 {
		m.Step = 4
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}
	if m.Now == nil {
		m.Now = time.Now
	}

	prices := make(map[string]float64, len(m.Instruments))
	for _, inst := range m.Instruments {
		prices[inst] = m.StartPrice
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				now := m.Now()
				for _, inst := range m.Instruments {
					prices[inst] += (rng.Float64()*2 - 1) * m.Step
					m.Bus.Publish(events.EventPriceTick, Tick{
						Instrument: inst,
						Price:      prices[inst],
						Volume:     float64(rng.Intn(50) + 1),
						Time:       now,
					})
				}
			}
		}
	}()
	log.Infof("mock feed started for %v every %v", m.Instruments, m.Interval)
}

package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"options-core/internal/events"
	"options-core/pkg/logger"
)

// Alert payloads are published by runners and the orchestrator.
type Alert interface {
	AlertText() string
}

// Monitor turns runner faults and invalid broker sessions into alerts and
// keeps the failure counters in Metrics.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink

	log *zap.SugaredLogger
}

func (m *Monitor) Start(ctx context.Context) {
	m.log = logger.Named("monitor")
	if m.Bus == nil {
		m.log.Warn("monitor has no bus; skipping")
		return
	}
	if m.Sink == nil {
		m.Sink = LogSink{Log: m.log}
	}
	stream, stop := m.Bus.SubscribeAll([]events.Event{events.EventRunnerFault, events.EventSessionInvalid, events.EventOrderRejected}, 64)
	go func() {
		defer stop()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.Metrics != nil {
					m.Metrics.SetDropped(m.Bus.Dropped())
				}
			case env, ok := <-stream:
				if !ok {
					return
				}
				m.handle(env)
			}
		}
	}()
}

func (m *Monitor) handle(env events.Envelope) {
	if m.Metrics != nil {
		switch env.Topic {
		case events.EventRunnerFault:
			m.Metrics.IncFaults()
		case events.EventOrderRejected:
			m.Metrics.IncRejected()
		}
	}
	if err := m.Sink.Send(formatAlert(env)); err != nil {
		m.log.Errorw("alert delivery failed", "topic", env.Topic, "err", err)
	}
}

func formatAlert(env events.Envelope) string {
	text := "alert triggered"
	switch p := env.Payload.(type) {
	case Alert:
		text = p.AlertText()
	case string:
		text = p
	case error:
		text = p.Error()
	}
	return fmt.Sprintf("[%s] %s: %s", time.Now().UTC().Format(time.RFC3339), env.Topic, text)
}

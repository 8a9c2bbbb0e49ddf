package monitor

import "go.uber.org/zap"

// AlertSink delivers operator alerts.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log at warn level.
type LogSink struct{ Log *zap.SugaredLogger }

func (s LogSink) Send(message string) error {
	s.Log.Warnw("alert", "message", message)
	return nil
}

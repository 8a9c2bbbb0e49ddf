package events

import "time"

// Event enumerates topics carried on the bus.
type Event string

const (
	EventPriceTick         Event = "price_tick"
	EventRunnerStatus      Event = "runner.status"
	EventRunnerAudit       Event = "runner.audit"
	EventRunnerFault       Event = "runner.fault"
	EventOrderSubmitted    Event = "order.submitted"
	EventOrderRejected     Event = "order.rejected"
	EventOrderFilled       Event = "order.filled"
	EventDeploymentChanged Event = "deployment.changed"
	EventSessionInvalid    Event = "session.invalid"
)

// Topics lists every topic a UI consumer may subscribe to.
var Topics = []Event{
	EventRunnerStatus,
	EventRunnerAudit,
	EventRunnerFault,
	EventOrderSubmitted,
	EventOrderRejected,
	EventOrderFilled,
	EventDeploymentChanged,
	EventSessionInvalid,
}

// Audit is one append-only audit record. Runners publish it on
// EventRunnerAudit and the orchestrator mirrors it into the deployment record.
type Audit struct {
	ID           string         `json:"id"`
	DeploymentID string         `json:"deployment_id"`
	Time         time.Time      `json:"timestamp"`
	Type         string         `json:"event_type"`
	Message      string         `json:"message"`
	Data         map[string]any `json:"data,omitempty"`
}

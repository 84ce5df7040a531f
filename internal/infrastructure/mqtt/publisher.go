package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nerrad567/voltlink-core/internal/device"
	"github.com/nerrad567/voltlink-core/internal/discovery"
)

// deviceStatusPayload is the retained per-device status message. The poll
// flag is the one bit telemetry consumers act on: only active devices are
// safe to query.
type deviceStatusPayload struct {
	DeviceID       string     `json:"device_id"`
	Family         string     `json:"family"`
	SerialNumber   string     `json:"serial_number"`
	Status         string     `json:"status"`
	CurrentChannel string     `json:"current_channel,omitempty"`
	FailureCount   int        `json:"failure_count"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	Poll           bool       `json:"poll"`
}

// Publisher forwards discovery outcomes to the MQTT broker: retained status
// per device, one report per pass. It implements discovery.Sink.
//
// Publish failures are logged and dropped; the broker is best-effort from
// the engine's point of view and a pass never fails because of it.
type Publisher struct {
	client *Client
	topics Topics
	logger Logger
}

// NewPublisher creates a Publisher on an already connected client.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// SetLogger sets a logger for publish failures.
func (p *Publisher) SetLogger(logger Logger) {
	p.logger = logger
}

// DeviceStatusChanged publishes the device's new lifecycle state, retained.
func (p *Publisher) DeviceStatusChanged(ctx context.Context, rec *device.Record) {
	payload, err := json.Marshal(deviceStatusPayload{
		DeviceID:       rec.DeviceID,
		Family:         string(rec.Family),
		SerialNumber:   rec.SerialNumber,
		Status:         string(rec.Status),
		CurrentChannel: rec.CurrentChannel,
		FailureCount:   rec.FailureCount,
		LastSeen:       rec.LastSeen,
		Poll:           rec.Status == device.StatusActive,
	})
	if err != nil {
		p.logError("marshalling device status", rec.DeviceID, err)
		return
	}

	if err := p.client.PublishRetained(p.topics.DeviceStatus(rec.DeviceID), payload); err != nil {
		p.logError("publishing device status", rec.DeviceID, err)
	}
}

// PassCompleted publishes the pass report. Not retained: reports are events,
// not state.
func (p *Publisher) PassCompleted(ctx context.Context, rep *discovery.Report) {
	payload, err := json.Marshal(rep)
	if err != nil {
		p.logError("marshalling discovery report", rep.PassID, err)
		return
	}

	if err := p.client.Publish(p.topics.DiscoveryReport(), payload, 1, false); err != nil {
		p.logError("publishing discovery report", rep.PassID, err)
	}
}

func (p *Publisher) logError(action, subject string, err error) {
	if p.logger != nil {
		p.logger.Warn("mqtt publish dropped", "action", action, "subject", subject, "error", err)
	}
}

// triggerPayload is the optional body of a discovery trigger message.
type triggerPayload struct {
	Scope []string `json:"scope,omitempty"`
}

// TriggerHandler returns a MessageHandler that starts a discovery pass when
// a message arrives on the trigger topic. An empty payload requests a full
// pass; a JSON body with a scope restricts it.
//
// The pass runs in the handler goroutine; the orchestrator's scan lock turns
// a trigger during a running pass into a reported no-op.
func TriggerHandler(orchestrator *discovery.Orchestrator) MessageHandler {
	return func(topic string, payload []byte) error {
		var req triggerPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return err
			}
		}
		orchestrator.Trigger(context.Background(), req.Scope)
		return nil
	}
}

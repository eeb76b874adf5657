package stream

import (
	"encoding/json"
	"time"

	"github.com/c360/hubstream/errors"
	"github.com/c360/hubstream/pkg/timestamp"
)

// Inbound message kinds, discriminated by the envelope's "type" field.
const (
	TypeTelemetry          = "telemetry_stream"
	TypeTaskStatus         = "task_status"
	TypeDeviceEvent        = "device_event"
	TypeSubscriptionStatus = "subscription_status"
	TypeHealth             = "health"
)

// Device connection events carried by device_event messages.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// EpochMillis is a Unix-millisecond timestamp. Hubs are not consistent about
// the wire form, so decoding accepts epoch seconds, epoch milliseconds, and
// RFC3339 strings, normalizing all of them to milliseconds.
type EpochMillis int64

func (e *EpochMillis) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = EpochMillis(timestamp.Parse(v))
	return nil
}

// Time converts to time.Time; zero values yield the zero time.
func (e EpochMillis) Time() time.Time {
	return timestamp.FromUnixMs(int64(e))
}

// Subscription identifies one serial channel on one hub.
type Subscription struct {
	HubID  string `json:"hubId"`
	PortID string `json:"portId"`
}

// TelemetryFrame is one inbound telemetry_stream payload. Data is the
// base64-encoded raw device output.
type TelemetryFrame struct {
	HubID         string      `json:"hubId"`
	PortID        string      `json:"portId"`
	SessionID     string      `json:"sessionId,omitempty"`
	Timestamp     EpochMillis `json:"timestamp"`
	Data          string      `json:"data"`
	DataSizeBytes int         `json:"dataSizeBytes,omitempty"`
}

// TaskStatus is a task_status payload echoing a command's progress.
type TaskStatus struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp EpochMillis     `json:"timestamp"`
}

// DeviceEvent is a device_event payload reporting connect/disconnect.
type DeviceEvent struct {
	HubID     string      `json:"hubId"`
	PortID    string      `json:"portId"`
	Event     string      `json:"event"`
	Timestamp EpochMillis `json:"timestamp"`
}

// SubscriptionStatus acknowledges a subscribe or unsubscribe request.
type SubscriptionStatus struct {
	HubID   string `json:"hubId,omitempty"`
	PortID  string `json:"portId,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Message is one parsed inbound envelope. Exactly one payload field is
// non-nil, matching Type; Raw always carries the original bytes.
type Message struct {
	Type string
	Raw  json.RawMessage

	Telemetry          *TelemetryFrame
	TaskStatus         *TaskStatus
	DeviceEvent        *DeviceEvent
	SubscriptionStatus *SubscriptionStatus
}

// ParseMessage decodes an inbound envelope by its "type" discriminant.
// Unknown types are not an error: the caller decides whether to ignore them.
func ParseMessage(data []byte) (*Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.WrapInvalid(err, "stream", "ParseMessage", "decode envelope")
	}
	if head.Type == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidFrame, "stream", "ParseMessage",
			"envelope has no type")
	}

	msg := &Message{Type: head.Type, Raw: json.RawMessage(data)}
	var err error
	switch head.Type {
	case TypeTelemetry:
		msg.Telemetry = &TelemetryFrame{}
		err = json.Unmarshal(data, msg.Telemetry)
	case TypeTaskStatus:
		msg.TaskStatus = &TaskStatus{}
		err = json.Unmarshal(data, msg.TaskStatus)
	case TypeDeviceEvent:
		msg.DeviceEvent = &DeviceEvent{}
		err = json.Unmarshal(data, msg.DeviceEvent)
	case TypeSubscriptionStatus:
		msg.SubscriptionStatus = &SubscriptionStatus{}
		err = json.Unmarshal(data, msg.SubscriptionStatus)
	case TypeHealth:
		// Payload is informational only; Raw is enough.
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "stream", "ParseMessage",
			"decode "+head.Type+" payload")
	}
	return msg, nil
}

// subscriptionRequest is the outbound subscribe/unsubscribe envelope. Both
// directions batch: one request carries every intent known at send time.
type subscriptionRequest struct {
	Type          string         `json:"type"`
	Subscriptions []Subscription `json:"subscriptions"`
}

func newSubscribeRequest(subs []Subscription) subscriptionRequest {
	return subscriptionRequest{Type: "subscribe", Subscriptions: subs}
}

func newUnsubscribeRequest(subs []Subscription) subscriptionRequest {
	return subscriptionRequest{Type: "unsubscribe", Subscriptions: subs}
}

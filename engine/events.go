package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Controller events
	EventControllerAdded EventType = iota + 1
	EventControllerRemoved
	EventControllerConnected
	EventControllerDisconnected

	// Tag events
	EventTagAdded
	EventTagChanged
	EventTagError
	EventTagWritten

	// Sink events
	EventSinkStarted
	EventSinkStopped
	EventSinkFailed

	// Pack and action events
	EventPackPublished
	EventTriggerFired
	EventPushSent

	// System events
	EventForcePublished
)

func (t EventType) String() string {
	switch t {
	case EventControllerAdded:
		return "controller_added"
	case EventControllerRemoved:
		return "controller_removed"
	case EventControllerConnected:
		return "controller_connected"
	case EventControllerDisconnected:
		return "controller_disconnected"
	case EventTagAdded:
		return "tag_added"
	case EventTagChanged:
		return "tag_changed"
	case EventTagError:
		return "tag_error"
	case EventTagWritten:
		return "tag_written"
	case EventSinkStarted:
		return "sink_started"
	case EventSinkStopped:
		return "sink_stopped"
	case EventSinkFailed:
		return "sink_failed"
	case EventPackPublished:
		return "pack_published"
	case EventTriggerFired:
		return "trigger_fired"
	case EventPushSent:
		return "push_sent"
	case EventForcePublished:
		return "force_published"
	default:
		return "unknown"
	}
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// ControllerEvent is the payload for controller lifecycle events.
type ControllerEvent struct {
	Name  string
	Error string `json:",omitempty"`
}

// TagEvent is the payload for tag events. Change is the published
// *message.Change for EventTagChanged and EventTagError.
type TagEvent struct {
	Controller string
	Tag        string
	Change     interface{} `json:",omitempty"`
}

// SinkEvent is the payload for MQTT/Valkey/Kafka lifecycle events.
type SinkEvent struct {
	Kind  string
	Name  string
	Error string `json:",omitempty"`
}

// PackEvent is the payload for EventPackPublished.
type PackEvent struct {
	Name string
	Pack interface{} `json:",omitempty"`
}

// TriggerEvent is the payload for EventTriggerFired.
type TriggerEvent struct {
	Name       string
	Controller string
	Capture    interface{} `json:",omitempty"`
}

// PushEvent is the payload for EventPushSent. Status is 0 when no response
// arrived.
type PushEvent struct {
	Name   string
	Status int
	Error  string `json:",omitempty"`
}

// SystemEvent is the payload for system-level events.
type SystemEvent struct {
	Detail string
}

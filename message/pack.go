package message

import "time"

// Pack is a group of tags published together. Tags are keyed
// "controller.tag". Controllers is only set when a member has no value and
// its controller is disconnected or failing.
type Pack struct {
	ID          string                    `json:"id" cbor:"id"`
	Namespace   string                    `json:"namespace" cbor:"namespace"`
	Name        string                    `json:"name" cbor:"name"`
	Timestamp   time.Time                 `json:"timestamp" cbor:"timestamp"`
	Tags        map[string]PackTag        `json:"tags" cbor:"tags"`
	Controllers map[string]PackController `json:"controllers,omitempty" cbor:"controllers,omitempty"`
}

// PackTag is one member value of a Pack.
type PackTag struct {
	Controller string `json:"controller" cbor:"controller"`
	Tag        string `json:"tag" cbor:"tag"`
	Type       string `json:"type,omitempty" cbor:"type,omitempty"`
	Value      any    `json:"value" cbor:"value"`
	Quality    string `json:"quality" cbor:"quality"`
}

// PackController is the connection state of a controller with a missing
// pack member.
type PackController struct {
	Address   string `json:"address" cbor:"address"`
	Connected bool   `json:"connected" cbor:"connected"`
	Error     string `json:"error,omitempty" cbor:"error,omitempty"`
}

// PackKey is the map key of a pack member.
func PackKey(controller, tag string) string {
	return controller + "." + tag
}

// Capture is the data a trigger collected when its condition fired. Data
// is keyed by tag path. Sequence increases across all triggers.
type Capture struct {
	ID         string            `json:"id" cbor:"id"`
	Namespace  string            `json:"namespace" cbor:"namespace"`
	Trigger    string            `json:"trigger" cbor:"trigger"`
	Controller string            `json:"controller" cbor:"controller"`
	Sequence   uint64            `json:"sequence" cbor:"sequence"`
	Metadata   map[string]string `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	Data       map[string]any    `json:"data" cbor:"data"`
	Timestamp  time.Time         `json:"timestamp" cbor:"timestamp"`
}

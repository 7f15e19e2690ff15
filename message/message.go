// Package message defines the envelopes taglink publishes to brokers and
// the write requests it accepts from them.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"taglink/plcman"
)

// Format is a payload encoding.
type Format string

const (
	JSON Format = "json"
	CBOR Format = "cbor"
)

// ParseFormat maps a config value to a Format. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return "", fmt.Errorf("unknown payload format %q", s)
	}
}

// ContentType is the MIME type of f.
func (f Format) ContentType() string {
	if f == CBOR {
		return "application/cbor"
	}
	return "application/json"
}

// Quality of a published value.
const (
	QualityGood  = "good"
	QualityStale = "stale"
)

// Change reports a tag value. It is published for TagChanged events and,
// with Quality stale and Error set, for TagError events.
type Change struct {
	ID         string    `json:"id" cbor:"id"`
	Namespace  string    `json:"namespace" cbor:"namespace"`
	Controller string    `json:"controller" cbor:"controller"`
	Address    string    `json:"address" cbor:"address"`
	Tag        string    `json:"tag" cbor:"tag"`
	Type       string    `json:"type,omitempty" cbor:"type,omitempty"`
	Value      any       `json:"value" cbor:"value"`
	Previous   any       `json:"previous,omitempty" cbor:"previous,omitempty"`
	Quality    string    `json:"quality" cbor:"quality"`
	Error      string    `json:"error,omitempty" cbor:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp" cbor:"timestamp"`
}

// Status reports a controller connection change.
type Status struct {
	ID         string    `json:"id" cbor:"id"`
	Namespace  string    `json:"namespace" cbor:"namespace"`
	Controller string    `json:"controller" cbor:"controller"`
	Address    string    `json:"address" cbor:"address"`
	Connected  bool      `json:"connected" cbor:"connected"`
	Error      string    `json:"error,omitempty" cbor:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp" cbor:"timestamp"`
}

// WriteRequest asks for a value to be written to a registered tag.
type WriteRequest struct {
	ID         string `json:"id,omitempty" cbor:"id,omitempty"`
	Controller string `json:"controller" cbor:"controller"`
	Tag        string `json:"tag" cbor:"tag"`
	Value      any    `json:"value" cbor:"value"`
}

// WriteResult acknowledges a WriteRequest. The write is only queued when OK
// is true; the value reaches the controller on its next poll cycle.
type WriteResult struct {
	ID         string    `json:"id,omitempty" cbor:"id,omitempty"`
	Controller string    `json:"controller" cbor:"controller"`
	Tag        string    `json:"tag" cbor:"tag"`
	OK         bool      `json:"ok" cbor:"ok"`
	Error      string    `json:"error,omitempty" cbor:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp" cbor:"timestamp"`
}

// Writer applies write requests.
type Writer interface {
	Write(req *WriteRequest) error
}

// Result builds the acknowledgement for req.
func (req *WriteRequest) Result(err error) *WriteResult {
	res := &WriteResult{
		ID:         req.ID,
		Controller: req.Controller,
		Tag:        req.Tag,
		OK:         err == nil,
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// FromEvent converts a poll event into its published form: a *Change for
// tag events, a *Status for connection events.
func FromEvent(namespace string, ev plcman.Event) any {
	ts := ev.Time.UTC()
	if ev.Time.IsZero() {
		ts = time.Now().UTC()
	}
	name, addr := "", ""
	if ev.Controller != nil {
		name, addr = ev.Controller.Name(), ev.Controller.Address()
	}

	switch ev.Type {
	case plcman.EventConnected, plcman.EventDisconnected:
		st := &Status{
			ID:         uuid.NewString(),
			Namespace:  namespace,
			Controller: name,
			Address:    addr,
			Connected:  ev.Type == plcman.EventConnected,
			Timestamp:  ts,
		}
		if ev.Err != nil {
			st.Error = ev.Err.Error()
		}
		return st
	}

	if ev.Tag == nil {
		return nil
	}
	ch := &Change{
		ID:         uuid.NewString(),
		Namespace:  namespace,
		Controller: name,
		Address:    addr,
		Tag:        ev.Tag.Name(),
		Quality:    QualityGood,
		Timestamp:  ts,
	}
	if info := ev.Tag.Type(); info != nil {
		ch.Type = info.String()
	}
	switch ev.Type {
	case plcman.EventTagChanged:
		ch.Value = ev.Value.Interface()
		if ev.Previous.IsValid() {
			ch.Previous = ev.Previous.Interface()
		}
	case plcman.EventTagError:
		ch.Value = ev.Tag.Value().Interface()
		ch.Quality = QualityStale
		if ev.Err != nil {
			ch.Error = ev.Err.Error()
		}
	}
	return ch
}

var cborDec = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Marshal encodes v in format f.
func Marshal(f Format, v any) ([]byte, error) {
	if f == CBOR {
		return cbor.Marshal(v)
	}
	return json.Marshal(v)
}

// Unmarshal decodes data in format f into v. JSON numbers are kept exact so
// integer writes do not pass through float64.
func Unmarshal(f Format, data []byte, v any) error {
	if f == CBOR {
		return cborDec.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// DecodeWrite parses a write request and checks its required fields.
func DecodeWrite(f Format, data []byte) (*WriteRequest, error) {
	var req WriteRequest
	if err := Unmarshal(f, data, &req); err != nil {
		return nil, fmt.Errorf("invalid write request: %w", err)
	}
	if req.Controller == "" || req.Tag == "" {
		return &req, fmt.Errorf("invalid write request: controller and tag are required")
	}
	if req.Value == nil {
		return &req, fmt.Errorf("invalid write request: value is required")
	}
	return &req, nil
}

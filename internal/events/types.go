// Package events carries state-change notifications from the access-control
// components to external sinks (chat alerts, the audit trail, the log).
// Delivery is fire-and-forget: a sink failure never alters the result of the
// operation that emitted the event.
package events

import (
	"context"
	"time"
)

// Severity levels attached to events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is a single state change.
type Event struct {
	ID        string            `json:"id" cbor:"1,keyasint"`
	Type      string            `json:"type" cbor:"2,keyasint"`
	Severity  string            `json:"severity" cbor:"3,keyasint"`
	Subject   string            `json:"subject,omitempty" cbor:"4,keyasint,omitempty"`
	Message   string            `json:"message" cbor:"5,keyasint"`
	Data      map[string]string `json:"data,omitempty" cbor:"6,keyasint,omitempty"`
	Actor     string            `json:"actor,omitempty" cbor:"7,keyasint,omitempty"`
	Timestamp time.Time         `json:"timestamp" cbor:"8,keyasint"`
}

// Sink receives events. Implementations should honour ctx for their own I/O.
type Sink interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Recorder is a sink that can also replay what it recorded.
type Recorder interface {
	Sink
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Publisher is what the access-control components depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

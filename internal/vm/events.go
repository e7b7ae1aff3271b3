package vm

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// EventKind classifies telemetry events.
type EventKind string

const (
	EventLifecycle EventKind = "lifecycle"
	EventThreat    EventKind = "threat"
	EventAnomaly   EventKind = "anomaly"
)

// Event is one telemetry record about an instance.
type Event struct {
	Kind       EventKind `json:"kind"`
	InstanceID string    `json:"instance_id"`
	Type       string    `json:"type"`
	Severity   string    `json:"severity,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier fans instance events out to a single consumer. Publishing never
// blocks; if the consumer falls behind, events are dropped and counted.
type Notifier struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewNotifier creates a notifier with the given buffer size.
func NewNotifier(buffer int) *Notifier {
	if buffer < 1 {
		buffer = 256
	}
	return &Notifier{ch: make(chan Event, buffer)}
}

// Publish enqueues an event, dropping it if the buffer is full.
func (n *Notifier) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case n.ch <- ev:
	default:
		n.dropped.Add(1)
		log.Warn().
			Str("kind", string(ev.Kind)).
			Str("instance_id", ev.InstanceID).
			Msg("event buffer full, dropping event")
	}
}

// Events returns the consumer channel.
func (n *Notifier) Events() <-chan Event {
	return n.ch
}

// Dropped returns how many events were discarded due to a full buffer.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Package events publishes capture lifecycle notifications.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// Type names an event; it is also the last MQTT topic level.
type Type string

const (
	CaptureCompleted Type = "capture.completed"
	CaptureTimeout   Type = "capture.timeout"
	CaptureAborted   Type = "capture.aborted"
	CaptureRejected  Type = "capture.rejected"
	MotionDetected   Type = "motion.detected"
)

// ErrQueueFull is returned when an asynchronous publisher cannot accept more
// events. The event is dropped.
var ErrQueueFull = errors.New("events: publish queue full")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("events: publisher closed")

// Event is the JSON payload of a notification.
type Event struct {
	Type       Type      `json:"type"`
	Device     string    `json:"device,omitempty"`
	Session    uint64    `json:"session,omitempty"`
	Bytes      uint32    `json:"bytes,omitempty"`
	FIFOLength uint32    `json:"fifo_length,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Ratio      float64   `json:"ratio,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}

// Marshal encodes the event, stamping Time if unset.
func (e Event) Marshal() ([]byte, error) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return json.Marshal(e)
}

// Publisher delivers events. Publish must not block the caller for long;
// the request loop calls it between socket polls.
type Publisher interface {
	Publish(ev Event) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }
func (Nop) Close()              {}

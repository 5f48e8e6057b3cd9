package orchestrator

import "time"

// SessionID numbers capture sessions from 1.
type SessionID uint64

// Outcome is how a request/response cycle ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeAborted     Outcome = "aborted"
	OutcomeUnavailable Outcome = "unavailable"
)

// Session tracks one capture from trigger until its grayscale payload has
// been fully handed to the socket.
type Session struct {
	ID SessionID `json:"id"`
	// Triggered is set once the sensor has been told to capture and cleared
	// when the frame has been delivered, the capture timed out or the
	// session was aborted.
	Triggered bool `json:"triggered"`
	// Pending is set when a request is waiting for a response.
	Pending bool `json:"pending"`
	// Streaming is set while the response is being written.
	Streaming      bool      `json:"streaming"`
	BytesDelivered uint32    `json:"bytes_delivered"`
	FIFOLength     uint32    `json:"fifo_length,omitempty"`
	Polls          int       `json:"polls,omitempty"`
	Undersized     int       `json:"undersized_reports,omitempty"`
	TriggeredAt    time.Time `json:"triggered_at,omitempty"`
}

// CaptureRecord is the history entry written when a session ends.
type CaptureRecord struct {
	Session    SessionID     `json:"session"`
	Outcome    Outcome       `json:"outcome"`
	FIFOLength uint32        `json:"fifo_length"`
	Bytes      uint32        `json:"bytes"`
	Polls      int           `json:"polls"`
	Duration   time.Duration `json:"duration_ns"`
	Reason     string        `json:"reason,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Status is the loop state published for the admin API.
type Status struct {
	Endpoint     string    `json:"endpoint"`
	Session      Session   `json:"session"`
	Breaker      string    `json:"breaker"`
	Device       string    `json:"device,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// Totals counts finished sessions by outcome.
type Totals struct {
	Requests    int `json:"requests"`
	Completed   int `json:"completed"`
	TimedOut    int `json:"timed_out"`
	Aborted     int `json:"aborted"`
	Unavailable int `json:"unavailable"`
}

package models

import "time"

// StreamStatus is the lifecycle state of a stream.
type StreamStatus string

const (
	StreamIdle      StreamStatus = "idle"
	StreamActive    StreamStatus = "active"
	StreamPaused    StreamStatus = "paused"
	StreamCompleted StreamStatus = "completed"
	StreamErrored   StreamStatus = "errored"
	StreamCancelled StreamStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s StreamStatus) Terminal() bool {
	return s == StreamCompleted || s == StreamErrored || s == StreamCancelled
}

// StreamChunk is one ordered fragment of a streamed result.
type StreamChunk struct {
	Index     int       `json:"index"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamState is a snapshot of a stream.
type StreamState struct {
	ID          string        `json:"id"`
	Status      StreamStatus  `json:"status"`
	Chunks      []StreamChunk `json:"chunks"`
	TotalChunks int           `json:"total_chunks"`
	Pending     int           `json:"pending"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	EndedAt     time.Time     `json:"ended_at,omitempty"`
	Err         string        `json:"error,omitempty"`
}

// StreamMetrics aggregates stream outcomes for a manager.
type StreamMetrics struct {
	Created   int64 `json:"created"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Errored   int64 `json:"errored"`
	Cancelled int64 `json:"cancelled"`
}

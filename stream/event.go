// Package stream serves each run's output as a replayable, reconnectable
// sequence of chunks.
//
// A [Multiplexer] hands out one logical [Writer] per run. Writes are
// assigned a monotonically increasing index by the [Store] in arrival
// order, so concurrent writers never interleave non-deterministically.
// A [Reader] attached at any startIndex first drains the stored chunks and
// then follows live writes until the finish chunk, after which it reports
// io.EOF and the run's terminal state through [Reader.Final].
//
// Live delivery inside a process goes through a [Broker]; readers on other
// processes fall back to polling the store. Broker events are only wake-up
// signals: the store stays authoritative, so a dropped event never loses
// a chunk.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies what a broker event announces.
type EventType string

const (
	// EventChunk announces a newly stored chunk.
	EventChunk EventType = "stream.chunk"

	// Run lifecycle events, published on TopicRuns and the run topic.
	EventRunStarted   EventType = "run.started"
	EventRunSuspended EventType = "run.suspended"
	EventRunResumed   EventType = "run.resumed"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Topic     string          `json:"topic"`
	Index     int64           `json:"index,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RunEventData is the payload of run lifecycle events.
type RunEventData struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

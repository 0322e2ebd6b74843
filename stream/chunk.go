package stream

import (
	"encoding/json"
	"time"

	"github.com/xraph/durable/id"
)

// Final is the terminal state carried by a run's finish chunk.
type Final struct {
	// Status is "completed", "failed" or "cancelled".
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Chunk is one element of a run's output stream. Data chunks occupy
// indexes 0..N-1; the finish chunk, when present, has index N and a
// non-nil Final.
type Chunk struct {
	RunID     id.RunID        `json:"run_id"`
	Index     int64           `json:"index"`
	Data      json.RawMessage `json:"data,omitempty"`
	Final     *Final          `json:"final,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsFinish reports whether c is the finish chunk.
func (c *Chunk) IsFinish() bool { return c.Final != nil }

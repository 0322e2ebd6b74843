package redis

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/workflow"
)

type runModel struct {
	ID          string     `msgpack:"id"`
	Workflow    string     `msgpack:"workflow"`
	Version     int        `msgpack:"version"`
	Status      string     `msgpack:"status"`
	Input       []byte     `msgpack:"input,omitempty"`
	Output      []byte     `msgpack:"output,omitempty"`
	Error       string     `msgpack:"error,omitempty"`
	WaitingOn   []string   `msgpack:"waiting_on,omitempty"`
	WakeAt      *time.Time `msgpack:"wake_at,omitempty"`
	Deadline    *time.Time `msgpack:"deadline,omitempty"`
	CreatedAt   time.Time  `msgpack:"created_at"`
	UpdatedAt   time.Time  `msgpack:"updated_at"`
	CompletedAt *time.Time `msgpack:"completed_at,omitempty"`
}

func toRunModel(r *workflow.Run) *runModel {
	return &runModel{
		ID:          r.ID.String(),
		Workflow:    r.Workflow,
		Version:     r.Version,
		Status:      string(r.Status),
		Input:       r.Input,
		Output:      r.Output,
		Error:       r.Error,
		WaitingOn:   r.WaitingOn,
		WakeAt:      r.WakeAt,
		Deadline:    r.Deadline,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
}

func fromRunModel(m *runModel) (*workflow.Run, error) {
	runID, err := id.ParseRunID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("durable/redis: parse run id: %w", err)
	}
	return &workflow.Run{
		ID:          runID,
		Workflow:    m.Workflow,
		Version:     m.Version,
		Status:      workflow.Status(m.Status),
		Input:       m.Input,
		Output:      m.Output,
		Error:       m.Error,
		WaitingOn:   m.WaitingOn,
		WakeAt:      m.WakeAt,
		Deadline:    m.Deadline,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
	}, nil
}

type entryModel struct {
	Seq       int64     `msgpack:"seq"`
	Kind      string    `msgpack:"kind"`
	Key       string    `msgpack:"key"`
	Attempt   int       `msgpack:"attempt,omitempty"`
	Payload   []byte    `msgpack:"payload,omitempty"`
	Error     string    `msgpack:"error,omitempty"`
	CreatedAt time.Time `msgpack:"created_at"`
}

func toEntryModel(e *journal.Entry) *entryModel {
	return &entryModel{
		Seq:       e.Seq,
		Kind:      string(e.Kind),
		Key:       e.Key,
		Attempt:   e.Attempt,
		Payload:   e.Payload,
		Error:     e.Error,
		CreatedAt: e.CreatedAt,
	}
}

func fromEntryModel(runID id.RunID, m *entryModel) *journal.Entry {
	return &journal.Entry{
		RunID:     runID,
		Seq:       m.Seq,
		Kind:      journal.Kind(m.Kind),
		Key:       m.Key,
		Attempt:   m.Attempt,
		Payload:   m.Payload,
		Error:     m.Error,
		CreatedAt: m.CreatedAt,
	}
}

type hookModel struct {
	Token      string     `msgpack:"token"`
	RunID      string     `msgpack:"run_id"`
	Key        string     `msgpack:"key"`
	Schema     string     `msgpack:"schema,omitempty"`
	Iterable   bool       `msgpack:"iterable,omitempty"`
	Status     string     `msgpack:"status"`
	Deliveries int        `msgpack:"deliveries"`
	CreatedAt  time.Time  `msgpack:"created_at"`
	ExpiresAt  *time.Time `msgpack:"expires_at,omitempty"`
}

func toHookModel(h *hook.Hook) *hookModel {
	return &hookModel{
		Token:      h.Token,
		RunID:      h.RunID.String(),
		Key:        h.Key,
		Schema:     h.Schema,
		Iterable:   h.Iterable,
		Status:     string(h.Status),
		Deliveries: h.Deliveries,
		CreatedAt:  h.CreatedAt,
		ExpiresAt:  h.ExpiresAt,
	}
}

func fromHookModel(m *hookModel) (*hook.Hook, error) {
	runID, err := id.ParseRunID(m.RunID)
	if err != nil {
		return nil, fmt.Errorf("durable/redis: parse hook run id: %w", err)
	}
	return &hook.Hook{
		Token:      m.Token,
		RunID:      runID,
		Key:        m.Key,
		Schema:     m.Schema,
		Iterable:   m.Iterable,
		Status:     hook.Status(m.Status),
		Deliveries: m.Deliveries,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
	}, nil
}

type finalModel struct {
	Status string `msgpack:"status"`
	Output []byte `msgpack:"output,omitempty"`
	Error  string `msgpack:"error,omitempty"`
}

type chunkModel struct {
	Index     int64       `msgpack:"index"`
	Data      []byte      `msgpack:"data,omitempty"`
	Final     *finalModel `msgpack:"final,omitempty"`
	CreatedAt time.Time   `msgpack:"created_at"`
}

func toChunkModel(c *stream.Chunk) *chunkModel {
	m := &chunkModel{Index: c.Index, Data: c.Data, CreatedAt: c.CreatedAt}
	if c.Final != nil {
		m.Final = &finalModel{Status: c.Final.Status, Output: c.Final.Output, Error: c.Final.Error}
	}
	return m
}

func fromChunkModel(runID id.RunID, m *chunkModel) *stream.Chunk {
	c := &stream.Chunk{RunID: runID, Index: m.Index, Data: m.Data, CreatedAt: m.CreatedAt}
	if m.Final != nil {
		c.Final = &stream.Final{Status: m.Final.Status, Output: m.Final.Output, Error: m.Final.Error}
	}
	return c
}

func encode(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("durable/redis: encode: %w", err)
	}
	return b, nil
}

func decode[T any](b []byte) (*T, error) {
	v := new(T)
	if err := msgpack.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("durable/redis: decode: %w", err)
	}
	return v, nil
}

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

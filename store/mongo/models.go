package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/workflow"
)

type runModel struct {
	ID          string     `bson:"_id"`
	Workflow    string     `bson:"workflow"`
	Version     int        `bson:"version"`
	Status      string     `bson:"status"`
	Input       []byte     `bson:"input,omitempty"`
	Output      []byte     `bson:"output,omitempty"`
	Error       string     `bson:"error,omitempty"`
	WaitingOn   []string   `bson:"waiting_on,omitempty"`
	WakeAt      *time.Time `bson:"wake_at,omitempty"`
	Deadline    *time.Time `bson:"deadline,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
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
		return nil, fmt.Errorf("durable/mongo: parse run id: %w", err)
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
		WakeAt:      utcPtr(m.WakeAt),
		Deadline:    utcPtr(m.Deadline),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
		CompletedAt: utcPtr(m.CompletedAt),
	}, nil
}

type entryModel struct {
	RunID     string    `bson:"run_id"`
	Seq       int64     `bson:"seq"`
	Kind      string    `bson:"kind"`
	Key       string    `bson:"key"`
	Attempt   int       `bson:"attempt"`
	Payload   []byte    `bson:"payload,omitempty"`
	Error     string    `bson:"error,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

func toEntryModel(e *journal.Entry) *entryModel {
	return &entryModel{
		RunID:     e.RunID.String(),
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
		CreatedAt: m.CreatedAt.UTC(),
	}
}

type hookModel struct {
	Token      string     `bson:"_id"`
	RunID      string     `bson:"run_id"`
	Key        string     `bson:"key"`
	Schema     string     `bson:"schema,omitempty"`
	Iterable   bool       `bson:"iterable"`
	Status     string     `bson:"status"`
	Deliveries int        `bson:"deliveries"`
	CreatedAt  time.Time  `bson:"created_at"`
	ExpiresAt  *time.Time `bson:"expires_at,omitempty"`
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
		return nil, fmt.Errorf("durable/mongo: parse hook run id: %w", err)
	}
	return &hook.Hook{
		Token:      m.Token,
		RunID:      runID,
		Key:        m.Key,
		Schema:     m.Schema,
		Iterable:   m.Iterable,
		Status:     hook.Status(m.Status),
		Deliveries: m.Deliveries,
		CreatedAt:  m.CreatedAt.UTC(),
		ExpiresAt:  utcPtr(m.ExpiresAt),
	}, nil
}

type finalModel struct {
	Status string `bson:"status"`
	Output []byte `bson:"output,omitempty"`
	Error  string `bson:"error,omitempty"`
}

type chunkModel struct {
	RunID     string      `bson:"run_id"`
	Index     int64       `bson:"idx"`
	Data      []byte      `bson:"data,omitempty"`
	Final     *finalModel `bson:"final,omitempty"`
	CreatedAt time.Time   `bson:"created_at"`
}

func toChunkModel(c *stream.Chunk) *chunkModel {
	m := &chunkModel{RunID: c.RunID.String(), Index: c.Index, Data: c.Data, CreatedAt: c.CreatedAt}
	if c.Final != nil {
		m.Final = &finalModel{Status: c.Final.Status, Output: c.Final.Output, Error: c.Final.Error}
	}
	return m
}

func fromChunkModel(runID id.RunID, m *chunkModel) *stream.Chunk {
	c := &stream.Chunk{RunID: runID, Index: m.Index, Data: m.Data, CreatedAt: m.CreatedAt.UTC()}
	if m.Final != nil {
		c.Final = &stream.Final{Status: m.Final.Status, Output: m.Final.Output, Error: m.Final.Error}
	}
	return c
}

// streamModel is a stream's head document: retention and purge state.
type streamModel struct {
	RunID     string     `bson:"_id"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	Purged    bool       `bson:"purged"`
}

type leaseModel struct {
	Key   string    `bson:"_id"`
	Owner string    `bson:"owner"`
	Until time.Time `bson:"until"`
}

type valueModel struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

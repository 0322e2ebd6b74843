package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/durable/hook"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/journal"
	"github.com/xraph/durable/stream"
	"github.com/xraph/durable/workflow"
)

// ── Run model ─────────────────────────────────────────────────────

type runModel struct {
	bun.BaseModel `bun:"table:durable_runs,alias:r"`

	ID          string     `bun:"id,pk"`
	Workflow    string     `bun:"workflow,notnull"`
	Version     int        `bun:"version,notnull"`
	Status      string     `bun:"status,notnull"`
	Input       []byte     `bun:"input,type:bytea"`
	Output      []byte     `bun:"output,type:bytea"`
	Error       string     `bun:"error,notnull"`
	WaitingOn   []string   `bun:"waiting_on,array,notnull"`
	WakeAt      *time.Time `bun:"wake_at"`
	Deadline    *time.Time `bun:"deadline"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull"`
	CompletedAt *time.Time `bun:"completed_at"`
}

func toRunModel(r *workflow.Run) *runModel {
	waiting := r.WaitingOn
	if waiting == nil {
		waiting = []string{}
	}
	return &runModel{
		ID:          r.ID.String(),
		Workflow:    r.Workflow,
		Version:     r.Version,
		Status:      string(r.Status),
		Input:       r.Input,
		Output:      r.Output,
		Error:       r.Error,
		WaitingOn:   waiting,
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
		return nil, fmt.Errorf("durable/bun: parse run id %q: %w", m.ID, err)
	}
	r := &workflow.Run{
		ID:          runID,
		Workflow:    m.Workflow,
		Version:     m.Version,
		Status:      workflow.Status(m.Status),
		Input:       m.Input,
		Output:      m.Output,
		Error:       m.Error,
		WakeAt:      m.WakeAt,
		Deadline:    m.Deadline,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
	}
	if len(m.WaitingOn) > 0 {
		r.WaitingOn = m.WaitingOn
	}
	return r, nil
}

func fromRunModels(models []runModel) ([]*workflow.Run, error) {
	out := make([]*workflow.Run, 0, len(models))
	for i := range models {
		r, err := fromRunModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ── Journal model ─────────────────────────────────────────────────

type entryModel struct {
	bun.BaseModel `bun:"table:durable_journal,alias:j"`

	RunID     string    `bun:"run_id,pk"`
	Seq       int64     `bun:"seq,pk"`
	Kind      string    `bun:"kind,notnull"`
	Key       string    `bun:"key,notnull"`
	Attempt   int       `bun:"attempt,notnull"`
	Payload   []byte    `bun:"payload,type:bytea"`
	Error     string    `bun:"error,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
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

// ── Hook model ────────────────────────────────────────────────────

type hookModel struct {
	bun.BaseModel `bun:"table:durable_hooks,alias:h"`

	Token      string     `bun:"token,pk"`
	RunID      string     `bun:"run_id,notnull"`
	Key        string     `bun:"key,notnull"`
	Schema     string     `bun:"schema,notnull"`
	Iterable   bool       `bun:"iterable,notnull"`
	Status     string     `bun:"status,notnull"`
	Deliveries int        `bun:"deliveries,notnull"`
	CreatedAt  time.Time  `bun:"created_at,notnull"`
	ExpiresAt  *time.Time `bun:"expires_at"`
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
		return nil, fmt.Errorf("durable/bun: parse hook run id %q: %w", m.RunID, err)
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

// ── Stream models ─────────────────────────────────────────────────

type streamModel struct {
	bun.BaseModel `bun:"table:durable_streams,alias:s"`

	RunID     string     `bun:"run_id,pk"`
	NextIndex int64      `bun:"next_index,notnull"`
	Closed    bool       `bun:"closed,notnull"`
	Purged    bool       `bun:"purged,notnull"`
	ExpiresAt *time.Time `bun:"expires_at"`
}

type chunkModel struct {
	bun.BaseModel `bun:"table:durable_stream_chunks,alias:c"`

	RunID       string    `bun:"run_id,pk"`
	Idx         int64     `bun:"idx,pk"`
	Data        []byte    `bun:"data,type:bytea"`
	FinalStatus *string   `bun:"final_status"`
	FinalOutput []byte    `bun:"final_output,type:bytea"`
	FinalError  *string   `bun:"final_error"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

func toChunkModel(c *stream.Chunk) *chunkModel {
	m := &chunkModel{
		RunID:     c.RunID.String(),
		Idx:       c.Index,
		Data:      c.Data,
		CreatedAt: c.CreatedAt,
	}
	if c.Final != nil {
		status, errMsg := c.Final.Status, c.Final.Error
		m.FinalStatus = &status
		m.FinalError = &errMsg
		m.FinalOutput = c.Final.Output
	}
	return m
}

func fromChunkModel(runID id.RunID, m *chunkModel) *stream.Chunk {
	c := &stream.Chunk{
		RunID:     runID,
		Index:     m.Idx,
		Data:      m.Data,
		CreatedAt: m.CreatedAt,
	}
	if m.FinalStatus != nil {
		c.Final = &stream.Final{Status: *m.FinalStatus, Output: m.FinalOutput}
		if m.FinalError != nil {
			c.Final.Error = *m.FinalError
		}
	}
	return c
}

// ── Lease and KV models ───────────────────────────────────────────

type leaseModel struct {
	bun.BaseModel `bun:"table:durable_leases,alias:l"`

	Key   string    `bun:"key,pk"`
	Owner string    `bun:"owner,notnull"`
	Until time.Time `bun:"until,notnull"`
}

type kvModel struct {
	bun.BaseModel `bun:"table:durable_kv,alias:kv"`

	Key       string    `bun:"key,pk"`
	Value     []byte    `bun:"value,type:bytea,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/workflow"
)

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	rID := run.ID.String()
	key := s.keys.run(rID)
	now := s.clock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	data, err := encode(toRunModel(run))
	if err != nil {
		return err
	}

	return s.txn(ctx, "create run", func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("durable/redis: create run exists: %w", err)
		}
		if exists > 0 {
			return durable.ErrRunAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.keys.runs(), goredis.Z{Score: score(run.CreatedAt), Member: rID})
			s.indexRun(ctx, pipe, run)
			return nil
		})
		if err != nil {
			return fmt.Errorf("durable/redis: create run: %w", err)
		}
		return nil
	}, key)
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	return s.getRun(ctx, s.client, runID.String())
}

func (s *Store) getRun(ctx context.Context, c reader, rID string) (*workflow.Run, error) {
	b, err := c.Get(ctx, s.keys.run(rID)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/redis: get run: %w", err)
	}
	m, err := decode[runModel](b)
	if err != nil {
		return nil, err
	}
	return fromRunModel(m)
}

// UpdateRun persists changes to a run. A stored terminal run is never
// overwritten.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	rID := run.ID.String()
	key := s.keys.run(rID)

	return s.txn(ctx, "update run", func(tx *goredis.Tx) error {
		cur, err := s.getRun(ctx, tx, rID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return durable.ErrRunTerminal
		}

		run.UpdatedAt = s.clock()
		data, err := encode(toRunModel(run))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.indexRun(ctx, pipe, run)
			return nil
		})
		if err != nil {
			return fmt.Errorf("durable/redis: update run: %w", err)
		}
		return nil
	}, key)
}

// indexRun keeps the wake and deadline indexes in line with run.
func (s *Store) indexRun(ctx context.Context, pipe goredis.Pipeliner, run *workflow.Run) {
	rID := run.ID.String()
	if run.Status == workflow.StatusSuspended && run.WakeAt != nil {
		pipe.ZAdd(ctx, s.keys.runsWake(), goredis.Z{Score: score(*run.WakeAt), Member: rID})
	} else {
		pipe.ZRem(ctx, s.keys.runsWake(), rID)
	}
	if !run.Status.Terminal() && run.Deadline != nil {
		pipe.ZAdd(ctx, s.keys.runsDeadline(), goredis.Z{Score: score(*run.Deadline), Member: rID})
	} else {
		pipe.ZRem(ctx, s.keys.runsDeadline(), rID)
	}
}

// ListRuns returns runs matching opts, newest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	ids, err := s.client.ZRevRange(ctx, s.keys.runs(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list runs: %w", err)
	}

	var runs []*workflow.Run
	for _, rID := range ids {
		r, getErr := s.getRun(ctx, s.client, rID)
		if getErr != nil {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.Workflow != "" && r.Workflow != opts.Workflow {
			continue
		}
		runs = append(runs, r)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(runs) {
			return []*workflow.Run{}, nil
		}
		runs = runs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(runs) {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

// ListDueRuns returns suspended runs whose WakeAt has passed and
// unfinished runs past their Deadline.
func (s *Store) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*workflow.Run, error) {
	upTo := &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatFloat(score(now), 'f', -1, 64)}

	seen := make(map[string]struct{})
	for _, idx := range []string{s.keys.runsWake(), s.keys.runsDeadline()} {
		ids, err := s.client.ZRangeByScore(ctx, idx, upTo).Result()
		if err != nil {
			return nil, fmt.Errorf("durable/redis: list due runs: %w", err)
		}
		for _, rID := range ids {
			seen[rID] = struct{}{}
		}
	}

	var result []*workflow.Run
	for rID := range seen {
		r, err := s.getRun(ctx, s.client, rID)
		if err != nil {
			continue
		}
		if r.Status.Terminal() {
			continue
		}
		wake := r.Status == workflow.StatusSuspended && r.WakeAt != nil && !r.WakeAt.After(now)
		expired := r.Deadline != nil && !r.Deadline.After(now)
		if wake || expired {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID.String() < result[j].ID.String()
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

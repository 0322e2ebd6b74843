package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/workflow"
)

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	if _, err := s.col(colRuns).InsertOne(ctx, toRunModel(run)); err != nil {
		if isDuplicateKey(err, "") {
			return durable.ErrRunAlreadyExists
		}
		return fmt.Errorf("durable/mongo: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	var m runModel
	err := s.col(colRuns).FindOne(ctx, bson.M{"_id": runID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/mongo: get run: %w", err)
	}
	return fromRunModel(&m)
}

// UpdateRun persists changes to a run. A stored terminal run is never
// overwritten.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	run.UpdatedAt = s.clock()
	m := toRunModel(run)
	res, err := s.col(colRuns).ReplaceOne(ctx,
		bson.M{"_id": m.ID, "status": bson.M{"$nin": terminalStatuses}}, m)
	if err != nil {
		return fmt.Errorf("durable/mongo: update run: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, run.ID); err != nil {
		return err
	}
	return durable.ErrRunTerminal
}

// ListRuns returns runs matching opts, newest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Workflow != "" {
		filter["workflow"] = opts.Workflow
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}
	return s.findRuns(ctx, filter, findOpts)
}

// ListDueRuns returns suspended runs whose WakeAt has passed and
// unfinished runs past their Deadline.
func (s *Store) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*workflow.Run, error) {
	filter := bson.M{
		"status": bson.M{"$nin": terminalStatuses},
		"$or": bson.A{
			bson.M{"status": string(workflow.StatusSuspended), "wake_at": bson.M{"$lte": now}},
			bson.M{"deadline": bson.M{"$lte": now}},
		},
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	return s.findRuns(ctx, filter, findOpts)
}

func (s *Store) findRuns(ctx context.Context, filter bson.M, findOpts *options.FindOptionsBuilder) ([]*workflow.Run, error) {
	cursor, err := s.col(colRuns).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("durable/mongo: find runs: %w", err)
	}
	var models []runModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("durable/mongo: decode runs: %w", err)
	}
	runs := make([]*workflow.Run, 0, len(models))
	for i := range models {
		r, err := fromRunModel(&models[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

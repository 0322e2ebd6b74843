package durable

import "github.com/xraph/durable/id"

// ID is the identifier type for runs, generated hook tokens and workers.
type ID = id.ID

// RunID identifies a workflow run.
type RunID = id.RunID

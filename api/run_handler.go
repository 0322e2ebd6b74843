package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/xraph/durable"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/workflow"
)

// maxBodyBytes bounds start inputs and hook payloads.
const maxBodyBytes = 1 << 20

// StartRunResponse is returned by POST /runs/{workflow}.
type StartRunResponse struct {
	RunID    string `json:"run_id"`
	Workflow string `json:"workflow"`
	Stream   string `json:"stream"`
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, durable.NewValidationError("body", err.Error())
	}
	return body, nil
}

func parseRunID(r *http.Request) (id.RunID, error) {
	runID, err := id.ParseRunID(r.PathValue("runId"))
	if err != nil {
		return runID, &durable.ValidationError{Field: "runId", Err: err}
	}
	return runID, nil
}

// startRun creates a run. The request body is the workflow input; an
// optional runId query parameter makes the start idempotent.
func (a *API) startRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("workflow")
	body, err := readBody(w, r)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	var input any
	if len(body) > 0 {
		input = json.RawMessage(body)
	}

	var opts []engine.StartOption
	if raw := r.URL.Query().Get("runId"); raw != "" {
		runID, perr := id.ParseRunID(raw)
		if perr != nil {
			a.WriteError(w, r, &durable.ValidationError{Field: "runId", Err: perr})
			return
		}
		opts = append(opts, engine.WithRunID(runID))
	}

	h, err := a.eng.Start(r.Context(), name, input, opts...)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, StartRunResponse{
		RunID:    h.RunID.String(),
		Workflow: name,
		Stream:   "/runs/" + h.RunID.String() + "/stream",
	})
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := workflow.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		a.WriteError(w, r, durable.NewValidationError("status", "unknown run status "+string(status)))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}

	runs, err := a.eng.ListRuns(r.Context(), workflow.ListOpts{
		Limit:    defaultLimit(int(limit)),
		Offset:   int(offset),
		Status:   status,
		Workflow: q.Get("workflow"),
	})
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*workflow.Run{}
	}
	WriteJSON(w, http.StatusOK, runs)
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	run, err := a.eng.GetRun(r.Context(), runID)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	if err := a.eng.Cancel(r.Context(), runID); err != nil {
		a.WriteError(w, r, err)
		return
	}
	run, err := a.eng.GetRun(r.Context(), runID)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// streamRun writes the run's chunks from startIndex as newline-delimited
// JSON, one stream.Chunk per line, ending with the finish chunk. A client
// that drops reconnects with startIndex set to the last index it saw + 1.
func (a *API) streamRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	start, err := queryInt(r, "startIndex", 0)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}

	ctx := r.Context()
	reader, err := a.eng.Readable(ctx, runID, start)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)

	for {
		c, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			if fc, ok := reader.FinishChunk(); ok {
				_ = enc.Encode(fc)
			}
			_ = rc.Flush()
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("stream read failed",
					slog.String("run_id", runID.String()),
					slog.Int64("index", reader.Position()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if err := enc.Encode(c); err != nil {
			return
		}
		_ = rc.Flush()
	}
}

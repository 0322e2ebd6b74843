package api

import (
	"net/http"

	"github.com/xraph/durable/workflow"
)

// ListWorkflowNamesResponse is returned by GET /workflows.
type ListWorkflowNamesResponse struct {
	Names []string `json:"names"`
}

// StatsResponse counts runs by status.
type StatsResponse struct {
	Runs      map[workflow.Status]int `json:"runs"`
	Workflows int                     `json:"workflows"`
	Leader    bool                    `json:"leader"`
}

func (a *API) listWorkflowNames(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, ListWorkflowNamesResponse{Names: a.eng.Registry().Names()})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Runs:      make(map[workflow.Status]int),
		Workflows: len(a.eng.Registry().Names()),
		Leader:    a.eng.Waker().IsLeader(),
	}
	for _, status := range []workflow.Status{
		workflow.StatusPending, workflow.StatusRunning, workflow.StatusSuspended,
		workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusCancelled,
	} {
		runs, err := a.eng.ListRuns(r.Context(), workflow.ListOpts{Status: status})
		if err != nil {
			a.WriteError(w, r, err)
			return
		}
		resp.Runs[status] = len(runs)
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Ping(r.Context()); err != nil {
		a.WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package api

import (
	"net/http"
	"time"
)

// ResumeResponse is returned by POST /hooks/{token}.
type ResumeResponse struct {
	Token    string    `json:"token"`
	RunID    string    `json:"run_id"`
	Accepted time.Time `json:"accepted_at"`
}

func (a *API) getHook(w http.ResponseWriter, r *http.Request) {
	h, err := a.eng.GetHook(r.Context(), r.PathValue("token"))
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, h)
}

// resumeHook delivers the request body to the hook. 200 means the
// delivery is durable; the run continues asynchronously.
func (a *API) resumeHook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	body, err := readBody(w, r)
	if err != nil {
		a.WriteError(w, r, err)
		return
	}
	if err := a.eng.Resume(r.Context(), token, body); err != nil {
		a.WriteError(w, r, err)
		return
	}
	resp := ResumeResponse{Token: token, Accepted: time.Now().UTC()}
	if h, err := a.eng.GetHook(r.Context(), token); err == nil {
		resp.RunID = h.RunID.String()
	}
	WriteJSON(w, http.StatusOK, resp)
}

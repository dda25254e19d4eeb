package server

import (
	"net/http"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/session"
)

func (h *handlers) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InitialVariables map[string]any `json:"initialVariables,omitempty"`
	}
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &body) {
			return
		}
	}

	id := h.app.Sessions.Create(body.InitialVariables)
	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": id})
}

func (h *handlers) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.app.Sessions.Get(r.PathValue("id"))
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) handleSessionUpdateVariables(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Variables map[string]any     `json:"variables"`
		Mode      session.UpdateMode `json:"mode"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Mode == "" {
		body.Mode = session.UpdateModeMerge
	}

	version, err := h.app.Sessions.Update(r.PathValue("id"), body.Variables, body.Mode)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":       r.PathValue("id"),
		"snapshotVersion": version,
	})
}

func (h *handlers) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Sessions.Delete(r.PathValue("id")); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

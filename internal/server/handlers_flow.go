package server

import (
	"net/http"

	"github.com/rjsadow/httpflow/internal/apierr"
)

func (h *handlers) handleFlowCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string            `json:"sessionId,omitempty"`
		Label     string            `json:"label,omitempty"`
		Meta      map[string]string `json:"meta,omitempty"`
	}
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &body) {
			return
		}
	}

	id, err := h.app.Flows.Create(body.SessionID, body.Label, body.Meta)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"flowId": id})
}

func (h *handlers) handleFlowFinish(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flowId")
	summary, err := h.app.Flows.Finish(flowID)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flowId":  flowID,
		"summary": summary,
	})
}

func (h *handlers) handleFlowExecutionGet(w http.ResponseWriter, r *http.Request) {
	exec, err := h.app.Flows.GetExecution(r.PathValue("flowId"), r.PathValue("reqExecId"))
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

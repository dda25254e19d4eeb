package server

import (
	"net/http"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/runner"
)

type runRequestBody struct {
	CommandName string   `json:"commandName"`
	Path        string   `json:"path"`
	Args        []string `json:"args,omitempty"`
	WorkDir     string   `json:"workDir,omitempty"`
	FlowID      string   `json:"flowId,omitempty"`
	ReqExecID   string   `json:"reqExecId,omitempty"`
}

func (h *handlers) startRun(w http.ResponseWriter, r *http.Request, kind runner.Kind) {
	var body runRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	run, token, err := h.app.Runner.Start(runner.RunRequest{
		Kind:        kind,
		CommandName: body.CommandName,
		Path:        body.Path,
		Args:        body.Args,
		WorkDir:     body.WorkDir,
		FlowID:      body.FlowID,
		ReqExecID:   body.ReqExecID,
	})
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run":   run,
		"token": token,
	})
}

func (h *handlers) handleScriptStart(w http.ResponseWriter, r *http.Request) {
	h.startRun(w, r, runner.KindScript)
}

func (h *handlers) handleTestStart(w http.ResponseWriter, r *http.Request) {
	h.startRun(w, r, runner.KindTest)
}

func (h *handlers) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if err := h.app.Runner.Cancel(runID); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleScriptRunners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runners": h.app.Runner.ListRunners()})
}

func (h *handlers) handleTestFrameworks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"frameworks": h.app.Runner.ListFrameworks()})
}

package server

import (
	"io"
	"net/http"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/parser"
)

func pathQueryParam(r *http.Request) (string, bool) {
	p := r.URL.Query().Get("path")
	return p, p != ""
}

func (h *handlers) handleWorkspaceFileGet(w http.ResponseWriter, r *http.Request) {
	path, ok := pathQueryParam(r)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.CodeValidationError, "path query parameter is required"))
		return
	}
	data, err := h.app.Content.Load(path)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

func (h *handlers) handleWorkspaceFilePut(w http.ResponseWriter, r *http.Request) {
	path, ok := pathQueryParam(r)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.CodeValidationError, "path query parameter is required"))
		return
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.CodeValidationError, "reading request body", err))
		return
	}
	if err := h.app.Content.Write(path, data); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "bytes": len(data)})
}

func (h *handlers) handleWorkspaceFileDelete(w http.ResponseWriter, r *http.Request) {
	path, ok := pathQueryParam(r)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.CodeValidationError, "path query parameter is required"))
		return
	}
	if err := h.app.Content.Delete(path); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleWorkspaceFilesList(w http.ResponseWriter, r *http.Request) {
	files, err := h.app.Content.List(r.URL.Query().Get("dir"))
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleWorkspaceRequests answers GET /workspace/requests?path, parsing
// the named file and returning its parsed requests without executing
// them — used by clients to populate a request picker.
func (h *handlers) handleWorkspaceRequests(w http.ResponseWriter, r *http.Request) {
	path, ok := pathQueryParam(r)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.CodeValidationError, "path query parameter is required"))
		return
	}
	data, err := h.app.Content.Load(path)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	doc, err := parser.Parse(string(data))
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

package server

import (
	"net/http"
	"strconv"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/engine"
	"github.com/rjsadow/httpflow/internal/parser"
)

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": true,
		"version": Version,
	})
}

func (h *handlers) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"protocolVersion": ProtocolVersion,
		"version":         Version,
		"features": map[string]bool{
			"sessions":        true,
			"diagnostics":     true,
			"streamingBodies": true,
		},
	})
}

// handleConfig answers GET /config?profile&path[&sessionId] with a
// resolved configuration summary. When sessionId is given its variables
// are included, already redacted by the Session Manager.
func (h *handlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.app.Config

	var variables map[string]any
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		snap, err := h.app.Sessions.Get(sid)
		if err != nil {
			apierr.WriteJSON(w, err)
			return
		}
		variables = snap.Variables
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"profile":        r.URL.Query().Get("profile"),
		"path":           r.URL.Query().Get("path"),
		"workspaceRoot":  h.app.Content.Root(),
		"defaultTimeout": cfg.DefaultTimeout.Milliseconds(),
		"maxTimeout":     cfg.MaxTimeout.Milliseconds(),
		"maxRetries":     cfg.MaxRetries,
		"maxBodyBytes":   cfg.MaxBodyBytes,
		"variables":      variables,
	})
}

func (h *handlers) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stages": h.app.Hooks.Registered(),
	})
}

func (h *handlers) handleParse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
		Path    string `json:"path"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Content == "" && body.Path == "" {
		apierr.WriteJSON(w, apierr.New(apierr.CodeContentOrPathRequired, "content or path is required"))
		return
	}

	raw := body.Content
	if body.Path != "" {
		data, err := h.app.Content.Load(body.Path)
		if err != nil {
			apierr.WriteJSON(w, err)
			return
		}
		raw = string(data)
	}

	doc, err := parser.Parse(raw)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	type requestView struct {
		Request     parser.ParsedRequest `json:"request"`
		Diagnostics []string              `json:"diagnostics"`
	}
	requests := make([]requestView, len(doc.Requests))
	for i, req := range doc.Requests {
		requests[i] = requestView{Request: req, Diagnostics: nil}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requests":    requests,
		"diagnostics": doc.Diagnostics,
	})
}

func (h *handlers) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	resp, err := h.app.Engine.Execute(r.Context(), body.toEngineRequest())
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// executeRequestBody is the wire shape of POST /execute and POST
// /execute/sse; it mirrors engine.ExecuteRequest field-for-field, plus the
// SSE-only lastEventId, but keeps
// the JSON tags local to the server boundary rather than on the engine
// type itself.
type executeRequestBody struct {
	Content     string         `json:"content,omitempty"`
	Path        string         `json:"path,omitempty"`
	BasePath    string         `json:"basePath,omitempty"`
	Name        string         `json:"name,omitempty"`
	Index       *int           `json:"index,omitempty"`
	FlowID      string         `json:"flowId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Profile     string         `json:"profile,omitempty"`
	TimeoutMs   *int           `json:"timeoutMs,omitempty"`
	LastEventID string         `json:"lastEventId,omitempty"`
}

func (b executeRequestBody) toEngineRequest() engine.ExecuteRequest {
	return engine.ExecuteRequest{
		Content:   b.Content,
		Path:      b.Path,
		BasePath:  b.BasePath,
		Name:      b.Name,
		Index:     b.Index,
		FlowID:    b.FlowID,
		SessionID: b.SessionID,
		Variables: b.Variables,
		Profile:   b.Profile,
		TimeoutMs: b.TimeoutMs,
	}
}

func (h *handlers) handleExecuteSSE(w http.ResponseWriter, r *http.Request) {
	var body executeRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInternal, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastEventID := body.LastEventID
	if h := r.Header.Get("Last-Event-ID"); h != "" {
		lastEventID = h
	}

	err := h.app.Engine.ExecuteSSE(r.Context(), body.toEngineRequest(), lastEventID, func(msg engine.SSEMessage) bool {
		if msg.ID != "" {
			w.Write([]byte("id: " + msg.ID + "\n"))
		}
		if msg.Event != "" {
			w.Write([]byte("event: " + msg.Event + "\n"))
		}
		w.Write([]byte("data: " + msg.Data + "\n\n"))
		flusher.Flush()
		return true
	})
	if err != nil {
		w.Write([]byte("event: error\ndata: " + strconv.Quote(err.Error()) + "\n\n"))
		flusher.Flush()
	}
}

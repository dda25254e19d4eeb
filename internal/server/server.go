// Package server assembles the control plane's HTTP handler: every REST,
// SSE, and WebSocket route over the engine, session, flow, wsmanager, and
// runner packages. Grounded on the teacher's internal/server/server.go,
// which accepts all dependencies as an App struct so main() and tests build
// the identical handler chain.
package server

import (
	"net/http"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/config"
	"github.com/rjsadow/httpflow/internal/content"
	"github.com/rjsadow/httpflow/internal/engine"
	"github.com/rjsadow/httpflow/internal/eventbus"
	"github.com/rjsadow/httpflow/internal/flow"
	"github.com/rjsadow/httpflow/internal/hook"
	"github.com/rjsadow/httpflow/internal/middleware"
	"github.com/rjsadow/httpflow/internal/ratelimit"
	"github.com/rjsadow/httpflow/internal/runner"
	"github.com/rjsadow/httpflow/internal/session"
	"github.com/rjsadow/httpflow/internal/wsmanager"
)

// ProtocolVersion is the wire protocol version reported by /capabilities.
// It advances only when a breaking change is made to the REST/SSE/WS
// envelope shapes.
const ProtocolVersion = 1

// Version is the build version reported by /health and /capabilities.
// Overridden at link time in release builds via -ldflags.
var Version = "dev"

// App holds every dependency needed to build the control-plane HTTP
// handler. Both main() and tests construct the same App so there is no
// route drift between what ships and what's tested.
type App struct {
	Sessions *session.Manager
	Flows    *flow.Manager
	Bus      *eventbus.Bus
	Hooks    *hook.Dispatcher
	Engine   *engine.Engine
	Content  *content.Loader
	WS       *wsmanager.Manager
	Runner   *runner.Manager
	Limiter  *ratelimit.Limiter
	Config   *config.Config

	BearerToken string
}

// Handler builds and returns the complete HTTP handler with every route
// registered and middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{app: a}

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /capabilities", h.handleCapabilities)
	mux.HandleFunc("GET /config", h.handleConfig)
	mux.HandleFunc("GET /plugins", h.handlePlugins)

	mux.HandleFunc("POST /parse", h.handleParse)
	mux.HandleFunc("POST /execute", h.handleExecute)
	mux.HandleFunc("POST /execute/sse", h.handleExecuteSSE)

	mux.HandleFunc("POST /session", h.handleSessionCreate)
	mux.HandleFunc("GET /session/{id}", h.handleSessionGet)
	mux.HandleFunc("PUT /session/{id}/variables", h.handleSessionUpdateVariables)
	mux.HandleFunc("DELETE /session/{id}", h.handleSessionDelete)

	mux.HandleFunc("POST /flows", h.handleFlowCreate)
	mux.HandleFunc("POST /flows/{flowId}/finish", h.handleFlowFinish)
	mux.HandleFunc("GET /flows/{flowId}/executions/{reqExecId}", h.handleFlowExecutionGet)

	mux.HandleFunc("GET /event", h.handleEventSubscribe)
	mux.HandleFunc("GET /ws/session/{id}", h.handleWsSession)

	mux.HandleFunc("GET /workspace/file", h.handleWorkspaceFileGet)
	mux.HandleFunc("PUT /workspace/file", h.handleWorkspaceFilePut)
	mux.HandleFunc("POST /workspace/file", h.handleWorkspaceFilePut)
	mux.HandleFunc("DELETE /workspace/file", h.handleWorkspaceFileDelete)
	mux.HandleFunc("GET /workspace/files", h.handleWorkspaceFilesList)
	mux.HandleFunc("GET /workspace/requests", h.handleWorkspaceRequests)

	mux.HandleFunc("POST /script", h.handleScriptStart)
	mux.HandleFunc("DELETE /script/{runId}", h.handleRunCancel)
	mux.HandleFunc("GET /script/runners", h.handleScriptRunners)

	mux.HandleFunc("POST /test", h.handleTestStart)
	mux.HandleFunc("DELETE /test/{runId}", h.handleRunCancel)
	mux.HandleFunc("GET /test/frameworks", h.handleTestFrameworks)

	var root http.Handler = mux
	root = middleware.Auth(a.BearerToken)(root)
	if a.Limiter != nil {
		root = a.rateLimit(root)
	}
	root = middleware.SecurityHeaders(root)
	root = middleware.RequestID(root)
	return root
}

// rateLimit rejects requests from a source IP that has exhausted its
// token bucket with 429, before auth or routing spend any further work
// on the request.
func (a *App) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Limiter.Allow(ratelimit.ClientIP(r)) {
			apierr.WriteJSON(w, apierr.New(apierr.CodeRateLimited, "rate limit exceeded").WithDetails(map[string]any{"retryAfterMs": 1000}))
			return
		}
		next.ServeHTTP(w, r)
	})
}

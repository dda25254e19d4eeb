// Package engine implements the HTTP Execution Engine (§4.3) and SSE
// Execution (§4.4): the orchestrator that runs plugin hooks, interpolation,
// dispatch, response capture, and retries for a single execution. The
// teacher proxies VNC/RDP rather than making outbound HTTP calls, so there
// is no direct analogue for the dispatch loop itself; its cancellation and
// background-goroutine idioms follow internal/websocket/proxy.go's
// bidirectional-pump-with-errCh shape and internal/sessions/manager.go's
// stopCh-driven background work shape.
package engine

import (
	"time"

	"github.com/rjsadow/httpflow/internal/flow"
	"github.com/rjsadow/httpflow/internal/hook"
)

// CookieMode selects how a request's cookie jar is sourced.
type CookieMode string

const (
	CookieModeDisabled   CookieMode = "disabled"
	CookieModePersistent CookieMode = "persistent"
	CookieModeMemory     CookieMode = "memory"
)

// ResolvedConfig is the layered configuration resolved for one execution:
// project defaults overlaid with session variables overlaid with
// per-request variables, plus the handful of dispatch knobs the engine
// itself consumes.
type ResolvedConfig struct {
	Variables   map[string]any
	Profile     string
	CookieMode  CookieMode
	CookieJarPath string
	TimeoutMs   int
	MaxRetries  int
}

const (
	DefaultTimeoutMs = 30_000
	HardMaxTimeoutMs = 300_000
	DefaultMaxRetries = 3
)

// ExecuteRequest is the input to Execute.
type ExecuteRequest struct {
	Content   string
	Path      string
	BasePath  string
	Name      string
	Index     *int
	FlowID    string
	SessionID string
	Variables map[string]any
	Profile   string
	TimeoutMs *int
}

// ExecuteResponse is the shape returned by Execute, per spec §4.3 step 13.
type ExecuteResponse struct {
	RunID     string         `json:"runId"`
	ReqExecID string         `json:"reqExecId,omitempty"`
	FlowID    string         `json:"flowId,omitempty"`
	SessionID string         `json:"session,omitempty"`
	Request   RequestView    `json:"request"`
	Resolved  ResolvedConfig `json:"resolved"`
	Response  *flow.Response `json:"response,omitempty"`
	Limits    Limits         `json:"limits"`
	Timing    flow.Timing    `json:"timing"`
	PluginReports []hook.Report `json:"pluginReports"`
}

// RequestView is the echoed, resolved request shape in the response body.
type RequestView struct {
	Method      string            `json:"method"`
	URLTemplate string            `json:"urlTemplate"`
	URLResolved string            `json:"urlResolved,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Limits echoes the configured limits back to the caller.
type Limits struct {
	MaxBodyBytes int64 `json:"maxBodyBytes"`
}

// retryState carries per-execution retry bookkeeping, re-read fresh each
// retry iteration from the same ResolvedConfig object per the decided open
// question (§9): retries/maxRetries are sourced from resolved.MaxRetries,
// not from a plugin or a global.
type retryState struct {
	retries int
}

func clampTimeout(ms int) time.Duration {
	if ms <= 0 {
		ms = DefaultTimeoutMs
	}
	if ms > HardMaxTimeoutMs {
		ms = HardMaxTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

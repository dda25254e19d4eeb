// Package flow implements the Flow Manager: a bounded, logical grouping of
// request executions with replayable sequence numbers and summary
// statistics, owned independently of any Session.
package flow

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a StoredExecution.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Header is one flattened header entry, used for both request and response
// headers; a header with several values becomes several entries. Response
// headers are collected from Go's http.Header map, so their order across
// names is not defined; the values of one name keep their received order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Timing tracks the wall-clock shape of one execution.
type Timing struct {
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	DurationMs *int64     `json:"durationMs,omitempty"`
	TTFBMs     *int64     `json:"ttfb,omitempty"`
}

// Response is the captured response, set once an execution finalizes
// successfully.
type Response struct {
	Status     int      `json:"status"`
	StatusText string   `json:"statusText"`
	Headers    []Header `json:"headers"`
	Body       string   `json:"body"`
	Encoding   string   `json:"encoding"` // "utf-8" | "base64"
	Truncated  bool     `json:"truncated"`
	BodyBytes  int64    `json:"bodyBytes"`
}

// PluginHookResult records one hook's outcome for the execution's audit
// trail, used to answer "what did plugins do to this request".
type PluginHookResult struct {
	Stage    string `json:"stage"`
	Plugin   string `json:"plugin"`
	Modified bool   `json:"modified"`
	Failed   bool   `json:"failed"`
	Error    string `json:"error,omitempty"`
}

// PluginReport is one ctx.report(data) call, stamped by the dispatcher.
type PluginReport struct {
	PluginName string    `json:"pluginName"`
	RunID      string    `json:"runId"`
	FlowID     string    `json:"flowId,omitempty"`
	ReqExecID  string    `json:"reqExecId,omitempty"`
	ReqLabel   string    `json:"requestName,omitempty"`
	Ts         time.Time `json:"ts"`
	Seq        int64     `json:"seq"`
	Data       any       `json:"data"`
}

// StoredExecution is one executed request's full record inside a Flow. Once
// it reaches a terminal Status it is never mutated again.
type StoredExecution struct {
	ReqExecID string `json:"reqExecId"`
	FlowID    string `json:"flowId"`
	SessionID string `json:"sessionId,omitempty"`
	ReqLabel  string `json:"reqLabel,omitempty"`
	Source    string `json:"source"`

	RawHTTPBlock string   `json:"rawHttpBlock,omitempty"`
	Method       string   `json:"method"`
	URLTemplate  string   `json:"urlTemplate"`
	URLResolved  string   `json:"urlResolved,omitempty"`
	Headers      []Header `json:"headers,omitempty"`
	BodyPreview  string   `json:"bodyPreview,omitempty"`

	Timing   Timing  `json:"timing"`
	Response *Response `json:"response,omitempty"`

	PluginHooks   []PluginHookResult `json:"pluginHooks"`
	PluginReports []PluginReport     `json:"pluginReports"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

const bodyPreviewLimit = 1000

// TruncateBodyPreview clamps a body preview to the spec's 1000-byte cap.
func TruncateBodyPreview(body string) string {
	if len(body) <= bodyPreviewLimit {
		return body
	}
	return body[:bodyPreviewLimit]
}

// Flow is the mutable, bounded grouping of executions described in §3.
type Flow struct {
	ID             string
	SessionID      string
	Label          string
	Meta           map[string]string
	CreatedAt      time.Time

	mu             sync.Mutex
	lastActivityAt time.Time
	finished       bool
	seq            int64
	executions     map[string]*StoredExecution
	execOrder      []string // insertion order, oldest first; used for startTime eviction
}

// Summary is returned by Finish.
type Summary struct {
	Total      int   `json:"total"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"durationMs"`
}

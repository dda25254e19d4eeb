package eventbus

import "time"

// EventType is drawn from the closed set of envelope types the control
// plane emits across REST/SSE/WS.
type EventType string

const (
	EventRequestQueued      EventType = "requestQueued"
	EventFetchStarted       EventType = "fetchStarted"
	EventFetchFinished      EventType = "fetchFinished"
	EventPluginHookFinished EventType = "pluginHookFinished"
	EventPluginReport       EventType = "pluginReport"
	EventExecutionFailed    EventType = "executionFailed"
	EventExecutionSucceeded EventType = "executionSucceeded"
	EventSessionUpdated     EventType = "sessionUpdated"
	EventFlowFinished       EventType = "flowFinished"
	EventSessionReplayEnd   EventType = "session.replay.end"
	EventSessionError       EventType = "session.error"
	EventScriptStarted      EventType = "scriptStarted"
	EventScriptOutput       EventType = "scriptOutput"
	EventScriptFinished     EventType = "scriptFinished"
	EventTestStarted        EventType = "testStarted"
	EventTestOutput         EventType = "testOutput"
	EventTestFinished       EventType = "testFinished"
)

// Envelope is the wire shape fanned out over SSE and WebSocket: every field
// described in the data model's EventEnvelope.
type Envelope struct {
	Type      EventType `json:"type"`
	Ts        time.Time `json:"ts"`
	RunID     string    `json:"runId"`
	SessionID string    `json:"sessionId,omitempty"`
	FlowID    string    `json:"flowId,omitempty"`
	ReqExecID string    `json:"reqExecId,omitempty"`
	Seq       int64     `json:"seq"`
	Payload   any       `json:"payload,omitempty"`
}

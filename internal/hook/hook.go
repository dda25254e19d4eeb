// Package hook implements Plugin Hook Dispatch: ordered per-stage hooks
// with a hard per-hook timeout, structural before/after diffing to report
// whether a hook modified its output, and the report/retry/skip signaling
// plugins use to influence the execution pipeline. Grounded on
// internal/plugins/registry.go's factory/capability-set pattern, adapted
// from launcher/auth/storage plugin types to ordered per-stage hook arrays.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Stage is one of the closed set of dispatch points in the execution
// pipeline.
type Stage string

const (
	StageParseAfter      Stage = "parse.after"
	StageValidate        Stage = "validate"
	StageRequestBefore   Stage = "request.before"
	StageRequestCompiled Stage = "request.compiled"
	StageRequestAfter    Stage = "request.after"
	StageResponseAfter   Stage = "response.after"
	StageError           Stage = "error"
)

// Timeout is the hard per-hook timeout; a hook exceeding it is recorded as
// failed and dispatch proceeds to the next hook (degradation, not abort).
const Timeout = 30 * time.Second

// RetrySignal is returned by a response.after or error hook that wants the
// engine to re-execute the request.
type RetrySignal struct {
	DelayMs int
	Reason  string
}

// Result is what a single hook invocation returns to the dispatcher.
type Result struct {
	Output any
	Skip   bool
	Retry  *RetrySignal
}

// Reporter is handed to each hook invocation so it can call ctx.report(data)
// with JSON-serializable data; the dispatcher stamps every report with
// identity and ordering metadata.
type Reporter func(data any) error

// Fn is one registered hook's body. input is read-only. The engine passes a
// nil input and the stage's mutable contract value as output for every
// stage except request.after, which receives its value as input with a nil
// output.
type Fn func(ctx context.Context, input any, output any, report Reporter) (Result, error)

// Registration binds a hook function to a plugin name for reporting and
// ordering purposes.
type Registration struct {
	PluginName string
	Fn         Fn
}

// Report is one ctx.report(data) call, stamped by the dispatcher.
type Report struct {
	PluginName string    `json:"pluginName"`
	RunID      string    `json:"runId"`
	FlowID     string    `json:"flowId,omitempty"`
	ReqExecID  string    `json:"reqExecId,omitempty"`
	ReqLabel   string    `json:"requestName,omitempty"`
	Ts         time.Time `json:"ts"`
	Seq        int64     `json:"seq"`
	Data       any       `json:"data"`
}

// HookOutcome records one hook's execution for the StoredExecution audit
// trail.
type HookOutcome struct {
	Stage    Stage
	Plugin   string
	Modified bool
	Failed   bool
	Error    string
	Skip     bool
	Retry    *RetrySignal
}

// Dispatcher holds the ordered hook registrations per stage.
type Dispatcher struct {
	mu    sync.RWMutex
	hooks map[Stage][]Registration
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{hooks: make(map[Stage][]Registration)}
}

// Register appends a hook to the end of stage's registration order.
func (d *Dispatcher) Register(stage Stage, reg Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[stage] = append(d.hooks[stage], reg)
}

// Registered returns the plugin names registered at each stage, in
// registration order, for introspection endpoints. It never exposes the
// Fn values themselves.
func (d *Dispatcher) Registered() map[Stage][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[Stage][]string, len(d.hooks))
	for stage, regs := range d.hooks {
		names := make([]string, len(regs))
		for i, r := range regs {
			names[i] = r.PluginName
		}
		out[stage] = names
	}
	return out
}

// Identity carries the stamping context for reports produced during one
// dispatch call.
type Identity struct {
	RunID     string
	FlowID    string
	ReqExecID string
	ReqLabel  string
}

// SeqFunc is supplied by the caller (engine) to stamp reports with a
// flow-or-run-scoped monotonic sequence number; the dispatcher itself holds
// no opinion on which scope is authoritative.
type SeqFunc func() int64

// Dispatch runs every hook registered for stage, in registration order,
// against input/output. It returns the final output (mutated by hooks that
// don't skip/abort), the hook outcomes for the audit trail, and any
// reports captured via ctx.report.
func (d *Dispatcher) Dispatch(ctx context.Context, stage Stage, input, output any, identity Identity, nextSeq SeqFunc) (any, []HookOutcome, []Report, error) {
	d.mu.RLock()
	regs := append([]Registration(nil), d.hooks[stage]...)
	d.mu.RUnlock()

	var outcomes []HookOutcome
	var reports []Report

	for _, reg := range regs {
		before := cloneForDiff(output)

		report := func(data any) error {
			if _, err := json.Marshal(data); err != nil {
				return fmt.Errorf("hook: report data not JSON-serializable: %w", err)
			}
			reports = append(reports, Report{
				PluginName: reg.PluginName,
				RunID:      identity.RunID,
				FlowID:     identity.FlowID,
				ReqExecID:  identity.ReqExecID,
				ReqLabel:   identity.ReqLabel,
				Ts:         time.Now(),
				Seq:        nextSeq(),
				Data:       data,
			})
			return nil
		}

		result, hookErr := d.runWithTimeout(ctx, reg.Fn, input, output, report)

		outcome := HookOutcome{Stage: stage, Plugin: reg.PluginName}
		if hookErr != nil {
			outcome.Failed = true
			outcome.Error = hookErr.Error()
			slog.Warn("hook failed, continuing dispatch", "stage", stage, "plugin", reg.PluginName, "error", hookErr)
			outcomes = append(outcomes, outcome)
			continue
		}

		if result.Output != nil {
			output = result.Output
		}
		outcome.Modified = !reflect.DeepEqual(before, cloneForDiff(output))
		outcome.Skip = result.Skip
		outcome.Retry = result.Retry
		outcomes = append(outcomes, outcome)

		if result.Skip || result.Retry != nil {
			return output, outcomes, reports, nil
		}
	}

	return output, outcomes, reports, nil
}

func (d *Dispatcher) runWithTimeout(ctx context.Context, fn Fn, input, output any, report Reporter) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("hook panicked: %v", r)}
			}
		}()
		res, err := fn(ctx, input, output, report)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("hook exceeded %s timeout", Timeout)
	}
}

// cloneForDiff best-effort deep-copies v through a JSON round-trip so
// reflect.DeepEqual compares values rather than pointer identity. Values
// that aren't JSON-serializable fall back to the original reference; hooks
// operating on such values should return a new Output rather than mutating
// in place, or the modified diff will miss in-place changes.
func cloneForDiff(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

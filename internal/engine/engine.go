package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/clock"
	"github.com/rjsadow/httpflow/internal/content"
	"github.com/rjsadow/httpflow/internal/cookiejar"
	"github.com/rjsadow/httpflow/internal/eventbus"
	"github.com/rjsadow/httpflow/internal/flow"
	"github.com/rjsadow/httpflow/internal/hook"
	"github.com/rjsadow/httpflow/internal/interpolate"
	"github.com/rjsadow/httpflow/internal/parser"
	"github.com/rjsadow/httpflow/internal/session"
)

const binarySniffLimit = 8 * 1024

// Engine orchestrates one execute() call end to end: hooks, interpolation,
// dispatch, response capture, retries.
type Engine struct {
	Flows    *flow.Manager
	Sessions *session.Manager
	Bus      *eventbus.Bus
	Hooks    *hook.Dispatcher
	Interp   *interpolate.Interpolator
	Content  *content.Loader
	Jars     *cookiejar.Manager

	MaxBodyBytes     int64
	DefaultVariables  map[string]any
	DefaultCookieMode CookieMode
	transport         http.RoundTripper
}

// New builds an Engine from its component dependencies.
func New(flows *flow.Manager, sessions *session.Manager, bus *eventbus.Bus, hooks *hook.Dispatcher, interp *interpolate.Interpolator, loader *content.Loader, jars *cookiejar.Manager, maxBodyBytes int64) *Engine {
	return &Engine{
		Flows: flows, Sessions: sessions, Bus: bus, Hooks: hooks,
		Interp: interp, Content: loader, Jars: jars,
		MaxBodyBytes: maxBodyBytes, DefaultCookieMode: CookieModeMemory,
		transport: http.DefaultTransport,
	}
}

// Execute runs the full pipeline in spec §4.3.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	runID := clock.NewID("run")
	startTime := clock.System.Now()

	var flowObj *flow.Flow
	var reqExecID string
	if req.FlowID != "" {
		f, err := e.Flows.Get(req.FlowID)
		if err != nil {
			return ExecuteResponse{}, err
		}
		flowObj = f
		reqExecID = clock.NewID("exec")
	}

	rawText, basePath, err := e.loadContent(req)
	if err != nil {
		return ExecuteResponse{}, err
	}

	doc, err := parser.Parse(rawText)
	if err != nil {
		return ExecuteResponse{}, err
	}

	selected, err := parser.Select(doc, req.Name, req.Index)
	if err != nil {
		return ExecuteResponse{}, err
	}

	resolved := e.resolveConfig(req)

	if flowObj != nil {
		exec := &flow.StoredExecution{
			ReqExecID:   reqExecID,
			FlowID:      flowObj.ID,
			SessionID:   req.SessionID,
			ReqLabel:    selected.Name,
			Source:      sourceLabel(req),
			RawHTTPBlock: selected.Raw,
			Method:      selected.Method,
			URLTemplate: selected.URL,
			BodyPreview: flow.TruncateBodyPreview(selected.Body),
			Timing:      flow.Timing{StartTime: startTime},
			Status:      flow.StatusPending,
		}
		e.Flows.StoreExecution(flowObj.ID, exec)
		e.emit(flowObj, runID, reqExecID, eventbus.EventRequestQueued, map[string]any{"reqLabel": selected.Name})
	}

	// identity and nextSeq are shared across every hook dispatch for this
	// Execute call, including re-dispatches on retry, so report sequence
	// numbers stay monotonic for the whole run rather than resetting per
	// attempt.
	identity := hook.Identity{RunID: runID, FlowID: req.FlowID, ReqExecID: reqExecID, ReqLabel: selected.Name}
	var reportSeq int64
	nextSeq := hook.SeqFunc(func() int64 { reportSeq++; return reportSeq })

	var hookOutcomes []hook.HookOutcome
	var reports []hook.Report

	// parse.after and validate run once, against the parsed document and
	// the selected request, ahead of the per-attempt retry loop: neither
	// depends on the resolved config that retries re-read.
	e.dispatchStage(ctx, hook.StageParseAfter, nil, &doc, identity, nextSeq, flowObj, &hookOutcomes, &reports)

	if out, _, _ := e.dispatchStage(ctx, hook.StageValidate, nil, &selected, identity, nextSeq, flowObj, &hookOutcomes, &reports); out != nil {
		if sel, ok := out.(*parser.ParsedRequest); ok && sel != nil {
			selected = *sel
		}
	}

	state := &retryState{}
	var result ExecuteResponse
	var retryRequested bool
	for {
		result, retryRequested, err = e.executeOnce(ctx, identity, nextSeq, &hookOutcomes, &reports, req, selected, resolved, flowObj, startTime, basePath)

		if !retryRequested || state.retries >= resolved.MaxRetries {
			break
		}
		state.retries++
		resolved = e.resolveConfig(req) // re-read fresh per the decided open question
	}

	return result, err
}

// dispatchStage runs stage through the hook dispatcher (a no-op if no
// dispatcher is configured), folds its outcomes and reports into the
// caller's running accumulators, emits a pluginHookFinished event per hook,
// and reports whether any hook in this stage signaled skip or retry.
func (e *Engine) dispatchStage(ctx context.Context, stage hook.Stage, input, output any, identity hook.Identity, nextSeq hook.SeqFunc, flowObj *flow.Flow, outcomes *[]hook.HookOutcome, reports *[]hook.Report) (any, bool, *hook.RetrySignal) {
	if e.Hooks == nil {
		return output, false, nil
	}
	out, stageOutcomes, stageReports, err := e.Hooks.Dispatch(ctx, stage, input, output, identity, nextSeq)
	if err != nil {
		return output, false, nil
	}

	*outcomes = append(*outcomes, stageOutcomes...)
	*reports = append(*reports, stageReports...)

	var skip bool
	var retry *hook.RetrySignal
	for _, o := range stageOutcomes {
		e.emit(flowObj, identity.RunID, identity.ReqExecID, eventbus.EventPluginHookFinished, o)
		if o.Skip {
			skip = true
		}
		if o.Retry != nil {
			retry = o.Retry
		}
	}
	return out, skip, retry
}

// compiledRequest is the JSON-diffable shape handed to the request.before
// and request.compiled hooks; hooks may return a modified copy via
// Result.Output to rewrite the outbound request. request.before sees it
// before interpolation, request.compiled sees it after request.before's
// edits but still before interpolation.
type compiledRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// responseView is the JSON-diffable shape handed to response.after hooks.
type responseView struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// requestAfterView is the read-only input handed to request.after hooks,
// which the dispatcher calls with a nil output since nothing downstream
// consumes a rewrite at this point.
type requestAfterView struct {
	Request  compiledRequest `json:"request"`
	Response responseView    `json:"response"`
}

// errorView is the JSON-diffable shape handed to error hooks when a stage
// of executeOnce fails.
type errorView struct {
	Stage   string `json:"stage"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sourceLabel(req ExecuteRequest) string {
	if req.Path != "" {
		return req.Path
	}
	return "inline"
}

func (e *Engine) loadContent(req ExecuteRequest) (text string, basePath string, err error) {
	if req.Path != "" {
		if _, err := e.Content.ResolvePath(req.Path); err != nil {
			return "", "", err
		}
		data, err := e.Content.Load(req.Path)
		if err != nil {
			return "", "", err
		}
		return string(data), req.Path, nil
	}

	if req.Content == "" {
		return "", "", apierr.New(apierr.CodeContentOrPathRequired, "either content or path must be supplied")
	}

	if req.BasePath != "" {
		if _, err := e.Content.ResolvePath(req.BasePath); err != nil {
			return "", "", err
		}
		basePath = req.BasePath
	}
	return req.Content, basePath, nil
}

func (e *Engine) resolveConfig(req ExecuteRequest) ResolvedConfig {
	vars := map[string]any{}
	for k, v := range e.DefaultVariables {
		vars[k] = v
	}
	if req.SessionID != "" {
		if sess, ok := e.Sessions.GetInternal(req.SessionID); ok {
			for k, v := range sess.VariablesCopy() {
				vars[k] = v
			}
		}
	}
	for k, v := range req.Variables {
		vars[k] = v
	}

	timeoutMs := DefaultTimeoutMs
	if req.TimeoutMs != nil {
		timeoutMs = *req.TimeoutMs
	}

	cookieMode := e.DefaultCookieMode
	var jarPath string
	if req.SessionID != "" {
		cookieMode = CookieModePersistent
		if sess, ok := e.Sessions.GetInternal(req.SessionID); ok {
			jarPath = sess.CookieJarPath()
			if jarPath == "" {
				jarPath = "sessions/" + req.SessionID + ".json"
				sess.BindCookieJarPath(jarPath, clock.System.Now())
			}
		}
	}

	return ResolvedConfig{
		Variables:     vars,
		Profile:       req.Profile,
		CookieMode:    cookieMode,
		CookieJarPath: jarPath,
		TimeoutMs:     timeoutMs,
		MaxRetries:    DefaultMaxRetries,
	}
}

func (e *Engine) emit(f *flow.Flow, runID, reqExecID string, typ eventbus.EventType, payload any) {
	if f == nil {
		return
	}
	f.EmitEvent(e.Bus, clock.System, eventbus.Envelope{
		Type:      typ,
		RunID:     runID,
		ReqExecID: reqExecID,
		Payload:   payload,
	})
}

func (e *Engine) executeOnce(ctx context.Context, identity hook.Identity, nextSeq hook.SeqFunc, hookOutcomes *[]hook.HookOutcome, reports *[]hook.Report, req ExecuteRequest, selected parser.ParsedRequest, resolved ResolvedConfig, flowObj *flow.Flow, startTime time.Time, basePath string) (ExecuteResponse, bool, error) {
	runID, reqExecID := identity.RunID, identity.ReqExecID

	headersTemplate := map[string]string{}
	selected.Headers.Each(func(name, value string) { headersTemplate[name] = value })
	compiled := &compiledRequest{Method: selected.Method, URL: selected.URL, Headers: headersTemplate, Body: selected.Body}

	if out, _, _ := e.dispatchStage(ctx, hook.StageRequestBefore, nil, compiled, identity, nextSeq, flowObj, hookOutcomes, reports); out != nil {
		if c, ok := out.(*compiledRequest); ok && c != nil {
			compiled = c
		}
	}
	if out, _, _ := e.dispatchStage(ctx, hook.StageRequestCompiled, nil, compiled, identity, nextSeq, flowObj, hookOutcomes, reports); out != nil {
		if c, ok := out.(*compiledRequest); ok && c != nil {
			compiled = c
		}
	}

	scopes := interpolate.Scopes{{}, resolved.Variables}

	method := compiled.Method
	urlTemplate := compiled.URL
	resolvedURL, err := e.Interp.Expand(compiled.URL, scopes)
	if err != nil {
		return e.finalizeFailed(ctx, flowObj, identity, nextSeq, hookOutcomes, reports, startTime, "interpolate", apierr.Wrap(apierr.CodeValidationError, "interpolating url", err))
	}

	headers := map[string]string{}
	for name, value := range compiled.Headers {
		expanded, herr := e.Interp.Expand(value, scopes)
		if herr == nil {
			headers[name] = expanded
		} else {
			headers[name] = value
		}
	}

	body, err := e.Interp.Expand(compiled.Body, scopes)
	if err != nil {
		return e.finalizeFailed(ctx, flowObj, identity, nextSeq, hookOutcomes, reports, startTime, "interpolate", apierr.Wrap(apierr.CodeValidationError, "interpolating body", err))
	}

	timeout := clampTimeout(resolved.TimeoutMs)
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		respView  *flow.Response
		ttfb      int64
		execErr   error
		failStage string
	)

	// runDispatch is the session-bound portion of one attempt: building
	// the outbound request, dispatching it through the cookie jar, and
	// recording any cookie change against the session. When a session is
	// present it runs under Sessions.WithLock so two executions declaring
	// the same session serialize instead of racing each other's cookie
	// bookkeeping (sess may be nil, meaning no session lock is held).
	runDispatch := func(sess *session.Session) {
		httpReq, err := http.NewRequestWithContext(dispatchCtx, method, resolvedURL, strings.NewReader(body))
		if err != nil {
			execErr, failStage = err, "execute"
			return
		}
		for name, value := range headers {
			httpReq.Header.Set(name, value)
		}

		client, jar, jarLock, err := e.clientFor(resolved, req.SessionID)
		if err != nil {
			execErr, failStage = err, "execute"
			return
		}

		e.emit(flowObj, runID, reqExecID, eventbus.EventFetchStarted, map[string]any{"url": resolvedURL})
		ttfbStart := clock.System.Now()
		httpResp, err := client.Do(httpReq)
		if err != nil {
			if jarLock != nil {
				jarLock()
			}
			execErr, failStage = err, "execute"
			return
		}
		defer httpResp.Body.Close()

		ttfb = clock.System.Now().Sub(ttfbStart).Milliseconds()
		e.emit(flowObj, runID, reqExecID, eventbus.EventFetchFinished, map[string]any{"ttfb": ttfb})

		rv, cookiesChanged, err := e.captureResponse(httpResp, jar)
		if err != nil {
			if jarLock != nil {
				jarLock()
			}
			execErr, failStage = err, "execute"
			return
		}
		if jarLock != nil {
			jarLock()
		}

		respView = rv
		if cookiesChanged && sess != nil {
			sess.NoteCookiesChangedLocked(clock.System.Now())
			e.emit(flowObj, runID, reqExecID, eventbus.EventSessionUpdated, map[string]any{"cookiesChanged": true})
		}
	}

	var sess *session.Session
	if req.SessionID != "" {
		if s, ok := e.Sessions.GetInternal(req.SessionID); ok {
			sess = s
		}
	}
	if sess != nil {
		e.Sessions.WithLock(sess, func(s *session.Session) { runDispatch(s) })
	} else {
		runDispatch(nil)
	}

	if execErr != nil {
		return e.finalizeFailed(ctx, flowObj, identity, nextSeq, hookOutcomes, reports, startTime, failStage, execErr)
	}

	var retryRequested bool
	rv := &responseView{Status: respView.Status, Headers: flattenHeaders(respView.Headers), Body: respView.Body}
	if _, _, retry := e.dispatchStage(ctx, hook.StageResponseAfter, nil, rv, identity, nextSeq, flowObj, hookOutcomes, reports); retry != nil {
		retryRequested = true
	}

	rav := &requestAfterView{
		Request:  compiledRequest{Method: method, URL: resolvedURL, Headers: headers, Body: body},
		Response: *rv,
	}
	e.dispatchStage(ctx, hook.StageRequestAfter, rav, nil, identity, nextSeq, flowObj, hookOutcomes, reports)

	endTime := clock.System.Now()
	durationMs := endTime.Sub(startTime).Milliseconds()

	pluginHooks := make([]flow.PluginHookResult, len(*hookOutcomes))
	for i, o := range *hookOutcomes {
		pluginHooks[i] = flow.PluginHookResult{Stage: string(o.Stage), Plugin: o.Plugin, Modified: o.Modified, Failed: o.Failed, Error: o.Error}
	}
	pluginReports := make([]flow.PluginReport, len(*reports))
	for i, r := range *reports {
		pluginReports[i] = flow.PluginReport{PluginName: r.PluginName, RunID: r.RunID, FlowID: r.FlowID, ReqExecID: r.ReqExecID, ReqLabel: r.ReqLabel, Ts: r.Ts, Seq: r.Seq, Data: r.Data}
	}

	if flowObj != nil {
		e.Flows.StoreExecution(flowObj.ID, &flow.StoredExecution{
			ReqExecID:    reqExecID,
			FlowID:       flowObj.ID,
			SessionID:    req.SessionID,
			ReqLabel:     selected.Name,
			Source:       sourceLabel(req),
			RawHTTPBlock: selected.Raw,
			Method:       method,
			URLTemplate:  urlTemplate,
			URLResolved:  resolvedURL,
			BodyPreview:  flow.TruncateBodyPreview(body),
			Timing: flow.Timing{
				StartTime:  startTime,
				EndTime:    &endTime,
				DurationMs: &durationMs,
				TTFBMs:     &ttfb,
			},
			Response:      respView,
			PluginHooks:   pluginHooks,
			PluginReports: pluginReports,
			Status:        flow.StatusSuccess,
		})
		if !retryRequested {
			e.emit(flowObj, runID, reqExecID, eventbus.EventExecutionSucceeded, map[string]any{"status": respView.Status})
		}
	}

	return ExecuteResponse{
		RunID:     runID,
		ReqExecID: reqExecID,
		FlowID:    req.FlowID,
		SessionID: req.SessionID,
		Request: RequestView{
			Method:      method,
			URLTemplate: urlTemplate,
			URLResolved: resolvedURL,
			Headers:     headers,
		},
		Resolved:      resolved,
		Response:      respView,
		Limits:        Limits{MaxBodyBytes: e.MaxBodyBytes},
		PluginReports: *reports,
		Timing: flow.Timing{
			StartTime:  startTime,
			EndTime:    &endTime,
			DurationMs: &durationMs,
			TTFBMs:     &ttfb,
		},
	}, retryRequested, nil
}

func flattenHeaders(headers []flow.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Name] = h.Value
	}
	return out
}

// clientFor builds the *http.Client to dispatch with, per the three cookie
// modes in step 9, returning an unlock function to call once the response
// body has been fully read (persistent mode serializes load-run-save under
// the jar-path lock for the whole request lifetime).
func (e *Engine) clientFor(resolved ResolvedConfig, sessionID string) (*http.Client, http.CookieJar, func(), error) {
	switch resolved.CookieMode {
	case CookieModeDisabled:
		return &http.Client{Transport: e.transport}, nil, nil, nil

	case CookieModePersistent:
		if e.Jars == nil || resolved.CookieJarPath == "" {
			return &http.Client{Transport: e.transport}, nil, nil, nil
		}
		jarHandle, err := e.Jars.Open(resolved.CookieJarPath)
		if err != nil {
			return nil, nil, nil, apierr.Wrap(apierr.CodeInternal, "opening cookie jar", err)
		}
		unlock := func() { jarHandle.Save(context.Background()) }
		return &http.Client{Transport: e.transport, Jar: jarHandle.CookieJar()}, jarHandle.CookieJar(), unlock, nil

	default: // CookieModeMemory
		jar, _ := newMemoryJar()
		return &http.Client{Transport: e.transport, Jar: jar}, jar, nil, nil
	}
}

func (e *Engine) captureResponse(resp *http.Response, jar http.CookieJar) (*flow.Response, bool, error) {
	var headers []flow.Header
	cookiesChanged := false
	for name, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, flow.Header{Name: strings.ToLower(name), Value: v})
			if strings.EqualFold(name, "Set-Cookie") {
				cookiesChanged = true
			}
		}
	}

	limit := e.MaxBodyBytes
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}

	buf := &bytes.Buffer{}
	truncated := false
	limited := io.LimitReader(resp.Body, limit+1)
	n, err := io.Copy(buf, limited)
	if err != nil {
		return nil, false, apierr.Wrap(apierr.CodeExecute, "reading response body", err)
	}
	data := buf.Bytes()
	if n > limit {
		truncated = true
		data = data[:limit]
	}

	sniffLen := len(data)
	if sniffLen > binarySniffLimit {
		sniffLen = binarySniffLimit
	}
	isBinary := bytes.IndexByte(data[:sniffLen], 0) >= 0 || !utf8.Valid(data[:sniffLen])

	var body string
	encoding := "utf-8"
	if isBinary {
		body = base64.StdEncoding.EncodeToString(data)
		encoding = "base64"
	} else {
		body = string(data)
	}

	return &flow.Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    headers,
		Body:       body,
		Encoding:   encoding,
		Truncated:  truncated,
		BodyBytes:  int64(len(data)),
	}, cookiesChanged, nil
}

// finalizeFailed handles one attempt's terminal failure: it dispatches the
// error hook stage, which may itself signal a retry (in which case the
// failure is not recorded as final — a later attempt may still succeed, so
// the StoredExecution isn't marked Failed and no executionFailed event
// fires yet), and otherwise records the failure and returns the wrapped
// cause.
func (e *Engine) finalizeFailed(ctx context.Context, f *flow.Flow, identity hook.Identity, nextSeq hook.SeqFunc, hookOutcomes *[]hook.HookOutcome, reports *[]hook.Report, startTime time.Time, stage string, cause error) (ExecuteResponse, bool, error) {
	endTime := clock.System.Now()
	durationMs := endTime.Sub(startTime).Milliseconds()

	apiErr, ok := apierr.As(cause)
	if !ok {
		apiErr = apierr.Wrap(apierr.CodeExecute, "execution failed", cause)
	}

	var retryRequested bool
	ev := &errorView{Stage: stage, Code: string(apiErr.Code), Message: apiErr.Message}
	if _, _, retry := e.dispatchStage(ctx, hook.StageError, nil, ev, identity, nextSeq, f, hookOutcomes, reports); retry != nil {
		retryRequested = true
	}

	if f != nil && !retryRequested {
		exec, getErr := e.Flows.GetExecution(f.ID, identity.ReqExecID)
		if getErr == nil {
			exec.Status = flow.StatusFailed
			exec.Error = apiErr.Error()
			exec.Timing.EndTime = &endTime
			exec.Timing.DurationMs = &durationMs
			e.Flows.StoreExecution(f.ID, &exec)
		}
		e.emit(f, identity.RunID, identity.ReqExecID, eventbus.EventExecutionFailed, map[string]any{
			"stage": stage,
			"error": apiErr.Error(),
		})
	}

	return ExecuteResponse{}, retryRequested, apiErr
}

// newMemoryJar returns a fresh, unpersisted http.CookieJar for stateless
// memory-cookie-mode requests.
func newMemoryJar() (http.CookieJar, error) {
	return &discardingJar{store: map[string][]*http.Cookie{}}, nil
}

// discardingJar is a minimal in-process-only jar: it tracks cookies for the
// lifetime of a single request and nothing else.
type discardingJar struct {
	store map[string][]*http.Cookie
}

func (j *discardingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.store[u.Host] = append(j.store[u.Host], cookies...)
}

func (j *discardingJar) Cookies(u *url.URL) []*http.Cookie {
	return j.store[u.Host]
}

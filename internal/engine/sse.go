package engine

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/interpolate"
	"github.com/rjsadow/httpflow/internal/parser"
)

// SSEMessage is one decoded server-sent event.
type SSEMessage struct {
	ID    string
	Event string
	Data  string
}

// ExecuteSSE opens a long-lived SSE stream for a selected request and
// invokes yield for every message received, in upstream order, until the
// upstream closes, the context is canceled, or yield returns false. When
// lastEventID is non-empty it's forwarded as the Last-Event-ID request
// header so the upstream can resume from where a prior connection left
// off.
func (e *Engine) ExecuteSSE(ctx context.Context, req ExecuteRequest, lastEventID string, yield func(SSEMessage) bool) error {
	rawText, _, err := e.loadContent(req)
	if err != nil {
		return err
	}

	doc, err := parser.Parse(rawText)
	if err != nil {
		return err
	}

	selected, err := parser.Select(doc, req.Name, req.Index)
	if err != nil {
		return err
	}

	if selected.Protocol != parser.ProtocolSSE {
		return apierr.New(apierr.CodeValidationError, "selected request is not an SSE request")
	}

	resolved := e.resolveConfig(req)
	scopes := interpolate.Scopes{{}, resolved.Variables}

	resolvedURL, err := e.Interp.Expand(selected.URL, scopes)
	if err != nil {
		return apierr.Wrap(apierr.CodeValidationError, "interpolating url", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, resolvedURL, nil)
	if err != nil {
		return apierr.Wrap(apierr.CodeExecute, "building sse request", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	selected.Headers.Each(func(name, value string) {
		expanded, herr := e.Interp.Expand(value, scopes)
		if herr == nil {
			httpReq.Header.Set(name, expanded)
		}
	})
	if lastEventID != "" {
		httpReq.Header.Set("Last-Event-ID", lastEventID)
	}

	client, _, unlock, err := e.clientFor(resolved, req.SessionID)
	if err != nil {
		return err
	}
	if unlock != nil {
		defer unlock()
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return apierr.Wrap(apierr.CodeExecute, "dispatching sse request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apierr.Newf(apierr.CodeExecute, "sse upstream returned status %d", resp.StatusCode)
	}

	return decodeSSEStream(ctx, resp.Body, yield)
}

// decodeSSEStream parses the text/event-stream wire format line by line,
// emitting one SSEMessage per blank-line-terminated block.
func decodeSSEStream(ctx context.Context, body io.Reader, yield func(SSEMessage) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var msg SSEMessage
	var dataLines []string

	flush := func() bool {
		if len(dataLines) == 0 && msg.Event == "" && msg.ID == "" {
			return true
		}
		msg.Data = strings.Join(dataLines, "\n")
		ok := yield(msg)
		msg = SSEMessage{}
		dataLines = nil
		return ok
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Text()
		if line == "" {
			if !flush() {
				return nil
			}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			dataLines = append(dataLines, value)
		case "event":
			msg.Event = value
		case "id":
			msg.ID = value
		case "retry":
			// retry hints are advisory to the client reconnect policy; the
			// engine itself doesn't reconnect mid-ExecuteSSE call.
			_, _ = strconv.Atoi(value)
		}
	}

	if err := scanner.Err(); err != nil {
		return apierr.Wrap(apierr.CodeExecute, "reading sse stream", err)
	}
	flush()
	return nil
}

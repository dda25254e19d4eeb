package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/eventbus"
	"github.com/rjsadow/httpflow/internal/wsmanager"
)

const sseHeartbeatInterval = 30 * time.Second

// handleEventSubscribe serves GET /event?sessionId&flowId: a long-lived
// text/event-stream of eventbus envelopes filtered by the given session
// and/or flow. Grounded on the teacher's SSE hub (per-client buffered
// channel, non-blocking fan-out, periodic heartbeat to keep proxies from
// closing the connection).
func (h *handlers) handleEventSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInternal, "streaming not supported"))
		return
	}

	filter := eventbus.Filter{
		SessionID: r.URL.Query().Get("sessionId"),
		FlowID:    r.URL.Query().Get("flowId"),
	}

	ch := make(chan eventbus.Envelope, 32)
	subID := h.app.Bus.Subscribe(filter, func(env eventbus.Envelope) {
		select {
		case ch <- env:
		default:
		}
	})
	defer h.app.Bus.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("event: connected\ndata: {}\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-ch:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			w.Write([]byte("event: " + string(env.Type) + "\ndata: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-heartbeat.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWsSession serves GET /ws/session/{id}: on every request it upgrades
// the caller's connection and opens a new upstream WebSocket session via
// wsmanager with this connection's envelope stream as its sink. The path id is a client-chosen correlation label; the manager's
// own generated wsSessionId is what's authoritative and is carried in the
// first session.opened envelope. Grounded on
// internal/websocket/proxy.go's upgrade-then-bidirectional-pump shape,
// adapted so the manager owns the upstream half and this handler owns
// only the browser-facing half.
func (h *handlers) handleWsSession(w http.ResponseWriter, r *http.Request) {
	upstreamURL := r.URL.Query().Get("upstreamUrl")
	if upstreamURL == "" {
		apierr.WriteJSON(w, apierr.New(apierr.CodeValidationError, "upstreamUrl query parameter is required"))
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	sink := func(env wsmanager.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, data)
		writeMu.Unlock()
	}

	req := wsmanager.OpenRequest{
		UpstreamURL: upstreamURL,
		FlowID:      r.URL.Query().Get("flowId"),
		ReqExecID:   r.URL.Query().Get("reqExecId"),
		Subprotocol: r.URL.Query().Get("subprotocol"),
	}
	if ms, err := strconv.Atoi(r.URL.Query().Get("idleTimeoutMs")); err == nil && ms > 0 {
		req.IdleTimeout = time.Duration(ms) * time.Millisecond
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("replayBufferSize")); err == nil && n > 0 {
		req.ReplayBufferSize = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("maxFrameBytes")); err == nil && n > 0 {
		req.MaxFrameBytes = n
	}

	state, err := h.app.WS.Open(req, sink)
	if err != nil {
		apiErr, ok := apierr.As(err)
		code := websocket.CloseInternalServerErr
		reason := "failed to open upstream"
		if ok {
			reason = apiErr.Message
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		return
	}
	wsSessionID := state.ID
	defer h.app.WS.Close(wsSessionID, 1000, "client disconnected")

	if after := r.URL.Query().Get("afterSeq"); after != "" {
		if seq, err := strconv.ParseInt(after, 10, 64); err == nil {
			if envs, err := h.app.WS.Replay(wsSessionID, seq); err == nil {
				for _, env := range envs {
					sink(env)
				}
			}
		}
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			h.app.WS.RecordError(wsSessionID, "WS_BINARY_UNSUPPORTED", "binary frames are not supported")
			continue
		}

		var op wsControlOp
		if err := json.Unmarshal(data, &op); err != nil {
			h.app.WS.RecordError(wsSessionID, "WS_INVALID_OP", "could not parse control envelope")
			continue
		}

		switch op.Op {
		case "send":
			payloadType := wsmanager.PayloadType(op.PayloadType)
			if payloadType == "" {
				payloadType = wsmanager.PayloadText
			}
			h.app.WS.Send(wsSessionID, payloadType, op.payloadString(payloadType))

		case "close":
			code := op.Code
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			h.app.WS.Close(wsSessionID, code, op.Reason)
			return

		case "replay":
			if envs, err := h.app.WS.Replay(wsSessionID, op.AfterSeq); err == nil {
				for _, env := range envs {
					sink(env)
				}
			}

		default:
			h.app.WS.RecordError(wsSessionID, "WS_INVALID_OP", "unknown op: "+op.Op)
		}
	}
}

// wsControlOp is the client->server control envelope from the WebSocket
// wire protocol: {op:'send', payloadType, payload}, {op:'close', code?,
// reason?}, {op:'replay', afterSeq}.
type wsControlOp struct {
	Op          string          `json:"op"`
	PayloadType string          `json:"payloadType"`
	Payload     json.RawMessage `json:"payload"`
	Code        int             `json:"code"`
	Reason      string          `json:"reason"`
	AfterSeq    int64           `json:"afterSeq"`
}

// payloadString renders Payload as the string wsmanager.Send expects: a
// text payload is unwrapped from its JSON string encoding, while a json (or
// binary, which Send rejects itself) payload is passed through as raw text
// for Send's own decoding.
func (op wsControlOp) payloadString(payloadType wsmanager.PayloadType) string {
	if payloadType == wsmanager.PayloadText {
		var s string
		if err := json.Unmarshal(op.Payload, &s); err == nil {
			return s
		}
	}
	return string(op.Payload)
}

package wsmanager

import (
	"container/ring"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/clock"
)

const (
	// DefaultMaxSessions caps concurrent WsSessions (WsSessionLimitReached).
	DefaultMaxSessions = 100

	// DefaultIdleTimeout is how long a session may sit idle before the
	// sweep closes it with code 1001.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultConnectTimeout bounds the upstream dial.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultReplayBufferSize is the FIFO ring capacity per session.
	DefaultReplayBufferSize = 50

	// DefaultMaxFrameBytes is the outbound frame size ceiling.
	DefaultMaxFrameBytes = 262144

	defaultSweepInterval = 30 * time.Second
)

// Manager owns every live WsSession, dials upstream connections, and
// enforces the capacity/frame/idle contracts in §4.5.
type Manager struct {
	maxSessions int
	dialer      *websocket.Dialer

	mu       sync.Mutex
	sessions map[string]*WsSession

	sweepInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewManager builds a Manager. Pass 0 for maxSessions to use the default.
func NewManager(maxSessions int) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Manager{
		maxSessions:   maxSessions,
		dialer:        &websocket.Dialer{ReadBufferSize: 4096, WriteBufferSize: 4096},
		sessions:      make(map[string]*WsSession),
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func (m *Manager) Start() { go m.sweepLoop() }

func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.Dispose()
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	now := clock.System.Now()
	m.mu.Lock()
	var expired []*WsSession
	for _, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivityAt)
		timeout := time.Duration(s.IdleTimeoutMs) * time.Millisecond
		s.mu.Unlock()
		if idle > timeout {
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.Close(s.ID, 1001, "Idle timeout")
	}
}

// Open dials the upstream, registers a WsSession, and starts its inbound
// pump. The sink receives every envelope emitted for this session,
// including the session.opened envelope Open itself returns.
func (m *Manager) Open(req OpenRequest, sink Sink) (State, error) {
	m.mu.Lock()
	atCapacity := len(m.sessions) >= m.maxSessions
	m.mu.Unlock()

	connectTimeout := req.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	dialer := *m.dialer
	dialer.HandshakeTimeout = connectTimeout
	if req.Subprotocol != "" {
		dialer.Subprotocols = []string{req.Subprotocol}
	}

	conn, _, err := dialer.Dial(req.UpstreamURL, nil)
	if err != nil {
		return State{}, apierr.Wrap(apierr.CodeExecute, "dialing websocket upstream", err)
	}

	if atCapacity {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1013, "WsSessionLimitReached"))
		conn.Close()
		return State{}, apierr.New(apierr.CodeWsSessionLimitReached, "websocket session capacity reached")
	}

	replaySize := req.ReplayBufferSize
	if replaySize <= 0 {
		replaySize = DefaultReplayBufferSize
	}
	maxFrame := req.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	idleTimeout := req.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	now := clock.System.Now()
	id := clock.NewID("wss")
	sess := &WsSession{
		ID:               id,
		UpstreamURL:      req.UpstreamURL,
		FlowID:           req.FlowID,
		ReqExecID:        req.ReqExecID,
		Subprotocol:      req.Subprotocol,
		CreatedAt:        now,
		IdleTimeoutMs:    idleTimeout.Milliseconds(),
		ReplayBufferSize: replaySize,
		MaxFrameBytes:    maxFrame,
		readyState:       ReadyStateOpen,
		lastActivityAt:   now,
		replay:           ring.New(replaySize),
		sink:             sink,
		conn:             conn,
		closedCh:         make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.emit(sess, EnvelopeOpened, map[string]any{"upstreamUrl": req.UpstreamURL}, false)

	go m.pump(sess)

	return State{ID: id, UpstreamURL: req.UpstreamURL, ReadyState: ReadyStateOpen, LastSeq: sess.lastSeq, CreatedAt: now}, nil
}

// pump reads frames from the upstream until it errors or closes, recording
// each as an inbound envelope.
func (m *Manager) pump(sess *WsSession) {
	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			m.closeInternal(sess, 1006, "upstream connection lost")
			return
		}
		select {
		case <-sess.closedCh:
			return
		default:
		}
		m.RecordInbound(sess.ID, msgType, data)
	}
}

func (m *Manager) get(id string) (*WsSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, apierr.New(apierr.CodeSessionNotFound, "websocket session not found: "+id)
	}
	return sess, nil
}

// emit stamps env with the session's monotonic lastSeq, appends it to the
// replay buffer unless skipBuffer is set, and delivers it to the sink.
func (m *Manager) emit(sess *WsSession, typ EnvelopeType, payload any, skipBuffer bool) Envelope {
	sess.mu.Lock()
	sess.lastSeq++
	env := Envelope{Type: typ, WsSessionID: sess.ID, Seq: sess.lastSeq, Ts: clock.System.Now(), Payload: payload}
	sess.lastActivityAt = env.Ts
	if !skipBuffer {
		sess.replay.Value = env
		sess.replay = sess.replay.Next()
		if sess.replayCount < sess.ReplayBufferSize {
			sess.replayCount++
		}
	}
	sink := sess.sink
	sess.mu.Unlock()

	if sink != nil {
		func() {
			defer func() { recover() }()
			sink(env)
		}()
	}
	return env
}

// Send forwards a client-originated outbound frame to the upstream,
// enforcing the frame-size limit and upstream readiness.
func (m *Manager) Send(id string, payloadType PayloadType, payload string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	state := sess.readyState
	sess.mu.Unlock()

	if payloadType == PayloadBinary {
		m.emit(sess, EnvelopeError, map[string]any{"code": "WS_BINARY_UNSUPPORTED", "message": "binary frames are not supported"}, false)
		return nil
	}

	if state != ReadyStateOpen {
		m.emit(sess, EnvelopeError, map[string]any{"code": "WS_UPSTREAM_NOT_OPEN", "message": "upstream is not open"}, false)
		return nil
	}

	if utf8.RuneCountInString(payload) > sess.MaxFrameBytes || len(payload) > sess.MaxFrameBytes {
		m.emit(sess, EnvelopeError, map[string]any{"code": "WS_FRAME_TOO_LARGE", "message": "frame exceeds maxFrameBytes"}, false)
		return nil
	}

	wireType := websocket.TextMessage
	if err := sess.conn.WriteMessage(wireType, []byte(payload)); err != nil {
		m.closeInternal(sess, 1006, "write failed")
		return apierr.Wrap(apierr.CodeExecute, "writing to websocket upstream", err)
	}

	m.emit(sess, EnvelopeOutbound, decodePayload(payloadType, payload), false)
	return nil
}

func decodePayload(payloadType PayloadType, payload string) any {
	if payloadType == PayloadJSON {
		var v any
		if err := json.Unmarshal([]byte(payload), &v); err == nil {
			return v
		}
	}
	return payload
}

// RecordInbound records one frame read from the upstream as a
// session.inbound envelope, rejecting binary frames per the closed
// protocol version.
func (m *Manager) RecordInbound(id string, messageType int, data []byte) {
	sess, err := m.get(id)
	if err != nil {
		return
	}
	if messageType == websocket.BinaryMessage {
		m.emit(sess, EnvelopeError, map[string]any{"code": "WS_BINARY_UNSUPPORTED", "message": "binary frames are not supported"}, false)
		return
	}
	m.emit(sess, EnvelopeInbound, decodePayload(PayloadText, string(data)), false)
}

// RecordError emits a session.error envelope carrying an arbitrary code
// and message, for use by callers outside the read pump (e.g. the control
// plane translating a malformed client op).
func (m *Manager) RecordError(id, code, message string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	m.emit(sess, EnvelopeError, map[string]any{"code": code, "message": message}, false)
	return nil
}

// Close closes the session's upstream with the given code/reason and
// emits session.closed.
func (m *Manager) Close(id string, code int, reason string) error {
	sess, err := m.get(id)
	if err != nil {
		return err
	}
	m.closeInternal(sess, code, reason)
	return nil
}

func (m *Manager) closeInternal(sess *WsSession, code int, reason string) {
	sess.mu.Lock()
	if sess.readyState == ReadyStateClosed {
		sess.mu.Unlock()
		return
	}
	sess.readyState = ReadyStateClosed
	sess.mu.Unlock()

	close(sess.closedCh)
	sess.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	sess.conn.Close()

	m.emit(sess, EnvelopeClosed, map[string]any{"code": code, "reason": reason}, false)

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()
}

// Replay returns the tail of the buffer with seq > afterSeq, followed by a
// session.replay.end. When the oldest buffered seq exceeds afterSeq+1, a
// WS_REPLAY_GAP error envelope precedes the tail; neither it nor the
// replay.end envelope is persisted to the buffer.
func (m *Manager) Replay(id string, afterSeq int64) ([]Envelope, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	buffered := make([]Envelope, 0, sess.replayCount)
	sess.replay.Do(func(v any) {
		if v == nil {
			return
		}
		buffered = append(buffered, v.(Envelope))
	})
	sess.mu.Unlock()

	var tail []Envelope
	var oldestSeq int64
	if len(buffered) > 0 {
		oldestSeq = buffered[0].Seq
	}
	for _, env := range buffered {
		if env.Seq > afterSeq {
			tail = append(tail, env)
		}
	}

	var result []Envelope
	gap := len(buffered) > 0 && oldestSeq > afterSeq+1
	if gap {
		result = append(result, m.emit(sess, EnvelopeError, map[string]any{
			"code":               "WS_REPLAY_GAP",
			"afterSeq":           afterSeq,
			"oldestAvailableSeq": oldestSeq,
		}, true))
	}
	result = append(result, tail...)
	result = append(result, m.emit(sess, EnvelopeReplayEnd, map[string]any{
		"afterSeq": afterSeq,
		"replayed": len(tail),
		"gap":      gap,
	}, true))

	return result, nil
}

// Dispose closes every live session with code 1001, for process shutdown.
func (m *Manager) Dispose() {
	m.mu.Lock()
	sessions := make([]*WsSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeInternal(s, 1001, "Server shutting down")
	}
}

// Count returns the number of live sessions, for diagnostics and tests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

package wsmanager

import (
	"container/ring"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/httpflow/internal/apierr"
)

// fakeConn is a minimal upstreamConn double that records outbound writes
// and replays a queued sequence of inbound frames.
type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	closed  bool
	reads   chan fakeFrame
}

type fakeFrame struct {
	msgType int
	data    []byte
	err     error
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan fakeFrame, 16)}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-f.reads
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return frame.msgType, frame.data, frame.err
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.reads)
	}
	return nil
}

func newTestSession(t *testing.T, m *Manager, replaySize, maxFrame int) (*WsSession, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	sess := &WsSession{
		ID:               "wss_test",
		UpstreamURL:      "ws://upstream.example/",
		CreatedAt:        time.Now(),
		IdleTimeoutMs:    DefaultIdleTimeout.Milliseconds(),
		ReplayBufferSize: replaySize,
		MaxFrameBytes:    maxFrame,
		readyState:       ReadyStateOpen,
		lastActivityAt:   time.Now(),
		replay:           ring.New(replaySize),
		conn:             conn,
		closedCh:         make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess, conn
}

func TestSendTextForwardsToUpstream(t *testing.T) {
	m := NewManager(10)
	_, conn := newTestSession(t, m, 10, 1024)

	if err := m.Send("wss_test", PayloadText, "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(conn.writes) != 1 || string(conn.writes[0]) != "hello" {
		t.Fatalf("writes = %v", conn.writes)
	}
}

func TestSendBinaryRejected(t *testing.T) {
	m := NewManager(10)
	var got []Envelope
	sess, conn := newTestSession(t, m, 10, 1024)
	sess.sink = func(e Envelope) { got = append(got, e) }

	if err := m.Send(sess.ID, PayloadBinary, "x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(conn.writes) != 0 {
		t.Fatalf("expected no upstream write for binary payload")
	}
	if len(got) != 1 || got[0].Type != EnvelopeError {
		t.Fatalf("envelopes = %+v", got)
	}
}

func TestSendOversizedFrameRejected(t *testing.T) {
	m := NewManager(10)
	var got []Envelope
	sess, conn := newTestSession(t, m, 10, 4)
	sess.sink = func(e Envelope) { got = append(got, e) }

	if err := m.Send(sess.ID, PayloadText, "way too long"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(conn.writes) != 0 {
		t.Fatalf("expected no upstream write for oversized frame")
	}
	if len(got) != 1 || got[0].Payload.(map[string]any)["code"] != "WS_FRAME_TOO_LARGE" {
		t.Fatalf("envelopes = %+v", got)
	}
}

func TestSendWhenNotOpenEmitsError(t *testing.T) {
	m := NewManager(10)
	var got []Envelope
	sess, _ := newTestSession(t, m, 10, 1024)
	sess.readyState = ReadyStateClosed
	sess.sink = func(e Envelope) { got = append(got, e) }

	m.Send(sess.ID, PayloadText, "hi")
	if len(got) != 1 || got[0].Payload.(map[string]any)["code"] != "WS_UPSTREAM_NOT_OPEN" {
		t.Fatalf("envelopes = %+v", got)
	}
}

func TestRecordInboundRejectsBinary(t *testing.T) {
	m := NewManager(10)
	var got []Envelope
	sess, _ := newTestSession(t, m, 10, 1024)
	sess.sink = func(e Envelope) { got = append(got, e) }

	m.RecordInbound(sess.ID, websocket.BinaryMessage, []byte{1, 2, 3})
	if len(got) != 1 || got[0].Type != EnvelopeError {
		t.Fatalf("envelopes = %+v", got)
	}
}

func TestEmitSeqIsMonotonic(t *testing.T) {
	m := NewManager(10)
	sess, _ := newTestSession(t, m, 10, 1024)

	e1 := m.emit(sess, EnvelopeInbound, "a", false)
	e2 := m.emit(sess, EnvelopeInbound, "b", false)
	if e2.Seq != e1.Seq+1 {
		t.Fatalf("seq not monotonic: %d, %d", e1.Seq, e2.Seq)
	}
}

func TestReplayReturnsTailAndEnd(t *testing.T) {
	m := NewManager(10)
	sess, _ := newTestSession(t, m, 10, 1024)

	m.emit(sess, EnvelopeInbound, "a", false) // seq 1
	m.emit(sess, EnvelopeInbound, "b", false) // seq 2
	m.emit(sess, EnvelopeInbound, "c", false) // seq 3

	envs, err := m.Replay(sess.ID, 1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(envs) != 3 { // seq2, seq3, replay.end
		t.Fatalf("envs = %+v", envs)
	}
	if envs[len(envs)-1].Type != EnvelopeReplayEnd {
		t.Fatalf("last envelope = %+v", envs[len(envs)-1])
	}
	end := envs[len(envs)-1].Payload.(map[string]any)
	if end["replayed"] != 2 || end["gap"] != false {
		t.Fatalf("replay.end payload = %+v", end)
	}
}

func TestReplayWithGapEmitsReplayGap(t *testing.T) {
	m := NewManager(10)
	sess, _ := newTestSession(t, m, 2, 1024) // buffer size 2

	m.emit(sess, EnvelopeInbound, "a", false) // seq 1, evicted
	m.emit(sess, EnvelopeInbound, "b", false) // seq 2
	m.emit(sess, EnvelopeInbound, "c", false) // seq 3

	// Client has seen nothing (afterSeq 0) but the oldest buffered entry is
	// seq 2, so seq 1 was evicted before it could be replayed: a gap.
	envs, err := m.Replay(sess.ID, 0)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(envs) != 4 { // gap, seq2, seq3, replay.end
		t.Fatalf("envs = %+v", envs)
	}
	if envs[0].Type != EnvelopeError || envs[0].Payload.(map[string]any)["code"] != "WS_REPLAY_GAP" {
		t.Fatalf("first envelope = %+v", envs[0])
	}
	if envs[1].Seq != 2 || envs[2].Seq != 3 {
		t.Fatalf("tail envelopes = %+v, %+v", envs[1], envs[2])
	}
	if envs[3].Type != EnvelopeReplayEnd {
		t.Fatalf("last envelope = %+v", envs[3])
	}
}

func TestReplayBufferDoesNotGrowFromReplayEnvelopes(t *testing.T) {
	m := NewManager(10)
	sess, _ := newTestSession(t, m, 2, 1024)
	m.emit(sess, EnvelopeInbound, "a", false)

	if _, err := m.Replay(sess.ID, 0); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	sess.mu.Lock()
	count := sess.replayCount
	sess.mu.Unlock()
	if count != 1 {
		t.Fatalf("replayCount = %d, want 1 (replay.end must not be buffered)", count)
	}
}

func TestCloseEmitsClosedAndRemovesSession(t *testing.T) {
	m := NewManager(10)
	sess, conn := newTestSession(t, m, 10, 1024)
	var got []Envelope
	sess.sink = func(e Envelope) { got = append(got, e) }

	if err := m.Close(sess.ID, 1001, "Idle timeout"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !conn.closed {
		t.Fatalf("expected upstream conn to be closed")
	}
	if _, err := m.get(sess.ID); err == nil {
		t.Fatalf("expected session to be removed after Close")
	}
	found := false
	for _, e := range got {
		if e.Type == EnvelopeClosed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a session.closed envelope, got %+v", got)
	}
}

func TestDisposeClosesAllSessions(t *testing.T) {
	m := NewManager(10)
	newTestSession(t, m, 10, 1024)
	sess2, _ := newTestSession(t, m, 10, 1024)
	sess2.ID = "wss_test2"
	m.mu.Lock()
	m.sessions[sess2.ID] = sess2
	m.mu.Unlock()

	m.Dispose()
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after Dispose", m.Count())
	}
}

func TestOpenRejectsAtCapacity(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	m := NewManager(1)
	newTestSession(t, m, 10, 1024)

	_, err := m.Open(OpenRequest{UpstreamURL: "ws" + strings.TrimPrefix(upstream.URL, "http")}, nil)
	if apiErr, ok := apierr.As(err); !ok || apiErr.Code != apierr.CodeWsSessionLimitReached {
		t.Fatalf("Open() error = %v, want WsSessionLimitReached", err)
	}
}

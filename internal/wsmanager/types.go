// Package wsmanager implements the WebSocket Session Manager (§4.5): it
// opens and owns upstream WebSocket connections, proxies frames in both
// directions, and emits a totally-ordered, replayable stream of envelopes
// per session. Grounded directly on internal/websocket/proxy.go's
// upgrader+dialer+bidirectional-pump shape, generalized from a single VNC
// target to arbitrary upstream WS URLs with a replay buffer and
// frame-size/idle enforcement layered on top.
package wsmanager

import (
	"container/ring"
	"sync"
	"time"
)

// ReadyState is the lifecycle state of a WsSession's upstream connection.
type ReadyState string

const (
	ReadyStateConnecting ReadyState = "connecting"
	ReadyStateOpen       ReadyState = "open"
	ReadyStateClosed     ReadyState = "closed"
)

// PayloadType is the closed set of outbound payload kinds a client may send.
type PayloadType string

const (
	PayloadText   PayloadType = "text"
	PayloadJSON   PayloadType = "json"
	PayloadBinary PayloadType = "binary"
)

// EnvelopeType is the closed set of server->client envelope types.
type EnvelopeType string

const (
	EnvelopeOpened     EnvelopeType = "session.opened"
	EnvelopeInbound    EnvelopeType = "session.inbound"
	EnvelopeOutbound   EnvelopeType = "session.outbound"
	EnvelopeError      EnvelopeType = "session.error"
	EnvelopeReplayEnd  EnvelopeType = "session.replay.end"
	EnvelopeClosed     EnvelopeType = "session.closed"
)

// Envelope is one emission on a WsSession's event stream.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	WsSessionID string     `json:"wsSessionId"`
	Seq       int64        `json:"seq"`
	Ts        time.Time    `json:"ts"`
	Payload   any          `json:"payload,omitempty"`
}

// OpenRequest is the input to Open.
type OpenRequest struct {
	UpstreamURL      string
	FlowID           string
	ReqExecID        string
	Subprotocol      string
	IdleTimeout      time.Duration
	ReplayBufferSize int
	MaxFrameBytes    int
	ConnectTimeout   time.Duration
}

// Sink receives every envelope emitted for the session it was registered
// against, in emission order.
type Sink func(Envelope)

// WsSession is the mutable, manager-owned record for one proxied upstream
// connection (§3's WsSession). All mutable fields are guarded by mu.
type WsSession struct {
	ID               string
	UpstreamURL      string
	FlowID           string
	ReqExecID        string
	Subprotocol      string
	CreatedAt        time.Time
	IdleTimeoutMs    int64
	ReplayBufferSize int
	MaxFrameBytes    int

	mu             sync.Mutex
	readyState     ReadyState
	lastActivityAt time.Time
	lastSeq        int64
	replay         *ring.Ring
	replayCount    int
	sink           Sink

	conn     upstreamConn
	closedCh chan struct{}
}

// upstreamConn is the narrow surface wsmanager needs from a live upstream
// WebSocket connection; satisfied by *websocket.Conn in production and a
// fake in tests.
type upstreamConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// State is the read-only projection of a WsSession returned by Open/Get.
type State struct {
	ID          string     `json:"wsSessionId"`
	UpstreamURL string     `json:"upstreamUrl"`
	ReadyState  ReadyState `json:"readyState"`
	LastSeq     int64      `json:"lastSeq"`
	CreatedAt   time.Time  `json:"createdAt"`
}

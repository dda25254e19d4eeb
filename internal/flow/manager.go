package flow

import (
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/clock"
	"github.com/rjsadow/httpflow/internal/eventbus"
)

const (
	// DefaultMaxFlows caps the number of live flows before creation starts
	// evicting the oldest finished one.
	DefaultMaxFlows = 100

	// DefaultMaxExecutions caps executions retained per flow.
	DefaultMaxExecutions = 500

	// DefaultIdleTTL is how long an untouched flow survives the sweep.
	DefaultIdleTTL = 5 * time.Minute

	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = 60 * time.Second

	maxMetaKeys = 10
)

// sensitiveHeaderPattern matches request and response header names whose
// values GetExecution redacts in its projection.
var sensitiveHeaderPattern = regexp.MustCompile(`(?i)authorization|set-cookie|cookie|x-api-key`)

// Manager owns every live Flow, bounding both flow count and per-flow
// execution count, and sweeping flows idle past a TTL. Grounded on the same
// bounded-map-plus-background-sweep shape as internal/session, with an
// eviction policy tuned to flows: evict the oldest *finished* flow, never
// an in-flight one.
type Manager struct {
	maxFlows      int
	maxExecutions int
	idleTTL       time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	bus           *eventbus.Bus

	mu    sync.Mutex
	flows map[string]*Flow
	order []string // insertion order, used to find an evictable finished flow

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager builds a flow Manager. A nil bus is valid; emitEvent then only
// updates flow-local state and does not fan out.
func NewManager(maxFlows, maxExecutions int, idleTTL, sweepInterval time.Duration, bus *eventbus.Bus) *Manager {
	if maxFlows <= 0 {
		maxFlows = DefaultMaxFlows
	}
	if maxExecutions <= 0 {
		maxExecutions = DefaultMaxExecutions
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Manager{
		maxFlows:      maxFlows,
		maxExecutions: maxExecutions,
		idleTTL:       idleTTL,
		sweepInterval: sweepInterval,
		clock:         clock.System,
		bus:           bus,
		flows:         make(map[string]*Flow),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func (m *Manager) Start() { go m.sweepLoop() }

func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
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
	now := m.clock.Now()
	m.mu.Lock()
	var expired []string
	for id, f := range m.flows {
		f.mu.Lock()
		idle := now.Sub(f.lastActivityAt)
		f.mu.Unlock()
		if idle > m.idleTTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.removeLocked(id)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		slog.Info("flow sweep evicted idle flows", "count", len(expired))
	}
}

func (m *Manager) removeLocked(id string) {
	delete(m.flows, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Create allocates a flow. When at capacity it evicts the oldest finished
// flow; if none are finished, creation fails with FlowLimitReached.
func (m *Manager) Create(sessionID, label string, meta map[string]string) (string, error) {
	if len(meta) > maxMetaKeys {
		return "", apierr.Newf(apierr.CodeValidationError, "meta may carry at most %d keys", maxMetaKeys)
	}

	now := m.clock.Now()
	id := clock.NewID("flow")

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.flows) >= m.maxFlows {
		if !m.evictOldestFinishedLocked() {
			return "", apierr.New(apierr.CodeFlowLimitReached, "flow capacity reached and no finished flow to evict")
		}
	}

	m.flows[id] = &Flow{
		ID:             id,
		SessionID:      sessionID,
		Label:          label,
		Meta:           meta,
		CreatedAt:      now,
		lastActivityAt: now,
		executions:     make(map[string]*StoredExecution),
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Manager) evictOldestFinishedLocked() bool {
	for _, id := range m.order {
		f := m.flows[id]
		f.mu.Lock()
		finished := f.finished
		f.mu.Unlock()
		if finished {
			m.removeLocked(id)
			return true
		}
	}
	return false
}

// Get returns the flow for id, or FlowNotFound.
func (m *Manager) Get(id string) (*Flow, error) {
	m.mu.Lock()
	f, ok := m.flows[id]
	m.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.CodeFlowNotFound, "flow not found: "+id)
	}
	return f, nil
}

// Finish marks a flow finished and computes its summary over terminal
// executions.
func (m *Manager) Finish(id string) (Summary, error) {
	f, err := m.Get(id)
	if err != nil {
		return Summary{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.finished = true
	f.lastActivityAt = m.clock.Now()

	var earliest, latest time.Time
	summary := Summary{}
	for _, exec := range f.executions {
		switch exec.Status {
		case StatusSuccess:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
		default:
			continue
		}
		summary.Total++
		if earliest.IsZero() || exec.Timing.StartTime.Before(earliest) {
			earliest = exec.Timing.StartTime
		}
		if exec.Timing.EndTime != nil && (latest.IsZero() || exec.Timing.EndTime.After(latest)) {
			latest = *exec.Timing.EndTime
		}
	}
	if summary.Total > 0 && !latest.IsZero() {
		summary.DurationMs = latest.Sub(earliest).Milliseconds()
	}

	return summary, nil
}

// StoreExecution inserts or overwrites an execution inside the flow,
// evicting the oldest by startTime when the flow is at its execution cap.
func (m *Manager) StoreExecution(flowID string, exec *StoredExecution) error {
	f, err := m.Get(flowID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.executions[exec.ReqExecID]; !exists && len(f.executions) >= m.maxExecutions {
		f.evictOldestExecutionLocked()
	}

	if _, exists := f.executions[exec.ReqExecID]; !exists {
		f.execOrder = append(f.execOrder, exec.ReqExecID)
	}
	f.executions[exec.ReqExecID] = exec
	f.lastActivityAt = m.clock.Now()
	return nil
}

func (f *Flow) evictOldestExecutionLocked() {
	if len(f.execOrder) == 0 {
		return
	}
	// Oldest by startTime; execOrder is insertion order which, given
	// monotonically increasing startTime in practice, is equivalent and
	// cheaper than scanning, but fall back to an explicit scan to honor the
	// contract exactly when executions are stored out of start-time order.
	oldestIdx := 0
	oldestID := f.execOrder[0]
	oldestStart := f.executions[oldestID].Timing.StartTime
	for i, id := range f.execOrder {
		if exec, ok := f.executions[id]; ok && exec.Timing.StartTime.Before(oldestStart) {
			oldestIdx, oldestID, oldestStart = i, id, exec.Timing.StartTime
		}
	}
	delete(f.executions, oldestID)
	f.execOrder = append(f.execOrder[:oldestIdx], f.execOrder[oldestIdx+1:]...)
}

// GetExecution returns a deep-copied projection of one execution, with the
// values of sensitive headers redacted. PluginReport.Data values are shared
// with the stored record rather than cloned.
func (m *Manager) GetExecution(flowID, reqExecID string) (StoredExecution, error) {
	f, err := m.Get(flowID)
	if err != nil {
		return StoredExecution{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	exec, ok := f.executions[reqExecID]
	if !ok {
		return StoredExecution{}, apierr.New(apierr.CodeExecutionNotFound, "execution not found: "+reqExecID)
	}

	return redactExecution(*exec), nil
}

func redactExecution(exec StoredExecution) StoredExecution {
	redactedHeaders := make([]Header, len(exec.Headers))
	for i, h := range exec.Headers {
		if sensitiveHeaderPattern.MatchString(h.Name) {
			redactedHeaders[i] = Header{Name: h.Name, Value: "[REDACTED]"}
		} else {
			redactedHeaders[i] = h
		}
	}
	exec.Headers = redactedHeaders
	if t := exec.Timing.EndTime; t != nil {
		v := *t
		exec.Timing.EndTime = &v
	}
	if d := exec.Timing.DurationMs; d != nil {
		v := *d
		exec.Timing.DurationMs = &v
	}
	if d := exec.Timing.TTFBMs; d != nil {
		v := *d
		exec.Timing.TTFBMs = &v
	}
	exec.PluginHooks = slices.Clone(exec.PluginHooks)
	exec.PluginReports = slices.Clone(exec.PluginReports)

	if exec.Response != nil {
		resp := *exec.Response
		respHeaders := make([]Header, len(resp.Headers))
		for i, h := range resp.Headers {
			if sensitiveHeaderPattern.MatchString(h.Name) {
				respHeaders[i] = Header{Name: h.Name, Value: "[REDACTED]"}
			} else {
				respHeaders[i] = h
			}
		}
		resp.Headers = respHeaders
		exec.Response = &resp
	}

	return exec
}

// EmitEvent stamps env with the flow's monotonic seq and current time, then
// fans it out through the bus (if configured). Order across EmitEvent calls
// for the same flow is total.
func (f *Flow) EmitEvent(bus *eventbus.Bus, clk clock.Clock, env eventbus.Envelope) {
	f.mu.Lock()
	f.seq++
	env.Seq = f.seq
	env.FlowID = f.ID
	f.lastActivityAt = clk.Now()
	f.mu.Unlock()

	env.Ts = clk.Now()
	if bus != nil {
		bus.Emit(env)
	}
}

// EmitEvent is the Manager-level convenience wrapper used by callers that
// only have a flowID.
func (m *Manager) EmitEvent(flowID string, env eventbus.Envelope) error {
	f, err := m.Get(flowID)
	if err != nil {
		return err
	}
	f.EmitEvent(m.bus, m.clock, env)
	return nil
}

// Count returns the number of live flows, for diagnostics and tests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}

package flow

import (
	"testing"
	"time"

	"github.com/rjsadow/httpflow/internal/apierr"
	"github.com/rjsadow/httpflow/internal/eventbus"
)

func newTestManager() *Manager {
	return NewManager(2, 2, time.Hour, time.Hour, eventbus.New())
}

func TestManagerCreateAndGet(t *testing.T) {
	m := newTestManager()
	id, err := m.Create("sess1", "label", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	f, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if f.SessionID != "sess1" || f.Label != "label" {
		t.Fatalf("flow = %+v, want sess1/label", f)
	}
}

func TestManagerCreateRejectsTooManyMetaKeys(t *testing.T) {
	m := newTestManager()
	meta := map[string]string{}
	for i := 0; i < maxMetaKeys+1; i++ {
		meta[string(rune('a'+i))] = "v"
	}
	_, err := m.Create("", "", meta)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeValidationError {
		t.Fatalf("Create() error = %v, want ValidationError", err)
	}
}

func TestManagerGetUnknownFlowFails(t *testing.T) {
	m := newTestManager()
	_, err := m.Get("nope")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeFlowNotFound {
		t.Fatalf("Get() error = %v, want FlowNotFound", err)
	}
}

func TestManagerCreateEvictsOldestFinishedAtCapacity(t *testing.T) {
	m := newTestManager() // maxFlows = 2
	first, _ := m.Create("", "", nil)
	second, _ := m.Create("", "", nil)

	if _, err := m.Finish(first); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	third, err := m.Create("", "", nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := m.Get(first); err == nil {
		t.Fatal("expected finished flow to be evicted")
	}
	if _, err := m.Get(second); err != nil {
		t.Fatalf("unfinished flow should survive: %v", err)
	}
	if _, err := m.Get(third); err != nil {
		t.Fatalf("new flow should exist: %v", err)
	}
}

func TestManagerCreateFailsWhenNoFinishedFlowToEvict(t *testing.T) {
	m := newTestManager() // maxFlows = 2
	m.Create("", "", nil)
	m.Create("", "", nil)

	_, err := m.Create("", "", nil)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeFlowLimitReached {
		t.Fatalf("Create() error = %v, want FlowLimitReached", err)
	}
}

func TestStoreExecutionEvictsOldestByStartTime(t *testing.T) {
	m := newTestManager() // maxExecutions = 2
	id, _ := m.Create("", "", nil)

	base := time.Now()
	e1 := &StoredExecution{ReqExecID: "e1", Timing: Timing{StartTime: base}}
	e2 := &StoredExecution{ReqExecID: "e2", Timing: Timing{StartTime: base.Add(time.Second)}}
	e3 := &StoredExecution{ReqExecID: "e3", Timing: Timing{StartTime: base.Add(2 * time.Second)}}

	m.StoreExecution(id, e1)
	m.StoreExecution(id, e2)
	m.StoreExecution(id, e3)

	if _, err := m.GetExecution(id, "e1"); err == nil {
		t.Fatal("expected oldest execution e1 to be evicted")
	}
	if _, err := m.GetExecution(id, "e2"); err != nil {
		t.Fatalf("e2 should survive: %v", err)
	}
	if _, err := m.GetExecution(id, "e3"); err != nil {
		t.Fatalf("e3 should survive: %v", err)
	}
}

func TestGetExecutionRedactsSensitiveHeaders(t *testing.T) {
	m := newTestManager()
	id, _ := m.Create("", "", nil)

	m.StoreExecution(id, &StoredExecution{
		ReqExecID: "e1",
		Headers:   []Header{{Name: "Authorization", Value: "Bearer xyz"}, {Name: "X-Trace", Value: "abc"}},
	})

	got, err := m.GetExecution(id, "e1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Headers[0].Value != "[REDACTED]" {
		t.Fatalf("Authorization header = %q, want redacted", got.Headers[0].Value)
	}
	if got.Headers[1].Value != "abc" {
		t.Fatalf("X-Trace header = %q, want unredacted", got.Headers[1].Value)
	}
}

func TestFinishComputesSummary(t *testing.T) {
	m := newTestManager()
	id, _ := m.Create("", "", nil)

	start := time.Now()
	end := start.Add(500 * time.Millisecond)
	m.StoreExecution(id, &StoredExecution{
		ReqExecID: "e1",
		Status:    StatusSuccess,
		Timing:    Timing{StartTime: start, EndTime: &end},
	})
	m.StoreExecution(id, &StoredExecution{
		ReqExecID: "e2",
		Status:    StatusFailed,
		Timing:    Timing{StartTime: start, EndTime: &end},
	})

	summary, err := m.Finish(id)
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if summary.Total != 2 || summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.DurationMs != 500 {
		t.Fatalf("DurationMs = %d, want 500", summary.DurationMs)
	}
}

func TestEmitEventAssignsMonotonicSeq(t *testing.T) {
	bus := eventbus.New()
	m := NewManager(10, 10, time.Hour, time.Hour, bus)
	id, _ := m.Create("", "", nil)

	var seqs []int64
	bus.Subscribe(eventbus.Filter{FlowID: id}, func(e eventbus.Envelope) {
		seqs = append(seqs, e.Seq)
	})

	m.EmitEvent(id, eventbus.Envelope{Type: eventbus.EventRequestQueued, RunID: "r1"})
	m.EmitEvent(id, eventbus.Envelope{Type: eventbus.EventFetchStarted, RunID: "r1"})

	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("seqs = %v, want [1 2]", seqs)
	}
}

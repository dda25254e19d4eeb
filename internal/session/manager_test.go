package session

import (
	"testing"
	"time"

	"github.com/rjsadow/httpflow/internal/apierr"
)

func TestManagerCreateGet(t *testing.T) {
	m := NewManager(10, time.Hour, time.Minute)
	id := m.Create(map[string]any{"env": "staging"})

	snap, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.Variables["env"] != "staging" {
		t.Fatalf("Variables[env] = %v, want staging", snap.Variables["env"])
	}
}

func TestManagerGetRedactsSensitiveKeys(t *testing.T) {
	m := NewManager(10, time.Hour, time.Minute)
	id := m.Create(map[string]any{
		"apiKey":  "super-secret",
		"regular": "visible",
	})

	snap, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.Variables["apiKey"] != redactedValue {
		t.Fatalf("apiKey = %v, want redacted", snap.Variables["apiKey"])
	}
	if snap.Variables["regular"] != "visible" {
		t.Fatalf("regular = %v, want visible", snap.Variables["regular"])
	}
}

func TestManagerGetUnknownFails(t *testing.T) {
	m := NewManager(10, time.Hour, time.Minute)
	_, err := m.Get("does-not-exist")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeSessionNotFound {
		t.Fatalf("Get() error = %v, want SessionNotFound", err)
	}
}

func TestManagerUpdateMergeVsReplace(t *testing.T) {
	m := NewManager(10, time.Hour, time.Minute)
	id := m.Create(map[string]any{"a": 1, "b": 2})

	if _, err := m.Update(id, map[string]any{"b": 20, "c": 3}, UpdateModeMerge); err != nil {
		t.Fatalf("Update(merge) error = %v", err)
	}
	snap, _ := m.Get(id)
	if snap.Variables["a"] != 1 || snap.Variables["b"] != 20 || snap.Variables["c"] != 3 {
		t.Fatalf("merged variables = %+v", snap.Variables)
	}

	if _, err := m.Update(id, map[string]any{"only": true}, UpdateModeReplace); err != nil {
		t.Fatalf("Update(replace) error = %v", err)
	}
	snap, _ = m.Get(id)
	if len(snap.Variables) != 1 || snap.Variables["only"] != true {
		t.Fatalf("replaced variables = %+v", snap.Variables)
	}
}

func TestManagerUpdateBumpsSnapshotVersion(t *testing.T) {
	m := NewManager(10, time.Hour, time.Minute)
	id := m.Create(nil)

	v1, err := m.Update(id, map[string]any{"x": 1}, UpdateModeMerge)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	v2, err := m.Update(id, map[string]any{"x": 2}, UpdateModeMerge)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("snapshotVersion did not increase: %d -> %d", v1, v2)
	}
}

func TestManagerUpdateUnknownSessionFails(t *testing.T) {
	m := NewManager(10, time.Hour, time.Minute)
	_, err := m.Update("nope", map[string]any{"x": 1}, UpdateModeMerge)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeSessionNotFound {
		t.Fatalf("Update() error = %v, want SessionNotFound", err)
	}
}

func TestManagerDelete(t *testing.T) {
	m := NewManager(10, time.Hour, time.Minute)
	id := m.Create(nil)

	if err := m.Delete(id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.Get(id); err == nil {
		t.Fatal("Get() after Delete() = nil error, want SessionNotFound")
	}
}

func TestManagerDeleteUnknownFails(t *testing.T) {
	m := NewManager(10, time.Hour, time.Minute)
	if err := m.Delete("nope"); err == nil {
		t.Fatal("Delete() on unknown id = nil error, want SessionNotFound")
	}
}

func TestManagerLRUEvictionAtCapacity(t *testing.T) {
	m := NewManager(2, time.Hour, time.Minute)

	first := m.Create(nil)
	_ = m.Create(nil)

	// Touch `first` so it's most-recently-used, then create a third: the
	// *other* (untouched) session should be evicted, not first.
	m.getInternal(first)
	third := m.Create(nil)

	if m.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", m.Count())
	}
	if _, err := m.Get(first); err != nil {
		t.Fatalf("expected recently-used session to survive eviction: %v", err)
	}
	if _, err := m.Get(third); err != nil {
		t.Fatalf("expected newly created session to survive: %v", err)
	}
}

func TestManagerSweepEvictsIdleSessions(t *testing.T) {
	m := NewManager(10, time.Millisecond, time.Hour)
	id := m.Create(nil)

	time.Sleep(5 * time.Millisecond)
	m.sweepIdle()

	if _, err := m.Get(id); err == nil {
		t.Fatal("expected idle session to be swept")
	}
}

func TestUpdateNeverPartiallyAppliesOnUnknownMode(t *testing.T) {
	m := NewManager(10, time.Hour, time.Minute)
	id := m.Create(map[string]any{"a": 1})

	_, err := m.Update(id, map[string]any{"a": 999}, "bogus")
	if err == nil {
		t.Fatal("expected error for unknown update mode")
	}

	snap, _ := m.Get(id)
	if snap.Variables["a"] != 1 {
		t.Fatalf("variables mutated despite failed update: %+v", snap.Variables)
	}
}

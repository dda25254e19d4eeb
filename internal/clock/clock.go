// Package clock provides a testable time source and opaque id generation for
// runs, flows, executions, sessions, and WebSocket sessions.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is a narrow interface over time.Now so tests can inject a fake.
type Clock interface {
	Now() time.Time
}

// Real is the process-wide clock used outside of tests.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// System is the default Clock instance.
var System Clock = Real{}

// NewID returns an opaque identifier (UUID v4) for runs, flows, executions,
// sessions, and WebSocket sessions alike — the prefix distinguishes them in
// logs without implying any ordering guarantee.
func NewID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

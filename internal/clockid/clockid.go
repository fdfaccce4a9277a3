// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package clockid provides monotonic wall-clock reads and unique
// operation identifiers for the controller core.
package clockid

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/teris-io/shortid"
)

// Source hands out millisecond timestamps that never decrease and
// process-unique transfer and operation IDs.
//
// The clock is injected so deadline and watchdog behavior can be driven
// by a fake clock in tests.
type Source struct {
	clock clockwork.Clock
	ids   *shortid.Shortid

	mu     sync.Mutex
	lastMs int64
}

// NewSource creates a Source on top of the given clock.
func NewSource(clock clockwork.Clock) *Source {
	return &Source{
		clock: clock,
		ids:   shortid.MustNew(1, shortid.DefaultABC, uint64(time.Now().UnixNano())),
	}
}

// Clock returns the underlying clock.
func (source *Source) Clock() clockwork.Clock { return source.clock }

// NowMs returns the current wall clock in milliseconds since epoch.
// Successive calls never go backwards, even if the system clock does.
func (source *Source) NowMs() int64 {
	source.mu.Lock()
	defer source.mu.Unlock()

	now := source.clock.Now().UnixMilli()
	if now < source.lastMs {
		now = source.lastMs
	}
	source.lastMs = now
	return now
}

// NowISO returns the current wall clock rendered as RFC 3339 with
// millisecond precision, matching the clamped NowMs reading.
func (source *Source) NowISO() string {
	return time.UnixMilli(source.NowMs()).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// MsToISO renders a millisecond timestamp the same way NowISO does.
func MsToISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// NewTransferID allocates a unique transfer identifier.
func (source *Source) NewTransferID() string {
	return "transfer-" + source.ids.MustGenerate()
}

// NewOperationID allocates a unique identifier for standalone export and
// import operations.
func (source *Source) NewOperationID() string {
	return "op-" + source.ids.MustGenerate()
}

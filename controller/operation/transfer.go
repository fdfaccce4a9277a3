// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package operation holds the in-memory record of a transfer, export, or
// import operation and its status machine.
package operation

import (
	"encoding/json"
	"sync"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
)

// Status is the lifecycle state of an operation.
type Status string

// Operation statuses. Completed, Failed, CleanupFailed, and Errored are
// terminal.
const (
	StatusTransporting       Status = "transporting"
	StatusAwaitingValidation Status = "awaiting_validation"
	StatusCleanup            Status = "cleanup"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCleanupFailed      Status = "cleanup_failed"
	StatusErrored            Status = "error"
)

// Terminal reports whether no further transitions are allowed from the
// status, other than reclassification between failure kinds.
func (status Status) Terminal() bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCleanupFailed, StatusErrored:
		return true
	}
	return false
}

// NormalizeStatus maps legacy status spellings to their canonical form for
// every outward-facing projection. Older instances report "importing" where
// the controller says "transporting".
func NormalizeStatus(status string) string {
	if status == "importing" {
		return "transporting"
	}
	return status
}

// Type distinguishes full transfers from standalone exports and imports.
type Type string

// Operation types.
const (
	TypeTransfer Type = "transfer"
	TypeExport   Type = "export"
	TypeImport   Type = "import"
)

// Phase records the timing of one named stage of an operation.
type Phase struct {
	StartMs    int64 `json:"startMs"`
	EndMs      int64 `json:"endMs,omitempty"`
	DurationMs int64 `json:"durationMs,omitempty"`
}

// Transfer is the mutable record of a single operation. All field access
// after construction happens under Lock, so state transitions are
// linearizable per transfer while distinct transfers proceed concurrently.
type Transfer struct {
	mu sync.Mutex

	TransferID    string
	OperationType Type
	ExportID      string

	PlatformName  string
	PlatformIndex int
	ForceName     string

	SourceInstanceID   int
	SourceInstanceName string
	TargetInstanceID   int
	TargetInstanceName string

	Status      Status
	StartedAt   int64
	CompletedAt int64
	FailedAt    int64
	Error       string

	Phases map[string]*Phase

	PayloadMetrics     *PayloadMetrics
	ImportMetrics      map[string]interface{}
	ExportMetrics      map[string]interface{}
	SourceVerification json.RawMessage
	ValidationResult   *messages.ValidationResult

	ArtifactSizeBytes int64

	// LastEventMs is the timestamp of the newest transaction-log event.
	LastEventMs int64

	// ValidationSeen is set when a real validation event has entered the
	// handler, so a watchdog firing in the same tick yields to it.
	ValidationSeen bool
}

// Lock serializes access to the record.
func (transfer *Transfer) Lock() { transfer.mu.Lock() }

// Unlock releases the record.
func (transfer *Transfer) Unlock() { transfer.mu.Unlock() }

// Terminal reports whether the record reached a terminal status.
// Callers must hold the lock.
func (transfer *Transfer) Terminal() bool { return transfer.Status.Terminal() }

// MarkCompleted transitions the record to completed. Callers must hold the
// lock.
func (transfer *Transfer) MarkCompleted(nowMs int64) {
	transfer.Status = StatusCompleted
	transfer.CompletedAt = nowMs
	transfer.FailedAt = 0
}

// MarkFailed transitions the record to the given failure status and
// records the reason. Callers must hold the lock.
func (transfer *Transfer) MarkFailed(status Status, nowMs int64, reason string) {
	transfer.Status = status
	transfer.FailedAt = nowMs
	transfer.CompletedAt = 0
	transfer.Error = reason
}

// AppendError concatenates a secondary failure onto the record without
// masking the primary reason. Callers must hold the lock.
func (transfer *Transfer) AppendError(suffix string) {
	if transfer.Error == "" {
		transfer.Error = suffix
		return
	}
	transfer.Error += "; " + suffix
}

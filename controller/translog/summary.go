// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

package translog

import (
	"encoding/json"
	"fmt"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/operation"
)

// Transfer results derived from status for the detailed summary.
const (
	ResultSuccess    = "SUCCESS"
	ResultFailed     = "FAILED"
	ResultInProgress = "IN_PROGRESS"
)

// ShortSummary is the compact transfer projection used in transfer
// broadcasts and log listings. Status is always normalized.
type ShortSummary struct {
	TransferID         string `json:"transferId"`
	OperationType      string `json:"operationType"`
	ExportID           string `json:"exportId,omitempty"`
	PlatformName       string `json:"platformName"`
	PlatformIndex      int    `json:"platformIndex,omitempty"`
	ForceName          string `json:"forceName,omitempty"`
	SourceInstanceID   int    `json:"sourceInstanceId"`
	SourceInstanceName string `json:"sourceInstanceName,omitempty"`
	TargetInstanceID   int    `json:"targetInstanceId,omitempty"`
	TargetInstanceName string `json:"targetInstanceName,omitempty"`
	Status             string `json:"status"`
	StartedAt          int64  `json:"startedAt"`
	CompletedAt        int64  `json:"completedAt,omitempty"`
	FailedAt           int64  `json:"failedAt,omitempty"`
	Error              string `json:"error,omitempty"`
	LastEventMs        int64  `json:"lastEventMs,omitempty"`
}

// DetailedSummary extends the short summary with phase timings, metrics,
// and the computed result.
type DetailedSummary struct {
	ShortSummary

	Phases             map[string]*operation.Phase `json:"phases,omitempty"`
	PayloadMetrics     *operation.PayloadMetrics   `json:"payloadMetrics,omitempty"`
	ImportMetrics      map[string]interface{}      `json:"importMetrics,omitempty"`
	ExportMetrics      map[string]interface{}      `json:"exportMetrics,omitempty"`
	ValidationResult   *messages.ValidationResult  `json:"validationResult,omitempty"`
	SourceVerification json.RawMessage             `json:"sourceVerification,omitempty"`
	ArtifactSizeBytes  int64                       `json:"artifactSizeBytes,omitempty"`

	TotalDurationMs int64  `json:"totalDurationMs"`
	TotalDuration   string `json:"totalDuration"`
	Result          string `json:"result"`
}

// FormatDuration renders a millisecond duration the way operators see it:
// milliseconds below one second, one-decimal seconds above.
func FormatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

// ResultOf derives the coarse outcome from a status.
func ResultOf(status operation.Status) string {
	switch status {
	case operation.StatusCompleted:
		return ResultSuccess
	case operation.StatusFailed, operation.StatusErrored, operation.StatusCleanupFailed:
		return ResultFailed
	}
	return ResultInProgress
}

// shortSummary projects the transfer record. Callers must hold the
// transfer lock.
func (logger *Logger) shortSummary(transfer *operation.Transfer) ShortSummary {
	return ShortSummary{
		TransferID:         transfer.TransferID,
		OperationType:      string(transfer.OperationType),
		ExportID:           transfer.ExportID,
		PlatformName:       transfer.PlatformName,
		PlatformIndex:      transfer.PlatformIndex,
		ForceName:          transfer.ForceName,
		SourceInstanceID:   transfer.SourceInstanceID,
		SourceInstanceName: transfer.SourceInstanceName,
		TargetInstanceID:   transfer.TargetInstanceID,
		TargetInstanceName: transfer.TargetInstanceName,
		Status:             operation.NormalizeStatus(string(transfer.Status)),
		StartedAt:          transfer.StartedAt,
		CompletedAt:        transfer.CompletedAt,
		FailedAt:           transfer.FailedAt,
		Error:              transfer.Error,
		LastEventMs:        transfer.LastEventMs,
	}
}

// ShortSummaryOf is the exported projection used by the orchestrator and
// subscription layer. Callers must hold the transfer lock.
func (logger *Logger) ShortSummaryOf(transfer *operation.Transfer) ShortSummary {
	return logger.shortSummary(transfer)
}

// detailedSummary projects the transfer with phases, metrics, and total
// duration. Callers must hold the transfer lock.
func (logger *Logger) detailedSummary(transfer *operation.Transfer) DetailedSummary {
	endMs := transfer.CompletedAt
	if endMs == 0 {
		endMs = transfer.FailedAt
	}
	if endMs == 0 {
		endMs = transfer.LastEventMs
		if now := logger.clock.NowMs(); now > endMs {
			endMs = now
		}
	}
	totalMs := endMs - transfer.StartedAt
	if transfer.StartedAt == 0 || totalMs < 0 {
		totalMs = 0
	}

	return DetailedSummary{
		ShortSummary: logger.shortSummary(transfer),

		Phases:             transfer.Phases,
		PayloadMetrics:     transfer.PayloadMetrics,
		ImportMetrics:      transfer.ImportMetrics,
		ExportMetrics:      transfer.ExportMetrics,
		ValidationResult:   transfer.ValidationResult,
		SourceVerification: transfer.SourceVerification,
		ArtifactSizeBytes:  transfer.ArtifactSizeBytes,

		TotalDurationMs: totalMs,
		TotalDuration:   FormatDuration(totalMs),
		Result:          ResultOf(transfer.Status),
	}
}

// DetailedSummaryOf is the exported detailed projection. Callers must
// hold the transfer lock.
func (logger *Logger) DetailedSummaryOf(transfer *operation.Transfer) DetailedSummary {
	return logger.detailedSummary(transfer)
}

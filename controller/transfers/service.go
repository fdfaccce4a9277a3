// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package transfers implements the transfer orchestrator: the per-transfer
// state machine that moves a stored export onto a target instance with
// validation, rollback, source cleanup, and timeout handling.
package transfers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/bridge"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/cluster"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/exports"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/operation"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/translog"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/tree"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/clockid"
)

// Error is the default error class for the transfers package.
var Error = errs.Class("transfers")

// ErrInvalid is returned for malformed transfer requests.
var ErrInvalid = errs.Class("transfers: invalid")

var mon = monkit.Package()

// validationTimeoutReason is the synthesized failure reason when the
// watchdog fires before the target reports a verdict.
const validationTimeoutReason = "Validation timeout — no response received within 2 minutes"

// Config configures the transfer orchestrator.
type Config struct {
	ValidationTimeout        time.Duration `help:"how long to wait for the target's validation verdict" default:"2m"`
	ActiveTransfersRetention int           `help:"number of transfer records kept in memory" default:"100"`
}

// Broadcaster receives transfer-state updates for fan-out to control
// clients.
type Broadcaster interface {
	BroadcastTransfer(summary translog.ShortSummary)
	QueueTreeBroadcast()
}

// Service is the transfer orchestrator. A single transfer's transitions
// are serialized by the transfer record's own lock; distinct transfers
// proceed concurrently.
type Service struct {
	log         *zap.Logger
	clock       *clockid.Source
	registry    *exports.Registry
	logger      *translog.Logger
	state       *cluster.State
	client      bridge.InstanceClient
	broadcaster Broadcaster
	config      Config

	mu        sync.Mutex
	active    map[string]*operation.Transfer
	watchdogs map[string]chan struct{}
	running   sync.WaitGroup
}

// NewService creates the orchestrator.
func NewService(log *zap.Logger, clock *clockid.Source, registry *exports.Registry, logger *translog.Logger, state *cluster.State, client bridge.InstanceClient, broadcaster Broadcaster, config Config) *Service {
	if config.ValidationTimeout <= 0 {
		config.ValidationTimeout = 2 * time.Minute
	}
	if config.ActiveTransfersRetention <= 0 {
		config.ActiveTransfersRetention = 100
	}
	return &Service{
		log:         log,
		clock:       clock,
		registry:    registry,
		logger:      logger,
		state:       state,
		client:      client,
		broadcaster: broadcaster,
		config:      config,
		active:      make(map[string]*operation.Transfer),
		watchdogs:   make(map[string]chan struct{}),
	}
}

// Close cancels all pending watchdogs and waits for their tasks to exit.
func (service *Service) Close() error {
	service.mu.Lock()
	for id, cancel := range service.watchdogs {
		close(cancel)
		delete(service.watchdogs, id)
	}
	service.mu.Unlock()
	service.running.Wait()
	return nil
}

// TransferPlatform moves a stored export onto the target instance. The
// response carries the transfer ID on acceptance; failures before and
// during the import phase surface as a structured error.
func (service *Service) TransferPlatform(ctx context.Context, req messages.TransferPlatformRequest) (_ messages.TransferResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.registry.Get(ctx, req.ExportID)
	if err != nil {
		return failure(err), nil
	}
	target, err := service.state.ResolveInstance(req.TargetInstanceID)
	if err != nil {
		return failure(err), nil
	}
	return service.begin(ctx, record, target, 0, ""), nil
}

// StartPlatformTransfer exports a platform from the source instance and
// transfers it to the target in one combined operation.
func (service *Service) StartPlatformTransfer(ctx context.Context, req messages.StartPlatformTransferRequest) (_ messages.TransferResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.SourcePlatformIndex < 1 {
		return failure(ErrInvalid.New("platform index must be positive, got %d", req.SourcePlatformIndex)), nil
	}
	source, ok := service.state.Instance(req.SourceInstanceID)
	if !ok {
		return failure(cluster.ErrNotFound.New("instance %d", req.SourceInstanceID)), nil
	}
	target, err := service.state.ResolveInstance(req.TargetInstanceID)
	if err != nil {
		return failure(err), nil
	}
	if source.InstanceID == target.InstanceID {
		return failure(ErrInvalid.New("source and target instance must differ")), nil
	}

	resp, err := service.client.ExportPlatform(ctx, source.InstanceID, messages.ExportPlatformRequest{
		PlatformIndex:    req.SourcePlatformIndex,
		ForceName:        req.ForceName,
		TargetInstanceID: target.InstanceID,
	})
	if err != nil {
		return failure(Error.New("export request failed: %v", err)), nil
	}
	if !resp.Success {
		return failure(Error.New("export rejected: %s", resp.Error)), nil
	}

	record, err := service.registry.WaitForExport(ctx, resp.ExportID, 0)
	if err != nil {
		return failure(err), nil
	}
	return service.begin(ctx, record, target, req.SourcePlatformIndex, req.ForceName), nil
}

// begin builds the transfer record and drives it through the
// transmission phase.
func (service *Service) begin(ctx context.Context, record exports.Record, target cluster.Instance, platformIndex int, forceName string) messages.TransferResponse {
	nowMs := service.clock.NowMs()
	payloadMetrics, verification := operation.ParsePayload(record.ExportData)

	transfer := &operation.Transfer{
		TransferID:         service.clock.NewTransferID(),
		OperationType:      operation.TypeTransfer,
		ExportID:           record.ExportID,
		PlatformName:       record.PlatformName,
		PlatformIndex:      platformIndex,
		ForceName:          forceName,
		SourceInstanceID:   record.InstanceID,
		TargetInstanceID:   target.InstanceID,
		TargetInstanceName: target.Name,
		Status:             operation.StatusTransporting,
		StartedAt:          nowMs,

		PayloadMetrics:     payloadMetrics,
		SourceVerification: verification,
		ExportMetrics:      operation.NormalizeExportMetrics(record.ExportMetrics),
	}
	if source, ok := service.state.Instance(record.InstanceID); ok {
		transfer.SourceInstanceName = source.Name
	}
	service.register(transfer)

	service.log.Info("transfer started",
		zap.String("transferId", transfer.TransferID),
		zap.String("exportId", record.ExportID),
		zap.String("platform", record.PlatformName),
		zap.Int("source", transfer.SourceInstanceID),
		zap.Int("target", transfer.TargetInstanceID))

	transfer.Lock()
	defer transfer.Unlock()

	service.logger.Append(ctx, transfer, "transfer_created", "transfer record created", map[string]interface{}{
		"exportId":         record.ExportID,
		"sourceInstanceId": transfer.SourceInstanceID,
		"targetInstanceId": transfer.TargetInstanceID,
		"sizeBytes":        record.Size,
	})
	service.broadcast(transfer)
	service.broadcaster.QueueTreeBroadcast()
	service.notify(ctx, transfer,
		fmt.Sprintf("Transferring platform %s to %s...", transfer.PlatformName, target.Name), "")

	service.logger.StartPhase(transfer, "transmission")
	importResp, err := service.client.ImportPlatform(ctx, target.InstanceID, messages.ImportPlatformRequest{
		ExportID:   record.ExportID,
		ExportData: decoratePayload(record.ExportData, transfer.TransferID, transfer.SourceInstanceID),
		ForceName:  forceName,
	})
	service.logger.EndPhase(transfer, "transmission")

	if err != nil || !importResp.Success {
		// an explicit rejection fails the transfer; a transport error is
		// the unexpected-collaborator-failure terminal state
		status, eventType := operation.StatusFailed, "import_rejected"
		reason := importResp.Error
		if err != nil {
			status, eventType = operation.StatusErrored, "import_error"
			reason = err.Error()
		}
		service.logger.Append(ctx, transfer, eventType, reason, nil)
		transfer.MarkFailed(status, service.clock.NowMs(), reason)
		service.broadcast(transfer)
		service.notify(ctx, transfer, fmt.Sprintf("✘ Transfer failed: %s", reason), "red")
		service.rollback(ctx, transfer)
		service.finish(ctx, transfer)
		return messages.TransferResponse{Success: false, TransferID: transfer.TransferID, Error: transfer.Error}
	}

	service.logger.Append(ctx, transfer, "import_accepted", "target accepted the import", nil)
	transfer.Status = operation.StatusAwaitingValidation
	service.logger.StartPhase(transfer, "validation")
	service.armWatchdog(transfer)
	service.broadcast(transfer)

	return messages.TransferResponse{Success: true, TransferID: transfer.TransferID}
}

// HandleValidation processes the target instance's validation verdict.
// An unknown or already-terminal transfer is logged and ignored.
func (service *Service) HandleValidation(ctx context.Context, event messages.TransferValidationEvent) (err error) {
	defer mon.Task()(&ctx)(&err)

	transfer, ok := service.Lookup(event.TransferID)
	if !ok {
		service.log.Warn("validation event for unknown transfer",
			zap.String("transferId", event.TransferID))
		return nil
	}

	transfer.Lock()
	defer transfer.Unlock()

	transfer.ValidationSeen = true
	if transfer.Terminal() {
		service.log.Warn("validation event after terminal state ignored",
			zap.String("transferId", event.TransferID),
			zap.String("status", string(transfer.Status)))
		return nil
	}
	service.completeValidation(ctx, transfer, event)
	return nil
}

// completeValidation drives the transfer from awaiting_validation to a
// terminal state. Callers must hold the transfer lock.
func (service *Service) completeValidation(ctx context.Context, transfer *operation.Transfer, event messages.TransferValidationEvent) {
	service.logger.EndPhase(transfer, "validation")
	service.cancelWatchdog(transfer.TransferID)

	transfer.ValidationResult = &event.Validation
	if metrics := operation.NormalizeImportMetrics(event.Metrics); metrics != nil {
		transfer.ImportMetrics = metrics
	}
	service.logger.Append(ctx, transfer, "validation_result", validationMessage(event), map[string]interface{}{
		"success": event.Success,
	})

	if !event.Success {
		reason := validationMessage(event)
		transfer.MarkFailed(operation.StatusFailed, service.clock.NowMs(), reason)
		service.broadcast(transfer)
		service.notify(ctx, transfer, fmt.Sprintf("✘ Validation failed: %s", reason), "red")
		service.rollback(ctx, transfer)
		service.finish(ctx, transfer)
		return
	}

	service.notify(ctx, transfer, "✓ Validation passed, cleaning up source...", "green")
	transfer.Status = operation.StatusCleanup
	service.broadcast(transfer)

	service.logger.StartPhase(transfer, "cleanup")
	service.logger.Append(ctx, transfer, "cleanup_start", "deleting source platform", nil)
	resp, err := service.client.DeleteSourcePlatform(ctx, transfer.SourceInstanceID, messages.DeleteSourcePlatformRequest{
		PlatformIndex: transfer.PlatformIndex,
		PlatformName:  transfer.PlatformName,
		ForceName:     transfer.ForceName,
	})
	service.logger.EndPhase(transfer, "cleanup")

	if err != nil || !resp.Success {
		status := operation.StatusCleanupFailed
		reason := resp.Error
		if err != nil {
			status = operation.StatusErrored
			reason = err.Error()
		}
		service.logger.Append(ctx, transfer, "cleanup_failed", reason, nil)
		transfer.MarkFailed(status, service.clock.NowMs(), reason)
		service.notify(ctx, transfer, fmt.Sprintf("⚠ Cleanup failed: %s", reason), "yellow")
		service.finish(ctx, transfer)
		return
	}

	service.logger.Append(ctx, transfer, "transfer_completed", "source platform deleted", nil)
	transfer.MarkCompleted(service.clock.NowMs())
	if err := service.registry.Delete(ctx, transfer.ExportID); err != nil && !exports.ErrNotFound.Has(err) {
		service.log.Warn("stored export cleanup failed",
			zap.String("exportId", transfer.ExportID), zap.Error(err))
	}
	service.notify(ctx, transfer, "✓ Transfer complete", "green")
	service.finish(ctx, transfer)
}

// rollback unlocks the source platform after a failure. Both outcomes are
// journaled; an unlock failure is appended to the transfer's error without
// masking the primary reason. Callers must hold the transfer lock.
func (service *Service) rollback(ctx context.Context, transfer *operation.Transfer) {
	resp, err := service.client.UnlockSourcePlatform(ctx, transfer.SourceInstanceID, messages.UnlockSourcePlatformRequest{
		PlatformName: transfer.PlatformName,
		ForceName:    transfer.ForceName,
	})
	if err != nil || !resp.Success {
		reason := resp.Error
		if err != nil {
			reason = err.Error()
		}
		service.logger.Append(ctx, transfer, "rollback_failed", reason, nil)
		transfer.AppendError("rollback failed: " + reason)
		return
	}
	service.logger.Append(ctx, transfer, "rollback_success", "source platform unlocked", nil)
}

// finish persists the terminal transfer, emits the final broadcast, and
// prunes retention. Callers must hold the transfer lock.
func (service *Service) finish(ctx context.Context, transfer *operation.Transfer) {
	if err := service.logger.Persist(ctx, transfer); err != nil {
		service.log.Error("transaction log persistence failed",
			zap.String("transferId", transfer.TransferID), zap.Error(err))
	}
	service.broadcast(transfer)
	service.broadcaster.QueueTreeBroadcast()

	service.mu.Lock()
	service.pruneLocked()
	service.mu.Unlock()

	service.log.Info("transfer finished",
		zap.String("transferId", transfer.TransferID),
		zap.String("status", string(transfer.Status)),
		zap.String("error", transfer.Error))
}

// HandleImportOperationComplete records a standalone import reported by an
// instance as a terminal operation record.
func (service *Service) HandleImportOperationComplete(ctx context.Context, event messages.ImportOperationCompleteEvent) (err error) {
	defer mon.Task()(&ctx)(&err)

	nowMs := service.clock.NowMs()
	startedAt := nowMs
	if event.DurationTicks > 0 {
		startedAt = nowMs - operation.TicksToMs(event.DurationTicks)
	}

	transfer := &operation.Transfer{
		TransferID:       event.OperationID,
		OperationType:    operation.TypeImport,
		PlatformName:     event.PlatformName,
		TargetInstanceID: event.InstanceID,
		Status:           operation.StatusTransporting,
		StartedAt:        startedAt,
	}
	if instance, ok := service.state.Instance(event.InstanceID); ok {
		transfer.TargetInstanceName = instance.Name
	}
	if metrics := operation.NormalizeImportMetrics(event.Metrics); metrics != nil {
		transfer.ImportMetrics = metrics
	}
	service.register(transfer)

	transfer.Lock()
	defer transfer.Unlock()

	extras := map[string]interface{}{"instanceId": event.InstanceID}
	if event.DurationTicks > 0 {
		extras["durationTicks"] = event.DurationTicks
		extras["durationMs"] = operation.TicksToMs(event.DurationTicks)
	}
	if event.EntityCount > 0 {
		extras["entityCount"] = event.EntityCount
	}

	if event.Success {
		service.logger.Append(ctx, transfer, "import_complete", "standalone import finished", extras)
		transfer.MarkCompleted(nowMs)
	} else {
		service.logger.Append(ctx, transfer, "import_failed", event.Error, extras)
		transfer.MarkFailed(operation.StatusFailed, nowMs, event.Error)
	}
	service.finish(ctx, transfer)
	return nil
}

// RecordExport registers a stored platform export as a completed
// operation record so the operations view covers standalone exports.
func (service *Service) RecordExport(ctx context.Context, record exports.Record) {
	nowMs := service.clock.NowMs()
	startedAt := record.Timestamp
	if startedAt <= 0 {
		startedAt = nowMs
	}

	transfer := &operation.Transfer{
		TransferID:        service.clock.NewOperationID(),
		OperationType:     operation.TypeExport,
		ExportID:          record.ExportID,
		PlatformName:      record.PlatformName,
		SourceInstanceID:  record.InstanceID,
		Status:            operation.StatusTransporting,
		StartedAt:         startedAt,
		ArtifactSizeBytes: record.Size,
		ExportMetrics:     operation.NormalizeExportMetrics(record.ExportMetrics),
	}
	if instance, ok := service.state.Instance(record.InstanceID); ok {
		transfer.SourceInstanceName = instance.Name
	}
	service.register(transfer)

	transfer.Lock()
	defer transfer.Unlock()
	service.logger.Append(ctx, transfer, "export_complete", "platform export stored", map[string]interface{}{
		"exportId":  record.ExportID,
		"sizeBytes": record.Size,
	})
	transfer.MarkCompleted(nowMs)
	service.broadcast(transfer)
	service.broadcaster.QueueTreeBroadcast()
}

// ActiveCount returns the number of retained operation records.
func (service *Service) ActiveCount() int {
	service.mu.Lock()
	defer service.mu.Unlock()
	return len(service.active)
}

// Lookup returns the in-memory record for a transfer ID.
func (service *Service) Lookup(transferID string) (*operation.Transfer, bool) {
	service.mu.Lock()
	defer service.mu.Unlock()
	transfer, ok := service.active[transferID]
	return transfer, ok
}

// NewestActive returns the most recently started retained record.
// StartedAt never changes after registration, so no record lock is needed.
func (service *Service) NewestActive() (*operation.Transfer, bool) {
	service.mu.Lock()
	defer service.mu.Unlock()
	var newest *operation.Transfer
	for _, transfer := range service.active {
		if newest == nil || transfer.StartedAt > newest.StartedAt {
			newest = transfer
		}
	}
	return newest, newest != nil
}

// ActiveSummaries returns short summaries of all non-terminal transfers,
// oldest first, for replay to new subscribers.
func (service *Service) ActiveSummaries() []translog.ShortSummary {
	service.mu.Lock()
	inflight := make([]*operation.Transfer, 0, len(service.active))
	for _, transfer := range service.active {
		inflight = append(inflight, transfer)
	}
	service.mu.Unlock()

	summaries := make([]translog.ShortSummary, 0, len(inflight))
	for _, transfer := range inflight {
		transfer.Lock()
		if !transfer.Terminal() {
			summaries = append(summaries, service.logger.ShortSummaryOf(transfer))
		}
		transfer.Unlock()
	}
	sort.Slice(summaries, func(i, k int) bool { return summaries[i].StartedAt < summaries[k].StartedAt })
	return summaries
}

// ActivePlatformStates tags source platforms locked by in-flight
// transfers for the tree overlay.
func (service *Service) ActivePlatformStates() []tree.PlatformState {
	service.mu.Lock()
	inflight := make([]*operation.Transfer, 0, len(service.active))
	for _, transfer := range service.active {
		inflight = append(inflight, transfer)
	}
	service.mu.Unlock()

	var states []tree.PlatformState
	for _, transfer := range inflight {
		transfer.Lock()
		if !transfer.Terminal() && transfer.SourceInstanceID != 0 {
			states = append(states, tree.PlatformState{
				InstanceID:    transfer.SourceInstanceID,
				PlatformIndex: transfer.PlatformIndex,
				PlatformName:  transfer.PlatformName,
				TransferID:    transfer.TransferID,
				Status:        operation.NormalizeStatus(string(transfer.Status)),
			})
		}
		transfer.Unlock()
	}
	return states
}

// register adds the record to the active map and enforces retention.
func (service *Service) register(transfer *operation.Transfer) {
	service.mu.Lock()
	defer service.mu.Unlock()
	service.active[transfer.TransferID] = transfer
	service.pruneLocked()
}

// pruneLocked keeps the newest records by start time, canceling the
// watchdogs and dropping the journals of everything older. Callers must
// hold the service lock.
func (service *Service) pruneLocked() {
	if len(service.active) <= service.config.ActiveTransfersRetention {
		return
	}
	all := make([]*operation.Transfer, 0, len(service.active))
	for _, transfer := range service.active {
		all = append(all, transfer)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].StartedAt > all[k].StartedAt })

	for _, victim := range all[service.config.ActiveTransfersRetention:] {
		delete(service.active, victim.TransferID)
		if cancel, ok := service.watchdogs[victim.TransferID]; ok {
			close(cancel)
			delete(service.watchdogs, victim.TransferID)
		}
		service.logger.Forget(victim.TransferID)
	}
}

// armWatchdog schedules the validation timeout for the transfer. The
// callback takes the transfer lock, so it serializes against inbound
// validation events; a real event that entered first wins.
func (service *Service) armWatchdog(transfer *operation.Transfer) {
	cancel := make(chan struct{})
	service.mu.Lock()
	service.watchdogs[transfer.TransferID] = cancel
	service.mu.Unlock()

	service.running.Add(1)
	go func() {
		defer service.running.Done()
		select {
		case <-cancel:
			return
		case <-service.clock.Clock().After(service.config.ValidationTimeout):
		}

		transfer.Lock()
		defer transfer.Unlock()
		if transfer.ValidationSeen || transfer.Terminal() {
			return
		}
		service.log.Warn("validation watchdog fired",
			zap.String("transferId", transfer.TransferID))
		service.completeValidation(context.Background(), transfer, messages.TransferValidationEvent{
			TransferID: transfer.TransferID,
			Success:    false,
			Validation: messages.ValidationResult{
				MismatchDetails: []string{validationTimeoutReason},
			},
		})
	}()
}

// cancelWatchdog stops the pending watchdog for the transfer, if any.
func (service *Service) cancelWatchdog(transferID string) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if cancel, ok := service.watchdogs[transferID]; ok {
		close(cancel)
		delete(service.watchdogs, transferID)
	}
}

// broadcast emits the short summary for a state transition. Callers must
// hold the transfer lock.
func (service *Service) broadcast(transfer *operation.Transfer) {
	service.broadcaster.BroadcastTransfer(service.logger.ShortSummaryOf(transfer))
}

// notify delivers a user-visible progress line to the source and target
// instances. Best effort.
func (service *Service) notify(ctx context.Context, transfer *operation.Transfer, message, color string) {
	update := messages.TransferStatusUpdate{
		TransferID:   transfer.TransferID,
		PlatformName: transfer.PlatformName,
		Message:      message,
		Color:        color,
	}
	for _, instanceID := range []int{transfer.SourceInstanceID, transfer.TargetInstanceID} {
		if instanceID == 0 {
			continue
		}
		if err := service.client.SendStatusUpdate(ctx, instanceID, update); err != nil {
			service.log.Debug("status update delivery failed",
				zap.Int("instance", instanceID), zap.Error(err))
		}
	}
}

// decoratePayload tags the export payload with the transfer identity so
// the target can correlate chunked delivery. Non-object payloads pass
// through untouched.
func decoratePayload(data json.RawMessage, transferID string, sourceInstanceID int) json.RawMessage {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return data
	}
	obj["_transferId"] = transferID
	obj["_sourceInstanceId"] = sourceInstanceID
	decorated, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return decorated
}

func validationMessage(event messages.TransferValidationEvent) string {
	if event.Success {
		return "validation passed"
	}
	if len(event.Validation.MismatchDetails) > 0 {
		return strings.Join(event.Validation.MismatchDetails, "; ")
	}
	return "validation failed"
}

func failure(err error) messages.TransferResponse {
	return messages.TransferResponse{Success: false, Error: err.Error()}
}

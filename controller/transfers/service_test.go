// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

package transfers_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/cluster"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/exports"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/operation"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/transfers"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/translog"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/tree"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/clockid"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/jsonstore"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/testcontext"
)

type fakeClient struct {
	mu sync.Mutex

	importResp messages.InstanceResponse
	importErr  error
	deleteResp messages.InstanceResponse
	deleteErr  error
	unlockResp messages.InstanceResponse
	exportResp messages.ExportPlatformResponse
	exportErr  error

	imports  []messages.ImportPlatformRequest
	deletes  []messages.DeleteSourcePlatformRequest
	unlocks  []messages.UnlockSourcePlatformRequest
	statuses []messages.TransferStatusUpdate
}

func (client *fakeClient) ImportPlatform(ctx context.Context, instanceID int, req messages.ImportPlatformRequest) (messages.InstanceResponse, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.imports = append(client.imports, req)
	return client.importResp, client.importErr
}

func (client *fakeClient) ExportPlatform(ctx context.Context, instanceID int, req messages.ExportPlatformRequest) (messages.ExportPlatformResponse, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.exportResp, client.exportErr
}

func (client *fakeClient) DeleteSourcePlatform(ctx context.Context, instanceID int, req messages.DeleteSourcePlatformRequest) (messages.InstanceResponse, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.deletes = append(client.deletes, req)
	return client.deleteResp, client.deleteErr
}

func (client *fakeClient) UnlockSourcePlatform(ctx context.Context, instanceID int, req messages.UnlockSourcePlatformRequest) (messages.InstanceResponse, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.unlocks = append(client.unlocks, req)
	return client.unlockResp, nil
}

func (client *fakeClient) ListPlatforms(ctx context.Context, instanceID int, req messages.InstanceListPlatformsRequest) ([]messages.PlatformNode, error) {
	return nil, nil
}

func (client *fakeClient) SendStatusUpdate(ctx context.Context, instanceID int, update messages.TransferStatusUpdate) error {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.statuses = append(client.statuses, update)
	return nil
}

func (client *fakeClient) unlockCount() int {
	client.mu.Lock()
	defer client.mu.Unlock()
	return len(client.unlocks)
}

func (client *fakeClient) deleteCount() int {
	client.mu.Lock()
	defer client.mu.Unlock()
	return len(client.deletes)
}

func (client *fakeClient) statusMessages() []string {
	client.mu.Lock()
	defer client.mu.Unlock()
	var out []string
	for _, status := range client.statuses {
		out = append(out, status.Message)
	}
	return out
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	summaries []translog.ShortSummary
	treeCalls int
}

func (broadcaster *fakeBroadcaster) BroadcastTransfer(summary translog.ShortSummary) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	broadcaster.summaries = append(broadcaster.summaries, summary)
}

func (broadcaster *fakeBroadcaster) QueueTreeBroadcast() {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	broadcaster.treeCalls++
}

func (broadcaster *fakeBroadcaster) statuses() []string {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	var out []string
	for _, summary := range broadcaster.summaries {
		out = append(out, summary.Status)
	}
	return out
}

type harness struct {
	clock       clockwork.FakeClock
	state       *cluster.State
	registry    *exports.Registry
	logger      *translog.Logger
	client      *fakeClient
	broadcaster *fakeBroadcaster
	service     *transfers.Service
}

func newHarness(t *testing.T, ctx *testcontext.Context) *harness {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	source := clockid.NewSource(clock)
	log := zaptest.NewLogger(t)

	state := cluster.NewState()
	state.UpsertInstance(cluster.Instance{InstanceID: 1, Name: "nauvis", Status: "running", Connected: true})
	state.UpsertInstance(cluster.Instance{InstanceID: 2, Name: "gleba", Status: "running", Connected: true})

	registry := exports.NewRegistry(log.Named("exports"), source,
		jsonstore.NewFile(ctx.File("db", "surface_export_storage.json")), exports.Config{
			MaxStorageSize:       100,
			WaitForExportTimeout: 10 * time.Second,
		})
	logger := translog.NewLogger(log.Named("translog"), source,
		jsonstore.NewFile(ctx.File("db", "surface_export_transaction_logs.json")), translog.Config{
			MaxPersistedLogs: 10,
		})

	client := &fakeClient{
		importResp: messages.InstanceResponse{Success: true},
		deleteResp: messages.InstanceResponse{Success: true},
		unlockResp: messages.InstanceResponse{Success: true},
	}
	broadcaster := &fakeBroadcaster{}

	service := transfers.NewService(log.Named("transfers"), source, registry, logger, state, client, broadcaster, transfers.Config{
		ValidationTimeout:        2 * time.Minute,
		ActiveTransfersRetention: 100,
	})
	t.Cleanup(func() { _ = service.Close() })

	return &harness{
		clock:       clock,
		state:       state,
		registry:    registry,
		logger:      logger,
		client:      client,
		broadcaster: broadcaster,
		service:     service,
	}
}

func (h *harness) storeExport(ctx context.Context, exportID string) {
	h.registry.Store(ctx, exports.Record{
		ExportID:     exportID,
		PlatformName: "P",
		InstanceID:   1,
		ExportData: json.RawMessage(`{
			"compressed": true,
			"payload": "...",
			"entity_count": 12,
			"verification": {"item_counts": {"iron-plate": 100}, "fluid_counts": {"water": 50}}
		}`),
	})
}

func transferStatus(transfer *operation.Transfer) (status operation.Status, errMsg string) {
	transfer.Lock()
	defer transfer.Unlock()
	return transfer.Status, transfer.Error
}

func TestTransfer_HappyPath(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	h.storeExport(ctx, "E1")

	resp, err := h.service.TransferPlatform(ctx, messages.TransferPlatformRequest{
		ExportID:         "E1",
		TargetInstanceID: messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.TransferID)

	transfer, ok := h.service.Lookup(resp.TransferID)
	require.True(t, ok)
	status, _ := transferStatus(transfer)
	require.Equal(t, operation.StatusAwaitingValidation, status)

	// payload was decorated before transmission
	require.Len(t, h.client.imports, 1)
	var decorated map[string]interface{}
	require.NoError(t, json.Unmarshal(h.client.imports[0].ExportData, &decorated))
	require.Equal(t, resp.TransferID, decorated["_transferId"])
	require.Equal(t, float64(1), decorated["_sourceInstanceId"])

	require.NoError(t, h.service.HandleValidation(ctx, messages.TransferValidationEvent{
		TransferID: resp.TransferID,
		Success:    true,
		Validation: messages.ValidationResult{ItemCountMatch: true, FluidCountMatch: true},
		Metrics:    json.RawMessage(`{"total_ticks": 600}`),
	}))

	status, errMsg := transferStatus(transfer)
	require.Equal(t, operation.StatusCompleted, status)
	require.Empty(t, errMsg)

	transfer.Lock()
	require.NotNil(t, transfer.Phases["transmission"])
	require.NotNil(t, transfer.Phases["validation"])
	require.NotNil(t, transfer.Phases["cleanup"])
	for name, phase := range transfer.Phases {
		require.GreaterOrEqual(t, phase.DurationMs, int64(0), name)
	}
	require.Equal(t, int64(10_002), transfer.ImportMetrics["total_ms"])
	require.Equal(t, float64(600), transfer.ImportMetrics["total_ticks"])
	require.Equal(t, int64(12), transfer.PayloadMetrics.EntityCount)
	require.Equal(t, 1, transfer.PayloadMetrics.ItemTypes)
	transfer.Unlock()

	_, err = h.registry.Get(ctx, "E1")
	require.True(t, exports.ErrNotFound.Has(err), "export removed after successful transfer")
	require.Equal(t, 1, h.client.deleteCount())

	require.Equal(t, []string{"transporting", "awaiting_validation", "cleanup", "completed"},
		h.broadcaster.statuses())

	entry, err := h.logger.PersistedEntry(ctx, resp.TransferID)
	require.NoError(t, err)
	require.Equal(t, translog.ResultSuccess, entry.Summary.Result)
	require.NotEmpty(t, entry.Events)
}

func TestTransfer_ValidationTimeout(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	h.storeExport(ctx, "E1")

	resp, err := h.service.TransferPlatform(ctx, messages.TransferPlatformRequest{
		ExportID:         "E1",
		TargetInstanceID: messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	transfer, ok := h.service.Lookup(resp.TransferID)
	require.True(t, ok)

	initialBroadcasts := len(h.broadcaster.statuses())

	h.clock.BlockUntil(1)
	h.clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		status, _ := transferStatus(transfer)
		return status == operation.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	_, errMsg := transferStatus(transfer)
	require.Contains(t, errMsg, "Validation timeout")

	transfer.Lock()
	require.NotNil(t, transfer.ValidationResult)
	require.Contains(t, transfer.ValidationResult.MismatchDetails[0], "Validation timeout")
	transfer.Unlock()

	require.Equal(t, 1, h.client.unlockCount(), "source unlocked on timeout")
	require.GreaterOrEqual(t, len(h.broadcaster.statuses())-initialBroadcasts, 2)

	// a late validation event after the terminal transition is ignored
	require.NoError(t, h.service.HandleValidation(ctx, messages.TransferValidationEvent{
		TransferID: resp.TransferID,
		Success:    true,
	}))
	status, _ := transferStatus(transfer)
	require.Equal(t, operation.StatusFailed, status)
}

func TestTransfer_ImportRejected(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	h.client.importResp = messages.InstanceResponse{Success: false, Error: "disk full"}
	h.storeExport(ctx, "E1")

	resp, err := h.service.TransferPlatform(ctx, messages.TransferPlatformRequest{
		ExportID:         "E1",
		TargetInstanceID: messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "disk full")

	transfer, ok := h.service.Lookup(resp.TransferID)
	require.True(t, ok)
	status, errMsg := transferStatus(transfer)
	require.Equal(t, operation.StatusFailed, status)
	require.True(t, strings.HasPrefix(errMsg, "disk full"))

	require.Equal(t, 1, h.client.unlockCount(), "rollback attempted")
	require.Zero(t, h.client.deleteCount(), "no source cleanup on rejection")

	events := h.logger.Events(resp.TransferID)
	var sawRollback bool
	for _, event := range events {
		if event.EventType == "rollback_success" || event.EventType == "rollback_failed" {
			sawRollback = true
		}
	}
	require.True(t, sawRollback)
}

func TestTransfer_TransportError(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	h.storeExport(ctx, "E1")
	h.client.importErr = errs.New("connection reset")

	resp, err := h.service.TransferPlatform(ctx, messages.TransferPlatformRequest{
		ExportID:         "E1",
		TargetInstanceID: messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.False(t, resp.Success)

	transfer, ok := h.service.Lookup(resp.TransferID)
	require.True(t, ok)
	status, errMsg := transferStatus(transfer)
	require.Equal(t, operation.StatusErrored, status, "transport failures are error, not failed")
	require.Equal(t, "connection reset", errMsg)
	require.Equal(t, 1, h.client.unlockCount(), "source unlocked after a transport error")
	require.Contains(t, h.broadcaster.statuses(), "error")

	entry, err := h.logger.PersistedEntry(ctx, resp.TransferID)
	require.NoError(t, err)
	require.Equal(t, translog.ResultFailed, entry.Summary.Result)
}

func TestTransfer_CleanupTransportError(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	h.storeExport(ctx, "E1")
	h.client.deleteErr = errs.New("bridge down")

	resp, err := h.service.TransferPlatform(ctx, messages.TransferPlatformRequest{
		ExportID:         "E1",
		TargetInstanceID: messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	require.NoError(t, h.service.HandleValidation(ctx, messages.TransferValidationEvent{
		TransferID: resp.TransferID,
		Success:    true,
		Validation: messages.ValidationResult{ItemCountMatch: true, FluidCountMatch: true},
	}))

	transfer, ok := h.service.Lookup(resp.TransferID)
	require.True(t, ok)
	status, errMsg := transferStatus(transfer)
	require.Equal(t, operation.StatusErrored, status)
	require.Equal(t, "bridge down", errMsg)

	_, err = h.registry.Get(ctx, "E1")
	require.NoError(t, err, "export survives a cleanup transport error")
}

func TestTransfer_RollbackFailureAppended(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	h.client.importResp = messages.InstanceResponse{Success: false, Error: "disk full"}
	h.client.unlockResp = messages.InstanceResponse{Success: false, Error: "unreachable"}
	h.storeExport(ctx, "E1")

	resp, err := h.service.TransferPlatform(ctx, messages.TransferPlatformRequest{
		ExportID:         "E1",
		TargetInstanceID: messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "disk full; rollback failed: unreachable", resp.Error)
}

func TestTransfer_CleanupFailed(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	h.client.deleteResp = messages.InstanceResponse{Success: false, Error: "locked"}
	h.storeExport(ctx, "E1")

	resp, err := h.service.TransferPlatform(ctx, messages.TransferPlatformRequest{
		ExportID:         "E1",
		TargetInstanceID: messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	require.NoError(t, h.service.HandleValidation(ctx, messages.TransferValidationEvent{
		TransferID: resp.TransferID,
		Success:    true,
		Validation: messages.ValidationResult{ItemCountMatch: true, FluidCountMatch: true},
	}))

	transfer, ok := h.service.Lookup(resp.TransferID)
	require.True(t, ok)
	status, errMsg := transferStatus(transfer)
	require.Equal(t, operation.StatusCleanupFailed, status)
	require.Equal(t, "locked", errMsg)

	var sawWarning bool
	for _, message := range h.client.statusMessages() {
		if strings.HasPrefix(message, "⚠ Cleanup failed") {
			sawWarning = true
		}
	}
	require.True(t, sawWarning)

	entry, err := h.logger.PersistedEntry(ctx, resp.TransferID)
	require.NoError(t, err)
	require.Equal(t, translog.ResultFailed, entry.Summary.Result)

	_, err = h.registry.Get(ctx, "E1")
	require.NoError(t, err, "export retained when cleanup fails")
}

func TestTransfer_UnknownExportAndTarget(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)

	resp, err := h.service.TransferPlatform(ctx, messages.TransferPlatformRequest{
		ExportID:         "missing",
		TargetInstanceID: messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "missing")

	h.storeExport(ctx, "E1")
	resp, err = h.service.TransferPlatform(ctx, messages.TransferPlatformRequest{
		ExportID:         "E1",
		TargetInstanceID: messages.NumericRef(99),
	})
	require.NoError(t, err)
	require.False(t, resp.Success)
}

func TestStartPlatformTransfer(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	h.client.exportResp = messages.ExportPlatformResponse{Success: true, ExportID: "E-new"}
	h.storeExport(ctx, "E-new")

	resp, err := h.service.StartPlatformTransfer(ctx, messages.StartPlatformTransferRequest{
		SourceInstanceID:    1,
		SourcePlatformIndex: 3,
		TargetInstanceID:    messages.NamedRef("gleba"),
		ForceName:           "player",
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	transfer, ok := h.service.Lookup(resp.TransferID)
	require.True(t, ok)
	transfer.Lock()
	require.Equal(t, 3, transfer.PlatformIndex)
	require.Equal(t, "player", transfer.ForceName)
	require.Equal(t, "nauvis", transfer.SourceInstanceName)
	require.Equal(t, "gleba", transfer.TargetInstanceName)
	transfer.Unlock()
}

func TestStartPlatformTransfer_Validation(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)

	resp, err := h.service.StartPlatformTransfer(ctx, messages.StartPlatformTransferRequest{
		SourceInstanceID:    1,
		SourcePlatformIndex: 0,
		TargetInstanceID:    messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "platform index")

	resp, err = h.service.StartPlatformTransfer(ctx, messages.StartPlatformTransferRequest{
		SourceInstanceID:    1,
		SourcePlatformIndex: 1,
		TargetInstanceID:    messages.NumericRef(1),
	})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "differ")

	h.client.exportErr = errs.New("instance offline")
	resp, err = h.service.StartPlatformTransfer(ctx, messages.StartPlatformTransferRequest{
		SourceInstanceID:    1,
		SourcePlatformIndex: 1,
		TargetInstanceID:    messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "instance offline")
}

func TestImportOperationComplete(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)

	require.NoError(t, h.service.HandleImportOperationComplete(ctx, messages.ImportOperationCompleteEvent{
		OperationID:   "op-7",
		PlatformName:  "P",
		InstanceID:    2,
		Success:       true,
		DurationTicks: 600,
		EntityCount:   12,
	}))

	transfer, ok := h.service.Lookup("op-7")
	require.True(t, ok)
	transfer.Lock()
	require.Equal(t, operation.TypeImport, transfer.OperationType)
	require.Equal(t, operation.StatusCompleted, transfer.Status)
	require.Equal(t, "gleba", transfer.TargetInstanceName)
	require.Equal(t, transfer.CompletedAt-int64(10_002), transfer.StartedAt)
	transfer.Unlock()

	entry, err := h.logger.PersistedEntry(ctx, "op-7")
	require.NoError(t, err)
	require.Equal(t, translog.ResultSuccess, entry.Summary.Result)
}

func TestRecordExport(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	h.service.RecordExport(ctx, exports.Record{
		ExportID:     "E1",
		PlatformName: "P",
		InstanceID:   1,
		Timestamp:    900_000,
		Size:         4096,
	})

	record, ok := h.service.NewestActive()
	require.True(t, ok)
	require.Equal(t, operation.TypeExport, record.OperationType)
	require.Equal(t, "E1", record.ExportID)
	require.Equal(t, int64(4096), record.ArtifactSizeBytes)
	require.Equal(t, "nauvis", record.SourceInstanceName)
	status, _ := transferStatus(record)
	require.Equal(t, operation.StatusCompleted, status)

	// terminal on arrival, so nothing replays to new subscribers
	require.Empty(t, h.service.ActiveSummaries())
	require.NotEmpty(t, h.broadcaster.statuses())

	h.service.RecordExport(ctx, exports.Record{
		ExportID:     "E2",
		PlatformName: "Q",
		InstanceID:   2,
		Timestamp:    950_000,
		Size:         1,
	})
	newest, ok := h.service.NewestActive()
	require.True(t, ok)
	require.Equal(t, "E2", newest.ExportID)
}

func TestActiveStates(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	h.storeExport(ctx, "E1")

	resp, err := h.service.TransferPlatform(ctx, messages.TransferPlatformRequest{
		ExportID:         "E1",
		TargetInstanceID: messages.NumericRef(2),
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	summaries := h.service.ActiveSummaries()
	require.Len(t, summaries, 1)
	require.Equal(t, "awaiting_validation", summaries[0].Status)

	states := h.service.ActivePlatformStates()
	require.Len(t, states, 1)
	require.Equal(t, tree.PlatformState{
		InstanceID:   1,
		PlatformName: "P",
		TransferID:   resp.TransferID,
		Status:       "awaiting_validation",
	}, states[0])

	require.NoError(t, h.service.HandleValidation(ctx, messages.TransferValidationEvent{
		TransferID: resp.TransferID,
		Success:    true,
		Validation: messages.ValidationResult{ItemCountMatch: true, FluidCountMatch: true},
	}))

	require.Empty(t, h.service.ActiveSummaries(), "terminal transfers do not replay")
	require.Empty(t, h.service.ActivePlatformStates())
}

func TestRetentionPruning(t *testing.T) {
	t.Parallel()

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	small := transfers.NewService(zaptest.NewLogger(t), clockid.NewSource(h.clock),
		h.registry, h.logger, h.state, h.client, h.broadcaster, transfers.Config{
			ValidationTimeout:        2 * time.Minute,
			ActiveTransfersRetention: 2,
		})
	defer func() { _ = small.Close() }()

	ids := clockid.NewSource(h.clock)
	var opIDs []string
	for i := 0; i < 4; i++ {
		opID := ids.NewOperationID()
		opIDs = append(opIDs, opID)
		require.NoError(t, small.HandleImportOperationComplete(ctx, messages.ImportOperationCompleteEvent{
			OperationID: opID,
			InstanceID:  2,
			Success:     true,
		}))
		h.clock.Advance(time.Second)
	}

	require.Equal(t, 2, small.ActiveCount())
	_, ok := small.Lookup(opIDs[0])
	require.False(t, ok, "oldest records pruned")
	_, ok = small.Lookup(opIDs[3])
	require.True(t, ok, "newest records retained")
}

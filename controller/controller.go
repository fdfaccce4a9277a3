// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package controller ties the export registry, transfer orchestrator,
// transaction logger, tree builder, and subscription layer together and
// exposes them on the message fabric.
package controller

import (
	"context"
	"encoding/json"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/bridge"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/exports"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/subscription"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/transfers"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/translog"
	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/tree"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/clockid"
)

// Error is the default error class for the controller package.
var Error = errs.Class("controller")

var mon = monkit.Package()

// TransactionLogResponse answers GetTransactionLogRequest.
type TransactionLogResponse struct {
	Success      bool                      `json:"success"`
	Error        string                    `json:"error,omitempty"`
	TransferID   string                    `json:"transferId,omitempty"`
	Events       []translog.Event          `json:"events,omitempty"`
	TransferInfo *translog.ShortSummary    `json:"transferInfo,omitempty"`
	Summary      *translog.DetailedSummary `json:"summary,omitempty"`
}

// Controller is the message-facing facade over the orchestration core.
type Controller struct {
	log      *zap.Logger
	clock    *clockid.Source
	registry *exports.Registry
	logger   *translog.Logger
	trees    *tree.Builder
	service  *transfers.Service
	subs     *subscription.Service
	router   *bridge.Router
}

// New wires the facade and registers every fabric message it serves.
func New(log *zap.Logger, clock *clockid.Source, registry *exports.Registry, logger *translog.Logger, trees *tree.Builder, service *transfers.Service, subs *subscription.Service) *Controller {
	controller := &Controller{
		log:      log,
		clock:    clock,
		registry: registry,
		logger:   logger,
		trees:    trees,
		service:  service,
		subs:     subs,
		router:   bridge.NewRouter(log.Named("router")),
	}

	controller.router.Handle("PlatformExportEvent", controller.handlePlatformExport)
	controller.router.Handle("ListExportsRequest", controller.handleListExports)
	controller.router.Handle("GetStoredExportRequest", controller.handleGetStoredExport)
	controller.router.Handle("TransferPlatformRequest", controller.handleTransferPlatform)
	controller.router.Handle("StartPlatformTransferRequest", controller.handleStartPlatformTransfer)
	controller.router.Handle("TransferValidationEvent", controller.handleTransferValidation)
	controller.router.Handle("ImportOperationCompleteEvent", controller.handleImportOperationComplete)
	controller.router.Handle("GetPlatformTreeRequest", controller.handleGetPlatformTree)
	controller.router.Handle("ListTransactionLogsRequest", controller.handleListTransactionLogs)
	controller.router.Handle("GetTransactionLogRequest", controller.handleGetTransactionLog)
	controller.router.Handle("SetSurfaceExportSubscriptionRequest", controller.handleSetSubscription)

	return controller
}

// Router exposes the message router for the transport layer.
func (controller *Controller) Router() *bridge.Router { return controller.router }

// ConnectionClosed drops any state tied to a closed control connection.
func (controller *Controller) ConnectionClosed(connID string) {
	controller.subs.ConnectionClosed(connID)
}

func (controller *Controller) handlePlatformExport(ctx context.Context, _ bridge.ControlConn, data json.RawMessage) (_ interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	var event messages.PlatformExportEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, Error.Wrap(err)
	}
	if event.ExportID == "" {
		return nil, Error.New("export event missing exportId")
	}

	controller.registry.Store(ctx, exports.Record{
		ExportID:      event.ExportID,
		PlatformName:  event.PlatformName,
		InstanceID:    event.InstanceID,
		ExportData:    event.ExportData,
		Timestamp:     event.Timestamp,
		ExportMetrics: event.ExportMetrics,
	})
	// re-read so the operation record carries the normalized timestamp and size
	if stored, err := controller.registry.Get(ctx, event.ExportID); err == nil {
		controller.service.RecordExport(ctx, stored)
	}
	return nil, nil
}

func (controller *Controller) handleListExports(ctx context.Context, _ bridge.ControlConn, _ json.RawMessage) (interface{}, error) {
	return controller.registry.List(ctx), nil
}

func (controller *Controller) handleGetStoredExport(ctx context.Context, _ bridge.ControlConn, data json.RawMessage) (interface{}, error) {
	var req messages.GetStoredExportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, Error.Wrap(err)
	}

	record, err := controller.registry.Get(ctx, req.ExportID)
	if err != nil {
		return messages.GetStoredExportResponse{Success: false, Error: err.Error()}, nil
	}
	return messages.GetStoredExportResponse{
		Success:      true,
		ExportID:     record.ExportID,
		PlatformName: record.PlatformName,
		InstanceID:   record.InstanceID,
		Timestamp:    record.Timestamp,
		Size:         record.Size,
		ExportData:   record.ExportData,
	}, nil
}

func (controller *Controller) handleTransferPlatform(ctx context.Context, _ bridge.ControlConn, data json.RawMessage) (interface{}, error) {
	var req messages.TransferPlatformRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, Error.Wrap(err)
	}
	return controller.service.TransferPlatform(ctx, req)
}

func (controller *Controller) handleStartPlatformTransfer(ctx context.Context, _ bridge.ControlConn, data json.RawMessage) (interface{}, error) {
	var req messages.StartPlatformTransferRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, Error.Wrap(err)
	}
	return controller.service.StartPlatformTransfer(ctx, req)
}

func (controller *Controller) handleTransferValidation(ctx context.Context, _ bridge.ControlConn, data json.RawMessage) (interface{}, error) {
	var event messages.TransferValidationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, Error.Wrap(err)
	}
	return nil, controller.service.HandleValidation(ctx, event)
}

func (controller *Controller) handleImportOperationComplete(ctx context.Context, _ bridge.ControlConn, data json.RawMessage) (interface{}, error) {
	var event messages.ImportOperationCompleteEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, Error.Wrap(err)
	}
	return nil, controller.service.HandleImportOperationComplete(ctx, event)
}

func (controller *Controller) handleGetPlatformTree(ctx context.Context, _ bridge.ControlConn, data json.RawMessage) (interface{}, error) {
	var req messages.GetPlatformTreeRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	snapshot, err := controller.trees.Build(ctx, req.ForceName)
	if err != nil {
		return nil, err
	}
	controller.subs.StampTree(snapshot)
	return snapshot, nil
}

func (controller *Controller) handleListTransactionLogs(ctx context.Context, _ bridge.ControlConn, data json.RawMessage) (interface{}, error) {
	var req messages.ListTransactionLogsRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return controller.logger.ListSummaries(ctx, req.Limit)
}

// handleGetTransactionLog serves a single transaction log. Live records
// win over persisted entries; the literal "latest" resolves to the newest
// persisted log, then to the newest in-memory record.
func (controller *Controller) handleGetTransactionLog(ctx context.Context, _ bridge.ControlConn, data json.RawMessage) (interface{}, error) {
	var req messages.GetTransactionLogRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, Error.Wrap(err)
	}

	var entry translog.Entry
	if req.TransferID == "latest" {
		if latest, err := controller.logger.LatestPersisted(ctx); err == nil {
			entry = latest
		} else if transfer, ok := controller.service.NewestActive(); ok {
			transfer.Lock()
			entry = controller.logger.LiveEntry(transfer)
			transfer.Unlock()
		} else {
			return TransactionLogResponse{Success: false, Error: err.Error()}, nil
		}
	} else if transfer, ok := controller.service.Lookup(req.TransferID); ok {
		transfer.Lock()
		entry = controller.logger.LiveEntry(transfer)
		transfer.Unlock()
	} else {
		persisted, err := controller.logger.PersistedEntry(ctx, req.TransferID)
		if err != nil {
			return TransactionLogResponse{Success: false, Error: err.Error()}, nil
		}
		entry = persisted
	}

	return TransactionLogResponse{
		Success:      true,
		TransferID:   entry.TransferID,
		Events:       entry.Events,
		TransferInfo: &entry.TransferInfo,
		Summary:      &entry.Summary,
	}, nil
}

func (controller *Controller) handleSetSubscription(ctx context.Context, conn bridge.ControlConn, data json.RawMessage) (interface{}, error) {
	if conn == nil {
		return nil, Error.New("subscription requires a control connection")
	}
	var req messages.SetSubscriptionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, Error.Wrap(err)
	}
	return nil, controller.subs.SetSubscription(ctx, conn, subscription.Filter{
		Tree:       req.Tree,
		Transfers:  req.Transfers,
		Logs:       req.Logs,
		TransferID: req.TransferID,
	})
}

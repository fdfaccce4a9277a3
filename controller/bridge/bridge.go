// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package bridge defines the interfaces the controller core uses to talk
// to instances and control clients. Transport details (chunking, retries,
// framing) live behind these interfaces.
package bridge

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
)

// Error is the default error class for the bridge package.
var Error = errs.Class("bridge")

// Permissions recognized by the controller. Only the logs subscription is
// enforced inside the core; the rest are tags for the outer permission
// system.
const (
	PermListExports     = "list exports"
	PermTransferExports = "transfer exports"
	PermViewLogs        = "view logs"
)

// InstanceClient performs sub-operations on a specific instance. Calls
// block until the instance replies or the transport timeout elapses; the
// orchestrator treats a missing reply as failure of the current phase.
type InstanceClient interface {
	// ImportPlatform asks the target instance to import an export payload.
	ImportPlatform(ctx context.Context, instanceID int, req messages.ImportPlatformRequest) (messages.InstanceResponse, error)

	// ExportPlatform asks the source instance to export a platform and
	// returns the export ID the instance will register.
	ExportPlatform(ctx context.Context, instanceID int, req messages.ExportPlatformRequest) (messages.ExportPlatformResponse, error)

	// DeleteSourcePlatform removes the source platform after a validated
	// transfer.
	DeleteSourcePlatform(ctx context.Context, instanceID int, req messages.DeleteSourcePlatformRequest) (messages.InstanceResponse, error)

	// UnlockSourcePlatform releases the source platform after a failure.
	UnlockSourcePlatform(ctx context.Context, instanceID int, req messages.UnlockSourcePlatformRequest) (messages.InstanceResponse, error)

	// ListPlatforms queries an instance for its platforms.
	ListPlatforms(ctx context.Context, instanceID int, req messages.InstanceListPlatformsRequest) ([]messages.PlatformNode, error)

	// SendStatusUpdate delivers a user-visible progress line. Best effort;
	// errors are logged by callers, never escalated.
	SendStatusUpdate(ctx context.Context, instanceID int, update messages.TransferStatusUpdate) error
}

// ControlConn is one connected control client. Send failures evict the
// connection's subscription, so implementations should fail fast on dead
// peers rather than buffer forever.
type ControlConn interface {
	// ID uniquely identifies the connection for the subscription registry.
	ID() string

	// Send pushes an event to the client.
	Send(event interface{}) error

	// HasPermission reports whether the connection's caller holds the
	// named permission.
	HasPermission(permission string) bool
}

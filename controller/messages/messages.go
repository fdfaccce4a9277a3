// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package messages defines the typed payloads exchanged on the controller
// message fabric: requests and events consumed by the core, requests sent
// to instances, and the push events streamed to control clients.
package messages

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default error class for the messages package.
var Error = errs.Class("messages")

// InstanceRef identifies an instance in a request. The wire value may be a
// numeric instance ID, an instance name, or a host ID used as fallback;
// resolution happens in the cluster registry.
type InstanceRef struct {
	// ID is set when the wire value was numeric.
	ID int
	// Name is set when the wire value was a string.
	Name string
	// Numeric reports which of the two is valid.
	Numeric bool
}

// NumericRef builds a reference from an instance ID.
func NumericRef(id int) InstanceRef { return InstanceRef{ID: id, Numeric: true} }

// NamedRef builds a reference from an instance name.
func NamedRef(name string) InstanceRef { return InstanceRef{Name: name} }

// String renders the reference for error messages.
func (ref InstanceRef) String() string {
	if ref.Numeric {
		return strconv.Itoa(ref.ID)
	}
	return ref.Name
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (ref *InstanceRef) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return Error.New("instance reference missing")
	}
	if trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return Error.Wrap(err)
		}
		// numeric strings are treated as IDs
		if id, err := strconv.Atoi(name); err == nil {
			*ref = NumericRef(id)
			return nil
		}
		*ref = NamedRef(name)
		return nil
	}
	var id int
	if err := json.Unmarshal(data, &id); err != nil {
		return Error.New("instance reference must be a number or string: %v", err)
	}
	*ref = NumericRef(id)
	return nil
}

// MarshalJSON renders the reference in its original shape.
func (ref InstanceRef) MarshalJSON() ([]byte, error) {
	if ref.Numeric {
		return json.Marshal(ref.ID)
	}
	return json.Marshal(ref.Name)
}

// ValidationResult is the target instance's item and fluid comparison of an
// imported platform against the source-side counts.
type ValidationResult struct {
	ItemCountMatch      bool               `json:"itemCountMatch"`
	FluidCountMatch     bool               `json:"fluidCountMatch"`
	MismatchDetails     []string           `json:"mismatchDetails,omitempty"`
	ExpectedItemCounts  map[string]float64 `json:"expectedItemCounts,omitempty"`
	ExpectedFluidCounts map[string]float64 `json:"expectedFluidCounts,omitempty"`
}

// PlatformExportEvent announces a completed export registered by a source
// instance.
type PlatformExportEvent struct {
	ExportID      string          `json:"exportId"`
	PlatformName  string          `json:"platformName"`
	InstanceID    int             `json:"instanceId"`
	ExportData    json.RawMessage `json:"exportData"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	ExportMetrics json.RawMessage `json:"exportMetrics,omitempty"`
}

// ListExportsRequest asks for the metadata of all stored exports.
type ListExportsRequest struct{}

// ExportInfo is the payload-free projection of a stored export.
type ExportInfo struct {
	ExportID     string `json:"exportId"`
	PlatformName string `json:"platformName"`
	InstanceID   int    `json:"instanceId"`
	Timestamp    int64  `json:"timestamp"`
	Size         int64  `json:"size"`
}

// GetStoredExportRequest fetches a stored export including its payload.
type GetStoredExportRequest struct {
	ExportID string `json:"exportId"`
}

// GetStoredExportResponse carries the full export record or an error.
type GetStoredExportResponse struct {
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	ExportID     string          `json:"exportId,omitempty"`
	PlatformName string          `json:"platformName,omitempty"`
	InstanceID   int             `json:"instanceId,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Size         int64           `json:"size,omitempty"`
	ExportData   json.RawMessage `json:"exportData,omitempty"`
}

// TransferPlatformRequest starts a transfer of a stored export to a target
// instance.
type TransferPlatformRequest struct {
	ExportID         string      `json:"exportId"`
	TargetInstanceID InstanceRef `json:"targetInstanceId"`
}

// StartPlatformTransferRequest exports a platform from the source instance
// and transfers it to the target in one operation.
type StartPlatformTransferRequest struct {
	SourceInstanceID    int         `json:"sourceInstanceId"`
	SourcePlatformIndex int         `json:"sourcePlatformIndex"`
	TargetInstanceID    InstanceRef `json:"targetInstanceId"`
	ForceName           string      `json:"forceName,omitempty"`
}

// TransferResponse answers TransferPlatformRequest and
// StartPlatformTransferRequest.
type TransferResponse struct {
	Success    bool   `json:"success"`
	TransferID string `json:"transferId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TransferValidationEvent reports the target instance's verdict on an
// imported platform.
type TransferValidationEvent struct {
	TransferID       string           `json:"transferId"`
	PlatformName     string           `json:"platformName,omitempty"`
	SourceInstanceID int              `json:"sourceInstanceId,omitempty"`
	Success          bool             `json:"success"`
	Validation       ValidationResult `json:"validation"`
	Metrics          json.RawMessage  `json:"metrics,omitempty"`
}

// ImportOperationCompleteEvent reports completion of a standalone import on
// an instance.
type ImportOperationCompleteEvent struct {
	OperationID   string          `json:"operationId"`
	PlatformName  string          `json:"platformName,omitempty"`
	InstanceID    int             `json:"instanceId"`
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	DurationTicks float64         `json:"durationTicks,omitempty"`
	EntityCount   int64           `json:"entityCount,omitempty"`
	Metrics       json.RawMessage `json:"metrics,omitempty"`
}

// GetPlatformTreeRequest asks for the current host/instance/platform tree.
type GetPlatformTreeRequest struct {
	ForceName string `json:"forceName,omitempty"`
}

// ListTransactionLogsRequest lists persisted transaction-log summaries.
type ListTransactionLogsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// GetTransactionLogRequest fetches a single transaction log. TransferID may
// be the literal "latest".
type GetTransactionLogRequest struct {
	TransferID string `json:"transferId"`
}

// SetSubscriptionRequest installs or replaces the caller's subscription
// filter. All flags false removes the subscription.
type SetSubscriptionRequest struct {
	Tree       bool   `json:"tree"`
	Transfers  bool   `json:"transfers"`
	Logs       bool   `json:"logs"`
	TransferID string `json:"transferId,omitempty"`
}

// ImportPlatformRequest tells the target instance to import an export. The
// export data is decorated with the transfer ID and source instance before
// sending.
type ImportPlatformRequest struct {
	ExportID   string          `json:"exportId"`
	ExportData json.RawMessage `json:"exportData"`
	ForceName  string          `json:"forceName,omitempty"`
}

// ExportPlatformRequest tells the source instance to export a platform.
type ExportPlatformRequest struct {
	PlatformIndex    int    `json:"platformIndex"`
	ForceName        string `json:"forceName,omitempty"`
	TargetInstanceID int    `json:"targetInstanceId,omitempty"`
}

// ExportPlatformResponse carries the export ID the instance will register.
type ExportPlatformResponse struct {
	Success  bool   `json:"success"`
	ExportID string `json:"exportId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// DeleteSourcePlatformRequest removes the source platform after a
// validated transfer.
type DeleteSourcePlatformRequest struct {
	PlatformIndex int    `json:"platformIndex"`
	PlatformName  string `json:"platformName"`
	ForceName     string `json:"forceName,omitempty"`
}

// UnlockSourcePlatformRequest releases the source platform after a failed
// transfer.
type UnlockSourcePlatformRequest struct {
	PlatformName string `json:"platformName"`
	ForceName    string `json:"forceName,omitempty"`
}

// InstanceResponse is the generic accept/reject answer from an instance
// bridge sub-operation.
type InstanceResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TransferStatusUpdate is a user-visible progress line delivered to the
// source and target instances.
type TransferStatusUpdate struct {
	TransferID   string `json:"transferId"`
	PlatformName string `json:"platformName"`
	Message      string `json:"message"`
	Color        string `json:"color,omitempty"`
}

// InstanceListPlatformsRequest asks an instance for its platforms.
type InstanceListPlatformsRequest struct {
	ForceName string `json:"forceName,omitempty"`
}

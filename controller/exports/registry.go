// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package exports implements the content-addressed registry of completed
// platform snapshots, bounded in size and persisted to disk.
package exports

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/messages"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/clockid"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/jsonstore"
)

// Error is the default error class for the exports package.
var Error = errs.Class("exports")

// ErrNotFound is returned when an export ID is not in the registry.
var ErrNotFound = errs.Class("exports: not found")

// ErrNotReady is returned when an awaited export does not arrive in time.
var ErrNotReady = errs.Class("exports: not ready")

var mon = monkit.Package()

// Config configures the export registry.
type Config struct {
	MaxStorageSize       int           `help:"maximum number of stored exports" default:"100"`
	WaitForExportTimeout time.Duration `help:"default deadline for waiting on an expected export" default:"10s"`
}

// Record is one stored export. The payload is preserved bit for bit; the
// registry never looks inside it beyond size accounting.
type Record struct {
	ExportID      string          `json:"exportId"`
	PlatformName  string          `json:"platformName"`
	InstanceID    int             `json:"instanceId"`
	ExportData    json.RawMessage `json:"exportData"`
	Timestamp     int64           `json:"timestamp"`
	Size          int64           `json:"size"`
	ExportMetrics json.RawMessage `json:"exportMetrics,omitempty"`
}

// Info returns the payload-free projection of the record.
func (record *Record) Info() messages.ExportInfo {
	return messages.ExportInfo{
		ExportID:     record.ExportID,
		PlatformName: record.PlatformName,
		InstanceID:   record.InstanceID,
		Timestamp:    record.Timestamp,
		Size:         record.Size,
	}
}

// Registry is the in-memory export store. Records are kept in insertion
// order so eviction ties on equal timestamps break oldest-inserted-first,
// and the persisted array mirrors memory exactly.
type Registry struct {
	log    *zap.Logger
	clock  *clockid.Source
	store  *jsonstore.File
	config Config

	mu      sync.Mutex
	records []*Record
	waiters map[string][]chan Record
}

// NewRegistry creates a Registry persisting to store.
func NewRegistry(log *zap.Logger, clock *clockid.Source, store *jsonstore.File, config Config) *Registry {
	return &Registry{
		log:     log,
		clock:   clock,
		store:   store,
		config:  config,
		waiters: make(map[string][]chan Record),
	}
}

// Load reads the persisted registry. Records missing a size are repaired
// by measuring the payload. A missing file is not an error.
func (registry *Registry) Load(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var records []*Record
	if err := registry.store.Load(&records); err != nil {
		if jsonstore.ErrNotFound.Has(err) {
			return nil
		}
		return Error.Wrap(err)
	}

	for _, record := range records {
		if record.Size == 0 {
			record.Size = int64(len(record.ExportData))
		}
	}

	registry.mu.Lock()
	registry.records = records
	registry.mu.Unlock()

	registry.log.Info("loaded export registry", zap.Int("exports", len(records)))
	return nil
}

// Store inserts or replaces a record by export ID, evicts down to the
// configured bound, and persists. Persistence failures are logged, not
// surfaced; the in-memory post-conditions hold regardless.
func (registry *Registry) Store(ctx context.Context, record Record) {
	var err error
	defer mon.Task()(&ctx)(&err)

	if record.Timestamp == 0 {
		record.Timestamp = registry.clock.NowMs()
	}
	if record.Size == 0 {
		record.Size = int64(len(record.ExportData))
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	replaced := false
	for i, existing := range registry.records {
		if existing.ExportID == record.ExportID {
			registry.records[i] = &record
			replaced = true
			break
		}
	}
	if !replaced {
		registry.records = append(registry.records, &record)
	}

	// wake anyone waiting for this export before eviction can take it away
	for _, waiter := range registry.waiters[record.ExportID] {
		waiter <- record
	}
	delete(registry.waiters, record.ExportID)

	for len(registry.records) > registry.config.MaxStorageSize && len(registry.records) > 0 {
		evicted := registry.evictOldestLocked()
		registry.log.Info("evicted oldest export",
			zap.String("exportId", evicted.ExportID),
			zap.Int64("timestamp", evicted.Timestamp))
	}

	registry.persistLocked()
	registry.log.Debug("stored export",
		zap.String("exportId", record.ExportID),
		zap.String("platform", record.PlatformName),
		zap.Int64("size", record.Size))
}

// evictOldestLocked removes the record with the smallest timestamp,
// breaking ties by insertion order.
func (registry *Registry) evictOldestLocked() *Record {
	oldest := 0
	for i, record := range registry.records {
		if record.Timestamp < registry.records[oldest].Timestamp {
			oldest = i
		}
	}
	evicted := registry.records[oldest]
	registry.records = append(registry.records[:oldest], registry.records[oldest+1:]...)
	return evicted
}

// Get returns the record for the export ID.
func (registry *Registry) Get(ctx context.Context, exportID string) (Record, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	for _, record := range registry.records {
		if record.ExportID == exportID {
			return *record, nil
		}
	}
	return Record{}, ErrNotFound.New("export %q", exportID)
}

// List returns the metadata projection of every stored export, in
// insertion order.
func (registry *Registry) List(ctx context.Context) []messages.ExportInfo {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	infos := make([]messages.ExportInfo, 0, len(registry.records))
	for _, record := range registry.records {
		infos = append(infos, record.Info())
	}
	return infos
}

// Delete removes an export and persists the registry.
func (registry *Registry) Delete(ctx context.Context, exportID string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	for i, record := range registry.records {
		if record.ExportID == exportID {
			registry.records = append(registry.records[:i], registry.records[i+1:]...)
			registry.persistLocked()
			return nil
		}
	}
	return ErrNotFound.New("export %q", exportID)
}

// Len returns the number of stored exports.
func (registry *Registry) Len() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.records)
}

// WaitForExport blocks until the export becomes visible or the timeout
// elapses. A zero timeout uses the configured default. The record is
// delivered exactly when it is stored, even if eviction removes it again
// immediately afterwards.
func (registry *Registry) WaitForExport(ctx context.Context, exportID string, timeout time.Duration) (_ Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if timeout <= 0 {
		timeout = registry.config.WaitForExportTimeout
	}

	registry.mu.Lock()
	for _, record := range registry.records {
		if record.ExportID == exportID {
			registry.mu.Unlock()
			return *record, nil
		}
	}
	waiter := make(chan Record, 1)
	registry.waiters[exportID] = append(registry.waiters[exportID], waiter)
	registry.mu.Unlock()

	defer registry.dropWaiter(exportID, waiter)

	select {
	case record := <-waiter:
		return record, nil
	case <-registry.clock.Clock().After(timeout):
		return Record{}, ErrNotReady.New("export %q did not arrive within %s", exportID, timeout)
	case <-ctx.Done():
		return Record{}, Error.Wrap(ctx.Err())
	}
}

func (registry *Registry) dropWaiter(exportID string, waiter chan Record) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	waiters := registry.waiters[exportID]
	for i, candidate := range waiters {
		if candidate == waiter {
			registry.waiters[exportID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(registry.waiters[exportID]) == 0 {
		delete(registry.waiters, exportID)
	}
}

// persistLocked writes the registry to disk. Callers must hold the lock.
func (registry *Registry) persistLocked() {
	records := registry.records
	if records == nil {
		records = []*Record{}
	}
	if err := registry.store.Save(records); err != nil {
		registry.log.Error("failed to persist export registry", zap.Error(err))
	}
}

// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package translog implements the per-transfer transaction log: monotonic
// event journaling, summary projections, bounded persistence.
package translog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/solarcloud7/clusterio-surface-export-sub001/controller/operation"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/clockid"
	"github.com/solarcloud7/clusterio-surface-export-sub001/internal/jsonstore"
)

// Error is the default error class for the translog package.
var Error = errs.Class("translog")

// ErrNotFound is returned when no log exists for a transfer ID.
var ErrNotFound = errs.Class("translog: not found")

var mon = monkit.Package()

// Config configures transaction-log persistence.
type Config struct {
	MaxPersistedLogs int `help:"number of transaction logs kept on disk" default:"10"`
}

// Event is one journal entry. Extra fields are flattened into the JSON
// object next to the fixed fields.
type Event struct {
	TimestampISO string
	TimestampMs  int64
	ElapsedMs    int64
	DeltaMs      int64
	EventType    string
	Message      string
	Extra        map[string]interface{}
}

// reservedEventKeys are the fixed Event fields; Extra entries with these
// names are dropped on marshal rather than clobbering them.
var reservedEventKeys = map[string]bool{
	"timestampIso": true, "timestampMs": true, "elapsedMs": true,
	"deltaMs": true, "eventType": true, "message": true,
}

// MarshalJSON flattens Extra into the event object.
func (event Event) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{}, 6+len(event.Extra))
	for key, value := range event.Extra {
		if !reservedEventKeys[key] {
			obj[key] = value
		}
	}
	obj["timestampIso"] = event.TimestampISO
	obj["timestampMs"] = event.TimestampMs
	obj["elapsedMs"] = event.ElapsedMs
	obj["deltaMs"] = event.DeltaMs
	obj["eventType"] = event.EventType
	obj["message"] = event.Message
	return json.Marshal(obj)
}

// UnmarshalJSON splits the fixed fields back out and collects the rest
// into Extra.
func (event *Event) UnmarshalJSON(data []byte) error {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return Error.Wrap(err)
	}
	str := func(key string) string {
		s, _ := obj[key].(string)
		return s
	}
	num := func(key string) int64 {
		n, _ := obj[key].(float64)
		return int64(n)
	}
	event.TimestampISO = str("timestampIso")
	event.TimestampMs = num("timestampMs")
	event.ElapsedMs = num("elapsedMs")
	event.DeltaMs = num("deltaMs")
	event.EventType = str("eventType")
	event.Message = str("message")
	event.Extra = nil
	for key, value := range obj {
		if reservedEventKeys[key] {
			continue
		}
		if event.Extra == nil {
			event.Extra = make(map[string]interface{})
		}
		event.Extra[key] = value
	}
	return nil
}

// Entry is one persisted transaction log.
type Entry struct {
	TransferID   string          `json:"transferId"`
	TransferInfo ShortSummary    `json:"transferInfo"`
	Summary      DetailedSummary `json:"summary"`
	Events       []Event         `json:"events"`
	SavedAt      int64           `json:"savedAt"`
}

// Sink receives every appended event together with fresh transfer
// projections, for broadcasting to subscribers.
type Sink interface {
	LogUpdated(transferID string, event Event, info ShortSummary, summary DetailedSummary)
}

// Logger journals events per transfer and persists bounded logs.
type Logger struct {
	log    *zap.Logger
	clock  *clockid.Source
	store  *jsonstore.File
	config Config

	mu     sync.Mutex
	events map[string][]Event
	sink   Sink
}

// NewLogger creates a Logger persisting to store.
func NewLogger(log *zap.Logger, clock *clockid.Source, store *jsonstore.File, config Config) *Logger {
	return &Logger{
		log:    log,
		clock:  clock,
		store:  store,
		config: config,
		events: make(map[string][]Event),
	}
}

// SetSink installs the broadcast sink. Wired late because the
// subscription layer is constructed after the logger.
func (logger *Logger) SetSink(sink Sink) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.sink = sink
}

// Append journals an event for the transfer, computing elapsed and delta
// times, and emits it to the sink. It never fails. Callers must hold the
// transfer lock.
func (logger *Logger) Append(ctx context.Context, transfer *operation.Transfer, eventType, message string, extra map[string]interface{}) Event {
	logger.mu.Lock()

	nowMs := logger.clock.NowMs()
	previous := logger.events[transfer.TransferID]
	if n := len(previous); n > 0 && previous[n-1].TimestampMs > nowMs {
		nowMs = previous[n-1].TimestampMs
	}

	event := Event{
		TimestampISO: clockid.MsToISO(nowMs),
		TimestampMs:  nowMs,
		EventType:    eventType,
		Message:      message,
		Extra:        extra,
	}
	if transfer.StartedAt > 0 {
		event.ElapsedMs = nowMs - transfer.StartedAt
	}
	if n := len(previous); n > 0 {
		event.DeltaMs = nowMs - previous[n-1].TimestampMs
	}
	logger.events[transfer.TransferID] = append(previous, event)
	sink := logger.sink
	logger.mu.Unlock()

	transfer.LastEventMs = nowMs

	logger.log.Debug("transaction event",
		zap.String("transferId", transfer.TransferID),
		zap.String("eventType", eventType),
		zap.String("message", message))

	if sink != nil {
		sink.LogUpdated(transfer.TransferID, event,
			logger.shortSummary(transfer), logger.detailedSummary(transfer))
	}
	return event
}

// Events returns a copy of the in-memory journal for the transfer.
func (logger *Logger) Events(transferID string) []Event {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	events := logger.events[transferID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Forget drops the in-memory journal for a pruned transfer.
func (logger *Logger) Forget(transferID string) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	delete(logger.events, transferID)
}

// StartPhase records the start of a named phase. Callers must hold the
// transfer lock.
func (logger *Logger) StartPhase(transfer *operation.Transfer, name string) {
	if transfer.Phases == nil {
		transfer.Phases = make(map[string]*operation.Phase)
	}
	transfer.Phases[name] = &operation.Phase{StartMs: logger.clock.NowMs()}
}

// EndPhase records the end of a named phase; it is a no-op if the phase
// was never started. Callers must hold the transfer lock.
func (logger *Logger) EndPhase(transfer *operation.Transfer, name string) {
	phase, ok := transfer.Phases[name]
	if !ok {
		return
	}
	phase.EndMs = logger.clock.NowMs()
	phase.DurationMs = phase.EndMs - phase.StartMs
}

// LiveEntry builds the log entry for an in-memory transfer without
// persisting it. Callers must hold the transfer lock.
func (logger *Logger) LiveEntry(transfer *operation.Transfer) Entry {
	return Entry{
		TransferID:   transfer.TransferID,
		TransferInfo: logger.shortSummary(transfer),
		Summary:      logger.detailedSummary(transfer),
		Events:       logger.Events(transfer.TransferID),
		SavedAt:      logger.clock.NowMs(),
	}
}

// Persist writes the transfer's log entry to disk, replacing any earlier
// entry for the same transfer and trimming to the newest configured
// count. Callers must hold the transfer lock.
func (logger *Logger) Persist(ctx context.Context, transfer *operation.Transfer) (err error) {
	defer mon.Task()(&ctx)(&err)

	entry := logger.LiveEntry(transfer)

	entries, err := logger.PersistedEntries(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range entries {
		if entries[i].TransferID == entry.TransferID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, k int) bool { return entries[i].SavedAt > entries[k].SavedAt })
	if len(entries) > logger.config.MaxPersistedLogs {
		entries = entries[:logger.config.MaxPersistedLogs]
	}

	if err := logger.store.Save(entries); err != nil {
		return Error.Wrap(err)
	}
	logger.log.Debug("persisted transaction log",
		zap.String("transferId", entry.TransferID),
		zap.Int("events", len(entry.Events)))
	return nil
}

// PersistedEntries loads the persisted log file, newest first. A missing
// file yields an empty slice.
func (logger *Logger) PersistedEntries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := logger.store.Load(&entries); err != nil {
		if jsonstore.ErrNotFound.Has(err) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	sort.SliceStable(entries, func(i, k int) bool { return entries[i].SavedAt > entries[k].SavedAt })
	return entries, nil
}

// PersistedEntry returns the persisted log for a transfer ID.
func (logger *Logger) PersistedEntry(ctx context.Context, transferID string) (Entry, error) {
	entries, err := logger.PersistedEntries(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, entry := range entries {
		if entry.TransferID == transferID {
			return entry, nil
		}
	}
	return Entry{}, ErrNotFound.New("transaction log %q", transferID)
}

// LatestPersisted returns the newest persisted log by save time.
func (logger *Logger) LatestPersisted(ctx context.Context) (Entry, error) {
	entries, err := logger.PersistedEntries(ctx)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNotFound.New("no transaction logs")
	}
	return entries[0], nil
}

// ListSummaries returns short summaries of persisted logs, newest first,
// capped at limit when limit > 0.
func (logger *Logger) ListSummaries(ctx context.Context, limit int) ([]ShortSummary, error) {
	entries, err := logger.PersistedEntries(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	summaries := make([]ShortSummary, 0, len(entries))
	for _, entry := range entries {
		summaries = append(summaries, entry.TransferInfo)
	}
	return summaries, nil
}

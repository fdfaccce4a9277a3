// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

package operation

import (
	"encoding/json"
	"math"
	"strings"
)

// msPerTick converts game ticks to milliseconds (60 ticks per second).
const msPerTick = 16.67

// PayloadMetrics summarizes the known top-level fields of a snapshot
// payload. The payload itself stays opaque; only sizes, flags, and counts
// are lifted out.
type PayloadMetrics struct {
	SizeBytes   int64 `json:"sizeBytes"`
	Compressed  bool  `json:"compressed"`
	HasPayload  bool  `json:"hasPayload"`
	EntityCount int64 `json:"entityCount,omitempty"`
	TileCount   int64 `json:"tileCount,omitempty"`
	ItemTypes   int   `json:"itemTypes,omitempty"`
	FluidTypes  int   `json:"fluidTypes,omitempty"`
}

// ParsePayload lightly parses a snapshot's known top-level fields and
// returns the derived metrics plus the verification block verbatim.
// A payload that is not a JSON object yields size-only metrics.
func ParsePayload(data json.RawMessage) (*PayloadMetrics, json.RawMessage) {
	metrics := &PayloadMetrics{SizeBytes: int64(len(data))}

	var top struct {
		Verification json.RawMessage `json:"verification"`
		Compressed   bool            `json:"compressed"`
		Payload      json.RawMessage `json:"payload"`
		Entities     json.RawMessage `json:"entities"`
		Tiles        json.RawMessage `json:"tiles"`
		EntityCount  int64           `json:"entity_count"`
		TileCount    int64           `json:"tile_count"`
	}
	if err := json.Unmarshal(data, &top); err != nil {
		return metrics, nil
	}

	metrics.Compressed = top.Compressed
	metrics.HasPayload = len(top.Payload) > 0 && string(top.Payload) != "null"
	metrics.EntityCount = top.EntityCount
	metrics.TileCount = top.TileCount
	if metrics.EntityCount == 0 {
		metrics.EntityCount = countElements(top.Entities)
	}
	if metrics.TileCount == 0 {
		metrics.TileCount = countElements(top.Tiles)
	}

	if len(top.Verification) > 0 {
		var verification struct {
			ItemCounts  map[string]float64 `json:"item_counts"`
			FluidCounts map[string]float64 `json:"fluid_counts"`
		}
		if err := json.Unmarshal(top.Verification, &verification); err == nil {
			metrics.ItemTypes = len(verification.ItemCounts)
			metrics.FluidTypes = len(verification.FluidCounts)
		}
	}
	return metrics, top.Verification
}

func countElements(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return 0
	}
	return int64(len(elements))
}

// TicksToMs converts a tick count to rounded milliseconds.
func TicksToMs(ticks float64) int64 {
	return int64(math.Round(ticks * msPerTick))
}

// NormalizeImportMetrics converts tick-based timings reported by an
// instance to milliseconds. Every numeric "*_ticks" key gains a matching
// "*_ms" key; the raw tick values are preserved.
func NormalizeImportMetrics(raw json.RawMessage) map[string]interface{} {
	metrics := decodeMetrics(raw)
	if metrics == nil {
		return nil
	}
	for key, value := range metrics {
		ticks, ok := value.(float64)
		if !ok || !strings.HasSuffix(key, "_ticks") {
			continue
		}
		msKey := strings.TrimSuffix(key, "_ticks") + "_ms"
		if _, exists := metrics[msKey]; !exists {
			metrics[msKey] = TicksToMs(ticks)
		}
	}
	return metrics
}

// exportMetricAliases maps legacy upstream key names to canonical ones.
var exportMetricAliases = map[string]string{
	"total_time_ms":     "total_ms",
	"serialize_time_ms": "serialize_ms",
	"compress_time_ms":  "compress_ms",
}

// NormalizeExportMetrics renames legacy export-timing keys to their
// canonical names. Unrecognized keys pass through verbatim as opaque
// numeric metrics.
func NormalizeExportMetrics(raw json.RawMessage) map[string]interface{} {
	metrics := decodeMetrics(raw)
	if metrics == nil {
		return nil
	}
	for legacy, canonical := range exportMetricAliases {
		value, ok := metrics[legacy]
		if !ok {
			continue
		}
		if _, exists := metrics[canonical]; !exists {
			metrics[canonical] = value
		}
		delete(metrics, legacy)
	}
	return metrics
}

func decodeMetrics(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var metrics map[string]interface{}
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil
	}
	return metrics
}

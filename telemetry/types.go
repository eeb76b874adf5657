// Package telemetry owns per-device accumulation, retention, and
// time-windowed retrieval of numeric sensor series, plus runtime
// recombination of series across devices for comparative charting.
package telemetry

import (
	"fmt"
	"time"

	"github.com/c360/hubstream/errors"
)

// DeviceKey identifies one serial channel on one hub.
type DeviceKey struct {
	HubID  string `json:"hubId"`
	PortID string `json:"portId"`
}

// String returns the canonical "hubId:portId" form used as a map key.
func (k DeviceKey) String() string {
	return k.HubID + ":" + k.PortID
}

// Point is one timestamped numeric sample. Timestamps are Unix milliseconds.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// FieldChartData is the per-field series fed to chart rendering. Points are
// ordered by time; insertion is append-only per source.
type FieldChartData struct {
	FieldName string  `json:"fieldName"`
	Unit      string  `json:"unit,omitempty"`
	Color     string  `json:"color,omitempty"`
	Points    []Point `json:"points"`
}

// DeviceChartData aggregates all field series of one device port.
type DeviceChartData struct {
	DeviceID   string           `json:"deviceId"`
	HubID      string           `json:"hubId"`
	PortID     string           `json:"portId"`
	SensorName string           `json:"sensorName,omitempty"`
	Fields     []FieldChartData `json:"fields"`
}

// MergedChartData is a view-level union of several device series under one
// chart identity. It is created and destroyed only by explicit user action,
// never by the ingestion path, and holds copies: dissolving a merge restores
// the constituent devices unchanged.
type MergedChartData struct {
	ID       string            `json:"id"`
	Sources  []DeviceChartData `json:"sources"`
	IsMerged bool              `json:"isMerged"`
}

// ChartKind discriminates the chart variants handed to consumers.
type ChartKind string

// Chart variants.
const (
	ChartDevice ChartKind = "device"
	ChartMerged ChartKind = "merged"
)

// Chart is the tagged union consumed by the rendering layer. Exactly one of
// Device or Merged is set, matching Kind.
type Chart struct {
	Kind   ChartKind        `json:"kind"`
	Device *DeviceChartData `json:"device,omitempty"`
	Merged *MergedChartData `json:"merged,omitempty"`
}

// DeviceState is a point-in-time snapshot of one device port's accumulated
// telemetry, returned by Store.DeviceData. The store retains exclusive
// ownership of the live state; snapshots are copies.
type DeviceState struct {
	Key        DeviceKey       `json:"key"`
	RawLines   []string        `json:"rawLines"`
	RawHex     []string        `json:"rawHex"`
	MappingID  string          `json:"mappingId,omitempty"`
	SensorName string          `json:"sensorName,omitempty"`
	Chart      DeviceChartData `json:"chart"`
	LastUpdate int64           `json:"lastUpdate"`
}

// Window is a fixed query horizon.
type Window string

// Supported query windows. Custom ranges are resolved by the caller: query
// the smallest enclosing fixed window, then filter by explicit start/end.
const (
	Window5m  Window = "5m"
	Window15m Window = "15m"
	Window30m Window = "30m"
	Window1h  Window = "1h"
)

// Threshold returns the window's duration.
func (w Window) Threshold() (time.Duration, error) {
	switch w {
	case Window5m:
		return 5 * time.Minute, nil
	case Window15m:
		return 15 * time.Minute, nil
	case Window30m:
		return 30 * time.Minute, nil
	case Window1h:
		return time.Hour, nil
	default:
		return 0, errors.WrapInvalid(errors.ErrInvalidWindow, "Window", "Threshold",
			fmt.Sprintf("window %q", string(w)))
	}
}

// SmallestEnclosing returns the narrowest fixed window covering the given
// span, for callers resolving custom ranges.
func SmallestEnclosing(span time.Duration) Window {
	switch {
	case span <= 5*time.Minute:
		return Window5m
	case span <= 15*time.Minute:
		return Window15m
	case span <= 30*time.Minute:
		return Window30m
	default:
		return Window1h
	}
}

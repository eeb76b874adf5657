package telemetry

import (
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/hubstream/metric"
	"github.com/c360/hubstream/pkg/ring"
	"github.com/c360/hubstream/pkg/timestamp"
	"github.com/c360/hubstream/protocol"
)

// Options tunes a Store. Zero fields take production defaults.
type Options struct {
	// Retention is the series horizon; points older than now-Retention are
	// pruned from a series after every insertion into it.
	Retention time.Duration

	// RawLineCap bounds the per-device rolling raw-text buffer.
	RawLineCap int

	// NotifyInterval is the coalescing window for change notification.
	NotifyInterval time.Duration

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

func (o *Options) applyDefaults() {
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.RawLineCap < 1 {
		o.RawLineCap = 1000
	}
	if o.NotifyInterval <= 0 {
		o.NotifyInterval = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// deviceState is the live, store-owned accumulation for one device port.
// Mutated only through Ingest; guarded by its own mutex so concurrent frames
// for different ports proceed in parallel.
type deviceState struct {
	mu sync.Mutex

	key        DeviceKey
	rawLines   *ring.Buffer[string]
	rawHex     *ring.Buffer[string]
	mapping    *protocol.Mapping // sticky: overwritten only by a newer positive detection
	sensorName string
	fields     []FieldChartData
	fieldIdx   map[string]int
	lastUpdate int64
}

// Store owns per-device telemetry accumulation and merge bookkeeping.
type Store struct {
	opts     Options
	registry *protocol.Registry

	mu      sync.RWMutex
	devices map[DeviceKey]*deviceState

	merges *mergeSet

	notifier *notifier
}

// NewStore creates a telemetry store parsing frames through the given
// mapping registry.
func NewStore(registry *protocol.Registry, opts Options) *Store {
	opts.applyDefaults()
	s := &Store{
		opts:     opts,
		registry: registry,
		devices:  make(map[DeviceKey]*deviceState),
		merges:   newMergeSet(),
	}
	s.notifier = newNotifier(opts.NotifyInterval)
	return s
}

// Close releases the store's notifier resources.
func (s *Store) Close() {
	s.notifier.close()
}

// Updates returns the coalesced change notification channel. At most one
// notification per device key is delivered per coalescing interval;
// notifications carry no data, so coalescing never loses telemetry.
func (s *Store) Updates() <-chan DeviceKey {
	return s.notifier.updates()
}

// device returns the live state for a key, creating it on first sight.
func (s *Store) device(key DeviceKey) *deviceState {
	s.mu.RLock()
	dev, ok := s.devices[key]
	s.mu.RUnlock()
	if ok {
		return dev
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if dev, ok = s.devices[key]; ok {
		return dev
	}
	dev = &deviceState{
		key:      key,
		rawLines: ring.New[string](s.opts.RawLineCap),
		rawHex:   ring.New[string](s.opts.RawLineCap),
		fieldIdx: make(map[string]int),
	}
	s.devices[key] = dev
	if s.opts.Metrics != nil {
		s.opts.Metrics.DevicesTracked.Set(float64(len(s.devices)))
	}
	return dev
}

// Ingest routes one inbound telemetry frame into the device's series. It
// never fails for malformed frames: worst case the frame contributes zero
// parsed points but still updates the raw-text buffer.
func (s *Store) Ingest(hubID, portID, frame string) {
	key := DeviceKey{HubID: hubID, PortID: portID}
	dev := s.device(key)

	dev.mu.Lock()
	result := s.registry.ParseFrame(frame, dev.mapping)

	if result.Detected != nil && result.Detected != dev.mapping {
		dev.mapping = result.Detected
		dev.sensorName = result.Detected.Name
		s.opts.Logger.Info("sensor format detected",
			"hub_id", hubID, "port_id", portID,
			"mapping_id", result.Detected.ID, "sensor", result.Detected.Name)
	}

	dev.rawLines.AppendAll(result.Decoded.Lines)
	if len(result.Decoded.Raw) > 0 {
		dev.rawHex.Append(hex.EncodeToString(result.Decoded.Raw))
	}

	now := timestamp.Now()
	cutoff := now - s.opts.Retention.Milliseconds()

	points := 0
	for _, reading := range result.Readings {
		for _, v := range reading.Values {
			dev.appendPoint(v, reading.Timestamp, cutoff)
			points++
		}
	}
	dev.lastUpdate = now
	hasMapping := dev.mapping != nil
	dev.mu.Unlock()

	if s.opts.Metrics != nil {
		if points > 0 {
			s.opts.Metrics.PointsStored.WithLabelValues(hubID).Add(float64(points))
		} else {
			reason := "no_mapping"
			if hasMapping {
				reason = "no_numeric_fields"
			}
			s.opts.Metrics.ParseFailures.WithLabelValues(reason).Inc()
		}
	}

	s.notifier.mark(key)
}

// appendPoint appends to the field's series (creating it on first sight) and
// prunes points older than the cutoff from that series only.
// Caller holds dev.mu.
func (d *deviceState) appendPoint(v protocol.Value, ts, cutoff int64) {
	idx, ok := d.fieldIdx[v.Name]
	if !ok {
		idx = len(d.fields)
		d.fields = append(d.fields, FieldChartData{
			FieldName: v.Name,
			Unit:      v.Unit,
			Color:     v.Color,
		})
		d.fieldIdx[v.Name] = idx
	}

	series := &d.fields[idx]
	series.Points = append(series.Points, Point{Timestamp: ts, Value: v.Value})

	// Points arrive in non-decreasing timestamp order, so pruning is a
	// prefix cut.
	firstKept := sort.Search(len(series.Points), func(i int) bool {
		return series.Points[i].Timestamp >= cutoff
	})
	if firstKept > 0 {
		series.Points = append(series.Points[:0], series.Points[firstKept:]...)
	}
}

// ChartData returns each field's series for a device, filtered to points
// within the window ending now.
func (s *Store) ChartData(hubID, portID string, w Window) ([]FieldChartData, error) {
	threshold, err := w.Threshold()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	dev, ok := s.devices[DeviceKey{HubID: hubID, PortID: portID}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	cutoff := timestamp.Now() - threshold.Milliseconds()

	dev.mu.Lock()
	defer dev.mu.Unlock()

	out := make([]FieldChartData, 0, len(dev.fields))
	for _, f := range dev.fields {
		firstKept := sort.Search(len(f.Points), func(i int) bool {
			return f.Points[i].Timestamp >= cutoff
		})
		series := FieldChartData{FieldName: f.FieldName, Unit: f.Unit, Color: f.Color}
		series.Points = append([]Point(nil), f.Points[firstKept:]...)
		out = append(out, series)
	}
	return out, nil
}

// DeviceData returns a snapshot of one device port's accumulated state.
func (s *Store) DeviceData(hubID, portID string) (DeviceState, bool) {
	key := DeviceKey{HubID: hubID, PortID: portID}

	s.mu.RLock()
	dev, ok := s.devices[key]
	s.mu.RUnlock()
	if !ok {
		return DeviceState{}, false
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	state := DeviceState{
		Key:        key,
		RawLines:   dev.rawLines.Snapshot(),
		RawHex:     dev.rawHex.Snapshot(),
		SensorName: dev.sensorName,
		Chart:      dev.chartSnapshotLocked(),
		LastUpdate: dev.lastUpdate,
	}
	if dev.mapping != nil {
		state.MappingID = dev.mapping.ID
	}
	return state, true
}

// chartSnapshotLocked deep-copies the device aggregate. Caller holds d.mu.
func (d *deviceState) chartSnapshotLocked() DeviceChartData {
	chart := DeviceChartData{
		DeviceID:   d.key.String(),
		HubID:      d.key.HubID,
		PortID:     d.key.PortID,
		SensorName: d.sensorName,
		Fields:     make([]FieldChartData, len(d.fields)),
	}
	for i, f := range d.fields {
		copied := f
		copied.Points = append([]Point(nil), f.Points...)
		chart.Fields[i] = copied
	}
	return chart
}

// Drop removes all accumulated state for a device port, typically after a
// device-disconnect event. Membership in any merged group is released.
func (s *Store) Drop(hubID, portID string) bool {
	key := DeviceKey{HubID: hubID, PortID: portID}

	s.mu.Lock()
	_, ok := s.devices[key]
	delete(s.devices, key)
	remaining := len(s.devices)
	s.mu.Unlock()

	if ok {
		s.merges.release(key)
		if s.opts.Metrics != nil {
			s.opts.Metrics.DevicesTracked.Set(float64(remaining))
		}
	}
	return ok
}

// Devices returns the keys of all tracked device ports.
func (s *Store) Devices() []DeviceKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]DeviceKey, 0, len(s.devices))
	for k := range s.devices {
		keys = append(keys, k)
	}
	return keys
}

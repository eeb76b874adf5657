package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/c360/hubstream/errors"
	"github.com/c360/hubstream/pkg/timestamp"
)

// Decoded is the intermediate product of one inbound frame: raw bytes, the
// permissively decoded text, and its non-empty lines. Ephemeral, never
// retained beyond one processing pass.
type Decoded struct {
	Raw   []byte
	Text  string
	Lines []string
}

// Value is one numeric reading extracted from a line.
type Value struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Color string  `json:"color,omitempty"`
}

// Reading is one successful mapping match against one line.
type Reading struct {
	MappingID  string  `json:"mappingId"`
	SensorName string  `json:"sensorName"`
	Timestamp  int64   `json:"timestamp"` // Unix milliseconds
	Values     []Value `json:"values"`
}

// FrameResult is the full output of ParseFrame.
type FrameResult struct {
	Decoded  Decoded
	Readings []Reading
	Detected *Mapping // newly or previously detected mapping, nil if none
}

// Decode turns a base64 payload into text and lines. Invalid byte sequences
// degrade to replacement runes rather than failing. When the payload is not
// valid base64 the literal frame text is used instead and an ErrInvalidFrame
// is returned alongside the degraded result so callers can count the fault;
// the Decoded value is always usable.
func Decode(frame string) (Decoded, error) {
	var decodeErr error

	raw, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		if rawAlt, altErr := base64.RawStdEncoding.DecodeString(frame); altErr == nil {
			raw = rawAlt
		} else {
			raw = []byte(frame)
			decodeErr = errors.WrapInvalid(errors.ErrInvalidFrame, "protocol", "Decode", "base64")
		}
	}

	text := strings.ToValidUTF8(string(raw), "�")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}

	return Decoded{Raw: raw, Text: text, Lines: lines}, decodeErr
}

// ParseLine applies one mapping to one line, returning nil when the line
// yields no numeric readings. A field whose capture fails to parse as a
// number is dropped, not treated as a fatal error.
func ParseLine(line string, m *Mapping) *Reading {
	if m == nil || line == "" {
		return nil
	}

	var values []Value
	switch m.Format {
	case FormatJSON:
		values = parseJSONLine(line)
	case FormatKeyValue, FormatCSV:
		values = parseCaptureLine(line, m)
	default:
		return nil
	}

	if len(values) == 0 {
		return nil
	}

	return &Reading{
		MappingID:  m.ID,
		SensorName: m.Name,
		Timestamp:  timestamp.Now(),
		Values:     values,
	}
}

// parseCaptureLine applies the mapping pattern once and reads each declared
// field's capture group as a float.
func parseCaptureLine(line string, m *Mapping) []Value {
	if m.re == nil {
		return nil
	}
	match := m.re.FindStringSubmatch(line)
	if match == nil {
		return nil
	}

	values := make([]Value, 0, len(m.Fields))
	for i, f := range m.Fields {
		if f.CaptureGroup < 1 || f.CaptureGroup >= len(match) {
			continue
		}
		num, err := strconv.ParseFloat(match[f.CaptureGroup], 64)
		if err != nil {
			continue // non-numeric capture: drop this field only
		}
		color := f.Color
		if color == "" {
			color = PaletteColor(i)
		}
		values = append(values, Value{Name: f.Name, Value: num, Unit: f.Unit, Color: color})
	}
	return values
}

// parseJSONLine keeps numeric-valued top-level keys in their order of
// appearance, assigning palette colors by field position.
func parseJSONLine(line string) []Value {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil
	}

	var values []Value
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return values
		}
		key, ok := keyTok.(string)
		if !ok {
			return values
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return values
		}

		var num json.Number
		if err := json.Unmarshal(raw, &num); err != nil {
			continue // non-numeric value: drop the key
		}
		f, err := num.Float64()
		if err != nil {
			continue
		}

		values = append(values, Value{
			Name:  key,
			Value: f,
			Color: PaletteColor(len(values)),
		})
	}
	return values
}

// looksLikeJSONRecord reports whether a line is a parseable JSON object.
func looksLikeJSONRecord(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	return json.Valid([]byte(trimmed))
}

// Registry holds mappings in registration order. Order is significant:
// detection resolves to the first registered mapping that matches.
type Registry struct {
	mu       sync.RWMutex
	mappings []*Mapping
	byID     map[string]*Mapping
}

// NewRegistry creates an empty mapping registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Mapping)}
}

// Register validates, compiles, and appends a mapping. An invalid mapping is
// rejected with the fault isolated to it; previously registered mappings are
// unaffected. Re-registering an ID replaces the mapping at its existing slot,
// preserving its detection priority. The replacement is a fresh allocation:
// pointers handed out earlier keep reading the old immutable schema until
// their holder re-detects, so registration never races in-flight parsing.
func (r *Registry) Register(m Mapping) error {
	if err := m.compile(); err != nil {
		return err
	}
	stored := &m

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[m.ID]; ok {
		for i, prev := range r.mappings {
			if prev.ID == m.ID {
				r.mappings[i] = stored
				break
			}
		}
		r.byID[m.ID] = stored
		return nil
	}

	r.mappings = append(r.mappings, stored)
	r.byID[m.ID] = stored
	return nil
}

// RegisterAll registers mappings in order, collecting per-mapping errors
// instead of aborting on the first invalid one.
func (r *Registry) RegisterAll(mappings []Mapping) []error {
	var errs []error
	for _, m := range mappings {
		if err := r.Register(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Remove deletes a mapping by ID, returning whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, m := range r.mappings {
		if m.ID == id {
			r.mappings = append(r.mappings[:i], r.mappings[i+1:]...)
			break
		}
	}
	return true
}

// Mapping returns a registered mapping by ID.
func (r *Registry) Mapping(id string) (*Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return m, ok
}

// Len returns the number of registered mappings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mappings)
}

// Detect tests the line against every registered mapping in registration
// order; the first match wins.
func (r *Registry) Detect(line string) *Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.mappings {
		if m.matches(line) {
			return m
		}
	}
	return nil
}

// ParseFrame decodes a frame and parses every line against the known mapping.
// Detection is sticky: once a mapping is known (either passed in as prev or
// detected on an earlier line of this frame) it is reused for the remaining
// lines. Lines preceding detection are skipped, never buffered for
// retroactive parsing.
func (r *Registry) ParseFrame(frame string, prev *Mapping) FrameResult {
	decoded, _ := Decode(frame)

	result := FrameResult{
		Decoded:  decoded,
		Detected: prev,
	}

	for _, line := range decoded.Lines {
		if result.Detected == nil {
			result.Detected = r.Detect(line)
			if result.Detected == nil {
				continue
			}
		}
		if reading := ParseLine(line, result.Detected); reading != nil {
			result.Readings = append(result.Readings, *reading)
		}
	}

	return result
}

// Package protocol turns opaque encoded frames from serial-attached sensor
// devices into structured numeric readings. The engine is stateless: schema
// detection memory (the "sticky" mapping per device) is owned by the caller
// and passed back in on each call.
package protocol

import (
	"fmt"
	"regexp"

	"github.com/c360/hubstream/errors"
)

// Format identifies how a sensor's text protocol is parsed.
type Format string

// Supported mapping formats.
const (
	FormatKeyValue Format = "key-value"
	FormatCSV      Format = "csv"
	FormatJSON     Format = "json"
)

// Field declares one numeric reading extracted by a mapping. CaptureGroup is
// 1-based and follows native regexp group semantics; it is unused for JSON
// mappings, where field names come from the record keys.
type Field struct {
	Name         string `json:"name" yaml:"name"`
	Unit         string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Color        string `json:"color,omitempty" yaml:"color,omitempty"`
	CaptureGroup int    `json:"captureGroup,omitempty" yaml:"capture_group,omitempty"`
}

// Mapping is a named rule set describing how to recognize and numerically
// parse one device's text protocol. Static mappings ship with the binary;
// user-defined ones arrive at runtime and are validated on registration.
type Mapping struct {
	ID      string  `json:"id" yaml:"id"`
	Name    string  `json:"name" yaml:"name"`
	Format  Format  `json:"format" yaml:"format"`
	Pattern string  `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Fields  []Field `json:"fields,omitempty" yaml:"fields,omitempty"`

	re *regexp.Regexp // compiled on registration, nil for pattern-less JSON
}

// compile validates the mapping and compiles its pattern. A fault here is
// isolated to this one mapping; detection continues with the rest.
func (m *Mapping) compile() error {
	if m.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "compile", "missing id")
	}

	switch m.Format {
	case FormatJSON:
		// Pattern is an optional structural marker for JSON mappings.
	case FormatKeyValue, FormatCSV:
		if m.Pattern == "" {
			return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "compile",
				fmt.Sprintf("mapping %s has empty pattern", m.ID))
		}
		if len(m.Fields) == 0 {
			return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "compile",
				fmt.Sprintf("mapping %s declares no fields", m.ID))
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "compile",
			fmt.Sprintf("mapping %s has unknown format %q", m.ID, m.Format))
	}

	if m.Pattern != "" {
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return errors.WrapInvalid(errors.ErrInvalidPattern, "Mapping", "compile",
				fmt.Sprintf("mapping %s pattern %q", m.ID, m.Pattern))
		}
		m.re = re
	}

	if m.Format == FormatJSON {
		return nil
	}

	// Capture groups are 1-based, unique, and must exist in the pattern.
	seen := make(map[int]bool, len(m.Fields))
	for _, f := range m.Fields {
		if f.CaptureGroup < 1 {
			return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "compile",
				fmt.Sprintf("mapping %s field %s capture group %d is not 1-based", m.ID, f.Name, f.CaptureGroup))
		}
		if f.CaptureGroup > m.re.NumSubexp() {
			return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "compile",
				fmt.Sprintf("mapping %s field %s references group %d but pattern has %d",
					m.ID, f.Name, f.CaptureGroup, m.re.NumSubexp()))
		}
		if seen[f.CaptureGroup] {
			return errors.WrapInvalid(errors.ErrInvalidMapping, "Mapping", "compile",
				fmt.Sprintf("mapping %s duplicates capture group %d", m.ID, f.CaptureGroup))
		}
		seen[f.CaptureGroup] = true
	}

	return nil
}

// matches reports whether a line looks like this mapping's protocol.
func (m *Mapping) matches(line string) bool {
	if m.re != nil {
		return m.re.MatchString(line)
	}
	if m.Format == FormatJSON {
		return looksLikeJSONRecord(line)
	}
	return false
}

// palette is the fixed cyclic color palette assigned to fields that do not
// declare their own color.
var palette = []string{
	"#3b82f6", // blue
	"#ef4444", // red
	"#10b981", // green
	"#f59e0b", // amber
	"#8b5cf6", // violet
	"#ec4899", // pink
	"#06b6d4", // cyan
	"#84cc16", // lime
}

// PaletteColor returns the palette entry for a field position, cycling.
func PaletteColor(index int) string {
	if index < 0 {
		index = -index
	}
	return palette[index%len(palette)]
}

// DefaultMappings returns the static mappings that ship with the pipeline.
// Registration order matters: detection resolves to the first match.
func DefaultMappings() []Mapping {
	return []Mapping{
		{
			ID:      "env-kv",
			Name:    "Environment Sensor",
			Format:  FormatKeyValue,
			Pattern: `temp=([-\d.]+)\s+hum=([-\d.]+)`,
			Fields: []Field{
				{Name: "temp", Unit: "°C", Color: PaletteColor(0), CaptureGroup: 1},
				{Name: "hum", Unit: "%", Color: PaletteColor(1), CaptureGroup: 2},
			},
		},
		{
			ID:      "power-csv",
			Name:    "Power Monitor",
			Format:  FormatCSV,
			Pattern: `^PWR,([-\d.]+),([-\d.]+),([-\d.]+)$`,
			Fields: []Field{
				{Name: "voltage", Unit: "V", Color: PaletteColor(0), CaptureGroup: 1},
				{Name: "current", Unit: "A", Color: PaletteColor(1), CaptureGroup: 2},
				{Name: "power", Unit: "W", Color: PaletteColor(2), CaptureGroup: 3},
			},
		},
		{
			ID:     "generic-json",
			Name:   "JSON Sensor",
			Format: FormatJSON,
		},
	}
}

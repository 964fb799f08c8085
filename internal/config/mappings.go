package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/droid-deck/console/internal/mapping"
)

// The mappings file is JSON: a list of control bindings plus a list of
// track pairs. Bounds are optional and default to the full signed 16-bit
// axis range.
type mappingsFile struct {
	Controls []controlBinding `json:"controls"`
	Tracks   []trackBinding   `json:"tracks"`
}

type controlBinding struct {
	Control string        `json:"control"`
	Kind    string        `json:"kind"`
	Channel string        `json:"channel,omitempty"`
	Invert  bool          `json:"invert,omitempty"`
	Emotion string        `json:"emotion,omitempty"`
	Bounds  *boundsObject `json:"bounds,omitempty"`
}

type trackBinding struct {
	Throttle     string        `json:"throttle"`
	Turn         string        `json:"turn"`
	LeftChannel  string        `json:"left_channel"`
	RightChannel string        `json:"right_channel"`
	InvertLeft   bool          `json:"invert_left,omitempty"`
	InvertRight  bool          `json:"invert_right,omitempty"`
	Bounds       *boundsObject `json:"bounds,omitempty"`
}

type boundsObject struct {
	Min      float64 `json:"min"`
	Center   float64 `json:"center"`
	Max      float64 `json:"max"`
	Deadzone float64 `json:"deadzone"`
}

// toBounds fills defaults when the file omits bounds. Scene bindings
// normally sit on buttons, which report 0 or 1, so their default range
// is the unit interval rather than the signed axis range.
func (b *boundsObject) toBounds(kind string) mapping.Bounds {
	def := mapping.DefaultBounds()
	if kind == mapping.KindScene {
		def = mapping.Bounds{Min: -1, Center: 0, Max: 1}
	}
	if b == nil {
		return def
	}
	out := mapping.Bounds{Min: b.Min, Center: b.Center, Max: b.Max, Deadzone: b.Deadzone}
	if out.Min == 0 && out.Max == 0 {
		out.Min, out.Center, out.Max = def.Min, def.Center, def.Max
	}
	return out
}

// LoadMappings reads a mappings file into a mapping table.
func LoadMappings(path string) (*mapping.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings %s: %w", path, err)
	}
	return ParseMappings(data)
}

// ParseMappings builds a mapping table from mappings file content.
func ParseMappings(data []byte) (*mapping.Table, error) {
	var file mappingsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse mappings: %w", err)
	}

	entries := make([]mapping.Entry, 0, len(file.Controls)+len(file.Tracks))
	for _, c := range file.Controls {
		entries = append(entries, mapping.Entry{
			Control: c.Control,
			Kind:    c.Kind,
			Channel: c.Channel,
			Invert:  c.Invert,
			Emotion: c.Emotion,
			Bounds:  c.Bounds.toBounds(c.Kind),
		})
	}
	for _, tr := range file.Tracks {
		entries = append(entries, mapping.Entry{
			Kind:   mapping.KindTrack,
			Bounds: tr.Bounds.toBounds(mapping.KindTrack),
			Track: &mapping.TrackPair{
				ThrottleControl: tr.Throttle,
				TurnControl:     tr.Turn,
				LeftChannel:     tr.LeftChannel,
				RightChannel:    tr.RightChannel,
				InvertLeft:      tr.InvertLeft,
				InvertRight:     tr.InvertRight,
			},
		})
	}

	table, err := mapping.NewTable(entries)
	if err != nil {
		return nil, fmt.Errorf("mappings: %w", err)
	}
	return table, nil
}

// Package mapping translates raw controller samples into outbound
// commands. A mapping table binds control identifiers to servo channels,
// scene triggers, and tank-track pairs; the engine applies calibration
// bounds, deadzones, and edge detection on top of it.
package mapping

import "fmt"

// Entry kinds.
const (
	KindServo = "servo"
	KindScene = "scene"
	KindTrack = "track"
)

// Bounds holds the calibrated raw range of one control. Deadzone is a
// fraction of half-span around Center inside which a sample normalizes
// to exactly zero.
type Bounds struct {
	Min      float64
	Center   float64
	Max      float64
	Deadzone float64
}

// DefaultBounds covers the common signed 16-bit axis range.
func DefaultBounds() Bounds {
	return Bounds{Min: -32768, Center: 0, Max: 32767, Deadzone: 0.05}
}

// Normalize maps a raw sample into [-1, 1] around Center. Samples inside
// the deadzone collapse to zero; samples outside the calibrated range
// clamp to the nearest extreme.
func (b Bounds) Normalize(raw float64) float64 {
	var norm float64
	switch {
	case raw >= b.Center:
		span := b.Max - b.Center
		if span <= 0 {
			return 0
		}
		norm = (raw - b.Center) / span
	default:
		span := b.Center - b.Min
		if span <= 0 {
			return 0
		}
		norm = (raw - b.Center) / span
	}

	if norm > 1 {
		norm = 1
	} else if norm < -1 {
		norm = -1
	}
	if norm > -b.Deadzone && norm < b.Deadzone {
		return 0
	}
	return norm
}

// TrackPair describes differential steering: one throttle control and
// one turn control drive a left/right servo channel pair.
type TrackPair struct {
	ThrottleControl string
	TurnControl     string
	LeftChannel     string
	RightChannel    string
	InvertLeft      bool
	InvertRight     bool
}

// Entry binds one control identifier to an action. Exactly one kind is
// active per entry.
type Entry struct {
	Control string
	Kind    string
	Bounds  Bounds

	// KindServo
	Channel string
	Invert  bool

	// KindScene
	Emotion string

	// KindTrack; shared by the throttle and turn entries of one pair.
	Track *TrackPair
}

// Table is an immutable set of entries keyed by control identifier. The
// engine swaps whole tables; entries are never mutated in place.
type Table struct {
	entries map[string]*Entry
}

// NewTable builds a table, rejecting duplicate control bindings. A track
// pair registers under both its throttle and turn controls.
func NewTable(entries []Entry) (*Table, error) {
	table := &Table{entries: make(map[string]*Entry, len(entries))}
	for i := range entries {
		e := entries[i]
		switch e.Kind {
		case KindServo:
			if e.Channel == "" {
				return nil, fmt.Errorf("mapping %q: servo entry requires a channel", e.Control)
			}
		case KindScene:
			if e.Emotion == "" {
				return nil, fmt.Errorf("mapping %q: scene entry requires an emotion", e.Control)
			}
		case KindTrack:
			if e.Track == nil || e.Track.LeftChannel == "" || e.Track.RightChannel == "" {
				return nil, fmt.Errorf("mapping %q: track entry requires left and right channels", e.Control)
			}
		default:
			return nil, fmt.Errorf("mapping %q: unknown kind %q", e.Control, e.Kind)
		}

		if e.Kind == KindTrack {
			throttle := e
			throttle.Control = e.Track.ThrottleControl
			turn := e
			turn.Control = e.Track.TurnControl
			if err := table.add(&throttle); err != nil {
				return nil, err
			}
			if err := table.add(&turn); err != nil {
				return nil, err
			}
			continue
		}
		if err := table.add(&e); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func (t *Table) add(e *Entry) error {
	if e.Control == "" {
		return fmt.Errorf("mapping entry of kind %q has no control identifier", e.Kind)
	}
	if _, dup := t.entries[e.Control]; dup {
		return fmt.Errorf("control %q bound more than once", e.Control)
	}
	t.entries[e.Control] = e
	return nil
}

// Lookup returns the entry for a control, if bound.
func (t *Table) Lookup(control string) (*Entry, bool) {
	e, ok := t.entries[control]
	return e, ok
}

// Controls lists every bound control identifier.
func (t *Table) Controls() []string {
	out := make([]string, 0, len(t.entries))
	for control := range t.entries {
		out = append(out, control)
	}
	return out
}

// WithBounds returns a copy of the table with new calibration bounds for
// one control. When the incoming deadzone is zero, the entry's existing
// deadzone is preserved. Unknown controls return the table unchanged.
func (t *Table) WithBounds(control string, b Bounds) *Table {
	old, ok := t.entries[control]
	if !ok {
		return t
	}

	next := &Table{entries: make(map[string]*Entry, len(t.entries))}
	for k, v := range t.entries {
		next.entries[k] = v
	}
	updated := *old
	if b.Deadzone == 0 {
		b.Deadzone = old.Bounds.Deadzone
	}
	updated.Bounds = b
	next.entries[control] = &updated
	return next
}

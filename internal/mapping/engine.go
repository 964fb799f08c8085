package mapping

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/droid-deck/console/internal/protocol"
)

// repeatEpsilon suppresses re-emitting a position when the normalized
// value moved less than this since the last emitted sample.
const repeatEpsilon = 1e-3

// sceneThreshold is the normalized magnitude above which a scene control
// counts as pressed.
const sceneThreshold = 0.5

// Engine resolves raw controller samples against the active mapping
// table. The table swaps atomically under calibration or reload; per
// control edge and repeat state lives behind the engine mutex.
type Engine struct {
	table  atomic.Pointer[Table]
	ranges protocol.ChannelLimits

	mu      sync.Mutex
	pressed map[string]bool
	last    map[string]float64
	tracks  map[string]*trackState
}

type trackState struct {
	throttle  float64
	turn      float64
	lastLeft  int
	lastRight int
	primed    bool
}

// NewEngine builds an engine over an initial table. ranges supplies servo
// channel position bounds for scaling.
func NewEngine(table *Table, ranges protocol.ChannelLimits) *Engine {
	e := &Engine{
		ranges:  ranges,
		pressed: make(map[string]bool),
		last:    make(map[string]float64),
		tracks:  make(map[string]*trackState),
	}
	e.table.Store(table)
	return e
}

// Table returns the active mapping table.
func (e *Engine) Table() *Table {
	return e.table.Load()
}

// ReplaceTable swaps in a new table and clears edge and repeat state.
func (e *Engine) ReplaceTable(table *Table) {
	e.table.Store(table)

	e.mu.Lock()
	e.pressed = make(map[string]bool)
	e.last = make(map[string]float64)
	e.tracks = make(map[string]*trackState)
	e.mu.Unlock()
}

// ApplyCalibration installs new bounds for one control. Existing
// deadzones survive when the incoming bounds carry none.
func (e *Engine) ApplyCalibration(control string, b Bounds) {
	for {
		current := e.table.Load()
		next := current.WithBounds(control, b)
		if next == current {
			return
		}
		if e.table.CompareAndSwap(current, next) {
			return
		}
	}
}

// Resolve maps one raw sample to zero or more outbound commands. Unbound
// controls resolve to nothing. A scene control emits exactly once per
// press; a track control emits per-side servo commands only when a side's
// target position actually changed.
func (e *Engine) Resolve(control string, raw float64) []protocol.Command {
	entry, ok := e.table.Load().Lookup(control)
	if !ok {
		return nil
	}

	norm := entry.Bounds.Normalize(raw)
	if entry.Invert {
		norm = -norm
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch entry.Kind {
	case KindServo:
		return e.resolveServo(entry, norm)
	case KindScene:
		return e.resolveScene(entry, norm)
	case KindTrack:
		return e.resolveTrack(entry, control, norm)
	}
	return nil
}

func (e *Engine) resolveServo(entry *Entry, norm float64) []protocol.Command {
	prev, seen := e.last[entry.Control]
	if seen && math.Abs(norm-prev) < repeatEpsilon {
		return nil
	}
	e.last[entry.Control] = norm

	pos, ok := e.scale(entry.Channel, norm)
	if !ok {
		return nil
	}
	return []protocol.Command{protocol.ServoCommand{Channel: entry.Channel, Pos: pos}}
}

func (e *Engine) resolveScene(entry *Entry, norm float64) []protocol.Command {
	down := math.Abs(norm) > sceneThreshold
	was := e.pressed[entry.Control]
	e.pressed[entry.Control] = down
	if !down || was {
		return nil
	}
	return []protocol.Command{protocol.SceneCommand{Emotion: entry.Emotion}}
}

func (e *Engine) resolveTrack(entry *Entry, control string, norm float64) []protocol.Command {
	pair := entry.Track
	key := pair.LeftChannel + "/" + pair.RightChannel
	state, ok := e.tracks[key]
	if !ok {
		state = &trackState{}
		e.tracks[key] = state
	}

	switch control {
	case pair.ThrottleControl:
		state.throttle = norm
	case pair.TurnControl:
		state.turn = norm
	default:
		return nil
	}

	left := clampUnit(state.throttle + state.turn)
	right := clampUnit(state.throttle - state.turn)
	if pair.InvertLeft {
		left = -left
	}
	if pair.InvertRight {
		right = -right
	}

	leftPos, okL := e.scale(pair.LeftChannel, left)
	rightPos, okR := e.scale(pair.RightChannel, right)
	if !okL || !okR {
		return nil
	}

	var out []protocol.Command
	if !state.primed || leftPos != state.lastLeft {
		out = append(out, protocol.ServoCommand{Channel: pair.LeftChannel, Pos: leftPos})
	}
	if !state.primed || rightPos != state.lastRight {
		out = append(out, protocol.ServoCommand{Channel: pair.RightChannel, Pos: rightPos})
	}
	state.lastLeft = leftPos
	state.lastRight = rightPos
	state.primed = true
	return out
}

// scale converts a normalized value to an absolute position on a channel.
func (e *Engine) scale(channel string, norm float64) (int, bool) {
	min, max, ok := e.ranges.PositionRange(channel)
	if !ok {
		return 0, false
	}
	pos := float64(min) + (norm+1)/2*float64(max-min)
	return int(math.Round(pos)), true
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// Package calibration runs interactive range-learning sessions for
// controller axes. While a session is active, raw samples bypass the
// mapping engine and feed per-control accumulators; finishing installs
// the learned bounds and notifies the backend.
package calibration

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/droid-deck/console/internal/mapping"
	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/telemetry"
)

// TypeComplete is the hub event type for a finished session.
const TypeComplete = "calibration_complete"

// restTolerance is the fraction of the observed span within which a
// sample counts as the stick at rest.
const restTolerance = 0.125

var (
	ErrActive     = errors.New("CALIBRATION_ACTIVE")
	ErrNotActive  = errors.New("CALIBRATION_NOT_ACTIVE")
	ErrIncomplete = errors.New("CALIBRATION_INCOMPLETE")
)

// Complete is published to the hub when a session finishes.
type Complete struct {
	Session string
	Bounds  map[string]mapping.Bounds
}

func (*Complete) EventType() string { return TypeComplete }

// Sender transmits calibration lifecycle commands to the backend.
type Sender interface {
	Send(cmd protocol.Command) error
}

// accumulator learns one control's range. Extremes extend with every
// sample; the center is the running mean of at-rest samples only, so
// holding the stick deflected cannot drag the center off neutral.
type accumulator struct {
	samples   int
	min       float64
	max       float64
	center    float64
	restCount int
}

func (a *accumulator) observe(raw float64) {
	a.samples++
	if a.samples == 1 {
		a.min, a.max = raw, raw
		return
	}
	if raw < a.min {
		a.min = raw
	}
	if raw > a.max {
		a.max = raw
	}

	span := a.max - a.min
	if span <= 0 {
		return
	}
	tol := span * restTolerance

	var atRest bool
	if a.restCount > 0 {
		atRest = abs(raw-a.center) <= tol
	} else {
		mid := (a.min + a.max) / 2
		atRest = abs(raw-mid) <= tol
	}
	if !atRest {
		return
	}

	a.restCount++
	if a.restCount == 1 {
		a.center = raw
		return
	}
	a.center += (raw - a.center) / float64(a.restCount)
}

func (a *accumulator) bounds() (mapping.Bounds, error) {
	if a.samples == 0 {
		return mapping.Bounds{}, fmt.Errorf("no samples: %w", ErrIncomplete)
	}
	if a.max <= a.min {
		return mapping.Bounds{}, fmt.Errorf("control never moved: %w", ErrIncomplete)
	}
	center := a.center
	if a.restCount == 0 {
		center = (a.min + a.max) / 2
	}
	return mapping.Bounds{Min: a.min, Center: center, Max: a.max}, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Apply installs learned bounds for one control.
type Apply func(control string, b mapping.Bounds)

// Coordinator owns at most one calibration session at a time.
type Coordinator struct {
	sender Sender
	hub    *telemetry.Hub
	apply  Apply

	mu       sync.Mutex
	session  string
	controls map[string]*accumulator
}

// NewCoordinator builds an idle coordinator.
func NewCoordinator(sender Sender, hub *telemetry.Hub, apply Apply) *Coordinator {
	return &Coordinator{sender: sender, hub: hub, apply: apply}
}

// Active reports whether a session is in progress. The input router uses
// this to divert raw samples here instead of the mapping engine.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != ""
}

// Session returns the active session identifier, or empty.
func (c *Coordinator) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Begin starts a session over the named controls and announces it to the
// backend. Beginning while a session is active is an error.
func (c *Coordinator) Begin(controls []string) (string, error) {
	if len(controls) == 0 {
		return "", fmt.Errorf("no controls named: %w", ErrIncomplete)
	}

	c.mu.Lock()
	if c.session != "" {
		active := c.session
		c.mu.Unlock()
		return "", fmt.Errorf("session %s in progress: %w", active, ErrActive)
	}
	id := uuid.NewString()
	c.session = id
	c.controls = make(map[string]*accumulator, len(controls))
	for _, control := range controls {
		c.controls[control] = &accumulator{}
	}
	c.mu.Unlock()

	err := c.sender.Send(protocol.CalibrationCommand{
		Action:   protocol.CalibrationStart,
		Session:  id,
		Controls: controls,
	})
	if err != nil {
		c.reset()
		return "", err
	}
	return id, nil
}

// Observe feeds one raw sample. Samples for controls outside the session
// and samples while idle are ignored.
func (c *Coordinator) Observe(control string, raw float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == "" {
		return
	}
	if acc, ok := c.controls[control]; ok {
		acc.observe(raw)
	}
}

// Finish computes bounds for every control, installs them, publishes the
// result, and tells the backend. If any control lacks usable samples the
// session stays active and nothing is installed.
func (c *Coordinator) Finish() (map[string]mapping.Bounds, error) {
	c.mu.Lock()
	if c.session == "" {
		c.mu.Unlock()
		return nil, ErrNotActive
	}

	learned := make(map[string]mapping.Bounds, len(c.controls))
	for control, acc := range c.controls {
		b, err := acc.bounds()
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("control %q: %w", control, err)
		}
		learned[control] = b
	}
	id := c.session
	c.session = ""
	c.controls = nil
	c.mu.Unlock()

	for control, b := range learned {
		c.apply(control, b)
	}
	c.hub.Publish(&Complete{Session: id, Bounds: learned})

	err := c.sender.Send(protocol.CalibrationCommand{
		Action:  protocol.CalibrationFinish,
		Session: id,
	})
	return learned, err
}

// Cancel abandons the session without installing anything.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	if c.session == "" {
		c.mu.Unlock()
		return ErrNotActive
	}
	id := c.session
	c.session = ""
	c.controls = nil
	c.mu.Unlock()

	return c.sender.Send(protocol.CalibrationCommand{
		Action:  protocol.CalibrationCancel,
		Session: id,
	})
}

func (c *Coordinator) reset() {
	c.mu.Lock()
	c.session = ""
	c.controls = nil
	c.mu.Unlock()
}

// Package input polls the local game controller and turns raw axis and
// button state into per-control samples. It only reports device-unit
// values; normalization and mapping happen downstream.
package input

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/0xcafed00d/joystick"

	"github.com/droid-deck/console/internal/config"
	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/telemetry"
)

// Device is the slice of the joystick driver the source needs.
type Device interface {
	Read() (joystick.State, error)
	Name() string
	Close()
}

// Opener opens a device by number. Swappable for tests.
type Opener func(device int) (Device, error)

func defaultOpener(device int) (Device, error) {
	js, err := joystick.Open(device)
	if err != nil {
		return nil, err
	}
	return js, nil
}

// Emit receives one raw sample per changed control.
type Emit func(control string, raw float64)

// reopenDelay paces retries while no controller is plugged in.
const reopenDelay = 2 * time.Second

// Source owns the poll loop for one controller.
type Source struct {
	cfg    config.InputConfig
	hub    *telemetry.Hub
	emit   Emit
	logger *log.Logger
	open   Opener

	axisControls   map[int]string
	buttonControls map[int]string
}

// NewSource builds a source. emit is called on the poll goroutine and
// must not block.
func NewSource(cfg config.InputConfig, hub *telemetry.Hub, emit Emit, logger *log.Logger) *Source {
	if logger == nil {
		logger = log.Default()
	}
	s := &Source{
		cfg:            cfg,
		hub:            hub,
		emit:           emit,
		logger:         logger,
		open:           defaultOpener,
		axisControls:   make(map[int]string),
		buttonControls: make(map[int]string),
	}
	for key, control := range cfg.AxisMap {
		if idx, err := strconv.Atoi(key); err == nil {
			s.axisControls[idx] = control
		}
	}
	for key, control := range cfg.ButtonMap {
		if idx, err := strconv.Atoi(key); err == nil {
			s.buttonControls[idx] = control
		}
	}
	return s
}

// Run polls until the context ends, reopening the device whenever it
// disappears. Controller presence is announced on the hub.
func (s *Source) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		dev, err := s.open(s.cfg.Device)
		if err != nil {
			s.hub.Publish(&protocol.ControllerStatus{Connected: false, Reason: err.Error()})
			select {
			case <-time.After(reopenDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		name := dev.Name()
		s.logger.Printf("input: controller %q connected", name)
		s.hub.Publish(&protocol.ControllerStatus{Connected: true, Name: name})

		err = s.poll(ctx, dev)
		dev.Close()
		if ctx.Err() != nil {
			return
		}
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		s.logger.Printf("input: controller %q lost: %v", name, err)
		s.hub.Publish(&protocol.ControllerStatus{Connected: false, Name: name, Reason: reason})

		select {
		case <-time.After(reopenDelay):
		case <-ctx.Done():
			return
		}
	}
}

// poll reads device state at the configured rate, emitting only deltas.
func (s *Source) poll(ctx context.Context, dev Device) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.PollHz))
	defer ticker.Stop()

	lastAxes := make(map[int]int)
	var lastButtons uint32
	first := true

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}

		state, err := dev.Read()
		if err != nil {
			return err
		}

		for idx, control := range s.axisControls {
			if idx >= len(state.AxisData) {
				continue
			}
			value := state.AxisData[idx]
			if !first && lastAxes[idx] == value {
				continue
			}
			lastAxes[idx] = value
			s.emit(control, float64(value))
		}

		for idx, control := range s.buttonControls {
			bit := uint32(1) << uint(idx)
			down := state.Buttons&bit != 0
			was := lastButtons&bit != 0
			if !first && down == was {
				continue
			}
			raw := 0.0
			if down {
				raw = 1.0
			}
			s.emit(control, raw)
		}
		lastButtons = state.Buttons
		first = false
	}
}

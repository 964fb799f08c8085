// Package command is the single choke point for operator actions.
// Every action follows the same path: validate against the servo
// inventory, hand the command to the link session, write an audit
// record, and surface failures on the hub.
package command

import (
	"fmt"
	"log"
	"time"

	"github.com/droid-deck/console/internal/audit"
	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/servo"
	"github.com/droid-deck/console/internal/telemetry"
)

// TypeFault is the hub event type for a failed command.
const TypeFault = "command_fault"

// Fault is published when a command cannot be dispatched.
type Fault struct {
	Action string
	Target string
	Reason string
}

func (*Fault) EventType() string { return TypeFault }

// Sender is the outbound half of the link session.
type Sender interface {
	Send(cmd protocol.Command) error
}

// Dispatcher validates, sends, audits.
type Dispatcher struct {
	sender   Sender
	registry *servo.Registry
	audit    *audit.Logger
	hub      *telemetry.Hub
	logger   *log.Logger
}

// NewDispatcher wires the command path. audit may be nil to disable
// audit records.
func NewDispatcher(sender Sender, registry *servo.Registry, auditLog *audit.Logger, hub *telemetry.Hub, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		sender:   sender,
		registry: registry,
		audit:    auditLog,
		hub:      hub,
		logger:   logger,
	}
}

// SetServo moves one channel to an absolute position.
func (d *Dispatcher) SetServo(channel string, pos int) error {
	return d.dispatch("servo", channel,
		map[string]interface{}{"pos": pos},
		protocol.ServoCommand{Channel: channel, Pos: pos})
}

// SetServoSpeed limits one channel's slew rate.
func (d *Dispatcher) SetServoSpeed(channel string, speed int) error {
	return d.dispatch("servo_speed", channel,
		map[string]interface{}{"speed": speed},
		protocol.ServoSpeedCommand{Channel: channel, Speed: speed})
}

// PlayScene triggers a named emotion scene.
func (d *Dispatcher) PlayScene(emotion string) error {
	return d.dispatch("scene", emotion, nil, protocol.SceneCommand{Emotion: emotion})
}

// PiControl requests a backend host action such as shutdown.
func (d *Dispatcher) PiControl(action string) error {
	return d.dispatch("pi_control", action, nil, protocol.PiControlCommand{Action: action})
}

// Failsafe toggles the backend failsafe.
func (d *Dispatcher) Failsafe(state bool) error {
	return d.dispatch("failsafe", "",
		map[string]interface{}{"state": state},
		protocol.FailsafeCommand{State: state})
}

// RequestScenes asks the backend for its scene inventory.
func (d *Dispatcher) RequestScenes() error {
	return d.dispatch("get_scenes", "", nil, protocol.GetScenesCommand{})
}

// RequestServoPositions asks for a full position dump of one maestro.
func (d *Dispatcher) RequestServoPositions(maestro int) error {
	return d.dispatch("get_servo_positions", fmt.Sprintf("maestro_%d", maestro),
		nil, protocol.GetServoPositionsCommand{Maestro: maestro})
}

// HomeAll drives every known channel to its home position. The first
// failure stops the sweep.
func (d *Dispatcher) HomeAll() error {
	for _, name := range d.registry.Channels() {
		ch, ok := d.registry.Lookup(name)
		if !ok {
			continue
		}
		if err := d.SetServo(name, ch.Home); err != nil {
			return fmt.Errorf("home %s: %w", name, err)
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(action, target string, params map[string]interface{}, cmd protocol.Command) error {
	start := time.Now()
	err := d.sender.Send(cmd)
	latency := time.Since(start)

	if d.audit != nil {
		d.audit.LogAction(action, target, params, err, latency)
	}
	if err != nil {
		d.logger.Printf("command: %s %s failed: %v", action, target, err)
		if d.hub != nil {
			d.hub.Publish(&Fault{Action: action, Target: target, Reason: err.Error()})
		}
		return err
	}
	return nil
}

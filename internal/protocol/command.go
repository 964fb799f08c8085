package protocol

import (
	"encoding/json"
)

// Outbound message type discriminators.
const (
	TypeServo             = "servo"
	TypeServoSpeed        = "servo_speed"
	TypeScene             = "scene"
	TypePiControl         = "pi_control"
	TypeFailsafe          = "failsafe"
	TypeCalibration       = "calibration"
	TypeGetScenes         = "get_scenes"
	TypeGetServoPositions = "get_servo_positions"
)

// Calibration control actions.
const (
	CalibrationStart  = "start"
	CalibrationFinish = "finish"
	CalibrationCancel = "cancel"
)

// Command is an outbound tagged variant. Commands are immutable once
// constructed; the sender owns them until they are handed to Encode.
type Command interface {
	CommandType() string
}

// ChannelLimits supplies per-channel position bounds for validation.
// Bounds come from the caller (the servo registry), never from the codec.
type ChannelLimits interface {
	PositionRange(channel string) (min, max int, ok bool)
}

// ServoCommand moves a servo channel to an absolute position.
type ServoCommand struct {
	Channel string `json:"channel"`
	Pos     int    `json:"pos"`
}

func (ServoCommand) CommandType() string { return TypeServo }

// ServoSpeedCommand sets the slew speed of a servo channel.
type ServoSpeedCommand struct {
	Channel string `json:"channel"`
	Speed   int    `json:"speed"`
}

func (ServoSpeedCommand) CommandType() string { return TypeServoSpeed }

// SceneCommand triggers a named emotion scene on the droid.
type SceneCommand struct {
	Emotion string `json:"emotion"`
}

func (SceneCommand) CommandType() string { return TypeScene }

// PiControlCommand requests a backend host action (e.g. shutdown, reboot).
type PiControlCommand struct {
	Action string `json:"action"`
}

func (PiControlCommand) CommandType() string { return TypePiControl }

// FailsafeCommand toggles the backend failsafe state.
type FailsafeCommand struct {
	State bool `json:"state"`
}

func (FailsafeCommand) CommandType() string { return TypeFailsafe }

// CalibrationCommand carries calibration session lifecycle control.
type CalibrationCommand struct {
	Action   string   `json:"action"`
	Session  string   `json:"session"`
	Controls []string `json:"controls,omitempty"`
}

func (CalibrationCommand) CommandType() string { return TypeCalibration }

// GetScenesCommand asks the backend for its scene list.
type GetScenesCommand struct{}

func (GetScenesCommand) CommandType() string { return TypeGetScenes }

// GetServoPositionsCommand asks for all positions on one maestro.
type GetServoPositionsCommand struct {
	Maestro int `json:"maestro"`
}

func (GetServoPositionsCommand) CommandType() string { return TypeGetServoPositions }

// Encode serializes a command to its wire form. Encoding is deterministic
// for a given command. limits may be nil, in which case position bounds are
// not checked (required fields still are).
func Encode(cmd Command, limits ChannelLimits) ([]byte, error) {
	if cmd == nil {
		return nil, &ValidationError{Field: "command", Reason: "nil command"}
	}
	if err := validate(cmd, limits); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{"type": cmd.CommandType()}
	switch c := cmd.(type) {
	case ServoCommand:
		payload["channel"] = c.Channel
		payload["pos"] = c.Pos
	case ServoSpeedCommand:
		payload["channel"] = c.Channel
		payload["speed"] = c.Speed
	case SceneCommand:
		payload["emotion"] = c.Emotion
	case PiControlCommand:
		payload["action"] = c.Action
	case FailsafeCommand:
		payload["state"] = c.State
	case CalibrationCommand:
		payload["action"] = c.Action
		payload["session"] = c.Session
		if len(c.Controls) > 0 {
			payload["controls"] = c.Controls
		}
	case GetScenesCommand:
		// type discriminator only
	case GetServoPositionsCommand:
		payload["maestro"] = c.Maestro
	default:
		return nil, &ValidationError{Field: "type", Reason: "unknown command variant"}
	}

	return json.Marshal(payload)
}

func validate(cmd Command, limits ChannelLimits) error {
	switch c := cmd.(type) {
	case ServoCommand:
		if c.Channel == "" {
			return &ValidationError{Field: "channel", Reason: "required"}
		}
		if limits != nil {
			min, max, ok := limits.PositionRange(c.Channel)
			if !ok {
				return &ValidationError{Field: "channel", Reason: "unknown channel " + c.Channel}
			}
			if c.Pos < min || c.Pos > max {
				return &ValidationError{Field: "pos", Reason: "position out of channel bounds"}
			}
		}
	case ServoSpeedCommand:
		if c.Channel == "" {
			return &ValidationError{Field: "channel", Reason: "required"}
		}
		if c.Speed < 0 {
			return &ValidationError{Field: "speed", Reason: "must be non-negative"}
		}
		if limits != nil {
			if _, _, ok := limits.PositionRange(c.Channel); !ok {
				return &ValidationError{Field: "channel", Reason: "unknown channel " + c.Channel}
			}
		}
	case SceneCommand:
		if c.Emotion == "" {
			return &ValidationError{Field: "emotion", Reason: "required"}
		}
	case PiControlCommand:
		if c.Action == "" {
			return &ValidationError{Field: "action", Reason: "required"}
		}
	case CalibrationCommand:
		switch c.Action {
		case CalibrationStart, CalibrationFinish, CalibrationCancel:
		default:
			return &ValidationError{Field: "action", Reason: "unknown calibration action"}
		}
		if c.Session == "" {
			return &ValidationError{Field: "session", Reason: "required"}
		}
	case GetServoPositionsCommand:
		if c.Maestro < 0 {
			return &ValidationError{Field: "maestro", Reason: "must be non-negative"}
		}
	}
	return nil
}

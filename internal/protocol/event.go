package protocol

import (
	"encoding/json"
	"time"
)

// Inbound message type discriminators.
const (
	TypeTelemetry         = "telemetry"
	TypeServoPosition     = "servo_position"
	TypeAllServoPositions = "all_servo_positions"
	TypeControllerInput   = "controller_input"
	TypeCalibrationAck    = "calibration_ack"
	TypeSceneList         = "scene_list"
	TypeSceneDone         = "scene_done"
)

// Console-local event types (published to the hub, never on the wire).
const (
	TypeConnectionState  = "connection_state"
	TypeNetworkQuality   = "network_quality"
	TypeBandwidth        = "bandwidth"
	TypeControllerStatus = "controller_status"
)

// Event is a decoded inbound message or a console-local notification.
// Events are shared by reference with all hub subscribers and must not be
// mutated after publish.
type Event interface {
	EventType() string
}

// MaestroStatus reports one servo controller's connection flag.
type MaestroStatus struct {
	Connected bool `json:"connected"`
}

// TelemetryUpdate is the periodic status push from the droid backend.
type TelemetryUpdate struct {
	BatteryVoltage float64       `json:"battery_voltage"`
	Current        float64       `json:"current"`
	CPU            float64       `json:"cpu"`
	Memory         float64       `json:"memory"`
	Maestro1       MaestroStatus `json:"maestro_1"`
	Maestro2       MaestroStatus `json:"maestro_2"`
}

func (*TelemetryUpdate) EventType() string { return TypeTelemetry }

// ServoPosition reports a single channel position.
type ServoPosition struct {
	Channel  string `json:"channel"`
	Position int    `json:"position"`
}

func (*ServoPosition) EventType() string { return TypeServoPosition }

// AllServoPositions reports every channel position on one maestro.
type AllServoPositions struct {
	Maestro   int            `json:"maestro"`
	Positions map[string]int `json:"positions"`
}

func (*AllServoPositions) EventType() string { return TypeAllServoPositions }

// ControllerInput mirrors a raw control sample observed by the backend.
type ControllerInput struct {
	Control string  `json:"control"`
	Value   float64 `json:"value"`
}

func (*ControllerInput) EventType() string { return TypeControllerInput }

// CalibrationAck acknowledges a calibration lifecycle command.
type CalibrationAck struct {
	Action  string `json:"action"`
	Session string `json:"session"`
}

func (*CalibrationAck) EventType() string { return TypeCalibrationAck }

// SceneInfo describes one selectable scene.
type SceneInfo struct {
	Label string `json:"label"`
	Emoji string `json:"emoji,omitempty"`
}

// SceneList carries the backend's scene inventory.
type SceneList struct {
	Scenes []SceneInfo `json:"scenes"`
}

func (*SceneList) EventType() string { return TypeSceneList }

// SceneDone signals that a scene finished playing.
type SceneDone struct {
	Scene string `json:"scene"`
}

func (*SceneDone) EventType() string { return TypeSceneDone }

// GenericEvent preserves messages with a type this console does not know.
// Fields holds every member of the object except "type".
type GenericEvent struct {
	Type   string
	Fields map[string]interface{}
}

func (g *GenericEvent) EventType() string { return g.Type }

// ConnectionState announces a link session state transition.
type ConnectionState struct {
	Endpoint string
	State    string
	Attempt  int
	Delay    time.Duration
	Err      string
}

func (*ConnectionState) EventType() string { return TypeConnectionState }

// NetworkQuality is one latency probe result. A failed probe is still a
// sample, with OK false and a reason.
type NetworkQuality struct {
	LatencyMS float64
	Quality   int
	OK        bool
	Reason    string
}

func (*NetworkQuality) EventType() string { return TypeNetworkQuality }

// BandwidthSample is one bandwidth probe result.
type BandwidthSample struct {
	Mbps   float64
	OK     bool
	Reason string
}

func (*BandwidthSample) EventType() string { return TypeBandwidth }

// ControllerStatus reports the local input device coming and going.
type ControllerStatus struct {
	Connected bool
	Name      string
	Reason    string
}

func (*ControllerStatus) EventType() string { return TypeControllerStatus }

// Decode parses one inbound frame. Unknown "type" values decode to a
// GenericEvent rather than an error; a frame that is not a JSON object
// with a type string returns a DecodeError.
func Decode(data []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if probe.Type == "" {
		return nil, &DecodeError{Reason: "missing type discriminator"}
	}

	switch probe.Type {
	case TypeTelemetry:
		ev := &TelemetryUpdate{}
		return ev, unmarshalInto(data, ev)
	case TypeServoPosition:
		ev := &ServoPosition{}
		return ev, unmarshalInto(data, ev)
	case TypeAllServoPositions:
		ev := &AllServoPositions{}
		return ev, unmarshalInto(data, ev)
	case TypeControllerInput:
		ev := &ControllerInput{}
		return ev, unmarshalInto(data, ev)
	case TypeCalibrationAck:
		ev := &CalibrationAck{}
		return ev, unmarshalInto(data, ev)
	case TypeSceneList:
		ev := &SceneList{}
		return ev, unmarshalInto(data, ev)
	case TypeSceneDone:
		ev := &SceneDone{}
		return ev, unmarshalInto(data, ev)
	default:
		fields := make(map[string]interface{})
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, &DecodeError{Reason: "malformed frame", Err: err}
		}
		delete(fields, "type")
		return &GenericEvent{Type: probe.Type, Fields: fields}, nil
	}
}

func unmarshalInto(data []byte, ev Event) error {
	if err := json.Unmarshal(data, ev); err != nil {
		return &DecodeError{Reason: "malformed " + ev.EventType() + " frame", Err: err}
	}
	return nil
}

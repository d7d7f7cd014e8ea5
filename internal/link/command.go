package link

import (
	"encoding/json"
	"fmt"
	"math"
)

// CommandType is the "type" tag of an outbound command.
type CommandType string

const (
	CmdSetTargetTemperature CommandType = "set_target_temperature"
	CmdEnableHeater         CommandType = "enable_heater"
)

// Command is an outbound request to the controller. Commands are
// fire-and-forget: the firmware sends no acknowledgement.
type Command struct {
	Type  CommandType `json:"type"`
	Value any         `json:"value"`
}

// SetTargetTemperature asks the PID loop to regulate to value °C.
func SetTargetTemperature(value float64) Command {
	return Command{Type: CmdSetTargetTemperature, Value: value}
}

// EnableHeater switches the heater output on or off.
func EnableHeater(on bool) Command {
	return Command{Type: CmdEnableHeater, Value: on}
}

// Encode serialises cmd as a single newline-terminated JSON object.
//
// Numbers use the shortest representation that round-trips, so 200.0 is sent
// as 200 and 200.5 as 200.5.
func Encode(cmd Command) ([]byte, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return append(data, '\n'), nil
}

func (c Command) validate() error {
	switch c.Type {
	case CmdSetTargetTemperature:
		v, ok := c.Value.(float64)
		if !ok {
			return fmt.Errorf("%w: %s expects a number, got %T", ErrInvalidCommand, c.Type, c.Value)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s value %v is not finite", ErrInvalidCommand, c.Type, v)
		}
	case CmdEnableHeater:
		if _, ok := c.Value.(bool); !ok {
			return fmt.Errorf("%w: %s expects a bool, got %T", ErrInvalidCommand, c.Type, c.Value)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}

// ParseCommand builds a Command from a loosely typed request body, as sent by
// the HTTP API. Integral JSON numbers are accepted for temperatures.
func ParseCommand(typ string, value json.RawMessage) (Command, error) {
	if len(value) == 0 || string(value) == "null" {
		return Command{}, fmt.Errorf("%w: %s: missing value", ErrInvalidCommand, typ)
	}
	switch CommandType(typ) {
	case CmdSetTargetTemperature:
		var v float64
		if err := json.Unmarshal(value, &v); err != nil {
			return Command{}, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, typ, err)
		}
		return SetTargetTemperature(v), nil
	case CmdEnableHeater:
		var on bool
		if err := json.Unmarshal(value, &on); err != nil {
			return Command{}, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, typ, err)
		}
		return EnableHeater(on), nil
	default:
		return Command{}, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, typ)
	}
}

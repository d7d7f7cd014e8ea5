package link

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"integral temperature", SetTargetTemperature(200.0), `{"type":"set_target_temperature","value":200}` + "\n"},
		{"fractional temperature", SetTargetTemperature(200.5), `{"type":"set_target_temperature","value":200.5}` + "\n"},
		{"negative temperature", SetTargetTemperature(-12.25), `{"type":"set_target_temperature","value":-12.25}` + "\n"},
		{"heater on", EnableHeater(true), `{"type":"enable_heater","value":true}` + "\n"},
		{"heater off", EnableHeater(false), `{"type":"enable_heater","value":false}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncode_Invalid(t *testing.T) {
	for _, cmd := range []Command{
		SetTargetTemperature(math.NaN()),
		SetTargetTemperature(math.Inf(1)),
		{Type: CmdSetTargetTemperature, Value: "200"},
		{Type: CmdEnableHeater, Value: 1},
		{Type: "reboot", Value: true},
	} {
		_, err := Encode(cmd)
		assert.ErrorIs(t, err, ErrInvalidCommand, "%+v", cmd)
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("set_target_temperature", json.RawMessage(`210`))
	require.NoError(t, err)
	assert.Equal(t, SetTargetTemperature(210), cmd)

	cmd, err = ParseCommand("enable_heater", json.RawMessage(`false`))
	require.NoError(t, err)
	assert.Equal(t, EnableHeater(false), cmd)

	for _, tc := range []struct {
		typ   string
		value string
	}{
		{"set_target_temperature", `"hot"`},
		{"set_target_temperature", `null`},
		{"enable_heater", `1`},
		{"enable_heater", ``},
		{"self_destruct", `true`},
	} {
		_, err := ParseCommand(tc.typ, json.RawMessage(tc.value))
		assert.ErrorIs(t, err, ErrInvalidCommand, "%s=%s", tc.typ, tc.value)
	}
}

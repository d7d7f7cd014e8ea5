package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortPorts(t *testing.T) {
	ports := []PortInfo{
		{Name: "/dev/ttyS1"},
		{Name: "/dev/ttyUSB0", IsUSB: true},
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM0", IsUSB: true},
	}
	sortPorts(ports)

	var names []string
	for _, p := range ports {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyUSB0", "/dev/ttyS0", "/dev/ttyS1"}, names)
}

func TestSerialOpener_RequiresPath(t *testing.T) {
	_, err := SerialOpener{}.Open(context.Background(), "")
	assert.Error(t, err)
}

func TestSerialOpener_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SerialOpener{}.Open(ctx, "/dev/ttyUSB0")
	assert.ErrorIs(t, err, context.Canceled)
}

package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is an open, full-duplex byte stream to the controller. Close must
// unblock a pending Read.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a Port by path. The Controller calls it outside its lock, so it
// may block for as long as the transport needs.
type Opener interface {
	Open(ctx context.Context, path string) (Port, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path string) (Port, error)

func (f OpenerFunc) Open(ctx context.Context, path string) (Port, error) { return f(ctx, path) }

// SerialOpener opens USB CDC / UART ports with go.bug.st/serial.
type SerialOpener struct {
	BaudRate    int           // default 115200
	ReadTimeout time.Duration // default 100ms; zero-byte reads on timeout are skipped
}

func (o SerialOpener) Open(ctx context.Context, path string) (Port, error) {
	if path == "" {
		return nil, errors.New("serial port path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baud := o.BaudRate
	if baud == 0 {
		baud = 115200
	}
	timeout := o.ReadTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return port, nil
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts enumerates serial ports, USB devices first.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sortPorts(ports)
	return ports, nil
}

func sortPorts(ports []PortInfo) {
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].IsUSB != ports[j].IsUSB {
			return ports[i].IsUSB
		}
		return ports[i].Name < ports[j].Name
	})
}

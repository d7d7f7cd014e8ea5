package device

import "errors"

var (
	// ErrOpenFailed wraps the transport error when a port cannot be opened.
	// The controller stays disconnected; there is no automatic retry.
	ErrOpenFailed = errors.New("failed to open port")

	// ErrWriteFailed wraps a transport write error. A failed send does not
	// tear down the connection.
	ErrWriteFailed = errors.New("failed to send command")

	// ErrNotConnected is returned when sending without an open port.
	ErrNotConnected = errors.New("serial port is not connected")

	// ErrAlreadyConnected is returned by Connect unless the controller is
	// disconnected.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrConnectAborted is returned by Connect when Disconnect was requested
	// while the port was still opening.
	ErrConnectAborted = errors.New("connect aborted")
)

// Package device owns the serial link to the Afterburner controller: opening
// and closing the port, streaming inbound bytes through the framer and
// classifier into telemetry, and writing commands.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/afterburner/internal/link"
	"github.com/shaunagostinho/afterburner/internal/notify"
	"github.com/shaunagostinho/afterburner/internal/telemetry"
)

// Status is the lifecycle state of a Controller.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	// DefaultLatchDelay separates the setpoint from the heater enable in
	// SetTemperatureAndEnable. The firmware must latch the target first.
	DefaultLatchDelay = 100 * time.Millisecond

	disconnectedNotice = "Serial Disconnected"
	readBufferSize     = 1024
	chunkQueueSize     = 64
	teardownTimeout    = 2 * time.Second
)

// Config holds the collaborators and tuning for a Controller.
type Config struct {
	Opener       Opener             // required
	State        *telemetry.State   // defaults to a fresh State
	Notifier     notify.Notifier    // defaults to notify.Log
	Metrics      *Metrics           // nil disables metrics
	Logger       logrus.FieldLogger // defaults to the standard logger
	Title        string             // notification title, default notify.DefaultTitle
	MaxLineBytes int                // framer limit, default link.DefaultMaxLineBytes
	Legacy       bool               // decode the legacy combined frame
	LatchDelay   time.Duration      // default DefaultLatchDelay
}

// Controller runs the Disconnected -> Connecting -> Connected lifecycle for
// one port.
//
// A single mutex guards the session, the framer and all telemetry writes. It
// is held for one feed-and-dispatch cycle or one encode-and-write, so lines
// are applied strictly in stream order and a torn-down session can never
// mutate state afterwards.
type Controller struct {
	opener     Opener
	state      *telemetry.State
	notifier   notify.Notifier
	metrics    *Metrics
	log        logrus.FieldLogger
	title      string
	classifier link.Classifier
	latchDelay time.Duration

	mu     sync.Mutex
	status Status
	sess   *session
	abort  bool // Disconnect arrived while Connecting
	framer *link.Framer
}

// session is one open port. Identity matters: goroutines started for a session
// compare it against Controller.sess before touching shared state.
type session struct {
	port    Port
	path    string
	chunks  chan []byte
	done    chan struct{}
	readErr error // set by the reader before chunks is closed
	wg      sync.WaitGroup
}

// NewController creates a disconnected Controller.
func NewController(cfg Config) *Controller {
	if cfg.State == nil {
		cfg.State = telemetry.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Log{Logger: cfg.Logger}
	}
	if cfg.Title == "" {
		cfg.Title = notify.DefaultTitle
	}
	if cfg.LatchDelay <= 0 {
		cfg.LatchDelay = DefaultLatchDelay
	}
	return &Controller{
		opener:     cfg.Opener,
		state:      cfg.State,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.WithField("component", "device"),
		title:      cfg.Title,
		classifier: link.Classifier{Legacy: cfg.Legacy},
		latchDelay: cfg.LatchDelay,
		framer:     link.NewFramer(cfg.MaxLineBytes),
	}
}

// State returns the telemetry this controller publishes into.
func (c *Controller) State() *telemetry.State { return c.state }

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether a port is open.
func (c *Controller) Connected() bool {
	return c.Status() == Connected
}

// PortPath returns the path of the open port, or "" when disconnected.
func (c *Controller) PortPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.path
}

// Connect opens path and starts streaming. It fails with ErrAlreadyConnected
// unless the controller is disconnected, and wraps transport failures in
// ErrOpenFailed. The port is opened without holding the lock.
func (c *Controller) Connect(ctx context.Context, path string) error {
	c.mu.Lock()
	if c.status != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.status = Connecting
	c.abort = false
	c.mu.Unlock()

	port, err := c.opener.Open(ctx, path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.status = Disconnected
		c.log.WithError(err).WithField("port", path).Error("open failed")
		return fmt.Errorf("%w: %s: %w", ErrOpenFailed, path, err)
	}
	if c.abort {
		c.status = Disconnected
		c.abort = false
		port.Close()
		return ErrConnectAborted
	}

	sess := &session{
		port:   port,
		path:   path,
		chunks: make(chan []byte, chunkQueueSize),
		done:   make(chan struct{}),
	}
	c.sess = sess
	c.status = Connected
	c.framer.Reset()
	c.state.SetConnected(true, path)
	c.metrics.setConnected(true)

	sess.wg.Add(2)
	go c.readLoop(sess)
	go c.consume(sess)

	c.log.WithField("port", path).Info("connected")
	return nil
}

// Disconnect tears down the session: it stops the stream, closes the port,
// drops any partial line and clears the connected flag. Every step runs even
// if closing the port fails, and the controller always ends up Disconnected.
// No notification is sent. Calling it while disconnected is a no-op.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		if c.status == Connecting {
			c.abort = true
		}
		c.mu.Unlock()
		return nil
	}
	closeErr := c.teardownLocked(sess)
	c.mu.Unlock()

	c.metrics.disconnect("requested")
	if !waitTimeout(&sess.wg, teardownTimeout) {
		c.log.WithField("port", sess.path).Warn("reader did not stop after close")
	}

	if closeErr != nil {
		c.log.WithError(closeErr).WithField("port", sess.path).Warn("error during disconnect")
		return fmt.Errorf("close %s: %w", sess.path, closeErr)
	}
	c.log.WithField("port", sess.path).Info("disconnected")
	return nil
}

// Send encodes cmd and writes it to the port. A write error is wrapped in
// ErrWriteFailed and leaves the connection as it was.
func (c *Controller) Send(cmd link.Command) error {
	data, err := link.Encode(cmd)
	if err != nil {
		c.metrics.command(string(cmd.Type), "invalid")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		c.metrics.command(string(cmd.Type), "not_connected")
		return ErrNotConnected
	}
	if _, err := c.sess.port.Write(data); err != nil {
		c.metrics.command(string(cmd.Type), "error")
		c.log.WithError(err).WithField("command", string(cmd.Type)).Error("failed to send command")
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	c.metrics.command(string(cmd.Type), "ok")
	c.log.WithField("command", string(data[:len(data)-1])).Debug("sent command")
	return nil
}

// SetTemperatureAndEnable sends the setpoint, waits for the firmware to latch
// it, then enables the heater. This is a best-effort sequence, not an atomic
// operation: if the setpoint send fails the heater is left alone, and a
// cancelled ctx stops before the enable.
func (c *Controller) SetTemperatureAndEnable(ctx context.Context, temperature float64) error {
	if err := c.Send(link.SetTargetTemperature(temperature)); err != nil {
		return err
	}

	timer := time.NewTimer(c.latchDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	return c.Send(link.EnableHeater(true))
}

// readLoop pushes raw chunks onto the session queue until the port fails or
// the session is torn down.
func (c *Controller) readLoop(sess *session) {
	defer sess.wg.Done()
	defer close(sess.chunks)

	buf := make([]byte, readBufferSize)
	for {
		n, err := sess.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case sess.chunks <- chunk:
			case <-sess.done:
				return
			}
		}
		if err != nil {
			sess.readErr = err
			return
		}
		if n == 0 {
			// Read timeout with no data.
			select {
			case <-sess.done:
				return
			default:
			}
		}
	}
}

// consume frames and dispatches chunks in arrival order. When the reader
// stops on its own, the transport went away and the session is torn down.
func (c *Controller) consume(sess *session) {
	defer sess.wg.Done()

	for chunk := range sess.chunks {
		notices, live := c.handleChunk(sess, chunk)
		if !live {
			return
		}
		for _, body := range notices {
			c.notifier.Notify(c.title, body)
		}
	}
	c.lost(sess, sess.readErr)
}

func (c *Controller) handleChunk(sess *session, chunk []byte) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != sess {
		return nil, false
	}
	c.metrics.chunk(len(chunk))

	lines, err := c.framer.Feed(chunk)
	if err != nil {
		c.metrics.overflow()
		c.log.WithError(err).Warn("framing overflow, resynchronising at next newline")
	}

	var notices []string
	for _, line := range lines {
		msg := c.classifier.Classify(line)
		c.metrics.line(msg.Kind.String())

		switch msg.Kind {
		case link.KindNonJSON:
			c.log.WithField("line", line).Debug("non-JSON message")
		case link.KindMalformed:
			c.log.WithError(msg.Err).WithField("line", line).Warn("failed to parse JSON")
		default:
			if msg.Err != nil {
				c.log.WithError(msg.Err).WithField("line", line).Warn("ignored fields with unexpected types")
			}
		}

		c.state.Dispatch(msg)

		for _, ev := range msg.Events {
			c.metrics.event(ev.Name())
			if e, ok := ev.(link.ErrorEvent); ok {
				c.log.WithField("message", e.Message).Warn("controller reported error")
				notices = append(notices, e.Message)
			}
		}
	}
	return notices, true
}

// lost handles a transport-initiated disconnect.
func (c *Controller) lost(sess *session, cause error) {
	c.mu.Lock()
	if c.sess != sess {
		// Explicit disconnect already tore this session down.
		c.mu.Unlock()
		return
	}
	c.teardownLocked(sess)
	c.mu.Unlock()

	c.metrics.disconnect("lost")
	c.log.WithError(cause).WithField("port", sess.path).Warn("serial port disconnected")
	c.notifier.Notify(c.title, disconnectedNotice)
}

// teardownLocked invalidates sess and releases its resources. The caller
// holds c.mu.
func (c *Controller) teardownLocked(sess *session) error {
	c.sess = nil
	c.status = Disconnected
	close(sess.done)
	err := sess.port.Close()
	c.framer.Reset()
	c.state.SetConnected(false, "")
	c.metrics.setConnected(false)
	return err
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

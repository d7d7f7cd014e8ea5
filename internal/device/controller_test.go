package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/afterburner/internal/link"
	"github.com/shaunagostinho/afterburner/internal/telemetry"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// pipePort is a Port whose inbound side is fed by the test through an
// io.Pipe, standing in for the device end of the cable.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	closeErr error
	closed   bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.r.Close()
	return p.closeErr
}

// send writes s from the device side. It returns once the reader has taken
// every byte.
func (p *pipePort) send(t *testing.T, s string) {
	t.Helper()
	_, err := p.w.Write([]byte(s))
	require.NoError(t, err)
}

// unplug simulates the cable going away.
func (p *pipePort) unplug() { p.w.CloseWithError(io.ErrUnexpectedEOF) }

func (p *pipePort) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *pipePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// recorder collects notifications.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) Notify(title, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, title+": "+body)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(title, body string) { m.Called(title, body) }

func portOpener(ports ...*pipePort) Opener {
	var mu sync.Mutex
	return OpenerFunc(func(ctx context.Context, path string) (Port, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(ports) == 0 {
			return nil, errors.New("no such device")
		}
		p := ports[0]
		ports = ports[1:]
		return p, nil
	})
}

func newTestController(t *testing.T, cfg Config) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	if cfg.Notifier == nil {
		cfg.Notifier = rec
	}
	if cfg.Logger == nil {
		logger, _ := test.NewNullLogger()
		cfg.Logger = logger
	}
	if cfg.LatchDelay == 0 {
		cfg.LatchDelay = 10 * time.Millisecond
	}
	c := NewController(cfg)
	t.Cleanup(func() { c.Disconnect() })
	return c, rec
}

func TestController_ConnectStreamsTelemetry(t *testing.T) {
	port := newPipePort()
	c, rec := newTestController(t, Config{Opener: portOpener(port)})

	require.NoError(t, c.Connect(context.Background(), "/dev/ttyACM0"))
	assert.Equal(t, Connected, c.Status())
	assert.Equal(t, "/dev/ttyACM0", c.PortPath())
	assert.Equal(t, telemetry.Connection{Connected: true, Port: "/dev/ttyACM0"}, c.State().Snapshot().Connection)

	port.send(t, `{"temperature":`)
	port.send(t, "21.5}\r\n{\"voltage_mv\":5000,\"current_ma\":200,\"power_mw\":1000}\n")

	require.Eventually(t, func() bool {
		return c.State().Snapshot().Power.PowerMW == 1000
	}, waitFor, tick)

	snap := c.State().Snapshot()
	assert.Equal(t, 21.5, snap.Temperature.Temperature)
	assert.Equal(t, telemetry.PowerMeter{VoltageMV: 5000, CurrentMA: 200, PowerMW: 1000}, snap.Power)
	assert.Equal(t, `{"voltage_mv":5000,"current_ma":200,"power_mw":1000}`, snap.Diagnostic.Latest)
	assert.Empty(t, rec.all())
}

func TestController_NonJSONAndMalformedLeaveSinksAlone(t *testing.T) {
	port := newPipePort()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	c, _ := newTestController(t, Config{Opener: portOpener(port), Logger: logger})

	require.NoError(t, c.Connect(context.Background(), "p"))
	port.send(t, "{\"loadcell\":12}\nboot ok\n{\"temperature\":\n")

	require.Eventually(t, func() bool {
		return c.State().Snapshot().Diagnostic.Latest == `{"temperature":`
	}, waitFor, tick)

	snap := c.State().Snapshot()
	assert.Equal(t, 12.0, snap.LoadCell.LoadCell)
	assert.Zero(t, snap.Temperature.Temperature)
	assert.JSONEq(t, `{"loadcell":12}`, string(snap.Diagnostic.LatestJSON))

	var malformed bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "failed to parse JSON" {
			malformed = true
		}
	}
	assert.True(t, malformed)
}

func TestController_ConnectTwice(t *testing.T) {
	c, _ := newTestController(t, Config{Opener: portOpener(newPipePort(), newPipePort())})

	require.NoError(t, c.Connect(context.Background(), "a"))
	err := c.Connect(context.Background(), "b")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, "a", c.PortPath())
}

func TestController_OpenFailure(t *testing.T) {
	cause := errors.New("permission denied")
	opener := OpenerFunc(func(context.Context, string) (Port, error) { return nil, cause })
	c, rec := newTestController(t, Config{Opener: opener})

	err := c.Connect(context.Background(), "/dev/ttyUSB9")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Disconnected, c.Status())
	assert.False(t, c.State().Snapshot().Connection.Connected)
	assert.Empty(t, rec.all())
}

func TestController_SendWhileDisconnected(t *testing.T) {
	c, _ := newTestController(t, Config{Opener: portOpener()})

	err := c.Send(link.EnableHeater(true))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.EqualError(t, err, "serial port is not connected")
}

func TestController_SendWritesEncodedLine(t *testing.T) {
	port := newPipePort()
	c, _ := newTestController(t, Config{Opener: portOpener(port)})
	require.NoError(t, c.Connect(context.Background(), "p"))

	require.NoError(t, c.Send(link.SetTargetTemperature(200)))
	require.NoError(t, c.Send(link.EnableHeater(false)))

	assert.Equal(t,
		"{\"type\":\"set_target_temperature\",\"value\":200}\n{\"type\":\"enable_heater\",\"value\":false}\n",
		port.output())
}

func TestController_SendInvalid(t *testing.T) {
	port := newPipePort()
	c, _ := newTestController(t, Config{Opener: portOpener(port)})
	require.NoError(t, c.Connect(context.Background(), "p"))

	err := c.Send(link.Command{Type: "reboot", Value: true})
	assert.ErrorIs(t, err, link.ErrInvalidCommand)
	assert.Empty(t, port.output())
}

func TestController_WriteFailureKeepsConnection(t *testing.T) {
	port := newPipePort()
	port.writeErr = errors.New("device busy")
	c, _ := newTestController(t, Config{Opener: portOpener(port)})
	require.NoError(t, c.Connect(context.Background(), "p"))

	err := c.Send(link.EnableHeater(true))
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorContains(t, err, "device busy")
	assert.Equal(t, Connected, c.Status())
}

func TestController_Disconnect(t *testing.T) {
	port := newPipePort()
	c, rec := newTestController(t, Config{Opener: portOpener(port)})
	require.NoError(t, c.Connect(context.Background(), "p"))

	require.NoError(t, c.Disconnect())

	assert.Equal(t, Disconnected, c.Status())
	assert.Empty(t, c.PortPath())
	assert.True(t, port.isClosed())
	assert.Equal(t, telemetry.Connection{}, c.State().Snapshot().Connection)
	assert.Empty(t, rec.all(), "explicit disconnect must not notify")

	// Idempotent.
	require.NoError(t, c.Disconnect())
}

func TestController_DisconnectCloseError(t *testing.T) {
	port := newPipePort()
	port.closeErr = errors.New("io error")
	c, _ := newTestController(t, Config{Opener: portOpener(port)})
	require.NoError(t, c.Connect(context.Background(), "p"))

	err := c.Disconnect()
	assert.ErrorContains(t, err, "io error")
	assert.Equal(t, Disconnected, c.Status())
	assert.False(t, c.State().Snapshot().Connection.Connected)
}

func TestController_DisconnectDropsPartialLine(t *testing.T) {
	first, second := newPipePort(), newPipePort()
	c, _ := newTestController(t, Config{Opener: portOpener(first, second)})

	require.NoError(t, c.Connect(context.Background(), "p"))
	first.send(t, `{"temperature":`)
	require.Eventually(t, func() bool {
		return c.State().Snapshot().Diagnostic.Latest == "" && bufferedBytes(c) > 0
	}, waitFor, tick)

	require.NoError(t, c.Disconnect())
	assert.Zero(t, bufferedBytes(c))

	require.NoError(t, c.Connect(context.Background(), "p"))
	second.send(t, "21}\n")
	require.Eventually(t, func() bool {
		return c.State().Snapshot().Diagnostic.Latest == "21}"
	}, waitFor, tick)
	assert.Zero(t, c.State().Snapshot().Temperature.Temperature)
}

func bufferedBytes(c *Controller) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framer.Buffered()
}

func TestController_StaleSessionCannotMutate(t *testing.T) {
	port := newPipePort()
	c, rec := newTestController(t, Config{Opener: portOpener(port)})
	require.NoError(t, c.Connect(context.Background(), "p"))

	c.mu.Lock()
	old := c.sess
	c.mu.Unlock()
	before := c.State().Snapshot()

	require.NoError(t, c.Disconnect())
	after := c.State().Snapshot()

	// A chunk delivered by the torn-down reader is ignored.
	_, live := c.handleChunk(old, []byte("{\"temperature\":99}\n{\"type\":\"error\"}\n"))
	assert.False(t, live)

	// A late transport failure for the old session neither notifies nor
	// touches state.
	c.lost(old, io.EOF)

	snap := c.State().Snapshot()
	assert.Equal(t, before.Temperature, snap.Temperature)
	assert.Equal(t, after.Version, snap.Version)
	assert.Empty(t, rec.all())
}

func TestController_UnsolicitedDisconnectNotifies(t *testing.T) {
	port := newPipePort()
	n := &mockNotifier{}
	done := make(chan struct{})
	n.On("Notify", "Afterburner", "Serial Disconnected").Once().Run(func(mock.Arguments) { close(done) })

	c, _ := newTestController(t, Config{Opener: portOpener(port), Notifier: n})
	require.NoError(t, c.Connect(context.Background(), "p"))

	port.send(t, "{\"loadcell\":3}\n")
	port.unplug()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("no disconnect notification")
	}

	assert.Equal(t, Disconnected, c.Status())
	snap := c.State().Snapshot()
	assert.False(t, snap.Connection.Connected)
	assert.Equal(t, 3.0, snap.LoadCell.LoadCell, "data read before the drop is still applied")
	assert.True(t, port.isClosed())
	n.AssertExpectations(t)
}

func TestController_ErrorEventNotifies(t *testing.T) {
	port := newPipePort()
	c, rec := newTestController(t, Config{Opener: portOpener(port)})
	require.NoError(t, c.Connect(context.Background(), "p"))

	port.send(t, "{\"temperature\":80}\n")
	require.Eventually(t, func() bool {
		return c.State().Snapshot().Temperature.Temperature == 80
	}, waitFor, tick)
	before := c.State().Snapshot()

	port.send(t, "{\"type\":\"error\",\"message\":\"thermal runaway\"}\n{\"type\":\"error\"}\n")
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, waitFor, tick)

	assert.Equal(t, []string{"Afterburner: thermal runaway", "Afterburner: Unknown error"}, rec.all())
	after := c.State().Snapshot()
	assert.Equal(t, before.Temperature, after.Temperature)
	assert.Equal(t, before.Power, after.Power)
	assert.Equal(t, before.Pid, after.Pid)
}

func TestController_SetTemperatureAndEnable(t *testing.T) {
	port := newPipePort()
	c, _ := newTestController(t, Config{Opener: portOpener(port)})
	require.NoError(t, c.Connect(context.Background(), "p"))

	start := time.Now()
	require.NoError(t, c.SetTemperatureAndEnable(context.Background(), 200.5))

	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t,
		"{\"type\":\"set_target_temperature\",\"value\":200.5}\n{\"type\":\"enable_heater\",\"value\":true}\n",
		port.output())
}

func TestController_SetTemperatureAndEnableStopsOnFailure(t *testing.T) {
	t.Run("setpoint write fails", func(t *testing.T) {
		port := newPipePort()
		port.writeErr = errors.New("broken")
		c, _ := newTestController(t, Config{Opener: portOpener(port)})
		require.NoError(t, c.Connect(context.Background(), "p"))

		err := c.SetTemperatureAndEnable(context.Background(), 150)
		assert.ErrorIs(t, err, ErrWriteFailed)
		assert.Empty(t, port.output())
	})

	t.Run("cancelled during latch delay", func(t *testing.T) {
		port := newPipePort()
		c, _ := newTestController(t, Config{Opener: portOpener(port), LatchDelay: time.Hour})
		require.NoError(t, c.Connect(context.Background(), "p"))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := c.SetTemperatureAndEnable(ctx, 150)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, "{\"type\":\"set_target_temperature\",\"value\":150}\n", port.output())
	})

	t.Run("not connected", func(t *testing.T) {
		c, _ := newTestController(t, Config{Opener: portOpener()})
		assert.ErrorIs(t, c.SetTemperatureAndEnable(context.Background(), 150), ErrNotConnected)
	})
}

func TestController_DisconnectWhileConnecting(t *testing.T) {
	port := newPipePort()
	release := make(chan struct{})
	opener := OpenerFunc(func(context.Context, string) (Port, error) {
		<-release
		return port, nil
	})
	c, _ := newTestController(t, Config{Opener: opener})

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background(), "p") }()

	require.Eventually(t, func() bool { return c.Status() == Connecting }, waitFor, tick)
	assert.ErrorIs(t, c.Connect(context.Background(), "p"), ErrAlreadyConnected)
	require.NoError(t, c.Disconnect())
	close(release)

	assert.ErrorIs(t, <-errc, ErrConnectAborted)
	assert.Equal(t, Disconnected, c.Status())
	assert.True(t, port.isClosed())
	assert.False(t, c.State().Snapshot().Connection.Connected)
}

func TestController_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	port := newPipePort()
	c, _ := newTestController(t, Config{Opener: portOpener(port), Metrics: m})

	require.NoError(t, c.Connect(context.Background(), "p"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))

	port.send(t, "hello\n{\"temperature\":1,\"loadcell\":2}\n{bad\n")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.lines.WithLabelValues("malformed")) == 1
	}, waitFor, tick)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.lines.WithLabelValues("non_json")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lines.WithLabelValues("json")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("temperature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("loadcell")))

	require.NoError(t, c.Send(link.EnableHeater(true)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("enable_heater", "ok")))

	require.NoError(t, c.Disconnect())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.disconnects.WithLabelValues("requested")))

	assert.ErrorIs(t, c.Send(link.EnableHeater(true)), ErrNotConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("enable_heater", "not_connected")))
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	m := NewMetrics(nil)
	assert.Nil(t, m)
	assert.NotPanics(t, func() {
		m.chunk(3)
		m.line("json")
		m.setConnected(true)
		m.disconnect("lost")
	})
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "unknown", Status(9).String())
}

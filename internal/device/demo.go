package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/afterburner/internal/link"
)

// DemoPortName is the pseudo port path used in demo mode.
const DemoPortName = "demo"

var errDemoClosed = errors.New("demo port closed")

// DemoOpener opens a simulated controller. It behaves like the firmware: a
// boot banner, periodic telemetry lines and a heater that follows the
// commanded setpoint.
type DemoOpener struct {
	Interval time.Duration // telemetry period, default 100ms
	Seed     int64         // noise seed, 0 uses the clock
}

func (o DemoOpener) Open(ctx context.Context, path string) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	interval := o.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	seed := o.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return newDemoPort(interval, seed), nil
}

// demoPort simulates a heater with first-order thermal losses and a
// proportional duty cycle.
type demoPort struct {
	mu        sync.Mutex
	rng       *rand.Rand
	dt        float64 // seconds per tick
	t         float64 // virtual time accumulator
	temp      float64
	target    float64
	heater    bool
	duty      int
	out       []byte // pending output
	cmdBuf    []byte // partial inbound command
	ticker    *time.Ticker
	closed    chan struct{}
	closeOnce sync.Once
}

const (
	demoAmbient   = 22.0
	demoSupplyMV  = 12000
	demoMaxLoadMA = 4500
)

func newDemoPort(interval time.Duration, seed int64) *demoPort {
	p := &demoPort{
		rng:    rand.New(rand.NewSource(seed)),
		dt:     interval.Seconds(),
		temp:   demoAmbient,
		ticker: time.NewTicker(interval),
		closed: make(chan struct{}),
	}
	p.out = append(p.out, "Afterburner firmware ready\r\n"...)
	return p
}

// Read blocks until the next telemetry tick or Close.
func (p *demoPort) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.out) > 0 {
			n := copy(b, p.out)
			p.out = p.out[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.closed:
			return 0, errDemoClosed
		case <-p.ticker.C:
			p.mu.Lock()
			p.step()
			p.mu.Unlock()
		}
	}
}

// Write accepts newline-delimited JSON commands. Partial lines are held until
// their newline arrives.
func (p *demoPort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errDemoClosed
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cmdBuf = append(p.cmdBuf, b...)
	for {
		i := bytes.IndexByte(p.cmdBuf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(p.cmdBuf[:i])
		p.cmdBuf = p.cmdBuf[i+1:]
		if len(line) > 0 {
			p.apply(line)
		}
	}
	return len(b), nil
}

func (p *demoPort) Close() error {
	p.closeOnce.Do(func() {
		p.ticker.Stop()
		close(p.closed)
	})
	return nil
}

func (p *demoPort) apply(line []byte) {
	var req struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		p.emitf(`{"type":"error","message":"bad command"}`)
		return
	}
	cmd, err := link.ParseCommand(req.Type, req.Value)
	if err != nil {
		p.emitf(`{"type":"error","message":"unknown command"}`)
		return
	}
	switch cmd.Type {
	case link.CmdSetTargetTemperature:
		p.target = cmd.Value.(float64)
	case link.CmdEnableHeater:
		p.heater = cmd.Value.(bool)
	}
	p.emitPid()
}

func (p *demoPort) step() {
	p.t += p.dt

	if p.heater && p.target > p.temp {
		p.duty = int(math.Min(100, (p.target-p.temp)*8))
	} else {
		p.duty = 0
	}

	// Heating from duty, losses proportional to the ambient delta.
	p.temp += (float64(p.duty)*0.6 - (p.temp-demoAmbient)*0.05) * p.dt
	reading := p.temp + p.rng.NormFloat64()*0.15

	voltage := demoSupplyMV - p.duty*4 + p.rng.Intn(20)
	current := p.duty * demoMaxLoadMA / 100
	power := voltage * current / 1000

	load := 250 + 40*math.Sin(p.t*0.7) + p.rng.Float64()*3

	p.emitf(`{"voltage_mv":%d,"current_ma":%d,"power_mw":%d}`, voltage, current, power)
	p.emitf(`{"temperature":%.2f}`, reading)
	p.emitf(`{"loadcell":%.1f}`, load)
	p.emitPid()
}

func (p *demoPort) emitPid() {
	p.emitf(`{"type":"pid_status","target_temperature":%g,"heater_enabled":%t,"pwm_duty":%d}`,
		p.target, p.heater, p.duty)
}

func (p *demoPort) emitf(format string, args ...any) {
	p.out = fmt.Appendf(p.out, format, args...)
	p.out = append(p.out, '\r', '\n')
}

// Package telemetry holds the typed state published from the controller link.
//
// Each sink reflects the most recent message that matched it and is updated
// independently of the others. Readers take deep-copied snapshots or subscribe
// to change notifications; only the dispatch path writes.
package telemetry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shaunagostinho/afterburner/internal/link"
)

// PowerMeter is the latest INA226 reading.
type PowerMeter struct {
	VoltageMV int `json:"voltage_mv"`
	CurrentMA int `json:"current_ma"`
	PowerMW   int `json:"power_mw"`
}

// Temperature is the latest RTD temperature in °C.
type Temperature struct {
	Temperature float64 `json:"temperature"`
}

// LoadCell is the latest raw load-cell reading.
type LoadCell struct {
	LoadCell float64 `json:"loadcell"`
}

// PidStatus is the latest heater regulator report.
type PidStatus struct {
	Type              string  `json:"type"`
	TargetTemperature float64 `json:"target_temperature"`
	HeaterEnabled     bool    `json:"heater_enabled"`
	PwmDuty           int     `json:"pwm_duty"`
}

// Connection reflects the link state.
type Connection struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port,omitempty"`
}

// Controller is one heater channel from the legacy combined frame.
type Controller struct {
	Sensor  float64 `json:"sensor"`
	Heater  float64 `json:"heater"`
	Enabled bool    `json:"enabled"`
}

// Diagnostic keeps the last line seen and the last JSON document decoded.
type Diagnostic struct {
	Latest     string          `json:"latest"`
	LatestJSON json.RawMessage `json:"latest_json,omitempty"`
}

// Snapshot is a point-in-time copy of every sink.
type Snapshot struct {
	Version     uint64       `json:"version"` // increments on every change
	Power       PowerMeter   `json:"power"`
	Temperature Temperature  `json:"temperature"`
	LoadCell    LoadCell     `json:"loadcell"`
	Pid         PidStatus    `json:"pid"`
	Connection  Connection   `json:"connection"`
	Diagnostic  Diagnostic   `json:"diagnostic"`
	Controllers []Controller `json:"controllers,omitempty"`
	Force       bool         `json:"force,omitempty"`
	Updated     time.Time    `json:"updated"`
}

// State is the sink registry.
type State struct {
	mu   sync.RWMutex
	snap Snapshot

	subsMu    sync.Mutex
	subs      map[chan Snapshot]struct{}
	published uint64 // highest Version handed to subscribers

	now func() time.Time
}

// New creates an empty State.
func New() *State {
	return &State{
		subs: make(map[chan Snapshot]struct{}),
		now:  time.Now,
	}
}

// Apply mutates the sink implied by ev and nothing else. Error events are
// side effects only and leave state untouched.
func (s *State) Apply(ev link.Event) {
	s.mu.Lock()
	if !s.applyLocked(ev) {
		s.mu.Unlock()
		return
	}
	s.touchLocked()
	snap := s.copyLocked()
	s.mu.Unlock()

	s.publish(snap)
}

// Dispatch records msg in the diagnostic snapshot and applies its events in
// one critical section, so readers never see the diagnostic ahead of the sinks.
func (s *State) Dispatch(msg link.Message) {
	s.mu.Lock()
	s.snap.Diagnostic.Latest = msg.Line
	if msg.Kind == link.KindJSON {
		s.snap.Diagnostic.LatestJSON = append(json.RawMessage(nil), msg.JSON...)
	}
	for _, ev := range msg.Events {
		s.applyLocked(ev)
	}
	s.touchLocked()
	snap := s.copyLocked()
	s.mu.Unlock()

	s.publish(snap)
}

// SetConnected updates the connection sink.
func (s *State) SetConnected(connected bool, port string) {
	s.mu.Lock()
	if !connected {
		port = ""
	}
	s.snap.Connection = Connection{Connected: connected, Port: port}
	s.touchLocked()
	snap := s.copyLocked()
	s.mu.Unlock()

	s.publish(snap)
}

// Snapshot returns a deep copy of all sinks.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Subscribe returns a channel that receives the newest snapshot after each
// change. Delivery is latest-value-wins: a slow reader skips intermediate
// snapshots but never blocks the dispatch path. Call cancel to unsubscribe.
func (s *State) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, ch)
			s.subsMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *State) applyLocked(ev link.Event) bool {
	switch e := ev.(type) {
	case link.PowerMeterEvent:
		s.snap.Power = PowerMeter{VoltageMV: e.VoltageMV, CurrentMA: e.CurrentMA, PowerMW: e.PowerMW}
	case link.TemperatureEvent:
		s.snap.Temperature = Temperature{Temperature: e.Temperature}
	case link.LoadCellEvent:
		s.snap.LoadCell = LoadCell{LoadCell: e.LoadCell}
	case link.PidStatusEvent:
		s.snap.Pid = PidStatus{
			Type:              e.Type,
			TargetTemperature: e.TargetTemperature,
			HeaterEnabled:     e.HeaterEnabled,
			PwmDuty:           e.PwmDuty,
		}
	case link.ControllerEvent:
		if e.Index < 0 {
			return false
		}
		for len(s.snap.Controllers) <= e.Index {
			s.snap.Controllers = append(s.snap.Controllers, Controller{})
		}
		s.snap.Controllers[e.Index] = Controller{Sensor: e.Sensor, Heater: e.Heater, Enabled: e.Enabled}
		s.snap.Force = e.Force
	default:
		// ErrorEvent and anything unknown: no sink.
		return false
	}
	return true
}

func (s *State) touchLocked() {
	s.snap.Version++
	s.snap.Updated = s.now()
}

func (s *State) copyLocked() Snapshot {
	c := s.snap
	if s.snap.Diagnostic.LatestJSON != nil {
		c.Diagnostic.LatestJSON = append(json.RawMessage(nil), s.snap.Diagnostic.LatestJSON...)
	}
	if s.snap.Controllers != nil {
		c.Controllers = append([]Controller(nil), s.snap.Controllers...)
	}
	return c
}

func (s *State) publish(snap Snapshot) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if snap.Version <= s.published {
		return
	}
	s.published = snap.Version

	for ch := range s.subs {
		// Replace any undelivered snapshot with the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

package link

// Event is one decoded payload carried by a line. The set is closed: only the
// types in this file implement it.
type Event interface {
	// Name is a stable short identifier, used for logging and metric labels.
	Name() string
	event()
}

// ErrorEvent is a controller-reported fault ({"type":"error"}). It is a side
// effect only and never mutates telemetry.
type ErrorEvent struct {
	Message string
}

// PowerMeterEvent carries an INA226 reading.
type PowerMeterEvent struct {
	VoltageMV int
	CurrentMA int
	PowerMW   int
}

// TemperatureEvent carries the RTD temperature in °C.
type TemperatureEvent struct {
	Temperature float64
}

// LoadCellEvent carries the raw HX717 load-cell reading.
type LoadCellEvent struct {
	LoadCell float64
}

// PidStatusEvent carries the heater regulator status ({"type":"pid_status"}).
type PidStatusEvent struct {
	Type              string
	TargetTemperature float64
	HeaterEnabled     bool
	PwmDuty           int
}

// ControllerEvent is one channel of the legacy combined frame
// ({"sensors":[...],"heaters":[...],"enable":[...],"force":...}).
type ControllerEvent struct {
	Index   int
	Sensor  float64 // sensors[i], measured temperature
	Heater  float64 // heaters[i], value reported for the heater channel
	Enabled bool    // enable[i]
	Force   bool    // frame-wide force flag
}

func (ErrorEvent) Name() string       { return "error" }
func (PowerMeterEvent) Name() string  { return "power_meter" }
func (TemperatureEvent) Name() string { return "temperature" }
func (LoadCellEvent) Name() string    { return "loadcell" }
func (PidStatusEvent) Name() string   { return "pid_status" }
func (ControllerEvent) Name() string  { return "controller" }

func (ErrorEvent) event()       {}
func (PowerMeterEvent) event()  {}
func (TemperatureEvent) event() {}
func (LoadCellEvent) event()    {}
func (PidStatusEvent) event()   {}
func (ControllerEvent) event()  {}

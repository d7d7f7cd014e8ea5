package link

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Kind is the outcome of classifying one line.
type Kind int

const (
	// KindJSON is a line that decoded as a JSON document.
	KindJSON Kind = iota
	// KindNonJSON is free-form controller output (boot banners, debug prints).
	KindNonJSON
	// KindMalformed is a line that starts like JSON but does not decode.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindNonJSON:
		return "non_json"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DefaultErrorMessage is used when an error frame carries no usable message.
const DefaultErrorMessage = "Unknown error"

const (
	tagError     = "error"
	tagPidStatus = "pid_status"
)

// Message is the classified form of one line.
type Message struct {
	Line   string          // line as framed
	Kind   Kind            // classification outcome
	JSON   json.RawMessage // compacted document, set for KindJSON only
	Err    error           // decode failure or per-field type errors
	Events []Event         // zero or more payloads, in predicate order
}

// Classifier turns lines into Messages.
//
// Predicates are independent: a single object may carry several payloads
// (e.g. temperature and loadcell in one frame) and yields one event for each.
type Classifier struct {
	// Legacy enables decoding of the combined sensors/heaters/enable frame
	// sent by early firmware revisions.
	Legacy bool
}

// Classify never fails; problems are reported through Kind and Err so a bad
// line cannot stall the stream.
func (c Classifier) Classify(line string) Message {
	msg := Message{Line: line}

	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		msg.Kind = KindNonJSON
		return msg
	}

	data := []byte(trimmed)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		// Syntax is validated before decoding, so a type error means the
		// document is well-formed but not an object.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			msg.Kind = KindMalformed
			msg.Err = fmt.Errorf("%w: %v", ErrMalformedJSON, err)
			return msg
		}
		fields = nil
	}

	msg.Kind = KindJSON
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err == nil {
		msg.JSON = compact.Bytes()
	}

	events, err := c.decode(fields)
	msg.Events = events
	msg.Err = err
	return msg
}

func (c Classifier) decode(fields map[string]json.RawMessage) ([]Event, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	var (
		events []Event
		errs   []error
	)

	// A non-string tag simply matches no tagged predicate.
	tag, _ := decodeField[string](fields, "type")

	if tag == tagError {
		events = append(events, ErrorEvent{Message: errorMessage(fields)})
	}

	if has(fields, "voltage_mv") {
		v, errV := decodeRounded(fields, "voltage_mv")
		i, errI := decodeRounded(fields, "current_ma")
		p, errP := decodeRounded(fields, "power_mw")
		if err := errors.Join(errV, errI, errP); err != nil {
			errs = append(errs, fmt.Errorf("power meter: %w", err))
		} else {
			events = append(events, PowerMeterEvent{
				VoltageMV: v,
				CurrentMA: i,
				PowerMW:   p,
			})
		}
	}

	if has(fields, "temperature") {
		t, err := decodeField[float64](fields, "temperature")
		if err != nil {
			errs = append(errs, fmt.Errorf("temperature: %w", err))
		} else {
			events = append(events, TemperatureEvent{Temperature: t})
		}
	}

	if has(fields, "loadcell") {
		l, err := decodeField[float64](fields, "loadcell")
		if err != nil {
			errs = append(errs, fmt.Errorf("loadcell: %w", err))
		} else {
			events = append(events, LoadCellEvent{LoadCell: l})
		}
	}

	if tag == tagPidStatus {
		target, errT := decodeField[float64](fields, "target_temperature")
		enabled, errE := decodeField[bool](fields, "heater_enabled")
		duty, errD := decodeRounded(fields, "pwm_duty")
		if err := errors.Join(errT, errE, errD); err != nil {
			errs = append(errs, fmt.Errorf("pid status: %w", err))
		} else {
			events = append(events, PidStatusEvent{
				Type:              tag,
				TargetTemperature: target,
				HeaterEnabled:     enabled,
				PwmDuty:           duty,
			})
		}
	}

	if c.Legacy && has(fields, "sensors") {
		evs, err := decodeLegacy(fields)
		if err != nil {
			errs = append(errs, fmt.Errorf("legacy frame: %w", err))
		} else {
			events = append(events, evs...)
		}
	}

	return events, errors.Join(errs...)
}

func decodeLegacy(fields map[string]json.RawMessage) ([]Event, error) {
	sensors, errS := decodeField[[]float64](fields, "sensors")
	heaters, errH := decodeField[[]float64](fields, "heaters")
	enable, errE := decodeField[[]bool](fields, "enable")
	force, errF := decodeField[bool](fields, "force")
	if err := errors.Join(errS, errH, errE, errF); err != nil {
		return nil, err
	}

	n := max(len(sensors), len(heaters), len(enable))
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := ControllerEvent{Index: i, Force: force}
		if i < len(sensors) {
			ev.Sensor = sensors[i]
		}
		if i < len(heaters) {
			ev.Heater = heaters[i]
		}
		if i < len(enable) {
			ev.Enabled = enable[i]
		}
		events = append(events, ev)
	}
	return events, nil
}

func errorMessage(fields map[string]json.RawMessage) string {
	m, err := decodeField[string](fields, "message")
	if err != nil || m == "" {
		return DefaultErrorMessage
	}
	return m
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

// decodeField decodes fields[key] into T. A missing key or a JSON null yields
// the zero value.
func decodeField[T any](fields map[string]json.RawMessage, key string) (T, error) {
	var v T
	raw, ok := fields[key]
	if !ok {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrFieldType, key, err)
	}
	return v, nil
}

// decodeRounded reads a JSON number and rounds it to the nearest int. Values
// that do not fit an int are rejected like any other type mismatch.
func decodeRounded(fields map[string]json.RawMessage, key string) (int, error) {
	v, err := decodeField[float64](fields, key)
	if err != nil {
		return 0, err
	}
	r := math.Round(v)
	if r < math.MinInt || r >= math.MaxInt {
		return 0, fmt.Errorf("%w: %s: %v out of range", ErrFieldType, key, v)
	}
	return int(r), nil
}

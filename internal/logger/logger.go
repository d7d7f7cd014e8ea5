package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/afterburner/internal/telemetry"
)

// Logger records timestamped telemetry snapshots to CSV files with automatic
// rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      logrus.FieldLogger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // ~2.7 hrs at 10 Hz
)

var csvHeader = []string{
	"timestamp", "connected", "port",
	"voltage_mv", "current_ma", "power_mw",
	"temperature_c", "loadcell",
	"target_c", "heater_enabled", "pwm_duty",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/afterburner"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      logrus.WithField("component", "logger"),
	}
}

// SetEnabled toggles recording at runtime. Disabling closes the current file.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes snap if the minimum interval has elapsed since the last row.
func (l *Logger) Record(snap telemetry.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			l.log.WithError(err).Error("rotate failed")
			return
		}
	}

	if err := l.writer.Write(buildRow(now, snap)); err != nil {
		l.log.WithError(err).Error("write failed")
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("afterburner_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.WithField("path", path).Info("opened log file")
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, s telemetry.Snapshot) []string {
	return []string{
		ts.Format(time.RFC3339Nano),
		boolStr(s.Connection.Connected),
		s.Connection.Port,
		strconv.Itoa(s.Power.VoltageMV),
		strconv.Itoa(s.Power.CurrentMA),
		strconv.Itoa(s.Power.PowerMW),
		fmt.Sprintf("%.2f", s.Temperature.Temperature),
		fmt.Sprintf("%.1f", s.LoadCell.LoadCell),
		fmt.Sprintf("%.1f", s.Pid.TargetTemperature),
		boolStr(s.Pid.HeaterEnabled),
		strconv.Itoa(s.Pid.PwmDuty),
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/afterburner/config.yaml"

var configLog = logrus.WithField("component", "config")

// Config holds all Afterburner configuration. Read it through Current; the
// sections may be replaced at runtime by UpdateFromJSON.
type Config struct {
	mu sync.RWMutex

	Settings `yaml:",inline"`

	path string // file path for save/load
}

// Settings is the serialisable part of Config.
type Settings struct {
	Device  DeviceConfig  `yaml:"device" json:"device"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	MQTT    MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Notify  NotifyConfig  `yaml:"notify" json:"notify"`
}

type DeviceConfig struct {
	Type           string `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath       string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyACM0
	BaudRate       int    `yaml:"baud_rate" json:"baudRate"`
	AutoConnect    bool   `yaml:"auto_connect" json:"autoConnect"`
	MaxLineBytes   int    `yaml:"max_line_bytes" json:"maxLineBytes"`
	LatchDelayMs   int    `yaml:"latch_delay_ms" json:"latchDelayMs"` // setpoint -> heater enable
	Legacy         bool   `yaml:"legacy" json:"legacy"`               // decode the old combined frame
	DemoIntervalMs int    `yaml:"demo_interval_ms" json:"demoIntervalMs"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastHz int    `yaml:"broadcast_hz" json:"broadcastHz"`
	Metrics     bool   `yaml:"metrics" json:"metrics"` // expose /metrics
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"` // logrus level
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between CSV rows
}

type MQTTConfig struct {
	Enabled   bool    `yaml:"enabled" json:"enabled"`
	Broker    string  `yaml:"broker" json:"broker"` // tcp://host:1883
	ClientID  string  `yaml:"client_id" json:"clientId"`
	Username  string  `yaml:"username" json:"username"`
	Password  string  `yaml:"password" json:"-"`
	Prefix    string  `yaml:"prefix" json:"prefix"`
	QoS       byte    `yaml:"qos" json:"qos"`
	PublishHz float64 `yaml:"publish_hz" json:"publishHz"`
}

type NotifyConfig struct {
	Title     string `yaml:"title" json:"title"`
	Websocket bool   `yaml:"websocket" json:"websocket"` // push notices to browsers
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{
			Device: DeviceConfig{
				Type:           "serial",
				PortPath:       "/dev/ttyACM0",
				BaudRate:       115200,
				AutoConnect:    false,
				MaxLineBytes:   64 * 1024,
				LatchDelayMs:   100,
				DemoIntervalMs: 100,
			},
			Server: ServerConfig{
				ListenAddr:  ":8080",
				BroadcastHz: 20,
				Metrics:     true,
			},
			Logging: LoggingConfig{
				Level:    "info",
				Enabled:  false,
				Path:     "/var/log/afterburner",
				Interval: 100,
			},
			MQTT: MQTTConfig{
				Enabled:   false,
				Broker:    "tcp://localhost:1883",
				ClientID:  "afterburner",
				Prefix:    "afterburner",
				QoS:       0,
				PublishHz: 2,
			},
			Notify: NotifyConfig{
				Title:     "Afterburner",
				Websocket: true,
			},
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path
	log := configLog.WithField("path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.WithError(err).Warn("error parsing config, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded config")
	}

	// .env next to the config, then in the working directory
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	configLog.WithField("path", path).Info("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_TYPE, DEVICE_PORT, DEVICE_BAUD, DEVICE_AUTOCONNECT,
// LISTEN_ADDR, LOG_LEVEL, LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS,
// MQTT_ENABLED, MQTT_BROKER, MQTT_USERNAME, MQTT_PASSWORD, MQTT_PREFIX
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		c.Device.PortPath = v
	}
	if v := os.Getenv("DEVICE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.BaudRate = n
		}
	}
	if v := os.Getenv("DEVICE_AUTOCONNECT"); v != "" {
		c.Device.AutoConnect = truthy(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = truthy(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = truthy(v)
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PREFIX"); v != "" {
		c.MQTT.Prefix = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Current returns a copy of the settings.
func (c *Config) Current() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Settings
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return defaultConfigPath
	}
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	path := c.Path()

	c.mu.RLock()
	data, err := yaml.Marshal(c.Settings)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API. Secrets are omitted.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.Settings)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}

	// Decode into a copy so a type error leaves the config untouched. The
	// password is not part of the JSON view and is carried over.
	next := c.Settings
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	next.MQTT.Password = c.MQTT.Password
	c.Settings = next
	return nil
}

// liveKeys are the settings the running process picks up without a restart.
var liveKeys = map[string]bool{
	"logging.enabled":  true,
	"notify.websocket": true,
}

// RestartKeys returns the dotted paths of every setting in a partial JSON
// update that only takes effect on the next start, sorted.
func RestartKeys(data []byte) []string {
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil
	}
	var keys []string
	collectKeys(patch, "", func(k string) {
		if !liveKeys[k] {
			keys = append(keys, k)
		}
	})
	sort.Strings(keys)
	return keys
}

func collectKeys(m map[string]interface{}, prefix string, fn func(string)) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if sub, ok := v.(map[string]interface{}); ok {
			collectKeys(sub, k, fn)
			continue
		}
		fn(k)
	}
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

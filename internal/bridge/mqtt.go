// Package bridge mirrors telemetry to an MQTT broker and accepts heater
// commands from it.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/shaunagostinho/afterburner/internal/link"
	"github.com/shaunagostinho/afterburner/internal/telemetry"
)

const (
	tokenTimeout    = 5 * time.Second
	setpointTimeout = 5 * time.Second
)

// Client is the subset of mqtt.Client used by the bridge.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Commander is the part of device.Controller the bridge drives.
type Commander interface {
	Send(cmd link.Command) error
	SetTemperatureAndEnable(ctx context.Context, temperature float64) error
}

// Config holds broker settings.
type Config struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	Prefix    string
	QoS       byte
	PublishHz float64 // max state publications per second
}

// Bridge publishes each telemetry sink as a retained JSON message under
// Prefix and maps command topics onto the controller.
type Bridge struct {
	client  Client
	state   *telemetry.State
	dev     Commander
	prefix  string
	qos     byte
	limiter *rate.Limiter
	log     logrus.FieldLogger

	last map[string][]byte // last payload per topic, touched only by Run
}

// New creates a Bridge. A nil client builds a paho client from cfg that
// reconnects on its own and resubscribes on every connect.
func New(cfg Config, client Client, state *telemetry.State, dev Commander, log logrus.FieldLogger) *Bridge {
	if cfg.Prefix == "" {
		cfg.Prefix = "afterburner"
	}
	if cfg.PublishHz <= 0 {
		cfg.PublishHz = 2
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Bridge{
		client:  client,
		state:   state,
		dev:     dev,
		prefix:  strings.TrimSuffix(cfg.Prefix, "/"),
		qos:     cfg.QoS,
		limiter: rate.NewLimiter(rate.Limit(cfg.PublishHz), 1),
		log:     log.WithField("component", "mqtt"),
		last:    make(map[string][]byte),
	}
	if b.client == nil {
		b.client = mqtt.NewClient(b.clientOptions(cfg))
	}
	return b
}

func (b *Bridge) clientOptions(cfg Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "afterburner"
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(b.topic("status"), "offline", cfg.QoS, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) { b.onConnect(c) })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.WithError(err).Warn("lost connection to broker")
	})
	return opts
}

func (b *Bridge) topic(name string) string { return b.prefix + "/" + name }

// onConnect subscribes the command topics and announces availability.
func (b *Bridge) onConnect(c Client) {
	b.log.Info("connected to MQTT broker")

	subs := map[string]mqtt.MessageHandler{
		b.topic("cmd/target_temperature"): b.handleTargetTemperature,
		b.topic("cmd/heater"):             b.handleHeater,
		b.topic("cmd/setpoint"):           b.handleSetpoint,
	}
	for topic, handler := range subs {
		if token := c.Subscribe(topic, b.qos, handler); token.WaitTimeout(tokenTimeout) && token.Error() != nil {
			b.log.WithError(token.Error()).WithField("topic", topic).Error("subscribe failed")
		}
	}
	c.Publish(b.topic("status"), b.qos, true, "online")
}

// Run connects to the broker and publishes state changes until ctx is
// cancelled. Publications are throttled; a burst of changes collapses into
// the newest snapshot.
func (b *Bridge) Run(ctx context.Context) error {
	if token := b.client.Connect(); token.WaitTimeout(tokenTimeout) && token.Error() != nil {
		b.log.WithError(token.Error()).Warn("could not connect to MQTT initially, will retry in background")
	}

	updates, cancel := b.state.Subscribe()
	defer cancel()

	b.publish(b.state.Snapshot())

	for {
		select {
		case <-ctx.Done():
			b.client.Publish(b.topic("status"), b.qos, true, "offline").WaitTimeout(time.Second)
			b.client.Disconnect(250)
			return nil
		case snap := <-updates:
			if err := b.limiter.Wait(ctx); err != nil {
				continue // ctx cancelled, handled above
			}
			// Take whatever arrived while throttled.
			select {
			case newer := <-updates:
				snap = newer
			default:
			}
			b.publish(snap)
		}
	}
}

func (b *Bridge) publish(snap telemetry.Snapshot) {
	sinks := []struct {
		name  string
		value any
	}{
		{"power", snap.Power},
		{"temperature", snap.Temperature},
		{"loadcell", snap.LoadCell},
		{"pid", snap.Pid},
		{"connection", snap.Connection},
	}
	for _, s := range sinks {
		payload, err := json.Marshal(s.value)
		if err != nil {
			b.log.WithError(err).WithField("sink", s.name).Error("marshal failed")
			continue
		}
		topic := b.topic(s.name)
		if bytes.Equal(b.last[topic], payload) {
			continue
		}
		token := b.client.Publish(topic, b.qos, true, payload)
		if token.WaitTimeout(tokenTimeout) && token.Error() != nil {
			b.log.WithError(token.Error()).WithField("topic", topic).Warn("publish failed")
			continue
		}
		b.last[topic] = payload
		b.log.WithField("topic", topic).Debugf("MQTT PUB %s", payload)
	}
}

func (b *Bridge) handleTargetTemperature(_ mqtt.Client, msg mqtt.Message) {
	v, err := parseFloat(msg.Payload())
	if err != nil {
		b.log.WithError(err).WithField("topic", msg.Topic()).Warn("invalid temperature")
		return
	}
	b.log.WithField("value", v).Info("set target temperature from MQTT")
	if err := b.dev.Send(link.SetTargetTemperature(v)); err != nil {
		b.log.WithError(err).Error("command failed")
	}
}

func (b *Bridge) handleHeater(_ mqtt.Client, msg mqtt.Message) {
	on, err := parseSwitch(msg.Payload())
	if err != nil {
		b.log.WithError(err).WithField("topic", msg.Topic()).Warn("invalid heater state")
		return
	}
	b.log.WithField("on", on).Info("switch heater from MQTT")
	if err := b.dev.Send(link.EnableHeater(on)); err != nil {
		b.log.WithError(err).Error("command failed")
	}
}

func (b *Bridge) handleSetpoint(_ mqtt.Client, msg mqtt.Message) {
	v, err := parseFloat(msg.Payload())
	if err != nil {
		b.log.WithError(err).WithField("topic", msg.Topic()).Warn("invalid setpoint")
		return
	}
	b.log.WithField("value", v).Info("setpoint from MQTT")
	ctx, cancel := context.WithTimeout(context.Background(), setpointTimeout)
	defer cancel()
	if err := b.dev.SetTemperatureAndEnable(ctx, v); err != nil {
		b.log.WithError(err).Error("setpoint failed")
	}
}

func parseFloat(payload []byte) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
}

func parseSwitch(payload []byte) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "1", "true", "on":
		return true, nil
	case "0", "false", "off":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognised switch value %q", payload)
	}
}

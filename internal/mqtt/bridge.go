//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"viessmann-go-home/internal/controller"
	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/schedule"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Controller is the part of the polling engine the bridge drives.
type Controller interface {
	Events() *controller.EventBus
	Context() context.Context
	Model() *datapoint.Model
	Items() []controller.ItemStatus
	OperatingModes() []string
	Write(ctx context.Context, name string, value any) (controller.WriteResult, error)
	WriteTimers(ctx context.Context, app string, events []schedule.Event) (schedule.Document, error)
	TimerApplications() []string
	ResetBlacklist()
}

// Bridge publishes datapoint values to MQTT, accepts writes on
// <prefix>/<datapoint>/set and announces the items to Home Assistant.
type Bridge struct {
	client pahomqtt.Client
	ctrl   Controller
	prefix string
	logger *slog.Logger
	unsub  func()

	// send publishes one message; replaced in tests.
	send func(topic string, payload []byte, retained bool)
}

func newBridge(ctrl Controller, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		ctrl:   ctrl,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, cfg.TopicPrefix, logger)
	b.send = b.publishMQTT

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("viessmann-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event controller.Event) {
	switch data := event.Data.(type) {
	case controller.ValueUpdate:
		b.publish(b.prefix+"/"+topicName(data.Datapoint), formatPayload(data.Value), true)
	case controller.TimerUpdate:
		b.publish(b.prefix+"/timers/"+topicName(data.Application), mustJSON(data.Document), true)
	case controller.BlacklistChange:
		if data.Blacklisted {
			for _, msg := range buildRemoveDiscovery(b.ctrl.Model(), data.Datapoint) {
				b.publish(msg.Topic, msg.Payload, true)
			}
		} else {
			b.publishDiscovery()
		}
		b.publishBlacklist()
	case string:
		if event.Type == controller.EventLinkState {
			b.publish(b.prefix+"/bridge/link", []byte(data), true)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishBlacklist() {
	var names []string
	for _, it := range b.ctrl.Items() {
		if it.Blacklisted {
			names = append(names, it.Datapoint)
		}
	}
	if names == nil {
		names = []string{}
	}
	b.publish(b.prefix+"/bridge/blacklist", mustJSON(names), true)
}

func (b *Bridge) publishDiscovery() {
	msgs := buildDiscovery(b.ctrl.Model(), b.ctrl.Items(), b.ctrl.OperatingModes(), b.prefix)
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "model", b.ctrl.Model().Name, "entities", len(msgs))
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.prefix+"/+/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	b.client.Subscribe(b.prefix+"/timers/+/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleTimerCommand(msg.Topic(), msg.Payload())
	})
	b.client.Subscribe(b.prefix+"/bridge/blacklist/reset", 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		b.ctrl.ResetBlacklist()
	})
}

// commandTarget maps "<prefix>/<topic name>/set" back to a writable
// datapoint.
func (b *Bridge) commandTarget(topic string) (*datapoint.Descriptor, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(topic, b.prefix+"/"), "/set")
	for _, d := range b.ctrl.Model().Datapoints() {
		if d.Writable && topicName(d.Name) == name {
			return d, true
		}
	}
	return nil, false
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	d, ok := b.commandTarget(topic)
	if !ok {
		b.logger.Warn("command for unknown or read-only datapoint", "topic", topic)
		return
	}
	value := parsePayload(payload)
	ctx, cancel := context.WithTimeout(b.ctrl.Context(), 30*time.Second)
	defer cancel()
	if _, err := b.ctrl.Write(ctx, d.Name, value); err != nil {
		b.logger.Warn("write command failed", "datapoint", d.Name, "value", value, "err", err)
	}
}

func (b *Bridge) handleTimerCommand(topic string, payload []byte) {
	name := strings.TrimSuffix(strings.TrimPrefix(topic, b.prefix+"/timers/"), "/set")
	var app string
	for _, a := range b.ctrl.TimerApplications() {
		if topicName(a) == name {
			app = a
			break
		}
	}
	if app == "" {
		b.logger.Warn("command for unknown timer application", "topic", topic)
		return
	}
	events, err := parseEvents(payload)
	if err != nil {
		b.logger.Warn("invalid timer JSON", "application", app, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctrl.Context(), 30*time.Second)
	defer cancel()
	if _, err := b.ctrl.WriteTimers(ctx, app, events); err != nil {
		b.logger.Warn("timer command failed", "application", app, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.send != nil {
		b.send(topic, payload, retained)
	}
}

func (b *Bridge) publishMQTT(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// topicName lowercases a datapoint name and keeps only safe topic chars.
func topicName(name string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(name))
}

// formatPayload renders scalars as plain text and everything else as JSON.
func formatPayload(v any) []byte {
	switch x := v.(type) {
	case string:
		return []byte(x)
	case bool:
		if x {
			return []byte("ON")
		}
		return []byte("OFF")
	case int64:
		return []byte(strconv.FormatInt(x, 10))
	case float64:
		return []byte(strconv.FormatFloat(x, 'f', -1, 64))
	}
	return mustJSON(v)
}

// parsePayload accepts JSON values and falls back to the raw text, so
// both 21.5 and Normalbetrieb are valid commands.
func parsePayload(p []byte) any {
	s := strings.TrimSpace(string(p))
	var v any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil && !dec.More() {
		return v
	}
	return s
}

// parseEvents accepts a UZSU document or a bare event list.
func parseEvents(p []byte) ([]schedule.Event, error) {
	var doc schedule.Document
	if err := json.Unmarshal(p, &doc); err == nil {
		return doc.List, nil
	}
	var events []schedule.Event
	if err := json.Unmarshal(p, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

//go:build !no_mqtt

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	mqttbridge "viessmann-go-home/internal/mqtt"

	"viessmann-go-home/internal/controller"
)

// mqttPasswordEnv overrides mqtt.password so the secret can stay out of
// the config file.
const mqttPasswordEnv = "VIESSMANN_MQTT_PASSWORD"

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// mqttConfig maps the mqtt section onto the bridge. The topic prefix loses
// surrounding slashes and may not contain wildcards, since the bridge
// subscribes to <prefix>/+/set.
func mqttConfig(cfg *Config) (mqttbridge.Config, error) {
	prefix := strings.Trim(strings.TrimSpace(cfg.MQTT.TopicPrefix), "/")
	if prefix == "" {
		return mqttbridge.Config{}, fmt.Errorf("mqtt.topic_prefix is empty")
	}
	if strings.ContainsAny(prefix, "+#") {
		return mqttbridge.Config{}, fmt.Errorf("mqtt.topic_prefix %q contains a wildcard", prefix)
	}
	password := cfg.MQTT.Password
	if env := os.Getenv(mqttPasswordEnv); env != "" {
		password = env
	}
	return mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    password,
		TopicPrefix: prefix,
	}, nil
}

func initMQTT(ctrl *controller.Controller, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bcfg, err := mqttConfig(cfg)
	if err != nil {
		logger.Error("mqtt config", "err", err)
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(ctrl, bcfg, logger)
	if err != nil {
		logger.Error("mqtt bridge", "broker", bcfg.Broker, "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}

//go:build no_mqtt

package main

import (
	"log/slog"

	"viessmann-go-home/internal/controller"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *controller.Controller, cfg *Config, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt.enabled is set but this binary was built with no_mqtt")
	}
	return &mqttStopper{}
}

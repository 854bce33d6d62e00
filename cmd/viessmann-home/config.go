package main

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"viessmann-go-home/internal/controller"
	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
)

type Config struct {
	Viessmann struct {
		Model          string  `yaml:"model"`
		Port           string  `yaml:"port"`
		Protocol       string  `yaml:"protocol"`
		TimeoutSeconds float64 `yaml:"timeout_seconds"`
		ModelsDir      string  `yaml:"models_dir"`
	} `yaml:"viessmann"`
	Items  []controller.ItemSpec `yaml:"items"`
	Timers []string              `yaml:"timers"`
	Web    struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Store struct {
		Path string `yaml:"path"` // empty disables the write journal
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	v := c.Viessmann
	if v.Model == "" {
		return fmt.Errorf("viessmann.model is required")
	}
	if models := datapoint.Available(v.ModelsDir); !slices.Contains(models, v.Model) {
		return fmt.Errorf("viessmann.model %q unknown (available: %s)", v.Model, strings.Join(models, ", "))
	}
	if v.Port == "" {
		return fmt.Errorf("viessmann.port is required")
	}
	if v.Protocol != "" {
		if _, err := optolink.ParseDialect(v.Protocol); err != nil {
			return fmt.Errorf("viessmann.protocol: %w", err)
		}
	}
	if v.TimeoutSeconds < 0 {
		return fmt.Errorf("viessmann.timeout_seconds must not be negative")
	}
	for i, it := range c.Items {
		if it.Datapoint == "" {
			return fmt.Errorf("items[%d]: datapoint is required", i)
		}
		if it.Cycle < 0 || it.ReadAfterWrite < 0 || it.TriggerDelay < 0 {
			return fmt.Errorf("items[%d] %s: negative durations are not allowed", i, it.Datapoint)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "viessmann"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

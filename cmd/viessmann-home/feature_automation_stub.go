//go:build no_automation

package main

import (
	"log/slog"
	"path/filepath"

	"viessmann-go-home/internal/controller"
	"viessmann-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *controller.Controller, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	if scripts, _ := filepath.Glob(filepath.Join(cfg.ScriptsDir, "*.lua")); len(scripts) > 0 {
		logger.Warn("scripts ignored, binary built with no_automation", "dir", cfg.ScriptsDir, "scripts", len(scripts))
	}
	return &autoStopper{}, nil
}

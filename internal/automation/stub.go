//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"

	"viessmann-go-home/internal/controller"
)

// ErrNotFound is returned when no script file exists for an ID.
var ErrNotFound = errors.New("script not found")

var errDisabled = errors.New("automation disabled")

// Controller is the part of the heating controller that scripts can reach.
type Controller interface {
	Events() *controller.EventBus
	Context() context.Context
	Read(ctx context.Context, name string) (any, error)
	Write(ctx context.Context, name string, value any) (controller.WriteResult, error)
	LastValue(name string) (controller.Value, bool)
}

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager when automation is disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error)                     { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)                { return nil, ErrNotFound }
func (m *Manager) Save(_ *Script) (*Script, error)              { return nil, errDisabled }
func (m *Manager) SetEnabled(_ string, _ bool) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(_ string) error                        { return errDisabled }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ Controller, _ *Manager, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) Running(_ string) bool       { return false }
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}

// RunScript returns a stub result.
func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}

// RunLuaCode returns a stub result.
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}

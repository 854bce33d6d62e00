// Package controller is the polling engine and host API on top of an
// optolink session: it owns the registered items, polls them on their
// cycles, dispatches value updates and runs writes and timer programs.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
	"viessmann-go-home/internal/schedule"
	"viessmann-go-home/internal/store"
)

// Link is the line a controller talks through. *optolink.Session
// implements it.
type Link interface {
	Dialect() optolink.Dialect
	State() optolink.State
	Do(ctx context.Context, req optolink.Request) (optolink.Response, error)
	Bulk(ctx context.Context, reqs []optolink.Request) ([]optolink.Response, error)
	Close() error
}

// Journal records operator actions. store.Store implements it.
type Journal interface {
	Append(e *store.Entry) error
}

// Config selects the control unit and the line.
type Config struct {
	Model     string
	Port      string
	Protocol  string        // P300 or KW; empty uses the model default
	Timeout   time.Duration // per-byte read timeout; zero uses the dialect default
	ModelsDir string
	Opener    optolink.Opener // nil opens a real serial device
}

// Value is the last known reading of a datapoint.
type Value struct {
	Value any       `json:"value"`
	Time  time.Time `json:"time"`
}

// ErrUnknown is returned for datapoint or timer application names the
// model does not define.
var ErrUnknown = errors.New("unknown name")

// Option configures a Controller.
type Option func(*Controller)

// WithJournal records writes and blacklist changes in j.
func WithJournal(j Journal) Option {
	return func(c *Controller) { c.journal = j }
}

// WithTimerApplications reads the named timer applications during the
// initial pass.
func WithTimerApplications(names ...string) Option {
	return func(c *Controller) { c.timerApps = append(c.timerApps, names...) }
}

// WithEventBus shares an existing bus instead of creating one.
func WithEventBus(eb *EventBus) Option {
	return func(c *Controller) { c.events = eb }
}

// Controller is the polling engine for one control unit.
type Controller struct {
	link      Link
	model     *datapoint.Model
	events    *EventBus
	journal   Journal
	logger    *slog.Logger
	apps      map[string]*schedule.Application
	timerApps []string

	now   func() time.Time
	after func(time.Duration, func())
	sleep func(context.Context, time.Duration) error

	mu        sync.Mutex
	items     map[string]*Item
	values    map[string]Value
	timers    map[string]schedule.Document
	linkState optolink.State

	busy    atomic.Bool
	alive   atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// Open loads the model, creates the link session and returns a controller.
// The serial port is opened lazily on the first request.
func Open(cfg Config, logger *slog.Logger, opts ...Option) (*Controller, error) {
	model, err := datapoint.Load(cfg.Model, cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = model.Protocol
	}
	dialect, err := optolink.ParseDialect(protocol)
	if err != nil {
		return nil, err
	}
	session := optolink.NewSession(optolink.Config{
		Port:    cfg.Port,
		Dialect: dialect,
		Timeout: cfg.Timeout,
		Open:    cfg.Opener,
		Logger:  logger,
	})
	return New(session, model, logger, opts...), nil
}

// New creates a controller over an existing link.
func New(link Link, model *datapoint.Model, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		link:   link,
		model:  model,
		logger: logger.With("component", "controller", "model", model.Name),
		apps:   schedule.Applications(model),
		now:    time.Now,
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		sleep:  sleepContext,
		items:  make(map[string]*Item),
		values: make(map[string]Value),
		timers: make(map[string]schedule.Document),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = NewEventBus(c.logger)
	}
	c.alive.Store(true)
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Context returns the controller's context, which is cancelled on Close.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Events returns the controller's event bus.
func (c *Controller) Events() *EventBus { return c.events }

// Model returns the loaded model.
func (c *Controller) Model() *datapoint.Model { return c.model }

// Dialect reports the protocol spoken on the line.
func (c *Controller) Dialect() optolink.Dialect { return c.link.Dialect() }

// LinkState reports the session state.
func (c *Controller) LinkState() optolink.State { return c.link.State() }

// OperatingModes lists the tokens accepted by operating-mode datapoints.
func (c *Controller) OperatingModes() []string { return c.model.OperatingModes() }

// Start runs the initial pass and then the cyclic passes in the background
// until ctx is done or Close is called.
func (c *Controller) Start(ctx context.Context) error {
	if !c.alive.Load() {
		return errors.New("controller closed")
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("controller already started")
	}
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Close stops polling, waits for the running pass and closes the link.
func (c *Controller) Close() error {
	c.alive.Store(false)
	c.cancel()
	c.wg.Wait()
	return c.link.Close()
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	c.initialPass(ctx)

	timer := time.NewTimer(c.tick())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.poll(ctx)
			timer.Reset(c.tick())
		}
	}
}

// tick is half the shortest registered cycle, at least one second.
func (c *Controller) tick() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var shortest time.Duration
	for _, it := range c.items {
		if it.cycle > 0 && (shortest == 0 || it.cycle < shortest) {
			shortest = it.cycle
		}
	}
	if shortest == 0 {
		return idleTick
	}
	if t := shortest / 2; t > time.Second {
		return t
	}
	return time.Second
}

// OnValue registers cb for every value update. Returns an unsubscribe
// function.
func (c *Controller) OnValue(cb func(datapoint string, value any, t time.Time)) func() {
	return c.events.On(EventValue, func(e Event) {
		if u, ok := e.Data.(ValueUpdate); ok {
			cb(u.Datapoint, u.Value, u.Time)
		}
	})
}

// Values returns a copy of the last known values.
func (c *Controller) Values() map[string]Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Value, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// LastValue returns the last known value of a datapoint.
func (c *Controller) LastValue(name string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[name]
	return v, ok
}

func (c *Controller) setValue(name string, v any) {
	u := ValueUpdate{Datapoint: name, Value: v, Time: c.now()}
	c.mu.Lock()
	c.values[name] = Value{Value: v, Time: u.Time}
	c.mu.Unlock()
	c.events.Emit(Event{Type: EventValue, Data: u})
}

func (c *Controller) record(e *store.Entry) {
	if c.journal == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	if err := c.journal.Append(e); err != nil {
		c.logger.Warn("journal append failed", "kind", e.Kind, "err", err)
	}
}

// checkLinkState emits EventLinkState when the session state changed since
// the last check.
func (c *Controller) checkLinkState() {
	st := c.link.State()
	c.mu.Lock()
	changed := st != c.linkState
	c.linkState = st
	c.mu.Unlock()
	if changed {
		c.logger.Info("link state changed", "state", st.String())
		c.events.Emit(Event{Type: EventLinkState, Data: st.String()})
	}
}

func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

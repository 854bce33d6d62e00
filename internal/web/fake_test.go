package web

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"viessmann-go-home/internal/controller"
	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
	"viessmann-go-home/internal/schedule"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type writeCall struct {
	name  string
	value any
	delay time.Duration
}

// fakeController answers reads from a map and records writes.
type fakeController struct {
	events *controller.EventBus
	model  *datapoint.Model

	mu        sync.Mutex
	values    map[string]any
	errs      map[string]error
	items     []controller.ItemStatus
	blacklist []string
	resets    int
	updates   int
	writes    []writeCall
	timers    map[string]schedule.Document
	timerRead int
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	m, err := datapoint.Load("V200KO1B", "")
	if err != nil {
		t.Fatal(err)
	}
	return &fakeController{
		events: controller.NewEventBus(testLogger()),
		model:  m,
		values: map[string]any{"Aussentemperatur_TP": 7.5, "Aktuelle_Betriebsart_A1M1": "WW"},
		errs:   map[string]error{},
		items: []controller.ItemStatus{
			{Datapoint: "Aussentemperatur_TP", Address: "5525", Unit: "IS10", Cycle: 300},
			{Datapoint: "Neigung_Heizkennlinie_A1M1", Address: "27D3", Unit: "IU10", Writable: true, Errors: 2, Blacklisted: true},
		},
		blacklist: []string{"Neigung_Heizkennlinie_A1M1"},
		timers:    map[string]schedule.Document{},
	}
}

func (f *fakeController) Events() *controller.EventBus   { return f.events }
func (f *fakeController) Model() *datapoint.Model        { return f.model }
func (f *fakeController) Dialect() optolink.Dialect      { return optolink.P300 }
func (f *fakeController) LinkState() optolink.State      { return optolink.StateInitialized }
func (f *fakeController) OperatingModes() []string       { return []string{"ABSCHALT", "WW", "H+WW"} }
func (f *fakeController) Items() []controller.ItemStatus { return f.items }
func (f *fakeController) TimerApplications() []string    { return []string{"Timer_Warmwasser"} }

func (f *fakeController) Values() map[string]controller.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]controller.Value, len(f.values))
	for k, v := range f.values {
		out[k] = controller.Value{Value: v, Time: time.Unix(1700000000, 0).UTC()}
	}
	return out
}

func (f *fakeController) Blacklist() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklist
}

func (f *fakeController) ResetBlacklist() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blacklist = nil
	f.resets++
}

func (f *fakeController) UpdateAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return f.errs["*"]
}

func (f *fakeController) Read(_ context.Context, name string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	if _, ok := f.model.Datapoint(name); !ok {
		return nil, fmt.Errorf("read datapoint %q: %w", name, controller.ErrUnknown)
	}
	return f.values[name], nil
}

func (f *fakeController) ReadAddress(ctx context.Context, addr uint16) (string, any, error) {
	d, ok := f.model.ByAddress(addr)
	if !ok {
		return "", nil, fmt.Errorf("read address 0x%04X: %w", addr, controller.ErrUnknown)
	}
	v, err := f.Read(ctx, d.Name)
	return d.Name, v, err
}

func (f *fakeController) ReadRaw(_ context.Context, addr string, length int, unit string) (any, error) {
	if _, err := datapoint.ParseAddress(addr); err != nil {
		return nil, optolink.ValueError("raw read", "%v", err)
	}
	return fmt.Sprintf("%s/%d/%s", addr, length, unit), nil
}

func (f *fakeController) write(name string, value any, delay time.Duration) (controller.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[name]; ok {
		return controller.WriteResult{}, err
	}
	f.writes = append(f.writes, writeCall{name, value, delay})
	return controller.WriteResult{Datapoint: name, Value: value}, nil
}

func (f *fakeController) Write(_ context.Context, name string, value any) (controller.WriteResult, error) {
	return f.write(name, value, 0)
}

func (f *fakeController) WriteWithReadback(_ context.Context, name string, value any, delay time.Duration) (controller.WriteResult, error) {
	return f.write(name, value, delay)
}

func (f *fakeController) WriteAddress(_ context.Context, addr uint16, value any) (controller.WriteResult, error) {
	d, ok := f.model.ByAddress(addr)
	if !ok {
		return controller.WriteResult{}, fmt.Errorf("write address 0x%04X: %w", addr, controller.ErrUnknown)
	}
	return f.write(d.Name, value, 0)
}

func (f *fakeController) Timers(name string) (schedule.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.timers[name]
	return doc, ok
}

func (f *fakeController) ReadTimers(_ context.Context, name string) (schedule.Document, error) {
	if name != "Timer_Warmwasser" {
		return schedule.Document{}, fmt.Errorf("timer application %q: %w", name, controller.ErrUnknown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timerRead++
	doc := schedule.EmptyWeek().Document()
	f.timers[name] = doc
	return doc, nil
}

func (f *fakeController) WriteTimers(_ context.Context, name string, events []schedule.Event) (schedule.Document, error) {
	if name != "Timer_Warmwasser" {
		return schedule.Document{}, fmt.Errorf("timer application %q: %w", name, controller.ErrUnknown)
	}
	week, err := schedule.FromEvents(events)
	if err != nil {
		return schedule.Document{}, optolink.ValueError("write timers", "%v", err)
	}
	doc := week.Document()
	f.mu.Lock()
	f.timers[name] = doc
	f.mu.Unlock()
	return doc, nil
}

func (f *fakeController) Context() context.Context { return context.Background() }

func (f *fakeController) LastValue(name string) (controller.Value, bool) {
	v, ok := f.Values()[name]
	return v, ok
}

package controller

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"viessmann-go-home/internal/datapoint"
	"viessmann-go-home/internal/optolink"
	"viessmann-go-home/internal/store"
)

// fakeLink answers reads from replies and acknowledges every write.
type fakeLink struct {
	mu      sync.Mutex
	dialect optolink.Dialect
	state   optolink.State
	replies map[uint16][]byte
	errs    map[uint16]error
	reads   []uint16
	writes  []optolink.Request
	bulks   int
	closed  bool

	// entered receives once per Do when set; Do then waits for release.
	entered chan struct{}
	release chan struct{}
}

func newFakeLink(d optolink.Dialect) *fakeLink {
	return &fakeLink{
		dialect: d,
		state:   optolink.StateInitialized,
		replies: map[uint16][]byte{},
		errs:    map[uint16]error{},
	}
}

func (l *fakeLink) Dialect() optolink.Dialect { return l.dialect }

func (l *fakeLink) State() optolink.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) Do(ctx context.Context, req optolink.Request) (optolink.Response, error) {
	if l.entered != nil {
		l.entered <- struct{}{}
		<-l.release
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exchange(req)
}

func (l *fakeLink) exchange(req optolink.Request) (optolink.Response, error) {
	if req.IsWrite() {
		l.writes = append(l.writes, req)
		if err := l.errs[req.Addr]; err != nil {
			return optolink.Response{}, err
		}
		return optolink.Response{Addr: req.Addr, Type: optolink.ReplyWriteAck, Count: req.Length}, nil
	}
	l.reads = append(l.reads, req.Addr)
	if err := l.errs[req.Addr]; err != nil {
		return optolink.Response{}, err
	}
	payload, ok := l.replies[req.Addr]
	if !ok {
		payload = make([]byte, req.Length)
	}
	return optolink.Response{Addr: req.Addr, Type: optolink.ReplyRead, Count: len(payload), Payload: payload}, nil
}

func (l *fakeLink) Bulk(ctx context.Context, reqs []optolink.Request) ([]optolink.Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bulks++
	out := make([]optolink.Response, 0, len(reqs))
	for i, req := range reqs {
		resp, err := l.exchange(req)
		if err != nil {
			return nil, &optolink.BulkError{Index: i, Total: len(reqs), Err: err}
		}
		out = append(out, resp)
	}
	return out, nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) readCount(addr uint16) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, a := range l.reads {
		if a == addr {
			n++
		}
	}
	return n
}

type memJournal struct {
	mu      sync.Mutex
	entries []store.Entry
}

func (j *memJournal) Append(e *store.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e.ID = uint64(len(j.entries) + 1)
	j.entries = append(j.entries, *e)
	return nil
}

func (j *memJournal) kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.entries {
		out = append(out, e.Kind)
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func descriptor(t *testing.T, name string, addr uint16, length int, code string, writable bool) *datapoint.Descriptor {
	t.Helper()
	u, ok := datapoint.LookupUnit(code)
	if !ok {
		t.Fatalf("unknown unit %s", code)
	}
	return &datapoint.Descriptor{
		Name:     name,
		Address:  addr,
		Length:   length,
		Unit:     u,
		Signed:   u.Signed,
		Scale:    u.Scale,
		Readable: true,
		Writable: writable,
	}
}

// testModel is a small heating model: outside temperature, a heating
// curve slope with bounds, the operating mode and the device type.
func testModel(t *testing.T) *datapoint.Model {
	t.Helper()
	modes, err := datapoint.NewTable("operatingmodes", map[string]string{
		"00": "Abschaltbetrieb",
		"01": "Nur Warmwasser",
		"02": "Normalbetrieb",
	})
	if err != nil {
		t.Fatal(err)
	}
	types, err := datapoint.NewTable("devicetypes", map[string]string{"209F": "V200KO1B"})
	if err != nil {
		t.Fatal(err)
	}
	slope := descriptor(t, "Neigung", 0x27D3, 1, "IU10", true)
	slope.Bounds = &datapoint.Bounds{Min: 0.2, Max: 3.5}
	mode := descriptor(t, "Betriebsart", 0x2323, 1, "BA", true)
	mode.Lookup = "operatingmodes"
	m, err := datapoint.NewModel("TEST", "P300", []*datapoint.Table{modes, types},
		descriptor(t, "Aussentemperatur", 0x5525, 2, "IS10", false),
		descriptor(t, "Kesseltemperatur", 0x0802, 2, "IU10", false),
		slope,
		mode,
		descriptor(t, "Brennerstunden", 0x08A7, 4, "IU3600", false),
	)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// newTestController wires c to link with a frozen clock, an instant sleep
// and triggers captured instead of scheduled.
func newTestController(t *testing.T, link Link, model *datapoint.Model, opts ...Option) (*Controller, *fakeClock, *[]func()) {
	t.Helper()
	c := New(link, model, quietLogger(), opts...)
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clk.now
	c.sleep = func(context.Context, time.Duration) error { return nil }
	var scheduled []func()
	c.after = func(_ time.Duration, f func()) { scheduled = append(scheduled, f) }
	t.Cleanup(func() { c.Close() })
	return c, clk, &scheduled
}

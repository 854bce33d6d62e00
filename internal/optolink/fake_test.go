package optolink

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"time"
)

// fakePort replays rx and records everything written. An empty rx behaves
// like a read timeout.
type fakePort struct {
	rx      []byte
	tx      bytes.Buffer
	resets  int
	closed  bool
	readErr error
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.rx) == 0 {
		return 0, nil
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.closed {
		return 0, errors.New("port closed")
	}
	return p.tx.Write(b)
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) ResetInputBuffer() error {
	p.resets++
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSession returns a session wired to port with a frozen clock and a
// no-op sleep.
func newTestSession(d Dialect, port *fakePort) (*Session, *fakeClock, *int) {
	opens := 0
	s := NewSession(Config{
		Port:    "/dev/test",
		Dialect: d,
		Open: func(string) (Port, error) {
			opens++
			port.closed = false
			return port, nil
		},
		Logger: quietLogger(),
	})
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.setClock(clk.now)
	s.sleep = func(time.Duration) {}
	return s, clk, &opens
}

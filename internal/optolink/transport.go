package optolink

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// Port is the part of serial.Port the link uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens the named serial device.
type Opener func(name string) (Port, error)

// OpenSerial opens name with the optolink line settings, 4800 baud 8E2.
func OpenSerial(name string) (Port, error) {
	mode := &serial.Mode{
		BaudRate: 4800,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.TwoStopBits,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("optolink: open %s: %w", name, err)
	}
	return port, nil
}

// Transport owns the serial handle. It moves bytes and records when the last
// byte arrived; it does not interpret frames.
type Transport struct {
	name     string
	open     Opener
	port     Port
	logger   *slog.Logger
	now      func() time.Time
	lastByte time.Time
}

// NewTransport returns a closed transport for the named device.
func NewTransport(name string, open Opener, logger *slog.Logger) *Transport {
	if open == nil {
		open = OpenSerial
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{name: name, open: open, logger: logger, now: time.Now}
}

func (t *Transport) Open() error {
	if t.port != nil {
		return nil
	}
	port, err := t.open(t.name)
	if err != nil {
		return newError(KindIO, "open", 0, err)
	}
	t.port = port
	t.logger.Info("serial port opened", "port", t.name)
	return nil
}

func (t *Transport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.logger.Info("serial port closed", "port", t.name)
	return err
}

func (t *Transport) IsConnected() bool { return t.port != nil }

// LastByte reports when a byte was last received.
func (t *Transport) LastByte() time.Time { return t.lastByte }

func (t *Transport) Write(b []byte) error {
	if t.port == nil {
		return newError(KindIO, "write", 0, fmt.Errorf("port %s not open", t.name))
	}
	t.logger.Debug("optolink TX", "data", fmt.Sprintf("% X", b))
	if _, err := t.port.Write(b); err != nil {
		return newError(KindIO, "write", 0, err)
	}
	return nil
}

func (t *Transport) ResetInputBuffer() error {
	if t.port == nil {
		return newError(KindIO, "reset input", 0, fmt.Errorf("port %s not open", t.name))
	}
	if err := t.port.ResetInputBuffer(); err != nil {
		return newError(KindIO, "reset input", 0, err)
	}
	return nil
}

// ReadExact reads up to n bytes. Each byte must arrive within perByte and the
// whole read within 3*perByte. Fewer than n bytes are
// returned without error when the line goes quiet; an error is only returned
// for a failing port.
func (t *Transport) ReadExact(n int, perByte time.Duration) ([]byte, error) {
	return t.read(n, perByte, func([]byte) bool { return false })
}

// ReadUntil reads until term is received, limit bytes have been read or the
// line goes quiet.
func (t *Transport) ReadUntil(term byte, limit int, perByte time.Duration) ([]byte, error) {
	return t.read(limit, perByte, func(b []byte) bool { return b[len(b)-1] == term })
}

func (t *Transport) read(n int, perByte time.Duration, done func([]byte) bool) ([]byte, error) {
	if t.port == nil {
		return nil, newError(KindIO, "read", 0, fmt.Errorf("port %s not open", t.name))
	}
	if err := t.port.SetReadTimeout(perByte); err != nil {
		return nil, newError(KindIO, "read", 0, err)
	}
	deadline := t.now().Add(3 * perByte)
	buf := make([]byte, 0, n)
	one := make([]byte, 1)
	for len(buf) < n {
		c, err := t.port.Read(one)
		if err != nil {
			return buf, newError(KindIO, "read", 0, err)
		}
		if c == 0 {
			break
		}
		buf = append(buf, one[0])
		t.lastByte = t.now()
		if done(buf) || t.lastByte.After(deadline) {
			break
		}
	}
	if len(buf) > 0 {
		t.logger.Debug("optolink RX", "data", fmt.Sprintf("% X", buf))
	}
	return buf, nil
}

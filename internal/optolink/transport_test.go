package optolink

import (
	"bytes"
	"testing"
	"time"
)

// dripPort delivers one byte per Read and advances the clock by step.
type dripPort struct {
	*fakePort
	clk  *fakeClock
	step time.Duration
}

func (p *dripPort) Read(b []byte) (int, error) {
	n, err := p.fakePort.Read(b[:1])
	if n > 0 {
		p.clk.advance(p.step)
	}
	return n, err
}

func newDripTransport(t *testing.T, rx []byte, step time.Duration) *Transport {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	port := &dripPort{fakePort: &fakePort{rx: rx}, clk: clk, step: step}
	tr := NewTransport("/dev/test", func(string) (Port, error) { return port, nil }, quietLogger())
	tr.now = clk.now
	if err := tr.Open(); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestTransportReadDeadline(t *testing.T) {
	rx := []byte{0x06, 0x41, 0x07, 0x01, 0x01, 0x55, 0x25, 0x02, 0xEF, 0x00, 0x74}
	tests := []struct {
		name string
		step time.Duration
		want []byte
	}{
		{"fast line", 10 * time.Millisecond, rx},
		{"stalls past the request deadline", 400 * time.Millisecond, rx[:4]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newDripTransport(t, rx, tt.step)
			got, err := tr.ReadExact(len(rx), 500*time.Millisecond)
			if err != nil {
				t.Fatalf("ReadExact: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got % X, want % X", got, tt.want)
			}
		})
	}
}

func TestTransportReadUntil(t *testing.T) {
	tr := newDripTransport(t, []byte{0x00, 0x05, 0x05}, time.Millisecond)
	got, err := tr.ReadUntil(0x05, 8, time.Second)
	if err != nil {
		t.Fatalf("ReadUntil: %v", err)
	}
	if !bytes.Equal(got, []byte{0x00, 0x05}) {
		t.Errorf("got % X, want 00 05", got)
	}
}

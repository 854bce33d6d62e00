package optolink

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

var (
	p300Handshake    = []byte{0x05, 0x06}
	p300HandshakeTX  = []byte{0x04, 0x16, 0x00, 0x00}
	outsideTempReply = []byte{0x06, 0x41, 0x07, 0x01, 0x01, 0x55, 0x25, 0x02, 0xEF, 0x00, 0x74}
	outsideTempReq   = []byte{0x41, 0x05, 0x00, 0x01, 0x55, 0x25, 0x02, 0x82}
)

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestSessionP300Read(t *testing.T) {
	port := &fakePort{rx: concat(p300Handshake, outsideTempReply)}
	s, _, _ := newTestSession(P300, port)

	resp, err := s.Do(context.Background(), Request{Addr: 0x5525, Length: 2})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !bytes.Equal(resp.Payload, []byte{0xEF, 0x00}) {
		t.Fatalf("Payload: got % X, want EF 00", resp.Payload)
	}
	if want := concat(p300HandshakeTX, outsideTempReq); !bytes.Equal(port.tx.Bytes(), want) {
		t.Fatalf("TX: got % X, want % X", port.tx.Bytes(), want)
	}
	if s.State() != StateInitialized {
		t.Fatalf("State: got %s, want initialized", s.State())
	}
}

func TestSessionP300Write(t *testing.T) {
	tests := []struct {
		name    string
		ack     []byte
		wantErr bool
	}{
		{"ack echoes length", []byte{0x06, 0x41, 0x05, 0x01, 0x02, 0x23, 0x23, 0x01, 0x4F}, false},
		{"ack with zero count", []byte{0x06, 0x41, 0x05, 0x01, 0x02, 0x23, 0x23, 0x00, 0x4E}, false},
		{"ack with wrong count", []byte{0x06, 0x41, 0x05, 0x01, 0x02, 0x23, 0x23, 0x03, 0x51}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := &fakePort{rx: concat(p300Handshake, tt.ack)}
			s, _, _ := newTestSession(P300, port)

			resp, err := s.Do(context.Background(), Request{Addr: 0x2323, Length: 1, Payload: []byte{0x02}})
			if tt.wantErr {
				if KindOf(err) != KindFraming {
					t.Fatalf("got err %v, want framing", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Do: %v", err)
				}
				if resp.Type != ReplyWriteAck {
					t.Fatalf("Type: got %s, want write_ack", resp.Type)
				}
			}
			if s.State() != StateInitialized {
				t.Errorf("State: got %s, want initialized", s.State())
			}
			tx := port.tx.Bytes()[len(p300HandshakeTX):]
			if tx[1] != 0x06 || tx[7] != 0x02 {
				t.Fatalf("write frame: got % X", tx)
			}
		})
	}
}

func TestSessionP300ReinitAfterIdle(t *testing.T) {
	port := &fakePort{rx: concat(p300Handshake, outsideTempReply)}
	s, clk, _ := newTestSession(P300, port)
	ctx := context.Background()

	if _, err := s.Do(ctx, Request{Addr: 0x5525, Length: 2}); err != nil {
		t.Fatalf("first Do: %v", err)
	}

	// Within the idle window the link is reused as is.
	clk.advance(100 * time.Second)
	port.tx.Reset()
	port.rx = outsideTempReply
	if _, err := s.Do(ctx, Request{Addr: 0x5525, Length: 2}); err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if !bytes.Equal(port.tx.Bytes(), outsideTempReq) {
		t.Fatalf("TX without reinit: got % X", port.tx.Bytes())
	}

	clk.advance(600 * time.Second)
	port.tx.Reset()
	port.rx = concat(p300Handshake, outsideTempReply)
	resp, err := s.Do(ctx, Request{Addr: 0x5525, Length: 2})
	if err != nil {
		t.Fatalf("Do after idle: %v", err)
	}
	if want := concat(p300HandshakeTX, outsideTempReq); !bytes.Equal(port.tx.Bytes(), want) {
		t.Fatalf("TX after idle: got % X, want % X", port.tx.Bytes(), want)
	}
	if !bytes.Equal(resp.Payload, []byte{0xEF, 0x00}) {
		t.Fatalf("Payload: got % X", resp.Payload)
	}
}

func TestSessionP300InitErrorRetries(t *testing.T) {
	// 0x15 forces a fresh reset before the handshake completes.
	port := &fakePort{rx: concat([]byte{0x15, 0x05, 0x06}, outsideTempReply)}
	s, _, _ := newTestSession(P300, port)

	if _, err := s.Do(context.Background(), Request{Addr: 0x5525, Length: 2}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	want := concat([]byte{0x04, 0x04, 0x16, 0x00, 0x00}, outsideTempReq)
	if !bytes.Equal(port.tx.Bytes(), want) {
		t.Fatalf("TX: got % X, want % X", port.tx.Bytes(), want)
	}
}

func TestSessionP300InitFailure(t *testing.T) {
	port := &fakePort{}
	s, _, _ := newTestSession(P300, port)

	_, err := s.Do(context.Background(), Request{Addr: 0x5525, Length: 2})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err: got %v, want timeout", err)
	}
	if s.State() != StateFaulted {
		t.Fatalf("State: got %s, want faulted", s.State())
	}
	if n := bytes.Count(port.tx.Bytes(), []byte{0x04}); n != 1+p300InitTries {
		t.Fatalf("resets sent: got %d, want %d", n, 1+p300InitTries)
	}
}

func TestSessionP300BadChecksumFaults(t *testing.T) {
	bad := append([]byte(nil), outsideTempReply...)
	bad[len(bad)-1] ^= 0xFF
	port := &fakePort{rx: concat(p300Handshake, bad)}
	s, _, opens := newTestSession(P300, port)
	ctx := context.Background()

	if _, err := s.Do(ctx, Request{Addr: 0x5525, Length: 2}); !errors.Is(err, ErrFraming) {
		t.Fatalf("err: got %v, want framing", err)
	}
	if s.State() != StateFaulted {
		t.Fatalf("State: got %s, want faulted", s.State())
	}

	// Next call closes, reopens and reinitializes transparently.
	port.rx = concat(p300Handshake, outsideTempReply)
	if _, err := s.Do(ctx, Request{Addr: 0x5525, Length: 2}); err != nil {
		t.Fatalf("Do after fault: %v", err)
	}
	if *opens != 2 {
		t.Fatalf("opens: got %d, want 2", *opens)
	}
}

func TestSessionP300InvalidChunksForceReinit(t *testing.T) {
	port := &fakePort{rx: p300Handshake}
	s, _, _ := newTestSession(P300, port)
	ctx := context.Background()

	for i := 1; i <= maxInvalidChunks; i++ {
		port.rx = append(port.rx, 0xAA)
		_, err := s.Do(ctx, Request{Addr: 0x5525, Length: 2})
		if !errors.Is(err, ErrFraming) {
			t.Fatalf("chunk %d: got %v, want framing", i, err)
		}
		want := StateInitialized
		if i == maxInvalidChunks {
			want = StateFaulted
		}
		if s.State() != want {
			t.Fatalf("chunk %d: State got %s, want %s", i, s.State(), want)
		}
	}
}

func TestSessionP300ProtocolError(t *testing.T) {
	errReply := []byte{0x06, 0x41, 0x06, 0x03, 0x01, 0x55, 0x25, 0x02, 0x0F, 0x95}
	port := &fakePort{rx: concat(p300Handshake, errReply)}
	s, _, _ := newTestSession(P300, port)

	_, err := s.Do(context.Background(), Request{Addr: 0x5525, Length: 2})
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindProtocol || lerr.Code != 0x0F {
		t.Fatalf("err: got %v, want protocol code 0x0F", err)
	}
	if s.State() != StateInitialized {
		t.Fatalf("State: got %s, want initialized", s.State())
	}
}

func TestSessionNotInitializedReply(t *testing.T) {
	port := &fakePort{rx: concat(p300Handshake, []byte{0x05})}
	s, _, _ := newTestSession(P300, port)
	ctx := context.Background()

	if _, err := s.Do(ctx, Request{Addr: 0x5525, Length: 2}); !errors.Is(err, ErrFraming) {
		t.Fatalf("err: got %v, want framing", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("State: got %s, want connected", s.State())
	}
	port.tx.Reset()
	port.rx = concat(p300Handshake, outsideTempReply)
	if _, err := s.Do(ctx, Request{Addr: 0x5525, Length: 2}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !bytes.HasPrefix(port.tx.Bytes(), p300HandshakeTX) {
		t.Fatalf("expected handshake before request, TX % X", port.tx.Bytes())
	}
}

func TestSessionKWBulkRead(t *testing.T) {
	port := &fakePort{rx: concat(
		[]byte{0x05},
		[]byte{0xEF, 0x00},
		[]byte{0x2C, 0x01},
		[]byte{0x01},
		[]byte{0x10, 0x00},
	)}
	s, _, _ := newTestSession(KW, port)
	reqs := []Request{
		{Addr: 0x0800, Length: 2},
		{Addr: 0x0802, Length: 2},
		{Addr: 0x0804, Length: 1},
		{Addr: 0x0808, Length: 2},
	}

	resps, err := s.Bulk(context.Background(), reqs)
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	wantTX := concat(
		[]byte{0x04},
		[]byte{0x01, 0xF7, 0x08, 0x00, 0x02},
		[]byte{0xF7, 0x08, 0x02, 0x02},
		[]byte{0xF7, 0x08, 0x04, 0x01},
		[]byte{0xF7, 0x08, 0x08, 0x02},
	)
	if !bytes.Equal(port.tx.Bytes(), wantTX) {
		t.Fatalf("TX: got % X, want % X", port.tx.Bytes(), wantTX)
	}
	wantPayloads := [][]byte{{0xEF, 0x00}, {0x2C, 0x01}, {0x01}, {0x10, 0x00}}
	if len(resps) != len(wantPayloads) {
		t.Fatalf("replies: got %d, want %d", len(resps), len(wantPayloads))
	}
	for i, resp := range resps {
		if resp.Addr != reqs[i].Addr || !bytes.Equal(resp.Payload, wantPayloads[i]) {
			t.Errorf("reply %d: got 0x%04X % X, want 0x%04X % X", i, resp.Addr, resp.Payload, reqs[i].Addr, wantPayloads[i])
		}
	}
}

func TestSessionKWBulkAbortsOnEmptyReply(t *testing.T) {
	port := &fakePort{rx: []byte{0x05, 0xEF, 0x00}}
	s, _, _ := newTestSession(KW, port)
	reqs := []Request{
		{Addr: 0x0800, Length: 2},
		{Addr: 0x0802, Length: 2},
		{Addr: 0x0804, Length: 1},
	}

	resps, err := s.Bulk(context.Background(), reqs)
	if !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("err: got %v, want unknown address", err)
	}
	if resps != nil {
		t.Fatalf("replies: got %d, want none", len(resps))
	}
	var berr *BulkError
	if !errors.As(err, &berr) || berr.Index != 1 {
		t.Fatalf("BulkError: got %v, want index 1", err)
	}
	if s.State() != StateFaulted {
		t.Fatalf("State: got %s, want faulted", s.State())
	}
}

func TestSessionKWUnknownAddress(t *testing.T) {
	port := &fakePort{rx: []byte{0x05}}
	s, _, _ := newTestSession(KW, port)

	_, err := s.Do(context.Background(), Request{Addr: 0xFFFF, Length: 2})
	if !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("err: got %v, want unknown address", err)
	}
	if s.State() != StateInitialized {
		t.Fatalf("State: got %s, want initialized", s.State())
	}
}

func TestSessionKWSyncFailure(t *testing.T) {
	port := &fakePort{rx: []byte{0x00, 0x00}}
	s, _, _ := newTestSession(KW, port)
	sleeps := 0
	s.sleep = func(d time.Duration) {
		if d != kwSyncPause {
			t.Errorf("sleep: got %s, want %s", d, kwSyncPause)
		}
		sleeps++
	}

	if _, err := s.Do(context.Background(), Request{Addr: 0x0800, Length: 2}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err: got %v, want timeout", err)
	}
	if port.resets != kwSyncTries || sleeps != kwSyncTries {
		t.Fatalf("resets=%d sleeps=%d, want %d", port.resets, sleeps, kwSyncTries)
	}
	if s.State() != StateFaulted {
		t.Fatalf("State: got %s, want faulted", s.State())
	}
}

func TestSessionKWWrite(t *testing.T) {
	port := &fakePort{rx: []byte{0x05, 0x00}}
	s, _, _ := newTestSession(KW, port)

	if _, err := s.Do(context.Background(), Request{Addr: 0x2323, Length: 1, Payload: []byte{0x02}}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	want := []byte{0x04, 0x01, 0xF4, 0x23, 0x23, 0x01, 0x02}
	if !bytes.Equal(port.tx.Bytes(), want) {
		t.Fatalf("TX: got % X, want % X", port.tx.Bytes(), want)
	}

	port.rx = []byte{0x05, 0x15}
	_, err := s.Do(context.Background(), Request{Addr: 0x2323, Length: 1, Payload: []byte{0x02}})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("nack: got %v, want protocol", err)
	}
}

func TestSessionContention(t *testing.T) {
	port := &fakePort{}
	s, _, _ := newTestSession(P300, port)
	s.lockTimeout = 20 * time.Millisecond

	if err := s.lock.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	defer s.lock.Release(1)

	_, err := s.Do(context.Background(), Request{Addr: 0x5525, Length: 2})
	if !errors.Is(err, ErrContention) {
		t.Fatalf("err: got %v, want contention", err)
	}
	if port.tx.Len() != 0 {
		t.Fatalf("wrote % X while line was busy", port.tx.Bytes())
	}
	if s.State() != StateDisconnected {
		t.Fatalf("State: got %s, want disconnected", s.State())
	}
}

func TestSessionCloseResetsP300(t *testing.T) {
	port := &fakePort{rx: concat(p300Handshake, outsideTempReply)}
	s, _, _ := newTestSession(P300, port)
	if _, err := s.Do(context.Background(), Request{Addr: 0x5525, Length: 2}); err != nil {
		t.Fatal(err)
	}
	port.tx.Reset()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(port.tx.Bytes(), []byte{0x04}) || !port.closed {
		t.Fatalf("Close: TX % X closed=%v", port.tx.Bytes(), port.closed)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("State: got %s", s.State())
	}
}

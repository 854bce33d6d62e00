package optolink

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Default per-byte read timeouts.
const (
	DefaultP300Timeout = 500 * time.Millisecond
	DefaultKWTimeout   = time.Second
)

const (
	lockTimeout      = 2 * time.Second
	idleReinit       = 500 * time.Second
	p300InitTries    = 10
	kwSyncTries      = 5
	kwSyncPause      = 800 * time.Millisecond
	kwSyncReadLimit  = 8
	maxInvalidChunks = 5
)

// State of the link session.
type State uint32

const (
	StateDisconnected State = iota
	StateConnected
	StateInitialized
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

// Config describes the line a session talks to.
type Config struct {
	Port    string
	Dialect Dialect
	Timeout time.Duration // per-byte read timeout; zero selects the dialect default
	Open    Opener        // nil opens a real serial device
	Logger  *slog.Logger
}

// Session is the stateful link to one control unit. It opens the port
// lazily, runs the dialect handshake, and serializes every exchange on the
// half-duplex line. A faulted session is closed and reopened on the next call.
type Session struct {
	dialect Dialect
	timeout time.Duration
	logger  *slog.Logger
	tr      *Transport

	// lock covers a whole request-to-response exchange.
	lock        *semaphore.Weighted
	lockTimeout time.Duration

	state atomic.Uint32

	// Guarded by lock.
	invalidChunks int

	now   func() time.Time
	sleep func(time.Duration)
}

// NewSession creates a disconnected session. No I/O happens until the first
// request.
func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "optolink", "protocol", cfg.Dialect.String())
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultP300Timeout
		if cfg.Dialect == KW {
			timeout = DefaultKWTimeout
		}
	}
	s := &Session{
		dialect:     cfg.Dialect,
		timeout:     timeout,
		logger:      logger,
		tr:          NewTransport(cfg.Port, cfg.Open, logger),
		lock:        semaphore.NewWeighted(1),
		lockTimeout: lockTimeout,
		sleep:       time.Sleep,
	}
	s.setClock(time.Now)
	return s
}

func (s *Session) setClock(now func() time.Time) {
	s.now = now
	s.tr.now = now
}

func (s *Session) Dialect() Dialect { return s.dialect }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	if old := State(s.state.Swap(uint32(st))); old != st {
		s.logger.Debug("link state", "from", old.String(), "to", st.String())
	}
}

// LastByte reports when the controller last sent a byte.
func (s *Session) LastByte() time.Time {
	if err := s.lock.Acquire(context.Background(), 1); err != nil {
		return time.Time{}
	}
	defer s.lock.Release(1)
	return s.tr.LastByte()
}

// Close waits for an in-flight exchange to finish and closes the port.
func (s *Session) Close() error {
	if err := s.lock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer s.lock.Release(1)
	if s.dialect == P300 && s.State() == StateInitialized {
		_ = s.tr.Write([]byte{p300Reset})
	}
	s.setState(StateDisconnected)
	return s.tr.Close()
}

// Do runs one request/response exchange.
func (s *Session) Do(ctx context.Context, req Request) (Response, error) {
	if err := s.acquire(ctx); err != nil {
		return Response{}, err
	}
	defer s.lock.Release(1)

	if err := s.ready(); err != nil {
		return Response{}, err
	}
	if s.dialect == KW {
		if err := s.syncKW(); err != nil {
			return Response{}, err
		}
		return s.exchangeKW(req, true)
	}
	return s.exchangeP300(req)
}

// Bulk runs reqs back to back under a single lock acquisition. On KW all
// requests share one sync window and only the first carries the start byte.
// Replies are returned in request order. Any failure aborts the batch with a
// *BulkError naming the failing request; an empty KW reply also faults the
// session. ctx is checked between replies, never inside one.
func (s *Session) Bulk(ctx context.Context, reqs []Request) ([]Response, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.lock.Release(1)

	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.dialect == KW {
		if err := s.syncKW(); err != nil {
			return nil, err
		}
	}
	out := make([]Response, 0, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("bulk read cancelled after %d of %d: %w", i, len(reqs), err)
		}
		var (
			resp Response
			err  error
		)
		if s.dialect == KW {
			resp, err = s.exchangeKW(req, i == 0)
			if KindOf(err) == KindUnknownAddress {
				s.fault("bulk read", err)
			}
		} else {
			resp, err = s.exchangeP300(req)
		}
		if err != nil {
			return nil, &BulkError{Index: i, Total: len(reqs), Err: err}
		}
		out = append(out, resp)
	}
	return out, nil
}

func (s *Session) acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return newError(KindContention, "lock", 0, err)
	}
	return nil
}

func (s *Session) fault(op string, err error) {
	s.logger.Warn("link faulted", "op", op, "error", err)
	s.invalidChunks = 0
	s.setState(StateFaulted)
}

// ready brings the session to Initialized, reopening a faulted port and
// reinitializing an idle P300 link.
func (s *Session) ready() error {
	switch s.State() {
	case StateFaulted:
		_ = s.tr.Close()
		s.setState(StateDisconnected)
		fallthrough
	case StateDisconnected:
		if err := s.tr.Open(); err != nil {
			return err
		}
		s.setState(StateConnected)
	}

	if s.dialect == KW {
		if s.State() == StateConnected {
			// Leave any P300 session the controller may still be in.
			if err := s.tr.Write([]byte{p300Reset}); err != nil {
				s.fault("reset", err)
				return err
			}
			s.setState(StateInitialized)
		}
		return nil
	}

	if s.State() == StateInitialized {
		idle := s.now().Sub(s.tr.LastByte())
		if idle <= idleReinit {
			return nil
		}
		s.logger.Info("reinitializing idle link", "idle", idle.Round(time.Second).String())
	}
	return s.initP300()
}

// --- P300 ---

func (s *Session) initP300() error {
	s.setState(StateConnected)
	if err := s.tr.Write([]byte{p300Reset}); err != nil {
		s.fault("init", err)
		return err
	}
	b, err := s.readByte()
	synced := false
	for i := 0; i < p300InitTries && err == nil; i++ {
		switch {
		case synced && b == p300Ack:
			s.invalidChunks = 0
			s.setState(StateInitialized)
			s.logger.Info("link initialized", "attempts", i+1)
			return nil
		case b == p300NotInit:
			err = s.tr.Write(p300Sync)
			synced = true
		default:
			// 0x15 init error, a stray byte or silence: start over.
			err = s.tr.Write([]byte{p300Reset})
			synced = false
		}
		if err == nil {
			b, err = s.readByte()
		}
	}
	if err == nil {
		err = newError(KindTimeout, "init", 0, fmt.Errorf("no handshake after %d attempts", p300InitTries))
	}
	s.fault("init", err)
	return err
}

func (s *Session) readByte() (byte, error) {
	b, err := s.tr.ReadExact(1, s.timeout)
	if err != nil || len(b) == 0 {
		return 0, err
	}
	return b[0], nil
}

func (s *Session) exchangeP300(req Request) (Response, error) {
	if err := s.tr.Write(BuildP300(req)); err != nil {
		s.fault("write", err)
		return Response{}, err
	}
	chunk, err := s.tr.ReadExact(p300ReplyLen(req), s.timeout)
	if err != nil {
		s.fault("read", err)
		return Response{}, err
	}

	switch {
	case len(chunk) == 0:
		err := newError(KindTimeout, "read", req.Addr, fmt.Errorf("no reply"))
		s.fault("read", err)
		return Response{}, err
	case chunk[0] == p300NotInit || chunk[0] == p300InitError:
		s.setState(StateConnected)
		return Response{}, newError(KindFraming, "read", req.Addr,
			fmt.Errorf("controller not initialized (0x%02X)", chunk[0]))
	case chunk[0] != p300Ack:
		s.invalidChunks++
		err := newError(KindFraming, "read", req.Addr, fmt.Errorf("unexpected first byte 0x%02X", chunk[0]))
		if s.invalidChunks >= maxInvalidChunks {
			s.fault("read", err)
		}
		return Response{}, err
	}

	resp, err := ParseP300(chunk[1:])
	if err != nil {
		s.fault("parse", err)
		return Response{}, err
	}
	s.invalidChunks = 0
	if resp.Addr != req.Addr {
		err := newError(KindFraming, "read", req.Addr, fmt.Errorf("reply for 0x%04X", resp.Addr))
		s.fault("parse", err)
		return Response{}, err
	}

	switch resp.Type {
	case ReplyError:
		return resp, &Error{Kind: KindProtocol, Op: "reply", Addr: req.Addr, Code: resp.Code}
	case ReplyRead, ReplyWriteAck:
		if (resp.Type == ReplyWriteAck) != req.IsWrite() || (resp.Type == ReplyRead && resp.Count != req.Length) {
			err := newError(KindFraming, "reply", req.Addr,
				fmt.Errorf("%s with %d bytes does not answer request of %d bytes", resp.Type, resp.Count, req.Length))
			s.fault("parse", err)
			return Response{}, err
		}
		// Controllers acknowledge writes with n=0 or with the written length.
		// Any other count rejects the write; the frame itself was valid.
		if resp.Type == ReplyWriteAck && resp.Count != 0 && resp.Count != req.Length {
			return resp, newError(KindFraming, "write", req.Addr,
				fmt.Errorf("write acknowledged %d bytes of %d", resp.Count, req.Length))
		}
		return resp, nil
	}
	err = newError(KindFraming, "reply", req.Addr, fmt.Errorf("unknown reply type"))
	s.fault("parse", err)
	return Response{}, err
}

// --- KW ---

// syncKW waits for the controller's 0x05 that opens a sync window.
func (s *Session) syncKW() error {
	for i := 0; i < kwSyncTries; i++ {
		if err := s.tr.ResetInputBuffer(); err != nil {
			s.fault("sync", err)
			return err
		}
		b, err := s.tr.ReadUntil(kwSync, kwSyncReadLimit, s.timeout)
		if err != nil {
			s.fault("sync", err)
			return err
		}
		if len(b) > 0 && b[len(b)-1] == kwSync {
			return nil
		}
		s.sleep(kwSyncPause)
	}
	err := newError(KindTimeout, "sync", 0, fmt.Errorf("no 0x05 after %d attempts", kwSyncTries))
	s.fault("sync", err)
	return err
}

func (s *Session) exchangeKW(req Request, first bool) (Response, error) {
	if err := s.tr.Write(BuildKW(req, first)); err != nil {
		s.fault("write", err)
		return Response{}, err
	}
	chunk, err := s.tr.ReadExact(kwReplyLen(req), s.timeout)
	if err != nil {
		s.fault("read", err)
		return Response{}, err
	}
	resp, err := ParseKW(req, chunk)
	if err != nil {
		if KindOf(err) != KindUnknownAddress {
			s.fault("read", err)
		}
		return Response{}, err
	}
	if resp.Type == ReplyError {
		return resp, &Error{Kind: KindProtocol, Op: "write", Addr: req.Addr, Code: resp.Code}
	}
	return resp, nil
}

package optolink

import (
	"errors"
	"fmt"
)

// Kind classifies a link failure. The polling engine decides blacklisting and
// reopening from the kind alone.
type Kind uint8

const (
	KindNone Kind = iota
	KindIO
	KindTimeout
	KindFraming
	KindProtocol
	KindUnknownAddress
	KindValue
	KindContention
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindFraming:
		return "framing"
	case KindProtocol:
		return "protocol"
	case KindUnknownAddress:
		return "unknown address"
	case KindValue:
		return "value"
	case KindContention:
		return "contention"
	}
	return "none"
}

// Error is the single error type returned by the link and the codec.
type Error struct {
	Kind Kind
	Op   string
	Addr uint16
	Code byte // controller error byte, Protocol only
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrIO             = &Error{Kind: KindIO}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrFraming        = &Error{Kind: KindFraming}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrUnknownAddress = &Error{Kind: KindUnknownAddress}
	ErrValue          = &Error{Kind: KindValue}
	ErrContention     = &Error{Kind: KindContention}
)

func (e *Error) Error() string {
	msg := "optolink: " + e.Kind.String()
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Addr != 0 || e.Kind == KindUnknownAddress {
		msg += fmt.Sprintf(" 0x%04X", e.Addr)
	}
	if e.Kind == KindProtocol {
		msg += fmt.Sprintf(" (code 0x%02X)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf extracts the kind of err, or KindNone if err is not a link error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// ValueError builds a codec rejection. Value errors never touch the wire.
func ValueError(op string, format string, args ...any) error {
	return &Error{Kind: KindValue, Op: op, Err: fmt.Errorf(format, args...)}
}

func newError(kind Kind, op string, addr uint16, err error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

// BulkError reports which request of a bulk read failed.
type BulkError struct {
	Index int
	Total int
	Err   error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("bulk read %d of %d: %v", e.Index+1, e.Total, e.Err)
}

func (e *BulkError) Unwrap() error { return e.Err }

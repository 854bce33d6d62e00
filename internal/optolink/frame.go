package optolink

import (
	"fmt"
	"strings"
)

// Dialect selects the wire protocol spoken by the control unit.
type Dialect uint8

const (
	P300 Dialect = iota + 1
	KW
)

func (d Dialect) String() string {
	switch d {
	case P300:
		return "P300"
	case KW:
		return "KW"
	}
	return "unknown"
}

// ParseDialect accepts "P300" or "KW" in any case.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P300":
		return P300, nil
	case "KW":
		return KW, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// P300 control bytes.
const (
	p300Start      = 0x41
	p300Request    = 0x00
	p300Reply      = 0x01
	p300ErrorReply = 0x03
	p300Read       = 0x01
	p300Write      = 0x02

	p300Ack       = 0x06
	p300NotInit   = 0x05
	p300InitError = 0x15
	p300Reset     = 0x04
)

var p300Sync = []byte{0x16, 0x00, 0x00}

// KW control bytes.
const (
	kwStart = 0x01
	kwRead  = 0xF7
	kwWrite = 0xF4
	kwSync  = 0x05
	kwAck   = 0x00
)

// Request is one read or write of a controller address. A nil Payload reads
// Length bytes; otherwise Payload is written and Length must equal its size.
type Request struct {
	Addr    uint16
	Length  int
	Payload []byte
}

func (r Request) IsWrite() bool { return r.Payload != nil }

// ReplyType is the parsed meaning of a response.
type ReplyType uint8

const (
	ReplyUnknown ReplyType = iota
	ReplyRead
	ReplyWriteAck
	ReplyError
)

func (t ReplyType) String() string {
	switch t {
	case ReplyRead:
		return "read_reply"
	case ReplyWriteAck:
		return "write_ack"
	case ReplyError:
		return "error"
	}
	return "unknown"
}

// Response is a parsed reply record.
type Response struct {
	Addr    uint16
	Type    ReplyType
	Count   int // byte count announced by the controller (P300)
	Payload []byte
	Code    byte // error byte for ReplyError
}

// --- P300 ---

// BuildP300 assembles a P300 request frame including start byte and checksum.
func BuildP300(req Request) []byte {
	rw := byte(p300Read)
	if req.IsWrite() {
		rw = p300Write
	}
	frame := make([]byte, 0, 8+len(req.Payload))
	frame = append(frame, p300Start, byte(5+len(req.Payload)), p300Request, rw,
		byte(req.Addr>>8), byte(req.Addr), byte(req.Length))
	frame = append(frame, req.Payload...)
	return append(frame, Checksum(frame[1:]))
}

// p300ReplyLen is the number of bytes expected after a request, including
// the leading ACK byte.
func p300ReplyLen(req Request) int {
	if req.IsWrite() {
		return 9
	}
	return 9 + req.Length
}

// ParseP300 parses a reply frame starting at the 0x41 start byte.
func ParseP300(frame []byte) (Response, error) {
	if len(frame) < 8 {
		return Response{}, newError(KindFraming, "parse", 0, fmt.Errorf("short frame (%d bytes)", len(frame)))
	}
	if frame[0] != p300Start {
		return Response{}, newError(KindFraming, "parse", 0, fmt.Errorf("bad start byte 0x%02X", frame[0]))
	}
	if int(frame[1])+3 != len(frame) {
		return Response{}, newError(KindFraming, "parse", 0,
			fmt.Errorf("length byte %d does not match frame of %d bytes", frame[1], len(frame)))
	}
	if sum := Checksum(frame[1 : len(frame)-1]); sum != frame[len(frame)-1] {
		return Response{}, newError(KindFraming, "parse", 0,
			fmt.Errorf("checksum 0x%02X, want 0x%02X", frame[len(frame)-1], sum))
	}
	resp := Response{
		Addr:    uint16(frame[4])<<8 | uint16(frame[5]),
		Count:   int(frame[6]),
		Payload: frame[7 : len(frame)-1],
	}
	switch frame[2] {
	case p300Reply:
		switch frame[3] {
		case p300Read:
			resp.Type = ReplyRead
			if len(resp.Payload) != resp.Count {
				return Response{}, newError(KindFraming, "parse", resp.Addr,
					fmt.Errorf("count %d but %d payload bytes", resp.Count, len(resp.Payload)))
			}
		case p300Write:
			resp.Type = ReplyWriteAck
		}
	case p300ErrorReply:
		resp.Type = ReplyError
		if len(resp.Payload) > 0 {
			resp.Code = resp.Payload[0]
		}
	}
	return resp, nil
}

// --- KW ---

// BuildKW assembles a KW request. Only the first request of a sync window
// carries the start byte; writes always start a window.
func BuildKW(req Request, first bool) []byte {
	frame := make([]byte, 0, 5+len(req.Payload))
	if first || req.IsWrite() {
		frame = append(frame, kwStart)
	}
	op := byte(kwRead)
	if req.IsWrite() {
		op = kwWrite
	}
	frame = append(frame, op, byte(req.Addr>>8), byte(req.Addr), byte(req.Length))
	return append(frame, req.Payload...)
}

func kwReplyLen(req Request) int {
	if req.IsWrite() {
		return 1
	}
	return req.Length
}

// ParseKW interprets the raw bytes returned for req. KW replies carry no
// framing, so correlation is by position only.
func ParseKW(req Request, chunk []byte) (Response, error) {
	resp := Response{Addr: req.Addr, Count: len(chunk)}
	if req.IsWrite() {
		if len(chunk) != 1 {
			return Response{}, newError(KindTimeout, "write", req.Addr, fmt.Errorf("no acknowledge"))
		}
		if chunk[0] != kwAck {
			resp.Type = ReplyError
			resp.Code = chunk[0]
			return resp, nil
		}
		resp.Type = ReplyWriteAck
		return resp, nil
	}
	switch {
	case len(chunk) == 0:
		return Response{}, newError(KindUnknownAddress, "read", req.Addr, nil)
	case len(chunk) != req.Length:
		return Response{}, newError(KindFraming, "read", req.Addr,
			fmt.Errorf("got %d bytes, want %d", len(chunk), req.Length))
	}
	resp.Type = ReplyRead
	resp.Payload = chunk
	return resp, nil
}

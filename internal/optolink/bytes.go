package optolink

import (
	"fmt"
	"strconv"
)

// Checksum returns the 8-bit sum of b. Callers pass the frame from the length
// byte through the last payload byte, excluding the start byte.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// DecodeInt interprets b as a little-endian integer.
func DecodeInt(b []byte, signed bool) int64 {
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	if signed && len(b) > 0 && len(b) < 8 {
		bits := uint(len(b) * 8)
		if u&(1<<(bits-1)) != 0 {
			return int64(u) - int64(1)<<bits
		}
	}
	return int64(u)
}

// EncodeInt writes v little-endian into n bytes. Values outside the width are
// truncated modulo 2^(8n).
func EncodeInt(v int64, n int) []byte {
	b := make([]byte, n)
	u := uint64(v)
	for i := 0; i < n; i++ {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

// UnusedSlot marks a cycle-time slot that carries no switching time.
const UnusedSlot byte = 0xFF

// EncodeTimeByte packs a time of day as hour*8 + minute/10.
func EncodeTimeByte(hour, minute int) byte {
	return byte(hour<<3 | minute/10)
}

// DecodeTimeByte unpacks a cycle-time byte. ok is false for the unused
// sentinel and for any byte decoding to hour >= 24 or minute >= 60.
func DecodeTimeByte(b byte) (hour, minute int, ok bool) {
	hour = int(b >> 3)
	minute = int(b&0x07) * 10
	if hour >= 24 || minute >= 60 {
		return 0, 0, false
	}
	return hour, minute, true
}

// BCDDigits renders b as its hex digit string, e.g. {0x20, 0x24} -> "2024".
func BCDDigits(b []byte) string {
	return fmt.Sprintf("%X", b)
}

// ParseBCD converts a string of decimal digits into packed BCD bytes.
func ParseBCD(digits string) ([]byte, error) {
	if len(digits)%2 != 0 {
		return nil, fmt.Errorf("bcd: odd digit count %d", len(digits))
	}
	out := make([]byte, len(digits)/2)
	for i := range out {
		v, err := strconv.ParseUint(digits[2*i:2*i+2], 16, 8)
		if err != nil || digits[2*i] > '9' || digits[2*i+1] > '9' {
			return nil, fmt.Errorf("bcd: invalid digits %q", digits[2*i:2*i+2])
		}
		out[i] = byte(v)
	}
	return out, nil
}

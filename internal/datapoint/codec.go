package datapoint

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"viessmann-go-home/internal/optolink"
)

const (
	dateTimeLayout = "2006-01-02T15:04:05"
	dateLayout     = "2006-01-02"
)

var dateTimeInputs = []string{time.RFC3339, dateTimeLayout, "2006-01-02 15:04:05", "2006-01-02T15:04", dateLayout}

// ErrorEntry is a decoded error history slot.
type ErrorEntry struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Time    string `json:"time,omitempty"`
}

// Decode converts a payload into the host value for d:
//
//	integer       int64 (no scale) or float64 rounded to two decimals
//	bool          bool
//	cycle time    CycleTime
//	datetime      "2006-01-02T15:04:05"
//	date          "2006-01-02"
//	error slot    ErrorEntry
//	lookups       token string, or the raw hex when the table has no entry
//	serial, hex   string
func (m *Model) Decode(d *Descriptor, b []byte) (any, error) {
	if len(b) < d.Length {
		return nil, optolink.ValueError("decode "+d.Name, "payload of %d bytes, want %d", len(b), d.Length)
	}
	b = b[:d.Length]
	switch d.Unit.Kind {
	case KindInteger:
		raw := optolink.DecodeInt(b, d.Signed)
		if d.Scale == 0 {
			return raw, nil
		}
		return round2(float64(raw) / d.Scale), nil
	case KindBool:
		return optolink.DecodeInt(b, false) != 0, nil
	case KindCycleTime:
		if len(b) < 8 {
			return nil, optolink.ValueError("decode "+d.Name, "cycle time needs 8 bytes")
		}
		return cycleTimeFromBytes(b), nil
	case KindDateTime:
		t, err := decodeBCDTime(b)
		if err != nil {
			return nil, optolink.ValueError("decode "+d.Name, "%v", err)
		}
		return t.Format(dateTimeLayout), nil
	case KindDate:
		t, err := decodeBCDTime(b)
		if err != nil {
			return nil, optolink.ValueError("decode "+d.Name, "%v", err)
		}
		return t.Format(dateLayout), nil
	case KindErrorSlot:
		e := ErrorEntry{Code: fmt.Sprintf("%02X", b[0]), Message: m.token(d, uint64(b[0]))}
		if len(b) >= 9 {
			if t, err := decodeBCDTime(b[1:9]); err == nil {
				e.Time = t.Format(dateTimeLayout)
			}
		}
		return e, nil
	case KindDeviceType:
		if len(b) < 2 {
			return nil, optolink.ValueError("decode "+d.Name, "device type needs 2 bytes")
		}
		return m.token(d, uint64(b[0])<<8|uint64(b[1])), nil
	case KindSystemScheme, KindOperatingMode, KindReturnStatus, KindSetReturnStatus:
		return m.token(d, uint64(b[0])), nil
	case KindSerial:
		return decodeSerial(b), nil
	case KindHex:
		return fmt.Sprintf("% X", b), nil
	}
	return nil, optolink.ValueError("decode "+d.Name, "unsupported unit %s", d.Unit.Code)
}

// Encode converts a host value into the payload for d. Permission, type and
// bounds are checked before anything is encoded.
func (m *Model) Encode(d *Descriptor, v any) ([]byte, error) {
	op := "encode " + d.Name
	if !d.Writable {
		return nil, optolink.ValueError(op, "datapoint is not writable")
	}
	if v == nil {
		return nil, optolink.ValueError(op, "empty value")
	}
	switch d.Unit.Kind {
	case KindInteger:
		f, err := toFloat(v)
		if err != nil {
			return nil, optolink.ValueError(op, "%v", err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, optolink.ValueError(op, "%v is not a finite number", f)
		}
		if err := d.checkBounds(f); err != nil {
			return nil, optolink.ValueError(op, "%v", err)
		}
		if d.Scale != 0 {
			f *= d.Scale
		}
		return optolink.EncodeInt(int64(math.Round(f)), d.Length), nil
	case KindBool:
		on, err := toBool(v)
		if err != nil {
			return nil, optolink.ValueError(op, "%v", err)
		}
		var raw int64
		if on {
			raw = 1
		}
		return optolink.EncodeInt(raw, d.Length), nil
	case KindCycleTime:
		c, err := toCycleTime(v)
		if err != nil {
			return nil, optolink.ValueError(op, "%v", err)
		}
		return c.bytes(), nil
	case KindDateTime, KindDate:
		t, err := toTime(v)
		if err != nil {
			return nil, optolink.ValueError(op, "%v", err)
		}
		if d.Unit.Kind == KindDate {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
		return encodeBCDTime(t), nil
	case KindOperatingMode, KindReturnStatus, KindSetReturnStatus:
		token, ok := v.(string)
		if !ok {
			return nil, optolink.ValueError(op, "want a %s token, got %T", d.Lookup, v)
		}
		t := m.table(d)
		if t == nil {
			return nil, optolink.ValueError(op, "no %s table", d.Lookup)
		}
		raw, ok := t.Value(token)
		if !ok {
			return nil, optolink.ValueError(op, "%q is not one of %s", token, strings.Join(t.Tokens(), ", "))
		}
		if err := d.checkBounds(float64(raw)); err != nil {
			return nil, optolink.ValueError(op, "%v", err)
		}
		return optolink.EncodeInt(int64(raw), d.Length), nil
	}
	return nil, optolink.ValueError(op, "unit %s is not writable", d.Unit.Code)
}

func (d *Descriptor) checkBounds(f float64) error {
	if d.Bounds == nil {
		return nil
	}
	if f < d.Bounds.Min || f > d.Bounds.Max {
		return fmt.Errorf("%v out of range [%v, %v]", f, d.Bounds.Min, d.Bounds.Max)
	}
	return nil
}

func (m *Model) table(d *Descriptor) *Table {
	if d.Lookup == "" {
		return nil
	}
	return m.tables[d.Lookup]
}

// token maps v through the descriptor's table; unknown values render as hex.
func (m *Model) token(d *Descriptor, v uint64) string {
	if t := m.table(d); t != nil {
		if s, ok := t.Token(v); ok {
			return s
		}
	}
	if d.Unit.Kind == KindDeviceType {
		return fmt.Sprintf("%04X", v)
	}
	return fmt.Sprintf("%02X", v)
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

// decodeSerial reads ASCII digits most significant first and renders the
// resulting number in hex.
func decodeSerial(b []byte) string {
	if len(b) > 7 {
		b = b[:7]
	}
	var n int64
	for _, c := range b {
		n = n*10 + int64(c) - '0'
	}
	if n < 0 {
		return "-" + strings.ToUpper(strconv.FormatInt(-n, 16))
	}
	return strings.ToUpper(strconv.FormatInt(n, 16))
}

// BCD datetime: YYYY MM DD WW hh mm ss, weekday 1 (Monday) to 7 (Sunday).
func decodeBCDTime(b []byte) (time.Time, error) {
	if len(b) < 8 {
		return time.Time{}, fmt.Errorf("datetime needs 8 bytes, got %d", len(b))
	}
	digits := optolink.BCDDigits(b[:8])
	var f [7]int
	for i, r := range [7][2]int{{0, 4}, {4, 6}, {6, 8}, {8, 10}, {10, 12}, {12, 14}, {14, 16}} {
		n, err := strconv.Atoi(digits[r[0]:r[1]])
		if err != nil {
			return time.Time{}, fmt.Errorf("datetime %s: not BCD", digits)
		}
		f[i] = n
	}
	year, month, day, hour, minute, sec := f[0], f[1], f[2], f[4], f[5], f[6]
	t := time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC)
	if t.Month() != time.Month(month) || t.Day() != day || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("datetime %s: out of range", digits)
	}
	return t, nil
}

func encodeBCDTime(t time.Time) []byte {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	digits := fmt.Sprintf("%04d%02d%02d%02d%02d%02d%02d",
		t.Year(), int(t.Month()), t.Day(), wd, t.Hour(), t.Minute(), t.Second())
	b, _ := optolink.ParseBCD(digits)
	return b
}

// --- host value coercion ---

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("want a number, got %T", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "on", "yes":
			return true, nil
		case "0", "false", "off", "no":
			return false, nil
		}
		return false, fmt.Errorf("%q is not a boolean", x)
	}
	f, err := toFloat(v)
	if err != nil {
		return false, fmt.Errorf("want a boolean, got %T", v)
	}
	return f != 0, nil
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range dateTimeInputs {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%q is not an ISO-8601 date or datetime", x)
	}
	return time.Time{}, fmt.Errorf("want an ISO-8601 string, got %T", v)
}

func toCycleTime(v any) (CycleTime, error) {
	switch x := v.(type) {
	case CycleTime:
		return x, nil
	case []Slot:
		if len(x) > 4 {
			return CycleTime{}, fmt.Errorf("%d slots, at most 4", len(x))
		}
		c := EmptyCycleTime()
		copy(c[:], x)
		return c, nil
	case []any:
		// Decoded JSON: [{"on":"06:00","off":"22:00"}, ...]
		raw, err := json.Marshal(x)
		if err != nil {
			return CycleTime{}, err
		}
		var slots []Slot
		if err := json.Unmarshal(raw, &slots); err != nil {
			return CycleTime{}, fmt.Errorf("cycle time: %w", err)
		}
		return toCycleTime(slots)
	}
	return CycleTime{}, fmt.Errorf("want a list of on/off slots, got %T", v)
}

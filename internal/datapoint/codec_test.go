package datapoint

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"viessmann-go-home/internal/optolink"
)

func mustUnit(t *testing.T, code string) Unit {
	t.Helper()
	u, ok := LookupUnit(code)
	if !ok {
		t.Fatalf("unknown unit %s", code)
	}
	return u
}

func testModel(t *testing.T) *Model {
	t.Helper()
	modes, err := NewTable("operatingmodes", map[string]string{"00": "Abschaltbetrieb", "01": "Reduzierter Betrieb", "02": "Normalbetrieb"})
	if err != nil {
		t.Fatal(err)
	}
	errs, err := NewTable("errors", map[string]string{"00": "Regelbetrieb (kein Fehler)", "10": "Kurzschluss Aussentemperatursensor"})
	if err != nil {
		t.Fatal(err)
	}
	types, err := NewTable("devicetypes", map[string]string{"209F": "V200KO1B"})
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewModel("TEST", "P300", []*Table{modes, errs, types})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func descriptor(t *testing.T, code string, length int, writable bool) *Descriptor {
	t.Helper()
	u := mustUnit(t, code)
	return &Descriptor{
		Name: code, Address: 0x1234, Length: length, Unit: u,
		Signed: u.Signed, Scale: u.Scale, Readable: true, Writable: writable,
		Lookup: u.Kind.defaultTable(),
	}
}

func TestDecodeOutsideTemperature(t *testing.T) {
	m := testModel(t)
	d := descriptor(t, "IS10", 2, false)
	v, err := m.Decode(d, []byte{0xEF, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if v != 23.9 {
		t.Fatalf("got %v, want 23.9", v)
	}
	v, _ = m.Decode(d, []byte{0x9C, 0xFF})
	if v != -10.0 {
		t.Fatalf("negative: got %v, want -10", v)
	}
}

func TestDecodeIntegerVariants(t *testing.T) {
	m := testModel(t)
	tests := []struct {
		code string
		in   []byte
		want any
	}{
		{"IUNON", []byte{0x2A}, int64(42)},
		{"ISNON", []byte{0xFE}, int64(-2)},
		{"IUINT", []byte{0x03}, 3.0},
		{"IU2", []byte{0x05}, 2.5},
		{"IU3600", []byte{0x10, 0x0E, 0x00, 0x00}, 1.0},
		{"IUPR", []byte{0xFF}, 100.0},
		{"IUBOOL", []byte{0x01}, true},
		{"IUBOOL", []byte{0x00}, false},
		{"HEX", []byte{0xEF, 0x00}, "EF 00"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got, err := m.Decode(descriptor(t, tt.code, len(tt.in), false), tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestEncodeDecodeSymmetry(t *testing.T) {
	m := testModel(t)
	tests := []struct {
		code   string
		length int
		min    float64
		max    float64
		step   float64
	}{
		{"IS10", 2, -60, 60, 0.1},
		{"IU10", 2, 0, 120, 0.1},
		{"IS100", 2, -300, 300, 0.01},
		{"IU2", 1, 0, 127, 0.5},
		{"IUINT", 1, 0, 255, 1},
		{"IUNON", 2, 0, 65535, 257},
		{"ISNON", 1, -128, 127, 1},
		{"IU3600", 4, 0, 100000, 0.5},
		{"IUPR", 1, 0, 100, 1},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			d := descriptor(t, tt.code, tt.length, true)
			d.Bounds = &Bounds{Min: tt.min, Max: tt.max}
			tol := 1e-9
			if d.Scale != 0 {
				tol = 0.5/d.Scale + 0.005
			}
			for v := tt.min; v <= tt.max+1e-9; v += tt.step {
				want := math.Round(v*100) / 100
				b, err := m.Encode(d, want)
				if err != nil {
					t.Fatalf("Encode(%v): %v", want, err)
				}
				got, err := m.Decode(d, b)
				if err != nil {
					t.Fatalf("Decode(% X): %v", b, err)
				}
				var f float64
				switch x := got.(type) {
				case float64:
					f = x
				case int64:
					f = float64(x)
				}
				if math.Abs(f-want) > tol {
					t.Fatalf("%v -> % X -> %v", want, b, got)
				}
			}
		})
	}
}

func TestEncodeBounds(t *testing.T) {
	m := testModel(t)
	d := descriptor(t, "IU10", 1, true)
	d.Bounds = &Bounds{Min: 0.2, Max: 3.5}
	for _, v := range []any{0.1, 3.6, -1, "4"} {
		b, err := m.Encode(d, v)
		if !errors.Is(err, optolink.ErrValue) {
			t.Errorf("Encode(%v): got %v, want value error", v, err)
		}
		if b != nil {
			t.Errorf("Encode(%v): produced % X", v, b)
		}
	}
	b, err := m.Encode(d, "1.4")
	if err != nil || !bytes.Equal(b, []byte{0x0E}) {
		t.Fatalf("Encode(1.4): got % X, %v", b, err)
	}
}

func TestEncodeRejects(t *testing.T) {
	m := testModel(t)
	tests := []struct {
		name string
		d    *Descriptor
		v    any
	}{
		{"read only", descriptor(t, "IS10", 2, false), 1},
		{"hex", descriptor(t, "HEX", 2, true), "00 00"},
		{"device type", descriptor(t, "DT", 2, true), "V200KO1B"},
		{"serial", descriptor(t, "SN", 7, true), "123"},
		{"not a number", descriptor(t, "IS10", 2, true), "warm"},
		{"unknown mode", descriptor(t, "BA", 1, true), "Turbo"},
		{"mode not a string", descriptor(t, "BA", 1, true), 2},
		{"nil", descriptor(t, "IS10", 2, true), nil},
		{"bad date", descriptor(t, "TI", 8, true), "yesterday"},
		{"NaN text", descriptor(t, "IS10", 2, true), "NaN"},
		{"NaN", descriptor(t, "IS10", 2, true), math.NaN()},
		{"infinity", descriptor(t, "IU10", 2, true), math.Inf(1)},
		{"negative infinity text", descriptor(t, "IS10", 2, true), "-Inf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Encode(tt.d, tt.v); !errors.Is(err, optolink.ErrValue) {
				t.Errorf("got %v, want value error", err)
			}
		})
	}
}

func TestOperatingMode(t *testing.T) {
	m := testModel(t)
	d := descriptor(t, "BA", 1, true)
	b, err := m.Encode(d, "normalbetrieb")
	if err != nil || !bytes.Equal(b, []byte{0x02}) {
		t.Fatalf("Encode: got % X, %v", b, err)
	}
	v, err := m.Decode(d, []byte{0x02})
	if err != nil || v != "Normalbetrieb" {
		t.Fatalf("Decode: got %v, %v", v, err)
	}
	if v, _ := m.Decode(d, []byte{0x09}); v != "09" {
		t.Fatalf("unknown mode: got %v, want 09", v)
	}
}

func TestDecodeLookups(t *testing.T) {
	m := testModel(t)
	v, err := m.Decode(descriptor(t, "DT", 2, false), []byte{0x20, 0x9F})
	if err != nil || v != "V200KO1B" {
		t.Fatalf("device type: got %v, %v", v, err)
	}
	if v, _ := m.Decode(descriptor(t, "DT", 2, false), []byte{0x20, 0x00}); v != "2000" {
		t.Fatalf("unknown device type: got %v", v)
	}
	es := []byte{0x10, 0x20, 0x24, 0x03, 0x01, 0x05, 0x12, 0x30, 0x00}
	v, err = m.Decode(descriptor(t, "ES", 9, false), es)
	if err != nil {
		t.Fatal(err)
	}
	want := ErrorEntry{Code: "10", Message: "Kurzschluss Aussentemperatursensor", Time: "2024-03-01T12:30:00"}
	if v != want {
		t.Fatalf("error slot: got %+v, want %+v", v, want)
	}
}

func TestSerial(t *testing.T) {
	m := testModel(t)
	v, err := m.Decode(descriptor(t, "SN", 7, false), []byte("7654321"))
	if err != nil {
		t.Fatal(err)
	}
	if v != "74CBB1" { // 7654321
		t.Fatalf("got %v, want 74CBB1", v)
	}
}

func TestDateTime(t *testing.T) {
	m := testModel(t)
	d := descriptor(t, "TI", 8, true)
	// 2024-03-01 is a Friday.
	b, err := m.Encode(d, "2024-03-01T12:30:45")
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x20, 0x24, 0x03, 0x01, 0x05, 0x12, 0x30, 0x45}
	if !bytes.Equal(b, want) {
		t.Fatalf("Encode: got % X, want % X", b, want)
	}
	v, err := m.Decode(d, b)
	if err != nil || v != "2024-03-01T12:30:45" {
		t.Fatalf("Decode: got %v, %v", v, err)
	}

	// Sunday is weekday 7.
	b, _ = m.Encode(d, "2024-03-03T00:00:00")
	if b[4] != 0x07 {
		t.Fatalf("Sunday: got weekday 0x%02X", b[4])
	}

	da := descriptor(t, "DA", 8, true)
	b, err = m.Encode(da, "2024-12-24T18:00:00")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b[5:], []byte{0, 0, 0}) {
		t.Fatalf("date keeps no time: % X", b)
	}
	if v, _ := m.Decode(da, b); v != "2024-12-24" {
		t.Fatalf("date: got %v", v)
	}

	if _, err := m.Decode(d, []byte{0x20, 0x24, 0x13, 0x01, 0x05, 0x12, 0x30, 0x45}); !errors.Is(err, optolink.ErrValue) {
		t.Fatalf("month 13: got %v", err)
	}
}

func TestCycleTimeCodec(t *testing.T) {
	m := testModel(t)
	d := descriptor(t, "CT", 8, true)
	ct := EmptyCycleTime()
	ct[0] = Slot{On: At(5, 30), Off: At(22, 0)}
	ct[1] = Slot{On: At(0, 0), Off: At(1, 10)}

	b, err := m.Encode(d, ct)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x2B, 0xB0, 0x00, 0x09, 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(b, want) {
		t.Fatalf("Encode: got % X, want % X", b, want)
	}
	v, err := m.Decode(d, b)
	if err != nil {
		t.Fatal(err)
	}
	if v != ct {
		t.Fatalf("Decode: got %v, want %v", v, ct)
	}

	// Slots given as decoded JSON.
	b, err = m.Encode(d, []any{map[string]any{"on": "06:00", "off": "21:50"}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b[:2], []byte{0x30, 0xAD}) || !bytes.Equal(b[2:], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("from JSON: got % X", b)
	}
}

func TestTimeOfDayText(t *testing.T) {
	for _, s := range []string{"00:00", "06:30", "23:50", "--:--"} {
		v, err := ParseTimeOfDay(s)
		if err != nil {
			t.Fatalf("ParseTimeOfDay(%q): %v", s, err)
		}
		if v.String() != s {
			t.Errorf("%q -> %q", s, v.String())
		}
	}
	for _, s := range []string{"24:00", "12:60", "noon", "7"} {
		if _, err := ParseTimeOfDay(s); err == nil {
			t.Errorf("ParseTimeOfDay(%q): expected error", s)
		}
	}
}

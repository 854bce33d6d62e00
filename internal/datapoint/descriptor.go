// Package datapoint holds the static description of a control unit's
// datapoints and the codec translating between host values and wire payloads.
package datapoint

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxLength is the largest payload a single datapoint may carry.
const MaxLength = 32

// MaxIntLength is the largest payload an integer or bool unit decodes.
const MaxIntLength = 8

func checkLength(u Unit, length int) error {
	if length < 1 || length > MaxLength {
		return fmt.Errorf("length %d out of range 1..%d", length, MaxLength)
	}
	if (u.Kind == KindInteger || u.Kind == KindBool) && length > MaxIntLength {
		return fmt.Errorf("unit %s holds at most %d bytes, got %d", u.Code, MaxIntLength, length)
	}
	return nil
}

// Bounds limits writable numeric values.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Descriptor is the immutable metadata of one datapoint.
type Descriptor struct {
	Name     string  `json:"name"`
	Address  uint16  `json:"address"`
	Length   int     `json:"length"`
	Unit     Unit    `json:"-"`
	Signed   bool    `json:"signed"`
	Scale    float64 `json:"scale,omitempty"`
	Readable bool    `json:"readable"`
	Writable bool    `json:"writable"`
	Bounds   *Bounds `json:"bounds,omitempty"`
	Lookup   string  `json:"lookup,omitempty"`
}

// UnitCode is the controller unit code, e.g. "IS10".
func (d *Descriptor) UnitCode() string { return d.Unit.Code }

// AddressString renders the address as four hex digits.
func (d *Descriptor) AddressString() string { return fmt.Sprintf("%04X", d.Address) }

// ParseAddress parses exactly four hex digits.
func ParseAddress(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 4 {
		return 0, fmt.Errorf("address %q: want 4 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", s, err)
	}
	return uint16(v), nil
}

// Ephemeral builds a read-only descriptor for a diagnostic read of an
// address that may not be part of the model.
func Ephemeral(addr uint16, length int, unitCode string) (*Descriptor, error) {
	u, ok := LookupUnit(unitCode)
	if !ok {
		return nil, fmt.Errorf("unknown unit %q", unitCode)
	}
	if err := checkLength(u, length); err != nil {
		return nil, err
	}
	return &Descriptor{
		Name:     fmt.Sprintf("raw_%04X", addr),
		Address:  addr,
		Length:   length,
		Unit:     u,
		Signed:   u.Signed,
		Scale:    u.Scale,
		Readable: true,
		Lookup:   u.Kind.defaultTable(),
	}, nil
}

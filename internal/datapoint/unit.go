package datapoint

import "strings"

// Kind is the codec variant selected by a unit.
type Kind uint8

const (
	KindInteger Kind = iota + 1
	KindBool
	KindCycleTime
	KindDateTime
	KindDate
	KindErrorSlot
	KindDeviceType
	KindSystemScheme
	KindOperatingMode
	KindReturnStatus
	KindSetReturnStatus
	KindSerial
	KindHex
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindBool:
		return "bool"
	case KindCycleTime:
		return "cycletime"
	case KindDateTime:
		return "datetime"
	case KindDate:
		return "date"
	case KindErrorSlot:
		return "errorslot"
	case KindDeviceType:
		return "devicetype"
	case KindSystemScheme:
		return "systemscheme"
	case KindOperatingMode:
		return "operatingmode"
	case KindReturnStatus:
		return "returnstatus"
	case KindSetReturnStatus:
		return "setreturnstatus"
	case KindSerial:
		return "serial"
	case KindHex:
		return "hex"
	}
	return "unknown"
}

// defaultTable names the lookup table a kind decodes through, if any.
func (k Kind) defaultTable() string {
	switch k {
	case KindErrorSlot:
		return "errors"
	case KindDeviceType:
		return "devicetypes"
	case KindSystemScheme:
		return "systemschemes"
	case KindOperatingMode:
		return "operatingmodes"
	case KindReturnStatus:
		return "returnstatus"
	case KindSetReturnStatus:
		return "setreturnstatus"
	}
	return ""
}

// Unit is a controller unit code with its codec defaults. Scale 0 means the
// raw integer is passed through unchanged.
type Unit struct {
	Code   string
	Kind   Kind
	Signed bool
	Scale  float64
}

// Numeric reports whether values of this unit are plain numbers.
func (u Unit) Numeric() bool { return u.Kind == KindInteger }

var units = map[string]Unit{
	"IU2":    {Kind: KindInteger, Scale: 2},
	"IU10":   {Kind: KindInteger, Scale: 10},
	"IU100":  {Kind: KindInteger, Scale: 100},
	"IU1000": {Kind: KindInteger, Scale: 1000},
	"IU3600": {Kind: KindInteger, Scale: 3600},
	"IUPR":   {Kind: KindInteger, Scale: 2.55},
	"IUINT":  {Kind: KindInteger, Scale: 1},
	"IUNON":  {Kind: KindInteger},
	"IS2":    {Kind: KindInteger, Signed: true, Scale: 2},
	"IS10":   {Kind: KindInteger, Signed: true, Scale: 10},
	"IS100":  {Kind: KindInteger, Signed: true, Scale: 100},
	"IS1000": {Kind: KindInteger, Signed: true, Scale: 1000},
	"ISNON":  {Kind: KindInteger, Signed: true},
	"BT":     {Kind: KindInteger},
	"IUBOOL": {Kind: KindBool},
	"CT":     {Kind: KindCycleTime},
	"TI":     {Kind: KindDateTime},
	"DA":     {Kind: KindDate},
	"ES":     {Kind: KindErrorSlot},
	"DT":     {Kind: KindDeviceType},
	"SC":     {Kind: KindSystemScheme},
	"BA":     {Kind: KindOperatingMode},
	"RT":     {Kind: KindReturnStatus},
	"SR":     {Kind: KindSetReturnStatus},
	"SN":     {Kind: KindSerial},
	"HEX":    {Kind: KindHex},
}

// LookupUnit resolves a unit code such as "IS10" (case-insensitive).
func LookupUnit(code string) (Unit, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	u, ok := units[code]
	if !ok {
		return Unit{}, false
	}
	u.Code = code
	return u, true
}

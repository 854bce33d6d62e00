package datapoint

import (
	"fmt"
	"strconv"
	"strings"

	"viessmann-go-home/internal/optolink"
)

// TimeOfDay is a switching time in minutes after midnight, or Unused.
type TimeOfDay int16

// Unused marks a switching slot without a time.
const Unused TimeOfDay = -1

const unusedText = "--:--"

// At returns the time of day h:m.
func At(h, m int) TimeOfDay { return TimeOfDay(h*60 + m) }

func (t TimeOfDay) IsUnused() bool { return t < 0 }
func (t TimeOfDay) Hour() int      { return int(t) / 60 }
func (t TimeOfDay) Minute() int    { return int(t) % 60 }

func (t TimeOfDay) String() string {
	if t.IsUnused() {
		return unusedText
	}
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// ParseTimeOfDay parses "HH:MM". "--:--" and "" mean Unused.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == unusedText {
		return Unused, nil
	}
	hs, ms, ok := strings.Cut(s, ":")
	if !ok {
		return Unused, fmt.Errorf("time %q: want HH:MM", s)
	}
	h, err1 := strconv.Atoi(hs)
	m, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return Unused, fmt.Errorf("time %q: want HH:MM", s)
	}
	return At(h, m), nil
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// byte encodes t for the wire; minutes are floored to ten.
func (t TimeOfDay) byte() byte {
	if t.IsUnused() {
		return optolink.UnusedSlot
	}
	return optolink.EncodeTimeByte(t.Hour(), t.Minute())
}

func timeOfDayFromByte(b byte) TimeOfDay {
	h, m, ok := optolink.DecodeTimeByte(b)
	if !ok {
		return Unused
	}
	return At(h, m)
}

// Slot is one on/off switching pair.
type Slot struct {
	On  TimeOfDay `json:"on"`
	Off TimeOfDay `json:"off"`
}

// IsUnused reports whether the slot switches nothing.
func (s Slot) IsUnused() bool { return s.On.IsUnused() && s.Off.IsUnused() }

// CycleTime is the content of one CT datapoint: four switching slots of a day.
type CycleTime [4]Slot

// EmptyCycleTime has every slot unused.
func EmptyCycleTime() CycleTime {
	var c CycleTime
	for i := range c {
		c[i] = Slot{On: Unused, Off: Unused}
	}
	return c
}

func (c CycleTime) bytes() []byte {
	b := make([]byte, 0, 8)
	for _, s := range c {
		b = append(b, s.On.byte(), s.Off.byte())
	}
	return b
}

func cycleTimeFromBytes(b []byte) CycleTime {
	c := EmptyCycleTime()
	for i := 0; i < len(c) && 2*i+1 < len(b); i++ {
		c[i] = Slot{On: timeOfDayFromByte(b[2*i]), Off: timeOfDayFromByte(b[2*i+1])}
	}
	return c
}

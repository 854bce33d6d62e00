// Package schedule converts between the controller's per-day switching
// timers and the weekly event list (UZSU) used by the host.
package schedule

import (
	"fmt"
	"sort"
	"strings"

	"viessmann-go-home/internal/datapoint"
)

// Weekday counts from Monday, as the controller does.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// rrule BYDAY codes.
var dayCodes = [7]string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}

var dayAliases = map[string]Weekday{
	"mo": Monday, "montag": Monday, "monday": Monday,
	"di": Tuesday, "dienstag": Tuesday, "tuesday": Tuesday, "tu": Tuesday,
	"mi": Wednesday, "mittwoch": Wednesday, "wednesday": Wednesday, "we": Wednesday,
	"do": Thursday, "donnerstag": Thursday, "thursday": Thursday, "th": Thursday,
	"fr": Friday, "freitag": Friday, "friday": Friday,
	"sa": Saturday, "samstag": Saturday, "saturday": Saturday,
	"so": Sunday, "sonntag": Sunday, "sunday": Sunday, "su": Sunday,
}

func (d Weekday) String() string { return dayCodes[d] }

// ParseWeekday accepts German and English names and abbreviations.
func ParseWeekday(s string) (Weekday, error) {
	d, ok := dayAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

// Week holds the switching slots of all seven days.
type Week [7]datapoint.CycleTime

// EmptyWeek has no switching times.
func EmptyWeek() Week {
	var w Week
	for i := range w {
		w[i] = datapoint.EmptyCycleTime()
	}
	return w
}

// Event is one UZSU entry.
type Event struct {
	Time   string `json:"time"`
	RRule  string `json:"rrule"`
	Value  string `json:"value"`
	Active bool   `json:"active"`
}

// Document is the UZSU structure exposed for one timer application.
type Document struct {
	Active  bool    `json:"active"`
	List    []Event `json:"list"`
	Sunrise string  `json:"sunrise"`
	Sunset  string  `json:"sunset"`
}

// Presets used when no location service provides sun times.
const (
	DefaultSunrise = "06:00"
	DefaultSunset  = "21:00"
)

const (
	valueOn  = "1"
	valueOff = "0"
)

// Document converts the week into a UZSU document. Events sharing a time and
// value are merged into one rule; the list is sorted by time.
func (w Week) Document() Document {
	type key struct {
		time  string
		value string
	}
	days := map[key][]string{}
	for d, ct := range w {
		for _, slot := range ct {
			if !slot.On.IsUnused() {
				k := key{slot.On.String(), valueOn}
				days[k] = append(days[k], dayCodes[d])
			}
			if !slot.Off.IsUnused() {
				k := key{slot.Off.String(), valueOff}
				days[k] = append(days[k], dayCodes[d])
			}
		}
	}
	keys := make([]key, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].time != keys[j].time {
			return keys[i].time < keys[j].time
		}
		return keys[i].value > keys[j].value
	})
	doc := Document{Active: true, List: make([]Event, 0, len(keys)), Sunrise: DefaultSunrise, Sunset: DefaultSunset}
	for _, k := range keys {
		doc.List = append(doc.List, Event{
			Time:   k.time,
			RRule:  "FREQ=WEEKLY;BYDAY=" + strings.Join(dedupe(days[k]), ","),
			Value:  k.value,
			Active: true,
		})
	}
	return doc
}

func dedupe(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// FromEvents builds a week from UZSU events. Inactive events are ignored.
// Per day the on and off times are sorted and paired in order; a day may
// hold at most four of each.
func FromEvents(events []Event) (Week, error) {
	var on, off [7][]datapoint.TimeOfDay
	for _, ev := range events {
		if !ev.Active {
			continue
		}
		t, err := datapoint.ParseTimeOfDay(ev.Time)
		if err != nil {
			return Week{}, err
		}
		if t.IsUnused() {
			return Week{}, fmt.Errorf("event without time")
		}
		days, err := parseRRule(ev.RRule)
		if err != nil {
			return Week{}, err
		}
		for _, d := range days {
			switch ev.Value {
			case valueOn:
				on[d] = append(on[d], t)
			case valueOff:
				off[d] = append(off[d], t)
			default:
				return Week{}, fmt.Errorf("event value %q: want %q or %q", ev.Value, valueOn, valueOff)
			}
		}
	}
	w := EmptyWeek()
	for d := range w {
		if len(on[d]) > len(w[d]) || len(off[d]) > len(w[d]) {
			return Week{}, fmt.Errorf("%s: more than %d switching times", dayCodes[d], len(w[d]))
		}
		sortTimes(on[d])
		sortTimes(off[d])
		for i, t := range on[d] {
			w[d][i].On = t
		}
		for i, t := range off[d] {
			w[d][i].Off = t
		}
	}
	return w, nil
}

func sortTimes(ts []datapoint.TimeOfDay) {
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
}

// parseRRule extracts the weekdays of "FREQ=WEEKLY;BYDAY=MO,TU".
func parseRRule(rule string) ([]Weekday, error) {
	for _, part := range strings.Split(rule, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "BYDAY") {
			continue
		}
		var days []Weekday
		for _, s := range strings.Split(v, ",") {
			d, err := ParseWeekday(s)
			if err != nil {
				return nil, fmt.Errorf("rrule %q: %w", rule, err)
			}
			days = append(days, d)
		}
		return days, nil
	}
	return nil, fmt.Errorf("rrule %q: no BYDAY", rule)
}

package schedule

import (
	"sort"
	"strings"

	"viessmann-go-home/internal/datapoint"
)

// Application is a group of seven cycle-time datapoints named
// <name>_Mo .. <name>_So, e.g. Timer_Warmwasser.
type Application struct {
	Name string
	Days [7]*datapoint.Descriptor
}

// Applications collects the complete timer applications of a model.
func Applications(m *datapoint.Model) map[string]*Application {
	apps := map[string]*Application{}
	for _, d := range m.Datapoints() {
		if d.Unit.Kind != datapoint.KindCycleTime {
			continue
		}
		i := strings.LastIndex(d.Name, "_")
		if i <= 0 {
			continue
		}
		day, err := ParseWeekday(d.Name[i+1:])
		if err != nil {
			continue
		}
		name := d.Name[:i]
		app := apps[name]
		if app == nil {
			app = &Application{Name: name}
			apps[name] = app
		}
		app.Days[day] = d
	}
	for name, app := range apps {
		for _, d := range app.Days {
			if d == nil {
				delete(apps, name)
				break
			}
		}
	}
	return apps
}

// ApplicationNames returns the sorted names of the model's applications.
func ApplicationNames(m *datapoint.Model) []string {
	apps := Applications(m)
	names := make([]string, 0, len(apps))
	for n := range apps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

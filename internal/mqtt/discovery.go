//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"viessmann-go-home/internal/controller"
	"viessmann-go-home/internal/datapoint"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/viessmann_v200ko1b/aussentemperatur/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Step              float64  `json:"step,omitempty"`
	Options           []string `json:"options,omitempty"`
	Device            haDevice `json:"device"`
}

func nodeID(m *datapoint.Model) string {
	return "viessmann_" + topicName(m.Name)
}

// buildDiscovery generates HA discovery messages for the registered items
// that are not blacklisted.
// Numbers and switches are offered for writable datapoints, operating
// modes become a select.
func buildDiscovery(m *datapoint.Model, items []controller.ItemStatus, modes []string, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	node := nodeID(m)
	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "Viessmann",
		Model:        m.Name,
		Name:         "Viessmann " + m.Name,
	}

	var msgs []discoveryMsg
	for _, it := range items {
		d, ok := m.Datapoint(it.Datapoint)
		if !ok || it.Blacklisted {
			continue
		}
		object := topicName(d.Name)
		p := haDiscovery{
			Name:              strings.ReplaceAll(d.Name, "_", " "),
			UniqueID:          node + "_" + object,
			StateTopic:        prefix + "/" + object,
			AvailabilityTopic: avail,
			Device:            haDev,
		}
		if d.Writable {
			p.CommandTopic = prefix + "/" + object + "/set"
		}

		var component string
		switch d.Unit.Kind {
		case datapoint.KindInteger:
			p.UnitOfMeasurement, p.DeviceClass = measurement(d)
			p.StateClass = "measurement"
			component = "sensor"
			if d.Writable {
				component = "number"
				p.StateClass = ""
				p.Step = 1
				if d.Scale > 1 {
					p.Step = 1 / d.Scale
				}
				if d.Bounds != nil {
					lo, hi := d.Bounds.Min, d.Bounds.Max
					p.Min, p.Max = &lo, &hi
				}
			}
		case datapoint.KindBool:
			p.PayloadOn, p.PayloadOff = "ON", "OFF"
			component = "binary_sensor"
			if d.Writable {
				component = "switch"
			}
		case datapoint.KindOperatingMode:
			component = "sensor"
			if d.Writable && len(modes) > 0 {
				component = "select"
				p.Options = modes
			}
		case datapoint.KindCycleTime, datapoint.KindErrorSlot:
			// structured JSON, not an HA entity
			continue
		default:
			component = "sensor"
		}
		if component == "sensor" || component == "binary_sensor" {
			p.CommandTopic = ""
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", component, node, object),
			Payload: mustJSON(p),
		})
	}
	return msgs
}

// measurement guesses the HA unit and device class from the datapoint.
func measurement(d *datapoint.Descriptor) (unit, class string) {
	name := strings.ToLower(d.Name)
	switch {
	case strings.Contains(name, "temperatur"):
		return "°C", "temperature"
	case d.UnitCode() == "IUPR":
		return "%", ""
	case d.UnitCode() == "IU3600":
		return "h", "duration"
	case strings.Contains(name, "stunden"):
		return "h", "duration"
	}
	return "", ""
}

// buildRemoveDiscovery generates empty retained messages removing an item.
func buildRemoveDiscovery(m *datapoint.Model, name string) []discoveryMsg {
	node := nodeID(m)
	object := topicName(name)
	var msgs []discoveryMsg
	for _, comp := range []string{"sensor", "number", "binary_sensor", "switch", "select"} {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", comp, node, object),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

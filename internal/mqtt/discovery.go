//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"meshgate/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/mesh_bulb_5/light/config"
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
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.Name != "" {
		return dev.Name
	}
	return dev.Key
}

// modelName maps the wire class to a model string for the HA device registry.
func modelName(dev *store.Device) string {
	switch dev.Class {
	case store.ClassBulb:
		return "Mesh Bulb"
	case store.ClassSwitch:
		return "Mesh Switch"
	}
	return "Mesh Device"
}

// deviceStateTopic returns the retained state topic for a device. Keys are
// lowercase with no separators beyond underscores, so no sanitizing is needed.
func deviceStateTopic(prefix string, dev *store.Device) string {
	return prefix + "/device/" + dev.Key
}

// buildDiscovery generates HA discovery messages for a device based on its
// wire class. Bulbs become lights, switches become switch entities; the
// coordinator refuses switch commands, matching the read-only wire behavior.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := deviceStateTopic(prefix, dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:  []string{dev.Key},
		Manufacturer: "meshgate",
		Model:        modelName(dev),
		Name:         displayName,
	}

	var msgs []discoveryMsg
	switch dev.Class {
	case store.ClassBulb:
		msgs = append(msgs, buildLight(dev, displayName, stateTopic, avail, haDev, prefix))
	case store.ClassSwitch:
		msgs = append(msgs, buildSwitch(dev, displayName, stateTopic, avail, haDev, prefix))
	default:
		return nil
	}

	// Every device gets a last-seen timestamp sensor.
	msgs = append(msgs, buildSensor(dev, displayName, stateTopic, avail, haDev,
		"last_seen", "Last Seen", "timestamp",
		"{{ value_json.last_seen }}"))

	return msgs
}

func buildSensor(dev *store.Device, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", dev.Key, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          dev.Key + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildLight(dev *store.Device, displayName, stateTopic, avail string, haDev haDevice, prefix string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/light/%s/light/config", dev.Key)
	cmdTopic := deviceStateTopic(prefix, dev) + "/set"
	payload := haDiscovery{
		Name:                displayName,
		UniqueID:            dev.Key + "_light",
		StateTopic:          stateTopic,
		CommandTopic:        cmdTopic,
		AvailabilityTopic:   avail,
		SupportedColorModes: []string{"onoff"},
		Schema:              "json",
		Device:              haDev,
	}
	// Brightness framing is advertised per address, so the entity only grows
	// a slider once the bulb has reported four-field state.
	if dev.BoolProp(store.PropSupportsBrightness) {
		payload.Brightness = true
		payload.BrightnessScale = 255
		payload.SupportedColorModes = []string{"brightness"}
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(dev *store.Device, displayName, stateTopic, avail string, haDev haDevice, prefix string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/switch/config", dev.Key)
	cmdTopic := deviceStateTopic(prefix, dev) + "/set"
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          dev.Key + "_switch",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.state }}",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device
// from HA.
func buildRemoveDiscovery(dev *store.Device) []discoveryMsg {
	// Remove all possible component types.
	components := []struct{ comp, obj string }{
		{"light", "light"},
		{"switch", "switch"},
		{"sensor", "last_seen"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, dev.Key, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}

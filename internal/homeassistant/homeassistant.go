// Package homeassistant builds MQTT discovery documents so each circuit shows
// up as a power sensor and a relay state sensor.
package homeassistant

import (
	"encoding/json"
	"fmt"
	"strings"

	"circuit-agent/internal/models"
)

const (
	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"
)

type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type ConfigurationItem struct {
	Component string `json:"-"`

	DeviceClass       DeviceClass `json:"device_class,omitempty"`
	UnitOfMeasurement Unit        `json:"unit_of_measurement,omitempty"`
	Device            Device      `json:"device"`
	StateClass        string      `json:"state_class,omitempty"`
	UniqueId          string      `json:"unique_id"`
	Name              string      `json:"name"`
	StateTopic        string      `json:"state_topic"`
	ValueTemplate     string      `json:"value_template,omitempty"`
	PayloadOn         string      `json:"payload_on,omitempty"`
	PayloadOff        string      `json:"payload_off,omitempty"`
	AvailabilityTopic string      `json:"availability_topic,omitempty"`
}

// Message is one retained discovery document ready to publish.
type Message struct {
	Topic   string
	Payload []byte
}

// CircuitTopic is where the per-circuit state document is published.
func CircuitTopic(topicPrefix, serial string, id int) string {
	return fmt.Sprintf("%s/%s/circuit/%d", topicPrefix, serial, id)
}

// AvailabilityTopic carries the agent's online/offline status.
func AvailabilityTopic(topicPrefix, serial string) string {
	return fmt.Sprintf("%s/%s/availability", topicPrefix, serial)
}

// CircuitItems describes the entities of every circuit in the registry.
func CircuitItems(topicPrefix, serial string, circuits []models.Circuit) []ConfigurationItem {
	device := Device{
		Identifiers:  []string{"circuit-agent-" + serial},
		Name:         "Circuit agent " + serial,
		Manufacturer: "circuit-agent",
		Model:        "relay/ADC controller",
	}
	availability := AvailabilityTopic(topicPrefix, serial)

	items := make([]ConfigurationItem, 0, 2*len(circuits))
	for _, c := range circuits {
		topic := CircuitTopic(topicPrefix, serial, c.ID)
		items = append(items,
			ConfigurationItem{
				Component:         ComponentSensor,
				DeviceClass:       Power,
				UnitOfMeasurement: W,
				Device:            device,
				StateClass:        "measurement",
				UniqueId:          fmt.Sprintf("%s_circuit_%d_power", serial, c.ID),
				Name:              fmt.Sprintf("Circuit %d power", c.ID),
				StateTopic:        topic,
				ValueTemplate:     "{{ value_json.power }}",
				AvailabilityTopic: availability,
			},
			ConfigurationItem{
				Component:         ComponentBinarySensor,
				Device:            device,
				UniqueId:          fmt.Sprintf("%s_circuit_%d_relay", serial, c.ID),
				Name:              fmt.Sprintf("Circuit %d relay", c.ID),
				StateTopic:        topic,
				ValueTemplate:     "{{ value_json.state }}",
				PayloadOn:         "ON",
				PayloadOff:        "OFF",
				AvailabilityTopic: availability,
			},
		)
	}
	return items
}

// DiscoveryMessages renders items under the discovery prefix.
func DiscoveryMessages(discoveryPrefix string, items []ConfigurationItem) ([]Message, error) {
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("discovery %s: %w", item.UniqueId, err)
		}
		component := item.Component
		if component == "" {
			component = ComponentSensor
		}
		name := strings.ReplaceAll(strings.ToLower(item.UniqueId), " ", "_")
		msgs = append(msgs, Message{
			Topic:   fmt.Sprintf("%s/%s/%s/config", discoveryPrefix, component, name),
			Payload: b,
		})
	}
	return msgs, nil
}

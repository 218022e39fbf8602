package telemetry

import (
	"encoding/json"
	"fmt"

	"circuit-agent/internal/models"
)

type Reading struct {
	Power      float64 `json:"power"`
	CircuitNum int     `json:"circuit_num"`
}

// Payload is the per-cycle report sent to the remote authority. It owns its
// readings; nothing else holds a reference to them.
type Payload struct {
	serial   string
	readings []Reading
}

// Encode pairs every circuit's identifier with its last reading, in registry
// order. Circuits that have not been sampled yet report zero; the wire format
// has no way to mark them, so the control loop logs their IDs instead.
func Encode(serial string, reg *models.Registry) Payload {
	readings := make([]Reading, 0, reg.Len())
	for i := 0; i < reg.Len(); i++ {
		c := reg.At(i)
		readings = append(readings, Reading{Power: c.LastPower, CircuitNum: c.ID})
	}
	return Payload{serial: serial, readings: readings}
}

func (p Payload) Serial() string { return p.serial }

func (p Payload) Len() int { return len(p.readings) }

// Readings returns a copy of the readings.
func (p Payload) Readings() []Reading {
	out := make([]Reading, len(p.readings))
	copy(out, p.readings)
	return out
}

type wirePayload struct {
	Serial   string    `json:"serial"`
	Readings []Reading `json:"readings"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	readings := p.readings
	if readings == nil {
		readings = []Reading{}
	}
	return json.Marshal(wirePayload{Serial: p.serial, Readings: readings})
}

// Marshal renders the payload in the wire format expected by the authority.
func (p Payload) Marshal() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding telemetry: %w", err)
	}
	return b, nil
}

// Parse reads a payload back from its wire format.
func Parse(b []byte) (Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(b, &w); err != nil {
		return Payload{}, fmt.Errorf("decoding telemetry: %w", err)
	}
	return Payload{serial: w.Serial, readings: w.Readings}, nil
}

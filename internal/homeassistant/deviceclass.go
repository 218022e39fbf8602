package homeassistant

import "encoding/json"

type DeviceClass int64

const (
	NoDeviceClass DeviceClass = iota
	Current
	Power
	PowerFactor
	Voltage
)

func (s DeviceClass) String() string {
	switch s {
	case Current:
		return "current"
	case Power:
		return "power"
	case PowerFactor:
		return "power_factor"
	case Voltage:
		return "voltage"
	}
	return ""
}

func (s DeviceClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

type Unit int64

const (
	NoUnit Unit = iota
	W
	KW
	V
	A
)

func (s Unit) String() string {
	switch s {
	case W:
		return "W"
	case KW:
		return "kW"
	case V:
		return "V"
	case A:
		return "A"
	}
	return ""
}

func (s Unit) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

package hardware

import (
	"fmt"

	"circuit-agent/internal/errcode"
)

// DeviceError wraps a failed bus transfer or select-line write.
type DeviceError struct {
	Op   string
	Bank int
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s bank %d: %v", e.Op, e.Bank, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Code() errcode.Code { return errcode.DeviceIO }

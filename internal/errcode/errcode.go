package errcode

import "errors"

// Code is a stable identifier for a failure class, used in log fields and
// metric labels. It implements error so it can be matched with errors.Is.
type Code string

func (c Code) Error() string { return string(c) }
func (c Code) Code() Code    { return c }

const (
	OK                    Code = "ok"
	TransportFailure      Code = "transport_failure"
	DecodeError           Code = "decode_error"
	UnsupportedAddressing Code = "unsupported_addressing"
	DeviceIO              Code = "device_io"
	Error                 Code = "error" // generic fallback
)

type coder interface{ Code() Code }

// Of returns the first Code found walking the error tree depth-first,
// defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}

package control

// State is a step of the synchronization cycle.
type State int

const (
	Fetching State = iota
	Decoding
	Actuating
	Settling
	Sampling
	Reporting
	Pacing
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "FETCHING"
	case Decoding:
		return "DECODING"
	case Actuating:
		return "ACTUATING"
	case Settling:
		return "SETTLING"
	case Sampling:
		return "SAMPLING"
	case Reporting:
		return "REPORTING"
	case Pacing:
		return "PACING"
	}
	return "UNKNOWN"
}

// Outcome summarises how a cycle ended.
type Outcome string

const (
	// Reported: relays synchronized and telemetry handed to the reporter.
	Reported Outcome = "reported"
	// FailSafe: no usable declaration, every relay forced off.
	FailSafe Outcome = "fail_safe"
	// Degraded: a device transfer failed, telemetry was skipped.
	Degraded Outcome = "degraded"
	// Aborted: the context ended mid-cycle.
	Aborted Outcome = "aborted"
)

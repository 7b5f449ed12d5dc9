package core

// SensorState is the operational state of a stream. It is the single source
// of truth for whether the stream may emit WARNING/ALERT events.
type SensorState int

const (
	StateUnknown SensorState = iota
	StateInitializing
	StateNormal
	StateWarning
	StateAlert
	StateStale
)

// String returns the string representation of a state as persisted in the
// sensors table.
func (s SensorState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateNormal:
		return "NORMAL"
	case StateWarning:
		return "WARNING"
	case StateAlert:
		return "ALERT"
	case StateStale:
		return "STALE"
	default:
		return "UNKNOWN"
	}
}

// ParseSensorState maps a persisted state string back to a SensorState.
func ParseSensorState(raw string) SensorState {
	switch raw {
	case "INITIALIZING":
		return StateInitializing
	case "NORMAL":
		return StateNormal
	case "WARNING":
		return StateWarning
	case "ALERT":
		return StateAlert
	case "STALE":
		return StateStale
	default:
		return StateUnknown
	}
}

// CanGenerateEvents reports whether a stream in this state may emit WARNING
// or ALERT events. Streams warming up, stale, or unknown never emit.
func (s SensorState) CanGenerateEvents() bool {
	switch s {
	case StateNormal, StateWarning, StateAlert:
		return true
	default:
		return false
	}
}

// validTransitions is the complete transition table. Anything absent here is
// rejected by the state manager and logged.
var validTransitions = map[SensorState][]SensorState{
	StateInitializing: {StateNormal, StateStale},
	StateNormal:       {StateWarning, StateAlert, StateStale},
	StateWarning:      {StateNormal, StateAlert, StateStale},
	StateAlert:        {StateNormal, StateStale},
	StateStale:        {StateInitializing},
}

// ValidTransition reports whether from → to appears in the transition table.
func ValidTransition(from, to SensorState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

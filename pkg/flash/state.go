// Package flash writes disk images to one or more block devices in parallel,
// with optional read-back verification. A Coordinator owns one operation at a
// time; a fresh operation starts from Idle and ends in exactly one terminal
// state.
package flash

// State is the coordinator's phase within one flash operation.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateUnmounting
	StateDecompressing
	StateFlashing
	StateVerifying
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateValidating:    "validating",
	StateUnmounting:    "unmounting",
	StateDecompressing: "decompressing",
	StateFlashing:      "flashing",
	StateVerifying:     "verifying",
	StateCompleted:     "completed",
	StateFailed:        "failed",
	StateCancelled:     "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state ends the operation. A coordinator in a
// terminal state stays there; start a new operation for the next flash.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

package vault

import "fmt"

// State is a position in the unlock and recovery workflow.
type State int

const (
	StateLocked State = iota
	StateUnlocking
	StateUnlocked
	StateReconstructing
	StateForcedReset
	StateRewrapping
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	case StateReconstructing:
		return "reconstructing"
	case StateForcedReset:
		return "forced-reset"
	case StateRewrapping:
		return "rewrapping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Password unlocks go locked → unlocking → unlocked. Recovery goes
// locked → unlocking → reconstructing → forced-reset → rewrapping → unlocked.
// Any state may fall back to locked. Rewrapping returns to unlocked on
// success, or to forced-reset / unlocked (password change) on a failed
// commit that left storage untouched.
var transitions = map[State][]State{
	StateLocked:         {StateUnlocking},
	StateUnlocking:      {StateUnlocked, StateReconstructing, StateLocked},
	StateReconstructing: {StateForcedReset, StateLocked},
	StateForcedReset:    {StateRewrapping, StateLocked},
	StateRewrapping:     {StateUnlocked, StateForcedReset, StateLocked},
	StateUnlocked:       {StateRewrapping, StateLocked},
}

// CanTransition reports whether the workflow permits moving from s to next.
func (s State) CanTransition(next State) bool {
	if next == StateLocked {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

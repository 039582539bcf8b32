package progress

import "github.com/cory-johannsen/storyflow/internal/game/story"

// Status is the derived lifecycle state of a dialogue unit.
type Status int

const (
	// Locked units fail their start requirements.
	Locked Status = iota
	// Ready units may be started.
	Ready
	// Active is the unit currently executing.
	Active
	// Completed units have finished at least once.
	Completed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case Locked:
		return "locked"
	case Ready:
		return "ready"
	case Active:
		return "active"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// CanStart reports whether every clue and unit that u requires is present in v.
//
// Precondition: u and v must be non-nil.
// Postcondition: Has no side effects.
func CanStart(u *story.DialogueUnit, v View) bool {
	return satisfied(u.RequiredClues, u.RequiredUnits, v)
}

// CanExitStage reports whether every exit requirement of st is present in v.
//
// Precondition: st and v must be non-nil.
// Postcondition: Has no side effects.
func CanExitStage(st *story.Stage, v View) bool {
	return satisfied(st.ExitClues, st.ExitUnits, v)
}

// StatusOf derives the unit's status. Active takes precedence over Completed
// so that a reopened unit reports Active while it runs.
//
// Postcondition: Has no side effects.
func StatusOf(u *story.DialogueUnit, v View) Status {
	if active, ok := v.ActiveUnit(); ok && active == u.ID {
		return Active
	}
	if v.IsCompleted(u.ID) {
		return Completed
	}
	if CanStart(u, v) {
		return Ready
	}
	return Locked
}

// Startable reports whether a start request for u should be accepted, given
// that no other unit is active. Completed units are startable only when they
// declare themselves reopenable.
func Startable(u *story.DialogueUnit, v View) bool {
	switch StatusOf(u, v) {
	case Ready:
		return true
	case Completed:
		return u.Reopenable && CanStart(u, v)
	default:
		return false
	}
}

func satisfied(clues []story.ClueID, units []story.UnitID, v View) bool {
	for _, c := range clues {
		if !v.HasClue(c) {
			return false
		}
	}
	for _, id := range units {
		if !v.IsCompleted(id) {
			return false
		}
	}
	return true
}

// Package progress holds the mutable record of a playthrough's advancement and
// the pure gating logic evaluated against it.
package progress

import (
	"sort"

	"github.com/cory-johannsen/storyflow/internal/game/story"
)

// View is the read-only surface of progress consulted by the condition evaluator.
type View interface {
	HasClue(id story.ClueID) bool
	IsCompleted(id story.UnitID) bool
	ActiveUnit() (story.UnitID, bool)
}

// Transition is the payload carried across a stage boundary by the pending
// transition slot. Its contents are opaque to the engine.
type Transition struct {
	// FromStage is the stage that was active when the payload was cached.
	FromStage story.StageID
	// Payload is positional or contextual data owned by the presentation layer.
	Payload map[string]string
}

// State is the single source of truth for a playthrough. Clue and unit sets
// only grow until Reset. State is not safe for concurrent use; the flow
// controller owns it exclusively.
type State struct {
	currentStage story.StageID
	activeUnit   story.UnitID
	clues        map[story.ClueID]struct{}
	completed    map[story.UnitID]struct{}
	pending      Slot[Transition]
}

// NewState returns an empty State positioned in stage.
func NewState(stage story.StageID) *State {
	return &State{
		currentStage: stage,
		clues:        make(map[story.ClueID]struct{}),
		completed:    make(map[story.UnitID]struct{}),
	}
}

// CurrentStage returns the active stage id.
func (s *State) CurrentStage() story.StageID { return s.currentStage }

// SetCurrentStage records a new active stage.
func (s *State) SetCurrentStage(id story.StageID) { s.currentStage = id }

// ActiveUnit returns the unit mid-execution, if any.
func (s *State) ActiveUnit() (story.UnitID, bool) {
	return s.activeUnit, s.activeUnit != ""
}

// SetActiveUnit marks id as the unit mid-execution.
func (s *State) SetActiveUnit(id story.UnitID) { s.activeUnit = id }

// ClearActiveUnit clears the active unit if it equals id.
//
// Postcondition: Returns true if the active unit was cleared.
func (s *State) ClearActiveUnit(id story.UnitID) bool {
	if s.activeUnit != "" && s.activeUnit == id {
		s.activeUnit = ""
		return true
	}
	return false
}

// HasClue reports whether id is unlocked.
func (s *State) HasClue(id story.ClueID) bool {
	_, ok := s.clues[id]
	return ok
}

// AddClue unlocks id.
//
// Postcondition: Returns true only if id was not already unlocked.
func (s *State) AddClue(id story.ClueID) bool {
	if _, ok := s.clues[id]; ok {
		return false
	}
	s.clues[id] = struct{}{}
	return true
}

// IsCompleted reports whether unit id has completed.
func (s *State) IsCompleted(id story.UnitID) bool {
	_, ok := s.completed[id]
	return ok
}

// MarkCompleted records unit id as completed.
//
// Postcondition: Returns true only if id was not already completed.
func (s *State) MarkCompleted(id story.UnitID) bool {
	if _, ok := s.completed[id]; ok {
		return false
	}
	s.completed[id] = struct{}{}
	return true
}

// Pending returns the pending transition slot.
func (s *State) Pending() *Slot[Transition] { return &s.pending }

// Reset clears all progress and positions the state in stage.
func (s *State) Reset(stage story.StageID) {
	s.currentStage = stage
	s.activeUnit = ""
	s.clues = make(map[story.ClueID]struct{})
	s.completed = make(map[story.UnitID]struct{})
	s.pending.Clear()
}

// Replace overwrites progress with the given snapshot contents. The pending
// slot is cleared.
func (s *State) Replace(snap Snapshot) {
	s.currentStage = snap.CurrentStage
	s.activeUnit = snap.Active
	s.clues = make(map[story.ClueID]struct{}, len(snap.Clues))
	for _, c := range snap.Clues {
		s.clues[c] = struct{}{}
	}
	s.completed = make(map[story.UnitID]struct{}, len(snap.Completed))
	for _, u := range snap.Completed {
		s.completed[u] = struct{}{}
	}
	s.pending.Clear()
}

// Snapshot is an immutable copy of State with sets rendered as sorted slices.
type Snapshot struct {
	CurrentStage story.StageID
	Active       story.UnitID
	Clues        []story.ClueID
	Completed    []story.UnitID
}

// Snapshot copies the persistent portion of the state.
//
// Postcondition: Clues and Completed are sorted and never nil.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		CurrentStage: s.currentStage,
		Active:       s.activeUnit,
		Clues:        make([]story.ClueID, 0, len(s.clues)),
		Completed:    make([]story.UnitID, 0, len(s.completed)),
	}
	for c := range s.clues {
		snap.Clues = append(snap.Clues, c)
	}
	for u := range s.completed {
		snap.Completed = append(snap.Completed, u)
	}
	sort.Slice(snap.Clues, func(i, j int) bool { return snap.Clues[i] < snap.Clues[j] })
	sort.Slice(snap.Completed, func(i, j int) bool { return snap.Completed[i] < snap.Completed[j] })
	return snap
}

// HasClue reports whether the snapshot contains clue id.
func (s Snapshot) HasClue(id story.ClueID) bool {
	for _, c := range s.Clues {
		if c == id {
			return true
		}
	}
	return false
}

// IsCompleted reports whether the snapshot contains unit id.
func (s Snapshot) IsCompleted(id story.UnitID) bool {
	for _, u := range s.Completed {
		if u == id {
			return true
		}
	}
	return false
}

// ActiveUnit returns the snapshot's active unit, if any.
func (s Snapshot) ActiveUnit() (story.UnitID, bool) {
	return s.Active, s.Active != ""
}

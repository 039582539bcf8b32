// Package story provides the static narrative content model: stages, the
// dialogue units they contain, and the clue/completion requirements that gate them.
package story

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a stage or unit id is not present in the registry.
var ErrNotFound = errors.New("not found")

// ClueID identifies a piece of discovered evidence. Identity is its only payload.
type ClueID string

// UnitID identifies a dialogue unit. Unit ids are unique across a story.
type UnitID string

// StageID identifies a stage.
type StageID string

// Mode declares how a dialogue unit is executed once started.
type Mode string

const (
	// ModeScripted units play fixed lines through the presenter.
	ModeScripted Mode = "scripted"
	// ModeConversation units open a language-model-backed conversation session.
	ModeConversation Mode = "conversation"
)

// Line is one scripted line of dialogue.
type Line struct {
	Speaker string
	Text    string
}

// DialogueUnit is one addressable narrative beat.
type DialogueUnit struct {
	// ID uniquely identifies the unit.
	ID UnitID
	// Interactable names the presentation object whose visibility follows this
	// unit's availability. Empty means no binding.
	Interactable string
	// Mode selects scripted playback or a conversation session.
	Mode Mode
	// Speaker is the character voicing the unit; it keys fallback lines.
	Speaker string
	// Reopenable allows the unit to be started again after completion.
	Reopenable bool
	// RequiredClues must all be unlocked before the unit can start.
	RequiredClues []ClueID
	// RequiredUnits must all be completed before the unit can start.
	RequiredUnits []UnitID
	// GrantsClues are unlocked when the unit completes.
	GrantsClues []ClueID
	// Lines holds scripted content for ModeScripted units.
	Lines []Line
	// SeedPrompt opens the conversation for ModeConversation units.
	SeedPrompt string
	// CompletionMarker, when present in a model reply, completes the unit.
	CompletionMarker string
}

// Stage is one phase of the narrative.
type Stage struct {
	// ID uniquely identifies the stage.
	ID StageID
	// Title is the display name.
	Title string
	// Units lists the stage's dialogue units in authoring order.
	Units []*DialogueUnit
	// ExitClues must all be unlocked before the stage can be left.
	ExitClues []ClueID
	// ExitUnits must all be completed before the stage can be left.
	ExitUnits []UnitID
	// Next is the stage entered on advance. Empty means the stage is final.
	Next StageID
	// Script is an optional Lua file driving stage hooks.
	Script string
}

// Unit returns the unit with the given id from this stage.
//
// Postcondition: Returns (unit, true) if present, or (nil, false).
func (s *Stage) Unit(id UnitID) (*DialogueUnit, bool) {
	for _, u := range s.Units {
		if u.ID == id {
			return u, true
		}
	}
	return nil, false
}

// Story is a complete loaded content set.
type Story struct {
	ID         string
	Title      string
	StartStage StageID
	Stages     []*Stage
	// Fallbacks maps a speaker to lines used when the text service fails.
	// The "default" key applies to speakers without their own entry.
	Fallbacks map[string][]string
}

// DefaultFallbackKey is the Fallbacks key used for unlisted speakers.
const DefaultFallbackKey = "default"

// Validate checks story invariants.
//
// Postcondition: Returns nil if valid, or an error describing the first violation.
func (s *Story) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("story ID must not be empty")
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("story %q: must contain at least one stage", s.ID)
	}

	stages := make(map[StageID]bool, len(s.Stages))
	units := make(map[UnitID]StageID)
	for _, st := range s.Stages {
		if st.ID == "" {
			return fmt.Errorf("story %q: stage ID must not be empty", s.ID)
		}
		if stages[st.ID] {
			return fmt.Errorf("story %q: duplicate stage %q", s.ID, st.ID)
		}
		stages[st.ID] = true
		for _, u := range st.Units {
			if u.ID == "" {
				return fmt.Errorf("story %q: stage %q: unit ID must not be empty", s.ID, st.ID)
			}
			if owner, dup := units[u.ID]; dup {
				return fmt.Errorf("story %q: duplicate unit %q in stages %q and %q", s.ID, u.ID, owner, st.ID)
			}
			units[u.ID] = st.ID
			switch u.Mode {
			case ModeScripted:
			case ModeConversation:
				if u.SeedPrompt == "" {
					return fmt.Errorf("story %q: unit %q: conversation units need a seed prompt", s.ID, u.ID)
				}
			default:
				return fmt.Errorf("story %q: unit %q: unknown mode %q", s.ID, u.ID, u.Mode)
			}
		}
	}

	if s.StartStage != "" && !stages[s.StartStage] {
		return fmt.Errorf("story %q: start_stage %q not found", s.ID, s.StartStage)
	}
	for _, st := range s.Stages {
		if st.Next != "" && !stages[st.Next] {
			return fmt.Errorf("story %q: stage %q: next %q not found", s.ID, st.ID, st.Next)
		}
		for _, id := range st.ExitUnits {
			if _, ok := units[id]; !ok {
				return fmt.Errorf("story %q: stage %q: exit requires unknown unit %q", s.ID, st.ID, id)
			}
		}
		for _, u := range st.Units {
			for _, id := range u.RequiredUnits {
				if _, ok := units[id]; !ok {
					return fmt.Errorf("story %q: unit %q requires unknown unit %q", s.ID, u.ID, id)
				}
			}
		}
	}
	return nil
}

package story

import "fmt"

// Registry provides read-only lookup over a validated story. It is immutable
// after construction and safe for concurrent use.
type Registry struct {
	story      *Story
	stages     map[StageID]*Stage
	units      map[UnitID]*DialogueUnit
	unitStage  map[UnitID]StageID
	startStage StageID
}

// NewRegistry indexes a story for O(1) stage and unit lookup.
//
// Precondition: s must be non-nil.
// Postcondition: Returns a Registry, or an error if the story fails validation.
func NewRegistry(s *Story) (*Registry, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		story:      s,
		stages:     make(map[StageID]*Stage, len(s.Stages)),
		units:      make(map[UnitID]*DialogueUnit),
		unitStage:  make(map[UnitID]StageID),
		startStage: s.StartStage,
	}
	for _, st := range s.Stages {
		r.stages[st.ID] = st
		for _, u := range st.Units {
			r.units[u.ID] = u
			r.unitStage[u.ID] = st.ID
		}
	}
	if r.startStage == "" {
		r.startStage = s.Stages[0].ID
	}
	return r, nil
}

// Stage returns the stage with the given id.
//
// Postcondition: Returns the stage, or an error wrapping ErrNotFound.
func (r *Registry) Stage(id StageID) (*Stage, error) {
	st, ok := r.stages[id]
	if !ok {
		return nil, fmt.Errorf("stage %q: %w", id, ErrNotFound)
	}
	return st, nil
}

// Unit returns the unit unitID belonging to stage stageID.
//
// Postcondition: Returns the unit, or an error wrapping ErrNotFound if either
// id is unknown or the unit is not part of the stage.
func (r *Registry) Unit(stageID StageID, unitID UnitID) (*DialogueUnit, error) {
	st, err := r.Stage(stageID)
	if err != nil {
		return nil, err
	}
	u, ok := st.Unit(unitID)
	if !ok {
		return nil, fmt.Errorf("unit %q in stage %q: %w", unitID, stageID, ErrNotFound)
	}
	return u, nil
}

// StageOfUnit returns the id of the stage that owns unitID.
func (r *Registry) StageOfUnit(unitID UnitID) (StageID, bool) {
	id, ok := r.unitStage[unitID]
	return id, ok
}

// StartStage returns the stage a new playthrough begins in.
func (r *Registry) StartStage() StageID {
	return r.startStage
}

// Stages returns all stages in authoring order.
func (r *Registry) Stages() []*Stage {
	return r.story.Stages
}

// StoryID returns the loaded story's id.
func (r *Registry) StoryID() string {
	return r.story.ID
}

// Title returns the loaded story's title.
func (r *Registry) Title() string {
	return r.story.Title
}

// Fallbacks returns the lines for speaker used when the text service fails,
// falling back to the default entry.
//
// Postcondition: Returns a possibly empty slice.
func (r *Registry) Fallbacks(speaker string) []string {
	if lines, ok := r.story.Fallbacks[speaker]; ok && len(lines) > 0 {
		return lines
	}
	return r.story.Fallbacks[DefaultFallbackKey]
}

// StageCount returns the number of stages.
func (r *Registry) StageCount() int {
	return len(r.stages)
}

// UnitCount returns the number of units across all stages.
func (r *Registry) UnitCount() int {
	return len(r.units)
}

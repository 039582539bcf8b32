package eventbus

import (
	"time"

	"github.com/cory-johannsen/storyflow/internal/game/story"
)

// Topic names an event kind.
type Topic string

// Notification topics, produced by the flow controller.
const (
	TopicUnitStarted   Topic = "unit.started"
	TopicUnitCompleted Topic = "unit.completed"
	TopicClueUnlocked  Topic = "clue.unlocked"
	TopicStageChanged  Topic = "stage.changed"
)

// Request topics, produced by any collaborator and consumed by the flow controller.
const (
	TopicUnitStartRequested   Topic = "unit.start_requested"
	TopicClueUnlockRequested  Topic = "clue.unlock_requested"
	TopicStageChangeRequested Topic = "stage.change_requested"
)

// Event is a message carried by the bus.
type Event interface {
	Topic() Topic
}

// UnitStarted is published when a dialogue unit becomes active.
type UnitStarted struct {
	Stage story.StageID
	Unit  story.UnitID
}

// UnitCompleted is published once per unit, the first time it completes.
type UnitCompleted struct {
	Stage story.StageID
	Unit  story.UnitID
}

// ClueUnlocked is published once per clue, the first time it is unlocked.
type ClueUnlocked struct {
	Clue story.ClueID
	// Source is the unit whose completion granted the clue, empty for direct unlocks.
	Source story.UnitID
}

// StageChanged is published whenever a stage is loaded, including on restore.
type StageChanged struct {
	From     story.StageID
	To       story.StageID
	Restored bool
}

// UnitStartRequested asks the flow controller to start a unit.
type UnitStartRequested struct {
	Unit story.UnitID
}

// ClueUnlockRequested asks the flow controller to unlock a clue after Delay.
type ClueUnlockRequested struct {
	Clue  story.ClueID
	Delay time.Duration
}

// StageChangeRequested asks the flow controller to move to Stage.
type StageChangeRequested struct {
	Stage story.StageID
}

func (UnitStarted) Topic() Topic          { return TopicUnitStarted }
func (UnitCompleted) Topic() Topic        { return TopicUnitCompleted }
func (ClueUnlocked) Topic() Topic         { return TopicClueUnlocked }
func (StageChanged) Topic() Topic         { return TopicStageChanged }
func (UnitStartRequested) Topic() Topic   { return TopicUnitStartRequested }
func (ClueUnlockRequested) Topic() Topic  { return TopicClueUnlockRequested }
func (StageChangeRequested) Topic() Topic { return TopicStageChangeRequested }

package flow

import (
	"context"

	"github.com/cory-johannsen/storyflow/internal/game/conversation"
	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/game/story"
)

// Presenter is the presentation collaborator driven by the controller. All
// methods except Play are called on the update loop and must not block.
type Presenter interface {
	// BindStage activates presentation for a stage.
	BindStage(st *story.Stage)
	// UnbindStage deactivates presentation for a stage.
	UnbindStage(st *story.Stage)
	// SetInteractable reflects a unit's derived status on its presentation object.
	SetInteractable(u *story.DialogueUnit, status progress.Status)
	// Play presents a scripted unit's lines. It runs off the update loop and
	// must return promptly with ctx.Err() when ctx is cancelled.
	Play(ctx context.Context, u *story.DialogueUnit) error
	// ShowReply presents a conversation reply.
	ShowReply(u *story.DialogueUnit, r conversation.Reply)
}

// NopPresenter ignores bindings and finishes playback immediately.
type NopPresenter struct{}

func (NopPresenter) BindStage(*story.Stage) {}
func (NopPresenter) UnbindStage(*story.Stage) {}
func (NopPresenter) SetInteractable(*story.DialogueUnit, progress.Status) {}
func (NopPresenter) Play(ctx context.Context, _ *story.DialogueUnit) error { return ctx.Err() }
func (NopPresenter) ShowReply(*story.DialogueUnit, conversation.Reply) {}

package flow

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/game/conversation"
	"github.com/cory-johannsen/storyflow/internal/game/story"
)

// startPlayback runs a scripted unit through the presenter off the loop. A
// playback that ends without cancellation completes the unit.
func (c *Controller) startPlayback(u *story.DialogueUnit) {
	ctx, cancel := context.WithCancel(context.Background())
	c.playSeq++
	token := c.playSeq
	c.play = &playback{unit: u.ID, token: token, cancel: cancel}

	go func() {
		err := c.presenter.Play(ctx, u)
		c.dispatcher.Post(func() { c.finishPlayback(u.ID, token, err) })
	}()
}

func (c *Controller) finishPlayback(id story.UnitID, token uint64, err error) {
	if c.play == nil || c.play.token != token {
		c.logger.Debug("flow: stale playback result ignored", zap.String("unit", string(id)))
		return
	}
	c.play.cancel()
	c.play = nil
	if err != nil {
		c.logger.Debug("flow: playback ended early", zap.String("unit", string(id)), zap.Error(err))
		c.state.ClearActiveUnit(id)
		c.refresh()
		return
	}
	_ = c.CompleteUnit(id)
}

func (c *Controller) cancelPlayback() {
	if c.play == nil {
		return
	}
	c.play.cancel()
	c.logger.Debug("flow: playback cancelled", zap.String("unit", string(c.play.unit)))
	c.play = nil
}

func (c *Controller) openConversation(u *story.DialogueUnit) {
	h := c.conv.Begin(u.Speaker, u.SeedPrompt)
	c.talk = &talk{unit: u, handle: h}
}

func (c *Controller) endConversation() {
	if c.talk == nil {
		return
	}
	c.conv.End(c.talk.handle)
	c.talk = nil
}

// InConversation reports whether a conversation unit is active, and which.
func (c *Controller) InConversation() (*story.DialogueUnit, bool) {
	if c.talk == nil {
		return nil, false
	}
	return c.talk.unit, true
}

// Say sends player text to the active conversation unit. The reply reaches the
// presenter later on the update loop; a reply carrying the unit's completion
// marker completes the unit.
//
// Postcondition: Returns ErrNoConversation if no conversation unit is active
// and conversation.ErrBusy while a reply is pending; otherwise nil.
func (c *Controller) Say(ctx context.Context, text string) error {
	t := c.talk
	if t == nil {
		return ErrNoConversation
	}
	if t.inFlight {
		return conversation.ErrBusy
	}
	t.inFlight = true
	u, h := t.unit, t.handle
	go func() {
		r, err := c.conv.Turn(ctx, h, text)
		c.dispatcher.Post(func() { c.deliverReply(u, h, r, err) })
	}()
	return nil
}

func (c *Controller) deliverReply(u *story.DialogueUnit, h conversation.Handle, r conversation.Reply, err error) {
	if c.talk == nil || c.talk.handle != h {
		c.logger.Debug("flow: reply for ended conversation discarded", zap.String("unit", string(u.ID)))
		return
	}
	c.talk.inFlight = false
	if err != nil {
		if !errors.Is(err, conversation.ErrSessionEnded) {
			c.logger.Warn("flow: conversation turn rejected", zap.String("unit", string(u.ID)), zap.Error(err))
		}
		return
	}
	done := false
	if !r.Fallback && u.CompletionMarker != "" && strings.Contains(r.Text, u.CompletionMarker) {
		r.Text = strings.TrimSpace(strings.ReplaceAll(r.Text, u.CompletionMarker, ""))
		done = true
	}
	c.presenter.ShowReply(u, r)
	if done {
		_ = c.CompleteUnit(u.ID)
	}
}

// Package flow orchestrates stage activation, dialogue unit execution and
// progress mutation. The Controller is the only writer of progress state.
package flow

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/game/conversation"
	"github.com/cory-johannsen/storyflow/internal/game/eventbus"
	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/game/story"
	"github.com/cory-johannsen/storyflow/internal/savegame"
)

var (
	// ErrBusy is returned when a unit start is requested while another unit is active.
	ErrBusy = errors.New("a dialogue unit is already active")
	// ErrNoConversation is returned by Say when no conversation unit is active.
	ErrNoConversation = errors.New("no conversation unit is active")
	// ErrStoryMismatch is returned when restoring a record saved for another story.
	ErrStoryMismatch = errors.New("save record belongs to a different story")
)

// Autosaver receives a fresh record after every forward progress change.
type Autosaver interface {
	Request(rec savegame.Record)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithPresenter sets the presentation collaborator.
func WithPresenter(p Presenter) Option {
	return func(c *Controller) { c.presenter = p }
}

// WithDispatcher sets the update loop the controller posts asynchronous
// results to. Every controller method must be called from that loop.
func WithDispatcher(d Dispatcher) Option {
	return func(c *Controller) { c.dispatcher = d }
}

// WithAutosaver sets the sink notified after forward progress.
func WithAutosaver(a Autosaver) Option {
	return func(c *Controller) { c.autosaver = a }
}

// WithClock replaces time.Now for play-time and save timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTimerFunc replaces the timer used for delayed clue unlocks.
func WithTimerFunc(f TimerFunc) Option {
	return func(c *Controller) { c.afterFunc = f }
}

type playback struct {
	unit   story.UnitID
	token  uint64
	cancel func()
}

type talk struct {
	unit     *story.DialogueUnit
	handle   conversation.Handle
	inFlight bool
}

// Controller drives a single playthrough. It is not safe for concurrent use:
// every method must run on the dispatcher's update loop.
type Controller struct {
	reg        *story.Registry
	bus        *eventbus.Bus
	conv       *conversation.Manager
	logger     *zap.Logger
	presenter  Presenter
	dispatcher Dispatcher
	autosaver  Autosaver
	now        func() time.Time
	afterFunc  TimerFunc
	ownLoop    *Loop

	state *progress.State
	play  *playback
	talk  *talk

	playSeq  uint64
	timerSeq uint64
	timers   map[uint64]Timer
	epoch    uint64

	playBase  time.Duration
	playStart time.Time

	subs   eventbus.Subscriptions
	closed bool
}

// New wires a Controller to its collaborators and subscribes it to bus
// requests. The playthrough is empty until NewGame or Restore is called.
//
// Precondition: reg, bus and conv must be non-nil.
// Postcondition: Returns a Controller with no current stage. Without
// WithDispatcher the controller runs its own update loop, stopped by Close.
func New(reg *story.Registry, bus *eventbus.Bus, conv *conversation.Manager, opts ...Option) *Controller {
	c := &Controller{
		reg:       reg,
		bus:       bus,
		conv:      conv,
		logger:    zap.NewNop(),
		presenter: NopPresenter{},
		now:       time.Now,
		afterFunc: newDelayTimer,
		state:     progress.NewState(""),
		timers:    make(map[uint64]Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatcher == nil {
		c.ownLoop = NewLoop(c.logger)
		c.dispatcher = c.ownLoop
		go func() { _ = c.ownLoop.Start() }()
	}
	c.playStart = c.now()

	c.subs = eventbus.Subscriptions{
		eventbus.Subscribe(bus, func(e eventbus.UnitStartRequested) {
			c.dispatcher.Post(func() {
				if !c.closed {
					_ = c.StartUnit(e.Unit)
				}
			})
		}),
		eventbus.Subscribe(bus, func(e eventbus.ClueUnlockRequested) {
			c.dispatcher.Post(func() {
				if !c.closed {
					c.UnlockClue(e.Clue, e.Delay)
				}
			})
		}),
		eventbus.Subscribe(bus, func(e eventbus.StageChangeRequested) {
			c.dispatcher.Post(func() {
				if !c.closed {
					c.requestStageChange(e.Stage)
				}
			})
		}),
	}
	return c
}

// CurrentStage returns the active stage, or nil before the first stage load.
func (c *Controller) CurrentStage() *story.Stage {
	st, err := c.reg.Stage(c.state.CurrentStage())
	if err != nil {
		return nil
	}
	return st
}

// Snapshot returns a read-only copy of progress.
func (c *Controller) Snapshot() progress.Snapshot {
	return c.state.Snapshot()
}

// Status returns the derived status of unit id.
//
// Postcondition: Returns an error wrapping story.ErrNotFound for unknown ids.
func (c *Controller) Status(id story.UnitID) (progress.Status, error) {
	u, _, err := c.lookupUnit(id)
	if err != nil {
		return progress.Locked, err
	}
	return progress.StatusOf(u, c.state), nil
}

// PlayTime returns the accumulated play time of the playthrough.
func (c *Controller) PlayTime() time.Duration {
	return c.playBase + c.now().Sub(c.playStart)
}

// NewGame clears all progress and loads the start stage.
//
// Postcondition: Progress is empty and the start stage is current.
func (c *Controller) NewGame() error {
	start, err := c.reg.Stage(c.reg.StartStage())
	if err != nil {
		c.logger.Error("flow: start stage missing", zap.String("stage", string(c.reg.StartStage())))
		return err
	}
	from := c.state.CurrentStage()
	c.reset()
	c.state.Reset(start.ID)
	c.playBase = 0
	c.playStart = c.now()
	c.logger.Info("flow: new game", zap.String("story", c.reg.StoryID()))
	c.enterStage(from, start, false)
	return nil
}

// LoadStage activates stage id. Any active unit is interrupted.
//
// Postcondition: Returns an error wrapping story.ErrNotFound and changes
// nothing if id is unknown. Otherwise id is current, every unit's binding
// reflects its status, and StageChanged has been published.
func (c *Controller) LoadStage(id story.StageID) error {
	st, err := c.reg.Stage(id)
	if err != nil {
		c.logger.Warn("flow: load of unknown stage", zap.String("stage", string(id)))
		return err
	}
	c.enterStage(c.state.CurrentStage(), st, false)
	return nil
}

func (c *Controller) enterStage(from story.StageID, st *story.Stage, restored bool) {
	c.abortActive()
	if from != "" {
		if old, err := c.reg.Stage(from); err == nil {
			c.presenter.UnbindStage(old)
		}
	}
	c.state.SetCurrentStage(st.ID)
	c.presenter.BindStage(st)
	c.refresh()
	c.logger.Info("flow: stage loaded",
		zap.String("from", string(from)),
		zap.String("to", string(st.ID)),
		zap.Bool("restored", restored),
	)
	c.bus.Publish(eventbus.StageChanged{From: from, To: st.ID, Restored: restored})
}

// TryAdvanceStage moves to the current stage's next stage when its exit
// requirements are met.
//
// Postcondition: Returns true if the stage changed. Unmet requirements or a
// final stage return false and a nil error.
func (c *Controller) TryAdvanceStage() (bool, error) {
	cur := c.CurrentStage()
	if cur == nil {
		c.logger.Debug("flow: advance with no current stage")
		return false, nil
	}
	if !progress.CanExitStage(cur, c.state) {
		c.logger.Debug("flow: stage exit requirements not met", zap.String("stage", string(cur.ID)))
		return false, nil
	}
	if cur.Next == "" {
		c.logger.Debug("flow: final stage has no next", zap.String("stage", string(cur.ID)))
		return false, nil
	}
	if err := c.LoadStage(cur.Next); err != nil {
		return false, err
	}
	c.requestAutosave()
	return true, nil
}

func (c *Controller) requestStageChange(id story.StageID) {
	cur := c.CurrentStage()
	if cur == nil || cur.Next == "" || cur.Next != id {
		c.logger.Debug("flow: stage change request is not the next stage",
			zap.String("requested", string(id)),
			zap.String("current", string(c.state.CurrentStage())),
		)
		return
	}
	_, _ = c.TryAdvanceStage()
}

// StartUnit activates unit id and begins running it.
//
// Postcondition: Returns an error wrapping story.ErrNotFound for unknown ids
// and ErrBusy while any unit is active. A unit outside the current stage, a
// locked unit or a completed unit that is not reopenable is left alone and nil
// is returned. On acceptance UnitStarted has been published.
func (c *Controller) StartUnit(id story.UnitID) error {
	u, stageID, err := c.lookupUnit(id)
	if err != nil {
		c.logger.Warn("flow: start of unknown unit", zap.String("unit", string(id)))
		return err
	}
	if active, ok := c.state.ActiveUnit(); ok {
		c.logger.Debug("flow: start rejected, unit active",
			zap.String("unit", string(id)),
			zap.String("active", string(active)),
		)
		return fmt.Errorf("starting %q: %w", id, ErrBusy)
	}
	if stageID != c.state.CurrentStage() {
		c.logger.Debug("flow: start rejected, unit not in current stage",
			zap.String("unit", string(id)),
			zap.String("stage", string(stageID)),
		)
		return nil
	}
	if !progress.Startable(u, c.state) {
		c.logger.Debug("flow: start precondition failed",
			zap.String("unit", string(id)),
			zap.Stringer("status", progress.StatusOf(u, c.state)),
		)
		return nil
	}

	c.state.SetActiveUnit(id)
	c.refresh()
	c.logger.Debug("flow: unit started", zap.String("unit", string(id)), zap.String("mode", string(u.Mode)))
	c.bus.Publish(eventbus.UnitStarted{Stage: stageID, Unit: id})

	switch u.Mode {
	case story.ModeConversation:
		c.openConversation(u)
	default:
		c.startPlayback(u)
	}
	return nil
}

// CompleteUnit records unit id as completed and grants its clues. Completing
// an already completed unit is a no-op.
//
// Postcondition: Returns an error wrapping story.ErrNotFound for unknown ids.
// Otherwise UnitCompleted has been published, followed by one ClueUnlocked per
// newly granted clue.
func (c *Controller) CompleteUnit(id story.UnitID) error {
	u, stageID, err := c.lookupUnit(id)
	if err != nil {
		c.logger.Warn("flow: completion of unknown unit", zap.String("unit", string(id)))
		return err
	}
	if !c.state.MarkCompleted(id) {
		// A reopened unit finishing again only releases the active slot.
		if c.finishActive(id) {
			c.refresh()
		}
		c.logger.Debug("flow: unit already completed", zap.String("unit", string(id)))
		return nil
	}
	c.finishActive(id)
	var granted []story.ClueID
	for _, clue := range u.GrantsClues {
		if c.state.AddClue(clue) {
			granted = append(granted, clue)
		}
	}
	c.refresh()
	c.logger.Info("flow: unit completed",
		zap.String("unit", string(id)),
		zap.Int("clues_granted", len(granted)),
	)

	c.bus.Publish(eventbus.UnitCompleted{Stage: stageID, Unit: id})
	for _, clue := range granted {
		c.bus.Publish(eventbus.ClueUnlocked{Clue: clue, Source: id})
	}
	c.requestAutosave()
	return nil
}

// UnlockClue unlocks clue id, immediately when delay is zero or later on the
// update loop. Unlocking a clue already held is a no-op.
func (c *Controller) UnlockClue(id story.ClueID, delay time.Duration) {
	if id == "" {
		return
	}
	if c.state.HasClue(id) {
		c.logger.Debug("flow: clue already unlocked", zap.String("clue", string(id)))
		return
	}
	if delay <= 0 {
		c.unlockNow(id)
		return
	}
	c.timerSeq++
	key, epoch := c.timerSeq, c.epoch
	c.timers[key] = c.afterFunc(delay, func() {
		c.dispatcher.Post(func() { c.fireTimer(key, epoch, id) })
	})
	c.logger.Debug("flow: clue unlock scheduled", zap.String("clue", string(id)), zap.Duration("delay", delay))
}

func (c *Controller) fireTimer(key, epoch uint64, id story.ClueID) {
	if c.closed || epoch != c.epoch {
		return
	}
	delete(c.timers, key)
	if c.state.HasClue(id) {
		return
	}
	c.unlockNow(id)
}

func (c *Controller) unlockNow(id story.ClueID) {
	if !c.state.AddClue(id) {
		return
	}
	c.refresh()
	c.logger.Info("flow: clue unlocked", zap.String("clue", string(id)))
	c.bus.Publish(eventbus.ClueUnlocked{Clue: id})
	c.requestAutosave()
}

// Interrupt abandons the active unit without completing it.
//
// Postcondition: Returns true if a unit was active; it is Ready (or Locked) again.
func (c *Controller) Interrupt() bool {
	if _, ok := c.state.ActiveUnit(); !ok {
		return false
	}
	c.abortActive()
	c.refresh()
	return true
}

// CacheTransition stores payload for the next stage to consume. An unconsumed
// payload is replaced.
func (c *Controller) CacheTransition(payload map[string]string) {
	t := progress.Transition{FromStage: c.state.CurrentStage(), Payload: payload}
	if c.state.Pending().Set(t) {
		c.logger.Warn("flow: unconsumed pending transition overwritten",
			zap.String("stage", string(t.FromStage)),
		)
	}
}

// ConsumeTransition returns the cached transition and clears it.
func (c *Controller) ConsumeTransition() (progress.Transition, bool) {
	return c.state.Pending().Take()
}

// Save encodes the current progress.
func (c *Controller) Save() savegame.Record {
	return savegame.Encode(c.state.Snapshot(), savegame.Meta{
		StoryID:  c.reg.StoryID(),
		SavedAt:  c.now(),
		PlayTime: c.PlayTime(),
	})
}

// Restore replaces progress with rec without publishing completion or unlock
// notifications. The saved stage is loaded as if by LoadStage, with
// StageChanged.Restored set. A unit that was active when saved is not resumed.
//
// Postcondition: Returns a non-nil error and changes nothing if rec fails
// verification, belongs to another story, or names an unknown stage.
func (c *Controller) Restore(rec savegame.Record) error {
	if err := rec.Verify(); err != nil {
		c.logger.Warn("flow: restore rejected", zap.Error(err))
		return err
	}
	if rec.StoryID != "" && rec.StoryID != c.reg.StoryID() {
		c.logger.Warn("flow: restore rejected",
			zap.String("record_story", rec.StoryID),
			zap.String("story", c.reg.StoryID()),
		)
		return fmt.Errorf("%q: %w", rec.StoryID, ErrStoryMismatch)
	}
	st, err := c.reg.Stage(rec.CurrentStage)
	if err != nil {
		c.logger.Warn("flow: restore names unknown stage", zap.String("stage", string(rec.CurrentStage)))
		return err
	}

	from := c.state.CurrentStage()
	c.reset()
	snap := rec.Snapshot()
	if snap.Active != "" {
		c.logger.Debug("flow: interrupted unit not resumed", zap.String("unit", string(snap.Active)))
		snap.Active = ""
	}
	c.state.Replace(snap)
	c.playBase = rec.PlayTime
	c.playStart = c.now()
	c.enterStage(from, st, true)
	return nil
}

// Close releases bus subscriptions and cancels playback, conversations and
// timers. The controller ignores further requests.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.subs.Close()
	c.reset()
	if c.ownLoop != nil {
		c.ownLoop.Stop()
	}
}

func (c *Controller) reset() {
	c.abortActive()
	for key, t := range c.timers {
		t.Stop()
		delete(c.timers, key)
	}
	c.epoch++
}

// finishActive clears id from the active slot and releases its playback or
// conversation.
func (c *Controller) finishActive(id story.UnitID) bool {
	if !c.state.ClearActiveUnit(id) {
		return false
	}
	if c.play != nil && c.play.unit == id {
		c.cancelPlayback()
	}
	if c.talk != nil && c.talk.unit.ID == id {
		c.endConversation()
	}
	return true
}

func (c *Controller) abortActive() {
	c.cancelPlayback()
	c.endConversation()
	if id, ok := c.state.ActiveUnit(); ok {
		c.state.ClearActiveUnit(id)
		c.logger.Debug("flow: active unit interrupted", zap.String("unit", string(id)))
	}
}

// refresh re-derives every unit's status in the current stage.
func (c *Controller) refresh() {
	st := c.CurrentStage()
	if st == nil {
		return
	}
	for _, u := range st.Units {
		c.presenter.SetInteractable(u, progress.StatusOf(u, c.state))
	}
}

func (c *Controller) requestAutosave() {
	if c.autosaver == nil {
		return
	}
	c.autosaver.Request(c.Save())
}

func (c *Controller) lookupUnit(id story.UnitID) (*story.DialogueUnit, story.StageID, error) {
	stageID, ok := c.reg.StageOfUnit(id)
	if !ok {
		return nil, "", fmt.Errorf("unit %q: %w", id, story.ErrNotFound)
	}
	u, err := c.reg.Unit(stageID, id)
	if err != nil {
		return nil, "", err
	}
	return u, stageID, nil
}

package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/storyflow/internal/game/conversation"
	"github.com/cory-johannsen/storyflow/internal/game/eventbus"
	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/game/story"
	"github.com/cory-johannsen/storyflow/internal/llm"
	"github.com/cory-johannsen/storyflow/internal/savegame"
)

// manualDispatcher queues posted work until the test runs it.
type manualDispatcher struct {
	ch chan func()
}

func newManualDispatcher() *manualDispatcher {
	return &manualDispatcher{ch: make(chan func(), 256)}
}

func (d *manualDispatcher) Post(fn func()) { d.ch <- fn }

// runNext waits for one posted task and runs it.
func (d *manualDispatcher) runNext(t testing.TB) {
	t.Helper()
	select {
	case fn := <-d.ch:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("no work was posted to the update loop")
	}
}

// runQueued runs every task already posted.
func (d *manualDispatcher) runQueued() {
	for {
		select {
		case fn := <-d.ch:
			fn()
		default:
			return
		}
	}
}

type fakePresenter struct {
	mu       sync.Mutex
	block    bool
	bound    []story.StageID
	unbound  []story.StageID
	statuses map[story.UnitID]progress.Status
	played   []story.UnitID
	replies  []conversation.Reply
}

func newFakePresenter() *fakePresenter {
	return &fakePresenter{statuses: make(map[story.UnitID]progress.Status)}
}

func (p *fakePresenter) BindStage(st *story.Stage) { p.bound = append(p.bound, st.ID) }

func (p *fakePresenter) UnbindStage(st *story.Stage) { p.unbound = append(p.unbound, st.ID) }

func (p *fakePresenter) SetInteractable(u *story.DialogueUnit, s progress.Status) {
	p.statuses[u.ID] = s
}

func (p *fakePresenter) Play(ctx context.Context, u *story.DialogueUnit) error {
	p.mu.Lock()
	p.played = append(p.played, u.ID)
	block := p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePresenter) ShowReply(_ *story.DialogueUnit, r conversation.Reply) {
	p.replies = append(p.replies, r)
}

type fakeTimer struct {
	delay   time.Duration
	fire    func()
	stopped bool
}

func (t *fakeTimer) Stop() { t.stopped = true }

type fakeTimers struct {
	pending []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{delay: d, fire: fn}
	f.pending = append(f.pending, t)
	return t
}

func (f *fakeTimers) fireAll() {
	for _, t := range f.pending {
		if !t.stopped {
			t.fire()
		}
	}
	f.pending = nil
}

type fakeAutosaver struct {
	records []savegame.Record
}

func (a *fakeAutosaver) Request(rec savegame.Record) { a.records = append(a.records, rec) }

// eventLog records notifications as short strings in delivery order.
type eventLog struct {
	entries []string
}

func (l *eventLog) attach(bus *eventbus.Bus) {
	bus.OnUnitStarted(func(e eventbus.UnitStarted) {
		l.entries = append(l.entries, "started:"+string(e.Unit))
	})
	bus.OnUnitCompleted(func(e eventbus.UnitCompleted) {
		l.entries = append(l.entries, "completed:"+string(e.Unit))
	})
	bus.OnClueUnlocked(func(e eventbus.ClueUnlocked) {
		l.entries = append(l.entries, "clue:"+string(e.Clue))
	})
	bus.OnStageChanged(func(e eventbus.StageChanged) {
		s := fmt.Sprintf("stage:%s->%s", e.From, e.To)
		if e.Restored {
			s += "(restored)"
		}
		l.entries = append(l.entries, s)
	})
}

func (l *eventLog) count(prefix string) int {
	n := 0
	for _, e := range l.entries {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func fixtureStory() *story.Story {
	return &story.Story{
		ID:    "manor",
		Title: "The Manor",
		Stages: []*story.Stage{
			{
				ID:        "S1",
				ExitClues: []story.ClueID{"C1"},
				Next:      "S2",
				Units: []*story.DialogueUnit{
					{ID: "U1", Mode: story.ModeScripted, Interactable: "door", GrantsClues: []story.ClueID{"C1"}},
					{ID: "U2", Mode: story.ModeScripted, RequiredClues: []story.ClueID{"C1"}, GrantsClues: []story.ClueID{"C2", "C3"}},
					{ID: "U4", Mode: story.ModeScripted, Reopenable: true},
				},
			},
			{
				ID: "S2",
				Units: []*story.DialogueUnit{
					{
						ID:               "U3",
						Mode:             story.ModeConversation,
						Speaker:          "Butler",
						SeedPrompt:       "You are the butler.",
						CompletionMarker: "[[DONE]]",
						GrantsClues:      []story.ClueID{"C4"},
					},
				},
			},
		},
		Fallbacks: map[string][]string{"Butler": {"Hmph."}},
	}
}

type harness struct {
	c      *Controller
	bus    *eventbus.Bus
	disp   *manualDispatcher
	pres   *fakePresenter
	events *eventLog
	saves  *fakeAutosaver
	timers *fakeTimers
	logs   *observer.ObservedLogs
	now    time.Time
}

func newHarness(gen llm.Generator) *harness {
	reg, err := story.NewRegistry(fixtureStory())
	if err != nil {
		panic(err)
	}
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	if gen == nil {
		gen = llm.Disabled
	}
	h := &harness{
		bus:    eventbus.New(logger),
		disp:   newManualDispatcher(),
		pres:   newFakePresenter(),
		events: &eventLog{},
		saves:  &fakeAutosaver{},
		timers: &fakeTimers{},
		logs:   logs,
		now:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.events.attach(h.bus)
	conv := conversation.NewManager(gen, reg, logger)
	h.c = New(reg, h.bus, conv,
		WithLogger(logger),
		WithPresenter(h.pres),
		WithDispatcher(h.disp),
		WithAutosaver(h.saves),
		WithClock(func() time.Time { return h.now }),
		WithTimerFunc(h.timers.afterFunc),
	)
	return h
}

func startedHarness(t *testing.T, gen llm.Generator) *harness {
	t.Helper()
	h := newHarness(gen)
	t.Cleanup(h.c.Close)
	require.NoError(t, h.c.NewGame())
	h.events.entries = nil
	return h
}

func TestNewGame_LoadsStartStage(t *testing.T) {
	h := newHarness(nil)
	t.Cleanup(h.c.Close)
	require.NoError(t, h.c.NewGame())

	assert.Equal(t, story.StageID("S1"), h.c.Snapshot().CurrentStage)
	assert.Equal(t, []story.StageID{"S1"}, h.pres.bound)
	assert.Equal(t, []string{"stage:->S1"}, h.events.entries)
	assert.Equal(t, progress.Ready, h.pres.statuses["U1"])
	assert.Equal(t, progress.Locked, h.pres.statuses["U2"])
	assert.Empty(t, h.saves.records, "loading a stage is not forward progress")
}

func TestScenarioA_StartThenComplete(t *testing.T) {
	h := startedHarness(t, nil)
	h.pres.block = true

	require.NoError(t, h.c.StartUnit("U1"))
	active, ok := h.c.Snapshot().ActiveUnit()
	require.True(t, ok)
	assert.Equal(t, story.UnitID("U1"), active)
	assert.Equal(t, progress.Active, h.pres.statuses["U1"])

	require.NoError(t, h.c.CompleteUnit("U1"))
	snap := h.c.Snapshot()
	assert.Equal(t, []story.ClueID{"C1"}, snap.Clues)
	assert.Equal(t, []story.UnitID{"U1"}, snap.Completed)
	_, ok = snap.ActiveUnit()
	assert.False(t, ok)

	// The cancelled playback reports back and must be ignored.
	h.disp.runNext(t)
	assert.Equal(t, []story.UnitID{"U1"}, h.c.Snapshot().Completed)
	assert.Equal(t, []string{"started:U1", "completed:U1", "clue:C1"}, h.events.entries)
}

func TestScenarioB_RequirementUnlocksAfterScenarioA(t *testing.T) {
	h := startedHarness(t, nil)
	u2, err := h.c.Status("U2")
	require.NoError(t, err)
	assert.Equal(t, progress.Locked, u2)

	require.NoError(t, h.c.StartUnit("U2"))
	_, active := h.c.Snapshot().ActiveUnit()
	assert.False(t, active, "locked unit does not start")

	require.NoError(t, h.c.CompleteUnit("U1"))
	u2, err = h.c.Status("U2")
	require.NoError(t, err)
	assert.Equal(t, progress.Ready, u2)
	assert.Equal(t, progress.Ready, h.pres.statuses["U2"], "playability re-derived on completion")
}

func TestScenarioC_AdvanceGatedByExitClues(t *testing.T) {
	h := startedHarness(t, nil)

	moved, err := h.c.TryAdvanceStage()
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, story.StageID("S1"), h.c.Snapshot().CurrentStage)

	require.NoError(t, h.c.CompleteUnit("U1"))
	moved, err = h.c.TryAdvanceStage()
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, story.StageID("S2"), h.c.Snapshot().CurrentStage)
	assert.Equal(t, []story.StageID{"S1"}, h.pres.unbound)
	assert.Contains(t, h.events.entries, "stage:S1->S2")

	moved, err = h.c.TryAdvanceStage()
	require.NoError(t, err)
	assert.False(t, moved, "final stage")
}

func TestScenarioD_SecondStartIsBusy(t *testing.T) {
	h := startedHarness(t, nil)
	h.pres.block = true

	require.NoError(t, h.c.StartUnit("U1"))
	err := h.c.StartUnit("U1")
	assert.ErrorIs(t, err, ErrBusy)
	err = h.c.StartUnit("U4")
	assert.ErrorIs(t, err, ErrBusy)

	active, _ := h.c.Snapshot().ActiveUnit()
	assert.Equal(t, story.UnitID("U1"), active)
	assert.Equal(t, 1, h.events.count("started:"))
}

func TestCompleteUnit_OrderingCompletionBeforeUnlocks(t *testing.T) {
	h := startedHarness(t, nil)
	require.NoError(t, h.c.CompleteUnit("U1"))
	h.events.entries = nil

	require.NoError(t, h.c.CompleteUnit("U2"))
	assert.Equal(t, []string{"completed:U2", "clue:C2", "clue:C3"}, h.events.entries)
}

func TestCompleteUnit_Idempotent(t *testing.T) {
	h := startedHarness(t, nil)
	require.NoError(t, h.c.CompleteUnit("U1"))
	before := h.c.Snapshot()
	saves := len(h.saves.records)

	require.NoError(t, h.c.CompleteUnit("U1"))
	assert.Equal(t, before, h.c.Snapshot())
	assert.Equal(t, 1, h.events.count("completed:"))
	assert.Equal(t, 1, h.events.count("clue:"))
	assert.Equal(t, saves, len(h.saves.records))
}

func TestCompleteUnit_SkipsAlreadyHeldClues(t *testing.T) {
	h := startedHarness(t, nil)
	h.c.UnlockClue("C2", 0)
	require.NoError(t, h.c.CompleteUnit("U1"))
	h.events.entries = nil

	require.NoError(t, h.c.CompleteUnit("U2"))
	assert.Equal(t, []string{"completed:U2", "clue:C3"}, h.events.entries)
}

func TestUnlockClue_IdempotentSingleNotification(t *testing.T) {
	h := startedHarness(t, nil)
	h.c.UnlockClue("C1", 0)
	h.c.UnlockClue("C1", 0)

	assert.Equal(t, []story.ClueID{"C1"}, h.c.Snapshot().Clues)
	assert.Equal(t, []string{"clue:C1"}, h.events.entries)
	assert.Len(t, h.saves.records, 1)
	assert.Equal(t, progress.Ready, h.pres.statuses["U2"])
}

func TestUnlockClue_Delayed(t *testing.T) {
	h := startedHarness(t, nil)
	h.c.UnlockClue("C9", 3*time.Second)
	require.Len(t, h.timers.pending, 1)
	assert.Equal(t, 3*time.Second, h.timers.pending[0].delay)
	assert.Empty(t, h.events.entries)

	h.timers.fireAll()
	assert.False(t, h.c.Snapshot().HasClue("C9"), "fires onto the loop, not inline")
	h.disp.runNext(t)
	assert.True(t, h.c.Snapshot().HasClue("C9"))
	assert.Equal(t, []string{"clue:C9"}, h.events.entries)
}

func TestUnlockClue_DelayedCancelledByNewGame(t *testing.T) {
	h := startedHarness(t, nil)
	h.c.UnlockClue("C9", time.Second)
	timer := h.timers.pending[0]

	require.NoError(t, h.c.NewGame())
	assert.True(t, timer.stopped)

	timer.fire()
	h.disp.runNext(t)
	assert.False(t, h.c.Snapshot().HasClue("C9"))
}

func TestStartUnit_ScriptedPlaybackCompletes(t *testing.T) {
	h := startedHarness(t, nil)
	require.NoError(t, h.c.StartUnit("U1"))
	assert.False(t, h.c.Snapshot().IsCompleted("U1"))

	h.disp.runNext(t)
	assert.True(t, h.c.Snapshot().IsCompleted("U1"))
	assert.Equal(t, []story.UnitID{"U1"}, h.pres.played)
	assert.Equal(t, []string{"started:U1", "completed:U1", "clue:C1"}, h.events.entries)
}

func TestStartUnit_ReopenPolicy(t *testing.T) {
	h := startedHarness(t, nil)
	require.NoError(t, h.c.CompleteUnit("U1"))
	require.NoError(t, h.c.CompleteUnit("U4"))
	h.events.entries = nil

	require.NoError(t, h.c.StartUnit("U1"))
	_, active := h.c.Snapshot().ActiveUnit()
	assert.False(t, active, "U1 is not reopenable")

	require.NoError(t, h.c.StartUnit("U4"))
	active4, ok := h.c.Snapshot().ActiveUnit()
	require.True(t, ok)
	assert.Equal(t, story.UnitID("U4"), active4)

	h.disp.runNext(t)
	_, active = h.c.Snapshot().ActiveUnit()
	assert.False(t, active)
	assert.Equal(t, []string{"started:U4"}, h.events.entries, "re-completion publishes nothing")
}

func TestStartUnit_UnknownIsNotFoundAndLogged(t *testing.T) {
	h := startedHarness(t, nil)
	err := h.c.StartUnit("ghost")
	assert.ErrorIs(t, err, story.ErrNotFound)
	assert.Equal(t, 1, h.logs.FilterMessage("flow: start of unknown unit").Len())
	assert.Empty(t, h.events.entries)
}

func TestStartUnit_OtherStageIgnored(t *testing.T) {
	h := startedHarness(t, nil)
	require.NoError(t, h.c.StartUnit("U3"))
	_, active := h.c.Snapshot().ActiveUnit()
	assert.False(t, active)
}

func TestLoadStage_UnknownChangesNothing(t *testing.T) {
	h := startedHarness(t, nil)
	err := h.c.LoadStage("nowhere")
	assert.ErrorIs(t, err, story.ErrNotFound)
	assert.Equal(t, story.StageID("S1"), h.c.Snapshot().CurrentStage)
	assert.Empty(t, h.events.entries)
}

func TestLoadStage_InterruptsActiveUnit(t *testing.T) {
	h := startedHarness(t, nil)
	h.pres.block = true
	require.NoError(t, h.c.StartUnit("U1"))
	require.NoError(t, h.c.LoadStage("S2"))

	_, active := h.c.Snapshot().ActiveUnit()
	assert.False(t, active)
	h.disp.runNext(t)
	assert.False(t, h.c.Snapshot().IsCompleted("U1"), "cancelled playback never completes")
}

func TestInterrupt(t *testing.T) {
	h := startedHarness(t, nil)
	assert.False(t, h.c.Interrupt())
	h.pres.block = true
	require.NoError(t, h.c.StartUnit("U1"))
	assert.True(t, h.c.Interrupt())
	assert.Equal(t, progress.Ready, h.pres.statuses["U1"])
}

func TestConversation_CompletionMarkerCompletesUnit(t *testing.T) {
	gen := llm.GeneratorFunc(func(context.Context, string) (string, error) {
		return "Very well, I confess. [[DONE]]", nil
	})
	h := startedHarness(t, gen)
	require.NoError(t, h.c.CompleteUnit("U1"))
	_, err := h.c.TryAdvanceStage()
	require.NoError(t, err)

	require.NoError(t, h.c.StartUnit("U3"))
	u, ok := h.c.InConversation()
	require.True(t, ok)
	assert.Equal(t, story.UnitID("U3"), u.ID)

	require.NoError(t, h.c.Say(context.Background(), "Confess."))
	h.disp.runNext(t)

	require.Len(t, h.pres.replies, 1)
	assert.Equal(t, "Very well, I confess.", h.pres.replies[0].Text)
	assert.True(t, h.c.Snapshot().IsCompleted("U3"))
	assert.True(t, h.c.Snapshot().HasClue("C4"))
	_, ok = h.c.InConversation()
	assert.False(t, ok)
}

func TestConversation_FallbackDoesNotComplete(t *testing.T) {
	h := startedHarness(t, nil)
	require.NoError(t, h.c.CompleteUnit("U1"))
	_, err := h.c.TryAdvanceStage()
	require.NoError(t, err)
	require.NoError(t, h.c.StartUnit("U3"))

	require.NoError(t, h.c.Say(context.Background(), "Hello?"))
	h.disp.runNext(t)

	require.Len(t, h.pres.replies, 1)
	assert.Equal(t, conversation.Reply{Text: "Hmph.", Fallback: true}, h.pres.replies[0])
	assert.False(t, h.c.Snapshot().IsCompleted("U3"))
}

func TestConversation_SayBusyAndWithoutSession(t *testing.T) {
	release := make(chan struct{})
	gen := llm.GeneratorFunc(func(ctx context.Context, _ string) (string, error) {
		select {
		case <-release:
			return "Indeed.", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	h := startedHarness(t, gen)
	assert.ErrorIs(t, h.c.Say(context.Background(), "hi"), ErrNoConversation)

	require.NoError(t, h.c.CompleteUnit("U1"))
	_, err := h.c.TryAdvanceStage()
	require.NoError(t, err)
	require.NoError(t, h.c.StartUnit("U3"))

	require.NoError(t, h.c.Say(context.Background(), "first"))
	assert.ErrorIs(t, h.c.Say(context.Background(), "second"), conversation.ErrBusy)

	close(release)
	h.disp.runNext(t)
	require.Len(t, h.pres.replies, 1)
	assert.NoError(t, h.c.Say(context.Background(), "third"))
	h.disp.runNext(t)
	assert.Len(t, h.pres.replies, 2)
}

func TestConversation_ReplyAfterInterruptDiscarded(t *testing.T) {
	entered := make(chan struct{}, 1)
	gen := llm.GeneratorFunc(func(ctx context.Context, _ string) (string, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := startedHarness(t, gen)
	require.NoError(t, h.c.CompleteUnit("U1"))
	_, err := h.c.TryAdvanceStage()
	require.NoError(t, err)
	require.NoError(t, h.c.StartUnit("U3"))
	require.NoError(t, h.c.Say(context.Background(), "hi"))
	<-entered

	assert.True(t, h.c.Interrupt())
	h.disp.runNext(t)
	assert.Empty(t, h.pres.replies)
}

func TestBusRequests(t *testing.T) {
	h := startedHarness(t, nil)
	h.pres.block = true

	h.bus.RequestUnitStart("U1")
	_, active := h.c.Snapshot().ActiveUnit()
	assert.False(t, active, "requests run on the loop")
	h.disp.runNext(t)
	id, active := h.c.Snapshot().ActiveUnit()
	require.True(t, active)
	assert.Equal(t, story.UnitID("U1"), id)
	require.True(t, h.c.Interrupt())
	h.disp.runNext(t) // the cancelled playback reports back

	h.bus.RequestClueUnlock("C1", 0)
	h.disp.runNext(t)
	assert.True(t, h.c.Snapshot().HasClue("C1"))

	h.bus.RequestStageChange("S1")
	h.disp.runNext(t)
	assert.Equal(t, story.StageID("S1"), h.c.Snapshot().CurrentStage, "only the next stage is honoured")

	h.bus.RequestStageChange("S2")
	h.disp.runNext(t)
	assert.Equal(t, story.StageID("S2"), h.c.Snapshot().CurrentStage)
}

func TestBusRequests_StageChangeStillGatedByExit(t *testing.T) {
	h := startedHarness(t, nil)
	h.bus.RequestStageChange("S2")
	h.disp.runNext(t)
	assert.Equal(t, story.StageID("S1"), h.c.Snapshot().CurrentStage)
}

func TestClose_ReleasesSubscriptions(t *testing.T) {
	h := startedHarness(t, nil)
	h.c.Close()
	assert.Equal(t, 0, h.bus.SubscriberCount(eventbus.TopicUnitStartRequested))
	h.bus.RequestUnitStart("U1")
	h.disp.runQueued()
	_, active := h.c.Snapshot().ActiveUnit()
	assert.False(t, active)
}

func TestTransitionCache(t *testing.T) {
	h := startedHarness(t, nil)
	_, ok := h.c.ConsumeTransition()
	assert.False(t, ok)

	h.c.CacheTransition(map[string]string{"x": "1"})
	h.c.CacheTransition(map[string]string{"x": "2"})
	assert.Equal(t, 1, h.logs.FilterMessage("flow: unconsumed pending transition overwritten").Len())

	got, ok := h.c.ConsumeTransition()
	require.True(t, ok)
	assert.Equal(t, "2", got.Payload["x"])
	assert.Equal(t, story.StageID("S1"), got.FromStage)
	_, ok = h.c.ConsumeTransition()
	assert.False(t, ok)
}

func TestSaveRestore_RoundTripIsSilent(t *testing.T) {
	h := startedHarness(t, nil)
	require.NoError(t, h.c.CompleteUnit("U1"))
	require.NoError(t, h.c.CompleteUnit("U2"))
	_, err := h.c.TryAdvanceStage()
	require.NoError(t, err)
	h.now = h.now.Add(90 * time.Minute)
	rec := h.c.Save()
	assert.Equal(t, 90*time.Minute, rec.PlayTime)

	h.c.CacheTransition(map[string]string{"door": "east"})
	other := newHarness(nil)
	t.Cleanup(other.c.Close)
	require.NoError(t, other.c.Restore(rec))

	assert.Equal(t, h.c.Snapshot(), other.c.Snapshot())
	assert.Equal(t, []string{"stage:->S2(restored)"}, other.events.entries)
	assert.Equal(t, []story.StageID{"S2"}, other.pres.bound)
	_, ok := other.c.ConsumeTransition()
	assert.False(t, ok, "pending transition is not persisted")
	assert.Empty(t, other.saves.records)

	other.now = other.now.Add(10 * time.Minute)
	assert.Equal(t, 100*time.Minute, other.c.PlayTime())
}

func TestRestore_ActiveUnitNotResumed(t *testing.T) {
	h := startedHarness(t, nil)
	h.pres.block = true
	require.NoError(t, h.c.StartUnit("U1"))
	rec := h.c.Save()
	assert.Equal(t, story.UnitID("U1"), rec.ActiveUnit)

	require.NoError(t, h.c.Restore(rec))
	_, active := h.c.Snapshot().ActiveUnit()
	assert.False(t, active)
	st, err := h.c.Status("U1")
	require.NoError(t, err)
	assert.Equal(t, progress.Ready, st)
}

func TestRestore_RejectsBadRecords(t *testing.T) {
	h := startedHarness(t, nil)
	require.NoError(t, h.c.CompleteUnit("U1"))
	before := h.c.Snapshot()

	tampered := h.c.Save()
	tampered.Clues = append(tampered.Clues, "C9")
	assert.ErrorIs(t, h.c.Restore(tampered), savegame.ErrChecksum)

	foreign := savegame.Encode(progress.Snapshot{CurrentStage: "S1"}, savegame.Meta{StoryID: "other"})
	assert.ErrorIs(t, h.c.Restore(foreign), ErrStoryMismatch)

	lost := savegame.Encode(progress.Snapshot{CurrentStage: "attic"}, savegame.Meta{StoryID: "manor"})
	assert.ErrorIs(t, h.c.Restore(lost), story.ErrNotFound)

	assert.Equal(t, before, h.c.Snapshot())
}

func TestAutosave_RequestedOnForwardProgress(t *testing.T) {
	h := startedHarness(t, nil)
	require.NoError(t, h.c.CompleteUnit("U1"))
	require.Len(t, h.saves.records, 1)
	assert.Equal(t, []story.UnitID{"U1"}, h.saves.records[0].Completed)
	require.NoError(t, h.saves.records[0].Verify())

	_, err := h.c.TryAdvanceStage()
	require.NoError(t, err)
	require.Len(t, h.saves.records, 2)
	assert.Equal(t, story.StageID("S2"), h.saves.records[1].CurrentStage)
}

func TestPropertyNotificationsMatchProgress(t *testing.T) {
	units := []story.UnitID{"U1", "U2", "U3", "U4"}
	clues := []story.ClueID{"C1", "C2", "C3", "C4", "C5"}
	rapid.Check(t, func(t *rapid.T) {
		h := newHarness(nil)
		defer h.c.Close()
		if err := h.c.NewGame(); err != nil {
			t.Fatalf("new game: %v", err)
		}
		steps := rapid.IntRange(0, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				if err := h.c.CompleteUnit(rapid.SampledFrom(units).Draw(t, "unit")); err != nil {
					t.Fatalf("complete: %v", err)
				}
			case 1:
				h.c.UnlockClue(rapid.SampledFrom(clues).Draw(t, "clue"), 0)
			case 2:
				if _, err := h.c.TryAdvanceStage(); err != nil {
					t.Fatalf("advance: %v", err)
				}
			}
		}
		snap := h.c.Snapshot()
		if got := h.events.count("clue:"); got != len(snap.Clues) {
			t.Fatalf("%d unlock notifications for %d clues", got, len(snap.Clues))
		}
		if got := h.events.count("completed:"); got != len(snap.Completed) {
			t.Fatalf("%d completion notifications for %d units", got, len(snap.Completed))
		}

		other := newHarness(nil)
		defer other.c.Close()
		if err := other.c.Restore(h.c.Save()); err != nil {
			t.Fatalf("restore: %v", err)
		}
		if !assert.ObjectsAreEqual(snap, other.c.Snapshot()) {
			t.Fatalf("restored %+v, want %+v", other.c.Snapshot(), snap)
		}
		if other.events.count("clue:")+other.events.count("completed:") != 0 {
			t.Fatalf("restore emitted progress notifications: %v", other.events.entries)
		}
	})
}

func TestNew_OwnLoopStoppedByClose(t *testing.T) {
	reg, err := story.NewRegistry(fixtureStory())
	require.NoError(t, err)
	bus := eventbus.New(zap.NewNop())
	c := New(reg, bus, conversation.NewManager(llm.Disabled, nil, zap.NewNop()))
	require.NotNil(t, c.ownLoop)
	c.Close()
	err = c.ownLoop.Do(context.Background(), func() {})
	assert.True(t, errors.Is(err, ErrLoopStopped) || err == nil)
}

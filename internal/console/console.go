package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/game/command"
	"github.com/cory-johannsen/storyflow/internal/game/conversation"
	"github.com/cory-johannsen/storyflow/internal/game/flow"
	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/game/story"
	"github.com/cory-johannsen/storyflow/internal/savegame"
)

// DefaultSlot is the slot used by save and load when none is given.
const DefaultSlot = "quicksave"

// Runner executes fn on the flow controller's update loop and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Console reads player commands and drives the flow controller. It
// implements server.Service: Start runs the prompt until quit, end of input,
// or Stop.
type Console struct {
	in     io.Reader
	p      *Presenter
	loop   Runner
	ctrl   *flow.Controller
	store  savegame.Store
	cmds   *command.Registry
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New creates a Console.
//
// Precondition: every argument must be non-nil; ctrl must run on loop.
func New(in io.Reader, p *Presenter, loop Runner, ctrl *flow.Controller, store savegame.Store, logger *zap.Logger) *Console {
	ctx, cancel := context.WithCancel(context.Background())
	return &Console{
		in:     in,
		p:      p,
		loop:   loop,
		ctrl:   ctrl,
		store:  store,
		cmds:   command.DefaultRegistry(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the prompt.
//
// Postcondition: Returns nil on quit, end of input, or Stop.
func (c *Console) Start() error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-c.ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			c.logger.Warn("console: reading input", zap.Error(err))
		}
	}()

	c.p.Printf("%s", c.p.Style().Muted("Type 'help' for commands."))
	for {
		c.p.Prompt()
		select {
		case line, ok := <-lines:
			if !ok {
				c.p.Printf("")
				return nil
			}
			if c.Execute(c.ctx, line) {
				return nil
			}
		case <-c.ctx.Done():
			return nil
		}
	}
}

// Stop makes Start return and cancels in-flight conversation turns.
func (c *Console) Stop() {
	c.once.Do(c.cancel)
}

// Execute runs one command line.
//
// Postcondition: Returns true if the player asked to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parsed := command.Parse(line)
	if parsed.Command == "" {
		return false
	}
	cmd, ok := c.cmds.Resolve(parsed.Command)
	if !ok {
		c.fail("Unknown command %q. Type 'help' for a list.", parsed.Command)
		return false
	}
	c.logger.Debug("console: command", zap.String("command", cmd.Name), zap.Strings("args", parsed.Args))

	var err error
	switch cmd.Handler {
	case command.HandlerLook:
		err = c.look(ctx)
	case command.HandlerClues:
		err = c.clues(ctx)
	case command.HandlerAdvance:
		err = c.advance(ctx)
	case command.HandlerStart:
		err = c.start(ctx, parsed.Arg(0))
	case command.HandlerSay:
		err = c.say(ctx, parsed.RawArgs)
	case command.HandlerLeave:
		err = c.leave(ctx)
	case command.HandlerSave:
		err = c.save(ctx, slotArg(parsed))
	case command.HandlerLoad:
		err = c.load(ctx, slotArg(parsed))
	case command.HandlerSaves:
		err = c.listSaves(ctx)
	case command.HandlerDelete:
		err = c.deleteSave(ctx, parsed.Arg(0))
	case command.HandlerNew:
		err = c.newGame(ctx)
	case command.HandlerHelp:
		c.help()
	case command.HandlerQuit:
		c.p.Printf("Goodbye.")
		return true
	}
	if err != nil {
		c.logger.Warn("console: command failed", zap.String("command", cmd.Name), zap.Error(err))
		c.fail("%v", err)
	}
	return false
}

func slotArg(p command.ParseResult) string {
	if s := p.Arg(0); s != "" {
		return s
	}
	return DefaultSlot
}

func (c *Console) fail(format string, args ...any) {
	c.p.Printf("%s", c.p.Style().Error(fmt.Sprintf(format, args...)))
}

// onLoop runs fn on the update loop and returns the error it produced.
func (c *Console) onLoop(ctx context.Context, fn func() error) error {
	var inner error
	if err := c.loop.Do(ctx, func() { inner = fn() }); err != nil {
		return err
	}
	return inner
}

type unitLine struct {
	unit   *story.DialogueUnit
	status progress.Status
}

func (c *Console) look(ctx context.Context) error {
	var (
		st      *story.Stage
		units   []unitLine
		canExit bool
		talking *story.DialogueUnit
	)
	err := c.onLoop(ctx, func() error {
		st = c.ctrl.CurrentStage()
		if st == nil {
			return nil
		}
		for _, u := range st.Units {
			status, err := c.ctrl.Status(u.ID)
			if err != nil {
				return err
			}
			units = append(units, unitLine{unit: u, status: status})
		}
		canExit = progress.CanExitStage(st, c.ctrl.Snapshot())
		talking, _ = c.ctrl.InConversation()
		return nil
	})
	if err != nil {
		return err
	}
	if st == nil {
		c.p.Printf("The story has not begun. Type 'new' or 'load'.")
		return nil
	}

	s := c.p.Style()
	c.p.Printf("%s", s.Title(displayTitle(st)))
	for _, ul := range units {
		label := ul.unit.Interactable
		if label == "" {
			label = string(ul.unit.Mode)
		}
		c.p.Printf("  %-20s %-10s %s", ul.unit.ID, s.Status(ul.status.String()), label)
	}
	switch {
	case talking != nil:
		c.p.Printf("%s", s.Muted(fmt.Sprintf("You are talking with %s.", talking.Speaker)))
	case canExit && st.Next != "":
		c.p.Printf("%s", s.Notice("The way onward is open. Type 'advance'."))
	}
	return nil
}

func displayTitle(st *story.Stage) string {
	if st.Title != "" {
		return st.Title
	}
	return string(st.ID)
}

func (c *Console) clues(ctx context.Context) error {
	var snap progress.Snapshot
	if err := c.onLoop(ctx, func() error { snap = c.ctrl.Snapshot(); return nil }); err != nil {
		return err
	}
	if len(snap.Clues) == 0 {
		c.p.Printf("You have not found anything yet.")
		return nil
	}
	c.p.Printf("Clues (%d):", len(snap.Clues))
	for _, id := range snap.Clues {
		c.p.Printf("  %s", id)
	}
	return nil
}

func (c *Console) advance(ctx context.Context) error {
	var (
		moved bool
		final bool
	)
	err := c.onLoop(ctx, func() error {
		cur := c.ctrl.CurrentStage()
		final = cur != nil && cur.Next == ""
		var err error
		moved, err = c.ctrl.TryAdvanceStage()
		return err
	})
	if err != nil {
		return err
	}
	switch {
	case moved:
	case final:
		c.p.Printf("There is nowhere further to go. The story ends here.")
	default:
		c.p.Printf("You are not finished here yet.")
	}
	return nil
}

func (c *Console) start(ctx context.Context, arg string) error {
	if arg == "" {
		c.fail("Start what? Usage: start <unit>")
		return nil
	}
	id := story.UnitID(arg)
	var (
		status progress.Status
		talk   *story.DialogueUnit
	)
	err := c.onLoop(ctx, func() error {
		if err := c.ctrl.StartUnit(id); err != nil {
			return err
		}
		status, _ = c.ctrl.Status(id)
		talk, _ = c.ctrl.InConversation()
		return nil
	})
	switch {
	case errors.Is(err, story.ErrNotFound):
		c.fail("There is no %q here.", arg)
		return nil
	case errors.Is(err, flow.ErrBusy):
		c.fail("You are already occupied. Type 'leave' first.")
		return nil
	case err != nil:
		return err
	}
	if status != progress.Active {
		c.p.Printf("That is not possible right now.")
		return nil
	}
	if talk != nil && talk.ID == id {
		c.p.Printf("%s", c.p.Style().Muted(fmt.Sprintf("You approach %s. Use 'say <text>' to talk and 'leave' to walk away.", talk.Speaker)))
	}
	return nil
}

func (c *Console) say(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		c.fail("Say what?")
		return nil
	}
	// Echo on the loop so the player's words always precede the reply.
	err := c.onLoop(ctx, func() error {
		if err := c.ctrl.Say(c.ctx, text); err != nil {
			return err
		}
		c.p.Printf("%s: %s", c.p.Style().Player(conversation.PlayerSpeaker), text)
		return nil
	})
	switch {
	case errors.Is(err, flow.ErrNoConversation):
		c.fail("There is no one to talk to.")
		return nil
	case errors.Is(err, conversation.ErrBusy):
		c.fail("Wait for a reply first.")
		return nil
	case err != nil:
		return err
	}
	return nil
}

func (c *Console) leave(ctx context.Context) error {
	var left bool
	if err := c.onLoop(ctx, func() error { left = c.ctrl.Interrupt(); return nil }); err != nil {
		return err
	}
	if left {
		c.p.Printf("You step away.")
	} else {
		c.p.Printf("You are not doing anything.")
	}
	return nil
}

func (c *Console) save(ctx context.Context, slot string) error {
	if err := savegame.ValidateSlot(slot); err != nil {
		return err
	}
	var (
		rec     savegame.Record
		started bool
	)
	err := c.onLoop(ctx, func() error {
		started = c.ctrl.CurrentStage() != nil
		rec = c.ctrl.Save()
		return nil
	})
	if err != nil {
		return err
	}
	if !started {
		c.fail("Nothing to save yet.")
		return nil
	}
	if err := c.store.Save(ctx, slot, rec); err != nil {
		return err
	}
	c.p.Printf("Saved to %q.", slot)
	return nil
}

func (c *Console) load(ctx context.Context, slot string) error {
	rec, err := c.store.Load(ctx, slot)
	if errors.Is(err, savegame.ErrSlotNotFound) {
		c.fail("No save in slot %q.", slot)
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.onLoop(ctx, func() error { return c.ctrl.Restore(rec) }); err != nil {
		return err
	}
	c.p.Printf("Restored %q (saved %s).", slot, rec.SavedAt.Local().Format(time.DateTime))
	return nil
}

func (c *Console) listSaves(ctx context.Context) error {
	slots, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		c.p.Printf("No saves yet.")
		return nil
	}
	for _, s := range slots {
		c.p.Printf("  %-16s %-16s %s  %s", s.Slot, s.CurrentStage,
			s.SavedAt.Local().Format(time.DateTime), s.PlayTime.Round(time.Second))
	}
	return nil
}

func (c *Console) deleteSave(ctx context.Context, slot string) error {
	if slot == "" {
		c.fail("Delete which slot? Usage: delete <slot>")
		return nil
	}
	err := c.store.Delete(ctx, slot)
	if errors.Is(err, savegame.ErrSlotNotFound) {
		c.fail("No save in slot %q.", slot)
		return nil
	}
	if err != nil {
		return err
	}
	c.p.Printf("Deleted %q.", slot)
	return nil
}

func (c *Console) newGame(ctx context.Context) error {
	return c.onLoop(ctx, c.ctrl.NewGame)
}

func (c *Console) help() {
	groups := c.cmds.CommandsByCategory()
	for _, cat := range command.CategoryOrder() {
		c.p.Printf("%s", c.p.Style().Title(strings.ToUpper(cat[:1])+cat[1:]))
		for _, cmd := range groups[cat] {
			c.p.Printf("  %-16s %s", cmd.Usage, cmd.Help)
		}
	}
}

// Package console is the terminal front end: a presenter that prints stage
// bindings and dialogue with a typing effect, and a read-eval-print loop
// that turns player commands into flow controller calls.
package console

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/game/conversation"
	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/game/story"
)

// Presenter writes presentation output to a terminal. It implements
// flow.Presenter and is safe for concurrent use.
type Presenter struct {
	style       Style
	typingDelay time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	out      io.Writer
	statuses map[story.UnitID]progress.Status
}

// NewPresenter creates a Presenter writing to out. A zero typingDelay prints
// each line at once.
//
// Precondition: out and logger must be non-nil.
func NewPresenter(out io.Writer, style Style, typingDelay time.Duration, logger *zap.Logger) *Presenter {
	return &Presenter{
		style:       style,
		typingDelay: typingDelay,
		logger:      logger,
		out:         out,
		statuses:    make(map[story.UnitID]progress.Status),
	}
}

// Style returns the presenter's colour roles.
func (p *Presenter) Style() Style { return p.style }

// Printf writes a formatted message followed by a newline.
func (p *Presenter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Prompt writes the input prompt without a newline.
func (p *Presenter) Prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, "> ")
}

// BindStage prints the stage banner.
func (p *Presenter) BindStage(st *story.Stage) {
	title := st.Title
	if title == "" {
		title = string(st.ID)
	}
	p.Printf("\n%s", p.style.Title("== "+title+" =="))
}

// UnbindStage forgets the bindings of the stage being left.
func (p *Presenter) UnbindStage(st *story.Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range st.Units {
		delete(p.statuses, u.ID)
	}
	p.logger.Debug("console: stage unbound", zap.String("stage", string(st.ID)))
}

// SetInteractable announces an interactable that has just become available.
// Units without an interactable are tracked silently.
func (p *Presenter) SetInteractable(u *story.DialogueUnit, status progress.Status) {
	p.mu.Lock()
	prev, seen := p.statuses[u.ID]
	p.statuses[u.ID] = status
	p.mu.Unlock()

	if u.Interactable == "" || !seen || prev != progress.Locked || status != progress.Ready {
		return
	}
	p.Printf("%s", p.style.Notice(fmt.Sprintf("Something new draws your attention: %s (%s)", u.Interactable, u.ID)))
}

// Play prints a scripted unit's lines with the typing effect.
//
// Postcondition: Returns nil once every line is printed, or ctx.Err() as
// soon as ctx is cancelled.
func (p *Presenter) Play(ctx context.Context, u *story.DialogueUnit) error {
	for _, line := range u.Lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		prefix := ""
		if line.Speaker != "" {
			prefix = p.style.Speaker(line.Speaker) + ": "
		}
		if err := p.typeLine(ctx, prefix, line.Text); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (p *Presenter) typeLine(ctx context.Context, prefix, text string) error {
	if p.typingDelay <= 0 {
		p.Printf("%s%s", prefix, text)
		return nil
	}
	p.write(prefix)
	ticker := time.NewTicker(p.typingDelay)
	defer ticker.Stop()
	for _, r := range text {
		select {
		case <-ctx.Done():
			p.write("\n")
			return ctx.Err()
		case <-ticker.C:
		}
		p.write(string(r))
	}
	p.write("\n")
	return nil
}

func (p *Presenter) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.out, s) //nolint:errcheck
}

// ShowReply prints a conversation reply. Fallback lines are muted.
func (p *Presenter) ShowReply(u *story.DialogueUnit, r conversation.Reply) {
	text := r.Text
	if r.Fallback {
		text = p.style.Muted(text)
	}
	p.Printf("%s: %s", p.style.Speaker(u.Speaker), text)
}

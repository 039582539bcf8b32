// Package conversation manages the transcripts of language-model-driven
// dialogue units and turns player input into service prompts.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/llm"
)

var (
	// ErrBusy is returned when a turn is requested while another is in flight.
	ErrBusy = errors.New("conversation turn already in flight")
	// ErrSessionEnded is returned for turns on a session that has ended.
	ErrSessionEnded = errors.New("conversation session ended")
)

// PlayerSpeaker labels player lines in transcripts.
const PlayerSpeaker = "Player"

// defaultFallback is used when content supplies no fallback line for a speaker.
const defaultFallback = "..."

// Handle identifies a session.
type Handle string

// Entry is one transcript line.
type Entry struct {
	Speaker string
	Text    string
}

// Reply is the outcome of a turn.
type Reply struct {
	// Text is the speaker's line.
	Text string
	// Fallback is true when Text is a canned line substituted for a failed call.
	Fallback bool
}

// FallbackSource supplies canned lines per speaker.
type FallbackSource interface {
	Fallbacks(speaker string) []string
}

type session struct {
	speaker    string
	seed       string
	transcript []Entry
	busy       bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// Manager owns every open conversation session. All methods are safe for
// concurrent use.
type Manager struct {
	gen       llm.Generator
	fallbacks FallbackSource
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[Handle]*session
	rotation map[string]int
}

// NewManager creates a Manager that sends prompts to gen.
//
// Precondition: gen and logger must be non-nil; fallbacks may be nil.
// Postcondition: Returns a Manager with no open sessions.
func NewManager(gen llm.Generator, fallbacks FallbackSource, logger *zap.Logger) *Manager {
	return &Manager{
		gen:       gen,
		fallbacks: fallbacks,
		logger:    logger,
		sessions:  make(map[Handle]*session),
		rotation:  make(map[string]int),
	}
}

// Begin opens a session voiced by speaker and seeded with seedPrompt.
//
// Postcondition: Returns a handle to an active, idle session with an empty transcript.
func (m *Manager) Begin(speaker, seedPrompt string) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := Handle(uuid.NewString())

	m.mu.Lock()
	m.sessions[h] = &session{
		speaker: speaker,
		seed:    seedPrompt,
		ctx:     ctx,
		cancel:  cancel,
	}
	m.mu.Unlock()

	m.logger.Debug("conversation: session begun",
		zap.String("session", string(h)),
		zap.String("speaker", speaker),
	)
	return h
}

// Turn sends playerText to the text service with the full transcript and
// returns the speaker's reply. A service failure yields a fallback line and
// a nil error; the failed exchange is not recorded.
//
// Precondition: h must come from Begin.
// Postcondition: Returns ErrBusy if another turn on h is in flight,
// ErrSessionEnded if h has ended (including while this call waited);
// otherwise a Reply and nil.
func (m *Manager) Turn(ctx context.Context, h Handle, playerText string) (Reply, error) {
	m.mu.Lock()
	s, ok := m.sessions[h]
	if !ok {
		m.mu.Unlock()
		return Reply{}, ErrSessionEnded
	}
	if s.busy {
		m.mu.Unlock()
		return Reply{}, ErrBusy
	}
	s.busy = true
	prompt := buildPrompt(s.seed, s.speaker, s.transcript, playerText)
	turnCtx, cancel := context.WithCancel(s.ctx)
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	text, err := m.gen.Generate(turnCtx, prompt)
	stop()
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	s.busy = false
	if cur, ok := m.sessions[h]; !ok || cur != s {
		m.logger.Debug("conversation: reply discarded for ended session", zap.String("session", string(h)))
		return Reply{}, ErrSessionEnded
	}
	if err != nil {
		m.logger.Warn("conversation: text service failed, using fallback",
			zap.String("session", string(h)),
			zap.String("speaker", s.speaker),
			zap.Error(err),
		)
		return Reply{Text: m.fallbackLocked(s.speaker), Fallback: true}, nil
	}
	s.transcript = append(s.transcript,
		Entry{Speaker: PlayerSpeaker, Text: playerText},
		Entry{Speaker: s.speaker, Text: text},
	)
	return Reply{Text: text}, nil
}

// End tears down the session and cancels any in-flight service call. Ending
// an unknown or already-ended handle is a no-op.
func (m *Manager) End(h Handle) {
	m.mu.Lock()
	s, ok := m.sessions[h]
	if ok {
		delete(m.sessions, h)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	m.logger.Debug("conversation: session ended",
		zap.String("session", string(h)),
		zap.Int("turns", len(s.transcript)/2),
	)
}

// Active reports whether h is an open session.
func (m *Manager) Active(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[h]
	return ok
}

// Busy reports whether h has a turn in flight.
func (m *Manager) Busy(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[h]
	return ok && s.busy
}

// Transcript returns a copy of the session's transcript.
//
// Postcondition: Returns nil for unknown handles.
func (m *Manager) Transcript(h Handle) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[h]
	if !ok {
		return nil
	}
	return append([]Entry(nil), s.transcript...)
}

// fallbackLocked rotates through the speaker's fallback lines.
// Precondition: m.mu must be held.
func (m *Manager) fallbackLocked(speaker string) string {
	var lines []string
	if m.fallbacks != nil {
		lines = m.fallbacks.Fallbacks(speaker)
	}
	if len(lines) == 0 {
		return defaultFallback
	}
	i := m.rotation[speaker] % len(lines)
	m.rotation[speaker] = i + 1
	return lines[i]
}

func buildPrompt(seed, speaker string, transcript []Entry, playerText string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(seed))
	sb.WriteString("\n\n")
	for _, e := range transcript {
		sb.WriteString(e.Speaker)
		sb.WriteString(": ")
		sb.WriteString(e.Text)
		sb.WriteString("\n")
	}
	sb.WriteString(PlayerSpeaker)
	sb.WriteString(": ")
	sb.WriteString(strings.TrimSpace(playerText))
	sb.WriteString("\n")
	if speaker != "" {
		sb.WriteString(speaker)
		sb.WriteString(":")
	}
	return sb.String()
}

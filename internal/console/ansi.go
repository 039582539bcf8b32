package console

import (
	"fmt"
	"strings"
)

// ANSI escape code constants for terminal styling.
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Italic = "\033[3m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"

	BrightBlack  = "\033[90m"
	BrightYellow = "\033[93m"
	BrightCyan   = "\033[96m"
	BrightWhite  = "\033[97m"
)

// Colorize wraps text with the given ANSI color code and a reset suffix.
//
// Precondition: color must be a valid ANSI escape sequence.
// Postcondition: Returns text wrapped with the color code and Reset.
func Colorize(color, text string) string {
	return color + text + Reset
}

// StripANSI removes all ANSI escape sequences from a string.
//
// Postcondition: Returns text with all \033[...m sequences removed.
func StripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		if s[i] == '\033' && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && s[j] != 'm' {
				j++
			}
			if j < len(s) {
				i = j + 1
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// Style applies the console's colour roles. The zero value emits plain text.
type Style struct {
	Color bool
}

func (s Style) apply(color, text string) string {
	if !s.Color {
		return text
	}
	return Colorize(color, text)
}

// Title styles a stage banner.
func (s Style) Title(text string) string { return s.apply(Bold+BrightWhite, text) }

// Speaker styles a speaker name.
func (s Style) Speaker(text string) string { return s.apply(Bold+Cyan, text) }

// Player styles the player's own words.
func (s Style) Player(text string) string { return s.apply(Green, text) }

// Muted styles fallback lines and secondary information.
func (s Style) Muted(text string) string { return s.apply(BrightBlack, text) }

// Notice styles progress announcements such as new clues.
func (s Style) Notice(text string) string { return s.apply(BrightYellow, text) }

// Error styles command failures.
func (s Style) Error(text string) string { return s.apply(Red, text) }

// Status styles a unit status label.
func (s Style) Status(label string) string {
	switch label {
	case "ready":
		return s.apply(Green, label)
	case "active":
		return s.apply(BrightCyan, label)
	case "completed":
		return s.apply(Dim, label)
	default:
		return s.apply(BrightBlack, label)
	}
}

// Sprintf formats then applies color when enabled.
func (s Style) Sprintf(color, format string, args ...any) string {
	return s.apply(color, fmt.Sprintf(format, args...))
}

package command

import "strings"

// ParseResult holds the parsed command name and arguments from a text line.
type ParseResult struct {
	// Command is the first word of the input, lowercased.
	Command string
	// Args are the remaining words after the command.
	Args []string
	// RawArgs is the raw text after the command, preserving spacing and case
	// for conversation input.
	RawArgs string
}

// Arg returns the i-th argument, or "" when absent.
func (p ParseResult) Arg(i int) string {
	if i < 0 || i >= len(p.Args) {
		return ""
	}
	return p.Args[i]
}

// Parse splits a text line into a command and arguments. A leading
// apostrophe is shorthand for say: "'hello" parses as "say hello".
//
// Postcondition: Returns a ParseResult. If line is blank, Command is empty.
func Parse(line string) ParseResult {
	line = strings.TrimSpace(line)
	if line == "" {
		return ParseResult{}
	}
	if strings.HasPrefix(line, "'") && len(line) > 1 {
		line = "' " + line[1:]
	}

	cmd, rest, found := strings.Cut(line, " ")
	if !found {
		return ParseResult{Command: strings.ToLower(line)}
	}

	rest = strings.TrimSpace(rest)
	var args []string
	if rest != "" {
		args = strings.Fields(rest)
	}
	return ParseResult{
		Command: strings.ToLower(cmd),
		Args:    args,
		RawArgs: rest,
	}
}

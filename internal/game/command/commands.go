// Package command provides the console command registry, parser, and the
// built-in story commands.
package command

// Categories for organizing commands in help output.
const (
	CategoryStory    = "story"
	CategoryDialogue = "dialogue"
	CategorySaves    = "saves"
	CategorySystem   = "system"
)

// Handler identifiers mapping commands to console actions.
const (
	HandlerLook    = "look"
	HandlerClues   = "clues"
	HandlerStart   = "start"
	HandlerSay     = "say"
	HandlerLeave   = "leave"
	HandlerAdvance = "advance"
	HandlerSave    = "save"
	HandlerLoad    = "load"
	HandlerSaves   = "saves"
	HandlerDelete  = "delete"
	HandlerNew     = "new"
	HandlerQuit    = "quit"
	HandlerHelp    = "help"
)

// Command defines a player-invocable command.
type Command struct {
	// Name is the canonical command name.
	Name string
	// Aliases are alternate names for this command.
	Aliases []string
	// Usage shows the argument shape, e.g. "start <unit>".
	Usage string
	// Help is the short help text displayed to players.
	Help string
	// Category groups the command in help output.
	Category string
	// Handler maps to the console action.
	Handler string
}

// BuiltinCommands returns every console command.
func BuiltinCommands() []Command {
	return []Command{
		{Name: "look", Aliases: []string{"l"}, Usage: "look", Help: "Describe the current stage and its dialogue units", Category: CategoryStory, Handler: HandlerLook},
		{Name: "clues", Aliases: []string{"c", "notes"}, Usage: "clues", Help: "List the clues discovered so far", Category: CategoryStory, Handler: HandlerClues},
		{Name: "advance", Aliases: []string{"next"}, Usage: "advance", Help: "Move on to the next stage once its exit is open", Category: CategoryStory, Handler: HandlerAdvance},

		{Name: "start", Aliases: []string{"talk", "examine", "x"}, Usage: "start <unit>", Help: "Begin a dialogue unit", Category: CategoryDialogue, Handler: HandlerStart},
		{Name: "say", Aliases: []string{"'"}, Usage: "say <text>", Help: "Speak in the open conversation", Category: CategoryDialogue, Handler: HandlerSay},
		{Name: "leave", Aliases: []string{"stop", "bye"}, Usage: "leave", Help: "Walk away from the active dialogue unit", Category: CategoryDialogue, Handler: HandlerLeave},

		{Name: "save", Aliases: nil, Usage: "save [slot]", Help: "Save progress to a slot", Category: CategorySaves, Handler: HandlerSave},
		{Name: "load", Aliases: []string{"restore"}, Usage: "load [slot]", Help: "Restore progress from a slot", Category: CategorySaves, Handler: HandlerLoad},
		{Name: "saves", Aliases: []string{"slots"}, Usage: "saves", Help: "List save slots", Category: CategorySaves, Handler: HandlerSaves},
		{Name: "delete", Aliases: []string{"rm"}, Usage: "delete <slot>", Help: "Delete a save slot", Category: CategorySaves, Handler: HandlerDelete},

		{Name: "new", Aliases: []string{"restart"}, Usage: "new", Help: "Start the story over", Category: CategorySystem, Handler: HandlerNew},
		{Name: "help", Aliases: []string{"?"}, Usage: "help", Help: "Show available commands", Category: CategorySystem, Handler: HandlerHelp},
		{Name: "quit", Aliases: []string{"exit", "q"}, Usage: "quit", Help: "Leave the game", Category: CategorySystem, Handler: HandlerQuit},
	}
}

// CategoryOrder lists categories in help display order.
func CategoryOrder() []string {
	return []string{CategoryStory, CategoryDialogue, CategorySaves, CategorySystem}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/storyflow/internal/game/eventbus"
	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/scripting"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configured story and its stage scripts and report problems",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, reg, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		empty := progress.NewState(reg.StartStage())
		scripts := scripting.NewManager(eventbus.New(logger), func() progress.View { return empty }, logger,
			cfg.Content.ScriptInstructionLimit)
		defer scripts.Close()
		if err := scripts.LoadStory(reg, ""); err != nil {
			return err
		}

		scripted := 0
		for _, st := range reg.Stages() {
			if scripts.HasStage(st.ID) {
				scripted++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "story %q OK: %d stages (%d scripted), %d units, starts at %q\n",
			reg.StoryID(), reg.StageCount(), scripted, reg.UnitCount(), reg.StartStage())
		return nil
	},
}

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var savesCmd = &cobra.Command{
	Use:   "saves",
	Short: "Manage save slots of the configured story",
}

var savesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List save slots, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, reg, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		store, closeStore, err := openStore(cmd.Context(), cfg, reg.StoryID(), logger)
		if err != nil {
			return err
		}
		defer closeStore()

		slots, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLOT\tSTAGE\tSAVED\tPLAYED")
		for _, s := range slots {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Slot, s.CurrentStage,
				s.SavedAt.Local().Format(time.DateTime), s.PlayTime.Round(time.Second))
		}
		return w.Flush()
	},
}

var savesDeleteCmd = &cobra.Command{
	Use:     "delete <slot>...",
	Aliases: []string{"rm"},
	Short:   "Delete save slots",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, reg, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		store, closeStore, err := openStore(cmd.Context(), cfg, reg.StoryID(), logger)
		if err != nil {
			return err
		}
		defer closeStore()

		for _, slot := range args {
			if err := store.Delete(cmd.Context(), slot); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", slot)
		}
		return nil
	},
}

func init() {
	savesCmd.AddCommand(savesListCmd, savesDeleteCmd)
}

// Package main provides the story binary: play a story in the terminal,
// validate content, and manage save slots.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "story",
	Short:         "Play and manage interactive-fiction stories",
	Long:          `story runs a staged, clue-gated narrative in the terminal, with optional language-model conversations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnv(envFile, cmd.Flags().Changed("env-file"))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/dev.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with STORY_ overrides")
	rootCmd.AddCommand(playCmd, validateCmd, savesCmd)
}

// loadEnv applies a dotenv file. A missing default file is not an error.
func loadEnv(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("loading env file %s: %w", path, err)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/config"
	"github.com/cory-johannsen/storyflow/internal/game/story"
	"github.com/cory-johannsen/storyflow/internal/observability"
	"github.com/cory-johannsen/storyflow/internal/savegame"
	"github.com/cory-johannsen/storyflow/internal/storage/postgres"
)

// loadConfig reads the config file, falling back to defaults and environment
// when the default path does not exist.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			return config.LoadDefaults()
		}
	}
	return config.Load(configPath)
}

// setup loads configuration, logger and story shared by every subcommand.
func setup(cmd *cobra.Command) (config.Config, *zap.Logger, *story.Registry, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("initializing logger: %w", err)
	}

	loadStart := time.Now()
	path, err := story.FindStoryFile(cfg.Content.Dir)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	s, err := story.LoadStoryFromFile(path)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	reg, err := story.NewRegistry(s)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("indexing story: %w", err)
	}
	logger.Info("story loaded",
		zap.String("story", reg.StoryID()),
		zap.String("path", path),
		zap.Int("stages", reg.StageCount()),
		zap.Int("units", reg.UnitCount()),
		zap.Duration("elapsed", time.Since(loadStart)),
	)
	return cfg, logger, reg, nil
}

// openStore returns the save store selected by cfg.Storage.Backend and a
// func releasing its resources.
func openStore(ctx context.Context, cfg config.Config, storyID string, logger *zap.Logger) (savegame.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		logger.Info("using postgres save store",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Name),
		)
		return postgres.NewSaveRepository(pool.DB(), storyID), pool.Close, nil
	default:
		store, err := savegame.NewFileStore(cfg.Storage.Dir, logger.Named("savegame"))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using file save store", zap.String("dir", cfg.Storage.Dir))
		return store, func() {}, nil
	}
}

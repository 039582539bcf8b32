package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/console"
	"github.com/cory-johannsen/storyflow/internal/game/conversation"
	"github.com/cory-johannsen/storyflow/internal/game/eventbus"
	"github.com/cory-johannsen/storyflow/internal/game/flow"
	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/llm"
	"github.com/cory-johannsen/storyflow/internal/observability"
	"github.com/cory-johannsen/storyflow/internal/savegame"
	"github.com/cory-johannsen/storyflow/internal/scripting"
	"github.com/cory-johannsen/storyflow/internal/server"
)

var freshStart bool

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play the configured story in the terminal",
	Long:  `play resumes from the autosave slot when one exists, or begins a new game.`,
	Args:  cobra.NoArgs,
	RunE:  runPlay,
}

func init() {
	playCmd.Flags().BoolVar(&freshStart, "new", false, "ignore the autosave and start a new game")
}

func runPlay(cmd *cobra.Command, _ []string) error {
	start := time.Now()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, reg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	storyID := reg.StoryID()

	store, closeStore, err := openStore(ctx, cfg, storyID, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	gen, err := llm.New(cfg.LLM, observability.Component(logger, "llm", storyID))
	if err != nil {
		return err
	}

	bus := eventbus.New(observability.Component(logger, "eventbus", storyID))
	conv := conversation.NewManager(gen, reg, observability.Component(logger, "conversation", storyID))
	autosaver := savegame.NewAutosaver(store, cfg.Storage.AutosaveSlot, observability.Component(logger, "autosave", storyID))
	flowLog := observability.Component(logger, "flow", storyID)
	loop := flow.NewLoop(flowLog)
	presenter := console.NewPresenter(os.Stdout, console.Style{Color: cfg.Console.Color},
		cfg.Console.TypingDelay, observability.Component(logger, "console", storyID))

	ctrl := flow.New(reg, bus, conv,
		flow.WithLogger(flowLog),
		flow.WithPresenter(presenter),
		flow.WithDispatcher(loop),
		flow.WithAutosaver(autosaver),
	)

	scripts := scripting.NewManager(bus,
		func() progress.View { return ctrl.Snapshot() },
		observability.Component(logger, "scripting", storyID),
		cfg.Content.ScriptInstructionLimit,
	)
	if err := scripts.LoadStory(reg, ""); err != nil {
		return err
	}
	scripts.Attach()

	resume, err := resumeRecord(ctx, store, cfg.Storage.AutosaveSlot, logger)
	if err != nil {
		return err
	}
	loop.Post(func() { beginGame(ctrl, resume, logger) })

	con := console.New(os.Stdin, presenter, loop, ctrl, store, observability.Component(logger, "console", storyID))

	lc := server.NewLifecycle(logger)
	lc.Add("flow-loop", loop)
	lc.Add("autosave", autosaver)
	lc.Add("controller", controllerService(loop, ctrl, scripts))
	lc.AddEssential("console", con)

	logger.Info("story ready",
		zap.String("story", storyID),
		zap.Bool("resumed", resume != nil),
		zap.Duration("startup", time.Since(start)),
	)
	return lc.Run(ctx)
}

// resumeRecord loads the autosave unless a fresh start was requested.
//
// Postcondition: Returns nil with no error when there is nothing to resume.
func resumeRecord(ctx context.Context, store savegame.Store, slot string, logger *zap.Logger) (*savegame.Record, error) {
	if freshStart {
		return nil, nil
	}
	rec, err := store.Load(ctx, slot)
	switch {
	case errors.Is(err, savegame.ErrSlotNotFound):
		return nil, nil
	case errors.Is(err, savegame.ErrChecksum), errors.Is(err, savegame.ErrVersion):
		logger.Warn("autosave unusable, starting new game", zap.String("slot", slot), zap.Error(err))
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("reading autosave: %w", err)
	}
	return &rec, nil
}

// beginGame restores rec, or starts a new game when rec is nil or rejected.
// It runs on the update loop.
func beginGame(ctrl *flow.Controller, rec *savegame.Record, logger *zap.Logger) {
	if rec != nil {
		if err := ctrl.Restore(*rec); err == nil {
			return
		}
		logger.Warn("autosave rejected, starting new game")
	}
	if err := ctrl.NewGame(); err != nil {
		logger.Error("starting new game", zap.Error(err))
	}
}

// controllerService closes the controller and the script VMs on the update
// loop when the lifecycle shuts down.
func controllerService(loop *flow.Loop, ctrl *flow.Controller, scripts *scripting.Manager) server.Service {
	stopped := make(chan struct{})
	var once sync.Once
	return &server.FuncService{
		StartFn: func() error {
			<-stopped
			return nil
		},
		StopFn: func() {
			once.Do(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = loop.Do(ctx, ctrl.Close)
				scripts.Close()
				close(stopped)
			})
		},
	}
}

package scripting

import (
	"fmt"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/game/eventbus"
	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/game/story"
)

// Hook names a stage script may define as Lua globals.
const (
	// HookStageLoaded is called as on_stage_loaded(stage, from, restored).
	HookStageLoaded = "on_stage_loaded"
	// HookUnitCompleted is called as on_unit_completed(unit).
	HookUnitCompleted = "on_unit_completed"
	// HookClueUnlocked is called as on_clue_unlocked(clue, source).
	HookClueUnlocked = "on_clue_unlocked"
)

// ViewFunc returns the current progress view. It is only invoked while a
// hook is running.
type ViewFunc func() progress.View

type stageVM struct {
	mu sync.Mutex
	L  *lua.LState
}

// Manager owns one sandboxed LState per stage script and dispatches stage
// hooks from bus notifications.
//
// Each stage VM is single-threaded; calls into the same VM are serialized
// while different stages may run concurrently.
type Manager struct {
	bus       *eventbus.Bus
	view      ViewFunc
	logger    *zap.Logger
	instLimit int

	mu      sync.RWMutex
	states  map[story.StageID]*stageVM
	current story.StageID
	subs    eventbus.Subscriptions
}

// NewManager creates a Manager. A non-positive instLimit selects
// DefaultInstructionLimit.
//
// Precondition: bus, view, and logger must be non-nil.
// Postcondition: Returns a non-nil Manager with no stage VMs and no subscriptions.
func NewManager(bus *eventbus.Bus, view ViewFunc, logger *zap.Logger, instLimit int) *Manager {
	if bus == nil {
		panic("scripting.NewManager: bus must not be nil")
	}
	if view == nil {
		panic("scripting.NewManager: view must not be nil")
	}
	if logger == nil {
		panic("scripting.NewManager: logger must not be nil")
	}
	return &Manager{
		bus:       bus,
		view:      view,
		logger:    logger,
		instLimit: instLimit,
		states:    make(map[story.StageID]*stageVM),
	}
}

// LoadStory loads the script of every stage that declares one. Relative
// script paths resolve against baseDir.
//
// Postcondition: Returns the first load error; stages loaded before it stay loaded.
func (m *Manager) LoadStory(reg *story.Registry, baseDir string) error {
	for _, st := range reg.Stages() {
		if st.Script == "" {
			continue
		}
		path := st.Script
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		if err := m.LoadStage(st.ID, path); err != nil {
			return err
		}
	}
	return nil
}

// LoadStage creates a sandboxed VM for stageID, registers the engine module,
// and executes the script at path. A VM already loaded for stageID is replaced.
//
// Precondition: stageID must be non-empty.
// Postcondition: The stage VM is registered, or an error is returned and the
// previous VM (if any) is kept.
func (m *Manager) LoadStage(stageID story.StageID, path string) error {
	L, cancel := NewSandboxedState(m.instLimit)
	m.RegisterModules(L)

	err := L.DoFile(path)
	cancel()
	L.RemoveContext()
	if err != nil {
		L.Close()
		return fmt.Errorf("scripting: loading %q for stage %q: %w", path, stageID, err)
	}

	m.mu.Lock()
	old := m.states[stageID]
	m.states[stageID] = &stageVM{L: L}
	m.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		old.L.Close()
		old.mu.Unlock()
	}
	m.logger.Debug("scripting: stage script loaded",
		zap.String("stage", string(stageID)),
		zap.String("path", path),
	)
	return nil
}

// Attach subscribes the manager to stage, completion, and clue notifications
// so that the matching hooks run automatically. Calling Attach twice is a no-op.
func (m *Manager) Attach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs != nil {
		return
	}
	m.subs = eventbus.Subscriptions{
		m.bus.OnStageChanged(func(e eventbus.StageChanged) {
			m.setCurrent(e.To)
			m.CallHook(e.To, HookStageLoaded,
				lua.LString(e.To), lua.LString(e.From), lua.LBool(e.Restored))
		}),
		m.bus.OnUnitCompleted(func(e eventbus.UnitCompleted) {
			m.CallHook(e.Stage, HookUnitCompleted, lua.LString(e.Unit))
		}),
		m.bus.OnClueUnlocked(func(e eventbus.ClueUnlocked) {
			m.CallHook(m.Current(), HookClueUnlocked, lua.LString(e.Clue), lua.LString(e.Source))
		}),
	}
}

// Current returns the stage most recently announced by a StageChanged event.
func (m *Manager) Current() story.StageID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) setCurrent(id story.StageID) {
	m.mu.Lock()
	m.current = id
	m.mu.Unlock()
}

// HasStage reports whether a script VM is loaded for stageID.
func (m *Manager) HasStage(stageID story.StageID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.states[stageID]
	return ok
}

// CallHook calls the named Lua global function in stageID's VM. Returns LNil
// if the stage has no script or the hook is not defined. Lua runtime errors,
// including an exhausted instruction budget, are logged at Warn level and
// never propagated.
//
// Precondition: args must be valid lua.LValue instances.
// Postcondition: Returns the first return value of the hook, or LNil.
func (m *Manager) CallHook(stageID story.StageID, hook string, args ...lua.LValue) lua.LValue {
	m.mu.RLock()
	vm := m.states[stageID]
	m.mu.RUnlock()
	if vm == nil {
		return lua.LNil
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	L := vm.L

	fn := L.GetGlobal(hook)
	if fn.Type() != lua.LTFunction {
		return lua.LNil
	}

	err := withBudget(L, m.instLimit, func() error {
		return L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("stage", string(stageID)),
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret
}

// Close releases the bus subscriptions and every stage VM.
//
// Postcondition: Subsequent CallHook calls return LNil.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	states := m.states
	m.states = make(map[story.StageID]*stageVM)
	m.mu.Unlock()

	subs.Close()
	for _, vm := range states {
		vm.mu.Lock()
		vm.L.Close()
		vm.mu.Unlock()
	}
}

package scripting

import (
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/storyflow/internal/game/story"
)

// RegisterModules registers the engine table into L:
//
//	engine.stage()                     current stage id
//	engine.has_clue(id)                boolean
//	engine.is_completed(id)            boolean
//	engine.unlock_clue(id [, seconds]) requests a clue unlock, optionally delayed
//	engine.request_start(id)           requests a unit start
//	engine.log.debug/info/warn(msg)    structured log output
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: engine global is defined in L.
func (m *Manager) RegisterModules(L *lua.LState) {
	engine := L.NewTable()
	L.SetFuncs(engine, map[string]lua.LGFunction{
		"stage":         m.luaStage,
		"has_clue":      m.luaHasClue,
		"is_completed":  m.luaIsCompleted,
		"unlock_clue":   m.luaUnlockClue,
		"request_start": m.luaRequestStart,
	})
	engine.RawSetString("log", m.logModule(L))
	L.SetGlobal("engine", engine)
}

func (m *Manager) luaStage(L *lua.LState) int {
	L.Push(lua.LString(m.Current()))
	return 1
}

func (m *Manager) luaHasClue(L *lua.LState) int {
	id := story.ClueID(L.CheckString(1))
	L.Push(lua.LBool(m.view().HasClue(id)))
	return 1
}

func (m *Manager) luaIsCompleted(L *lua.LState) int {
	id := story.UnitID(L.CheckString(1))
	L.Push(lua.LBool(m.view().IsCompleted(id)))
	return 1
}

func (m *Manager) luaUnlockClue(L *lua.LState) int {
	id := story.ClueID(L.CheckString(1))
	seconds := float64(L.OptNumber(2, 0))
	if seconds < 0 {
		L.ArgError(2, "delay must not be negative")
		return 0
	}
	m.bus.RequestClueUnlock(id, time.Duration(seconds*float64(time.Second)))
	return 0
}

func (m *Manager) luaRequestStart(L *lua.LState) int {
	m.bus.RequestUnitStart(story.UnitID(L.CheckString(1)))
	return 0
}

func (m *Manager) logModule(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	logAt := func(fn func(string, ...zap.Field)) lua.LGFunction {
		return func(L *lua.LState) int {
			fn(L.CheckString(1), zap.String("stage", string(m.Current())), zap.String("source", "lua"))
			return 0
		}
	}
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"debug": logAt(m.logger.Debug),
		"info":  logAt(m.logger.Info),
		"warn":  logAt(m.logger.Warn),
	})
	return mod
}

package scripting_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/storyflow/internal/game/eventbus"
	"github.com/cory-johannsen/storyflow/internal/game/progress"
	"github.com/cory-johannsen/storyflow/internal/game/story"
	"github.com/cory-johannsen/storyflow/internal/scripting"
)

type testEnv struct {
	mgr   *scripting.Manager
	bus   *eventbus.Bus
	state *progress.State
	logs  *observer.ObservedLogs
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	bus := eventbus.New(logger)
	state := progress.NewState("hall")
	mgr := scripting.NewManager(bus, func() progress.View { return state }, logger, 0)
	t.Cleanup(mgr.Close)
	return &testEnv{mgr: mgr, bus: bus, state: state, logs: logs}
}

func writeTempLua(t testing.TB, filename, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), filename)
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestManager_LoadStage_CallsHook(t *testing.T) {
	env := newTestEnv(t)
	path := writeTempLua(t, "hall.lua", `
		function test_hook(a, b)
			return a + b
		end
	`)
	require.NoError(t, env.mgr.LoadStage("hall", path))
	assert.True(t, env.mgr.HasStage("hall"))
	ret := env.mgr.CallHook("hall", "test_hook", lua.LNumber(3), lua.LNumber(4))
	assert.Equal(t, lua.LNumber(7), ret)
}

func TestManager_CallHook_UndefinedHookReturnsNil(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.mgr.LoadStage("hall", writeTempLua(t, "hall.lua", `x = 1`)))
	assert.Equal(t, lua.LNil, env.mgr.CallHook("hall", "missing"))
	// A non-function global is not a hook.
	assert.Equal(t, lua.LNil, env.mgr.CallHook("hall", "x"))
}

func TestManager_CallHook_UnknownStageReturnsNil(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, lua.LNil, env.mgr.CallHook("nowhere", "anything"))
}

func TestManager_CallHook_RuntimeErrorLogsWarn(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.mgr.LoadStage("hall", writeTempLua(t, "hall.lua", `
		function bad_hook()
			error("deliberate")
		end
	`)))
	assert.Equal(t, lua.LNil, env.mgr.CallHook("hall", "bad_hook"))
	assert.Equal(t, 1, env.logs.FilterMessage("scripting: Lua runtime error").Len())
}

func TestManager_CallHook_RunawayHookIsStopped(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.mgr.LoadStage("hall", writeTempLua(t, "hall.lua", `
		function spin() while true do end end
		function ok() return "fine" end
	`)))
	assert.Equal(t, lua.LNil, env.mgr.CallHook("hall", "spin"))
	assert.Equal(t, lua.LString("fine"), env.mgr.CallHook("hall", "ok"))
}

func TestManager_LoadStage_InvalidLuaReturnsError(t *testing.T) {
	env := newTestEnv(t)
	err := env.mgr.LoadStage("hall", writeTempLua(t, "bad.lua", `this is not valid lua @@@@`))
	assert.Error(t, err)
	assert.False(t, env.mgr.HasStage("hall"))
}

func TestManager_LoadStage_MissingFileReturnsError(t *testing.T) {
	env := newTestEnv(t)
	assert.Error(t, env.mgr.LoadStage("hall", filepath.Join(t.TempDir(), "absent.lua")))
}

func TestManager_LoadStage_ReplacesPreviousVM(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.mgr.LoadStage("hall", writeTempLua(t, "a.lua", `function v() return 1 end`)))
	require.NoError(t, env.mgr.LoadStage("hall", writeTempLua(t, "b.lua", `function v() return 2 end`)))
	assert.Equal(t, lua.LNumber(2), env.mgr.CallHook("hall", "v"))
}

func TestManager_LoadStage_FailedReloadKeepsPreviousVM(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.mgr.LoadStage("hall", writeTempLua(t, "a.lua", `function v() return 1 end`)))
	require.Error(t, env.mgr.LoadStage("hall", writeTempLua(t, "b.lua", `@@@`)))
	assert.Equal(t, lua.LNumber(1), env.mgr.CallHook("hall", "v"))
}

func TestManager_LoadStory_ResolvesRelativePaths(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "hall.lua"),
		[]byte(`function who() return "hall" end`), 0644))

	reg, err := story.NewRegistry(&story.Story{
		ID:         "manor",
		StartStage: "hall",
		Stages: []*story.Stage{
			{ID: "hall", Script: "scripts/hall.lua", Next: "cellar"},
			{ID: "cellar"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, env.mgr.LoadStory(reg, dir))
	assert.True(t, env.mgr.HasStage("hall"))
	assert.False(t, env.mgr.HasStage("cellar"))
	assert.Equal(t, lua.LString("hall"), env.mgr.CallHook("hall", "who"))
}

func TestManager_Attach_DispatchesHooks(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.mgr.LoadStage("hall", writeTempLua(t, "hall.lua", `
		seen = {}
		function on_stage_loaded(stage, from, restored)
			table.insert(seen, "stage:" .. stage .. ":" .. from .. ":" .. tostring(restored))
		end
		function on_unit_completed(unit)
			table.insert(seen, "unit:" .. unit)
		end
		function on_clue_unlocked(clue, source)
			table.insert(seen, "clue:" .. clue .. ":" .. source)
		end
		function dump() return table.concat(seen, ",") end
	`)))
	env.mgr.Attach()
	env.mgr.Attach()

	env.bus.Publish(eventbus.StageChanged{From: "", To: "hall"})
	env.bus.Publish(eventbus.UnitCompleted{Stage: "hall", Unit: "arrival"})
	env.bus.Publish(eventbus.ClueUnlocked{Clue: "muddy_boots", Source: "arrival"})
	env.bus.Publish(eventbus.StageChanged{From: "hall", To: "hall", Restored: true})

	assert.Equal(t, story.StageID("hall"), env.mgr.Current())
	assert.Equal(t,
		lua.LString("stage:hall::false,unit:arrival,clue:muddy_boots:arrival,stage:hall:hall:true"),
		env.mgr.CallHook("hall", "dump"))
}

func TestManager_Close_ReleasesStagesAndSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.mgr.LoadStage("hall", writeTempLua(t, "hall.lua", `function get_x() return 1 end`)))
	env.mgr.Attach()
	require.Equal(t, 1, env.bus.SubscriberCount(eventbus.TopicStageChanged))

	env.mgr.Close()
	assert.Equal(t, 0, env.bus.SubscriberCount(eventbus.TopicStageChanged))
	assert.Equal(t, lua.LNil, env.mgr.CallHook("hall", "get_x"))
	env.mgr.Close()
}

func TestNewManager_PanicsOnNilDependencies(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	view := func() progress.View { return progress.NewState("hall") }
	assert.Panics(t, func() { scripting.NewManager(nil, view, zap.NewNop(), 0) })
	assert.Panics(t, func() { scripting.NewManager(bus, nil, zap.NewNop(), 0) })
	assert.Panics(t, func() { scripting.NewManager(bus, view, nil, 0) })
}

func TestProperty_CallHookMissingStageNeverPanics(t *testing.T) {
	env := newTestEnv(t)
	rapid.Check(t, func(rt *rapid.T) {
		stage := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "stage")
		hook := rapid.StringMatching(`[a-z_]{1,10}`).Draw(rt, "hook")
		if got := env.mgr.CallHook(story.StageID(stage), hook); got != lua.LNil {
			rt.Fatalf("expected LNil, got %v", got)
		}
	})
}

func TestProperty_CallHookConcurrentSameStage_NoRace(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.mgr.LoadStage("hall", writeTempLua(t, "hall.lua", `
		function add(a, b)
			return a + b
		end
	`)))

	const goroutines = 10
	const callsEach = 5
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsEach; j++ {
				assert.Equal(t, lua.LNumber(3), env.mgr.CallHook("hall", "add", lua.LNumber(1), lua.LNumber(2)))
			}
		}()
	}
	wg.Wait()
}

package taskset

import (
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/fleet/internal/models"
)

// loadLua executes a sandboxed Lua script that defines a tasks() function
// returning the task list. Useful for templated fan-outs:
//
//	function tasks()
//	  local out = {}
//	  for i = 1, 5 do
//	    out[i] = { task_id = i, task = "port module " .. i }
//	  end
//	  return out
//	end
func loadLua(path string) ([]models.Task, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run configuration: %w", err)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSafeLibs(L)

	if err := L.DoString(string(script)); err != nil {
		return nil, fmt.Errorf("failed to load Lua run configuration: %w", err)
	}

	fn := L.GetGlobal("tasks")
	if fn == lua.LNil {
		return nil, fmt.Errorf("run configuration must define a 'tasks' function")
	}

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, fmt.Errorf("tasks() failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("tasks() must return a table, got %s", ret.Type())
	}

	var raw []rawTask
	var convErr error
	tbl.ForEach(func(_, value lua.LValue) {
		if convErr != nil {
			return
		}
		entry, ok := value.(*lua.LTable)
		if !ok {
			convErr = fmt.Errorf("tasks() entries must be tables, got %s", value.Type())
			return
		}
		raw = append(raw, rawTask{
			TaskID:      luaScalar(entry.RawGetString("task_id")),
			Branch:      lua.LVAsString(entry.RawGetString("branch")),
			Description: lua.LVAsString(entry.RawGetString("description")),
			Task:        lua.LVAsString(entry.RawGetString("task")),
		})
	})
	if convErr != nil {
		return nil, convErr
	}

	return normalize(raw)
}

func luaScalar(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	default:
		return nil
	}
}

// openSafeLibs loads only deterministic, filesystem-free libraries into the
// script's environment.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

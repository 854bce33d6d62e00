//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	callTimeout          = 30 * time.Second
)

// registerViessmannModule registers the `viessmann` global table in a Lua state.
func registerViessmannModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return viessmannOn(L, vm)
	}))
	mod.RawSetString("read", L.NewFunction(func(L *lua.LState) int {
		return viessmannRead(L, vm, e)
	}))
	mod.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		return viessmannWrite(L, vm, e)
	}))
	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return viessmannGet(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return viessmannAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("viessmann", mod)
}

// viessmann.on(datapoint, callback); "*" matches every datapoint.
func viessmannOn(L *lua.LState, vm *scriptVM) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, luaEventHandler{datapoint: name, fn: fn})
	vm.mu.Unlock()
	return 0
}

// viessmann.read(datapoint) -> value | nil, err
func viessmannRead(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)

	ctx, cancel := context.WithTimeout(vm.ctx, callTimeout)
	defer cancel()

	v, err := e.ctrl.Read(ctx, name)
	if err != nil {
		e.logger.Warn("script read failed", "datapoint", name, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, v))
	return 1
}

// viessmann.write(datapoint, value) -> true | false, err
func viessmannWrite(L *lua.LState, vm *scriptVM, e *Engine) int {
	name := L.CheckString(1)
	value := luaToGo(L.CheckAny(2))

	ctx, cancel := context.WithTimeout(vm.ctx, callTimeout)
	defer cancel()

	if _, err := e.ctrl.Write(ctx, name, value); err != nil {
		e.logger.Warn("script write failed", "datapoint", name, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// viessmann.get(datapoint) -> last polled value or nil
func viessmannGet(L *lua.LState, e *Engine) int {
	v, ok := e.ctrl.LastValue(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v.Value))
	return 1
}

// viessmann.after(seconds, callback)
func viessmannAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

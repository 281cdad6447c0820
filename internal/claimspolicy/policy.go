// Package claimspolicy runs operator-supplied Lua rules against the claims
// of an already verified token.
//
// Scripts see a read-only `claims` table and these helpers:
//
//	has(key)                 claim present
//	get(key)                 claim value or nil
//	require_claim(key)       deny unless present
//	require_value(key, v)    deny unless equal
//	require_one_of(key, t)   deny unless the value is in t
//	has_role(name)           name is in the "roles" array
//	has_scope(name)          name is in the space separated "scp" claim
//	reject([msg])            deny
//
// Only the base, table, string and math libraries are available.
package claimspolicy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrDenied is returned when the script rejects the claims.
	ErrDenied = errors.New("denied by claims policy")
	// ErrTimeout is returned when the script runs past its time limit.
	ErrTimeout = errors.New("claims policy exceeded time limit")
	// ErrScript wraps Lua runtime errors that are not a denial.
	ErrScript = errors.New("claims policy script error")
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 250 * time.Millisecond

// Policy is a compiled script. The compiled prototype is immutable, so one
// Policy may be evaluated from many goroutines; each call gets its own
// Lua state.
type Policy struct {
	proto   *lua.FunctionProto
	timeout time.Duration
}

// Compile parses script once. A non-positive timeout means DefaultTimeout.
func Compile(script string, timeout time.Duration) (*Policy, error) {
	if strings.TrimSpace(script) == "" {
		return nil, errors.New("claims policy: empty script")
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	fn, err := L.LoadString(script)
	if err != nil {
		return nil, fmt.Errorf("claims policy compile: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Policy{proto: fn.Proto, timeout: timeout}, nil
}

// Evaluate runs the script against claims. It returns nil when the script
// finishes without denying.
func (p *Policy) Evaluate(ctx context.Context, claims map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	openSafeLibs(L)

	var denied error
	deny := func(L *lua.LState, format string, args ...any) {
		denied = fmt.Errorf("%w: "+format, append([]any{ErrDenied}, args...)...)
		L.RaiseError("%s", denied.Error())
	}

	L.SetGlobal("claims", mapToLTable(L, claims))
	L.SetGlobal("has", L.NewFunction(func(L *lua.LState) int {
		_, ok := claims[L.CheckString(1)]
		L.Push(lua.LBool(ok))
		return 1
	}))
	L.SetGlobal("get", L.NewFunction(func(L *lua.LState) int {
		L.Push(goToLua(L, claims[L.CheckString(1)]))
		return 1
	}))
	L.SetGlobal("require_claim", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		if _, ok := claims[key]; !ok {
			deny(L, "required claim %s missing", key)
		}
		return 0
	}))
	L.SetGlobal("require_value", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		val, ok := claims[key]
		if !ok || !valuesMatch(val, L.Get(2)) {
			deny(L, "claim %s does not have the required value", key)
		}
		return 0
	}))
	L.SetGlobal("require_one_of", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		allowed := L.CheckTable(2)
		val, ok := claims[key]
		found := false
		if ok {
			allowed.ForEach(func(_, v lua.LValue) {
				if valuesMatch(val, v) {
					found = true
				}
			})
		}
		if !found {
			deny(L, "claim %s is not in the allowed set", key)
		}
		return 0
	}))
	L.SetGlobal("has_role", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(containsString(claims["roles"], L.CheckString(1))))
		return 1
	}))
	L.SetGlobal("has_scope", L.NewFunction(func(L *lua.LState) int {
		scp, _ := claims["scp"].(string)
		L.Push(lua.LBool(containsString(strings.Fields(scp), L.CheckString(1))))
		return 1
	}))
	L.SetGlobal("reject", L.NewFunction(func(L *lua.LState) int {
		deny(L, "%s", L.OptString(1, "rejected"))
		return 0
	}))

	L.Push(L.NewFunctionFromProto(p.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		switch {
		case denied != nil:
			return denied
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return ErrTimeout
		default:
			return fmt.Errorf("%w: %v", ErrScript, err)
		}
	}
	return denied
}

func openSafeLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func mapToLTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		tbl.RawSetString(k, goToLua(L, v))
	}
	return tbl
}

// goToLua converts decoded JSON claim values. Numbers arrive as float64.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case map[string]any:
		return mapToLTable(L, val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, lua.LString(item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func valuesMatch(goVal any, luaVal lua.LValue) bool {
	switch lv := luaVal.(type) {
	case lua.LString:
		s, ok := goVal.(string)
		return ok && s == string(lv)
	case lua.LNumber:
		switch gv := goVal.(type) {
		case float64:
			return gv == float64(lv)
		case int64:
			return float64(gv) == float64(lv)
		case int:
			return float64(gv) == float64(lv)
		}
	case lua.LBool:
		b, ok := goVal.(bool)
		return ok && b == bool(lv)
	case *lua.LNilType:
		return goVal == nil
	}
	return false
}

func containsString(v any, want string) bool {
	switch vals := v.(type) {
	case []any:
		for _, item := range vals {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range vals {
			if s == want {
				return true
			}
		}
	}
	return false
}

//go:build amd64

package detour

import "reflect"

// Original returns a function with the original behavior of fn, which may
// have been hooked by Func. If fn isn't hooked it's returned unchanged.
//
// The result runs the trampoline: the relocated first instructions of fn
// followed by the rest of fn.
func Original[T any](fn T) T {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func || fnv.IsNil() {
		return fn
	}

	entry, ok := Default().Trampoline(fnv.Pointer())
	if !ok {
		return fn
	}

	return makeFunc[T](entry)
}

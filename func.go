//go:build amd64

package detour

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

var defaultInstaller = sync.OnceValue(func() *Installer {
	return New(Options{})
})

// Default returns the Installer used by Func and Restore.
func Default() *Installer {
	return defaultInstaller()
}

// Func hooks the function *fn so that every call to it runs replacement
// instead. *fn is rebound to a function with the original behavior.
//
//	var marshal = json.Marshal
//
//	err := detour.Func(&marshal, func(v any) ([]byte, error) {
//		if _, ok := v.(string); ok {
//			return marshal(v)
//		}
//		return []byte(`{"nah": true}`), nil
//	})
//
// replacement is entered with the caller's registers, so it can't be a
// closure that captures variables. Package level functions and function
// literals that only use package level variables work.
//
// Func fails with ErrBranchIntoPrologue if the function branches back into
// its first few instructions, which is common for short loops. Hook a caller
// instead.
//
// Note that if *fn has been inlined at a call site, that call site is not
// affected. If possible, add a noinline directive to work-around this
// problem:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func Func[T any](fn *T, replacement T) error {
	if fn == nil {
		return fmt.Errorf("nil function pointer")
	}

	fnv := reflect.ValueOf(*fn)
	if fnv.Kind() != reflect.Func {
		return fmt.Errorf("not a function, kind: %v", fnv.Kind())
	}
	if fnv.IsNil() {
		return fmt.Errorf("nil function")
	}

	newFnv := reflect.ValueOf(replacement)
	if newFnv.IsNil() {
		return fmt.Errorf("nil replacement")
	}

	target := fnv.Pointer()

	// Without the body, branches back into the prologue go unnoticed.
	body, _ := funcBody(target)

	entry := target
	if err := Default().installHook(&entry, newFnv.Pointer(), body, *fn); err != nil {
		return err
	}

	*fn = makeFunc[T](entry)
	return nil
}

// Restore removes a hook installed by Func and rebinds *fn to the original
// function.
func Restore[T any](fn *T) error {
	if fn == nil {
		return fmt.Errorf("nil function pointer")
	}

	fnv := reflect.ValueOf(*fn)
	if fnv.Kind() != reflect.Func {
		return fmt.Errorf("not a function, kind: %v", fnv.Kind())
	}

	in := Default()

	in.mu.Lock()
	h, ok := in.hookByFrame(fnv.Pointer())
	in.mu.Unlock()
	if !ok {
		return &Error{Kind: ErrNotHooked, Target: fnv.Pointer()}
	}

	original, ok := h.origin.(T)
	if !ok {
		return fmt.Errorf("hook at %#x was not installed by Func", h.target)
	}

	if err := in.Remove(h.target); err != nil {
		return err
	}

	*fn = original
	return nil
}

// makeFunc converts a code address to a function value of type T.
//
// A func value points to a closure whose first word is the entry point. The
// code here never reads a closure context, so one word is all it needs.
func makeFunc[T any](entry uintptr) T {
	closure := new(uintptr)
	*closure = entry
	return *(*T)(unsafe.Pointer(&closure))
}

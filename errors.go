package detour

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode means an instruction in the prologue could not be decoded.
	ErrDecode = errors.New("unable to decode instruction")
	// ErrPrologueTooFragmented means the scan window ran out before the
	// prologue covered MinPatchSize bytes.
	ErrPrologueTooFragmented = errors.New("prologue too fragmented")
	// ErrAllocation means no executable region within reach of the target
	// could be allocated.
	ErrAllocation = errors.New("unable to allocate frame")
	// ErrDisplacementOverflow means a relocated relative operand does not
	// fit in 32 bits.
	ErrDisplacementOverflow = errors.New("relocated displacement out of range")
	// ErrEncode means the codec rejected a re-encode request.
	ErrEncode = errors.New("unable to encode instruction")
	// ErrBranchIntoPrologue means code after the prologue branches back
	// into the bytes the redirect jump would overwrite.
	ErrBranchIntoPrologue = errors.New("branch into prologue")
	// ErrAlreadyHooked means the target already has an active hook.
	ErrAlreadyHooked = errors.New("target already hooked")
	// ErrNotHooked means no hook is installed at the target.
	ErrNotHooked = errors.New("target not hooked")
)

// Error describes a failed installation or removal. Kind is one of the
// sentinel errors above, so errors.Is(err, ErrAllocation) works as expected.
//
// Install only writes to the target after every step that can fail has
// succeeded, so Modified is false for every error it returns.
type Error struct {
	Kind   error
	Target uintptr

	// Modified reports whether the target's code was written before the
	// failure.
	Modified bool

	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("detour at %#x: %v", e.Target, e.Kind)
	}
	return fmt.Sprintf("detour at %#x: %v", e.Target, e.Err)
}

// newError wraps err, taking the kind from whichever sentinel it matches. Kind
// is nil for errors that came straight from the OS.
func newError(target uintptr, err error) *Error {
	e := &Error{Target: target, Err: err}
	for _, kind := range []error{ErrDecode, ErrPrologueTooFragmented, ErrAllocation, ErrDisplacementOverflow, ErrEncode, ErrBranchIntoPrologue, ErrAlreadyHooked, ErrNotHooked} {
		if errors.Is(err, kind) {
			e.Kind = kind
			return e
		}
	}
	return e
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	for _, err := range []error{e.Kind, e.Err} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

package detour

import (
	"bytes"
	"fmt"
	"sync"
	"unsafe"

	"github.com/apex/log"
)

// Options configures an Installer. Zero values are replaced with defaults.
type Options struct {
	// Codec decodes and re-encodes the target's instructions. Defaults to
	// X86Codec.
	Codec Codec

	// Memory allocates frames and changes page protection. Defaults to the
	// operating system's virtual memory API.
	Memory VirtualMemory

	// ScanWindow is the maximum number of instructions decoded to find the
	// end of the prologue. Defaults to DefaultScanWindow.
	ScanWindow int

	// Logger receives debug output. Defaults to log.Log.
	Logger log.Interface
}

// Installer installs and removes hooks. It keeps track of every hook it
// installed so each target is hooked at most once and every frame has an
// owner.
//
// Installer serializes its own calls, but it can't stop other goroutines from
// executing a target while its first bytes are rewritten. Install hooks
// before the target is in use.
type Installer struct {
	codec  Codec
	mem    VirtualMemory
	window int
	log    log.Interface

	mu    sync.Mutex
	hooks map[uintptr]*hook
}

type hook struct {
	target uintptr
	frame  *Frame

	// original prologue bytes
	saved []byte

	// original function value, set by Func
	origin any
}

// New returns an Installer using the capabilities in opts.
func New(opts Options) *Installer {
	in := &Installer{
		codec:  opts.Codec,
		mem:    opts.Memory,
		window: opts.ScanWindow,
		log:    opts.Logger,
		hooks:  map[uintptr]*hook{},
	}
	if in.codec == nil {
		in.codec = X86Codec{}
	}
	if in.mem == nil {
		in.mem = osMemory{}
	}
	if in.window <= 0 {
		in.window = DefaultScanWindow
	}
	if in.log == nil {
		in.log = log.Log
	}
	return in
}

// Install redirects the code at *target to replacement.
//
// On success *target is rebound to the trampoline: a copy of the
// instructions that were overwritten followed by a jump to the rest of the
// original code. Calling the trampoline behaves like calling the original.
//
// On failure *target is unchanged and so is the code it points to. The
// returned error is an *Error. Targets that are already hooked, and
// trampolines themselves, fail with ErrAlreadyHooked.
func (in *Installer) Install(target *uintptr, replacement uintptr) error {
	return in.installHook(target, replacement, nil, nil)
}

// installHook is Install with two extras. When body is the complete code of
// the function at *target, installation fails if that code branches into the
// bytes the redirect jump overwrites. origin is kept with the hook.
func (in *Installer) installHook(target *uintptr, replacement uintptr, body []byte, origin any) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	addr := *target
	if _, ok := in.hooks[addr]; ok {
		return &Error{Kind: ErrAlreadyHooked, Target: addr}
	}
	if _, ok := in.hookByFrame(addr); ok {
		return &Error{Kind: ErrAlreadyHooked, Target: addr}
	}

	h, err := in.install(addr, replacement, body)
	if err != nil {
		return newError(addr, err)
	}
	h.origin = origin

	in.hooks[addr] = h
	*target = h.frame.Addr
	return nil
}

func (in *Installer) install(target, replacement uintptr, body []byte) (*hook, error) {
	logger := in.log.WithFields(log.Fields{
		"target":      fmt.Sprintf("%#x", target),
		"replacement": fmt.Sprintf("%#x", replacement),
	})

	// A view of the target large enough for any prologue. Decoding only
	// touches the bytes it needs.
	code := unsafe.Slice((*byte)(unsafe.Pointer(target)), in.window*maxInstructionLen)

	p, err := analyzePrologue(in.codec, code, target, in.window)
	if err != nil {
		logger.WithError(err).Debug("prologue analysis failed")
		return nil, err
	}

	if body != nil {
		if err := checkBody(in.codec, body, p); err != nil {
			logger.WithError(err).Debug("function body check failed")
			return nil, err
		}
	}

	redirect := in.codec.AbsoluteJump(replacement)
	if len(redirect) > p.size {
		return nil, fmt.Errorf("%w: %d byte jump does not fit in %d byte prologue", ErrEncode, len(redirect), p.size)
	}

	_, _, relocatedSize, err := layout(in.codec, p)
	if err != nil {
		logger.WithError(err).Debug("relocation failed")
		return nil, err
	}

	tail := in.codec.AbsoluteJump(p.end())

	frame, err := locateFrame(in.mem, target, relocatedSize+len(tail), in.log)
	if err != nil {
		logger.WithError(err).Debug("frame allocation failed")
		return nil, err
	}
	logger = logger.WithFields(log.Fields{
		"frame":  fmt.Sprintf("%#x", frame.Addr),
		"probes": frame.probes,
	})

	relocated, err := relocate(in.codec, p, frame.Addr)
	if err != nil {
		releaseFrame(in.mem, frame, in.log)
		logger.WithError(err).Debug("relocation failed")
		return nil, err
	}

	// The frame is a complete copy of the original entry point once the
	// tail jump is in place.
	trampoline := append(relocated, tail...)
	copy(frame.bytes(), trampoline)
	if err := in.mem.Flush(frame.Addr, frame.Size); err != nil {
		releaseFrame(in.mem, frame, in.log)
		return nil, fmt.Errorf("%w: flush frame: %w", ErrAllocation, err)
	}

	if disasm, err := in.codec.Disassemble(trampoline, frame.Addr); err == nil {
		logger.WithField("code", disasm).Debug("trampoline ready")
	}

	// Everything above only touched the frame. This is the only write to
	// the target.
	targetCode := code[:p.size]
	saved := bytes.Clone(targetCode)

	if err := in.mem.Unprotect(target, p.size); err != nil {
		releaseFrame(in.mem, frame, in.log)
		return nil, fmt.Errorf("%w: unprotect target: %w", ErrAllocation, err)
	}

	copy(targetCode, redirect)
	for i := len(redirect); i < len(targetCode); i++ {
		targetCode[i] = opcodeINT3
	}

	// The hook is live at this point, so failures below can't be undone
	// by returning an error.
	if err := in.mem.Protect(target, p.size); err != nil {
		logger.WithError(err).Warn("unable to restore target protection")
	}
	if err := in.mem.Flush(target, p.size); err != nil {
		logger.WithError(err).Warn("unable to flush target")
	}

	logger.WithField("size", p.size).Debug("hook installed")

	return &hook{
		target: target,
		frame:  frame,
		saved:  saved,
	}, nil
}

// Remove restores the original code at target and releases its trampoline.
// The trampoline must not be running or called again.
func (in *Installer) Remove(target uintptr) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	h, ok := in.hooks[target]
	if !ok {
		return &Error{Kind: ErrNotHooked, Target: target}
	}

	if err := in.mem.Unprotect(target, len(h.saved)); err != nil {
		return newError(target, fmt.Errorf("unprotect target: %w", err))
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(target)), len(h.saved)), h.saved)

	logger := in.log.WithField("target", fmt.Sprintf("%#x", target))
	if err := in.mem.Protect(target, len(h.saved)); err != nil {
		logger.WithError(err).Warn("unable to restore target protection")
	}
	if err := in.mem.Flush(target, len(h.saved)); err != nil {
		logger.WithError(err).Warn("unable to flush target")
	}

	releaseFrame(in.mem, h.frame, in.log)
	delete(in.hooks, target)

	logger.Debug("hook removed")
	return nil
}

// Trampoline returns the trampoline address for a hooked target.
func (in *Installer) Trampoline(target uintptr) (uintptr, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	h, ok := in.hooks[target]
	if !ok {
		return 0, false
	}
	return h.frame.Addr, true
}

// hookByFrame finds the hook whose trampoline starts at addr.
func (in *Installer) hookByFrame(addr uintptr) (*hook, bool) {
	for _, h := range in.hooks {
		if h.frame.Addr == addr {
			return h, true
		}
	}
	return nil, false
}

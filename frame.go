package detour

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/apex/log"
)

// MaxDisplacement is the furthest a frame may be from its target. Relocated
// RIP-relative operands have to be re-expressed in a signed 32-bit field.
const MaxDisplacement = math.MaxInt32

// VirtualMemory is the OS capability the installer needs to place frames and
// patch code.
type VirtualMemory interface {
	// Granularity is the alignment of regions returned by Allocate.
	Granularity() uintptr

	// Allocate reserves and commits size bytes of readable, writable and
	// executable memory. hint is the preferred base address; the OS may
	// return a different one.
	Allocate(hint uintptr, size int) (uintptr, error)

	// Release frees a region returned by Allocate.
	Release(addr uintptr, size int) error

	// Unprotect makes existing code writable (and keeps it executable).
	Unprotect(addr uintptr, size int) error

	// Protect makes code read-only and executable again.
	Protect(addr uintptr, size int) error

	// Flush discards any cached copies of instructions in the range.
	Flush(addr uintptr, size int) error
}

// Frame is an executable region within MaxDisplacement of a target. It holds
// the relocated prologue followed by a jump back to the rest of the target.
type Frame struct {
	Addr uintptr
	Size int

	// number of candidate addresses tried
	probes int
}

func (f *Frame) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(f.Addr)), f.Size)
}

// locateFrame allocates size bytes reachable from target by a signed 32-bit
// displacement.
//
// Candidates are granularity aligned and expand outward from the target,
// trying above and then below at each step. Fragmentation often leaves only
// one side with room, so neither side is favored beyond the order of tries.
func locateFrame(mem VirtualMemory, target uintptr, size int, logger log.Interface) (*Frame, error) {
	gran := mem.Granularity()
	if gran == 0 || gran&(gran-1) != 0 {
		return nil, fmt.Errorf("%w: invalid allocation granularity %#x", ErrAllocation, gran)
	}

	lower := boundedAddr(target, MaxDisplacement, false)
	upper := boundedAddr(target, MaxDisplacement, true)

	f := &Frame{Size: size}

	try := func(page uintptr) bool {
		f.probes++

		addr, err := mem.Allocate(page, size)
		if err != nil {
			return false
		}

		// The hint is only a hint. Check what we actually got.
		if reachable(target, addr) {
			f.Addr = addr
			return true
		}

		if err := mem.Release(addr, size); err != nil {
			logger.WithError(err).WithField("frame", fmt.Sprintf("%#x", addr)).Warn("unable to release unreachable frame")
		}
		return false
	}

	for offset := uintptr(0); offset < MaxDisplacement; offset += gran {
		// Upward
		if offset <= upper-target {
			page := alignUp(target+offset, gran)
			if page >= target && page <= upper && try(page) {
				return f, nil
			}
		}

		// Downward
		if offset > 0 && target >= offset && target-offset >= lower {
			page := (target - offset) &^ (gran - 1)
			if page != 0 && try(page) {
				return f, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: no region within %#x bytes of %#x after %d probes", ErrAllocation, MaxDisplacement, target, f.probes)
}

// releaseFrame frees f, logging rather than returning failures since it's
// only called on paths that already have an error to report.
func releaseFrame(mem VirtualMemory, f *Frame, logger log.Interface) {
	if f == nil || f.Addr == 0 {
		return
	}
	if err := mem.Release(f.Addr, f.Size); err != nil {
		logger.WithError(err).WithField("frame", fmt.Sprintf("%#x", f.Addr)).Warn("unable to release frame")
	}
	f.Addr = 0
}

// boundedAddr moves addr by disp in either direction, clamping to the
// representable address range.
func boundedAddr(addr, disp uintptr, above bool) uintptr {
	if above {
		if addr < ^uintptr(0)-disp {
			return addr + disp
		}
		return ^uintptr(0)
	}
	if addr > disp {
		return addr - disp
	}
	return 0
}

func alignUp(addr, gran uintptr) uintptr {
	return (addr + gran - 1) &^ (gran - 1)
}

// reachable reports whether |to - from| fits in a signed 32-bit displacement.
func reachable(from, to uintptr) bool {
	if to >= from {
		return to-from <= MaxDisplacement
	}
	return from-to <= MaxDisplacement
}

// fitsInt32 reports whether v can be stored in a signed 32-bit field.
func fitsInt32(v int64) bool {
	return v >= math.MinInt32 && v <= math.MaxInt32
}

//go:build !unix && !windows

package detour

import "errors"

// osMemory has nothing to offer on platforms without virtual memory
// control.
type osMemory struct{}

var _ VirtualMemory = osMemory{}

func (osMemory) Granularity() uintptr { return 4096 }

func (osMemory) Allocate(hint uintptr, size int) (uintptr, error) {
	return 0, errors.ErrUnsupported
}

func (osMemory) Release(addr uintptr, size int) error   { return errors.ErrUnsupported }
func (osMemory) Unprotect(addr uintptr, size int) error { return errors.ErrUnsupported }
func (osMemory) Protect(addr uintptr, size int) error   { return errors.ErrUnsupported }
func (osMemory) Flush(addr uintptr, size int) error     { return errors.ErrUnsupported }

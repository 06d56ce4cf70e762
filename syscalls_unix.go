//go:build unix

package detour

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mprotectRX  = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

// osMemory implements VirtualMemory with mmap and mprotect.
type osMemory struct{}

var _ VirtualMemory = osMemory{}

// probeStep is the distance between frame candidates. Probing every page
// would take a million mmap calls to cover 4GiB.
const probeStep = 64 << 10

func (osMemory) Granularity() uintptr {
	return uintptr(max(unix.Getpagesize(), probeStep))
}

func (osMemory) Allocate(hint uintptr, size int) (uintptr, error) {
	size = roundToPage(size)

	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size), mprotectRWX, unix.MAP_PRIVATE|unix.MAP_ANON|_MAP_FIXED_NOREPLACE)
	if err != nil {
		return 0, fmt.Errorf("mmap at %#x: %w", hint, err)
	}
	return uintptr(ptr), nil
}

func (osMemory) Release(addr uintptr, size int) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), uintptr(roundToPage(size)))
}

func (osMemory) Unprotect(addr uintptr, size int) error {
	return mprotect(addr, size, mprotectRWX)
}

// Protect makes the pages RX. mprotect can't report the previous
// protection, so this assumes the target was in ordinary RX text. Anything
// else sharing those pages loses write access.
func (osMemory) Protect(addr uintptr, size int) error {
	return mprotect(addr, size, mprotectRX)
}

func (osMemory) Flush(addr uintptr, size int) error {
	cacheflush(unsafe.Slice((*byte)(unsafe.Pointer(addr)), size))
	return nil
}

// mprotect changes the protection of every page overlapping [addr,
// addr+size).
func mprotect(addr uintptr, size int, flags int) error {
	pageStart := addr &^ uintptr(unix.Getpagesize()-1)
	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), roundToPage(int(addr-pageStart)+size))
	return unix.Mprotect(region, flags)
}

func roundToPage(size int) int {
	pageSize := unix.Getpagesize()
	return (size + pageSize - 1) / pageSize * pageSize
}

//go:build windows

package detour

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	mprotectRX  = windows.PAGE_EXECUTE_READ
	mprotectRWX = windows.PAGE_EXECUTE_READWRITE
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemInfo         = kernel32.NewProc("GetSystemInfo")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

// systemInfo mirrors SYSTEM_INFO.
type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

var (
	granularityOnce sync.Once
	granularity     uintptr
)

// savedProtection holds the protection Unprotect found at each address.
var savedProtection = struct {
	sync.Mutex
	flags map[uintptr]uint32
}{flags: map[uintptr]uint32{}}

// osMemory implements VirtualMemory with VirtualAlloc and VirtualProtect.
type osMemory struct{}

var _ VirtualMemory = osMemory{}

func (osMemory) Granularity() uintptr {
	granularityOnce.Do(func() {
		var si systemInfo
		procGetSystemInfo.Call(uintptr(unsafe.Pointer(&si)))
		granularity = uintptr(si.AllocationGranularity)
	})
	return granularity
}

func (osMemory) Allocate(hint uintptr, size int) (uintptr, error) {
	addr, err := windows.VirtualAlloc(hint, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, mprotectRWX)
	if addr == 0 {
		return 0, fmt.Errorf("VirtualAlloc at %#x: %w", hint, err)
	}
	return addr, nil
}

func (osMemory) Release(addr uintptr, size int) error {
	// MEM_RELEASE requires a zero size.
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func (osMemory) Unprotect(addr uintptr, size int) error {
	var oldFlags uint32
	if err := windows.VirtualProtect(addr, uintptr(size), mprotectRWX, &oldFlags); err != nil {
		return err
	}

	savedProtection.Lock()
	defer savedProtection.Unlock()
	if _, ok := savedProtection.flags[addr]; !ok {
		savedProtection.flags[addr] = oldFlags
	}
	return nil
}

// Protect puts back the protection Unprotect replaced, or RX if it wasn't
// called for addr.
func (osMemory) Protect(addr uintptr, size int) error {
	savedProtection.Lock()
	flags, ok := savedProtection.flags[addr]
	delete(savedProtection.flags, addr)
	savedProtection.Unlock()

	if !ok {
		flags = mprotectRX
	}

	var oldFlags uint32
	return windows.VirtualProtect(addr, uintptr(size), flags, &oldFlags)
}

func (osMemory) Flush(addr uintptr, size int) error {
	r1, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, uintptr(size))
	if r1 == 0 {
		return fmt.Errorf("FlushInstructionCache: %w", err)
	}
	return nil
}

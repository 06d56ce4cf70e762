package detour

import "unsafe"

// The declarations below mirror the prefix of the runtime's own types that
// the lookup needs. Field order and sizes must match runtime/runtime2.go and
// runtime/symtab.go.

type funcInfo struct {
	*_func
	datap *moduledata
}

type _func struct {
	entryOff uint32 // start pc, as offset from moduledata.text
	nameOff  int32

	// Struct continues, omitting unused fields.
}

type moduledata struct {
	pcHeader     unsafe.Pointer
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr

	// Struct continues, omitting unused fields.
}

type functab struct {
	entryoff uint32 // relative to moduledata.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// funcBody returns the machine code of the Go function starting at entry. It
// returns false if entry isn't the start of a function the runtime knows
// about.
func funcBody(entry uintptr) ([]byte, bool) {
	info := findfunc(entry)
	if info._func == nil || info.datap == nil {
		return nil, false
	}

	start := info.datap.text + uintptr(info.entryOff)
	if start != entry {
		return nil, false
	}

	// ftab holds the entry offset of every function in the module. The
	// closest one after this function is where it ends.
	offset := uint32(entry - info.datap.text)
	length := uint32(info.datap.etext - entry)
	for _, ft := range info.datap.ftab {
		if ft.entryoff <= offset {
			continue
		}
		length = min(length, ft.entryoff-offset)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(entry)), int(length)), true
}

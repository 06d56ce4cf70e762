package detour

import (
	"errors"
	"fmt"
)

const (
	// MinPatchSize is the number of bytes the redirect jump needs at the
	// target: a 6 byte indirect JMP plus the 8 byte absolute address.
	MinPatchSize = absoluteJumpSize

	// DefaultScanWindow bounds how many instructions are decoded while
	// looking for the end of the prologue.
	DefaultScanWindow = 32

	// maxInstructionLen is the longest legal x86 instruction.
	maxInstructionLen = 15
)

// prologue is the run of whole instructions that the redirect jump will
// overwrite.
type prologue struct {
	addr  uintptr
	insts []Instruction

	// size is the exact number of bytes consumed, at least MinPatchSize.
	size int
}

// end returns the address of the first instruction after the prologue.
func (p *prologue) end() uintptr {
	return p.addr + uintptr(p.size)
}

// contains reports whether addr falls inside the consumed bytes.
func (p *prologue) contains(addr uintptr) bool {
	return addr >= p.addr && addr < p.end()
}

// analyzePrologue decodes whole instructions from code, which is located at
// addr, until at least MinPatchSize bytes are covered. A jump can never be
// inserted in the middle of an instruction, so the result may be longer than
// MinPatchSize.
func analyzePrologue(codec Codec, code []byte, addr uintptr, window int) (*prologue, error) {
	p := &prologue{addr: addr}

	for p.size < MinPatchSize {
		if len(p.insts) >= window {
			return nil, fmt.Errorf("%w: %d instructions cover only %d of %d bytes", ErrPrologueTooFragmented, len(p.insts), p.size, MinPatchSize)
		}

		if p.size >= len(code) {
			return nil, fmt.Errorf("%w at %#x: ran out of code after %d bytes", ErrDecode, addr+uintptr(p.size), p.size)
		}

		inst, err := codec.Decode(code[p.size:], addr+uintptr(p.size))
		if err != nil {
			if !errors.Is(err, ErrDecode) {
				err = fmt.Errorf("%w at %#x: %w", ErrDecode, addr+uintptr(p.size), err)
			}
			return nil, err
		}
		inst.Offset = p.size

		p.insts = append(p.insts, inst)
		p.size += inst.Len
	}

	return p, nil
}

// checkBody decodes the rest of the function body, which starts at p.addr,
// and fails if a relative branch lands after the first byte of the prologue
// and before its end. Those bytes are overwritten by the redirect jump, and
// only branches inside the prologue itself are relocated. Branching to the
// entry is fine: it runs the replacement.
func checkBody(codec Codec, body []byte, p *prologue) error {
	for offset := p.size; offset < len(body); {
		addr := p.addr + uintptr(offset)

		inst, err := codec.Decode(body[offset:], addr)
		if err != nil {
			if !errors.Is(err, ErrDecode) {
				err = fmt.Errorf("%w at %#x: %w", ErrDecode, addr, err)
			}
			return err
		}

		for _, op := range inst.Operands {
			if op.Kind != OperandRelative {
				continue
			}
			dest := uintptr(int64(addr) + int64(inst.Len) + op.Disp)
			if dest != p.addr && p.contains(dest) {
				return fmt.Errorf("%w: %s at %#x branches to %#x", ErrBranchIntoPrologue, inst.Mnemonic, addr, dest)
			}
		}

		offset += inst.Len
	}

	return nil
}

package detour

import (
	"errors"
	"fmt"
	"slices"
)

// relocate re-encodes the prologue to execute from base, returning the new
// code. Every operand that is relative to the instruction pointer is
// adjusted so that it still resolves to the same effective address:
//
//	new_disp = (old_addr + old_len + old_disp) - (new_addr + new_len)
//
// Re-encoding may change an instruction's length, so new_addr is tracked
// with a cursor advanced by the encoded lengths. Relative branches that land
// inside the prologue are pointed at the relocated copy instead, since the
// original bytes there are about to be overwritten.
//
// Nothing is written to memory here. The caller copies the result into the
// frame.
func relocate(codec Codec, p *prologue, base uintptr) ([]byte, error) {
	offsets, lengths, size, err := layout(codec, p)
	if err != nil {
		return nil, err
	}

	code := make([]byte, 0, size)

	for i, inst := range p.insts {
		srcAddr := p.addr + uintptr(inst.Offset)
		destAddr := base + uintptr(offsets[i])

		edited := inst
		edited.Operands = slices.Clone(inst.Operands)

		for n := range edited.Operands {
			op := &edited.Operands[n]
			if !op.Relocatable() {
				continue
			}

			effective := int64(srcAddr) + int64(inst.Len) + op.Disp

			if op.Kind == OperandRelative && p.contains(uintptr(effective)) {
				j, ok := p.instructionAt(uintptr(effective))
				if !ok {
					return nil, fmt.Errorf("%w at %#x: branch into the middle of an instruction at %#x", ErrEncode, srcAddr, effective)
				}
				effective = int64(base) + int64(offsets[j])
			}

			disp := effective - (int64(destAddr) + int64(lengths[i]))
			if !fitsInt32(disp) {
				return nil, fmt.Errorf("%w at %#x: %s needs displacement %#x from %#x", ErrDisplacementOverflow, srcAddr, inst.Mnemonic, disp, destAddr)
			}
			op.Disp = disp
		}

		buf, err := codec.Encode(edited)
		if err != nil {
			return nil, encodeError(err, srcAddr)
		}
		if len(buf) != lengths[i] {
			return nil, fmt.Errorf("%w at %#x: encoded %d bytes, expected %d", ErrEncode, srcAddr, len(buf), lengths[i])
		}

		code = append(code, buf...)
	}

	return code, nil
}

// layout returns where each instruction of p lands relative to the start of
// the frame, its re-encoded length and the total relocated size.
func layout(codec Codec, p *prologue) (offsets, lengths []int, size int, err error) {
	offsets = make([]int, len(p.insts))
	lengths = make([]int, len(p.insts))

	for i, inst := range p.insts {
		n, err := codec.EncodedLen(inst)
		if err != nil {
			return nil, nil, 0, encodeError(err, p.addr+uintptr(inst.Offset))
		}
		offsets[i] = size
		lengths[i] = n
		size += n
	}

	return offsets, lengths, size, nil
}

// instructionAt returns the index of the instruction starting at addr.
func (p *prologue) instructionAt(addr uintptr) (int, bool) {
	offset := int(addr - p.addr)
	return slices.BinarySearchFunc(p.insts, offset, func(inst Instruction, offset int) int {
		return inst.Offset - offset
	})
}

func encodeError(err error, addr uintptr) error {
	if errors.Is(err, ErrEncode) || errors.Is(err, ErrDisplacementOverflow) {
		return err
	}
	return fmt.Errorf("%w at %#x: %w", ErrEncode, addr, err)
}

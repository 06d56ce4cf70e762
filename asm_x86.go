package detour

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeINT3   = 0xcc
	opcodeJMPrel = 0xe9 // JMP rel32
	opcodeJMP8   = 0xeb // JMP rel8
	opcodeJcc8   = 0x70 // Jcc rel8, low nibble is the condition
	opcodeJcc32  = 0x80 // Jcc rel32 after 0x0f, low nibble is the condition
	opcodeTwo    = 0x0f // two byte opcode escape
	opcodeJMPabs = 0xff // JMP r/m64 when ModRM.reg is 4

	// ModRM for JMP [RIP+disp32]: mod=00 reg=4 rm=101
	modrmJMPrip = 0<<6 | 4<<3 | 5

	absoluteJumpSize = 14 // 6 byte JMP [RIP+0] + 8 byte address
)

// X86Codec decodes 64-bit x86 code with x86asm and re-encodes the
// instruction forms the relocator edits.
type X86Codec struct{}

var _ Codec = X86Codec{}

func (X86Codec) Decode(code []byte, addr uintptr) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("%w at %#x: %v", ErrDecode, addr, err)
	}
	if inst.Op == 0 {
		// x86asm reports a truncated instruction as a one byte instruction
		// with no opcode.
		return Instruction{}, fmt.Errorf("%w at %#x: incomplete instruction %s", ErrDecode, addr, hex.EncodeToString(code[:min(len(code), maxInstructionLen)]))
	}

	decoded := Instruction{
		Len:      inst.Len,
		Raw:      bytes.Clone(code[:inst.Len]),
		Mnemonic: inst.Op.String(),
	}

	for _, arg := range inst.Args {
		if arg == nil {
			break
		}

		var op Operand
		switch a := arg.(type) {
		case x86asm.Reg:
			op.Kind = OperandRegister
		case x86asm.Imm:
			op.Kind = OperandImmediate
		case x86asm.Mem:
			op.Kind = OperandMemory
			op.Disp = a.Disp
			if a.Base == x86asm.RIP {
				// x86asm zero-extends the disp32.
				op.Disp = int64(int32(a.Disp))
				op.IPRelative = true
				op.FieldOffset = inst.PCRelOff
				op.FieldSize = inst.PCRel
			}
		case x86asm.Rel:
			op.Kind = OperandRelative
			op.Disp = int64(a)
			op.FieldOffset = inst.PCRelOff
			op.FieldSize = inst.PCRel
		default:
			continue
		}
		decoded.Operands = append(decoded.Operands, op)
	}

	return decoded, nil
}

func (c X86Codec) EncodedLen(inst Instruction) (int, error) {
	op, ok := relocatableOperand(inst)
	if !ok {
		return inst.Len, nil
	}

	switch {
	case op.IPRelative && op.FieldSize == 4:
		return inst.Len, nil
	case op.Kind == OperandRelative && op.FieldSize == 4:
		return inst.Len, nil
	case op.Kind == OperandRelative && op.FieldSize == 1:
		switch opcode := inst.Raw[op.FieldOffset-1]; {
		case opcode == opcodeJMP8:
			// prefixes + E9 + rel32
			return op.FieldOffset + 4, nil
		case opcode&0xf0 == opcodeJcc8:
			// prefixes + 0F 8x + rel32
			return op.FieldOffset + 1 + 4, nil
		}
	}

	return 0, fmt.Errorf("%w: %s (%s) has no 32-bit relative form", ErrEncode, inst.Mnemonic, hex.EncodeToString(inst.Raw))
}

func (c X86Codec) Encode(inst Instruction) ([]byte, error) {
	op, ok := relocatableOperand(inst)
	if !ok {
		return bytes.Clone(inst.Raw), nil
	}

	if _, err := c.EncodedLen(inst); err != nil {
		return nil, err
	}

	if op.Disp < math.MinInt32 || op.Disp > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %s displacement %#x", ErrDisplacementOverflow, inst.Mnemonic, op.Disp)
	}

	if op.FieldSize == 4 {
		buf := bytes.Clone(inst.Raw)
		binary.LittleEndian.PutUint32(buf[op.FieldOffset:], uint32(int32(op.Disp)))
		return buf, nil
	}

	// Short branch. Keep any prefixes and widen the opcode.
	prefixes := inst.Raw[:op.FieldOffset-1]
	opcode := inst.Raw[op.FieldOffset-1]

	buf := make([]byte, 0, op.FieldOffset+5)
	buf = append(buf, prefixes...)
	if opcode == opcodeJMP8 {
		buf = append(buf, opcodeJMPrel)
	} else {
		buf = append(buf, opcodeTwo, opcodeJcc32|opcode&0x0f)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(op.Disp)))

	return buf, nil
}

// AbsoluteJump returns JMP [RIP+0] followed by the 8 byte target. There's no
// jump that takes a 64-bit immediate, so the target is read from the bytes
// following the instruction.
func (X86Codec) AbsoluteJump(dest uintptr) []byte {
	buf := make([]byte, absoluteJumpSize)
	buf[0] = opcodeJMPabs
	buf[1] = modrmJMPrip
	// buf[2:6] is the zero displacement
	binary.LittleEndian.PutUint64(buf[6:], uint64(dest))
	return buf
}

func (X86Codec) Disassemble(code []byte, base uintptr) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", base+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}

// relocatableOperand returns the one operand of inst that has to change when
// the instruction moves. x86 encodes at most one.
func relocatableOperand(inst Instruction) (Operand, bool) {
	for _, op := range inst.Operands {
		if op.Relocatable() && op.FieldSize > 0 {
			return op, true
		}
	}
	return Operand{}, false
}

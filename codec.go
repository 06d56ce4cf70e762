package detour

// OperandKind classifies a decoded operand.
type OperandKind uint8

const (
	OperandRegister OperandKind = iota + 1
	OperandMemory
	OperandImmediate
	OperandRelative
)

// Operand is one operand of a decoded instruction.
type Operand struct {
	Kind OperandKind

	// IPRelative is set for memory operands addressed off the instruction
	// pointer.
	IPRelative bool

	// Disp is the signed displacement of a memory operand or the branch
	// offset of a relative operand. Editing it and calling Codec.Encode
	// produces the adjusted instruction.
	Disp int64

	// Location of the displacement field in the original encoding. Zero
	// size when the operand has no relocatable field.
	FieldOffset int
	FieldSize   int
}

// Relocatable reports whether the operand's meaning depends on the address
// the instruction executes from.
func (op Operand) Relocatable() bool {
	return op.IPRelative || op.Kind == OperandRelative
}

// Instruction is a single decoded instruction.
type Instruction struct {
	// Offset from the start of the decoded run.
	Offset int
	Len    int

	// Raw holds a copy of the original encoding.
	Raw      []byte
	Operands []Operand

	// Mnemonic is informational only.
	Mnemonic string
}

// Codec decodes and re-encodes machine instructions.
type Codec interface {
	// Decode decodes the instruction at the start of code, which is
	// assumed to be located at addr.
	Decode(code []byte, addr uintptr) (Instruction, error)

	// EncodedLen returns the length Encode will produce for inst. It must
	// not depend on the operand values so displacements can be computed
	// before encoding.
	EncodedLen(inst Instruction) (int, error)

	// Encode re-encodes inst with its current operand displacements.
	Encode(inst Instruction) ([]byte, error)

	// AbsoluteJump returns a position independent jump to dest.
	AbsoluteJump(dest uintptr) []byte

	// Disassemble renders code located at base, one instruction per line.
	Disassemble(code []byte, base uintptr) (string, error)
}

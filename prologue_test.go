package detour

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	instINCRAX = []byte{0x48, 0xff, 0xc0} // INC RAX
	instNOP    = []byte{0x90}
	instRET    = []byte{0xc3}
)

var errCodecBroken = errors.New("codec broken")

// failingCodec can't decode anything.
type failingCodec struct{ X86Codec }

func (failingCodec) Decode(code []byte, addr uintptr) (Instruction, error) {
	return Instruction{}, errCodecBroken
}

func repeat(inst []byte, n int) []byte {
	return bytes.Repeat(inst, n)
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestAnalyzePrologue(t *testing.T) {
	cases := map[string]struct {
		code          []byte
		expectedInsts int
		expectedSize  int
	}{
		"five 3 byte instructions": {
			code:          concat(repeat(instINCRAX, 5), instRET),
			expectedInsts: 5,
			expectedSize:  15,
		},
		"exact fit": {
			code:          concat(repeat(instNOP, 2), repeat(instINCRAX, 4), instRET),
			expectedInsts: 6,
			expectedSize:  14,
		},
		"long final instruction": {
			// MOV RAX, 0x1122334455667788 is 10 bytes
			code:          concat(repeat(instINCRAX, 2), []byte{0x48, 0xb8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, instRET),
			expectedInsts: 3,
			expectedSize:  16,
		},
		"single byte instructions": {
			code:          concat(repeat(instNOP, 20), instRET),
			expectedInsts: 14,
			expectedSize:  14,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			p, err := analyzePrologue(X86Codec{}, tc.code, 0x4000, DefaultScanWindow)
			require.NoError(t, err)

			assert.Len(p.insts, tc.expectedInsts)
			assert.Equal(tc.expectedSize, p.size)
			assert.GreaterOrEqual(p.size, MinPatchSize)
			assert.Equal(uintptr(0x4000+tc.expectedSize), p.end())

			// Whole instructions only, laid end to end.
			offset := 0
			for _, inst := range p.insts {
				assert.Equal(offset, inst.Offset)
				offset += inst.Len
			}
			assert.Equal(p.size, offset)

			// One fewer instruction would not have been enough.
			last := p.insts[len(p.insts)-1]
			assert.Less(last.Offset, MinPatchSize)
		})
	}
}

func TestAnalyzePrologue_TooFragmented(t *testing.T) {
	code := concat(repeat(instINCRAX, 5), instRET)

	_, err := analyzePrologue(X86Codec{}, code, 0x4000, 4)
	assert.ErrorIs(t, err, ErrPrologueTooFragmented)

	p, err := analyzePrologue(X86Codec{}, code, 0x4000, 5)
	if assert.NoError(t, err) {
		assert.Len(t, p.insts, 5)
	}
}

func TestAnalyzePrologue_DecodeFailure(t *testing.T) {
	t.Run("truncated instruction", func(t *testing.T) {
		code := concat(repeat(instINCRAX, 4), []byte{0x48, 0x8b})
		_, err := analyzePrologue(X86Codec{}, code, 0x4000, DefaultScanWindow)
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("out of code", func(t *testing.T) {
		_, err := analyzePrologue(X86Codec{}, repeat(instINCRAX, 3), 0x4000, DefaultScanWindow)
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("codec error", func(t *testing.T) {
		_, err := analyzePrologue(failingCodec{}, repeat(instINCRAX, 5), 0x4000, DefaultScanWindow)
		assert.ErrorIs(t, err, ErrDecode)
		assert.ErrorIs(t, err, errCodecBroken)
	})
}

func TestPrologue_InstructionAt(t *testing.T) {
	assert := assert.New(t)

	p, err := analyzePrologue(X86Codec{}, concat(instNOP, repeat(instINCRAX, 5)), 0x4000, DefaultScanWindow)
	require.NoError(t, err)

	i, ok := p.instructionAt(0x4001)
	assert.True(ok)
	assert.Equal(1, i)

	_, ok = p.instructionAt(0x4002)
	assert.False(ok)

	assert.True(p.contains(0x4000))
	assert.False(p.contains(p.end()))
}

func TestCheckBody(t *testing.T) {
	// INC RAX x5 is a 15 byte prologue. The instruction after it starts at
	// offset 15.
	prologueCode := repeat(instINCRAX, 5)

	cases := map[string]struct {
		tail     []byte
		expected error
	}{
		"no branches": {
			tail: concat(instNOP, instRET),
		},
		"forward branch": {
			tail: concat([]byte{0x74, 0x01}, instNOP, instRET),
		},
		"back to entry": {
			// JMP -17
			tail: concat([]byte{0xeb, 0xef}, instRET),
		},
		"back to prologue end": {
			// JE -2, a loop on itself
			tail: concat([]byte{0x74, 0xfe}, instRET),
		},
		"short back edge": {
			// JMP -14 to offset 3
			tail:     concat([]byte{0xeb, 0xf2}, instRET),
			expected: ErrBranchIntoPrologue,
		},
		"long back edge": {
			// JG -10 to offset 11
			tail:     concat([]byte{0x0f, 0x8f, 0xf6, 0xff, 0xff, 0xff}, instRET),
			expected: ErrBranchIntoPrologue,
		},
		"call into prologue": {
			// CALL -10 to offset 10
			tail:     concat([]byte{0xe8, 0xf6, 0xff, 0xff, 0xff}, instRET),
			expected: ErrBranchIntoPrologue,
		},
		"undecodable": {
			tail:     []byte{0x48, 0x8b},
			expected: ErrDecode,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := concat(prologueCode, tc.tail)

			p, err := analyzePrologue(X86Codec{}, body, 0x4000, DefaultScanWindow)
			require.NoError(t, err)
			require.Equal(t, 15, p.size)

			err = checkBody(X86Codec{}, body, p)
			if tc.expected == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.expected)
			}
		})
	}
}

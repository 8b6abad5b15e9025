package arch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(insns ...uint32) []byte {
	buf := make([]byte, 0, len(insns)*4)
	for _, insn := range insns {
		buf = binary.LittleEndian.AppendUint32(buf, insn)
	}
	return buf
}

const (
	a64NOP      = 0xd503201f
	a64MOVX0X1  = 0xaa0103e0 // mov x0, x1
	a64STP      = 0xa9bf7bfd // stp x29, x30, [sp, #-16]!
	a64RET      = 0xd65f03c0
	a64BL       = 0x94000010 // bl .+64
	a64BLRX3    = 0xd63f0060 // blr x3
	a64BLRAAX3  = 0xd63f087f // blraaz x3
	a64BCond    = 0x54000040 // b.eq .+8
	a64BImm     = 0x14000004 // b .+16
	a64BRX16Reg = 0xd61f0200 // br x16
)

func TestARM64_IsControlTransfer(t *testing.T) {
	a := ARM64{}

	cases := map[string]struct {
		window []byte
		want   bool
	}{
		"prologue":              {words(a64STP, a64MOVX0X1, a64NOP, a64NOP), false},
		"branches without link": {words(a64BCond, a64BImm, a64BRX16Reg, a64RET), false},
		"bl first":              {words(a64BL, a64NOP, a64NOP, a64NOP), true},
		"blr last":              {words(a64NOP, a64NOP, a64NOP, a64BLRX3), true},
		"blraaz":                {words(a64NOP, a64BLRAAX3, a64NOP, a64NOP), true},
		"bl after footprint":    {words(a64NOP, a64NOP, a64NOP, a64NOP, a64BL), false},
		"short window":          {words(a64NOP, a64NOP), true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, a.IsControlTransfer(tc.window))
		})
	}
}

func TestARM64_JumpCode(t *testing.T) {
	a := ARM64{}

	t.Run("direct", func(t *testing.T) {
		code, err := a.JumpCode(0x1000, 0x2000)
		require.NoError(t, err)
		assert.Len(t, code, 4)
		assert.Equal(t, uint32(0x14000400), binary.LittleEndian.Uint32(code))

		target, ok := a.JumpTarget(0x1000, code)
		assert.True(t, ok)
		assert.Equal(t, uintptr(0x2000), target)
	})

	t.Run("direct backwards", func(t *testing.T) {
		code, err := a.JumpCode(0x4000, 0x1000)
		require.NoError(t, err)
		target, ok := a.JumpTarget(0x4000, code)
		assert.True(t, ok)
		assert.Equal(t, uintptr(0x1000), target)
	})

	t.Run("long jump user address", func(t *testing.T) {
		code, err := a.JumpCode(0x1000, 0x2000_0000)
		require.NoError(t, err)
		assert.Equal(t, words(
			0xd2800010,           // movz x16, #0x0
			0xf2a00010|0x2000<<5, // movk x16, #0x2000, lsl #16
			0xf2c00010,           // movk x16, #0x0, lsl #32
			0xd61f0200,           // br x16
		), code)

		target, ok := a.JumpTarget(0x1000, code)
		assert.True(t, ok)
		assert.Equal(t, uintptr(0x2000_0000), target)
	})

	t.Run("long jump kernel address", func(t *testing.T) {
		if ^uintptr(0) == 0xffffffff {
			t.Skip("32-bit host")
		}
		var kernelAddr uint64 = 0xffff800012345678
		dest := uintptr(kernelAddr)
		code, err := a.JumpCode(0x1000, dest)
		require.NoError(t, err)
		assert.Equal(t, uint32(0x92800010|(0xa987<<5)), binary.LittleEndian.Uint32(code))

		target, ok := a.JumpTarget(0x1000, code)
		assert.True(t, ok)
		assert.Equal(t, dest, target)
	})

	t.Run("unaligned", func(t *testing.T) {
		_, err := a.JumpCode(0x1002, 0x2000)
		assert.Error(t, err)
	})

	t.Run("not a jump", func(t *testing.T) {
		_, ok := a.JumpTarget(0x1000, words(a64NOP, a64NOP, a64NOP, a64NOP))
		assert.False(t, ok)
	})
}

func TestARM64_Breakpoint(t *testing.T) {
	bp := ARM64{}.Breakpoint()
	assert.Equal(t, uint32(0xd420a0a0), binary.LittleEndian.Uint32(bp))
	assert.Contains(t, ARM64{}.Disassemble(0x1000, bp), "BRK")
}

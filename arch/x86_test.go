package arch

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopPad(code []byte, size int) []byte {
	if len(code) >= size {
		return code
	}
	return append(code, bytes.Repeat([]byte{0x90}, size-len(code))...)
}

func TestX86_IsControlTransfer(t *testing.T) {
	a := X86{}
	scan := a.ScanSize()

	cases := map[string]struct {
		window []byte
		want   bool
	}{
		"frame setup": {
			window: nopPad([]byte{
				0x55,                   // push rbp
				0x48, 0x89, 0xe5,       // mov rbp, rsp
				0x48, 0x83, 0xec, 0x10, // sub rsp, 0x10
				0x48, 0x8b, 0x47, 0x08, // mov rax, [rdi+8]
			}, scan),
			want: false,
		},
		"go stack check": {
			window: nopPad([]byte{
				0x49, 0x3b, 0x66, 0x10, // cmp rsp, [r14+0x10]
				0x76, 0x2f,             // jbe
				0x55,                   // push rbp
				0x48, 0x89, 0xe5,       // mov rbp, rsp
			}, scan),
			want: false,
		},
		"call rel32": {
			window: nopPad([]byte{0x55, 0xe8, 0x00, 0x00, 0x00, 0x00}, scan),
			want:   true,
		},
		"call through r11": {
			window: nopPad([]byte{0x90, 0x41, 0xff, 0xd3}, scan),
			want:   true,
		},
		"call through memory": {
			window: nopPad([]byte{0xff, 0x15, 0x00, 0x00, 0x00, 0x00}, scan),
			want:   true,
		},
		"jump through r11": {
			window: nopPad([]byte{0x41, 0xff, 0xe3}, scan),
			want:   false,
		},
		"call after footprint": {
			window: nopPad(append(bytes.Repeat([]byte{0x90}, a.Footprint()), 0xe8, 0, 0, 0, 0), scan),
			want:   false,
		},
		"call straddles footprint": {
			window: nopPad(append(bytes.Repeat([]byte{0x90}, a.Footprint()-1), 0xe8, 0, 0, 0, 0), scan),
			want:   true,
		},
		"truncated instruction": {
			window: []byte{0x90, 0x48, 0xb8, 0x01, 0x02},
			want:   true,
		},
		"empty": {
			window: nil,
			want:   true,
		},
		"call cut off after prefix": {
			window: append(bytes.Repeat([]byte{0x90}, a.Footprint()-1), 0x41),
			want:   true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, a.IsControlTransfer(tc.window))
		})
	}
}

func TestDecodeX86(t *testing.T) {
	cases := map[string]struct {
		code     []byte
		length   int
		complete bool
	}{
		"nop":        {code: []byte{0x90}, length: 1, complete: true},
		"call r11":   {code: []byte{0x41, 0xff, 0xd3}, length: 3, complete: true},
		"lone rex":   {code: []byte{0x41}},
		"lone rex.w": {code: []byte{0x48}},
		"short call": {code: []byte{0xe8, 0x00}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			length, complete := DecodeX86(tc.code)
			assert.Equal(t, tc.complete, complete)
			if tc.complete {
				assert.Equal(t, tc.length, length)
			}
		})
	}
}

func TestX86_IsControlTransfer_Decoder(t *testing.T) {
	window := nopPad(nil, X86{}.ScanSize())

	incomplete := X86{Decode: func([]byte) (int, bool) { return 3, false }}
	assert.True(t, incomplete.IsControlTransfer(window))

	var calls int
	counting := X86{Decode: func(code []byte) (int, bool) {
		calls++
		return DecodeX86(code)
	}}
	assert.False(t, counting.IsControlTransfer(window))
	assert.Equal(t, X86{}.Footprint(), calls)
}

func TestX86_JumpCode(t *testing.T) {
	a := X86{}

	t.Run("direct", func(t *testing.T) {
		code, err := a.JumpCode(0x1000, 0x2000)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}, code)

		target, ok := a.JumpTarget(0x1000, code)
		assert.True(t, ok)
		assert.Equal(t, uintptr(0x2000), target)
	})

	t.Run("direct backwards", func(t *testing.T) {
		code, err := a.JumpCode(0x2000, 0x1000)
		require.NoError(t, err)
		target, ok := a.JumpTarget(0x2000, code)
		assert.True(t, ok)
		assert.Equal(t, uintptr(0x1000), target)
	})

	t.Run("long jump", func(t *testing.T) {
		if ^uintptr(0) == 0xffffffff {
			t.Skip("32-bit host")
		}
		var far uint64 = 0x1_0000_1000
		dest := uintptr(far)

		code, err := a.JumpCode(0x1000, dest)
		require.NoError(t, err)
		require.Len(t, code, a.Footprint())

		want := []byte{0x49, 0xbb}
		want = binary.LittleEndian.AppendUint64(want, far)
		want = append(want, 0x41, 0xff, 0xe3)
		assert.Equal(t, want, code)

		target, ok := a.JumpTarget(0x1000, code)
		assert.True(t, ok)
		assert.Equal(t, dest, target)

		assert.Contains(t, a.Disassemble(0x1000, code), "R11")
	})

	t.Run("not a jump", func(t *testing.T) {
		_, ok := a.JumpTarget(0x1000, nopPad(nil, 13))
		assert.False(t, ok)
	})
}

func TestX86_Disassemble(t *testing.T) {
	out := X86{}.Disassemble(0x1000, []byte{0x90, 0xe9, 0x00, 0x00, 0x00, 0x00, 0x48})
	assert.Contains(t, out, "0x00001000")
	assert.Contains(t, out, "JMP")
	assert.Contains(t, out, "0x00001006\t48")
	assert.Contains(t, out, "?")
	assert.NotContains(t, out, "Op(0)")
}

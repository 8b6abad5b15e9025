package arch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeINT3 = 0xcc
	opcodeJMP  = 0xe9 // JMP rel32

	opcodeREXWB      = 0x49 // REX.W + REX.B
	opcodeREXB       = 0x41 // REX.B
	opcodeMOV_imm_r  = 0xb8 // MOV imm64, r (+r)
	opcodeJMP_abs    = 0xff // JMP r/m (/4)
	registerR11Low   = 3    // R11 with REX.B
	regModeDirect    = 3
	jmpRegOpcodeBits = 4 << 3

	jmpInsnSize      = 5  // 1 byte opcode + 4 byte offset
	longJumpInsnSize = 13 // MOVABS R11 (10) + JMP R11 (3)

	maxInsnSize = 15
)

// The instructions of call in the same segment are 11101000 (direct),
// 11111111 /2 (register or memory indirect). Calls to another segment are
// 10011010 (direct) and 11111111 /3 (indirect). The table matches the
// opcode byte in bits 31:24 and the ModRM byte in bits 23:16.
var x86Calls = Table{
	{Mask: 0xff000000, Value: 0xe8000000, Kind: KindCall},
	{Mask: 0xff000000, Value: 0x9a000000, Kind: KindCallFar},
	{Mask: 0xff300000, Value: 0xff100000, Kind: KindCallReg},
}

// Decoder decodes the instruction at the start of code. It returns the
// instruction length and whether the instruction was decoded completely.
type Decoder func(code []byte) (length int, complete bool)

// DecodeX86 is the default x86-64 decoder.
func DecodeX86(code []byte) (int, bool) {
	instruction, err := x86asm.Decode(code, 64)
	if err != nil || instruction.Op == 0 {
		// A lone prefix decodes without error but has no opcode.
		return 0, false
	}
	return instruction.Len, true
}

// X86 is the x86-64 instruction set.
type X86 struct {
	// Decode overrides the instruction length decoder. DecodeX86 is used
	// when nil.
	Decode Decoder
}

func (X86) Name() string { return "x86" }

func (X86) Footprint() int { return longJumpInsnSize }

// ScanSize leaves room to decode an instruction that starts on the last
// byte of the footprint.
func (a X86) ScanSize() int { return a.Footprint() + maxInsnSize - 1 }

func (X86) Breakpoint() []byte { return []byte{opcodeINT3} }

func (X86) SharedTrap() bool { return true }

func (a X86) IsControlTransfer(window []byte) bool {
	decode := a.Decode
	if decode == nil {
		decode = DecodeX86
	}

	for i := 0; i < a.Footprint(); {
		if i >= len(window) {
			return true
		}
		length, complete := decode(window[i:])
		if !complete || length <= 0 || i+length > len(window) {
			return true
		}
		if x86Calls.Match(x86OpcodeWord(window[i:i+length])) != KindNone {
			return true
		}
		i += length
	}
	return false
}

// x86OpcodeWord skips legacy and REX prefixes and returns the opcode byte
// and the byte after it, left aligned.
func x86OpcodeWord(insn []byte) uint32 {
	i := 0
	for ; i < len(insn); i++ {
		b := insn[i]
		switch {
		case b == 0xf0, b == 0xf2, b == 0xf3,
			b == 0x2e, b == 0x36, b == 0x3e, b == 0x26, b == 0x64, b == 0x65,
			b == 0x66, b == 0x67:
			continue
		case b >= 0x40 && b <= 0x4f:
			continue
		}
		break
	}

	var word uint32
	if i < len(insn) {
		word |= uint32(insn[i]) << 24
	}
	if i+1 < len(insn) {
		word |= uint32(insn[i+1]) << 16
	}
	return word
}

func (X86) JumpCode(pc, dest uintptr) ([]byte, error) {
	// Address to jump from
	src := pc + jmpInsnSize

	diff := int64(dest - src)
	if diff >= math.MinInt32 && diff <= math.MaxInt32 {
		buf := make([]byte, jmpInsnSize)
		buf[0] = opcodeJMP
		binary.LittleEndian.PutUint32(buf[1:], uint32(int32(diff)))
		return buf, nil
	}

	// MOVABS <dest>, R11
	// JMP R11
	buf := make([]byte, 0, longJumpInsnSize)
	buf = append(buf, opcodeREXWB, opcodeMOV_imm_r|registerR11Low)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(dest))
	buf = append(buf, opcodeREXB, opcodeJMP_abs, regModeDirect<<6|jmpRegOpcodeBits|registerR11Low)
	return buf, nil
}

func (X86) JumpTarget(pc uintptr, code []byte) (uintptr, bool) {
	if len(code) >= jmpInsnSize && code[0] == opcodeJMP {
		rel := int32(binary.LittleEndian.Uint32(code[1:]))
		return pc + jmpInsnSize + uintptr(int64(rel)), true
	}

	if len(code) >= longJumpInsnSize &&
		code[0] == opcodeREXWB && code[1] == opcodeMOV_imm_r|registerR11Low &&
		code[10] == opcodeREXB && code[11] == opcodeJMP_abs && code[12] == regModeDirect<<6|jmpRegOpcodeBits|registerR11Low {
		return uintptr(binary.LittleEndian.Uint64(code[2:])), true
	}

	return 0, false
}

func (X86) Disassemble(pc uintptr, code []byte) string {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil || instruction.Op == 0 {
			fmt.Fprintf(&buf, "0x%08x\t%-20s\t?\n", pc+uintptr(i), hex.EncodeToString(code[i:]))
			break
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String()
}

package arch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// -----------------------------------
	// | 000101 | ... 26 bit offset ...  |
	// -----------------------------------
	_B = uint32(5 << 26)

	// MOVN/MOVZ/MOVK X16, #imm16{, lsl #shift}. The immediate goes in
	// bits 20:5.
	_MOVN_X16       = uint32(0x92800010)
	_MOVZ_X16       = uint32(0xd2800010)
	_MOVK_X16_LSL16 = uint32(0xf2a00010)
	_MOVK_X16_LSL32 = uint32(0xf2c00010)

	// BR X16
	_BR_X16 = uint32(0xd61f0200)

	// BRK #0x505
	arm64BrkImm = 0x505
	_BRK_KLP    = uint32(0xd4200000 | arm64BrkImm<<5)
)

const (
	arm64InsnSize = 4
	// movn/movz, movk, movk, br
	arm64LongJumpInsns = 4
	arm64BranchRange   = 128 << 20
)

// The instruction set on arm64 is A64:
//
//	BLR    1101011000111111000000xxxxx00000
//	BL     100101xxxxxxxxxxxxxxxxxxxxxxxxxx
//	BLRAx  1101011x0011111100001xxxxxxxxxxx
var arm64Calls = Table{
	{Mask: 0xfffffc1f, Value: 0xd63f0000, Kind: KindCallReg},
	{Mask: 0xfc000000, Value: 0x94000000, Kind: KindCall},
	{Mask: 0xfefff800, Value: 0xd63f0800, Kind: KindCallAuth},
}

// ARM64 is the A64 instruction set.
type ARM64 struct{}

func (ARM64) Name() string { return "arm64" }

func (ARM64) Footprint() int { return arm64LongJumpInsns * arm64InsnSize }

func (a ARM64) ScanSize() int { return a.Footprint() }

func (ARM64) Breakpoint() []byte {
	return binary.LittleEndian.AppendUint32(nil, _BRK_KLP)
}

func (ARM64) SharedTrap() bool { return false }

func (a ARM64) IsControlTransfer(window []byte) bool {
	return fixedWidthCalls(arm64Calls, window, a.Footprint())
}

func (ARM64) JumpCode(pc, dest uintptr) ([]byte, error) {
	if pc&3 != 0 || dest&3 != 0 {
		return nil, errors.New("unaligned arm64 address")
	}

	if offsetInRange(pc, dest, arm64BranchRange) {
		offset := int64(dest - pc)
		return binary.LittleEndian.AppendUint32(nil, _B|(uint32(offset>>2)&(1<<26-1))), nil
	}

	// Only 48 bits are loaded. The top 16 bits come from MOVN (all ones,
	// kernel addresses) or MOVZ (all zeros, user addresses).
	addr := uint64(dest)
	var first uint32
	switch addr >> 48 {
	case 0xffff:
		first = _MOVN_X16 | uint32(^addr&0xffff)<<5
	case 0:
		first = _MOVZ_X16 | uint32(addr&0xffff)<<5
	default:
		return nil, fmt.Errorf("arm64 long jump target %#x not representable", dest)
	}

	insns := []uint32{
		first,
		_MOVK_X16_LSL16 | uint32((addr>>16)&0xffff)<<5,
		_MOVK_X16_LSL32 | uint32((addr>>32)&0xffff)<<5,
		_BR_X16,
	}
	code := make([]byte, 0, len(insns)*arm64InsnSize)
	for _, insn := range insns {
		code = binary.LittleEndian.AppendUint32(code, insn)
	}
	return code, nil
}

func (ARM64) JumpTarget(pc uintptr, code []byte) (uintptr, bool) {
	if len(code) < arm64InsnSize {
		return 0, false
	}
	first := binary.LittleEndian.Uint32(code)

	if first&0xfc000000 == _B {
		// Sign extend the 26 bit word offset.
		offset := int64(int32(first<<6)>>6) << 2
		return pc + uintptr(offset), true
	}

	if len(code) < arm64LongJumpInsns*arm64InsnSize {
		return 0, false
	}
	var insns [arm64LongJumpInsns]uint32
	for i := range insns {
		insns[i] = binary.LittleEndian.Uint32(code[i*arm64InsnSize:])
	}

	const immMask = uint32(0xffff << 5)
	imm := func(insn uint32) uint64 { return uint64(insn&immMask) >> 5 }

	var addr uint64
	switch insns[0] &^ immMask {
	case _MOVN_X16:
		addr = ^imm(insns[0])
	case _MOVZ_X16:
		addr = imm(insns[0])
	default:
		return 0, false
	}
	if insns[1]&^immMask != _MOVK_X16_LSL16 || insns[2]&^immMask != _MOVK_X16_LSL32 || insns[3] != _BR_X16 {
		return 0, false
	}

	addr = addr&^(0xffff<<16) | imm(insns[1])<<16
	addr = addr&^(0xffff<<32) | imm(insns[2])<<32
	return uintptr(addr), true
}

func (ARM64) Disassemble(pc uintptr, code []byte) string {
	var buf bytes.Buffer

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		instruction, err := arm64asm.Decode(code[i:])
		if err == nil {
			asm = instruction.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String()
}

// fixedWidthCalls tests every aligned word in the first n bytes of window.
// A window shorter than n cannot be checked and is treated as unsafe.
func fixedWidthCalls(t Table, window []byte, n int) bool {
	if len(window) < n {
		return true
	}
	for i := 0; i+4 <= n; i += 4 {
		if t.Match(binary.LittleEndian.Uint32(window[i:])) != KindNone {
			return true
		}
	}
	return false
}

package arch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/arch/arm/armasm"
)

const (
	armInsnSize = 4

	// B<al> with a 24 bit word offset relative to pc+8.
	_B_AL = uint32(0xea000000)

	// LDR PC, [PC, #0] loads the word at pc+8.
	_LDR_PC_PC = uint32(0xe59ff000)
	_NOP_A32   = uint32(0xe320f000)

	// Undefined instruction reserved for live patching.
	_UDF_KLP = uint32(0xe7f001f9)

	// ldr, nop, .word
	armLongJumpInsns = 3

	armBranchMin = -(32 << 20)
	armBranchMax = 32<<20 - 4
)

// The instruction set on arm is A32:
//
//	BL          xxxx1011xxxxxxxxxxxxxxxxxxxxxxxx, cond != 1111
//	BLX(imm)    1111101xxxxxxxxxxxxxxxxxxxxxxxxx
//	BLX(reg)    xxxx00010010xxxxxxxxxxxx0011xxxx, cond != 1111
var armCalls = Table{
	{Mask: 0x0f000000, Value: 0x0b000000, ExcludeMask: 0xf0000000, ExcludeValue: 0xf0000000, Kind: KindCall},
	{Mask: 0xfe000000, Value: 0xfa000000, Kind: KindCall},
	{Mask: 0x0ff000f0, Value: 0x01200030, ExcludeMask: 0xf0000000, ExcludeValue: 0xf0000000, Kind: KindCallReg},
}

// ARM is the A32 instruction set.
type ARM struct {
	// ModulePLTs allows long jumps through a literal load. Without it a
	// replacement further than 32MiB away cannot be reached.
	ModulePLTs bool
}

func (ARM) Name() string { return "arm" }

func (ARM) Footprint() int { return armLongJumpInsns * armInsnSize }

func (a ARM) ScanSize() int { return a.Footprint() }

func (ARM) Breakpoint() []byte {
	return binary.LittleEndian.AppendUint32(nil, _UDF_KLP)
}

func (ARM) SharedTrap() bool { return false }

func (a ARM) IsControlTransfer(window []byte) bool {
	return fixedWidthCalls(armCalls, window, a.Footprint())
}

func (a ARM) JumpCode(pc, dest uintptr) ([]byte, error) {
	if pc&3 != 0 || dest&3 != 0 {
		return nil, errors.New("unaligned arm address")
	}

	offset := int64(dest - (pc + 8))
	if offset >= armBranchMin && offset <= armBranchMax {
		insn := _B_AL | uint32(offset>>2)&0x00ffffff
		return binary.LittleEndian.AppendUint32(nil, insn), nil
	}

	if !a.ModulePLTs {
		return nil, fmt.Errorf("arm jump target %#x out of range from %#x", dest, pc)
	}
	if uint64(dest) > 0xffffffff {
		return nil, fmt.Errorf("arm jump target %#x exceeds 32 bits", dest)
	}

	code := make([]byte, 0, armLongJumpInsns*armInsnSize)
	code = binary.LittleEndian.AppendUint32(code, _LDR_PC_PC)
	code = binary.LittleEndian.AppendUint32(code, _NOP_A32)
	code = binary.LittleEndian.AppendUint32(code, uint32(dest))
	return code, nil
}

func (ARM) JumpTarget(pc uintptr, code []byte) (uintptr, bool) {
	if len(code) < armInsnSize {
		return 0, false
	}
	first := binary.LittleEndian.Uint32(code)

	if first&0xff000000 == _B_AL {
		offset := int64(int32(first<<8)>>8) << 2
		return pc + 8 + uintptr(offset), true
	}

	if first == _LDR_PC_PC && len(code) >= armLongJumpInsns*armInsnSize &&
		binary.LittleEndian.Uint32(code[4:]) == _NOP_A32 {
		return uintptr(binary.LittleEndian.Uint32(code[8:])), true
	}

	return 0, false
}

func (ARM) Disassemble(pc uintptr, code []byte) string {
	var buf bytes.Buffer

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		instruction, err := armasm.Decode(code[i:], armasm.ModeARM)
		if err == nil {
			asm = instruction.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String()
}

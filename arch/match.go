package arch

// Kind classifies a matched instruction.
type Kind uint8

const (
	KindNone Kind = iota
	KindCall          // call with an immediate target
	KindCallReg       // call through a register or memory operand
	KindCallFar       // far call
	KindCallAuth      // pointer-authenticated call through a register
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindCallReg:
		return "call-reg"
	case KindCallFar:
		return "call-far"
	case KindCallAuth:
		return "call-auth"
	default:
		return "none"
	}
}

// Pattern matches an instruction word. An instruction matches when
// insn&Mask == Value, unless ExcludeMask is set and
// insn&ExcludeMask == ExcludeValue.
type Pattern struct {
	Mask, Value               uint32
	ExcludeMask, ExcludeValue uint32
	Kind                      Kind
}

func (p Pattern) match(insn uint32) bool {
	if insn&p.Mask != p.Value {
		return false
	}
	if p.ExcludeMask != 0 && insn&p.ExcludeMask == p.ExcludeValue {
		return false
	}
	return true
}

// Table is an ordered list of patterns.
type Table []Pattern

// Match returns the kind of the first pattern matching insn.
func (t Table) Match(insn uint32) Kind {
	for _, p := range t {
		if p.match(insn) {
			return p.Kind
		}
	}
	return KindNone
}

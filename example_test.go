package livepatch_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/pboyd/livepatch"
	"github.com/pboyd/livepatch/arch"
	"github.com/pboyd/livepatch/text"
)

func Example() {
	var prologue []byte
	for _, insn := range []uint32{0xa9bf7bfd, 0x910003fd, 0xaa0103e0, 0xd503201f} {
		prologue = binary.LittleEndian.AppendUint32(prologue, insn)
	}

	a := arch.ARM64{}
	mem := text.NewSim()
	mem.Map(0x1000, prologue)
	livepatch.Init(a, mem)

	log := logrus.New()
	log.SetOutput(io.Discard)
	m := livepatch.New(a, mem, livepatch.WithLogger(log))

	site, _ := m.Site(0x1000)
	entry, _ := m.Apply(site, 0x2000_0000)
	fmt.Printf("target: %#x\n", m.Target(site))
	dest, ok := a.JumpTarget(0x1000, mem.Bytes(0x1000, 16))
	fmt.Printf("jump: %#x %v\n", dest, ok)

	m.Remove(site, entry)
	fmt.Printf("restored: %v\n", bytes.Equal(mem.Bytes(0x1000, 16), prologue))
	// Output:
	// target: 0x20000000
	// jump: 0x20000000 true
	// restored: true
}

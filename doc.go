// Package livepatch redirects functions to replacements while other
// threads may be running them.
//
// A patch overwrites the entry of a function with a jump to its
// replacement. The jump is written in three steps: a breakpoint over the
// first instruction unit, the rest of the jump, and finally the first unit.
// A thread that reaches the function while it is being rewritten traps, and
// the trap handler sends it to the replacement. Patches on the same function
// form a stack; removing the running patch reinstates the one below it, or
// the original code.
//
// Instruction sets:
//   - x86-64, using INT3 (shared with debuggers)
//   - arm64, using BRK #0x505
//   - 32-bit arm, using a permanently undefined instruction
//
// Text is reached through text.Memory. text.Sim simulates text and CPUs
// fetching it for any instruction set; text.Host patches the running
// process.
//
// Before patching, callers are expected to check that no thread is inside
// the functions involved (see Manager.CheckFuncsIdle). Functions whose entry
// holds a call within the bytes a patch overwrites are refused.
package livepatch

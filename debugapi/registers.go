package debugapi

import "fmt"

// Reg is the index of the register in the RegisterSnapshot.
type Reg int

// x86_64 general purpose registers, followed by the instruction pointer and the flags.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
	RFLAGS

	NumRegisters
)

var regNames = [NumRegisters]string{
	"rax", "rcx", "rdx", "rbx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags",
}

func (r Reg) String() string {
	if r < 0 || r >= NumRegisters {
		return fmt.Sprintf("Reg(%d)", int(r))
	}
	return regNames[r]
}

// RegisterSnapshot is the copy of the register file taken when the tracee stopped.
type RegisterSnapshot [NumRegisters]Word

// Get returns the register value.
func (s RegisterSnapshot) Get(r Reg) Word {
	return s[r]
}

// Set overwrites the register value in the snapshot. The tracee is not changed until the snapshot is written back.
func (s *RegisterSnapshot) Set(r Reg, w Word) {
	s[r] = w
}

// PC returns the instruction pointer.
func (s RegisterSnapshot) PC() uint64 {
	return s[RIP].Uint64()
}

// SetPC overwrites the instruction pointer.
func (s *RegisterSnapshot) SetPC(pc uint64) {
	s[RIP].SetUint64(pc)
}

// SP returns the stack pointer.
func (s RegisterSnapshot) SP() uint64 {
	return s[RSP].Uint64()
}

func (s RegisterSnapshot) String() string {
	str := ""
	for i, w := range s {
		if i > 0 {
			str += " "
		}
		str += fmt.Sprintf("%s=%s", Reg(i), w)
	}
	return str
}

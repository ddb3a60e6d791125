package debugapi

import "golang.org/x/sys/unix"

// RegistersFromPtrace converts the registers reported by PTRACE_GETREGS.
func RegistersFromPtrace(raw *unix.PtraceRegs) RegisterSnapshot {
	var s RegisterSnapshot
	s[RAX].SetUint64(raw.Rax)
	s[RCX].SetUint64(raw.Rcx)
	s[RDX].SetUint64(raw.Rdx)
	s[RBX].SetUint64(raw.Rbx)
	s[RSI].SetUint64(raw.Rsi)
	s[RDI].SetUint64(raw.Rdi)
	s[RSP].SetUint64(raw.Rsp)
	s[RBP].SetUint64(raw.Rbp)
	s[R8].SetUint64(raw.R8)
	s[R9].SetUint64(raw.R9)
	s[R10].SetUint64(raw.R10)
	s[R11].SetUint64(raw.R11)
	s[R12].SetUint64(raw.R12)
	s[R13].SetUint64(raw.R13)
	s[R14].SetUint64(raw.R14)
	s[R15].SetUint64(raw.R15)
	s[RIP].SetUint64(raw.Rip)
	s[RFLAGS].SetUint64(raw.Eflags)
	return s
}

// ApplyTo copies the snapshot into the raw registers. The registers the snapshot doesn't hold (segments, orig_rax)
// are left untouched.
func (s RegisterSnapshot) ApplyTo(raw *unix.PtraceRegs) {
	raw.Rax = s[RAX].Uint64()
	raw.Rcx = s[RCX].Uint64()
	raw.Rdx = s[RDX].Uint64()
	raw.Rbx = s[RBX].Uint64()
	raw.Rsi = s[RSI].Uint64()
	raw.Rdi = s[RDI].Uint64()
	raw.Rsp = s[RSP].Uint64()
	raw.Rbp = s[RBP].Uint64()
	raw.R8 = s[R8].Uint64()
	raw.R9 = s[R9].Uint64()
	raw.R10 = s[R10].Uint64()
	raw.R11 = s[R11].Uint64()
	raw.R12 = s[R12].Uint64()
	raw.R13 = s[R13].Uint64()
	raw.R14 = s[R14].Uint64()
	raw.R15 = s[R15].Uint64()
	raw.Rip = s[RIP].Uint64()
	raw.Eflags = s[RFLAGS].Uint64()
}

package debugapi

import (
	"fmt"
	"syscall"
)

// The interface the OS-specific client implements. The process is single threaded,
// so the requests don't specify the thread id.
type client interface {
	// LaunchProcess launches the new process.
	// When returned, the process is stopped at the beginning of the program.
	LaunchProcess(name string, arg ...string) (pid int, err error)
	DetachProcess() error
	ReadMemory(addr uint64, out []byte) error
	WriteMemory(addr uint64, data []byte) error
	ReadWord(addr uint64) (Word, error)
	WriteWord(addr uint64, w Word) error
	ReadRegisters() (RegisterSnapshot, error)
	WriteRegisters(regs RegisterSnapshot) error
	ContinueAndWait(sig syscall.Signal) (Event, error)
	StepAndWait(sig syscall.Signal) (Event, error)
	KillAndWait() (Event, error)
	// WaitOutput waits until the outputs of the exited process are copied.
	WaitOutput()
	Close()
}

// EventType represents the type of the event.
type EventType int

const (
	// EventTypeTrapped event happens when the process is stopped by SIGTRAP (breakpoint or single step).
	EventTypeTrapped EventType = iota
	// EventTypeStopped event happens when the process is stopped by the signal other than SIGTRAP.
	EventTypeStopped
	// EventTypeCoreDump event happens when the process terminates unexpectedly.
	EventTypeCoreDump
	// EventTypeExited event happens when the process exits.
	EventTypeExited
	// EventTypeTerminated event happens when the process is terminated by a signal.
	EventTypeTerminated
)

func (t EventType) String() string {
	switch t {
	case EventTypeTrapped:
		return "trapped"
	case EventTypeStopped:
		return "stopped"
	case EventTypeCoreDump:
		return "core dump"
	case EventTypeExited:
		return "exited"
	case EventTypeTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// IsExitEvent returns true if the event indicates the process exits for some reason.
func IsExitEvent(event EventType) bool {
	return event == EventTypeCoreDump || event == EventTypeExited || event == EventTypeTerminated
}

// Event describes the event happens to the target process.
type Event struct {
	Type EventType
	// ExitStatus is set when the Type is EventTypeExited.
	ExitStatus int
	// Signal is the stop signal (EventTypeTrapped, EventTypeStopped) or the terminating signal
	// (EventTypeTerminated, EventTypeCoreDump).
	Signal syscall.Signal
}

// TraceAccessError indicates the ptrace request failed.
type TraceAccessError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *TraceAccessError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s at 0x%x failed: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TraceAccessError) Unwrap() error {
	return e.Err
}

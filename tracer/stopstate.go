package tracer

import (
	"fmt"
	"syscall"
)

// StopReason describes why the process stopped.
type StopReason int

const (
	// StopReasonBreakpoint means the process hit the breakpoint.
	StopReasonBreakpoint StopReason = iota
	// StopReasonFinished means the process exited or was killed. It can't be resumed.
	StopReasonFinished
	// StopReasonOther means the process stopped for other reasons, like the single step or the signal.
	StopReasonOther
)

func (r StopReason) String() string {
	switch r {
	case StopReasonBreakpoint:
		return "breakpoint"
	case StopReasonFinished:
		return "finished"
	case StopReasonOther:
		return "other"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// StopState is the result of resuming the process.
type StopState struct {
	Reason StopReason
	// Breakpoint is the id of the hit breakpoint. Valid only if the reason is StopReasonBreakpoint.
	Breakpoint int
	// Signal is the stop signal if the reason is StopReasonOther, or the signal which killed the process.
	Signal syscall.Signal
	// ExitStatus is the exit status of the finished process.
	ExitStatus int
}

func (s StopState) String() string {
	switch s.Reason {
	case StopReasonBreakpoint:
		return fmt.Sprintf("breakpoint %d", s.Breakpoint)
	case StopReasonFinished:
		if s.Signal != 0 {
			return fmt.Sprintf("finished (signal: %v)", s.Signal)
		}
		return fmt.Sprintf("finished (exit status: %d)", s.ExitStatus)
	default:
		if s.Signal != 0 {
			return fmt.Sprintf("stopped (signal: %v)", s.Signal)
		}
		return "stopped"
	}
}

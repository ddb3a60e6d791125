//go:build linux && amd64

package tracer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/whiteboard/tmon/debugapi"
	"github.com/whiteboard/tmon/log"
	"github.com/whiteboard/tmon/tracee"
	"golang.org/x/arch/x86/x86asm"
)

const (
	breakpointInst byte = 0xcc
	// maxInstLength is the max length of x86 instructions.
	maxInstLength = 15
)

// Option is the options for the controller.
type Option struct {
	// Stdin, Stdout and Stderr are given to the launched process. nil means the null device.
	// The outputs written to Stdout and Stderr are complete when the controller reports the process finished.
	Stdin          io.Reader
	Stdout, Stderr io.Writer
	Logger         *log.Logger
}

// NewDefaultOption returns the option which shares the standard files with the launched process.
func NewDefaultOption() Option {
	return Option{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr, Logger: log.Discard()}
}

// Controller controls the traced process. The process is running until it exits or is killed, and
// all the methods except IsRunning panic after that.
//
// The controller is not safe for concurrent use.
type Controller struct {
	client      *debugapi.Client
	pid         int
	executable  string
	debugInfo   *tracee.DebugInfo
	breakpoints Breakpoints
	regs        debugapi.RegisterSnapshot
	running     bool
	// pendingSignal is delivered to the process when resumed next time.
	pendingSignal syscall.Signal
	logger        *log.Logger
}

// RunExecutable launches the executable and stops at its first instruction.
// args doesn't include the program name.
func RunExecutable(path string, args []string, option Option) (*Controller, error) {
	logger := option.Logger
	if logger == nil {
		logger = log.Discard()
	}

	executable, err := canonicalPath(path)
	if err != nil {
		return nil, &tracee.LoadError{Action: fmt.Sprintf("resolving %s", path), Err: err}
	}

	client := debugapi.NewClient(logger)
	client.Stdin, client.Stdout, client.Stderr = option.Stdin, option.Stdout, option.Stderr
	pid, err := client.LaunchProcess(executable, args...)
	if err != nil {
		client.Close()
		return nil, err
	}

	c := &Controller{client: client, pid: pid, executable: executable, running: true, logger: logger.WithLayer("tracer")}
	c.breakpoints = NewBreakpoints(c.setBreakpoint, c.clearBreakpoint)

	c.debugInfo, err = tracee.NewDebugInfo(pid, executable, logger)
	if err != nil {
		c.terminate()
		return nil, err
	}

	c.regs, err = client.ReadRegisters()
	if err != nil {
		c.terminate()
		return nil, err
	}

	c.logger.Debugf("started %s (pid: %d, pc: %#x)", executable, pid, c.regs.PC())
	return c, nil
}

func canonicalPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(absPath)
}

// terminate kills the process which failed to start.
func (c *Controller) terminate() {
	if _, err := c.client.KillAndWait(); err != nil {
		c.logger.Errorf("failed to kill %d: %v", c.pid, err)
	} else {
		c.client.WaitOutput()
	}
	c.finish()
}

func (c *Controller) finish() {
	c.running = false
	c.client.Close()
}

func (c *Controller) requireRunning(op string) {
	if !c.running {
		panic(fmt.Sprintf("precondition violated: %s is called after the process %d finished", op, c.pid))
	}
}

// BreakAtFunction sets the one-shot breakpoint at the beginning of the function.
func (c *Controller) BreakAtFunction(name string, id int) error {
	c.requireRunning("BreakAtFunction")

	addr, err := c.debugInfo.FindFunction(name)
	if err != nil {
		return err
	}

	if err := c.breakpoints.Set(addr, id); err != nil {
		return err
	}
	c.logger.Debugf("breakpoint %d is set at %s (%#x)", id, name, addr)
	return nil
}

func (c *Controller) setBreakpoint(addr uint64) (byte, error) {
	word, err := c.client.ReadWord(addr)
	if err != nil {
		return 0, err
	}

	origByte := word.Byte(0)
	word.SetByte(0, breakpointInst)
	if err := c.client.WriteWord(addr, word); err != nil {
		return 0, err
	}
	return origByte, nil
}

func (c *Controller) clearBreakpoint(addr uint64, origByte byte) error {
	return c.client.WriteMemory(addr, []byte{origByte})
}

// Cont resumes the process and waits until it stops.
func (c *Controller) Cont() (StopState, error) {
	c.requireRunning("Cont")

	event, err := c.client.ContinueAndWait(c.takePendingSignal())
	if err != nil {
		return StopState{}, err
	}
	return c.handleEvent(event)
}

// Stepi executes the single instruction.
func (c *Controller) Stepi() (StopState, error) {
	c.requireRunning("Stepi")

	event, err := c.client.StepAndWait(c.takePendingSignal())
	if err != nil {
		return StopState{}, err
	}
	return c.handleEvent(event)
}

func (c *Controller) takePendingSignal() syscall.Signal {
	sig := c.pendingSignal
	c.pendingSignal = 0
	if sig != 0 {
		c.logger.Debugf("deliver %v", sig)
	}
	return sig
}

func (c *Controller) handleEvent(event debugapi.Event) (StopState, error) {
	c.logger.Tracef("event: %v", event.Type)

	if debugapi.IsExitEvent(event.Type) {
		// the outputs are all written before the caller knows the process finished.
		c.client.WaitOutput()
		c.finish()
		c.logger.Debugf("process %d finished: %v (exit status: %d, signal: %v)", c.pid, event.Type, event.ExitStatus, event.Signal)
		return StopState{Reason: StopReasonFinished, ExitStatus: event.ExitStatus, Signal: event.Signal}, nil
	}

	regs, err := c.client.ReadRegisters()
	if err != nil {
		return StopState{}, err
	}
	c.regs = regs

	if event.Type == debugapi.EventTypeStopped {
		if event.Signal != syscall.SIGSTOP {
			c.pendingSignal = event.Signal
		}
		return StopState{Reason: StopReasonOther, Signal: event.Signal}, nil
	}

	// the pc points to the next instruction of the trap.
	bp, ok := c.breakpoints.Find(regs.PC() - 1)
	if !ok {
		return StopState{Reason: StopReasonOther, Signal: event.Signal}, nil
	}

	if err := c.breakpoints.Clear(bp.Addr); err != nil {
		return StopState{}, err
	}
	regs.SetPC(bp.Addr)
	if err := c.client.WriteRegisters(regs); err != nil {
		return StopState{}, err
	}
	c.regs = regs

	c.logger.Debugf("hit breakpoint %d at %#x", bp.ID, bp.Addr)
	return StopState{Reason: StopReasonBreakpoint, Breakpoint: bp.ID}, nil
}

// IsRunning returns true until the process finishes.
func (c *Controller) IsRunning() bool {
	return c.running
}

// Registers returns the registers when the process stopped last time.
func (c *Controller) Registers() debugapi.RegisterSnapshot {
	c.requireRunning("Registers")
	return c.regs
}

// CurrentSourceLocation returns the source location of the current pc. False is returned if the pc is outside
// the executable or not associated with any line.
func (c *Controller) CurrentSourceLocation() (tracee.SourceLocation, bool) {
	c.requireRunning("CurrentSourceLocation")
	return c.debugInfo.FindSourceLocation(c.regs.PC())
}

// Pid returns the id of the process.
func (c *Controller) Pid() int {
	return c.pid
}

// Executable returns the canonical path to the executable.
func (c *Controller) Executable() string {
	return c.executable
}

// DebugInfo returns the debug info of the process.
func (c *Controller) DebugInfo() *tracee.DebugInfo {
	c.requireRunning("DebugInfo")
	return c.debugInfo
}

// Breakpoints returns the breakpoints which are not hit yet.
func (c *Controller) Breakpoints() []Breakpoint {
	c.requireRunning("Breakpoints")
	return c.breakpoints.List()
}

// ReadMemory reads the n bytes from the address. The trap instructions of the breakpoints are masked.
func (c *Controller) ReadMemory(addr uint64, n int) ([]byte, error) {
	c.requireRunning("ReadMemory")

	data := make([]byte, n)
	if err := c.client.ReadMemory(addr, data); err != nil {
		return nil, err
	}
	c.breakpoints.Mask(addr, data)
	return data, nil
}

// CurrentInstruction decodes the instruction at the current pc.
func (c *Controller) CurrentInstruction() (x86asm.Inst, error) {
	c.requireRunning("CurrentInstruction")

	pc := c.regs.PC()
	data, err := c.ReadMemory(pc, maxInstLength)
	if err != nil {
		// the instruction may be at the end of the mapping.
		data, err = c.ReadMemory(pc, debugapi.WordSize)
		if err != nil {
			return x86asm.Inst{}, err
		}
	}
	return x86asm.Decode(data, 64)
}

// Kill kills the process.
func (c *Controller) Kill() (StopState, error) {
	c.requireRunning("Kill")

	event, err := c.client.KillAndWait()
	if err != nil {
		return StopState{}, err
	}
	return c.handleEvent(event)
}

// Detach clears all the breakpoints and detaches from the process. The process continues to run.
func (c *Controller) Detach() error {
	c.requireRunning("Detach")

	if err := c.breakpoints.ClearAll(); err != nil {
		return err
	}
	if err := c.client.DetachProcess(); err != nil {
		return err
	}

	c.logger.Debugf("detached from %d", c.pid)
	c.finish()
	return nil
}

//go:build linux && amd64

package debugapi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/whiteboard/tmon/log"
	"golang.org/x/sys/unix"
)

// ErrClientClosed is returned when the request is issued after the client is closed.
var ErrClientClosed = errors.New("debugapi client is closed")

// Client is the debug api client which depends on OS API.
//
// Linux accepts the ptrace requests only from the thread which attached to the tracee, so all the requests,
// including the process launch, are executed by the goroutine locked to one OS thread.
type Client struct {
	pid    int
	logger *log.Logger

	reqCh  chan func()
	doneCh chan struct{}
	closed bool

	// outputs counts the goroutines copying the outputs of the process to Stdout and Stderr.
	outputs sync.WaitGroup

	// Stdin, Stdout and Stderr are given to the launched process. nil means the null device.
	// The stream other than *os.File is connected through the pipe.
	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// NewClient returns the new debug api client which depends on OS API.
func NewClient(logger *log.Logger) *Client {
	c := &Client{
		logger: logger.WithLayer("debugapi"),
		reqCh:  make(chan func()),
		doneCh: make(chan struct{}),
	}
	go c.handleRequests()
	return c
}

func (c *Client) handleRequests() {
	runtime.LockOSThread()
	// the thread is not unlocked and so exits with the goroutine. It may be the tracer of a zombie process.

	for fn := range c.reqCh {
		fn()
		c.doneCh <- struct{}{}
	}
}

func (c *Client) do(fn func() error) error {
	if c.closed {
		return ErrClientClosed
	}

	var err error
	c.reqCh <- func() { err = fn() }
	<-c.doneCh
	return err
}

// Close stops the ptrace thread. The client can't be used after Close.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.reqCh)
}

// Pid returns the id of the traced process.
func (c *Client) Pid() int {
	return c.pid
}

// LaunchProcess launches the new process with ptrace enabled and waits until it stops at the first instruction.
func (c *Client) LaunchProcess(name string, arg ...string) (int, error) {
	cmd := exec.Command(name, arg...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = c.Stdin, c.Stdout, c.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace: true,
	}
	// the child's ends of the pipes are closed in this process once the child is started.
	var pipes []*os.File
	defer func() {
		for _, f := range pipes {
			f.Close()
		}
	}()
	start := func() error {
		stdin, err := c.pipeInput(c.Stdin)
		if err != nil {
			return err
		}
		if stdin != nil {
			cmd.Stdin = stdin
			pipes = append(pipes, stdin)
		}
		stdout, err := c.pipeOutput(c.Stdout)
		if err != nil {
			return err
		}
		if stdout != nil {
			cmd.Stdout = stdout
			pipes = append(pipes, stdout)
		}
		if sameWriter(c.Stdout, c.Stderr) {
			cmd.Stderr = cmd.Stdout
			return cmd.Start()
		}
		stderr, err := c.pipeOutput(c.Stderr)
		if err != nil {
			return err
		}
		if stderr != nil {
			cmd.Stderr = stderr
			pipes = append(pipes, stderr)
		}
		return cmd.Start()
	}

	err := c.do(func() error {
		if err := start(); err != nil {
			return err
		}
		c.pid = cmd.Process.Pid

		var status unix.WaitStatus
		if _, err := unix.Wait4(c.pid, &status, 0, nil); err != nil {
			return &TraceAccessError{Op: "wait", Err: err}
		}
		if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
			return fmt.Errorf("unexpected process status after exec: %#x", uint32(status))
		}

		if err := unix.PtraceSetOptions(c.pid, unix.PTRACE_O_EXITKILL); err != nil {
			return &TraceAccessError{Op: "PTRACE_SETOPTIONS", Err: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.logger.Debugf("launched %s (pid: %d)", name, c.pid)
	return c.pid, nil
}

// pipeInput returns the read end of the pipe which r is copied to. nil is returned if r is nil or *os.File,
// which the process can read directly.
func (c *Client) pipeInput(r io.Reader) (*os.File, error) {
	if _, ok := r.(*os.File); ok || r == nil {
		return nil, nil
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := io.Copy(pw, r); err != nil {
			c.logger.Debugf("failed to copy the input: %v", err)
		}
		pw.Close()
	}()
	return pr, nil
}

// pipeOutput returns the write end of the pipe which is copied to w. nil is returned if w is nil or *os.File,
// which the process can write directly.
func (c *Client) pipeOutput(w io.Writer) (*os.File, error) {
	if _, ok := w.(*os.File); ok || w == nil {
		return nil, nil
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	c.outputs.Add(1)
	go func() {
		defer c.outputs.Done()
		if _, err := io.Copy(w, pr); err != nil {
			c.logger.Debugf("failed to copy the output: %v", err)
		}
		pr.Close()
	}()
	return pw, nil
}

// sameWriter returns true if a and b are the same writer and so share one pipe.
func sameWriter(a, b io.Writer) (same bool) {
	defer func() {
		// the uncomparable writer, like the func type, is never same.
		if recover() != nil {
			same = false
		}
	}()
	return a != nil && a == b
}

// WaitOutput waits until all the outputs of the exited process are written to Stdout and Stderr.
func (c *Client) WaitOutput() {
	c.outputs.Wait()
}

// DetachProcess detaches from the process. The process continues to run.
func (c *Client) DetachProcess() error {
	return c.do(func() error {
		if err := unix.PtraceDetach(c.pid); err != nil {
			return &TraceAccessError{Op: "PTRACE_DETACH", Err: err}
		}
		return nil
	})
}

// ReadMemory reads the specified memory region in the process.
func (c *Client) ReadMemory(addr uint64, out []byte) error {
	return c.do(func() error {
		count, err := unix.PtracePeekText(c.pid, uintptr(addr), out)
		if err != nil {
			return &TraceAccessError{Op: "PTRACE_PEEKTEXT", Addr: addr, Err: err}
		}
		if count != len(out) {
			return &TraceAccessError{Op: "PTRACE_PEEKTEXT", Addr: addr, Err: fmt.Errorf("read %d bytes, want %d", count, len(out))}
		}
		return nil
	})
}

// WriteMemory writes the data to the specified memory region in the process.
func (c *Client) WriteMemory(addr uint64, data []byte) error {
	return c.do(func() error {
		count, err := unix.PtracePokeText(c.pid, uintptr(addr), data)
		if err != nil {
			return &TraceAccessError{Op: "PTRACE_POKETEXT", Addr: addr, Err: err}
		}
		if count != len(data) {
			return &TraceAccessError{Op: "PTRACE_POKETEXT", Addr: addr, Err: fmt.Errorf("wrote %d bytes, want %d", count, len(data))}
		}
		return nil
	})
}

// ReadWord reads the machine word at the address.
func (c *Client) ReadWord(addr uint64) (Word, error) {
	var w Word
	err := c.ReadMemory(addr, w[:])
	return w, err
}

// WriteWord writes the machine word at the address.
func (c *Client) WriteWord(addr uint64, w Word) error {
	return c.WriteMemory(addr, w[:])
}

// ReadRegisters reads the registers of the process.
func (c *Client) ReadRegisters() (RegisterSnapshot, error) {
	var regs RegisterSnapshot
	err := c.do(func() error {
		var rawRegs unix.PtraceRegs
		if err := unix.PtraceGetRegs(c.pid, &rawRegs); err != nil {
			return &TraceAccessError{Op: "PTRACE_GETREGS", Err: err}
		}
		regs = RegistersFromPtrace(&rawRegs)
		return nil
	})
	return regs, err
}

// WriteRegisters changes the registers of the process.
func (c *Client) WriteRegisters(regs RegisterSnapshot) error {
	return c.do(func() error {
		var rawRegs unix.PtraceRegs
		if err := unix.PtraceGetRegs(c.pid, &rawRegs); err != nil {
			return &TraceAccessError{Op: "PTRACE_GETREGS", Err: err}
		}

		regs.ApplyTo(&rawRegs)
		if err := unix.PtraceSetRegs(c.pid, &rawRegs); err != nil {
			return &TraceAccessError{Op: "PTRACE_SETREGS", Err: err}
		}
		return nil
	})
}

// ContinueAndWait resumes the process and waits until an event happens.
// The sig is delivered to the process when resumed. 0 means no signal.
func (c *Client) ContinueAndWait(sig syscall.Signal) (Event, error) {
	var event Event
	err := c.do(func() error {
		if err := unix.PtraceCont(c.pid, int(sig)); err != nil {
			return &TraceAccessError{Op: "PTRACE_CONT", Err: err}
		}

		var err error
		event, err = c.wait()
		return err
	})
	return event, err
}

// StepAndWait executes the single instruction and waits until an event happens.
func (c *Client) StepAndWait(sig syscall.Signal) (Event, error) {
	var event Event
	err := c.do(func() error {
		if err := ptraceSingleStep(c.pid, sig); err != nil {
			return &TraceAccessError{Op: "PTRACE_SINGLESTEP", Err: err}
		}

		var err error
		event, err = c.wait()
		return err
	})
	return event, err
}

// KillAndWait kills the stopped process and waits until it's terminated.
func (c *Client) KillAndWait() (Event, error) {
	var event Event
	err := c.do(func() error {
		if err := unix.Kill(c.pid, unix.SIGKILL); err != nil {
			return &TraceAccessError{Op: "kill", Err: err}
		}

		for {
			var err error
			event, err = c.wait()
			if err != nil || IsExitEvent(event.Type) {
				return err
			}
		}
	})
	return event, err
}

func (c *Client) wait() (Event, error) {
	var status unix.WaitStatus
	if _, err := unix.Wait4(c.pid, &status, 0, nil); err != nil {
		return Event{}, &TraceAccessError{Op: "wait", Err: err}
	}

	var event Event
	switch {
	case status.Stopped():
		event = Event{Type: EventTypeStopped, Signal: status.StopSignal()}
		if status.StopSignal() == unix.SIGTRAP {
			event.Type = EventTypeTrapped
		}
	case status.Exited():
		event = Event{Type: EventTypeExited, ExitStatus: status.ExitStatus()}
	case status.CoreDump():
		event = Event{Type: EventTypeCoreDump, Signal: status.Signal()}
	case status.Signaled():
		event = Event{Type: EventTypeTerminated, Signal: status.Signal()}
	default:
		return Event{}, fmt.Errorf("unexpected wait status: %#x", uint32(status))
	}

	c.logger.Tracef("pid %d: %v (status: %#x)", c.pid, event.Type, uint32(status))
	return event, nil
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP with the signal to deliver.
func ptraceSingleStep(pid int, sig syscall.Signal) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(unix.PTRACE_SINGLESTEP), uintptr(pid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

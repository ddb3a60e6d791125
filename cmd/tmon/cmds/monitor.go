package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/whiteboard/tmon/log"
	"github.com/whiteboard/tmon/tracee"
	"github.com/whiteboard/tmon/tracer"
	"golang.org/x/arch/x86/x86asm"
)

var errInterrupted = errors.New("interrupted")

// monitor runs the program and reports the source locations executed in the function.
type monitor struct {
	out          io.Writer
	function     string
	breakpointID int
	printInsts   bool
	substitute   func(string) string
	logger       *log.Logger

	interrupted int32
}

func (m *monitor) run(executable string, args []string) error {
	option := tracer.NewDefaultOption()
	option.Logger = m.logger
	controller, err := tracer.RunExecutable(executable, args, option)
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", executable, err)
	}

	// the interrupt is delivered to the tracee too, and reported as the stop by the signal.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	defer func() {
		signal.Stop(ch)
		close(ch)
	}()
	go func() {
		if _, ok := <-ch; ok {
			atomic.StoreInt32(&m.interrupted, 1)
		}
	}()

	if err := controller.BreakAtFunction(m.function, m.breakpointID); err != nil {
		_, _ = controller.Kill()
		return err
	}

	instructions, err := m.mainLoop(controller)
	if err != nil {
		if controller.IsRunning() {
			_, _ = controller.Kill()
		}
		return err
	}

	fmt.Fprintf(m.out, "Process %s finished. Processed %d instructions\n", executable, instructions)
	return nil
}

func (m *monitor) mainLoop(controller *tracer.Controller) (int, error) {
	instructions := 0
	state, err := controller.Cont()
	if err != nil {
		return 0, err
	}

	for controller.IsRunning() {
		if m.isInterrupted() {
			return instructions, errInterrupted
		}

		fmt.Fprintln(m.out, "process stopped")
		if state.Reason == tracer.StopReasonBreakpoint {
			fmt.Fprintf(m.out, "...at breakpoint %d\n", state.Breakpoint)

			stepped, err := m.stepFunction(controller)
			instructions += stepped
			if err != nil {
				return instructions, err
			}
		} else {
			m.logger.Debugf("stopped: %v", state)
		}

		if controller.IsRunning() {
			state, err = controller.Cont()
			if err != nil {
				return instructions, err
			}
		}
	}
	m.logger.Debugf("process %d: %v", controller.Pid(), state)
	return instructions, nil
}

// stepFunction executes the function instruction by instruction until the stack pointer goes above
// the one at the beginning of the function.
func (m *monitor) stepFunction(controller *tracer.Controller) (int, error) {
	stackTop := controller.Registers().SP()
	fmt.Fprintf(m.out, "%s stack top: %#016x\n", m.function, stackTop)

	var lastLocation tracee.SourceLocation
	hasLastLocation := false
	instructions := 0
	for {
		if m.isInterrupted() {
			return instructions, errInterrupted
		}

		regs := controller.Registers()
		sp := regs.SP()
		m.logger.Tracef("instruction #%d, SP=%#x, %s stack top=%#x", instructions, sp, m.function, stackTop)
		if sp > stackTop {
			fmt.Fprintf(m.out, "EVENT %s completed, SP=%#016x\n", m.function, sp)
			return instructions, nil
		}

		if location, ok := controller.CurrentSourceLocation(); ok {
			m.logger.Tracef("source loc: %v", location)
			if !hasLastLocation || lastLocation != location {
				fmt.Fprintf(m.out, "EVENT: source loc: %s:%d\n", m.substitute(location.File), location.Line)
				lastLocation, hasLastLocation = location, true
			}
		}

		if m.printInsts {
			m.printInstruction(controller)
		}

		instructions++
		state, err := controller.Stepi()
		if err != nil {
			return instructions, err
		}
		if state.Reason == tracer.StopReasonFinished {
			m.logger.Debugf("Process finished without leaving %s", m.function)
			return instructions, nil
		}
	}
}

func (m *monitor) printInstruction(controller *tracer.Controller) {
	pc := controller.Registers().PC()
	inst, err := controller.CurrentInstruction()
	if err != nil {
		fmt.Fprintf(m.out, "  %#016x: (bad)\n", pc)
		return
	}
	fmt.Fprintf(m.out, "  %#016x: %s\n", pc, x86asm.IntelSyntax(inst, pc, nil))
}

func (m *monitor) isInterrupted() bool {
	return atomic.LoadInt32(&m.interrupted) == 1
}

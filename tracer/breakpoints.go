package tracer

import (
	"errors"
	"fmt"
	"sort"
)

// ErrBreakpointExists is returned when the breakpoint is already set at the address.
var ErrBreakpointExists = errors.New("breakpoint already exists")

// Breakpoint is the one-shot breakpoint. It's removed once hit.
type Breakpoint struct {
	Addr uint64
	ID   int
	// OrigByte is the first byte of the instruction, replaced with the trap instruction while armed.
	OrigByte byte
	Armed    bool
}

// Breakpoints manages the breakpoints. At most one breakpoint exists at the same address.
type Breakpoints struct {
	currBreakpoints map[uint64]*Breakpoint
	doSet           func(addr uint64) (byte, error)
	doClear         func(addr uint64, origByte byte) error
}

// NewBreakpoints returns new Breakpoints. Pass the functions to actually set and clear breakpoints.
// setBreakpoint returns the original byte at the address.
func NewBreakpoints(setBreakpoint func(addr uint64) (byte, error), clearBreakpoint func(addr uint64, origByte byte) error) Breakpoints {
	return Breakpoints{currBreakpoints: make(map[uint64]*Breakpoint), doSet: setBreakpoint, doClear: clearBreakpoint}
}

// Find returns the breakpoint at the specified address.
func (b Breakpoints) Find(addr uint64) (Breakpoint, bool) {
	bp, ok := b.currBreakpoints[addr]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

// Set sets the breakpoint at the specified address.
func (b Breakpoints) Set(addr uint64, id int) error {
	if bp, ok := b.currBreakpoints[addr]; ok {
		return fmt.Errorf("%#x (id: %d): %w", addr, bp.ID, ErrBreakpointExists)
	}

	origByte, err := b.doSet(addr)
	if err != nil {
		return err
	}

	b.currBreakpoints[addr] = &Breakpoint{Addr: addr, ID: id, OrigByte: origByte, Armed: true}
	return nil
}

// Clear clears the breakpoint at the specified address. No-op if the breakpoint doesn't exist.
func (b Breakpoints) Clear(addr uint64) error {
	bp, ok := b.currBreakpoints[addr]
	if !ok {
		return nil
	}

	if err := b.doClear(addr, bp.OrigByte); err != nil {
		return err
	}

	bp.Armed = false
	delete(b.currBreakpoints, addr)
	return nil
}

// ClearAll clears all the breakpoints.
func (b Breakpoints) ClearAll() error {
	for addr := range b.currBreakpoints {
		if err := b.Clear(addr); err != nil {
			return err
		}
	}
	return nil
}

// List returns the breakpoints sorted by the address.
func (b Breakpoints) List() []Breakpoint {
	list := make([]Breakpoint, 0, len(b.currBreakpoints))
	for _, bp := range b.currBreakpoints {
		list = append(list, *bp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Addr < list[j].Addr })
	return list
}

// Mask replaces the trap instructions in the data read from addr with the original bytes.
func (b Breakpoints) Mask(addr uint64, data []byte) {
	for bpAddr, bp := range b.currBreakpoints {
		if addr <= bpAddr && bpAddr < addr+uint64(len(data)) {
			data[bpAddr-addr] = bp.OrigByte
		}
	}
}

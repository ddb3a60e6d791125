package tracee

import (
	"errors"
	"fmt"
)

var (
	// ErrSymbolNotFound is returned when the function is not in the debug info.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrDuplicateSymbol is returned when the debug info has two top-level functions with the same name.
	ErrDuplicateSymbol = errors.New("duplicate symbol")
	// ErrAddressNotFound is returned when the address or the file offset is not mapped.
	ErrAddressNotFound = errors.New("address not found")
)

// LoadError indicates the executable or its debug info can't be loaded.
type LoadError struct {
	// Action describes what was being done, like "opening /bin/true".
	Action string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed %s: %v", e.Action, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ParseError indicates the line of the memory mapping table doesn't have the expected format.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse the memory mapping: %q", e.Line)
}

package tracee

import (
	"fmt"
	"os"

	"github.com/whiteboard/tmon/log"
)

// DebugInfo translates the names and the source locations in the executable to the runtime addresses in the process,
// and vice versa.
type DebugInfo struct {
	pid        int
	executable string
	binary     *Binary
	maps       MemoryMaps
	logger     *log.Logger
}

// NewDebugInfo loads the debug info of the executable and the memory maps of the process.
// The executable should be the canonical path, as the memory maps have.
func NewDebugInfo(pid int, executable string, logger *log.Logger) (*DebugInfo, error) {
	binary, err := NewBinary(executable, logger)
	if err != nil {
		return nil, err
	}

	debugInfo := &DebugInfo{pid: pid, executable: executable, binary: binary, logger: logger.WithLayer("tracee")}
	if err := debugInfo.Reload(); err != nil {
		return nil, err
	}
	return debugInfo, nil
}

// Reload takes the new snapshot of the memory maps. The mappings can change after the dynamic loader runs.
func (d *DebugInfo) Reload() error {
	if err := d.maps.Load(d.pid); err != nil {
		return err
	}

	if d.logger.Enabled(log.LevelTrace) {
		for _, mapping := range d.maps.Mappings() {
			d.logger.Tracef("mapping: %v", mapping)
		}
	}
	return nil
}

// FindFunction returns the runtime address of the function.
func (d *DebugInfo) FindFunction(name string) (uint64, error) {
	offset, err := d.binary.FindFunction(name)
	if err != nil {
		return 0, err
	}

	addr, err := d.maps.FindAddressByOffset(d.executable, offset)
	if err != nil {
		return 0, fmt.Errorf("function %s: %w", name, err)
	}
	d.logger.Debugf("function %s: offset %#x, address %#x", name, offset, addr)
	return addr, nil
}

// FindSourceLocation returns the source location of the runtime address. False is returned if the address is
// outside the executable, like in the shared library, or no line covers it.
func (d *DebugInfo) FindSourceLocation(addr uint64) (SourceLocation, bool) {
	path, offset, ok := d.maps.TryFindFileAndOffsetByAddress(addr)
	if !ok || path != d.executable {
		d.logger.Tracef("address %#x is not in %s", addr, d.executable)
		return SourceLocation{}, false
	}

	return d.binary.FindSourceLocation(offset)
}

// Executable returns the path to the executable.
func (d *DebugInfo) Executable() string {
	return d.executable
}

// Binary returns the debug info of the executable.
func (d *DebugInfo) Binary() *Binary {
	return d.binary
}

// MemoryMaps returns the current snapshot of the memory maps.
func (d *DebugInfo) MemoryMaps() []MemoryMapping {
	return d.maps.Mappings()
}

// FindProgramPath returns the canonical path to the executable of the process.
func FindProgramPath(pid int) (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", &LoadError{Action: fmt.Sprintf("finding the executable of %d", pid), Err: err}
	}
	return path, nil
}

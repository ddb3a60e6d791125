package tracee

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
)

var debugInfoSectionNames = []string{
	".debug_info",
	".zdebug_info",
}

// findDWARF returns the debug info and the executable segments of the file.
// The debug info is nil if the executable has no debug info section.
func findDWARF(pathToProgram string) (*dwarf.Data, []segment, error) {
	elfFile, err := elf.Open(pathToProgram)
	if err != nil {
		return nil, nil, &LoadError{Action: fmt.Sprintf("opening %s", pathToProgram), Err: err}
	}
	defer elfFile.Close()

	var segments []segment
	for _, prog := range elfFile.Progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_X == 0 {
			continue
		}
		segments = append(segments, segment{vaddr: prog.Vaddr, offset: prog.Off, size: prog.Filesz})
	}

	hasDebugInfo := false
	for _, name := range debugInfoSectionNames {
		if elfFile.Section(name) != nil {
			hasDebugInfo = true
			break
		}
	}
	if !hasDebugInfo {
		return nil, segments, nil
	}

	data, err := elfFile.DWARF()
	if err != nil {
		return nil, nil, &LoadError{Action: fmt.Sprintf("loading debug info from %s", pathToProgram), Err: err}
	}
	return data, segments, nil
}

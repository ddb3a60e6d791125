package tracee

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/whiteboard/tmon/log"
)

// Binary represents the debug info of the executable file. The functions and the lines are keyed by the file offset.
type Binary struct {
	path      string
	functions map[string]uint64
	lines     []LineInfo
	segments  []segment
	logger    *log.Logger
}

// Function represents a top-level function in the debug info section.
type Function struct {
	Name   string
	Offset uint64
}

// LineInfo maps the file offset range [Start, End) to the source location.
type LineInfo struct {
	Start, End uint64
	Location   SourceLocation
}

// segment is the loadable and executable part of the file. The functions and the lines are in these segments.
type segment struct {
	vaddr, offset, size uint64
}

// NewBinary loads the debug info of the executable. The binary without the debug info is not an error and
// results in the empty tables.
func NewBinary(pathToProgram string, logger *log.Logger) (*Binary, error) {
	binary := &Binary{path: pathToProgram, functions: make(map[string]uint64), logger: logger.WithLayer("tracee")}

	dwarfData, segments, err := findDWARF(pathToProgram)
	if err != nil {
		return nil, err
	}
	binary.segments = segments
	if dwarfData == nil {
		binary.logger.Debugf("%s has no debug info", pathToProgram)
		return binary, nil
	}

	if err := binary.walkCompileUnits(dwarfData); err != nil {
		return nil, err
	}

	sort.SliceStable(binary.lines, func(i, j int) bool { return binary.lines[i].Start < binary.lines[j].Start })

	if binary.logger.Enabled(log.LevelTrace) {
		for _, line := range binary.lines {
			binary.logger.Tracef("line [%#08x, %#08x) %v", line.Start, line.End, line.Location)
		}
	}
	binary.logger.Debugf("loaded %s: %d functions, %d lines", pathToProgram, len(binary.functions), len(binary.lines))
	return binary, nil
}

// FindFunction returns the file offset of the function.
func (b *Binary) FindFunction(name string) (uint64, error) {
	offset, ok := b.functions[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
	}
	return offset, nil
}

// FindSourceLocation returns the source location of the file offset. False is returned if no line covers the offset.
func (b *Binary) FindSourceLocation(offset uint64) (SourceLocation, bool) {
	i := sort.Search(len(b.lines), func(i int) bool { return b.lines[i].Start > offset })
	if i == 0 || offset >= b.lines[i-1].End {
		b.logger.Tracef("source location not found for offset %#x", offset)
		return SourceLocation{}, false
	}

	location := b.lines[i-1].Location
	b.logger.Tracef("source location found for offset %#x: %v", offset, location)
	return location, true
}

// Functions lists the functions sorted by name.
func (b *Binary) Functions() []Function {
	funcs := make([]Function, 0, len(b.functions))
	for name, offset := range b.functions {
		funcs = append(funcs, Function{Name: name, Offset: offset})
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Name < funcs[j].Name })
	return funcs
}

// Lines returns the copy of the line table, sorted by the start offset.
func (b *Binary) Lines() []LineInfo {
	return append([]LineInfo(nil), b.lines...)
}

// Path returns the path to the executable.
func (b *Binary) Path() string {
	return b.path
}

func (b *Binary) addFunction(name string, offset uint64) error {
	if _, ok := b.functions[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateSymbol)
	}
	b.functions[name] = offset
	return nil
}

func (b *Binary) walkCompileUnits(dwarfData *dwarf.Data) error {
	reader := dwarfData.Reader()
	for {
		unit, err := reader.Next()
		if err != nil {
			return &LoadError{Action: fmt.Sprintf("walking %s", b.path), Err: err}
		}
		if unit == nil {
			return nil
		}

		if err := b.visit(dwarfData, reader, unit, 0); err != nil {
			return err
		}
	}
}

// visit processes the entry and then its children. The compile unit is at level 0.
func (b *Binary) visit(dwarfData *dwarf.Data, reader *dwarf.Reader, entry *dwarf.Entry, level int) error {
	if err := b.processEntry(dwarfData, entry, level); err != nil {
		return err
	}
	if !entry.Children {
		return nil
	}
	if level >= 1 {
		// nested entries are not indexed.
		reader.SkipChildren()
		return nil
	}

	for {
		child, err := reader.Next()
		if err != nil {
			return &LoadError{Action: fmt.Sprintf("reading the children of %v", entry.Tag), Err: err}
		}
		if child == nil || child.Tag == 0 {
			return nil
		}

		if err := b.visit(dwarfData, reader, child, level+1); err != nil {
			return err
		}
	}
}

func (b *Binary) processEntry(dwarfData *dwarf.Data, entry *dwarf.Entry, level int) error {
	switch entry.Tag {
	case dwarf.TagCompileUnit:
		return b.processCompileUnit(dwarfData, entry)

	case dwarf.TagSubprogram:
		if level != 1 {
			return nil
		}
		name, err := stringClassAttr(entry, dwarf.AttrName)
		if err != nil {
			return nil
		}
		lowPC, err := addressClassAttr(entry, dwarf.AttrLowpc)
		if err != nil || lowPC == 0 {
			return nil
		}

		offset, ok := b.fileOffset(lowPC)
		if !ok {
			b.logger.Tracef("function %s at %#x is not loaded", name, lowPC)
			return nil
		}
		if err := b.addFunction(name, offset); err != nil {
			return &LoadError{Action: fmt.Sprintf("walking %s", b.path), Err: err}
		}
	}
	return nil
}

func (b *Binary) processCompileUnit(dwarfData *dwarf.Data, unit *dwarf.Entry) error {
	unitName, _ := stringClassAttr(unit, dwarf.AttrName)

	// The line reader resolves the file index of each row using the unit's directory and file tables.
	lineReader, err := dwarfData.LineReader(unit)
	if err != nil {
		return &LoadError{Action: fmt.Sprintf("reading the line table of %s", unitName), Err: err}
	}
	if lineReader == nil {
		return nil
	}

	var lines []LineInfo
	open := false
	var row dwarf.LineEntry
	for {
		err := lineReader.Next(&row)
		if err == io.EOF {
			break
		} else if err != nil {
			return &LoadError{Action: fmt.Sprintf("reading the line table of %s", unitName), Err: err}
		}

		b.logger.Tracef("line row: addr=%#x line=%d end_sequence=%v", row.Address, row.Line, row.EndSequence)

		if open {
			lines[len(lines)-1].End = row.Address
			open = false
		}
		if row.EndSequence {
			continue
		}

		var fileName string
		if row.File != nil {
			fileName = row.File.Name
		}
		lines = append(lines, LineInfo{Start: row.Address, Location: SourceLocation{File: fileName, Line: row.Line}})
		open = true
	}
	if open {
		// never closed by the following row.
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		if line.End <= line.Start {
			continue
		}
		// the sequences of the discarded sections are left at the address 0 or so.
		start, ok := b.fileOffset(line.Start)
		if !ok {
			continue
		}
		if _, ok := b.fileOffset(line.End - 1); !ok {
			continue
		}
		b.lines = append(b.lines, LineInfo{Start: start, End: start + (line.End - line.Start), Location: line.Location})
	}
	return nil
}

// fileOffset translates the virtual address in the debug info to the offset in the file.
// False is returned if no executable segment contains the address. The file without the segments, like the
// relocatable object, has no translation and the address is returned as it is.
func (b *Binary) fileOffset(addr uint64) (uint64, bool) {
	if len(b.segments) == 0 {
		return addr, true
	}

	for _, seg := range b.segments {
		if seg.vaddr <= addr && addr < seg.vaddr+seg.size {
			return addr - seg.vaddr + seg.offset, true
		}
	}
	return 0, false
}

func addressClassAttr(entry *dwarf.Entry, attrName dwarf.Attr) (uint64, error) {
	field := entry.AttrField(attrName)
	if field == nil {
		return 0, errors.New("attr not found")
	}

	if field.Class != dwarf.ClassAddress {
		return 0, fmt.Errorf("invalid class: %v", field.Class)
	}

	// https://golang.org/pkg/debug/dwarf/#Field
	val := field.Val.(uint64)
	return val, nil
}

func stringClassAttr(entry *dwarf.Entry, attrName dwarf.Attr) (string, error) {
	field := entry.AttrField(attrName)
	if field == nil {
		return "", errors.New("attr not found")
	}

	if field.Class != dwarf.ClassString {
		return "", fmt.Errorf("invalid class: %v", field.Class)
	}

	val := field.Val.(string)
	return val, nil
}

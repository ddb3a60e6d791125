package tracee

import (
	"debug/dwarf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/whiteboard/tmon/log"
	"github.com/whiteboard/tmon/testutils"
)

func TestNewBinary(t *testing.T) {
	testutils.RequirePrograms(t)

	binary, err := NewBinary(testutils.ProgramSimple, log.Discard())
	if err != nil {
		t.Fatalf("failed to create new binary: %v", err)
	}

	if len(binary.Functions()) == 0 {
		t.Errorf("empty functions")
	}
	if len(binary.Lines()) == 0 {
		t.Errorf("empty lines")
	}
}

func TestNewBinary_ProgramNotFound(t *testing.T) {
	_, err := NewBinary("./notexist", log.Discard())
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewBinary_NotELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "text")
	if err := os.WriteFile(path, []byte("not an executable"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	_, err := NewBinary(path, log.Discard())
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewBinary_NoDwarfProgram(t *testing.T) {
	testutils.RequirePrograms(t)

	binary, err := NewBinary(testutils.ProgramSimpleNoDwarf, log.Discard())
	if err != nil {
		t.Fatalf("failed to create new binary: %v", err)
	}

	if _, err := binary.FindFunction("main"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFindFunction(t *testing.T) {
	testutils.RequirePrograms(t)
	binary, _ := NewBinary(testutils.ProgramSimple, log.Discard())

	for name, expected := range map[string]uint64{"main": testutils.SimpleOffsetMain, "populate": testutils.SimpleOffsetPopulate} {
		offset, err := binary.FindFunction(name)
		if err != nil {
			t.Fatalf("failed to find function %s: %v", name, err)
		}
		if offset != expected {
			t.Errorf("wrong offset of %s: %#x, want %#x", name, offset, expected)
		}
	}
}

func TestFindFunction_NotFound(t *testing.T) {
	testutils.RequirePrograms(t)
	binary, _ := NewBinary(testutils.ProgramSimple, log.Discard())

	if _, err := binary.FindFunction("notexist"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFunctions(t *testing.T) {
	testutils.RequirePrograms(t)
	binary, _ := NewBinary(testutils.ProgramSimple, log.Discard())

	functions := binary.Functions()
	found := make(map[string]bool)
	for i, function := range functions {
		found[function.Name] = true
		if i > 0 && functions[i-1].Name >= function.Name {
			t.Errorf("functions are not sorted: %s, %s", functions[i-1].Name, function.Name)
		}
	}
	for _, name := range []string{"accumulate", "main", "populate"} {
		if !found[name] {
			t.Errorf("%s not found: %v", name, functions)
		}
	}
}

func TestAddFunction(t *testing.T) {
	binary := &Binary{functions: make(map[string]uint64), logger: log.Discard()}

	if err := binary.addFunction("f", 0x10); err != nil {
		t.Fatalf("failed to add function: %v", err)
	}
	if err := binary.addFunction("g", 0x20); err != nil {
		t.Fatalf("failed to add function: %v", err)
	}
	if err := binary.addFunction("f", 0x30); !errors.Is(err, ErrDuplicateSymbol) {
		t.Errorf("unexpected error: %v", err)
	}

	if offset, _ := binary.FindFunction("f"); offset != 0x10 {
		t.Errorf("wrong offset: %#x", offset)
	}
	if offset, _ := binary.FindFunction("g"); offset != 0x20 {
		t.Errorf("wrong offset: %#x", offset)
	}
}

func TestNewBinary_DuplicateSymbol(t *testing.T) {
	testutils.RequirePrograms(t)

	_, err := NewBinary(testutils.ProgramDuplicate, log.Discard())
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(err, ErrDuplicateSymbol) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLines_SortedAndNotOverlapped(t *testing.T) {
	testutils.RequirePrograms(t)

	for _, program := range []string{testutils.ProgramSimple, testutils.ProgramGCSections} {
		binary, err := NewBinary(program, log.Discard())
		if err != nil {
			t.Fatalf("failed to create new binary: %v", err)
		}

		lines := binary.Lines()
		if len(lines) == 0 {
			t.Errorf("empty lines: %s", program)
		}
		for i, line := range lines {
			if line.Start >= line.End {
				t.Errorf("empty line: %#v", line)
			}
			if i+1 == len(lines) {
				break
			}
			if line.Start > lines[i+1].Start || line.End > lines[i+1].Start {
				t.Errorf("lines are not sorted: %#v, %#v", line, lines[i+1])
			}
		}
	}
}

func TestNewBinary_DiscardedFunctions(t *testing.T) {
	testutils.RequirePrograms(t)
	binary, err := NewBinary(testutils.ProgramGCSections, log.Discard())
	if err != nil {
		t.Fatalf("failed to create new binary: %v", err)
	}

	if _, err := binary.FindFunction("main"); err != nil {
		t.Errorf("failed to find main: %v", err)
	}
	for _, name := range []string{"unused_add", "unused_mul"} {
		if _, err := binary.FindFunction(name); !errors.Is(err, ErrSymbolNotFound) {
			t.Errorf("discarded function %s is found: %v", name, err)
		}
	}
}

func TestFindSourceLocation(t *testing.T) {
	testutils.RequirePrograms(t)
	binary, _ := NewBinary(testutils.ProgramSimple, log.Discard())

	location, ok := binary.FindSourceLocation(testutils.SimpleOffsetMain)
	if !ok {
		t.Fatalf("location not found")
	}
	if filepath.Base(location.File) != "simple.c" || location.Line != 18 {
		t.Errorf("wrong location: %v", location)
	}

	again, _ := binary.FindSourceLocation(testutils.SimpleOffsetMain)
	if again != location {
		t.Errorf("different location: %v", again)
	}
}

func TestFindSourceLocation_InsideLine(t *testing.T) {
	binary := &Binary{logger: log.Discard(), lines: []LineInfo{
		{Start: 0x10, End: 0x14, Location: SourceLocation{File: "a.c", Line: 1}},
		{Start: 0x14, End: 0x20, Location: SourceLocation{File: "a.c", Line: 2}},
		{Start: 0x30, End: 0x38, Location: SourceLocation{File: "b.c", Line: 5}},
	}}

	for _, testdata := range []struct {
		offset   uint64
		expected SourceLocation
		found    bool
	}{
		{offset: 0x0f},
		{offset: 0x10, expected: SourceLocation{File: "a.c", Line: 1}, found: true},
		{offset: 0x13, expected: SourceLocation{File: "a.c", Line: 1}, found: true},
		{offset: 0x14, expected: SourceLocation{File: "a.c", Line: 2}, found: true},
		{offset: 0x20},
		{offset: 0x2f},
		{offset: 0x37, expected: SourceLocation{File: "b.c", Line: 5}, found: true},
		{offset: 0x38},
	} {
		location, ok := binary.FindSourceLocation(testdata.offset)
		if ok != testdata.found || location != testdata.expected {
			t.Errorf("wrong location for %#x: %v, %v", testdata.offset, location, ok)
		}
	}
}

func TestFindDWARF_NoDebugInfo(t *testing.T) {
	testutils.RequirePrograms(t)

	dwarfData, segments, err := findDWARF(testutils.ProgramSimpleNoDwarf)
	if err != nil {
		t.Fatalf("failed to find dwarf: %v", err)
	}
	if dwarfData != nil {
		if _, err := dwarfData.Reader().Next(); err != nil {
			t.Errorf("broken dwarf: %v", err)
		}
	}
	if len(segments) == 0 {
		t.Errorf("no executable segments")
	}
}

func TestFileOffset(t *testing.T) {
	binary := &Binary{segments: []segment{{vaddr: 0x401000, offset: 0x1000, size: 0x800}}}

	if offset, ok := binary.fileOffset(0x401010); !ok || offset != 0x1010 {
		t.Errorf("wrong offset: %#x, %v", offset, ok)
	}
	for _, addr := range []uint64{0x0, 0x10, 0x400000, 0x401800} {
		if offset, ok := binary.fileOffset(addr); ok {
			t.Errorf("address %#x outside the segments is translated: %#x", addr, offset)
		}
	}
}

func TestFileOffset_NoSegments(t *testing.T) {
	binary := &Binary{}

	if offset, ok := binary.fileOffset(0x10); !ok || offset != 0x10 {
		t.Errorf("address is changed: %#x, %v", offset, ok)
	}
}

func TestProcessCompileUnit_DiscardedSequences(t *testing.T) {
	testutils.RequirePrograms(t)
	dwarfData, segments, err := findDWARF(testutils.ProgramGCSections)
	if err != nil {
		t.Fatalf("failed to load dwarf: %v", err)
	}
	binary := &Binary{functions: make(map[string]uint64), segments: segments, logger: log.Discard()}

	if err := binary.walkCompileUnits(dwarfData); err != nil {
		t.Fatalf("failed to walk: %v", err)
	}
	for _, line := range binary.lines {
		if line.Location.Line < 13 {
			t.Errorf("line of the discarded function is loaded: %#v", line)
		}
		if line.Start < segments[0].offset {
			t.Errorf("line outside the executable segments: %#v", line)
		}
	}
}

func findSubprogram(t *testing.T, name string) *dwarf.Entry {
	dwarfData, _, err := findDWARF(testutils.ProgramSimple)
	if err != nil {
		t.Fatalf("failed to load dwarf: %v", err)
	}

	reader := dwarfData.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			t.Fatalf("subprogram %s not found", name)
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		if entryName, _ := entry.Val(dwarf.AttrName).(string); entryName == name {
			return entry
		}
	}
}

func TestAddressClassAttr(t *testing.T) {
	testutils.RequirePrograms(t)
	subprogram := findSubprogram(t, "main")

	addr, err := addressClassAttr(subprogram, dwarf.AttrLowpc)
	if err != nil {
		t.Fatalf("failed to get address class: %v", err)
	}
	if addr != testutils.SimpleAddrMain {
		t.Errorf("invalid address: %x", addr)
	}
}

func TestAddressClassAttr_InvalidAttr(t *testing.T) {
	testutils.RequirePrograms(t)
	subprogram := findSubprogram(t, "main")

	_, err := addressClassAttr(subprogram, 0x0)
	if err == nil {
		t.Fatal("error not returned")
	}
}

func TestAddressClassAttr_InvalidClass(t *testing.T) {
	testutils.RequirePrograms(t)
	subprogram := findSubprogram(t, "main")

	_, err := addressClassAttr(subprogram, dwarf.AttrName)
	if err == nil {
		t.Fatal("error not returned")
	}
}

func TestStringClassAttr(t *testing.T) {
	testutils.RequirePrograms(t)
	subprogram := findSubprogram(t, "populate")

	name, err := stringClassAttr(subprogram, dwarf.AttrName)
	if err != nil {
		t.Fatalf("failed to get string class: %v", err)
	}
	if name != "populate" {
		t.Errorf("invalid name: %s", name)
	}
}

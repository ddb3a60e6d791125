package tracee

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// mapsLinePattern matches the line of /proc/<pid>/maps: low-high perms offset dev inode [path]
var mapsLinePattern = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s+([rwxps-]{4})\s+([0-9a-f]+)\s+([0-9a-f]+:[0-9a-f]+)\s+(\d+)\s*(.*)$`)

// MemoryMapping is the address range mapped into the process.
type MemoryMapping struct {
	Low, High uint64
	// Offset is the file offset mapped at Low.
	Offset uint64
	Perms  string
	Dev    string
	Inode  uint64
	// Path is empty for the anonymous mapping.
	Path string
}

// Size returns the size of the range.
func (m MemoryMapping) Size() uint64 {
	return m.High - m.Low
}

func (m MemoryMapping) String() string {
	return fmt.Sprintf("%x-%x %s %08x %s %d %s", m.Low, m.High, m.Perms, m.Offset, m.Dev, m.Inode, m.Path)
}

// MemoryMaps is the snapshot of the memory mappings of the process.
type MemoryMaps struct {
	mappings []MemoryMapping
}

// Load replaces the snapshot with the current mappings of the process.
func (m *MemoryMaps) Load(pid int) error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return &LoadError{Action: fmt.Sprintf("reading the memory maps of %d", pid), Err: err}
	}
	defer f.Close()

	return m.LoadFrom(f)
}

// LoadFrom replaces the snapshot with the mappings read from r. The snapshot is unchanged if any line is malformed.
func (m *MemoryMaps) LoadFrom(r io.Reader) error {
	var mappings []MemoryMapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		mapping, err := ParseMapsLine(line)
		if err != nil {
			return err
		}
		mappings = append(mappings, mapping)
	}
	if err := scanner.Err(); err != nil {
		return &LoadError{Action: "reading the memory maps", Err: err}
	}

	m.mappings = mappings
	return nil
}

// ParseMapsLine parses one line of the memory maps.
func ParseMapsLine(line string) (MemoryMapping, error) {
	matches := mapsLinePattern.FindStringSubmatch(line)
	if matches == nil {
		return MemoryMapping{}, &ParseError{Line: line}
	}

	low, err := strconv.ParseUint(matches[1], 16, 64)
	if err != nil {
		return MemoryMapping{}, &ParseError{Line: line}
	}
	high, err := strconv.ParseUint(matches[2], 16, 64)
	if err != nil || high < low {
		return MemoryMapping{}, &ParseError{Line: line}
	}
	offset, err := strconv.ParseUint(matches[4], 16, 64)
	if err != nil {
		return MemoryMapping{}, &ParseError{Line: line}
	}
	inode, err := strconv.ParseUint(matches[6], 10, 64)
	if err != nil {
		return MemoryMapping{}, &ParseError{Line: line}
	}

	return MemoryMapping{
		Low:    low,
		High:   high,
		Offset: offset,
		Perms:  matches[3],
		Dev:    matches[5],
		Inode:  inode,
		Path:   strings.TrimSpace(matches[7]),
	}, nil
}

// Mappings returns the copy of the snapshot.
func (m *MemoryMaps) Mappings() []MemoryMapping {
	return append([]MemoryMapping(nil), m.mappings...)
}

// FindAddressByOffset returns the runtime address where the file offset of the path is mapped.
func (m *MemoryMaps) FindAddressByOffset(path string, offset uint64) (uint64, error) {
	for _, mapping := range m.mappings {
		if mapping.Path != path {
			continue
		}
		if mapping.Offset <= offset && offset < mapping.Offset+mapping.Size() {
			return mapping.Low + (offset - mapping.Offset), nil
		}
	}
	return 0, fmt.Errorf("offset %#x of %s: %w", offset, path, ErrAddressNotFound)
}

// FindFileAndOffsetByAddress returns the path and the file offset mapped at the address.
func (m *MemoryMaps) FindFileAndOffsetByAddress(addr uint64) (string, uint64, error) {
	path, offset, ok := m.TryFindFileAndOffsetByAddress(addr)
	if !ok {
		return "", 0, fmt.Errorf("address %#x: %w", addr, ErrAddressNotFound)
	}
	return path, offset, nil
}

// TryFindFileAndOffsetByAddress is same as FindFileAndOffsetByAddress except it returns false if the address is not mapped.
func (m *MemoryMaps) TryFindFileAndOffsetByAddress(addr uint64) (string, uint64, bool) {
	for _, mapping := range m.mappings {
		if mapping.Low <= addr && addr < mapping.High {
			return mapping.Path, mapping.Offset + (addr - mapping.Low), true
		}
	}
	return "", 0, false
}

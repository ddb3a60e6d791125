package tracer

import (
	"errors"
	"testing"
)

type fakeMemory map[uint64]byte

func (m fakeMemory) breakpoints() Breakpoints {
	setBreakpoint := func(addr uint64) (byte, error) {
		orig := m[addr]
		m[addr] = 0xcc
		return orig, nil
	}
	clearBreakpoint := func(addr uint64, origByte byte) error {
		m[addr] = origByte
		return nil
	}
	return NewBreakpoints(setBreakpoint, clearBreakpoint)
}

func TestBreakpoints_SetAndClear(t *testing.T) {
	memory := fakeMemory{0x100: 0x55}
	bps := memory.breakpoints()

	if err := bps.Set(0x100, 7); err != nil {
		t.Fatalf("failed to set breakpoint: %v", err)
	}
	if memory[0x100] != 0xcc {
		t.Errorf("memory is not patched: %#x", memory[0x100])
	}

	bp, ok := bps.Find(0x100)
	if !ok {
		t.Fatalf("breakpoint not found")
	}
	expected := Breakpoint{Addr: 0x100, ID: 7, OrigByte: 0x55, Armed: true}
	if bp != expected {
		t.Errorf("wrong breakpoint: %#v", bp)
	}

	if err := bps.Clear(0x100); err != nil {
		t.Fatalf("failed to clear breakpoint: %v", err)
	}
	if memory[0x100] != 0x55 {
		t.Errorf("memory is not restored: %#x", memory[0x100])
	}
	if _, ok := bps.Find(0x100); ok {
		t.Errorf("breakpoint still exists")
	}
}

func TestBreakpoints_Set_AlreadyExists(t *testing.T) {
	memory := fakeMemory{0x100: 0x55}
	bps := memory.breakpoints()

	_ = bps.Set(0x100, 1)
	if err := bps.Set(0x100, 2); !errors.Is(err, ErrBreakpointExists) {
		t.Fatalf("unexpected error: %v", err)
	}

	bp, _ := bps.Find(0x100)
	if bp.ID != 1 || bp.OrigByte != 0x55 {
		t.Errorf("breakpoint is overwritten: %#v", bp)
	}
}

func TestBreakpoints_Set_Error(t *testing.T) {
	setErr := errors.New("set error")
	bps := NewBreakpoints(func(uint64) (byte, error) { return 0, setErr }, func(uint64, byte) error { return nil })

	if err := bps.Set(0x100, 1); err != setErr {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := bps.Find(0x100); ok {
		t.Errorf("breakpoint exists")
	}
}

func TestBreakpoints_Clear_NotExist(t *testing.T) {
	numCleared := 0
	bps := NewBreakpoints(func(uint64) (byte, error) { return 0, nil }, func(uint64, byte) error { numCleared++; return nil })

	if err := bps.Clear(0x100); err != nil {
		t.Fatalf("failed to clear breakpoint: %v", err)
	}
	if numCleared != 0 {
		t.Errorf("wrong number of clear ops: %d", numCleared)
	}
}

func TestBreakpoints_ClearAllAndList(t *testing.T) {
	memory := fakeMemory{0x100: 0x55, 0x200: 0x48, 0x300: 0x90}
	bps := memory.breakpoints()
	_ = bps.Set(0x300, 3)
	_ = bps.Set(0x100, 1)
	_ = bps.Set(0x200, 2)

	list := bps.List()
	if len(list) != 3 || list[0].Addr != 0x100 || list[1].Addr != 0x200 || list[2].Addr != 0x300 {
		t.Errorf("wrong list: %#v", list)
	}

	if err := bps.ClearAll(); err != nil {
		t.Fatalf("failed to clear breakpoints: %v", err)
	}
	if len(bps.List()) != 0 {
		t.Errorf("breakpoints remain")
	}
	if memory[0x100] != 0x55 || memory[0x200] != 0x48 || memory[0x300] != 0x90 {
		t.Errorf("memory is not restored: %v", memory)
	}
}

func TestBreakpoints_Mask(t *testing.T) {
	memory := fakeMemory{0x101: 0x55, 0x200: 0x48}
	bps := memory.breakpoints()
	_ = bps.Set(0x101, 1)
	_ = bps.Set(0x200, 2)

	data := []byte{0x90, 0xcc, 0x90, 0x90}
	bps.Mask(0x100, data)
	if data[1] != 0x55 {
		t.Errorf("trap is not masked: %v", data)
	}
	if data[0] != 0x90 || data[2] != 0x90 || data[3] != 0x90 {
		t.Errorf("other bytes are changed: %v", data)
	}
}

package debugapi

import (
	"encoding/binary"
	"fmt"
)

// WordSize is the size of the machine word in bytes.
const WordSize = 8

// Word is the 64-bit machine word. The bytes are in the target's (little endian) memory order,
// so Byte(0) is the byte at the lowest address when the word is read from memory.
type Word [WordSize]byte

// WordFromUint64 returns the word holding the value.
func WordFromUint64(v uint64) Word {
	var w Word
	w.SetUint64(v)
	return w
}

// Uint64 returns the word as the integer.
func (w Word) Uint64() uint64 {
	return binary.LittleEndian.Uint64(w[:])
}

// SetUint64 overwrites the whole word.
func (w *Word) SetUint64(v uint64) {
	binary.LittleEndian.PutUint64(w[:], v)
}

// Byte returns the i-th byte. It panics if i is out of range.
func (w Word) Byte(i int) byte {
	return w[i]
}

// SetByte overwrites the i-th byte only. It panics if i is out of range.
func (w *Word) SetByte(i int, b byte) {
	w[i] = b
}

// Bytes returns the copy of the bytes.
func (w Word) Bytes() []byte {
	b := make([]byte, WordSize)
	copy(b, w[:])
	return b
}

func (w Word) String() string {
	return fmt.Sprintf("0x%016x", w.Uint64())
}

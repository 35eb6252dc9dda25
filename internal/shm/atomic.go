package shm

import (
	"fmt"
	"unsafe"
)

// Uint32At returns a pointer to the 4-byte aligned word at off in mem.
func Uint32At(mem []byte, off uint64) *uint32 {
	return (*uint32)(wordAt(mem, off, 4))
}

// Int32At returns a pointer to the 4-byte aligned signed word at off in mem.
func Int32At(mem []byte, off uint64) *int32 {
	return (*int32)(wordAt(mem, off, 4))
}

// Uint64At returns a pointer to the 8-byte aligned word at off in mem.
func Uint64At(mem []byte, off uint64) *uint64 {
	return (*uint64)(wordAt(mem, off, 8))
}

// wordAt panics on out-of-range or misaligned access: both indicate a layout bug.
func wordAt(mem []byte, off, size uint64) unsafe.Pointer {
	if off+size > uint64(len(mem)) {
		panic(fmt.Sprintf("shm: word at %d (size %d) out of range %d", off, size, len(mem)))
	}
	p := unsafe.Pointer(&mem[off])
	if uintptr(p)%uintptr(size) != 0 {
		panic(fmt.Sprintf("shm: misaligned word at offset %d", off))
	}
	return p
}

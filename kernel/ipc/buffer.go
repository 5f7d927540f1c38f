package ipc

import "unsafe"

// bufferByte and setBufferByte overlay a single byte directly onto a raw
// heap address, the same pointer-overlay idiom the heap package uses for
// its block headers. They are only reached through readByteFn/writeByteFn,
// which tests replace with an in-memory fake so no real pointer is ever
// dereferenced outside the running kernel.
func bufferByte(addr uintptr, offset uint32) byte {
	return *(*byte)(unsafe.Pointer(addr + uintptr(offset)))
}

func setBufferByte(addr uintptr, offset uint32, b byte) {
	*(*byte)(unsafe.Pointer(addr + uintptr(offset))) = b
}

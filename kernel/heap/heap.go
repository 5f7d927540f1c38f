// Package heap implements the kernel's own dynamic-allocation heap: a
// byte-granularity implicit free list distinct from the Go runtime's
// allocator (bootstrapped separately by kernel/goruntime). It backs
// kernel-internal structures such as IPC pipe buffers whose lifetime is not
// known at compile time.
package heap

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
)

// baseAddr is the fixed virtual address the heap occupies, chosen (as in
// the reference kernel) to sit well above the kernel image and the early
// bootstrap regions: 3.5 GiB.
const baseAddr = uintptr(0xE0000000)

const (
	initialGrow = mem.Size(1 * mem.Mb)
	growChunk   = mem.Size(1 * mem.Mb)

	alignment    = 8
	minBlockBody = 16
)

// blockHeader is the on-heap node of the implicit free list. It is written
// directly into heap memory via unsafe.Pointer, mirroring the reference
// kernel's C struct overlay; there is no separate bookkeeping structure.
type blockHeader struct {
	size uint32 // size of the body that follows this header, in bytes
	used uint32
}

const headerSize = unsafe.Sizeof(blockHeader{})

func blockAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func (b *blockHeader) addr() uintptr {
	return uintptr(unsafe.Pointer(b))
}

func (b *blockHeader) dataAddr() uintptr {
	return b.addr() + headerSize
}

func blockFromData(dataAddr uintptr) *blockHeader {
	return blockAt(dataAddr - headerSize)
}

// FrameAllocatorFn allocates a single physical frame for the heap to grow
// into. It is registered with SetFrameAllocator so this package never needs
// to know the concrete allocator implementation in use.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

var (
	heapStart uintptr
	heapSize  mem.Size
	heapUsed  mem.Size

	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	mapFn = vmm.Map

	// ErrOutOfMemory is returned when the heap cannot grow enough to
	// satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrInvalidPointer is returned by Realloc when given a pointer that
	// lies outside the heap's region.
	ErrInvalidPointer = &kernel.Error{Module: "heap", Message: "pointer does not belong to the heap"}
)

// SetFrameAllocator registers the physical frame allocator used to grow the
// heap.
func SetFrameAllocator(fn FrameAllocatorFn) {
	frameAllocator = fn
}

// Init grows the heap to its initial size, readying it for allocations. It
// must be called once, after the vmm and the physical frame allocator are
// both available.
func Init() *kernel.Error {
	return initAt(baseAddr)
}

// initAt is the address-parameterized entry point used by Init; tests call
// it directly with a real backing buffer address so the implicit free-list
// logic can be exercised without a live MMU.
func initAt(base uintptr) *kernel.Error {
	heapStart = base
	heapSize = 0
	heapUsed = 0
	return grow(initialGrow)
}

// grow maps minBytes worth of fresh physical frames (rounded up to a whole
// number of pages) at the end of the heap's virtual region and folds the new
// space into the free list as a single oversized block.
func grow(minBytes mem.Size) *kernel.Error {
	pages := (minBytes + mem.PageSize - 1) / mem.PageSize
	if pages == 0 {
		pages = 1
	}
	regionBytes := mem.Size(pages) * mem.PageSize

	base := heapStart + uintptr(heapSize)
	for i := mem.Size(0); i < pages; i++ {
		frame, err := frameAllocator()
		if err != nil {
			return err
		}

		page := vmm.PageFromAddress(base + uintptr(i)*uintptr(mem.PageSize))
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
	}

	newBlock := blockAt(base)
	newBlock.size = uint32(regionBytes - mem.Size(headerSize))
	newBlock.used = 0

	heapSize += regionBytes
	coalesce()

	return nil
}

func alignUp(size uint32) uint32 {
	return (size + alignment - 1) &^ (alignment - 1)
}

// findFree scans the free list for the first block whose body can hold size
// bytes.
func findFree(size uint32) *blockHeader {
	end := heapStart + uintptr(heapSize)
	for cur := heapStart; cur < end; {
		block := blockAt(cur)
		if block.used == 0 && block.size >= size {
			return block
		}
		cur = block.dataAddr() + uintptr(block.size)
	}
	return nil
}

// split carves size bytes off the front of block, turning the remainder
// into a new free block, provided the remainder can still host a header
// plus the minimum body.
func split(block *blockHeader, size uint32) {
	remaining := block.size - size
	if remaining >= uint32(headerSize)+minBlockBody {
		tail := blockAt(block.dataAddr() + uintptr(size))
		tail.size = remaining - uint32(headerSize)
		tail.used = 0
		block.size = size
	}
}

// coalesce performs a full forward merging pass so that no two adjacent
// blocks are both free, satisfying the heap's eager-coalescing invariant.
func coalesce() {
	end := heapStart + uintptr(heapSize)
	for cur := heapStart; cur < end; {
		block := blockAt(cur)
		if block.used != 0 {
			cur = block.dataAddr() + uintptr(block.size)
			continue
		}

		nextAddr := block.dataAddr() + uintptr(block.size)
		for nextAddr < end {
			next := blockAt(nextAddr)
			if next.used != 0 {
				break
			}
			block.size += uint32(headerSize) + next.size
			nextAddr = block.dataAddr() + uintptr(block.size)
		}

		cur = block.dataAddr() + uintptr(block.size)
	}
}

// Alloc returns a pointer to an 8-byte aligned, size-byte region of heap
// memory, growing the heap if no existing free block is large enough.
func Alloc(size uint32) (uintptr, *kernel.Error) {
	if heapSize == 0 {
		if err := grow(initialGrow); err != nil {
			return 0, err
		}
	}

	size = alignUp(size)
	if size < minBlockBody {
		size = minBlockBody
	}

	block := findFree(size)
	if block == nil {
		need := mem.Size(size) + mem.Size(headerSize)
		if need < growChunk {
			need = growChunk
		}
		if err := grow(need); err != nil {
			return 0, err
		}
		block = findFree(size)
		if block == nil {
			return 0, ErrOutOfMemory
		}
	}

	split(block, size)
	block.used = 1
	heapUsed += mem.Size(block.size) + mem.Size(headerSize)

	return block.dataAddr(), nil
}

func inRange(addr uintptr) bool {
	return addr >= heapStart && addr < heapStart+uintptr(heapSize)
}

// Free releases a pointer previously returned by Alloc. Freeing an
// already-free block or a pointer foreign to this heap is a silent no-op.
func Free(ptr uintptr) {
	if ptr == 0 || !inRange(ptr) {
		return
	}

	block := blockFromData(ptr)
	if block.used == 0 {
		return
	}

	block.used = 0
	heapUsed -= mem.Size(block.size) + mem.Size(headerSize)
	coalesce()
}

// Realloc resizes a previous allocation, copying min(old, new) bytes into
// the returned region. A nil ptr behaves like Alloc; a zero size behaves
// like Free and returns 0.
func Realloc(ptr uintptr, size uint32) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return Alloc(size)
	}
	if size == 0 {
		Free(ptr)
		return 0, nil
	}
	if !inRange(ptr) {
		return 0, ErrInvalidPointer
	}

	block := blockFromData(ptr)
	size = alignUp(size)
	if size <= block.size {
		return ptr, nil
	}

	newPtr, err := Alloc(size)
	if err != nil {
		return 0, err
	}

	copySize := block.size
	kernel.Memcopy(ptr, newPtr, uintptr(copySize))
	Free(ptr)

	return newPtr, nil
}

// Stats reports the heap's current size, in-use bytes and free bytes.
func Stats() (total, used, free mem.Size) {
	return heapSize, heapUsed, heapSize - heapUsed
}

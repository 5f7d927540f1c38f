// Package allocator implements the kernel's physical frame allocator.
package allocator

import (
	"reflect"
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/bootinfo"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mem/pmm"
)

// unsafeByteSlice overlays a []byte of the given length on top of a raw
// physical address. Used to give the frame bitmap a home without involving
// the (not yet available) Go allocator.
func unsafeByteSlice(addr uintptr, length int) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  length,
		Cap:  length,
		Data: addr,
	}))
}

var (
	// ErrOutOfMemory is returned by Allocate when no run of free frames large
	// enough to satisfy the request can be found.
	ErrOutOfMemory = &kernel.Error{Module: "allocator", Message: "out of memory"}

	// ErrInvalidFrame is returned when Free or MarkReserved are called with a
	// frame range that falls outside the bitmap's tracked region.
	ErrInvalidFrame = &kernel.Error{Module: "allocator", Message: "frame out of range"}
)

// BitmapAllocator tracks frame usage with one bit per physical page frame: a
// set bit means the frame is in use. It performs a single, non-bootstrapped
// initialization pass over the boot memory map and then serves allocate/free
// requests with a first-fit linear scan.
type BitmapAllocator struct {
	bitmap []byte

	// lowFrame is the frame number that bit 0 of the bitmap corresponds to.
	lowFrame pmm.Frame

	totalFrames uint32
	usedFrames  uint32
}

// FrameAllocator is the kernel's singleton physical frame allocator. It is
// initialized once, early in boot, by Init.
var FrameAllocator BitmapAllocator

// Init prepares the frame allocator using the memory map that bootinfo has
// already been pointed at. kernelStart/kernelEnd delimit the physical
// addresses occupied by the loaded kernel image; they are marked reserved
// along with any non-usable region reported by the boot loader and the
// legacy BIOS/video area below 1MiB.
//
// Init runs before paging is enabled, so physical addresses are ordinary,
// directly-dereferenceable linear addresses.
func (alloc *BitmapAllocator) Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	low, high := bootinfo.Bounds()
	if high <= low {
		return ErrOutOfMemory
	}

	alloc.lowFrame = pmm.FrameFromAddress(uintptr(low))
	highFrame := pmm.FrameFromAddress(uintptr(high-1)) + 1
	alloc.totalFrames = uint32(highFrame - alloc.lowFrame)

	bitmapBytes := (alloc.totalFrames + 7) / 8
	bitmapAddr := alloc.findBitmapHome(uintptr(bitmapBytes), kernelStart, kernelEnd)
	if bitmapAddr == 0 {
		return ErrOutOfMemory
	}

	alloc.bitmap = unsafeByteSlice(bitmapAddr, int(bitmapBytes))
	for i := range alloc.bitmap {
		alloc.bitmap[i] = 0
	}

	// Mark anything the boot loader did not report as usable.
	bootinfo.VisitMemRegions(func(entry *bootinfo.MemoryMapEntry) bool {
		if entry.Type != bootinfo.RegionUsable {
			alloc.reserveRange(uintptr(entry.Base), uintptr(entry.Length))
		}
		return true
	})

	// The legacy BIOS data area and text-mode video buffer are not always
	// called out by the memory map but must never be handed to a caller.
	alloc.reserveRange(0x0, 0x100000)

	// The kernel image itself and the bitmap's own backing storage.
	alloc.reserveRange(kernelStart, kernelEnd-kernelStart)
	alloc.reserveRange(bitmapAddr, uintptr(bitmapBytes))

	kfmt.Printf("allocator: %d frames tracked, %d reserved at init\n", alloc.totalFrames, alloc.usedFrames)
	return nil
}

// findBitmapHome scans the usable regions reported by the boot loader for
// the first one, outside of the kernel image, that can hold size bytes.
func (alloc *BitmapAllocator) findBitmapHome(size uintptr, kernelStart, kernelEnd uintptr) uintptr {
	var home uintptr
	bootinfo.VisitMemRegions(func(entry *bootinfo.MemoryMapEntry) bool {
		if entry.Type != bootinfo.RegionUsable {
			return true
		}
		base := uintptr(entry.Base)
		length := uintptr(entry.Length)
		if base < kernelEnd && base+length > kernelStart {
			// Overlaps the kernel image; place the bitmap right after it.
			if kernelEnd < base+length && kernelEnd+size <= base+length {
				home = kernelEnd
				return false
			}
			return true
		}
		if length >= size {
			home = base
			return false
		}
		return true
	})
	return home
}

// reserveRange marks every frame overlapping [base, base+length) as in use.
// Frames outside the tracked region are silently ignored; callers pass
// ranges derived from the boot memory map which may extend beyond it.
func (alloc *BitmapAllocator) reserveRange(base, length uintptr) {
	if length == 0 {
		return
	}
	start := pmm.FrameFromAddress(base)
	end := pmm.FrameFromAddress(base+length-1) + 1
	for f := start; f < end; f++ {
		if f < alloc.lowFrame || f >= alloc.lowFrame+pmm.Frame(alloc.totalFrames) {
			continue
		}
		alloc.setBit(uint32(f - alloc.lowFrame))
	}
}

func (alloc *BitmapAllocator) setBit(index uint32) {
	byteIndex := index / 8
	bit := byte(1 << (index % 8))
	if alloc.bitmap[byteIndex]&bit == 0 {
		alloc.bitmap[byteIndex] |= bit
		alloc.usedFrames++
	}
}

func (alloc *BitmapAllocator) clearBit(index uint32) {
	byteIndex := index / 8
	bit := byte(1 << (index % 8))
	if alloc.bitmap[byteIndex]&bit != 0 {
		alloc.bitmap[byteIndex] &^= bit
		alloc.usedFrames--
	}
}

func (alloc *BitmapAllocator) testBit(index uint32) bool {
	return alloc.bitmap[index/8]&(1<<(index%8)) != 0
}

// Allocate reserves the first run of n contiguous free frames it can find
// and returns the frame at the start of the run.
func (alloc *BitmapAllocator) Allocate(n uint32) (pmm.Frame, *kernel.Error) {
	if n == 0 {
		n = 1
	}

	var runStart uint32
	runLen := uint32(0)
	for i := uint32(0); i < alloc.totalFrames; i++ {
		if alloc.testBit(i) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = i
		}
		runLen++
		if runLen == n {
			for j := runStart; j < runStart+n; j++ {
				alloc.setBit(j)
			}
			return alloc.lowFrame + pmm.Frame(runStart), nil
		}
	}

	return pmm.InvalidFrame, ErrOutOfMemory
}

// Free releases n frames starting at frame. Freeing an already-free frame
// is a no-op, so double-frees are harmless.
func (alloc *BitmapAllocator) Free(frame pmm.Frame, n uint32) *kernel.Error {
	if n == 0 {
		n = 1
	}
	if frame < alloc.lowFrame || frame+pmm.Frame(n) > alloc.lowFrame+pmm.Frame(alloc.totalFrames) {
		return ErrInvalidFrame
	}
	start := uint32(frame - alloc.lowFrame)
	for i := start; i < start+n; i++ {
		alloc.clearBit(i)
	}
	return nil
}

// MarkReserved marks n frames starting at frame as permanently in use,
// without them ever being handed out by Allocate.
func (alloc *BitmapAllocator) MarkReserved(frame pmm.Frame, n uint32) *kernel.Error {
	if n == 0 {
		n = 1
	}
	if frame < alloc.lowFrame || frame+pmm.Frame(n) > alloc.lowFrame+pmm.Frame(alloc.totalFrames) {
		return ErrInvalidFrame
	}
	start := uint32(frame - alloc.lowFrame)
	for i := start; i < start+n; i++ {
		alloc.setBit(i)
	}
	return nil
}

// Stats reports the current frame accounting: total tracked frames, frames
// in use, and frames still free. total == used+free always holds.
func (alloc *BitmapAllocator) Stats() (total, used, free uint32) {
	return alloc.totalFrames, alloc.usedFrames, alloc.totalFrames - alloc.usedFrames

}

// allocatedBytes reports the size, in bytes, of the bitmap itself; exposed
// for tests that want to assert the bitmap does not grow unexpectedly.
func (alloc *BitmapAllocator) allocatedBytes() int {
	return len(alloc.bitmap)
}

// AllocFrame allocates a single frame from the singleton FrameAllocator. It
// matches the vmm.FrameAllocatorFn signature and is registered with the vmm
// and Go runtime bootstrap packages so they never need to know the concrete
// allocator implementation in use.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.Allocate(1)
}

// FreeFrame releases a single frame back to the singleton FrameAllocator. It
// matches the FrameFreeFn signature several packages (kernel/proc,
// kernel/ipc) register against so none of them need to know the concrete
// allocator implementation in use.
func FreeFrame(f pmm.Frame) {
	FrameAllocator.Free(f, 1)
}

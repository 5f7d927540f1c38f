package ipc

import (
	"nucleos/kernel"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
	"nucleos/kernel/proc"
)

const (
	maxShmSegments = 32

	// shmAttachBase is the fixed virtual address every shared-memory
	// attachment lands at: 1.25 GiB, clear of the stack/heap ranges
	// kernel/proc hands out to a process.
	shmAttachBase = uintptr(0x50000000)
)

type shmSegment struct {
	inUse      bool
	key        uint32
	size       mem.Size
	frames     []pmm.Frame
	refCount   int
	owner      proc.PID
	attachAddr uintptr
	attached   bool
}

var shmSegments [maxShmSegments]shmSegment

// the following indirections are mocked by tests and automatically inlined
// by the compiler in the real kernel build.
var (
	shmFrameAllocFn FrameAllocatorFn
	shmFrameFreeFn  FrameFreeFn
	mapPageFn       = proc.MapPage
	unmapPageFn     = proc.UnmapPage
)

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FrameFreeFn returns a physical frame to the allocator it came from.
type FrameFreeFn func(pmm.Frame)

// SetFrameAllocator registers the physical frame allocator shared-memory
// segments are backed by.
func SetFrameAllocator(fn FrameAllocatorFn) {
	shmFrameAllocFn = fn
}

// SetFrameFreer registers the function used to return a shared-memory
// segment's frames once its last attachment is released.
func SetFrameFreer(fn FrameFreeFn) {
	shmFrameFreeFn = fn
}

var (
	// ErrNoFreeShmSegment is returned by ShmGet when every segment slot is
	// in use.
	ErrNoFreeShmSegment = &kernel.Error{Module: "ipc", Message: "no free shared memory slots"}

	// ErrBadShmID is returned by shared-memory operations given an id that
	// does not name a live segment.
	ErrBadShmID = &kernel.Error{Module: "ipc", Message: "invalid shared memory id"}

	// ErrNoCurrentProcess is returned by ShmAttach when there is no calling
	// process to attach the segment into.
	ErrNoCurrentProcess = &kernel.Error{Module: "ipc", Message: "no current process"}
)

func findShmByKey(key uint32) int {
	for i := range shmSegments {
		if shmSegments[i].inUse && shmSegments[i].key == key {
			return i
		}
	}
	return -1
}

func findFreeShm() int {
	for i := range shmSegments {
		if !shmSegments[i].inUse {
			return i
		}
	}
	return -1
}

// ShmGet returns the id of the shared-memory segment identified by key,
// allocating ⌈size/page⌉ frames for a fresh segment if one does not already
// exist. Every call, whether it creates or reuses a segment, increments its
// reference count.
func ShmGet(key uint32, size mem.Size) (int, *kernel.Error) {
	if idx := findShmByKey(key); idx >= 0 {
		shmSegments[idx].refCount++
		return idx, nil
	}

	idx := findFreeShm()
	if idx < 0 {
		return 0, ErrNoFreeShmSegment
	}

	rounded := mem.Size((uintptr(size) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1))
	numPages := uintptr(rounded) >> mem.PageShift

	frames := make([]pmm.Frame, 0, numPages)
	for i := uintptr(0); i < numPages; i++ {
		frame, err := shmFrameAllocFn()
		if err != nil {
			for _, f := range frames {
				shmFrameFreeFn(f)
			}
			return 0, err
		}
		frames = append(frames, frame)
	}

	owner, _ := proc.Current()
	shmSegments[idx] = shmSegment{
		inUse:    true,
		key:      key,
		size:     rounded,
		frames:   frames,
		refCount: 1,
		owner:    owner,
	}
	return idx, nil
}

// ShmAttach maps the segment named by id into the calling process's address
// space at the fixed shared-memory attach address and returns that address.
func ShmAttach(id int) (uintptr, *kernel.Error) {
	if id < 0 || id >= maxShmSegments || !shmSegments[id].inUse {
		return 0, ErrBadShmID
	}
	seg := &shmSegments[id]

	pid, ok := proc.Current()
	if !ok {
		return 0, ErrNoCurrentProcess
	}

	for i, frame := range seg.frames {
		page := vmm.PageFromAddress(shmAttachBase + uintptr(i)*uintptr(mem.PageSize))
		if err := mapPageFn(pid, page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			for j := 0; j < i; j++ {
				unmapPageFn(pid, vmm.PageFromAddress(shmAttachBase+uintptr(j)*uintptr(mem.PageSize)))
			}
			return 0, err
		}
	}

	seg.attachAddr = shmAttachBase
	seg.attached = true
	return shmAttachBase, nil
}

// ShmDetach unmaps the segment attached at addr from the calling process.
// It does not release the underlying frames; that happens only once the
// segment's reference count reaches zero via ShmRemove.
func ShmDetach(addr uintptr) *kernel.Error {
	for i := range shmSegments {
		seg := &shmSegments[i]
		if seg.inUse && seg.attached && seg.attachAddr == addr {
			pid, ok := proc.Current()
			if !ok {
				return ErrNoCurrentProcess
			}
			for j := range seg.frames {
				unmapPageFn(pid, vmm.PageFromAddress(addr+uintptr(j)*uintptr(mem.PageSize)))
			}
			seg.attached = false
			return nil
		}
	}
	return ErrBadShmID
}

// ShmRemove (IPC_RMID) drops one reference to the segment named by id. At
// zero references its frames are returned to the physical allocator and the
// slot is recycled.
func ShmRemove(id int) *kernel.Error {
	if id < 0 || id >= maxShmSegments || !shmSegments[id].inUse {
		return ErrBadShmID
	}
	seg := &shmSegments[id]
	seg.refCount--
	if seg.refCount <= 0 {
		for _, f := range seg.frames {
			if shmFrameFreeFn != nil {
				shmFrameFreeFn(f)
			}
		}
		*seg = shmSegment{}
	}
	return nil
}

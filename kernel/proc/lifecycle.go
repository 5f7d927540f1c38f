package proc

import (
	"nucleos/kernel"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
)

// FrameFreeFn returns a physical frame to the allocator it came from.
type FrameFreeFn func(pmm.Frame)

var (
	frameFreer FrameFreeFn

	// zeroPageFn clears a freshly mapped page before it is exposed to user
	// code. It assumes the page is reachable through the currently active
	// address space, which holds for brk/sbrk since they only ever touch
	// the calling (and therefore active) process.
	zeroPageFn = func(addr uintptr) { kernel.Memset(addr, 0, uintptr(mem.PageSize)) }

	// copyPageFn duplicates one page of a source address space's contents
	// into a freshly allocated destination frame and maps it into dst at the
	// same virtual page Fork found it at. It reaches the source through the
	// currently active address space (valid since Fork only ever runs on
	// behalf of the current process) and the destination through a
	// temporary mapping.
	copyPageFn = func(dst *vmm.PageDirectoryTable, srcPage vmm.Page, dstFrame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		tmpPage, err := mapTemporaryFn(dstFrame)
		if err != nil {
			return err
		}
		kernel.Memcopy(srcPage.Address(), tmpPage.Address(), uintptr(mem.PageSize))
		if err := unmapFn(tmpPage); err != nil {
			return err
		}
		return mapPageFn(dst, srcPage, dstFrame, flags)
	}

	// ErrNoTerminatedChild is returned by Wait when the caller has no
	// terminated child to reap; the caller is expected to block and retry.
	ErrNoTerminatedChild = &kernel.Error{Module: "proc", Message: "no terminated child"}
)

// SetFrameFreer registers the function used to return frames to the
// physical allocator on reap and heap shrink.
func SetFrameFreer(fn FrameFreeFn) {
	frameFreer = fn
}

func (p *pcb) removeUserPage(page vmm.Page) (pmm.Frame, bool) {
	for i, mp := range p.userPages {
		if mp.page == page {
			frame := mp.frame
			p.userPages = append(p.userPages[:i], p.userPages[i+1:]...)
			return frame, true
		}
	}
	return 0, false
}

// Fork produces a child PCB that is a deep, eager copy of the caller's user
// address space: every page the caller owns is duplicated into a freshly
// allocated frame at the same virtual address in the child. Kernel-half
// entries are shared, never copied. The PID returned is always the child's;
// the parent/child split of the syscall return value (parent sees the
// child's pid, the child sees 0) is not visible here — it is arranged by
// pre-setting the child's saved accumulator to 0 so that its first dispatch
// resumes as if fork had just returned 0 to it.
func Fork() (PID, *kernel.Error) {
	parentPID, ok := Current()
	if !ok {
		return noPID, ErrNoCurrentProcess
	}
	parent := &table[indexOf(parentPID)]

	slot := -1
	for i := range table {
		if !table[i].inUse {
			slot = i
			break
		}
	}
	if slot == -1 {
		return noPID, ErrNoFreeSlot
	}

	frame, err := frameAllocator()
	if err != nil {
		return noPID, err
	}

	child := &table[slot]
	gen := child.generation + 1
	*child = pcb{}
	child.generation = gen
	child.pid = PID(gen)*maxProcesses + PID(slot)

	if err := pdtInitFn(&child.addrSpace, frame); err != nil {
		return noPID, err
	}
	if err := copyKernelEntriesFn(&child.addrSpace); err != nil {
		return noPID, err
	}

	for _, mp := range parent.userPages {
		newFrame, err := frameAllocator()
		if err != nil {
			child.inUse = false
			return noPID, err
		}

		if err := copyPageFn(&child.addrSpace, mp.page, newFrame, mp.flags); err != nil {
			child.inUse = false
			return noPID, err
		}
		child.userPages = append(child.userPages, mappedPage{mp.page, newFrame, mp.flags})
	}

	child.stackBottom, child.stackTop = parent.stackBottom, parent.stackTop
	child.heapStart, child.heapBreak = parent.heapStart, parent.heapBreak
	child.name = parent.name
	child.priority = parent.priority
	child.timeSlice = quantum
	child.inUse = true
	child.state = StateReady

	child.regs = parent.regs
	child.regs.EAX = 0

	child.parent = parentPID
	child.nextSibling = parent.firstChild
	if sibling, ok := lookup(parent.firstChild); ok {
		sibling.prevSibling = child.pid
	}
	parent.firstChild = child.pid

	child.next = listHead
	if head, ok := lookup(listHead); ok {
		head.prev = child.pid
	}
	listHead = child.pid
	child.prev = noPID

	liveCount++

	return child.pid, nil
}

// Exit marks the calling process terminated and records its exit code, and
// wakes its parent if the parent is blocked in Wait. It does not itself
// dispatch another process or reap the caller; the syscall handler is
// expected to yield immediately afterwards, and the caller's own parent
// reaps it via Wait.
func Exit(exitCode int32) {
	if pid, ok := Current(); ok {
		ExitProcess(pid, exitCode)
	}
}

// ExitProcess marks pid terminated and records its exit code, waking its
// parent if blocked in Wait. Unlike Exit, the target need not be the
// currently running process: it is how a fatal signal (delivered to a
// process other than the one handling the signal) takes effect.
func ExitProcess(pid PID, exitCode int32) {
	p, ok := lookup(pid)
	if !ok {
		return
	}

	p.exitCode = exitCode
	p.state = StateTerminated

	if parent, ok := lookup(p.parent); ok && parent.state == StateBlocked {
		parent.state = StateReady
	}
}

// Wait scans the caller's children for one that has terminated and, if
// found, reaps it: its id and exit code are returned and its page tables,
// user frames, stack and PCB slot are released. If no child has terminated,
// ErrNoTerminatedChild is returned; the caller is expected to block and
// retry once woken.
func Wait() (PID, int32, *kernel.Error) {
	pid, ok := Current()
	if !ok {
		return noPID, 0, ErrNoCurrentProcess
	}
	parent, ok := lookup(pid)
	if !ok {
		return noPID, 0, ErrNoCurrentProcess
	}

	child := parent.firstChild
	for child != noPID {
		c, ok := lookup(child)
		if !ok {
			break
		}
		if c.state == StateTerminated {
			childPID, code := c.pid, c.exitCode
			reap(c)
			return childPID, code, nil
		}
		child = c.nextSibling
	}

	return noPID, 0, ErrNoTerminatedChild
}

// reap releases every resource owned by a terminated PCB and unlinks it from
// both the process list and its parent's child list, freeing the slot for
// reuse.
func reap(p *pcb) {
	for _, mp := range p.userPages {
		unmapPageFn(&p.addrSpace, mp.page)
		if frameFreer != nil {
			frameFreer(mp.frame)
		}
	}
	if frameFreer != nil {
		frameFreer(p.addrSpace.Frame())
	}

	if sibling, ok := lookup(p.prevSibling); ok {
		sibling.nextSibling = p.nextSibling
	} else if parent, ok := lookup(p.parent); ok {
		parent.firstChild = p.nextSibling
	}
	if sibling, ok := lookup(p.nextSibling); ok {
		sibling.prevSibling = p.prevSibling
	}

	if prev, ok := lookup(p.prev); ok {
		prev.next = p.next
	} else {
		listHead = p.next
	}
	if next, ok := lookup(p.next); ok {
		next.prev = p.prev
	}

	p.inUse = false
	liveCount--
}

// Brk sets the caller's user heap break to newBreak, mapping or unmapping
// pages as needed. The break is clamped to [heapStart, heapStart+16MiB]; an
// out-of-range request is a no-op that returns the unchanged break.
func Brk(newBreak uintptr) (uintptr, *kernel.Error) {
	pid, ok := Current()
	if !ok {
		return 0, ErrNoCurrentProcess
	}
	p, ok := lookup(pid)
	if !ok {
		return 0, ErrNoCurrentProcess
	}

	if newBreak < p.heapStart || newBreak > p.heapStart+uintptr(maxHeapGrowth) {
		return p.heapBreak, nil
	}

	pageMask := uintptr(mem.PageSize - 1)
	oldEnd := (p.heapBreak + pageMask) &^ pageMask
	newEnd := (newBreak + pageMask) &^ pageMask

	switch {
	case newBreak > p.heapBreak:
		for addr := oldEnd; addr < newEnd; addr += uintptr(mem.PageSize) {
			frame, err := frameAllocator()
			if err != nil {
				return p.heapBreak, nil
			}
			page := vmm.PageFromAddress(addr)
			flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible
			if err := mapPageFn(&p.addrSpace, page, frame, flags); err != nil {
				return p.heapBreak, nil
			}
			zeroPageFn(page.Address())
			p.userPages = append(p.userPages, mappedPage{page, frame, flags})
		}

	case newBreak < p.heapBreak:
		for addr := newEnd; addr < oldEnd; addr += uintptr(mem.PageSize) {
			page := vmm.PageFromAddress(addr)
			unmapPageFn(&p.addrSpace, page)
			if frame, ok := p.removeUserPage(page); ok && frameFreer != nil {
				frameFreer(frame)
			}
		}
	}

	p.heapBreak = newBreak
	return p.heapBreak, nil
}

// Sbrk adjusts the caller's heap break by increment and returns the new
// break, or an error if the adjustment could not be satisfied.
func Sbrk(increment int32) (uintptr, *kernel.Error) {
	pid, ok := Current()
	if !ok {
		return 0, ErrNoCurrentProcess
	}
	p, ok := lookup(pid)
	if !ok {
		return 0, ErrNoCurrentProcess
	}

	before := p.heapBreak
	newBreak := uintptr(int64(before) + int64(increment))

	result, err := Brk(newBreak)
	if err != nil {
		return 0, err
	}
	if result == before && increment != 0 {
		return 0, ErrOutOfMemory
	}
	return result, nil
}

// ErrOutOfMemory is returned by Sbrk when the heap could not grow by the
// requested increment.
var ErrOutOfMemory = &kernel.Error{Module: "proc", Message: "out of memory"}

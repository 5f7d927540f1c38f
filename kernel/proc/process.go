// Package proc implements the kernel's process model: a fixed-capacity
// process table, creation, fork, exec staging, exit, wait and the user heap
// break, plus the bookkeeping a scheduler needs to round-robin between
// processes. Context switching itself (the save/restore of the register file
// across a trap frame) is owned by the caller of RegistersOf;
// this package only tracks whose turn it is.
package proc

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
)

// PID identifies a process. A PID's low bits (mod maxProcesses) name a slot
// in the process table; the remaining bits are a generation counter that
// changes every time the slot is reused, so a stale PID held by a dangling
// reference can never be mistaken for the process that currently occupies
// the slot.
type PID uint32

// noPID is never a valid PID: real PIDs start at maxProcesses (generation 1,
// slot 0), so PID 0 is free to use as a sentinel for "no process".
const noPID PID = 0

// State is one stage in a process's lifecycle.
type State uint8

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Registers is the saved CPU context restored by a context switch. The field
// order has no significance in this package; the trap-frame trampoline that
// actually performs the save/restore is architecture-specific and keeps its
// own layout in sync with this struct's field set.
type Registers struct {
	EDI, ESI, EBP, ESP uint32
	EBX, EDX, ECX, EAX uint32

	GS, FS, ES, DS uint32

	EIP, CS, EFlags uint32

	// ESPUser and SS are only meaningful across a ring transition: the
	// stack the CPU switches to on IRET into user mode.
	ESPUser, SS uint32
}

const (
	maxProcesses     = 64
	defaultStackSize = mem.Size(64 * mem.Kb)
	maxHeapGrowth    = mem.Size(16 * mem.Mb)

	// quantum is the number of timer ticks a process runs before the
	// scheduler preempts it in favor of the next ready process.
	quantum = 10

	// userStackVirtBase is the fixed virtual address every process's stack
	// region starts at; since every process has a private address space,
	// all of them can use the same user-half range.
	userStackVirtBase = uintptr(0x400000)

	// initialEFlags has the interrupt-enable bit (9) and the always-set
	// reserved bit (1) set, matching the flags the CPU loads on IRET into
	// a freshly created process.
	initialEFlags = 0x202
)

// mappedPage records one page this package mapped into a process's address
// space, so Fork can find and duplicate it without needing to walk page
// tables it does not own.
type mappedPage struct {
	page  vmm.Page
	frame pmm.Frame
	flags vmm.PageTableEntryFlag
}

type pcb struct {
	inUse      bool
	generation uint32
	pid        PID
	parent     PID
	state      State
	name       string

	addrSpace vmm.PageDirectoryTable
	userPages []mappedPage

	stackBottom, stackTop uintptr
	heapStart, heapBreak  uintptr

	regs Registers

	timeSlice uint32
	priority  uint32
	exitCode  int32

	firstChild, nextSibling, prevSibling PID

	// next/prev link this slot into the global process list in creation
	// order (most recent at head), which the scheduler round-robins over.
	next, prev PID
}

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

var (
	table     [maxProcesses]pcb
	listHead  PID
	current   PID
	liveCount int

	frameAllocator FrameAllocatorFn

	// The following indirections are mocked by tests and automatically
	// inlined by the compiler in the real kernel build.
	pdtInitFn = func(pdt *vmm.PageDirectoryTable, frame pmm.Frame) *kernel.Error {
		return pdt.Init(frame)
	}
	copyKernelEntriesFn = func(pdt *vmm.PageDirectoryTable) *kernel.Error {
		return pdt.CopyKernelEntries()
	}
	mapPageFn = func(pdt *vmm.PageDirectoryTable, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return pdt.Map(page, frame, flags)
	}
	unmapPageFn = func(pdt *vmm.PageDirectoryTable, page vmm.Page) *kernel.Error {
		return pdt.Unmap(page)
	}
	mapTemporaryFn = vmm.MapTemporary
	unmapFn        = vmm.Unmap

	// ErrNoFreeSlot is returned when the process table is full.
	ErrNoFreeSlot = &kernel.Error{Module: "proc", Message: "no free process slot"}

	// ErrNoSuchProcess is returned when a PID does not name a live process.
	ErrNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}

	// ErrNoCurrentProcess is returned by operations that require a caller.
	ErrNoCurrentProcess = &kernel.Error{Module: "proc", Message: "no current process"}
)

// SetFrameAllocator registers the physical frame allocator used to back new
// address spaces, stacks and heap growth.
func SetFrameAllocator(fn FrameAllocatorFn) {
	frameAllocator = fn
}

func indexOf(pid PID) int         { return int(pid) % maxProcesses }
func generationOf(pid PID) uint32 { return uint32(pid) / maxProcesses }

// Generation returns the reuse generation encoded in pid, mostly useful for
// diagnosing a stale PID held past a reap.
func Generation(pid PID) uint32 {
	return generationOf(pid)
}

// lookup returns the slot for pid if it is currently occupied by exactly
// that generation.
func lookup(pid PID) (*pcb, bool) {
	if pid == noPID {
		return nil, false
	}
	p := &table[indexOf(pid)]
	if !p.inUse || p.pid != pid {
		return nil, false
	}
	return p, true
}

// CreateParams describes a new process.
type CreateParams struct {
	Name       string
	EntryPoint uintptr
	StackSize  mem.Size // 0 means defaultStackSize
}

// Create allocates a PCB, a private address space sharing the kernel's
// page tables, and a mapped user stack, then links the new process as ready
// into both the global process list and its parent's (the caller's, if any)
// child list.
func Create(params CreateParams) (PID, *kernel.Error) {
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

	stackSize := params.StackSize
	if stackSize == 0 {
		stackSize = defaultStackSize
	}
	stackSize = mem.Size((stackSize + mem.PageSize - 1) &^ (mem.PageSize - 1))

	frame, err := frameAllocator()
	if err != nil {
		return noPID, err
	}

	p := &table[slot]
	gen := p.generation + 1
	*p = pcb{}
	p.generation = gen
	p.pid = PID(gen)*maxProcesses + PID(slot)

	if err := pdtInitFn(&p.addrSpace, frame); err != nil {
		return noPID, err
	}
	if err := copyKernelEntriesFn(&p.addrSpace); err != nil {
		return noPID, err
	}

	p.stackBottom = userStackVirtBase
	p.stackTop = userStackVirtBase + uintptr(stackSize)

	numPages := uintptr(stackSize) >> mem.PageShift
	for i := uintptr(0); i < numPages; i++ {
		stackFrame, err := frameAllocator()
		if err != nil {
			return noPID, err
		}
		page := vmm.PageFromAddress(p.stackBottom + i*uintptr(mem.PageSize))
		if err := mapPageFn(&p.addrSpace, page, stackFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			return noPID, err
		}
		p.userPages = append(p.userPages, mappedPage{page, stackFrame, vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible})
	}

	p.heapStart = p.stackTop
	p.heapBreak = p.heapStart

	p.inUse = true
	p.name = params.Name
	p.priority = 0
	p.timeSlice = quantum
	p.state = StateReady

	p.regs.EIP = uint32(params.EntryPoint)
	p.regs.CS = uint32(cpu.UserCodeSelector)
	p.regs.DS = uint32(cpu.UserDataSelector)
	p.regs.ES = uint32(cpu.UserDataSelector)
	p.regs.FS = uint32(cpu.UserDataSelector)
	p.regs.GS = uint32(cpu.UserDataSelector)
	p.regs.SS = uint32(cpu.UserDataSelector)
	p.regs.EFlags = initialEFlags
	p.regs.ESP = uint32(p.stackTop) - 16
	p.regs.ESPUser = p.regs.ESP

	if parent, ok := lookup(current); ok {
		p.parent = current
		p.nextSibling = parent.firstChild
		if sibling, ok := lookup(parent.firstChild); ok {
			sibling.prevSibling = p.pid
		}
		parent.firstChild = p.pid
	} else {
		p.parent = noPID
	}

	p.next = listHead
	if head, ok := lookup(listHead); ok {
		head.prev = p.pid
	}
	listHead = p.pid
	p.prev = noPID

	liveCount++

	return p.pid, nil
}

// Current returns the PID of the currently running process, if any.
func Current() (PID, bool) {
	if current == noPID {
		return noPID, false
	}
	return current, true
}

// SetCurrent marks pid as the running process. It does not touch state; the
// caller (the scheduler) is expected to also call SetState(pid, StateRunning).
func SetCurrent(pid PID) {
	current = pid
}

// GetState returns the process's lifecycle state.
func GetState(pid PID) (State, bool) {
	p, ok := lookup(pid)
	if !ok {
		return StateTerminated, false
	}
	return p.state, true
}

// SetState overwrites the process's lifecycle state.
func SetState(pid PID, state State) {
	if p, ok := lookup(pid); ok {
		p.state = state
	}
}

// Name returns the process's name.
func Name(pid PID) string {
	if p, ok := lookup(pid); ok {
		return p.name
	}
	return ""
}

// Parent returns the process's parent, if it has one.
func Parent(pid PID) (PID, bool) {
	p, ok := lookup(pid)
	if !ok || p.parent == noPID {
		return noPID, false
	}
	return p.parent, true
}

// AddressSpace returns the process's page directory, for installing as the
// active one across a context switch.
func AddressSpace(pid PID) (vmm.PageDirectoryTable, bool) {
	p, ok := lookup(pid)
	if !ok {
		return vmm.PageDirectoryTable{}, false
	}
	return p.addrSpace, true
}

// RegistersOf returns a pointer to the process's saved register file so a
// context switch can read and overwrite it directly.
func RegistersOf(pid PID) (*Registers, bool) {
	p, ok := lookup(pid)
	if !ok {
		return nil, false
	}
	return &p.regs, true
}

// Exists reports whether pid names a live process.
func Exists(pid PID) bool {
	_, ok := lookup(pid)
	return ok
}

// Count returns the number of live processes.
func Count() int {
	return liveCount
}

// First returns the head of the global process list (most recently created
// first).
func First() (PID, bool) {
	if listHead == noPID {
		return noPID, false
	}
	return listHead, true
}

// NextInList returns the process after pid in the global process list.
func NextInList(pid PID) (PID, bool) {
	p, ok := lookup(pid)
	if !ok || p.next == noPID {
		return noPID, false
	}
	return p.next, true
}

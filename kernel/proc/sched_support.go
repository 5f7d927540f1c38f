package proc

import (
	"nucleos/kernel"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
)

// TimeSlice returns the process's remaining quantum ticks.
func TimeSlice(pid PID) uint32 {
	if p, ok := lookup(pid); ok {
		return p.timeSlice
	}
	return 0
}

// DecTimeSlice decrements the process's remaining quantum by one tick and
// returns the new value.
func DecTimeSlice(pid PID) uint32 {
	p, ok := lookup(pid)
	if !ok || p.timeSlice == 0 {
		return 0
	}
	p.timeSlice--
	return p.timeSlice
}

// ResetTimeSlice resets the process's remaining quantum to a fresh one, as
// happens whenever it is dispatched.
func ResetTimeSlice(pid PID) {
	if p, ok := lookup(pid); ok {
		p.timeSlice = quantum
	}
}

// Block marks the process as waiting for an event.
func Block(pid PID) {
	SetState(pid, StateBlocked)
}

// Unblock marks a blocked process as ready to run again.
func Unblock(pid PID) bool {
	p, ok := lookup(pid)
	if !ok || p.state != StateBlocked {
		return false
	}
	p.state = StateReady
	return true
}

// Activate installs the process's address space as the active one.
func Activate(pid PID) bool {
	p, ok := lookup(pid)
	if !ok {
		return false
	}
	p.addrSpace.Activate()
	return true
}

// MapPage maps frame at page in pid's address space, for use by kernel
// subsystems (shared memory) that attach frames into a process on its
// behalf. The mapping is also recorded so Fork and reap see it.
func MapPage(pid PID, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	p, ok := lookup(pid)
	if !ok {
		return ErrNoSuchProcess
	}
	if err := mapPageFn(&p.addrSpace, page, frame, flags); err != nil {
		return err
	}
	p.userPages = append(p.userPages, mappedPage{page, frame, flags})
	return nil
}

// UnmapPage removes a mapping previously installed by MapPage. The
// underlying frame is not freed; the caller owns that decision.
func UnmapPage(pid PID, page vmm.Page) *kernel.Error {
	p, ok := lookup(pid)
	if !ok {
		return ErrNoSuchProcess
	}
	if err := unmapPageFn(&p.addrSpace, page); err != nil {
		return err
	}
	p.removeUserPage(page)
	return nil
}

// Package sched implements the round-robin process scheduler: the piece
// that decides, each timer tick or yield, which ready process runs next. It
// owns no process state of its own beyond the tick counter; everything else
// is read from and written back into kernel/proc's process table.
package sched

import "nucleos/kernel/proc"

var ticks uint64

// the following functions are mocked by tests and automatically inlined by
// the compiler in the real kernel build.
var (
	currentFn      = proc.Current
	setCurrentFn   = proc.SetCurrent
	getStateFn     = proc.GetState
	setStateFn     = proc.SetState
	firstFn        = proc.First
	nextInListFn   = proc.NextInList
	decTimeSliceFn = proc.DecTimeSlice
	resetSliceFn   = proc.ResetTimeSlice
	activateFn     = proc.Activate
)

// Ticks returns the number of scheduler ticks observed since Init.
func Ticks() uint64 {
	return ticks
}

// Init resets the scheduler's tick counter. The boot sequence calls it once,
// after the timer handler is installed and before the first process is
// created.
func Init() {
	ticks = 0
}

// Schedule marks p ready to run and resets its quantum. It is how a blocked
// or newly created process re-enters the round-robin rotation.
func Schedule(p proc.PID) {
	setStateFn(p, proc.StateReady)
	resetSliceFn(p)
}

// next finds the next ready process after "after" in the global process
// list, wrapping at the tail. It visits at most maxListScan entries, wrapping
// as often as that allows in a shorter list; if after itself is the only
// ready process, next returns it. If nothing is
// ready, next returns false.
func next(after proc.PID) (proc.PID, bool) {
	start, ok := firstFn()
	if !ok {
		return 0, false
	}

	cursor := start
	if after != 0 {
		if n, ok := nextInListFn(after); ok {
			cursor = n
		}
	}

	for i := 0; i < maxListScan; i++ {
		if state, ok := getStateFn(cursor); ok && state == proc.StateReady {
			return cursor, true
		}
		n, ok := nextInListFn(cursor)
		if !ok {
			n = start
		}
		if n == cursor {
			break
		}
		cursor = n
	}

	if state, ok := getStateFn(after); after != 0 && ok && state == proc.StateReady {
		return after, true
	}

	return 0, false
}

// maxListScan bounds how many process-list entries next() will walk before
// giving up; it only needs to cover one full lap of the table.
const maxListScan = 64

// Next returns the next ready process after the current one, per the
// round-robin order, without dispatching it.
func Next() (proc.PID, bool) {
	current, _ := currentFn()
	return next(current)
}

// dispatch installs target as the running process: an outgoing current
// process that is still running is put back to ready, target's quantum is
// reset and its address space becomes active.
func dispatch(target proc.PID) {
	if current, ok := currentFn(); ok && current != target {
		if state, _ := getStateFn(current); state == proc.StateRunning {
			setStateFn(current, proc.StateReady)
		}
	}

	setStateFn(target, proc.StateRunning)
	resetSliceFn(target)
	setCurrentFn(target)
	activateFn(target)
}

// Yield hands the CPU to the next ready process in round-robin order. If the
// current process is the only one ready, it keeps running but its quantum is
// still refreshed.
func Yield() {
	current, hasCurrent := currentFn()
	target, ok := Next()
	if !ok {
		return
	}
	if hasCurrent && target == current {
		resetSliceFn(current)
		return
	}
	dispatch(target)
}

// Tick advances the scheduler's tick counter by one and, if a process is
// running, charges it one tick of its quantum; at zero the current process
// yields. If no process is running, Tick attempts to dispatch one.
func Tick() {
	ticks++

	current, ok := currentFn()
	if !ok {
		if target, ok := Next(); ok {
			dispatch(target)
		}
		return
	}

	if decTimeSliceFn(current) == 0 {
		Yield()
	}
}

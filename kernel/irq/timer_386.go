// +build 386

package irq

import "nucleos/kernel/cpu"

const (
	pitChannel0 = 0x40
	pitCommand  = 0x43

	pitChannel0Select  = 0x00
	pitAccessLoHiByte  = 0x30
	pitModeSquareWave  = 0x06

	// pitInputHz is the fixed frequency of the PIT oscillator.
	pitInputHz = 1193182

	// TimerHz is the frequency, in Hz, of the timer tick driven by
	// InitTimer.
	TimerHz = 100
)

// pitDivisor is the reload value programmed into PIT channel 0 to obtain a
// TimerHz square wave: 1193182 / 100 rounded to the nearest integer.
const pitDivisor = (pitInputHz + TimerHz/2) / TimerHz

var (
	ticks uint64

	// schedulerTickFn is invoked on every timer interrupt once the
	// scheduler has registered itself via SetSchedulerTick. Left as a
	// no-op until then so early boot can field timer interrupts safely.
	schedulerTickFn = func() {}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	timerOutBFn    = cpu.OutB
	handleTimerIRQFn = HandleIRQ
)

// SetSchedulerTick registers the function invoked on every timer tick, after
// the tick counter has been incremented. Used by the scheduler to drive
// preemption without irq importing the scheduler package.
func SetSchedulerTick(fn func()) {
	schedulerTickFn = fn
}

// Ticks returns the number of timer interrupts observed since InitTimer was
// called.
func Ticks() uint64 {
	return ticks
}

// InitTimer programs PIT channel 0 for a TimerHz square wave, installs the
// timer IRQ handler and unmasks it.
func InitTimer() {
	handleTimerIRQFn(IRQTimer, timerHandler)

	timerOutBFn(pitCommand, pitChannel0Select|pitAccessLoHiByte|pitModeSquareWave)
	timerOutBFn(pitChannel0, uint8(pitDivisor&0xFF))
	timerOutBFn(pitChannel0, uint8((pitDivisor>>8)&0xFF))
}

func timerHandler(_ *Frame, _ *Regs) {
	ticks++
	schedulerTickFn()
}

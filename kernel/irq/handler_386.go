// +build 386

package irq

// ExceptionNum defines an exception number that can be passed to
// HandleException and HandleExceptionWithCode.
type ExceptionNum uint8

// The subset of the 32 CPU exception vectors that this kernel installs
// handlers for.
const (
	DivideByZero               = ExceptionNum(0)
	DebugException              = ExceptionNum(1)
	NMI                         = ExceptionNum(2)
	Breakpoint                  = ExceptionNum(3)
	Overflow                    = ExceptionNum(4)
	BoundRangeExceeded          = ExceptionNum(5)
	InvalidOpcode               = ExceptionNum(6)
	DeviceNotAvailable          = ExceptionNum(7)
	DoubleFault                 = ExceptionNum(8)
	InvalidTSS                  = ExceptionNum(10)
	SegmentNotPresent           = ExceptionNum(11)
	StackSegmentFault           = ExceptionNum(12)
	GPFException                = ExceptionNum(13)
	PageFaultException          = ExceptionNum(14)
	FloatingPointException      = ExceptionNum(16)
	AlignmentCheck              = ExceptionNum(17)
	MachineCheck                = ExceptionNum(18)
	SIMDFloatingPointException  = ExceptionNum(19)
)

// IRQNum identifies one of the 16 legacy PIC interrupt lines after the
// remapping performed by Init (IRQ n is delivered as vector irqVectorBase+n).
type IRQNum uint8

// Legacy IRQ lines. IRQCascade is never raised directly; it exists on the
// master PIC solely to chain the slave PIC and is masked by default.
const (
	IRQTimer    = IRQNum(0)
	IRQKeyboard = IRQNum(1)
	IRQCascade  = IRQNum(2)
	IRQCOM2     = IRQNum(3)
	IRQCOM1     = IRQNum(4)
	IRQLPT2     = IRQNum(5)
	IRQFloppy   = IRQNum(6)
	IRQLPT1     = IRQNum(7)
	IRQCMOS     = IRQNum(8)
	IRQFree1    = IRQNum(9)
	IRQFree2    = IRQNum(10)
	IRQFree3    = IRQNum(11)
	IRQPS2      = IRQNum(12)
	IRQFPU      = IRQNum(13)
	IRQATA0     = IRQNum(14)
	IRQATA1     = IRQNum(15)
)

// irqVectorBase is the IDT vector that IRQ 0 is remapped to; legacy IRQs
// occupy vectors [irqVectorBase, irqVectorBase+16).
const irqVectorBase = 0x20

// SyscallVector is the single user-callable (DPL=3) interrupt gate used for
// system calls.
const SyscallVector = 0x80

// ExceptionHandler handles an exception that does not push an error code. If
// the handler returns, modifications to Frame/Regs are propagated back to
// the interrupted context.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code
// onto the stack.
type ExceptionHandlerWithCode func(errorCode uint64, frame *Frame, regs *Regs)

// IRQHandler handles a device interrupt. It runs with interrupts disabled
// and EOI is sent automatically by the dispatcher once it returns.
type IRQHandler func(frame *Frame, regs *Regs)

// HandleException registers an exception handler (without an error code) for
// the given exception number.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler)

// HandleExceptionWithCode registers an exception handler (with an error
// code) for the given exception number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode)

// HandleIRQ registers a handler for the given legacy IRQ line and unmasks it
// at the PIC.
func HandleIRQ(irqNum IRQNum, handler IRQHandler)

// Init installs the 256-entry IDT, remaps the legacy PIC to vectors 32-47
// and reserves the vector-0x80 gate for system calls. It must be called once,
// before interrupts are enabled.
func Init() {
	installIDT()
	remapPIC()
}

// installIDT populates the IDT with entries for the exception, IRQ and
// syscall vectors and loads it via LIDT. All gate entries not explicitly
// claimed by a HandleException/HandleExceptionWithCode/HandleIRQ call keep a
// default handler that reports the fault and halts.
func installIDT()

// dispatchInterrupt is invoked by the trampoline code for every vector; it
// normalizes the trap frame, looks up the registered handler (if any),
// invokes it and, for IRQ-range vectors, acknowledges the interrupt at the
// PIC before returning.
func dispatchInterrupt()

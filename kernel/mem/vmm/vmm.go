package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/irq"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
)

// legacyVideoBufferAddr is the physical (and, once identity-mapped,
// virtual) address of the text-mode video buffer.
const legacyVideoBufferAddr = 0xb8000

// identityMapBytes is the size of the low memory region identity-mapped for
// the kernel image, the PFA bitmap and the early heap.
const identityMapBytes = 4 * mem.Mb

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2

	// currentPIDFn and terminateFn let a user-mode page fault reach
	// kernel/proc without vmm importing it directly: kernel/proc already
	// imports kernel/mem/vmm for address-space management, so the
	// dependency can only run one way. Wired from the boot sequence via
	// SetUserFaultHandlers; left as no-ops so a fault taken before boot
	// wiring (or in a test that doesn't care) never panics on a nil call.
	currentPIDFn = func() (uint32, bool) { return 0, false }
	terminateFn  = func(pid uint32, exitCode int32) {}

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// userModeSelectorRPL is the requested privilege level embedded in the low 2
// bits of a segment selector; ring 3 is where every user process runs.
const userModeSelectorRPL = 3

// userFaultExitCode is the exit status recorded against a process killed by
// an unrecoverable page fault or a general protection fault: 128 plus
// signal 11 (SIGSEGV), the same 128+signal convention kernel/ipc's default
// signal actions use.
const userFaultExitCode = 128 + 11

// SetUserFaultHandlers registers the functions the page fault and general
// protection fault handlers use to identify and terminate the process behind
// an unrecoverable user-mode fault.
func SetUserFaultHandlers(current func() (uint32, bool), terminate func(pid uint32, exitCode int32)) {
	currentPIDFn = current
	terminateFn = terminate
}

// isUserModeFault reports whether frame describes a trap taken from ring 3,
// identified by the CS selector's requested privilege level.
func isUserModeFault(frame *irq.Frame) bool {
	return frame.CS&0x3 == userModeSelectorRPL
}

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copy    pmm.Frame
			tmpPage Page
			err     *kernel.Error
		)

		if copy, err = frameAllocator(); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else if tmpPage, err = mapTemporaryFn(copy); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else {
			// Copy page contents, mark as RW and remove CoW flag
			kernel.Memcopy(faultPage.Address(), tmpPage.Address(), uintptr(mem.PageSize))
			unmapFn(tmpPage)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copy)
			flushTLBEntryFn(faultPage.Address())

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	// A fault taken from ring 3 only ever misbehaves the offending process:
	// it is terminated with a distinguished exit code and the scheduler
	// moves on. A fault from kernel mode has no less-privileged context to
	// blame and is always fatal.
	if isUserModeFault(frame) {
		if pid, ok := currentPIDFn(); ok {
			kfmt.Printf("terminating user-mode process %d\n", pid)
			terminateFn(pid, userFaultExitCode)
		}
		return
	}

	panic(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	// As with page faults, a fault taken from ring 3 terminates the offending
	// process; one taken from kernel mode is fatal.
	if isUserModeFault(frame) {
		if pid, ok := currentPIDFn(); ok {
			kfmt.Printf("terminating user-mode process %d\n", pid)
			terminateFn(pid, userFaultExitCode)
		}
		return
	}

	panic(errUnrecoverableFault)
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	kernel.Memset(tempPage.Address(), 0, uintptr(mem.PageSize))
	unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// Init initializes the vmm system: it builds the kernel's page directory,
// identity-maps the low 4 MiB (kernel image, PFA bitmap, early heap) and the
// legacy text-mode video buffer, activates the directory and installs
// paging-related exception handlers.
func Init() *kernel.Error {
	if err := setupKernelAddressSpace(); err != nil {
		return err
	}

	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

// setupKernelAddressSpace allocates the kernel's page directory, identity
// maps the low 4 MiB region and the legacy video buffer, then activates it.
func setupKernelAddressSpace() *kernel.Error {
	var pdt PageDirectoryTable

	pdtFrame, err := frameAllocator()
	if err != nil {
		return err
	}

	if err = pdt.Init(pdtFrame); err != nil {
		return err
	}

	lastPage := PageFromAddress(uintptr(identityMapBytes) - uintptr(mem.PageSize))
	for page := PageFromAddress(0); page <= lastPage; page++ {
		frame := pmm.Frame(page)
		if err = pdt.Map(page, frame, FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	videoPage := PageFromAddress(legacyVideoBufferAddr)
	videoFrame := pmm.FrameFromAddress(legacyVideoBufferAddr)
	if err = pdt.Map(videoPage, videoFrame, FlagPresent|FlagRW); err != nil {
		return err
	}

	// Activate the new PDT. The identity mapping installed above keeps the
	// physical addresses where the kernel is loaded valid as virtual
	// addresses after this point.
	pdt.Activate()

	return nil
}

package vmm

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/irq"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
)

func TestRecoverablePageFault(t *testing.T) {
	var (
		frame      irq.Frame
		regs       irq.Regs
		origPage   = make([]byte, mem.PageSize)
		clonedPage = make([]byte, mem.PageSize)
		testErr    = &kernel.Error{Module: "test", Message: "something went wrong"}
	)

	defer func() {
		readCR2Fn = cpu.ReadCR2
		frameAllocator = nil
		mapTemporaryFn = MapTemporary
		unmapFn = Unmap
		flushTLBEntryFn = cpu.FlushTLBEntry
		ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
	}()

	specs := []struct {
		pteFlags   PageTableEntryFlag
		allocError *kernel.Error
		mapError   *kernel.Error
		expPanic   bool
	}{
		// Page not present at all.
		{0, nil, nil, true},
		// Page is present but CoW flag not set.
		{FlagPresent, nil, nil, true},
		// Page is present but both CoW and RW flags set.
		{FlagPresent | FlagRW | FlagCopyOnWrite, nil, nil, true},
		// Page is present with CoW flag set but allocating a page copy fails.
		{FlagPresent | FlagCopyOnWrite, testErr, nil, true},
		// Page is present with CoW flag set but mapping the page copy fails.
		{FlagPresent | FlagCopyOnWrite, nil, testErr, true},
		// Page is present with CoW flag set; fault is recoverable.
		{FlagPresent | FlagCopyOnWrite, nil, nil, false},
	}

	readCR2Fn = func() uint32 { return uint32(uintptr(unsafe.Pointer(&origPage[0]))) }
	unmapFn = func(_ Page) *kernel.Error { return nil }
	flushTLBEntryFn = func(_ uintptr) {}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			var entry pageTableEntry
			entry.SetFlags(spec.pteFlags)

			ptePtrFn = func(_ uintptr) unsafe.Pointer { return unsafe.Pointer(&entry) }

			mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), spec.mapError }
			SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
				addr := uintptr(unsafe.Pointer(&clonedPage[0]))
				return pmm.Frame(addr >> mem.PageShift), spec.allocError
			})

			for i := 0; i < len(origPage); i++ {
				origPage[i] = byte(i % 256)
				clonedPage[i] = 0
			}

			defer func() {
				err := recover()
				if spec.expPanic && err == nil {
					t.Error("expected a panic")
				} else if !spec.expPanic {
					if err != nil {
						t.Errorf("unexpected panic: %v", err)
						return
					}
					for i := 0; i < len(origPage); i++ {
						if origPage[i] != clonedPage[i] {
							t.Errorf("expected clone page to be a copy of the original page; mismatch at index %d", i)
							break
						}
					}
				}
			}()

			pageFaultHandler(2, &frame, &regs)
		})
	}
}

func TestNonRecoverablePageFault(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
	}()

	specs := []struct {
		errCode   uint64
		expReason string
	}{
		{0, "read from non-present page"},
		{1, "page protection violation (read)"},
		{2, "write to non-present page"},
		{3, "page protection violation (write)"},
		{4, "page-fault in user-mode"},
		{8, "page table has reserved bit set"},
		{16, "instruction fetch"},
		{0xf00, "unknown"},
	}

	var (
		regs  irq.Regs
		frame irq.Frame
		buf   bytes.Buffer
	)

	kfmt.SetOutputSink(&buf)
	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			defer func() {
				if err := recover(); err != errUnrecoverableFault {
					t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
				}
			}()

			nonRecoverablePageFault(0xbadf00d000, spec.errCode, &frame, &regs, errUnrecoverableFault)
			if got := buf.String(); !strings.Contains(got, spec.expReason) {
				t.Errorf("expected reason %q; got output:\n%q", spec.expReason, got)
			}
		})
	}
}

func TestNonRecoverablePageFaultFromUserModeTerminatesProcess(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		currentPIDFn = func() (uint32, bool) { return 0, false }
		terminateFn = func(pid uint32, exitCode int32) {}
	}()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var (
		regs      irq.Regs
		frame     = irq.Frame{CS: 0x1b} // ring-3 user code selector, RPL 3
		gotPID    uint32
		gotCode   int32
		terminate bool
	)
	currentPIDFn = func() (uint32, bool) { return 7, true }
	terminateFn = func(pid uint32, exitCode int32) {
		terminate = true
		gotPID = pid
		gotCode = exitCode
	}

	func() {
		defer func() {
			if err := recover(); err != nil {
				t.Fatalf("expected no panic for a user-mode fault; got %v", err)
			}
		}()
		nonRecoverablePageFault(0xbadf00d000, 3, &frame, &regs, errUnrecoverableFault)
	}()

	if !terminate {
		t.Fatal("expected the user-mode fault to terminate the current process")
	}
	if gotPID != 7 {
		t.Fatalf("expected PID 7; got %d", gotPID)
	}
	if gotCode != userFaultExitCode {
		t.Fatalf("expected exit code %d; got %d", userFaultExitCode, gotCode)
	}
}

func TestNonRecoverablePageFaultFromKernelModeStillPanics(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
	}()

	kfmt.SetOutputSink(&bytes.Buffer{})
	var (
		regs  irq.Regs
		frame = irq.Frame{CS: 0x08} // ring-0 kernel code selector, RPL 0
	)

	defer func() {
		if err := recover(); err != errUnrecoverableFault {
			t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
		}
	}()
	nonRecoverablePageFault(0xbadf00d000, 3, &frame, &regs, errUnrecoverableFault)
}

func TestGPFHandler(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
	}()

	var (
		regs  irq.Regs
		frame irq.Frame
	)

	readCR2Fn = func() uint32 {
		return 0xbadf00d0
	}

	defer func() {
		if err := recover(); err != errUnrecoverableFault {
			t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
		}
	}()

	generalProtectionFaultHandler(0, &frame, &regs)
}

func TestInit(t *testing.T) {
	defer func() {
		frameAllocator = nil
		activePDTFn = cpu.ActivePDT
		switchPDTFn = cpu.SwitchPDT
		mapTemporaryFn = MapTemporary
		unmapFn = Unmap
		handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	}()

	reservedPage := make([]byte, mem.PageSize)

	t.Run("success", func(t *testing.T) {
		for i := 0; i < len(reservedPage); i++ {
			reservedPage[i] = byte(i % 256)
		}

		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			addr := uintptr(unsafe.Pointer(&reservedPage[0]))
			return pmm.Frame(addr >> mem.PageShift), nil
		})
		activePDTFn = func() uintptr {
			return uintptr(unsafe.Pointer(&reservedPage[0]))
		}
		switchPDTFn = func(_ uintptr) {}
		unmapFn = func(p Page) *kernel.Error { return nil }
		mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), nil }
		handleExceptionWithCodeFn = func(_ irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {}

		origMapFn := mapFn
		defer func() { mapFn = origMapFn }()
		mapFn = func(_ Page, _ pmm.Frame, _ PageTableEntryFlag) *kernel.Error { return nil }

		if err := Init(); err != nil {
			t.Fatal(err)
		}

		for i := 0; i < len(reservedPage); i++ {
			if reservedPage[i] != 0 {
				t.Errorf("expected reserved page to be zeroed; got byte %d at index %d", reservedPage[i], i)
			}
		}
	})

	t.Run("pdt allocation fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "out of memory"}

		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			return pmm.InvalidFrame, expErr
		})

		if err := Init(); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})

	t.Run("blank page allocation error", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "out of memory"}

		var allocCount int
		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			defer func() { allocCount++ }()

			if allocCount == 0 {
				addr := uintptr(unsafe.Pointer(&reservedPage[0]))
				return pmm.Frame(addr >> mem.PageShift), nil
			}
			return pmm.InvalidFrame, expErr
		})
		activePDTFn = func() uintptr {
			return uintptr(unsafe.Pointer(&reservedPage[0]))
		}
		switchPDTFn = func(_ uintptr) {}
		unmapFn = func(p Page) *kernel.Error { return nil }
		mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), nil }
		handleExceptionWithCodeFn = func(_ irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {}

		origMapFn := mapFn
		defer func() { mapFn = origMapFn }()
		mapFn = func(_ Page, _ pmm.Frame, _ PageTableEntryFlag) *kernel.Error { return nil }

		if err := Init(); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})
}

package vmm

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = Map

	// mapTemporaryFn is used by tests and is automatically inlined by the compiler.
	mapTemporaryFn = MapTemporary

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = Unmap
)

// lastPDTEntryOffset is the byte offset of the final, recursively-mapped
// entry within a page directory.
const lastPDTEntryOffset = ((1 << pageLevelBits[0]) - 1) << mem.PointerShift

// PageDirectoryTable describes the single top-level page table used by the
// 386 two-level paging scheme. A page directory holds 1024 entries; the last
// entry is always recursively mapped back to the directory's own frame so
// that the directory and any page table it references can be reached via
// ordinary virtual-address dereferences.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Init prepares the page directory backed by the supplied physical frame. If
// the frame is not the currently active directory, Init establishes a
// temporary mapping so that it can:
//   - zero the frame contents
//   - install the recursive mapping in the last directory entry
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	kernel.Memset(pdtPage.Address(), 0, uintptr(mem.PageSize))
	lastEntry := (*pageTableEntry)(unsafe.Pointer(pdtPage.Address() + lastPDTEntryOffset))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(pdtFrame)

	unmapFn(pdtPage)

	return nil
}

// withTemporaryActivation temporarily installs pdt in the recursive slot of
// the active directory (unless pdt is already active) so that fn can use the
// package-level Map/Unmap helpers, which always operate through the active
// directory's recursive mapping.
func (pdt PageDirectoryTable) withTemporaryActivation(fn func() *kernel.Error) *kernel.Error {
	activeFrame := pmm.FrameFromAddress(activePDTFn())
	if activeFrame == pdt.pdtFrame {
		return fn()
	}

	lastEntryAddr := activeFrame.Address() + lastPDTEntryOffset
	lastEntry := (*pageTableEntry)(unsafe.Pointer(lastEntryAddr))
	lastEntry.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(lastEntryAddr)

	err := fn()

	lastEntry.SetFrame(activeFrame)
	flushTLBEntryFn(lastEntryAddr)

	return err
}

// Map establishes a mapping between a virtual page and a physical memory
// frame within this directory, whether or not it is currently active.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return pdt.withTemporaryActivation(func() *kernel.Error {
		return mapFn(page, frame, flags)
	})
}

// Unmap removes a mapping previously installed by a call to Map on this
// directory, whether or not it is currently active.
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	return pdt.withTemporaryActivation(func() *kernel.Error {
		return unmapFn(page)
	})
}

// Activate installs this directory as the active one and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// Frame returns the physical frame backing this directory.
func (pdt PageDirectoryTable) Frame() pmm.Frame {
	return pdt.pdtFrame
}

// CopyKernelEntries copies the kernel-half directory entries
// [kernelSplitEntry, 1023) from the currently active directory into pdt, so
// that pdt's kernel half points at the very same page tables as every other
// address space. The recursive self-mapping slot (1023) is left untouched;
// Init already installed pdt's own self-mapping there. The source entries
// are read directly through the active directory's recursive mapping, so
// only the destination needs a temporary mapping.
func (pdt PageDirectoryTable) CopyKernelEntries() *kernel.Error {
	dstPage, err := mapTemporaryFn(pdt.pdtFrame)
	if err != nil {
		return err
	}

	for i := uintptr(kernelSplitEntry); i < mem.PageTableEntries-1; i++ {
		srcEntry := (*pageTableEntry)(unsafe.Pointer(pdtVirtualAddr + (i << mem.PointerShift)))
		dstEntry := (*pageTableEntry)(unsafe.Pointer(dstPage.Address() + (i << mem.PointerShift)))
		*dstEntry = *srcEntry
	}

	return unmapFn(dstPage)
}

// +build 386

package vmm

import "math"

const (
	// pageLevels indicates the number of page table levels supported by
	// the 386 architecture when PAE is disabled: a page directory and a
	// page table.
	pageLevels = 2

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. Bits 12-31 contain
	// the physical frame address.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when mapping inactive page
	// directories). This address uses directory index 1022 and table
	// index 1023, keeping it clear of the recursive self-mapping slot.
	tempMappingAddr = uintptr(0xffbff000)

	// kernelSplitEntry is the first page-directory entry belonging to the
	// kernel half of every address space (3 GiB / 4 MiB-per-entry). Every
	// process's directory shares entries [kernelSplitEntry, 1023) with the
	// kernel's own; only entries below this index are process-private.
	kernelSplitEntry = 768
)

var (
	// pdtVirtualAddr exploits the recursive mapping installed in the last
	// page directory entry (index 1023, which points back to the
	// directory itself) to expose the active page directory at a fixed
	// virtual address. Setting both the directory and table index bits to
	// all-ones makes the MMU walk land back on the directory's own frame.
	pdtVirtualAddr = uintptr(math.MaxUint32 &^ ((1 << 12) - 1))

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level indexes 1024 entries.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page
	// table component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4Mb pages instead of 4K pages. Only
	// meaningful in a page directory entry.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing the cached entry for this
	// page when switching page directories via CR3.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive. It occupies one of the three
	// OS-available bits in the entry.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute has no effect on this architecture: the 386 page table
	// format without PAE has no execute-disable bit. It is kept so callers
	// written against the generic vmm API compile unchanged; setting it is
	// always a no-op.
	FlagNoExecute = 0
)

// +build 386

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). Page-table
	// entries and pointers on this architecture are 4 bytes wide.
	PointerShift = 2

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// PageTableEntries is the number of entries in a page directory or a
	// page table on this architecture (1024 entries of 4 bytes = 4KiB).
	PageTableEntries = 1024
)

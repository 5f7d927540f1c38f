// +build 386

package cpu

// Segment selectors for the 5-descriptor GDT installed by Init: a null
// descriptor followed by flat (base 0, limit 4GiB) kernel and user code/data
// segments. The low 2 bits of a selector are its requested privilege level,
// so the ring-3 selectors are the ring-0 ones with RPL=3 added.
const (
	NullSelector       = 0x00
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	UserCodeSelector   = 0x18 | 3
	UserDataSelector   = 0x20 | 3
)

// Init installs the flat GDT, reloads CS via a far jump and reloads the
// remaining segment registers with the kernel data selector. It must be
// called once, before any other code touches a segment register.
func Init()

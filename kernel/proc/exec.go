package proc

import (
	"reflect"
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/vmm"
)

// execStackSize is the fixed stack size Exec gives the replacement image;
// unlike Create, Exec has no caller-supplied size to honor.
const execStackSize = defaultStackSize

// ExecLoaderFn reads the whole contents of path, for Exec to hand to the
// ELF loader. It is supplied by the boot sequence (bound to kernel/vfs's
// Open/Read) rather than imported directly: kernel/vfs already imports
// kernel/proc for PID and Current, so the dependency can only run the other
// way.
type ExecLoaderFn func(path string) ([]byte, *kernel.Error)

// ElfLoadFn maps an in-memory ELF image's PT_LOAD segments via mapPage and
// returns its entry point. Supplied by the boot sequence, bound to
// kernel/elf.Load, for the same layering reason as ExecLoaderFn.
type ElfLoadFn func(image []byte, mapPage func(vaddr uintptr) *kernel.Error) (uintptr, *kernel.Error)

var (
	execLoader ExecLoaderFn
	elfLoad    ElfLoadFn
)

// SetExecLoader registers the function Exec uses to read an executable's
// contents by path.
func SetExecLoader(fn ExecLoaderFn) { execLoader = fn }

// SetElfLoader registers the function Exec uses to map an image's segments.
func SetElfLoader(fn ElfLoadFn) { elfLoad = fn }

// ErrNoExecLoader is returned by Exec if the boot sequence never registered
// a loader.
var ErrNoExecLoader = &kernel.Error{Module: "proc", Message: "no exec loader registered"}

// maxArgvBytes bounds the size of the {argc, argv, strings} block Exec
// builds on the new stack: the argument strings, the pointer array and the
// argc word together must fit within a single page.
const maxArgvBytes = int(mem.PageSize)

// ErrArgvTooLarge is returned by Exec when argv does not fit within
// maxArgvBytes once laid out on the stack.
var ErrArgvTooLarge = &kernel.Error{Module: "proc", Message: "argv too large for the new stack"}

// pokeBytesFn writes data directly into the page(s) mapped at addr. Exec
// only ever calls this against the current process's own, already-active
// address space (the same assumption zeroPageFn in lifecycle.go makes), so
// addr is safe to dereference without routing through usercopy. Mocked by
// tests and automatically inlined by the compiler in the real kernel build.
var pokeBytesFn = func(addr uintptr, data []byte) {
	if len(data) == 0 {
		return
	}
	target := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  len(data),
		Cap:  len(data),
	}))
	copy(target, data)
}

// buildArgvBlock lays out the {argc, argv, strings} block at the top of a
// freshly mapped user stack: the argument strings occupy the highest
// addresses, followed by a NULL-terminated array of pointers to them,
// followed by the argc word, with the final stack pointer rounded down to a
// 16-byte boundary. This mirrors process_exec's stack layout in the
// original implementation Exec was ported from.
func buildArgvBlock(stackTop uintptr, args []string) (uintptr, *kernel.Error) {
	var stringsBlock []byte
	offsets := make([]int, len(args))
	for i, s := range args {
		offsets[i] = len(stringsBlock)
		stringsBlock = append(stringsBlock, s...)
		stringsBlock = append(stringsBlock, 0)
		for len(stringsBlock)%4 != 0 {
			stringsBlock = append(stringsBlock, 0)
		}
	}

	argvBytes := 4 * (len(args) + 1)
	const argcBytes = 4
	if len(stringsBlock)+argvBytes+argcBytes > maxArgvBytes {
		return 0, ErrArgvTooLarge
	}

	stringsAddr := stackTop - uintptr(len(stringsBlock))
	pokeBytesFn(stringsAddr, stringsBlock)

	argvAddr := stringsAddr - uintptr(argvBytes)
	for i, off := range offsets {
		ptr := uint32(stringsAddr) + uint32(off)
		pokeBytesFn(argvAddr+uintptr(i)*4, int32ToBytes(int32(ptr)))
	}
	pokeBytesFn(argvAddr+uintptr(len(args))*4, []byte{0, 0, 0, 0}) // NULL terminator

	argcAddr := argvAddr - uintptr(argcBytes)
	pokeBytesFn(argcAddr, int32ToBytes(int32(len(args))))

	return argcAddr &^ 15, nil
}

// Exec replaces the calling process's user address space with the
// executable named by path: every current user mapping is torn down, the
// named file is read and ELF-loaded into a fresh set of mappings, a new
// user stack is mapped, and the saved register file is reset so the next
// dispatch resumes at the image's entry point. argv is laid out as the
// {argc, argv, strings} block at the top of the new stack; a nil or empty
// argv falls back to a single argument naming path, matching argv[0]'s
// usual convention. The PID, PCB slot and parent/child links are all
// unchanged — only the process's "program" is replaced, exactly as exec(2)
// does.
func Exec(path string, argv []string) *kernel.Error {
	if execLoader == nil || elfLoad == nil {
		return ErrNoExecLoader
	}

	pid, ok := Current()
	if !ok {
		return ErrNoCurrentProcess
	}
	p, ok := lookup(pid)
	if !ok {
		return ErrNoCurrentProcess
	}

	image, err := execLoader(path)
	if err != nil {
		return err
	}

	for _, mp := range p.userPages {
		unmapPageFn(&p.addrSpace, mp.page)
		if frameFreer != nil {
			frameFreer(mp.frame)
		}
	}
	p.userPages = nil

	mapPage := func(vaddr uintptr) *kernel.Error {
		frame, err := frameAllocator()
		if err != nil {
			return err
		}
		page := vmm.PageFromAddress(vaddr)
		flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible
		if err := mapPageFn(&p.addrSpace, page, frame, flags); err != nil {
			return err
		}
		zeroPageFn(page.Address())
		p.userPages = append(p.userPages, mappedPage{page, frame, flags})
		return nil
	}

	entry, err := elfLoad(image, mapPage)
	if err != nil {
		return err
	}

	p.stackBottom = userStackVirtBase
	p.stackTop = userStackVirtBase + uintptr(execStackSize)
	numPages := uintptr(execStackSize) >> mem.PageShift
	for i := uintptr(0); i < numPages; i++ {
		frame, err := frameAllocator()
		if err != nil {
			return err
		}
		page := vmm.PageFromAddress(p.stackBottom + i*uintptr(mem.PageSize))
		flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible
		if err := mapPageFn(&p.addrSpace, page, frame, flags); err != nil {
			return err
		}
		p.userPages = append(p.userPages, mappedPage{page, frame, flags})
	}

	p.heapStart = p.stackTop
	p.heapBreak = p.heapStart

	p.regs = Registers{}
	p.regs.EIP = uint32(entry)
	p.regs.CS = uint32(cpu.UserCodeSelector)
	p.regs.DS = uint32(cpu.UserDataSelector)
	p.regs.ES = uint32(cpu.UserDataSelector)
	p.regs.FS = uint32(cpu.UserDataSelector)
	p.regs.GS = uint32(cpu.UserDataSelector)
	p.regs.SS = uint32(cpu.UserDataSelector)
	p.regs.EFlags = initialEFlags

	args := argv
	if len(args) == 0 {
		args = []string{path}
	}
	esp, err := buildArgvBlock(p.stackTop, args)
	if err != nil {
		return err
	}
	p.regs.ESP = uint32(esp)
	p.regs.ESPUser = p.regs.ESP

	return nil
}

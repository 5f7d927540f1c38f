// Package elf implements a minimal ELF32 loader for exec(): enough to
// validate a static i386 executable and map its PT_LOAD segments into an
// address space, without sections, dynamic linking or relocation.
package elf

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/mem"
)

const (
	magic = 0x464C457F // "\x7FELF", little-endian as the first 4 bytes

	classNone = 0
	class32   = 1

	dataNone = 0
	dataLSB  = 1

	typeExec = 2

	machineI386 = 3

	// PTLoad marks a program header describing a segment that must be
	// mapped into memory before execution.
	PTLoad = 1
)

// Header mirrors elf32_hdr's fixed-size prefix fields used by this loader.
// e_ident occupies the first 16 bytes; only the magic, class and data bytes
// are checked.
type Header struct {
	Ident                              [16]byte
	Type, Machine                      uint16
	Version                            uint32
	Entry, Phoff, Shoff                uint32
	Flags                              uint32
	Ehsize, Phentsize, Phnum           uint16
	Shentsize, Shnum, Shstrndx         uint16
}

const headerSize = unsafe.Sizeof(Header{})

// ProgramHeader mirrors Elf32_Phdr.
type ProgramHeader struct {
	Type, Offset, Vaddr, Paddr, Filesz, Memsz, Flags, Align uint32
}

const programHeaderSize = unsafe.Sizeof(ProgramHeader{})

var (
	// ErrTooShort is returned when image is smaller than a bare ELF header.
	ErrTooShort = &kernel.Error{Module: "elf", Message: "image too small to be an ELF file"}

	// ErrBadMagic is returned when the first four bytes are not "\x7FELF".
	ErrBadMagic = &kernel.Error{Module: "elf", Message: "not an ELF file"}

	// ErrUnsupportedClass is returned for anything but a 32-bit,
	// little-endian image.
	ErrUnsupportedClass = &kernel.Error{Module: "elf", Message: "not a 32-bit little-endian ELF image"}

	// ErrNotExecutable is returned when e_type is not ET_EXEC.
	ErrNotExecutable = &kernel.Error{Module: "elf", Message: "ELF image is not an executable"}

	// ErrWrongMachine is returned when e_machine is not EM_386.
	ErrWrongMachine = &kernel.Error{Module: "elf", Message: "ELF image is not built for i386"}

	// ErrBadProgramHeader is returned when the program header table runs
	// past the end of the image.
	ErrBadProgramHeader = &kernel.Error{Module: "elf", Message: "program header table out of range"}

	// ErrSegmentOutOfRange is returned when a PT_LOAD segment's file range
	// runs past the end of the image.
	ErrSegmentOutOfRange = &kernel.Error{Module: "elf", Message: "segment data out of range"}
)

func headerAt(image []byte) *Header {
	return (*Header)(unsafe.Pointer(&image[0]))
}

func programHeaderAt(image []byte, offset uint32) *ProgramHeader {
	return (*ProgramHeader)(unsafe.Pointer(&image[offset]))
}

// parse validates image's ELF header and returns it, matching the checks
// the reference loader performs: magic, 32-bit little-endian, ET_EXEC,
// EM_386.
func parse(image []byte) (*Header, *kernel.Error) {
	if uintptr(len(image)) < headerSize {
		return nil, ErrTooShort
	}
	h := headerAt(image)
	if uint32(h.Ident[0])|uint32(h.Ident[1])<<8|uint32(h.Ident[2])<<16|uint32(h.Ident[3])<<24 != magic {
		return nil, ErrBadMagic
	}
	if h.Ident[4] != class32 || h.Ident[5] != dataLSB {
		return nil, ErrUnsupportedClass
	}
	if h.Type != typeExec {
		return nil, ErrNotExecutable
	}
	if h.Machine != machineI386 {
		return nil, ErrWrongMachine
	}
	return h, nil
}

// MapPageFn allocates a fresh, zeroed, user-writable physical page and maps
// it at vaddr in the address space Load is populating. It is supplied by
// the caller (kernel/proc's Exec) because this package has no frame
// allocator or address-space type of its own: exec always replaces the
// calling process's own address space, so every mapping Load asks for
// lands in the currently active page directory and can be written through
// directly once mapped.
type MapPageFn func(vaddr uintptr) *kernel.Error

// Load validates image as a static i386 executable and maps each PT_LOAD
// segment via mapPage, copying the segment's file contents in afterwards.
// It returns the entry point virtual address.
func Load(image []byte, mapPage MapPageFn) (uintptr, *kernel.Error) {
	h, err := parse(image)
	if err != nil {
		return 0, err
	}

	phOff := h.Phoff
	phCount := uint32(h.Phnum)
	phEnd := phOff + phCount*uint32(programHeaderSize)
	if phCount > 0 && (phOff >= uint32(len(image)) || phEnd > uint32(len(image))) {
		return 0, ErrBadProgramHeader
	}

	pageSize := uint32(mem.PageSize)
	pageMask := pageSize - 1

	for i := uint32(0); i < phCount; i++ {
		ph := *programHeaderAt(image, phOff+i*uint32(programHeaderSize))
		if ph.Type != PTLoad {
			continue
		}
		if uint64(ph.Offset)+uint64(ph.Filesz) > uint64(len(image)) {
			return 0, ErrSegmentOutOfRange
		}

		startPage := ph.Vaddr &^ pageMask
		endPage := (ph.Vaddr + ph.Memsz + pageMask) &^ pageMask
		for page := startPage; page < endPage; page += pageSize {
			if err := mapPage(uintptr(page)); err != nil {
				return 0, err
			}
		}

		if ph.Filesz > 0 {
			kernel.Memcopy(
				uintptr(unsafe.Pointer(&image[ph.Offset])),
				uintptr(ph.Vaddr),
				uintptr(ph.Filesz),
			)
		}
	}

	return uintptr(h.Entry), nil
}

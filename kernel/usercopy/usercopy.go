// Package usercopy validates and moves data across the user/kernel
// boundary a syscall handler sits on. Every syscall that takes a pointer
// argument routes it through here first, per spec: pointer arguments must
// be checked against the caller's address space before they are
// dereferenced, and an invalid pointer must fail the syscall rather than
// fault the kernel.
package usercopy

import (
	"reflect"
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/mem/vmm"
)

// ErrFault is returned when a user-supplied address range is not entirely
// mapped in the caller's address space.
var ErrFault = &kernel.Error{Module: "usercopy", Message: "invalid user pointer"}

// mocked by tests; wired to the real translator in the kernel build. Every
// syscall runs with its caller's page directory active, so vmm.Translate
// (which walks the currently active directory) is the right check here.
var translateFn = vmm.Translate

// validateRange confirms every page touched by [addr, addr+size) is mapped.
func validateRange(addr uintptr, size uint32) *kernel.Error {
	if size == 0 {
		return nil
	}
	start := vmm.PageFromAddress(addr)
	end := vmm.PageFromAddress(addr + uintptr(size) - 1)
	for p := start; p <= end; p++ {
		if _, err := translateFn(p.Address()); err != nil {
			return ErrFault
		}
	}
	return nil
}

// overlay returns a Go slice backed directly by the size bytes at addr. The
// caller must have already validated the range.
func overlay(addr uintptr, size uint32) []byte {
	var b []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = int(size)
	sh.Cap = int(size)
	return b
}

// CopyFromUser validates userAddr..userAddr+len(dst) and copies it into dst.
func CopyFromUser(dst []byte, userAddr uintptr) *kernel.Error {
	if err := validateRange(userAddr, uint32(len(dst))); err != nil {
		return err
	}
	copy(dst, overlay(userAddr, uint32(len(dst))))
	return nil
}

// CopyToUser validates userAddr..userAddr+len(src) and copies src into it.
func CopyToUser(userAddr uintptr, src []byte) *kernel.Error {
	if err := validateRange(userAddr, uint32(len(src))); err != nil {
		return err
	}
	copy(overlay(userAddr, uint32(len(src))), src)
	return nil
}

// maxCString bounds how far CString will scan looking for a NUL terminator,
// guarding against a malicious or corrupt pointer with no terminator at all.
const maxCString = 4096

// CString reads a NUL-terminated string starting at userAddr, validating
// each page as the scan crosses into it.
func CString(userAddr uintptr) (string, *kernel.Error) {
	buf := make([]byte, 0, 64)
	for i := uint32(0); i < maxCString; i++ {
		addr := userAddr + uintptr(i)
		if i == 0 || vmm.PageOffset(addr) == 0 {
			if err := validateRange(addr, 1); err != nil {
				return "", err
			}
		}
		b := overlay(addr, 1)[0]
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", ErrFault
}

// maxArgvEntries bounds how many pointers CStringArray will read looking for
// the NULL terminator, guarding against a malicious or corrupt array with
// none.
const maxArgvEntries = 256

// CStringArray reads a NULL-terminated array of user pointers starting at
// userAddr (the argv convention: consecutive 4-byte pointers, the array
// itself terminated by a 0 entry) and decodes each one as a C string.
func CStringArray(userAddr uintptr) ([]string, *kernel.Error) {
	var out []string
	var ptrBytes [4]byte
	for i := uint32(0); i < maxArgvEntries; i++ {
		entryAddr := userAddr + uintptr(i)*4
		if err := CopyFromUser(ptrBytes[:], entryAddr); err != nil {
			return nil, err
		}
		ptr := uint32(ptrBytes[0]) | uint32(ptrBytes[1])<<8 | uint32(ptrBytes[2])<<16 | uint32(ptrBytes[3])<<24
		if ptr == 0 {
			return out, nil
		}
		s, err := CString(uintptr(ptr))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return nil, ErrFault
}

package elf

import (
	"testing"
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/mem"
)

// buildImage assembles a minimal valid ELF32 image with one PT_LOAD segment
// whose virtual address is the real address of a backing Go buffer, so
// Load's direct memory copy writes into memory this test process actually
// owns rather than a fabricated address.
func buildImage(t *testing.T, backing []byte, filesz, memsz uint32, payload []byte) []byte {
	t.Helper()
	vaddr := uint32(uintptr(unsafe.Pointer(&backing[0])))

	img := make([]byte, headerSize+programHeaderSize+uintptr(len(payload)))
	h := headerAt(img)
	h.Ident[0], h.Ident[1], h.Ident[2], h.Ident[3] = 0x7F, 'E', 'L', 'F'
	h.Ident[4] = class32
	h.Ident[5] = dataLSB
	h.Type = typeExec
	h.Machine = machineI386
	h.Entry = vaddr + 4
	h.Phoff = uint32(headerSize)
	h.Phnum = 1

	ph := programHeaderAt(img, uint32(headerSize))
	*ph = ProgramHeader{
		Type:   PTLoad,
		Offset: uint32(headerSize + programHeaderSize),
		Vaddr:  vaddr,
		Filesz: filesz,
		Memsz:  memsz,
	}
	copy(img[headerSize+programHeaderSize:], payload)
	return img
}

func noopMap(vaddr uintptr) *kernel.Error { return nil }

func TestLoadCopiesSegmentAndReturnsEntry(t *testing.T) {
	backing := make([]byte, mem.PageSize)
	payload := []byte("hello, exec")
	img := buildImage(t, backing, uint32(len(payload)), uint32(len(payload)), payload)

	entry, err := Load(img, noopMap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantEntry := uintptr(unsafe.Pointer(&backing[0])) + 4
	if entry != wantEntry {
		t.Fatalf("expected entry %#x; got %#x", wantEntry, entry)
	}
	if string(backing[:len(payload)]) != string(payload) {
		t.Fatalf("expected segment data copied into backing buffer; got %q", backing[:len(payload)])
	}
}

func TestLoadMapsEveryPageInMemsz(t *testing.T) {
	backing := make([]byte, 3*mem.PageSize)
	img := buildImage(t, backing, 0, uint32(3*mem.PageSize), nil)

	var mapped []uintptr
	mapFn := func(vaddr uintptr) *kernel.Error {
		mapped = append(mapped, vaddr)
		return nil
	}

	if _, err := Load(img, mapFn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mapped) < 3 {
		t.Fatalf("expected at least 3 pages mapped for a %d-byte segment; got %d", 3*mem.PageSize, len(mapped))
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	img := make([]byte, headerSize)
	if _, err := Load(img, noopMap); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic; got %v", err)
	}
}

func TestLoadRejectsTooShort(t *testing.T) {
	if _, err := Load(make([]byte, 4), noopMap); err != ErrTooShort {
		t.Fatalf("expected ErrTooShort; got %v", err)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	backing := make([]byte, mem.PageSize)
	img := buildImage(t, backing, 0, 0, nil)
	headerAt(img).Machine = 0x3E // x86-64, not i386

	if _, err := Load(img, noopMap); err != ErrWrongMachine {
		t.Fatalf("expected ErrWrongMachine; got %v", err)
	}
}

func TestLoadRejectsSegmentOutOfRange(t *testing.T) {
	backing := make([]byte, mem.PageSize)
	img := buildImage(t, backing, 0, uint32(mem.PageSize), nil)
	programHeaderAt(img, uint32(headerSize)).Filesz = uint32(len(img)) + 1000

	if _, err := Load(img, noopMap); err != ErrSegmentOutOfRange {
		t.Fatalf("expected ErrSegmentOutOfRange; got %v", err)
	}
}

func TestLoadPropagatesMapPageError(t *testing.T) {
	backing := make([]byte, mem.PageSize)
	img := buildImage(t, backing, 0, uint32(mem.PageSize), nil)

	failMap := func(vaddr uintptr) *kernel.Error {
		return &kernel.Error{Module: "test", Message: "out of frames"}
	}
	if _, err := Load(img, failMap); err == nil {
		t.Fatal("expected an error from a failing mapPage")
	}
}

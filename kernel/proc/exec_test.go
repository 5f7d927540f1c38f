package proc

import (
	"testing"

	"nucleos/kernel"
)

func TestExecReplacesAddressSpaceAndResetsRegisters(t *testing.T) {
	resetState(t)
	pid, _ := Create(CreateParams{Name: "init", EntryPoint: 0x1000})
	SetCurrent(pid)

	SetExecLoader(func(path string) ([]byte, *kernel.Error) {
		if path != "/bin/hello" {
			t.Fatalf("unexpected path: %q", path)
		}
		return []byte("fake-elf-image"), nil
	})
	mappedPages := 0
	SetElfLoader(func(image []byte, mapPage func(uintptr) *kernel.Error) (uintptr, *kernel.Error) {
		if string(image) != "fake-elf-image" {
			t.Fatalf("unexpected image: %q", image)
		}
		if err := mapPage(0x2000); err != nil {
			return 0, err
		}
		mappedPages++
		return 0x2000, nil
	})

	beforePages := len(table[indexOf(pid)].userPages)
	if err := Exec("/bin/hello", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mappedPages != 1 {
		t.Fatalf("expected the image loader to be invoked once; got %d", mappedPages)
	}

	regs, ok := RegistersOf(pid)
	if !ok {
		t.Fatal("expected a register file")
	}
	if regs.EIP != 0x2000 {
		t.Fatalf("expected EIP to be the new entry point; got %#x", regs.EIP)
	}
	if regs.EFlags&0x200 == 0 {
		t.Fatal("expected interrupts enabled in the reset flags")
	}

	p := &table[indexOf(pid)]
	if len(p.userPages) <= beforePages-1 {
		t.Fatalf("expected the new image's pages plus a fresh stack to be mapped; got %d pages", len(p.userPages))
	}
}

func TestExecRequiresCurrentProcess(t *testing.T) {
	resetState(t)
	SetExecLoader(func(string) ([]byte, *kernel.Error) { return nil, nil })
	SetElfLoader(func([]byte, func(uintptr) *kernel.Error) (uintptr, *kernel.Error) { return 0, nil })

	if err := Exec("/bin/hello", nil); err != ErrNoCurrentProcess {
		t.Fatalf("expected ErrNoCurrentProcess; got %v", err)
	}
}

func TestExecPropagatesLoaderError(t *testing.T) {
	resetState(t)
	pid, _ := Create(CreateParams{Name: "init", EntryPoint: 0x1000})
	SetCurrent(pid)

	wantErr := &kernel.Error{Module: "vfs", Message: "no such file or directory"}
	SetExecLoader(func(string) ([]byte, *kernel.Error) { return nil, wantErr })
	SetElfLoader(func([]byte, func(uintptr) *kernel.Error) (uintptr, *kernel.Error) { return 0, nil })

	if err := Exec("/bin/nope", nil); err != wantErr {
		t.Fatalf("expected %v; got %v", wantErr, err)
	}
}

func TestExecWithNoLoaderRegisteredFails(t *testing.T) {
	resetState(t)
	pid, _ := Create(CreateParams{Name: "init", EntryPoint: 0x1000})
	SetCurrent(pid)
	execLoader = nil
	elfLoad = nil

	if err := Exec("/bin/hello", nil); err != ErrNoExecLoader {
		t.Fatalf("expected ErrNoExecLoader; got %v", err)
	}
}

func TestBuildArgvBlockLaysOutArgcArgvStrings(t *testing.T) {
	resetState(t)

	written := make(map[uintptr][]byte)
	pokeBytesFn = func(addr uintptr, data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		written[addr] = buf
	}

	const stackTop = userStackVirtBase + uintptr(execStackSize)
	args := []string{"/sbin/init", "-v"}

	esp, err := buildArgvBlock(stackTop, args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if esp%16 != 0 {
		t.Fatalf("expected a 16-byte aligned stack pointer; got %#x", esp)
	}

	// Recompute the expected layout the same way buildArgvBlock does, then
	// confirm every recorded write matches it byte-for-byte.
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
	stringsAddr := stackTop - uintptr(len(stringsBlock))
	if got := written[stringsAddr]; string(got) != string(stringsBlock) {
		t.Fatalf("expected strings block %q at %#x; got %q", stringsBlock, stringsAddr, got)
	}

	argvAddr := stringsAddr - uintptr(4*(len(args)+1))
	for i, off := range offsets {
		want := int32ToBytes(int32(uint32(stringsAddr) + uint32(off)))
		if got := written[argvAddr+uintptr(i)*4]; string(got) != string(want) {
			t.Fatalf("argv[%d]: expected pointer bytes %v; got %v", i, want, got)
		}
	}
	if got := written[argvAddr+uintptr(len(args))*4]; string(got) != string([]byte{0, 0, 0, 0}) {
		t.Fatalf("expected a NULL terminator after the last argv entry; got %v", got)
	}

	argcAddr := argvAddr - 4
	if got := written[argcAddr]; string(got) != string(int32ToBytes(int32(len(args)))) {
		t.Fatalf("expected argc %d at %#x; got %v", len(args), argcAddr, got)
	}
	if esp > argcAddr {
		t.Fatal("expected the aligned stack pointer to sit at or below argc's address")
	}
}

func TestBuildArgvBlockRejectsArgvOverOnePage(t *testing.T) {
	resetState(t)
	pokeBytesFn = func(uintptr, []byte) {}

	const stackTop = userStackVirtBase + uintptr(execStackSize)
	const overhead = 4 /* argv[0] pointer */ + 4 /* NULL terminator */ + 4 /* argc */

	// A single argument whose NUL-terminated encoding brings the block to
	// exactly one page; this must still succeed.
	fitLen := maxArgvBytes - overhead - 1
	if _, err := buildArgvBlock(stackTop, []string{string(make([]byte, fitLen))}); err != nil {
		t.Fatalf("expected argv just under one page to succeed; got %v", err)
	}

	// Four more bytes of string content push the 4-byte-aligned block past
	// the page boundary; this must fail.
	if _, err := buildArgvBlock(stackTop, []string{string(make([]byte, fitLen+4))}); err != ErrArgvTooLarge {
		t.Fatalf("expected ErrArgvTooLarge; got %v", err)
	}
}

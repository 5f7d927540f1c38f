// Package ipc implements the kernel's inter-process communication
// primitives: pipes, message queues, shared memory and signals. Every pool
// is a fixed-capacity array of slots, matching the process table's own
// fixed-capacity design, since none of these structures ever need to
// outlive a reboot or grow without bound.
package ipc

import (
	"nucleos/kernel"
	"nucleos/kernel/heap"
	"nucleos/kernel/proc"
)

const (
	maxPipes       = 64
	pipeBufferSize = 4096
)

type pipe struct {
	inUse    bool
	bufAddr  uintptr
	size     uint32
	readPos  uint32
	writePos uint32
	count    uint32
	reader   proc.PID
	writer   proc.PID
	refCount int
}

var pipes [maxPipes]pipe

// the following indirections are mocked by tests and automatically inlined
// by the compiler in the real kernel build.
var (
	heapAllocFn = heap.Alloc
	heapFreeFn  = heap.Free

	readByteFn  = func(addr uintptr, offset uint32) byte { return bufferByte(addr, offset) }
	writeByteFn = func(addr uintptr, offset uint32, b byte) { setBufferByte(addr, offset, b) }

	// ErrNoFreePipe is returned by PipeCreate when every pipe slot is in use.
	ErrNoFreePipe = &kernel.Error{Module: "ipc", Message: "no free pipe slots"}

	// ErrBadDescriptor is returned by pipe operations given a descriptor
	// that does not name a live pipe end.
	ErrBadDescriptor = &kernel.Error{Module: "ipc", Message: "invalid pipe descriptor"}
)

func findFreePipe() int {
	for i := range pipes {
		if !pipes[i].inUse {
			return i
		}
	}
	return -1
}

// PipeCreate allocates a pipe and returns its read and write descriptors. A
// descriptor packs {slot index, end bit} into a small integer: slot*2 is the
// read end, slot*2+1 is the write end.
func PipeCreate() (readFD, writeFD int, err *kernel.Error) {
	idx := findFreePipe()
	if idx < 0 {
		return 0, 0, ErrNoFreePipe
	}

	addr, allocErr := heapAllocFn(pipeBufferSize)
	if allocErr != nil {
		return 0, 0, allocErr
	}

	p := &pipes[idx]
	*p = pipe{
		inUse:    true,
		bufAddr:  addr,
		size:     pipeBufferSize,
		refCount: 2,
	}
	if owner, ok := proc.Current(); ok {
		p.reader = owner
		p.writer = owner
	}

	return idx * 2, idx*2 + 1, nil
}

func decodePipeFD(fd int) (idx int, isWriteEnd bool, ok bool) {
	idx = fd / 2
	if idx < 0 || idx >= maxPipes {
		return 0, false, false
	}
	return idx, fd%2 == 1, true
}

// PipeRead copies up to len(buf) bytes out of the pipe named by fd, which
// must be a read-end descriptor. Reads never block: an empty pipe yields 0
// bytes read rather than waiting for a writer.
func PipeRead(fd int, buf []byte) (int, *kernel.Error) {
	idx, isWrite, ok := decodePipeFD(fd)
	if !ok || isWrite {
		return 0, ErrBadDescriptor
	}
	p := &pipes[idx]
	if !p.inUse {
		return 0, ErrBadDescriptor
	}

	n := 0
	for n < len(buf) && p.count > 0 {
		buf[n] = readByteFn(p.bufAddr, p.readPos)
		p.readPos = (p.readPos + 1) % p.size
		p.count--
		n++
	}
	return n, nil
}

// PipeWrite copies up to len(buf) bytes into the pipe named by fd, which
// must be a write-end descriptor. Writes never block: a full pipe yields 0
// bytes written rather than waiting for a reader.
func PipeWrite(fd int, buf []byte) (int, *kernel.Error) {
	idx, isWrite, ok := decodePipeFD(fd)
	if !ok || !isWrite {
		return 0, ErrBadDescriptor
	}
	p := &pipes[idx]
	if !p.inUse {
		return 0, ErrBadDescriptor
	}

	n := 0
	for n < len(buf) && p.count < p.size {
		writeByteFn(p.bufAddr, p.writePos, buf[n])
		p.writePos = (p.writePos + 1) % p.size
		p.count++
		n++
	}
	return n, nil
}

// PipeClose drops one reference to the pipe named by fd. At zero references
// the buffer is freed and the slot recycled.
func PipeClose(fd int) *kernel.Error {
	idx, _, ok := decodePipeFD(fd)
	if !ok {
		return ErrBadDescriptor
	}
	p := &pipes[idx]
	if !p.inUse {
		return ErrBadDescriptor
	}

	p.refCount--
	if p.refCount <= 0 {
		heapFreeFn(p.bufAddr)
		*p = pipe{}
	}
	return nil
}

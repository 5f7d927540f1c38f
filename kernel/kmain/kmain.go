// Package kmain wires together every subsystem's Init and hands control to
// the scheduler. It is the only package the assembly bootstrap calls into.
package kmain

import (
	"nucleos/kernel"
	"nucleos/kernel/bootinfo"
	"nucleos/kernel/cpu"
	"nucleos/kernel/driver/ata"
	"nucleos/kernel/elf"
	"nucleos/kernel/gate"
	"nucleos/kernel/goruntime"
	"nucleos/kernel/hal"
	"nucleos/kernel/heap"
	"nucleos/kernel/ipc"
	"nucleos/kernel/irq"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mem/pmm/allocator"
	"nucleos/kernel/mem/vmm"
	"nucleos/kernel/proc"
	"nucleos/kernel/sched"
	"nucleos/kernel/vfs"
	"nucleos/kernel/vfs/simplefs"
)

// initPath is the first process the scheduler ever runs; every other
// process descends from it via fork, exactly as PID 1 does on a Unix
// system.
const initPath = "/sbin/init"

// Kmain is the only Go symbol the rt0 assembly calls into, once it has set
// up the GDT and a minimal g0 allowing Go code to run on the small stack the
// bootstrap allocated. It is not expected to return; if it does, the rt0
// trampoline halts the CPU.
//
// bootInfoPtr is the physical address of the boot loader's memory map blob;
// kernelStart/kernelEnd delimit the physical addresses occupied by the
// loaded kernel image so the frame allocator can mark them reserved.
//
//go:noinline
func Kmain(bootInfoPtr, kernelStart, kernelEnd uintptr) {
	bootinfo.SetInfoPtr(bootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	vmm.SetFrameAllocator(allocator.AllocFrame)
	if err = vmm.Init(); err != nil {
		kfmt.Panic(err)
	}

	cpu.Init()
	irq.Init()
	irq.InitTimer()
	irq.SetSchedulerTick(sched.Tick)
	gate.Init()

	heap.SetFrameAllocator(allocator.AllocFrame)
	if err = heap.Init(); err != nil {
		kfmt.Panic(err)
	}

	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	proc.SetFrameAllocator(allocator.AllocFrame)
	proc.SetFrameFreer(allocator.FreeFrame)
	proc.SetExecLoader(loadFile)
	proc.SetElfLoader(func(image []byte, mapPage func(uintptr) *kernel.Error) (uintptr, *kernel.Error) {
		return elf.Load(image, mapPage)
	})

	ipc.SetFrameAllocator(allocator.AllocFrame)
	ipc.SetFrameFreer(allocator.FreeFrame)

	proc.Init()
	ipc.Init()
	vfs.Init()
	vfs.RegisterFilesystem(simplefs.New())
	if err = vfs.Mount("/", "simplefs", ata.New()); err != nil {
		kfmt.Panic(err)
	}

	vmm.SetUserFaultHandlers(
		func() (uint32, bool) {
			pid, ok := proc.Current()
			return uint32(pid), ok
		},
		func(pid uint32, exitCode int32) {
			proc.ExitProcess(proc.PID(pid), exitCode)
		},
	)

	sched.Init()

	pid, err := proc.Create(proc.CreateParams{Name: initPath})
	if err != nil {
		kfmt.Panic(err)
	}
	proc.SetCurrent(pid)
	if err := proc.Exec(initPath, nil); err != nil {
		kfmt.Panic(err)
	}
	sched.Schedule(pid)
	proc.Activate(pid)

	for {
		sched.Yield()
	}
}

// loadFile reads the whole contents of path through the VFS façade. It is
// registered with kernel/proc as the ExecLoaderFn: kernel/vfs already
// imports kernel/proc for PID/Current, so kernel/proc cannot import
// kernel/vfs back, and this closure is how Exec reaches it anyway.
func loadFile(path string) ([]byte, *kernel.Error) {
	fd, err := vfs.Open(path, 0)
	if err != nil {
		return nil, err
	}
	defer vfs.Close(fd)

	var contents []byte
	chunk := make([]byte, 512)
	for {
		n, err := vfs.Read(fd, chunk)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		contents = append(contents, chunk[:n]...)
	}
	return contents, nil
}

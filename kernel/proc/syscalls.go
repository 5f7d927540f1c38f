package proc

import (
	"nucleos/kernel/gate"
	"nucleos/kernel/usercopy"
)

// Init registers this package's syscall handlers into the dispatch table.
// Called once from the boot sequence, after gate.Init.
func Init() {
	gate.Register(gate.SysExit, sysExit)
	gate.Register(gate.SysFork, sysFork)
	gate.Register(gate.SysExec, sysExec)
	gate.Register(gate.SysWait, sysWait)
	gate.Register(gate.SysGetpid, sysGetpid)
	gate.Register(gate.SysBrk, sysBrk)
	gate.Register(gate.SysSbrk, sysSbrk)
}

func sysExit(regs *gate.Registers) {
	Exit(int32(regs.Arg1))
}

func sysFork(regs *gate.Registers) {
	child, err := Fork()
	if err != nil {
		regs.Ret = gate.ErrNoSuchSyscallRet
		return
	}
	regs.Ret = uint32(child)
}

func sysExec(regs *gate.Registers) {
	path, err := usercopy.CString(uintptr(regs.Arg1))
	if err != nil {
		regs.Ret = gate.ErrNoSuchSyscallRet
		return
	}

	var argv []string
	if regs.Arg2 != 0 {
		argv, err = usercopy.CStringArray(uintptr(regs.Arg2))
		if err != nil {
			regs.Ret = gate.ErrNoSuchSyscallRet
			return
		}
	}

	if err := Exec(path, argv); err != nil {
		regs.Ret = gate.ErrNoSuchSyscallRet
		return
	}
	regs.Ret = 0
}

func sysWait(regs *gate.Registers) {
	child, exitCode, err := Wait()
	if err != nil {
		regs.Ret = gate.ErrNoSuchSyscallRet
		return
	}
	if regs.Arg1 != 0 {
		usercopy.CopyToUser(uintptr(regs.Arg1), int32ToBytes(exitCode))
	}
	regs.Ret = uint32(child)
}

func sysGetpid(regs *gate.Registers) {
	pid, ok := Current()
	if !ok {
		regs.Ret = gate.ErrNoSuchSyscallRet
		return
	}
	regs.Ret = uint32(pid)
}

func sysBrk(regs *gate.Registers) {
	newBreak, err := Brk(uintptr(regs.Arg1))
	if err != nil {
		regs.Ret = gate.ErrNoSuchSyscallRet
		return
	}
	regs.Ret = uint32(newBreak)
}

func sysSbrk(regs *gate.Registers) {
	newBreak, err := Sbrk(int32(regs.Arg1))
	if err != nil {
		regs.Ret = gate.ErrNoSuchSyscallRet
		return
	}
	// sbrk reports the break as it was before the adjustment.
	regs.Ret = uint32(newBreak) - regs.Arg1
}

// int32ToBytes is little-endian, matching the i386 ABI this gate serves.
func int32ToBytes(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

package vfs

import (
	"nucleos/kernel/gate"
	"nucleos/kernel/usercopy"
)

// Init registers this package's syscall handlers into the dispatch table.
// Called once from the boot sequence, after gate.Init.
func Init() {
	gate.Register(gate.SysWrite, sysWrite)
	gate.Register(gate.SysRead, sysRead)
	gate.Register(gate.SysOpen, sysOpen)
	gate.Register(gate.SysClose, sysClose)
	gate.Register(gate.SysSeek, sysSeek)
	gate.Register(gate.SysMkdir, sysMkdir)
	gate.Register(gate.SysRmdir, sysRmdir)
	gate.Register(gate.SysReaddir, sysReaddir)
	gate.Register(gate.SysUnlink, sysUnlink)
}

func fail(regs *gate.Registers) { regs.Ret = gate.ErrNoSuchSyscallRet }

func sysWrite(regs *gate.Registers) {
	buf := make([]byte, regs.Arg3)
	if err := usercopy.CopyFromUser(buf, uintptr(regs.Arg2)); err != nil {
		fail(regs)
		return
	}
	n, err := Write(int(regs.Arg1), buf)
	if err != nil {
		fail(regs)
		return
	}
	regs.Ret = uint32(n)
}

func sysRead(regs *gate.Registers) {
	buf := make([]byte, regs.Arg3)
	n, err := Read(int(regs.Arg1), buf)
	if err != nil {
		fail(regs)
		return
	}
	if err := usercopy.CopyToUser(uintptr(regs.Arg2), buf[:n]); err != nil {
		fail(regs)
		return
	}
	regs.Ret = uint32(n)
}

func sysOpen(regs *gate.Registers) {
	path, err := usercopy.CString(uintptr(regs.Arg1))
	if err != nil {
		fail(regs)
		return
	}
	fd, err := Open(path, int(regs.Arg2))
	if err != nil {
		fail(regs)
		return
	}
	regs.Ret = uint32(fd)
}

func sysClose(regs *gate.Registers) {
	if err := Close(int(regs.Arg1)); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

func sysSeek(regs *gate.Registers) {
	newOffset, err := Seek(int(regs.Arg1), int32(regs.Arg2), int(regs.Arg3))
	if err != nil {
		fail(regs)
		return
	}
	regs.Ret = uint32(newOffset)
}

func sysMkdir(regs *gate.Registers) {
	path, err := usercopy.CString(uintptr(regs.Arg1))
	if err != nil {
		fail(regs)
		return
	}
	if err := Mkdir(path); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

func sysRmdir(regs *gate.Registers) {
	path, err := usercopy.CString(uintptr(regs.Arg1))
	if err != nil {
		fail(regs)
		return
	}
	if err := Rmdir(path); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

func sysReaddir(regs *gate.Registers) {
	path, err := usercopy.CString(uintptr(regs.Arg1))
	if err != nil {
		fail(regs)
		return
	}
	node, ok := Readdir(path, int(regs.Arg2))
	if !ok {
		fail(regs)
		return
	}
	// Arg3 points at a caller-supplied buffer large enough for the name and
	// its NUL terminator; copy the NUL-terminated name and let the caller re-invoke with
	// index+1 to enumerate the rest.
	name := append([]byte(node.Name), 0)
	if err := usercopy.CopyToUser(uintptr(regs.Arg3), name); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

func sysUnlink(regs *gate.Registers) {
	path, err := usercopy.CString(uintptr(regs.Arg1))
	if err != nil {
		fail(regs)
		return
	}
	if err := Unlink(path); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

package ipc

import (
	"nucleos/kernel/gate"
	"nucleos/kernel/mem"
	"nucleos/kernel/proc"
	"nucleos/kernel/usercopy"
)

// Init registers this package's syscall handlers into the dispatch table.
// Called once from the boot sequence, after gate.Init.
func Init() {
	gate.Register(gate.SysPipe, sysPipe)
	gate.Register(gate.SysMsgGet, sysMsgGet)
	gate.Register(gate.SysMsgSnd, sysMsgSnd)
	gate.Register(gate.SysMsgRcv, sysMsgRcv)
	gate.Register(gate.SysMsgCtl, sysMsgCtl)
	gate.Register(gate.SysShmGet, sysShmGet)
	gate.Register(gate.SysShmAt, sysShmAt)
	gate.Register(gate.SysShmDt, sysShmDt)
	gate.Register(gate.SysShmCtl, sysShmCtl)
	gate.Register(gate.SysSignal, sysSignal)
	gate.Register(gate.SysKill, sysKill)
}

// fail writes the conventional -1-as-seen-by-user-mode failure value.
func fail(regs *gate.Registers) { regs.Ret = gate.ErrNoSuchSyscallRet }

func sysPipe(regs *gate.Registers) {
	readFD, writeFD, err := PipeCreate()
	if err != nil {
		fail(regs)
		return
	}
	// Arg1 points at a caller-supplied int[2]; fds are packed little-endian
	// the same way the i386 ABI packs every other multi-word return.
	out := make([]byte, 8)
	out[0], out[1], out[2], out[3] = byte(readFD), byte(readFD>>8), byte(readFD>>16), byte(readFD>>24)
	out[4], out[5], out[6], out[7] = byte(writeFD), byte(writeFD>>8), byte(writeFD>>16), byte(writeFD>>24)
	if regs.Arg1 != 0 {
		if err := usercopy.CopyToUser(uintptr(regs.Arg1), out); err != nil {
			fail(regs)
			return
		}
	}
	regs.Ret = 0
}

func sysMsgGet(regs *gate.Registers) {
	id, err := MsgGet(regs.Arg1)
	if err != nil {
		fail(regs)
		return
	}
	regs.Ret = uint32(id)
}

func sysMsgSnd(regs *gate.Registers) {
	payload := make([]byte, regs.Arg4)
	if err := usercopy.CopyFromUser(payload, uintptr(regs.Arg3)); err != nil {
		fail(regs)
		return
	}
	if err := MsgSend(int(regs.Arg1), regs.Arg2, payload); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

func sysMsgRcv(regs *gate.Registers) {
	msgType, payload, err := MsgReceive(int(regs.Arg1), regs.Arg2)
	if err != nil {
		fail(regs)
		return
	}
	if err := usercopy.CopyToUser(uintptr(regs.Arg3), payload); err != nil {
		fail(regs)
		return
	}
	regs.Ret = msgType
}

func sysMsgCtl(regs *gate.Registers) {
	if err := MsgRemove(int(regs.Arg1)); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

func sysShmGet(regs *gate.Registers) {
	id, err := ShmGet(regs.Arg1, mem.Size(regs.Arg2))
	if err != nil {
		fail(regs)
		return
	}
	regs.Ret = uint32(id)
}

func sysShmAt(regs *gate.Registers) {
	addr, err := ShmAttach(int(regs.Arg1))
	if err != nil {
		fail(regs)
		return
	}
	regs.Ret = uint32(addr)
}

func sysShmDt(regs *gate.Registers) {
	if err := ShmDetach(uintptr(regs.Arg1)); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

func sysShmCtl(regs *gate.Registers) {
	if err := ShmRemove(int(regs.Arg1)); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

// sysSignal only records that a handler exists for signum; actually
// trampolining into the registered user-mode address on delivery is left
// to the context-switch path that owns trap frame construction.
func sysSignal(regs *gate.Registers) {
	handlerAddr := regs.Arg2
	if err := SignalRegister(int(regs.Arg1), func(int) { _ = handlerAddr }); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

func sysKill(regs *gate.Registers) {
	if err := SignalSend(proc.PID(regs.Arg1), int(regs.Arg2)); err != nil {
		fail(regs)
		return
	}
	regs.Ret = 0
}

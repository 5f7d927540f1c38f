package ipc

import (
	"testing"

	"nucleos/kernel/proc"
)

// fakeProcesses is a tiny in-memory stand-in for kernel/proc used so signal
// tests never touch a real process table or address space.
type fakeProcesses struct {
	current   proc.PID
	existing  map[proc.PID]bool
	state     map[proc.PID]proc.State
	exitCodes map[proc.PID]int32
}

func newFakeProcesses(pids ...proc.PID) *fakeProcesses {
	f := &fakeProcesses{
		existing:  map[proc.PID]bool{},
		state:     map[proc.PID]proc.State{},
		exitCodes: map[proc.PID]int32{},
	}
	for _, p := range pids {
		f.existing[p] = true
		f.state[p] = proc.StateReady
	}
	return f
}

func (f *fakeProcesses) install() {
	currentFn = func() (proc.PID, bool) { return f.current, f.current != 0 }
	existsFn = func(p proc.PID) bool { return f.existing[p] }
	exitProcessFn = func(p proc.PID, code int32) {
		if f.existing[p] {
			f.state[p] = proc.StateTerminated
			f.exitCodes[p] = code
		}
	}
}

func resetSignals(t *testing.T, pids ...proc.PID) *fakeProcesses {
	t.Helper()
	signals = [64]signalState{}
	f := newFakeProcesses(pids...)
	f.install()
	return f
}

func TestSignalRegisterAndPending(t *testing.T) {
	f := resetSignals(t, 1)
	f.current = 1

	called := false
	if err := SignalRegister(SIGUSR1, func(int) { called = true }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := SignalSend(1, SIGUSR1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("expected SignalSend to only record the signal as pending, not invoke the handler")
	}
	if !SignalPending(SIGUSR1) {
		t.Fatal("expected SIGUSR1 to be pending")
	}
	if SignalPending(SIGUSR1) {
		t.Fatal("expected SignalPending to clear the flag once observed")
	}
}

func TestSignalSendDefaultActionForUnhandledKill(t *testing.T) {
	f := resetSignals(t, 1)

	if err := SignalSend(1, SIGKILL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.state[1] != proc.StateTerminated {
		t.Fatalf("expected an unhandled SIGKILL to terminate the process; got %v", f.state[1])
	}
	if f.exitCodes[1] != 128+SIGKILL {
		t.Fatalf("expected exit code %d; got %d", 128+SIGKILL, f.exitCodes[1])
	}
}

func TestSignalSendIgnoredWhenNoHandlerAndNotFatal(t *testing.T) {
	f := resetSignals(t, 1)

	if err := SignalSend(1, SIGUSR2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.state[1] == proc.StateTerminated {
		t.Fatal("expected an unhandled, non-fatal signal to be silently ignored")
	}
}

func TestSignalSendToUnknownProcessFails(t *testing.T) {
	resetSignals(t)

	if err := SignalSend(proc.PID(99999), SIGTERM); err != ErrNoSuchProcess {
		t.Fatalf("expected ErrNoSuchProcess; got %v", err)
	}
}

func TestSignalRegisterRequiresCurrentProcess(t *testing.T) {
	resetSignals(t)

	if err := SignalRegister(SIGINT, func(int) {}); err != ErrNoSuchProcess {
		t.Fatalf("expected ErrNoSuchProcess with no current process; got %v", err)
	}
}

func TestSignalOutOfRangeIsRejected(t *testing.T) {
	f := resetSignals(t, 1)
	f.current = 1

	if err := SignalRegister(maxSignals, func(int) {}); err != ErrBadSignal {
		t.Fatalf("expected ErrBadSignal; got %v", err)
	}
	if err := SignalSend(1, -1); err != ErrBadSignal {
		t.Fatalf("expected ErrBadSignal; got %v", err)
	}
}

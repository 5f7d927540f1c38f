package hal

import (
	"nucleos/device/tty"
	"nucleos/device/video/console"
	"nucleos/kernel/kfmt"
)

// legacyVideoBufferAddr is the physical address of the 80x25 VGA text-mode
// buffer. It is identity-mapped by the vmm during Init so it remains valid
// once paging is enabled.
const legacyVideoBufferAddr = 0xb8000

const (
	consoleWidth  = 80
	consoleHeight = 25
)

var (
	egaConsole = &console.Ega{}

	// ActiveTerminal is the terminal used for kernel console output.
	ActiveTerminal = &tty.Vt{}
)

// InitTerminal wires up the legacy text-mode console so the kernel can start
// emitting diagnostic output. There is no hardware probing here: this kernel
// targets a single, fixed video buffer address.
func InitTerminal() {
	egaConsole.Init(consoleWidth, consoleHeight, legacyVideoBufferAddr)
	ActiveTerminal.AttachTo(egaConsole)
	ActiveTerminal.Clear()

	kfmt.SetOutputSink(ActiveTerminal)
}

// +build 386

package irq

import "nucleos/kernel/cpu"

const (
	pic1Command = 0x20
	pic1Data    = 0x21
	pic2Command = 0xA0
	pic2Data    = 0xA1

	picEOI       = 0x20
	picICW1Init  = 0x10
	picICW1ICW4  = 0x01
	picICW4_8086 = 0x01
)

var (
	outBFn  = cpu.OutB
	inBFn   = cpu.InB
	ioWaitFn = cpu.IOWait
)

// remapPIC reprograms the master/slave 8259 PICs so that IRQs 0-15 are
// delivered as vectors 32-47 instead of their power-on default of 8-15,
// which overlaps the CPU exception vectors. The cascade line (IRQ2) chains
// the slave PIC to the master.
func remapPIC() {
	mask1 := inBFn(pic1Data)
	mask2 := inBFn(pic2Data)

	outBFn(pic1Command, picICW1Init|picICW1ICW4)
	ioWaitFn()
	outBFn(pic2Command, picICW1Init|picICW1ICW4)
	ioWaitFn()

	outBFn(pic1Data, irqVectorBase)
	ioWaitFn()
	outBFn(pic2Data, irqVectorBase+8)
	ioWaitFn()

	outBFn(pic1Data, 1<<uint(IRQCascade))
	ioWaitFn()
	outBFn(pic2Data, 2)
	ioWaitFn()

	outBFn(pic1Data, picICW4_8086)
	ioWaitFn()
	outBFn(pic2Data, picICW4_8086)
	ioWaitFn()

	// Restore the previously saved masks; individual IRQ lines are
	// unmasked as handlers are installed via HandleIRQ.
	outBFn(pic1Data, mask1)
	outBFn(pic2Data, mask2)
}

// sendEOI acknowledges an interrupt at the PIC(s). Interrupts delivered via
// the slave PIC (irqNum >= 8) require an EOI to both PICs.
func sendEOI(irqNum IRQNum) {
	if irqNum >= 8 {
		outBFn(pic2Command, picEOI)
	}
	outBFn(pic1Command, picEOI)
}

// enableIRQ clears the mask bit for irqNum, allowing it to be delivered.
func enableIRQ(irqNum IRQNum) {
	port, bit := picPortAndBit(irqNum)
	outBFn(port, inBFn(port)&^(1<<bit))
}

// disableIRQ sets the mask bit for irqNum, suppressing delivery.
func disableIRQ(irqNum IRQNum) {
	port, bit := picPortAndBit(irqNum)
	outBFn(port, inBFn(port)|(1<<bit))
}

func picPortAndBit(irqNum IRQNum) (port uint16, bit uint) {
	if irqNum < 8 {
		return pic1Data, uint(irqNum)
	}
	return pic2Data, uint(irqNum - 8)
}

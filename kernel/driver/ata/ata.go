// Package ata implements a PIO-driven ATA disk driver for the primary
// master device, satisfying kernel/vfs's BlockDevice interface. It is the
// boot sequence's storage collaborator: simplefs mounts against whatever
// BlockDevice it is handed, and this package is the one concrete device the
// boot sequence wires in.
package ata

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/vfs"
)

// Primary bus I/O ports.
const (
	portData    = 0x1F0
	portError   = 0x1F1
	portSector  = 0x1F2
	portLBALow  = 0x1F3
	portLBAMid  = 0x1F4
	portLBAHigh = 0x1F5
	portDrive   = 0x1F6
	portCommand = 0x1F7
	portStatus  = 0x1F7
)

// Commands.
const (
	cmdReadPIO  = 0x20
	cmdWritePIO = 0x30
	cmdFlush    = 0xE7
)

// Status register bits.
const (
	statusERR = 0x01
	statusDRQ = 0x08
	statusBSY = 0x80
)

// driveSelectLBA selects the master drive (drive bit 0) in LBA mode (bit 6).
const driveSelectLBA = 0xE0

// pollIterations bounds how long a wait loop spins for BSY to clear or DRQ
// to assert before giving up, matching ata_wait_ready/ata_wait_data's
// timeout in the original driver this was ported from.
const pollIterations = 100000

// ErrTimeout is returned when the device never leaves the busy state or
// never asserts a data request within pollIterations.
var ErrTimeout = &kernel.Error{Module: "ata", Message: "device timeout"}

// ErrDeviceFault is returned when the status register reports an error
// after a command completes.
var ErrDeviceFault = &kernel.Error{Module: "ata", Message: "device fault"}

// ErrBadBufferSize is returned when a caller supplies a buffer that is not
// exactly vfs.SectorSize bytes.
var ErrBadBufferSize = &kernel.Error{Module: "ata", Message: "buffer is not one sector"}

// the following indirections are mocked by tests and automatically inlined
// by the compiler in the real kernel build.
var (
	outBFn = cpu.OutB
	inBFn  = cpu.InB
	outWFn = cpu.OutW
	inWFn  = cpu.InW
)

// Device is a BlockDevice backed by the primary ATA bus's master drive.
type Device struct{}

// New returns a Device talking to the primary ATA bus's master drive. It
// does not probe for the device's presence: the first ReadSector/WriteSector
// call reports ErrTimeout if nothing answers.
func New() *Device {
	return &Device{}
}

var _ vfs.BlockDevice = (*Device)(nil)

// waitReady polls the status register until BSY clears, reporting whatever
// error condition it finds.
func waitReady() *kernel.Error {
	for i := 0; i < pollIterations; i++ {
		status := inBFn(portStatus)
		if status&statusBSY == 0 {
			if status&statusERR != 0 {
				return ErrDeviceFault
			}
			return nil
		}
	}
	return ErrTimeout
}

// waitData polls the status register until DRQ asserts.
func waitData() *kernel.Error {
	for i := 0; i < pollIterations; i++ {
		status := inBFn(portStatus)
		if status&statusERR != 0 {
			return ErrDeviceFault
		}
		if status&statusDRQ != 0 {
			return nil
		}
	}
	return ErrTimeout
}

// selectSector programs the drive, sector count and LBA registers for a
// single-sector PIO transfer.
func selectSector(lba uint32) {
	outBFn(portDrive, driveSelectLBA|uint8((lba>>24)&0x0f))
	outBFn(portSector, 1)
	outBFn(portLBALow, uint8(lba))
	outBFn(portLBAMid, uint8(lba>>8))
	outBFn(portLBAHigh, uint8(lba>>16))
}

// ReadSector fills buf, which must be exactly vfs.SectorSize bytes, with the
// contents of sector lba.
func (d *Device) ReadSector(lba uint32, buf []byte) *kernel.Error {
	if len(buf) != vfs.SectorSize {
		return ErrBadBufferSize
	}
	if err := waitReady(); err != nil {
		return err
	}

	selectSector(lba)
	outBFn(portCommand, cmdReadPIO)

	if err := waitData(); err != nil {
		return err
	}
	for i := 0; i < vfs.SectorSize; i += 2 {
		word := inWFn(portData)
		buf[i] = byte(word)
		buf[i+1] = byte(word >> 8)
	}
	return nil
}

// WriteSector writes buf, which must be exactly vfs.SectorSize bytes, to
// sector lba.
func (d *Device) WriteSector(lba uint32, buf []byte) *kernel.Error {
	if len(buf) != vfs.SectorSize {
		return ErrBadBufferSize
	}
	if err := waitReady(); err != nil {
		return err
	}

	selectSector(lba)
	outBFn(portCommand, cmdWritePIO)

	if err := waitData(); err != nil {
		return err
	}
	for i := 0; i < vfs.SectorSize; i += 2 {
		word := uint16(buf[i]) | uint16(buf[i+1])<<8
		outWFn(portData, word)
	}

	outBFn(portCommand, cmdFlush)
	return waitReady()
}

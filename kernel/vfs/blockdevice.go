package vfs

import "nucleos/kernel"

// SectorSize is the fixed sector size every BlockDevice speaks in, matching
// the PIO-driven ATA interface the boot sequence wires in.
const SectorSize = 512

// BlockDevice is the narrow interface a file system driver needs from the
// underlying storage. The façade never implements one itself: a PIO ATA
// driver sits behind this interface as an external collaborator, wired in
// at boot and handed to Mount.
type BlockDevice interface {
	// ReadSector fills buf (which must be exactly SectorSize bytes) with
	// the contents of sector lba.
	ReadSector(lba uint32, buf []byte) *kernel.Error
	// WriteSector writes buf (exactly SectorSize bytes) to sector lba.
	WriteSector(lba uint32, buf []byte) *kernel.Error
}

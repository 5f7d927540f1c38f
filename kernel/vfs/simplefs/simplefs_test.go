package simplefs

import (
	"testing"

	"nucleos/kernel"
	"nucleos/kernel/vfs"
)

// memDevice is an in-memory vfs.BlockDevice standing in for a real PIO ATA
// disk so tests never touch actual hardware.
type memDevice struct {
	sectors map[uint32][]byte
}

func newMemDevice() *memDevice {
	return &memDevice{sectors: map[uint32][]byte{}}
}

func (d *memDevice) ReadSector(lba uint32, buf []byte) *kernel.Error {
	if s, ok := d.sectors[lba]; ok {
		copy(buf, s)
	} else {
		for i := range buf {
			buf[i] = 0
		}
	}
	return nil
}

func (d *memDevice) WriteSector(lba uint32, buf []byte) *kernel.Error {
	cp := make([]byte, blockSize)
	copy(cp, buf)
	d.sectors[lba] = cp
	return nil
}

// formatEmpty writes a fresh superblock, an empty bitmap and a single root
// directory inode, mirroring what a host-side image builder would produce.
func formatEmpty(dev *memDevice) {
	hdrBuf := make([]byte, blockSize)
	*headerAt(hdrBuf) = header{
		Magic:       magic,
		Version:     formatVersion,
		RootInode:   0,
		TotalBlocks: totalBlocks,
		FreeBlocks:  totalBlocks - dataBlockStart,
	}
	dev.WriteSector(headerBlock, hdrBuf)
	dev.WriteSector(bitmapBlock, make([]byte, blockSize))

	rootBuf := make([]byte, blockSize)
	*inodeAt(rootBuf) = onDiskInode{Used: 1, Type: onDiskDir}
	dev.WriteSector(inodeTableStart, rootBuf)

	for i := uint32(1); i < maxInodes; i++ {
		dev.WriteSector(inodeTableStart+i, make([]byte, blockSize))
	}
}

func addInode(dev *memDevice, inum uint32, ino onDiskInode) {
	buf := make([]byte, blockSize)
	*inodeAt(buf) = ino
	dev.WriteSector(inodeTableStart+inum, buf)
}

func nameBytes(s string) [nameMax]byte {
	var b [nameMax]byte
	copy(b[:], s)
	return b
}

func TestMountRejectsBadMagic(t *testing.T) {
	dev := newMemDevice()
	dev.WriteSector(headerBlock, make([]byte, blockSize))

	fs := New()
	if _, err := fs.Mount(dev); err != ErrBadSuperblock {
		t.Fatalf("expected ErrBadSuperblock; got %v", err)
	}
}

func TestMountBuildsTreeFromParentInodeLinks(t *testing.T) {
	dev := newMemDevice()
	formatEmpty(dev)
	addInode(dev, 1, onDiskInode{
		Used: 1, Type: onDiskFile, ParentInode: 0,
		Name: nameBytes("readme"), Size: 5,
	})

	fs := New()
	root, err := fs.Mount(dev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root.Type != vfs.TypeDir {
		t.Fatalf("expected the root inode to mount as a directory")
	}
	if root.Child == nil || root.Child.Name != "readme" {
		t.Fatalf("expected \"readme\" linked under root; got %+v", root.Child)
	}
}

func TestReadWriteRoundTripAcrossBlocks(t *testing.T) {
	dev := newMemDevice()
	formatEmpty(dev)
	addInode(dev, 1, onDiskInode{Used: 1, Type: onDiskFile, Name: nameBytes("big")})

	fs := New()
	root, err := fs.Mount(dev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	file := root.Child

	payload := make([]byte, blockSize+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	drv := file.Ops.(*driver)
	n, werr := drv.Write(file, 0, payload)
	if werr != nil {
		t.Fatalf("unexpected error: %v", werr)
	}
	if n != len(payload) {
		t.Fatalf("expected to write %d bytes; wrote %d", len(payload), n)
	}

	out := make([]byte, len(payload))
	n, rerr := drv.Read(file, 0, out)
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if n != len(payload) {
		t.Fatalf("expected to read %d bytes; read %d", len(payload), n)
	}
	for i := range payload {
		if out[i] != payload[i] {
			t.Fatalf("byte %d mismatch: wrote %d, read %d", i, payload[i], out[i])
		}
	}
}

func TestWriteBeyondMaxFileSizeFails(t *testing.T) {
	dev := newMemDevice()
	formatEmpty(dev)
	addInode(dev, 1, onDiskInode{Used: 1, Type: onDiskFile, Name: nameBytes("huge")})

	fs := New()
	root, _ := fs.Mount(dev)
	file := root.Child
	drv := file.Ops.(*driver)

	payload := make([]byte, maxFileSize+blockSize)
	n, err := drv.Write(file, 0, payload)
	if err != ErrFileTooLarge {
		t.Fatalf("expected ErrFileTooLarge; got %v", err)
	}
	if n != maxFileSize {
		t.Fatalf("expected to write exactly the capped %d bytes; wrote %d", maxFileSize, n)
	}
}

func TestUnlinkFreesBlocksBackToBitmap(t *testing.T) {
	dev := newMemDevice()
	formatEmpty(dev)
	addInode(dev, 1, onDiskInode{Used: 1, Type: onDiskFile, Name: nameBytes("f")})

	fs := New()
	root, _ := fs.Mount(dev)
	file := root.Child
	drv := file.Ops.(*driver)

	drv.Write(file, 0, []byte("data"))
	vol := drv.vol
	inoBefore, _ := vol.readInode(1)
	block := inoBefore.Blocks[0]
	if block == 0 {
		t.Fatal("expected a block to have been allocated")
	}
	if !bitSet(vol.bitmap[:], block) {
		t.Fatal("expected the allocated block to be marked used in the bitmap")
	}

	if err := drv.Unlink(file); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bitSet(vol.bitmap[:], block) {
		t.Fatal("expected the block to be freed in the bitmap after unlink")
	}
	inoAfter, _ := vol.readInode(1)
	if inoAfter.Used != 0 {
		t.Fatal("expected the inode slot to be cleared after unlink")
	}
}

func TestAllocBlockReportsExhaustion(t *testing.T) {
	dev := newMemDevice()
	formatEmpty(dev)
	full := make([]byte, blockSize)
	for i := range full {
		full[i] = 0xFF
	}
	dev.WriteSector(bitmapBlock, full)

	addInode(dev, 1, onDiskInode{Used: 1, Type: onDiskFile, Name: nameBytes("f")})

	fs := New()
	root, err := fs.Mount(dev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	file := root.Child

	drv := file.Ops.(*driver)
	if _, err := drv.Write(file, 0, []byte("x")); err != ErrNoFreeBlocks {
		t.Fatalf("expected ErrNoFreeBlocks; got %v", err)
	}
}

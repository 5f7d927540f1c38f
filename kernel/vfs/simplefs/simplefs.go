// Package simplefs implements the flat, fixed-capacity on-disk file system
// the reference kernel ships: a single 512-byte header block, a one-block
// free-block bitmap, a 16-entry direct-indexed inode table and a data
// region addressed only through each inode's 16 direct block pointers (no
// indirect blocks, capping a file at 8KiB). It is registered with
// kernel/vfs as a FileSystem and never touched directly by callers once
// mounted.
package simplefs

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/vfs"
)

const (
	blockSize = vfs.SectorSize

	headerBlock     = 0
	bitmapBlock     = 1
	inodeTableStart = 2
	maxInodes       = 16
	dataBlockStart  = inodeTableStart + maxInodes // 18

	directBlocks  = 16
	maxFileBlocks = directBlocks
	maxFileSize   = maxFileBlocks * blockSize

	nameMax = 224

	magic         = 0x504D4953 // "SIMP"
	formatVersion = 1

	// totalBlocks is the number of blocks the bitmap can address: one bit
	// per block in a single 512-byte cache, per the on-disk format.
	totalBlocks = blockSize * 8
)

// on-disk node types, distinct from vfs.NodeType.
const (
	onDiskFile = 1
	onDiskDir  = 2
)

// header is the on-disk layout of block 0, overlaid directly onto a raw
// sector buffer the way kernel/heap overlays its block headers onto heap
// memory.
type header struct {
	Magic       uint32
	Version     uint32
	RootInode   uint32
	TotalBlocks uint32
	FreeBlocks  uint32
	Label       [32]byte
}

func headerAt(buf []byte) *header {
	return (*header)(unsafe.Pointer(&buf[0]))
}

// onDiskInode is the on-disk layout of one inode-table block. Every field
// preceding Name is a uint32 (or an array of them), so there is no compiler
// padding ahead of the trailing byte array.
type onDiskInode struct {
	Used        uint32
	Type        uint32
	Size        uint32
	Blocks      [directBlocks]uint32
	ParentInode uint32
	Permissions uint32
	Owner       uint32
	Group       uint32
	CreatedAt   uint32
	ModifiedAt  uint32
	AccessedAt  uint32
	Name        [nameMax]byte
}

func inodeAt(buf []byte) *onDiskInode {
	return (*onDiskInode)(unsafe.Pointer(&buf[0]))
}

var (
	// ErrBadSuperblock is returned by Mount when the device's header
	// block does not carry the expected magic number.
	ErrBadSuperblock = &kernel.Error{Module: "simplefs", Message: "bad superblock magic"}

	// ErrNoFreeInodes is returned when the 16-entry inode table is full.
	ErrNoFreeInodes = &kernel.Error{Module: "simplefs", Message: "no free inodes"}

	// ErrNoFreeBlocks is returned when the bitmap has no block left to
	// allocate.
	ErrNoFreeBlocks = &kernel.Error{Module: "simplefs", Message: "no free data blocks"}

	// ErrFileTooLarge is returned by Write once a file would need more
	// than maxFileBlocks direct blocks.
	ErrFileTooLarge = &kernel.Error{Module: "simplefs", Message: "file exceeds maximum size"}
)

// volume is the live, mounted state of one simplefs instance: the device
// it reads and writes through, its cached header and free-block bitmap.
type volume struct {
	dev    vfs.BlockDevice
	hdr    header
	bitmap [blockSize]byte
}

func (v *volume) writeHeader() *kernel.Error {
	buf := make([]byte, blockSize)
	*headerAt(buf) = v.hdr
	return v.dev.WriteSector(headerBlock, buf)
}

func (v *volume) writeBitmap() *kernel.Error {
	buf := make([]byte, blockSize)
	copy(buf, v.bitmap[:])
	return v.dev.WriteSector(bitmapBlock, buf)
}

func bitSet(bitmap []byte, bit uint32) bool {
	return bitmap[bit/8]&(1<<(bit%8)) != 0
}

func bitmapMark(bitmap []byte, bit uint32, used bool) {
	if used {
		bitmap[bit/8] |= 1 << (bit % 8)
	} else {
		bitmap[bit/8] &^= 1 << (bit % 8)
	}
}

// allocBlock claims the lowest-numbered free data block, marks it used in
// the cached bitmap and persists the bitmap immediately.
func (v *volume) allocBlock() (uint32, *kernel.Error) {
	for b := uint32(dataBlockStart); b < totalBlocks; b++ {
		if !bitSet(v.bitmap[:], b) {
			bitmapMark(v.bitmap[:], b, true)
			if err := v.writeBitmap(); err != nil {
				return 0, err
			}
			if v.hdr.FreeBlocks > 0 {
				v.hdr.FreeBlocks--
				v.writeHeader()
			}
			return b, nil
		}
	}
	return 0, ErrNoFreeBlocks
}

func (v *volume) freeBlock(b uint32) {
	if b == 0 {
		return
	}
	bitmapMark(v.bitmap[:], b, false)
	v.writeBitmap()
	v.hdr.FreeBlocks++
	v.writeHeader()
}

func (v *volume) readInode(inum uint32) (onDiskInode, *kernel.Error) {
	buf := make([]byte, blockSize)
	if err := v.dev.ReadSector(inodeTableStart+inum, buf); err != nil {
		return onDiskInode{}, err
	}
	return *inodeAt(buf), nil
}

func (v *volume) writeInode(inum uint32, ino *onDiskInode) *kernel.Error {
	buf := make([]byte, blockSize)
	*inodeAt(buf) = *ino
	return v.dev.WriteSector(inodeTableStart+inum, buf)
}

// fsData is what simplefs attaches to every vfs.Node it hands back: enough
// to find the node's inode again without re-walking the tree.
type fsData struct {
	vol   *volume
	inode uint32
}

// driver implements vfs.Ops against a single mounted volume. Every node
// simplefs creates shares the same driver instance.
type driver struct {
	vol *volume
}

// FS adapts simplefs to kernel/vfs.FileSystem.
type FS struct{}

// New returns a simplefs driver ready to register with vfs.RegisterFilesystem.
func New() *FS { return &FS{} }

func (*FS) Name() string { return "simplefs" }

// Mount reads dev's superblock and inode table and builds the in-memory
// vfs.Node tree simplefs presents. Directory structure is reconstructed
// from each inode's ParentInode field rather than a separate on-disk
// directory-entry format: with only maxInodes entries total, a full scan
// of the table is cheap and needs no auxiliary structure.
func (*FS) Mount(dev vfs.BlockDevice) (*vfs.Node, *kernel.Error) {
	hdrBuf := make([]byte, blockSize)
	if err := dev.ReadSector(headerBlock, hdrBuf); err != nil {
		return nil, err
	}
	hdr := *headerAt(hdrBuf)
	if hdr.Magic != magic {
		return nil, ErrBadSuperblock
	}

	v := &volume{dev: dev, hdr: hdr}
	bmBuf := make([]byte, blockSize)
	if err := dev.ReadSector(bitmapBlock, bmBuf); err != nil {
		return nil, err
	}
	copy(v.bitmap[:], bmBuf)

	drv := &driver{vol: v}

	nodes := make(map[uint32]*vfs.Node, maxInodes)
	disk := make(map[uint32]onDiskInode, maxInodes)
	for inum := uint32(0); inum < maxInodes; inum++ {
		ino, err := v.readInode(inum)
		if err != nil {
			return nil, err
		}
		if ino.Used == 0 {
			continue
		}
		disk[inum] = ino
		nodes[inum] = &vfs.Node{
			Name:        cString(ino.Name[:]),
			Type:        diskTypeToNodeType(ino.Type),
			Size:        ino.Size,
			Inode:       inum,
			Permissions: ino.Permissions,
			Owner:       ino.Owner,
			Group:       ino.Group,
			CreatedAt:   ino.CreatedAt,
			ModifiedAt:  ino.ModifiedAt,
			AccessedAt:  ino.AccessedAt,
			Ops:         drv,
			FSData:      &fsData{vol: v, inode: inum},
		}
	}

	for inum, n := range nodes {
		ino := disk[inum]
		if inum == hdr.RootInode {
			continue
		}
		parent, ok := nodes[ino.ParentInode]
		if !ok {
			continue
		}
		n.Parent = parent
		n.Next = parent.Child
		parent.Child = n
	}

	rootNode, ok := nodes[hdr.RootInode]
	if !ok {
		rootNode = &vfs.Node{
			Type:   vfs.TypeDir,
			Inode:  hdr.RootInode,
			Ops:    drv,
			FSData: &fsData{vol: v, inode: hdr.RootInode},
		}
	}
	return rootNode, nil
}

func diskTypeToNodeType(t uint32) vfs.NodeType {
	if t == onDiskDir {
		return vfs.TypeDir
	}
	return vfs.TypeFile
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (d *driver) data(n *vfs.Node) *fsData { return n.FSData.(*fsData) }

// Read copies up to len(buf) bytes starting at offset out of n's direct
// data blocks.
func (d *driver) Read(n *vfs.Node, offset uint32, buf []byte) (int, *kernel.Error) {
	fd := d.data(n)
	ino, err := fd.vol.readInode(fd.inode)
	if err != nil {
		return 0, err
	}
	if offset >= ino.Size {
		return 0, nil
	}
	remaining := ino.Size - offset
	want := uint32(len(buf))
	if want > remaining {
		want = remaining
	}

	var total uint32
	block := make([]byte, blockSize)
	for total < want {
		idx := (offset + total) / blockSize
		if idx >= directBlocks || ino.Blocks[idx] == 0 {
			break
		}
		if err := fd.vol.dev.ReadSector(ino.Blocks[idx], block); err != nil {
			return int(total), err
		}
		within := (offset + total) % blockSize
		n := blockSize - within
		if remain := want - total; n > remain {
			n = remain
		}
		copy(buf[total:total+n], block[within:within+n])
		total += n
	}
	return int(total), nil
}

// Write stores len(buf) bytes at offset, allocating new direct blocks as
// needed, up to maxFileSize.
func (d *driver) Write(n *vfs.Node, offset uint32, buf []byte) (int, *kernel.Error) {
	fd := d.data(n)
	ino, err := fd.vol.readInode(fd.inode)
	if err != nil {
		return 0, err
	}

	var total uint32
	block := make([]byte, blockSize)
	for total < uint32(len(buf)) {
		idx := (offset + total) / blockSize
		if idx >= directBlocks {
			break
		}
		if ino.Blocks[idx] == 0 {
			blk, err := fd.vol.allocBlock()
			if err != nil {
				return int(total), err
			}
			ino.Blocks[idx] = blk
		}
		within := (offset + total) % blockSize
		space := blockSize - within
		remain := uint32(len(buf)) - total
		if space > remain {
			space = remain
		}
		if err := fd.vol.dev.ReadSector(ino.Blocks[idx], block); err != nil {
			return int(total), err
		}
		copy(block[within:within+space], buf[total:total+space])
		if err := fd.vol.dev.WriteSector(ino.Blocks[idx], block); err != nil {
			return int(total), err
		}
		total += space
	}

	if offset+total > ino.Size {
		ino.Size = offset + total
	}
	n.Size = ino.Size
	if err := fd.vol.writeInode(fd.inode, &ino); err != nil {
		return int(total), err
	}
	if total < uint32(len(buf)) {
		return int(total), ErrFileTooLarge
	}
	return int(total), nil
}

// Open is a no-op: simplefs keeps no per-open-handle state beyond what the
// façade's descriptor table already tracks.
func (d *driver) Open(n *vfs.Node, flags int) *kernel.Error { return nil }

// Close is a no-op for the same reason as Open.
func (d *driver) Close(n *vfs.Node) *kernel.Error { return nil }

// Unlink frees every data block the node owns and zeroes its inode slot.
func (d *driver) Unlink(n *vfs.Node) *kernel.Error {
	fd := d.data(n)
	ino, err := fd.vol.readInode(fd.inode)
	if err != nil {
		return err
	}
	for _, b := range ino.Blocks {
		fd.vol.freeBlock(b)
	}
	return fd.vol.writeInode(fd.inode, &onDiskInode{})
}

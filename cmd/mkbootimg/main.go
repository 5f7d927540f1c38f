// Command mkbootimg builds a flat simplefs disk image from a YAML manifest,
// ready for a boot loader to hand to the kernel as its root block device.
//
// The on-disk layout written here must stay byte-for-byte compatible with
// kernel/vfs/simplefs's reader: block 0 is the superblock, block 1 the
// free-block bitmap, blocks 2-17 the 16-entry inode table, and data starts
// at block 18. Every manifest file becomes one inode at the root directory;
// simplefs has no subdirectory support to speak of in a 16-inode volume, so
// the manifest is deliberately flat.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	blockSize = 512

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

	totalBlocks = blockSize * 8 // one bit per block in a single 512-byte bitmap

	onDiskFile = 1
	onDiskDir  = 2

	rootInode = 0
)

// onDiskInode field offsets, matching kernel/vfs/simplefs.onDiskInode's
// field order exactly (every field ahead of Name is a uint32 or an array of
// them, so there is no struct padding to account for).
const (
	offUsed     = 0
	offType     = 4
	offSize     = 8
	offBlocks   = 12
	offParent   = offBlocks + directBlocks*4 // 76
	offPerm     = offParent + 4
	offOwner    = offPerm + 4
	offGroup    = offOwner + 4
	offCreated  = offGroup + 4
	offModified = offCreated + 4
	offAccessed = offModified + 4
	offName     = offAccessed + 4 // 104
)

type manifest struct {
	Label string `yaml:"label"`
	Files []struct {
		Path   string `yaml:"path"`
		Source string `yaml:"source"`
	} `yaml:"files"`
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "mkbootimg: %s\n", err.Error())
	os.Exit(1)
}

// image accumulates the disk contents block by block as they are decided;
// it is flushed to a file only once every inode and data block is final.
type image struct {
	blocks [][]byte
	bitmap [blockSize]byte
	free   uint32
	next   uint32 // next unallocated data block
}

func newImage() *image {
	img := &image{
		blocks: make([][]byte, totalBlocks),
		free:   totalBlocks,
		next:   dataBlockStart,
	}
	for i := range img.blocks {
		img.blocks[i] = make([]byte, blockSize)
	}
	for b := 0; b < dataBlockStart; b++ {
		img.markUsed(uint32(b))
	}
	return img
}

func (img *image) markUsed(block uint32) {
	img.bitmap[block/8] |= 1 << (block % 8)
	img.free--
}

func (img *image) allocBlock() (uint32, error) {
	if img.next >= totalBlocks {
		return 0, errors.New("disk image exhausted")
	}
	b := img.next
	img.next++
	img.markUsed(b)
	return b, nil
}

func (img *image) writeInode(inum uint32, typ uint32, size uint32, blockList []uint32, parent uint32, name string) error {
	if inum >= maxInodes {
		return fmt.Errorf("inode table exhausted at %d entries", maxInodes)
	}
	if len(name) >= nameMax {
		return fmt.Errorf("name %q too long for a %d-byte field", name, nameMax)
	}
	buf := img.blocks[inodeTableStart+inum]
	binary.LittleEndian.PutUint32(buf[offUsed:], 1)
	binary.LittleEndian.PutUint32(buf[offType:], typ)
	binary.LittleEndian.PutUint32(buf[offSize:], size)
	for i := 0; i < directBlocks; i++ {
		var b uint32
		if i < len(blockList) {
			b = blockList[i]
		}
		binary.LittleEndian.PutUint32(buf[offBlocks+i*4:], b)
	}
	binary.LittleEndian.PutUint32(buf[offParent:], parent)
	copy(buf[offName:offName+nameMax], name)
	return nil
}

func (img *image) addFile(inum uint32, name string, data []byte) error {
	if len(data) > maxFileSize {
		return fmt.Errorf("%s: %d bytes exceeds the %d-byte maximum file size", name, len(data), maxFileSize)
	}

	var blockList []uint32
	for off := 0; off < len(data); off += blockSize {
		b, err := img.allocBlock()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		copy(img.blocks[b], data[off:end])
		blockList = append(blockList, b)
	}
	return img.writeInode(inum, onDiskFile, uint32(len(data)), blockList, rootInode, name)
}

func (img *image) finalize(label string) {
	copy(img.blocks[bitmapBlock], img.bitmap[:])

	hdr := img.blocks[headerBlock]
	binary.LittleEndian.PutUint32(hdr[0:], magic)
	binary.LittleEndian.PutUint32(hdr[4:], formatVersion)
	binary.LittleEndian.PutUint32(hdr[8:], rootInode)
	binary.LittleEndian.PutUint32(hdr[12:], totalBlocks)
	binary.LittleEndian.PutUint32(hdr[16:], img.free)
	copy(hdr[20:20+32], label)
}

func (img *image) writeTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, b := range img.blocks {
		if _, err := f.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func build(m *manifest, outPath string) error {
	if len(m.Files) > maxInodes-1 {
		return fmt.Errorf("%d files requested but only %d inodes are available (one is reserved for root)", len(m.Files), maxInodes-1)
	}

	img := newImage()
	if err := img.writeInode(rootInode, onDiskDir, 0, nil, rootInode, "/"); err != nil {
		return err
	}

	for i, f := range m.Files {
		data, err := os.ReadFile(f.Source)
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.Source, err)
		}
		if err := img.addFile(uint32(i+1), f.Path, data); err != nil {
			return err
		}
	}

	img.finalize(m.Label)
	return img.writeTo(outPath)
}

func main() {
	manifestPath := flag.String("manifest", "", "path to the YAML boot image manifest")
	outPath := flag.String("out", "boot.img", "path to write the resulting disk image")
	flag.Parse()

	if *manifestPath == "" {
		exit(errors.New("-manifest is required"))
	}

	raw, err := os.ReadFile(*manifestPath)
	if err != nil {
		exit(err)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		exit(fmt.Errorf("parsing manifest: %w", err))
	}

	if err := build(&m, *outPath); err != nil {
		exit(err)
	}
}

package vfs

import (
	"strings"

	"nucleos/kernel"
	"nucleos/kernel/proc"
)

// Seek whence values, matching lseek's SEEK_SET/SEEK_CUR/SEEK_END.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

const (
	maxProcSlots  = 64 // mirrors kernel/proc's own table capacity
	maxFDsPerProc = 32

	// FD 0, 1 and 2 are reserved for console stdin/stdout/stderr and are
	// never handed out by Open.
	firstAllocatableFD = 3
)

type descriptor struct {
	inUse  bool
	node   *Node
	offset uint32
	flags  int
}

var fdTables [maxProcSlots][maxFDsPerProc]descriptor

var (
	// ErrNotFound is returned when a path does not resolve to any node.
	ErrNotFound = &kernel.Error{Module: "vfs", Message: "no such file or directory"}

	// ErrNotDir is returned when a path component that must be a
	// directory is not one.
	ErrNotDir = &kernel.Error{Module: "vfs", Message: "not a directory"}

	// ErrIsDir is returned when an operation that requires a plain file
	// is given a directory.
	ErrIsDir = &kernel.Error{Module: "vfs", Message: "is a directory"}

	// ErrExists is returned by Mkdir when the target name already exists.
	ErrExists = &kernel.Error{Module: "vfs", Message: "file exists"}

	// ErrNotEmpty is returned by Rmdir on a non-empty directory.
	ErrNotEmpty = &kernel.Error{Module: "vfs", Message: "directory not empty"}

	// ErrNoFreeFD is returned by Open when a process has exhausted its
	// descriptor table.
	ErrNoFreeFD = &kernel.Error{Module: "vfs", Message: "no free file descriptors"}

	// ErrBadFD is returned by any descriptor-taking operation given an
	// out-of-range or unopened fd.
	ErrBadFD = &kernel.Error{Module: "vfs", Message: "bad file descriptor"}

	// ErrNoSuchProcess mirrors kernel/proc's own sentinel for operations
	// that require a current process.
	ErrNoSuchProcess = &kernel.Error{Module: "vfs", Message: "no such process"}
)

var root = newDirNode("/", nil)

// mocked by tests; wired to the real process table in the kernel build.
var currentFn = proc.Current

func currentSlot() (int, *kernel.Error) {
	pid, ok := currentFn()
	if !ok {
		return 0, ErrNoSuchProcess
	}
	return int(pid) % maxProcSlots, nil
}

// Root returns the root directory node, for callers (Mount, the boot
// sequence) that need to graft or inspect the tree directly.
func Root() *Node { return root }

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// resolve walks path from root, returning the node it names.
func resolve(path string) (*Node, *kernel.Error) {
	parts := splitPath(path)
	node := root
	for _, name := range parts {
		if node.Type != TypeDir {
			return nil, ErrNotDir
		}
		child := findChild(node, name)
		if child == nil {
			return nil, ErrNotFound
		}
		node = child
	}
	return node, nil
}

// splitParent resolves path's parent directory and returns it alongside
// the final path component.
func splitParent(path string) (*Node, string, *kernel.Error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", ErrNotFound
	}
	leaf := parts[len(parts)-1]
	parent := root
	for _, name := range parts[:len(parts)-1] {
		if parent.Type != TypeDir {
			return nil, "", ErrNotDir
		}
		child := findChild(parent, name)
		if child == nil {
			return nil, "", ErrNotFound
		}
		parent = child
	}
	return parent, leaf, nil
}

func allocFD(slot int, node *Node, flags int) (int, *kernel.Error) {
	table := &fdTables[slot]
	for i := firstAllocatableFD; i < maxFDsPerProc; i++ {
		if !table[i].inUse {
			table[i] = descriptor{inUse: true, node: node, flags: flags}
			return i, nil
		}
	}
	return 0, ErrNoFreeFD
}

func lookupFD(slot, fd int) (*descriptor, *kernel.Error) {
	if fd < 0 || fd >= maxFDsPerProc || !fdTables[slot][fd].inUse {
		return nil, ErrBadFD
	}
	return &fdTables[slot][fd], nil
}

// Open resolves path and installs it in the caller's descriptor table,
// returning the new descriptor number. flags is opaque to the façade and
// passed through to the node's Open hook, if it has one.
func Open(path string, flags int) (int, *kernel.Error) {
	slot, err := currentSlot()
	if err != nil {
		return 0, err
	}
	node, err := resolve(path)
	if err != nil {
		return 0, err
	}
	if node.Ops != nil {
		if err := node.Ops.Open(node, flags); err != nil {
			return 0, err
		}
	}
	return allocFD(slot, node, flags)
}

// Close releases fd from the caller's descriptor table.
func Close(fd int) *kernel.Error {
	slot, err := currentSlot()
	if err != nil {
		return err
	}
	d, err := lookupFD(slot, fd)
	if err != nil {
		return err
	}
	if d.node.Ops != nil {
		if err := d.node.Ops.Close(d.node); err != nil {
			return err
		}
	}
	*d = descriptor{}
	return nil
}

// Read fills buf from fd's current offset and advances it by the number of
// bytes actually read.
func Read(fd int, buf []byte) (int, *kernel.Error) {
	slot, err := currentSlot()
	if err != nil {
		return 0, err
	}
	d, err := lookupFD(slot, fd)
	if err != nil {
		return 0, err
	}
	if d.node.Type == TypeDir {
		return 0, ErrIsDir
	}
	if d.node.Ops == nil {
		return 0, nil
	}
	n, err := d.node.Ops.Read(d.node, d.offset, buf)
	if err != nil {
		return 0, err
	}
	d.offset += uint32(n)
	return n, nil
}

// Write pushes buf to fd's current offset and advances it by the number of
// bytes actually written.
func Write(fd int, buf []byte) (int, *kernel.Error) {
	slot, err := currentSlot()
	if err != nil {
		return 0, err
	}
	d, err := lookupFD(slot, fd)
	if err != nil {
		return 0, err
	}
	if d.node.Type == TypeDir {
		return 0, ErrIsDir
	}
	if d.node.Ops == nil {
		return 0, nil
	}
	n, err := d.node.Ops.Write(d.node, d.offset, buf)
	if err != nil {
		return 0, err
	}
	d.offset += uint32(n)
	if d.offset > d.node.Size {
		d.node.Size = d.offset
	}
	return n, nil
}

// Seek repositions fd per whence and returns the resulting absolute offset.
func Seek(fd int, offset int32, whence int) (int32, *kernel.Error) {
	slot, err := currentSlot()
	if err != nil {
		return 0, err
	}
	d, err := lookupFD(slot, fd)
	if err != nil {
		return 0, err
	}
	var base int32
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int32(d.offset)
	case SeekEnd:
		base = int32(d.node.Size)
	default:
		return 0, ErrBadFD
	}
	newOffset := base + offset
	if newOffset < 0 {
		newOffset = 0
	}
	d.offset = uint32(newOffset)
	return newOffset, nil
}

// Mkdir creates an empty in-memory directory node at path. The file system
// backing the parent directory, if any, is not consulted: directories
// created this way live only in the façade's tree until a real driver
// claims them through Mount.
func Mkdir(path string) *kernel.Error {
	parent, name, err := splitParent(path)
	if err != nil {
		return err
	}
	if parent.Type != TypeDir {
		return ErrNotDir
	}
	if findChild(parent, name) != nil {
		return ErrExists
	}
	addChild(parent, newDirNode(name, parent))
	return nil
}

// Rmdir removes the empty directory at path.
func Rmdir(path string) *kernel.Error {
	node, err := resolve(path)
	if err != nil {
		return err
	}
	if node == root {
		return ErrNotDir
	}
	if node.Type != TypeDir {
		return ErrNotDir
	}
	if node.Child != nil {
		return ErrNotEmpty
	}
	if node.Ops != nil {
		if err := node.Ops.Unlink(node); err != nil {
			return err
		}
	}
	removeChild(node.Parent, node)
	return nil
}

// Unlink removes the file at path.
func Unlink(path string) *kernel.Error {
	node, err := resolve(path)
	if err != nil {
		return err
	}
	if node.Type == TypeDir {
		return ErrIsDir
	}
	if node.Ops != nil {
		if err := node.Ops.Unlink(node); err != nil {
			return err
		}
	}
	removeChild(node.Parent, node)
	return nil
}

// Readdir returns the index'th child of the directory at path, most
// recently added first, and whether one exists.
func Readdir(path string, index int) (*Node, bool) {
	node, err := resolve(path)
	if err != nil || node.Type != TypeDir {
		return nil, false
	}
	i := 0
	for c := node.Child; c != nil; c = c.Next {
		if i == index {
			return c, true
		}
		i++
	}
	return nil, false
}

// FileSystem is implemented by a concrete on-disk (or synthetic) file
// system driver, registered once and then attachable at arbitrary mount
// points via Mount.
type FileSystem interface {
	// Name identifies the file system type, e.g. "simplefs".
	Name() string
	// Mount reads dev's root directory and returns the node that should
	// be grafted at the mount point.
	Mount(dev BlockDevice) (*Node, *kernel.Error)
}

var filesystems = map[string]FileSystem{}

// RegisterFilesystem makes fs available to Mount under fs.Name().
func RegisterFilesystem(fs FileSystem) {
	filesystems[fs.Name()] = fs
}

// Mount grafts the root of dev's file system, of the named type, onto the
// existing tree at mountpoint. mountpoint must already exist as a directory;
// it is not checked for emptiness, and the mounted root takes its place in
// the tree, so any nodes beneath it are no longer reachable.
func Mount(mountpoint, fsType string, dev BlockDevice) *kernel.Error {
	fs, ok := filesystems[fsType]
	if !ok {
		return ErrNotFound
	}
	target, err := resolve(mountpoint)
	if err != nil {
		return err
	}
	if target.Type != TypeDir {
		return ErrNotDir
	}
	fsRoot, err := fs.Mount(dev)
	if err != nil {
		return err
	}
	fsRoot.Name = target.Name
	fsRoot.Parent = target.Parent
	fsRoot.Next = target.Next
	if target.Parent == nil {
		root = fsRoot
	} else {
		replaceChild(target.Parent, target, fsRoot)
	}
	return nil
}

func replaceChild(dir, oldNode, newNode *Node) {
	if dir.Child == oldNode {
		dir.Child = newNode
		return
	}
	for c := dir.Child; c != nil; c = c.Next {
		if c.Next == oldNode {
			c.Next = newNode
			return
		}
	}
}

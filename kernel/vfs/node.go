// Package vfs implements the kernel's virtual file system façade: a tree of
// nodes bridging possibly several mounted file system drivers, a
// process-indexed descriptor table, and the open/close/read/write/seek and
// directory operations every file system driver is dispatched through.
package vfs

import "nucleos/kernel"

// NodeType classifies what a Node represents.
type NodeType uint32

const (
	TypeFile NodeType = iota + 1
	TypeDir
	TypeChar
	TypeBlock
)

// Permission bits, three bits (one octal digit) per class: owner, group,
// other.
const (
	PermRead  = 0x4
	PermWrite = 0x2
	PermExec  = 0x1
)

// Ops are the file-system-specific operations a Node is dispatched through.
// A Node with a nil Ops is a pure in-memory node (a plain directory, for
// instance) that only the façade's own tree-walking touches.
type Ops interface {
	Read(n *Node, offset uint32, buf []byte) (int, *kernel.Error)
	Write(n *Node, offset uint32, buf []byte) (int, *kernel.Error)
	Open(n *Node, flags int) *kernel.Error
	Close(n *Node) *kernel.Error
	Unlink(n *Node) *kernel.Error
}

// Node is one entry in the VFS tree: a file, directory or device node. It
// mirrors the reference kernel's vfs_node, translated from an intrusive
// linked list into ordinary Go pointers since nothing here needs the
// fixed-capacity, index-addressed discipline the process table does.
type Node struct {
	Name        string
	Type        NodeType
	Size        uint32
	Inode       uint32
	Permissions uint32
	Owner       uint32
	Group       uint32
	CreatedAt   uint32
	ModifiedAt  uint32
	AccessedAt  uint32

	Ops    Ops
	FSData interface{}

	Parent   *Node
	Next     *Node // next sibling
	Child    *Node // first child, directories only
}

// defaultDirPerms is rwxr-xr-x.
const defaultDirPerms = (PermRead|PermWrite|PermExec)<<6 | (PermRead|PermExec)<<3 | (PermRead | PermExec)

func newDirNode(name string, parent *Node) *Node {
	return &Node{
		Name:        name,
		Type:        TypeDir,
		Parent:      parent,
		Permissions: defaultDirPerms,
	}
}

// findChild returns the direct child of dir named name, if any.
func findChild(dir *Node, name string) *Node {
	for c := dir.Child; c != nil; c = c.Next {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// addChild links child as dir's first child, matching the reference
// kernel's insert-at-head behavior.
func addChild(dir, child *Node) {
	child.Parent = dir
	child.Next = dir.Child
	dir.Child = child
}

// removeChild unlinks child from dir's child list.
func removeChild(dir, child *Node) {
	if dir.Child == child {
		dir.Child = child.Next
		return
	}
	for c := dir.Child; c != nil; c = c.Next {
		if c.Next == child {
			c.Next = child.Next
			return
		}
	}
}

package ipc

import "nucleos/kernel"

const (
	maxQueues           = 32
	maxMessagesPerQueue = 64
	maxMessageBytes     = 256
)

type message struct {
	msgType uint32
	data    []byte
}

type mqueue struct {
	inUse    bool
	key      uint32
	refCount int
	messages []message
}

var mqueues [maxQueues]mqueue

var (
	// ErrNoFreeQueue is returned by MsgGet when every queue slot is in use.
	ErrNoFreeQueue = &kernel.Error{Module: "ipc", Message: "no free message queue slots"}

	// ErrBadQueue is returned by queue operations given an id that does not
	// name a live queue.
	ErrBadQueue = &kernel.Error{Module: "ipc", Message: "invalid message queue id"}

	// ErrQueueFull is returned by MsgSend when the queue already holds
	// maxMessagesPerQueue messages.
	ErrQueueFull = &kernel.Error{Module: "ipc", Message: "message queue is full"}
)

func findQueueByKey(key uint32) int {
	for i := range mqueues {
		if mqueues[i].inUse && mqueues[i].key == key {
			return i
		}
	}
	return -1
}

func findFreeQueue() int {
	for i := range mqueues {
		if !mqueues[i].inUse {
			return i
		}
	}
	return -1
}

// MsgGet returns the id of the message queue identified by key, creating it
// if it does not already exist. Every call, whether it creates or reuses a
// queue, increments its reference count.
func MsgGet(key uint32) (int, *kernel.Error) {
	if idx := findQueueByKey(key); idx >= 0 {
		mqueues[idx].refCount++
		return idx, nil
	}

	idx := findFreeQueue()
	if idx < 0 {
		return 0, ErrNoFreeQueue
	}
	mqueues[idx] = mqueue{inUse: true, key: key, refCount: 1}
	return idx, nil
}

// MsgSend appends a message of the given type and payload (at most
// maxMessageBytes bytes; longer payloads are truncated, matching the
// reference kernel) to the tail of the queue named by id.
func MsgSend(id int, msgType uint32, payload []byte) *kernel.Error {
	if id < 0 || id >= maxQueues || !mqueues[id].inUse {
		return ErrBadQueue
	}
	q := &mqueues[id]
	if len(q.messages) >= maxMessagesPerQueue {
		return ErrQueueFull
	}

	size := len(payload)
	if size > maxMessageBytes {
		size = maxMessageBytes
	}
	data := make([]byte, size)
	copy(data, payload)

	q.messages = append(q.messages, message{msgType: msgType, data: data})
	return nil
}

// MsgReceive removes and returns the head message of the queue named by id.
// Type filtering is accepted for ABI compatibility but not enforced: the
// head message is always the one returned, regardless of msgType.
func MsgReceive(id int, msgType uint32) (uint32, []byte, *kernel.Error) {
	if id < 0 || id >= maxQueues || !mqueues[id].inUse {
		return 0, nil, ErrBadQueue
	}
	q := &mqueues[id]
	if len(q.messages) == 0 {
		return 0, nil, nil
	}

	head := q.messages[0]
	q.messages = q.messages[1:]
	return head.msgType, head.data, nil
}

// MsgRemove (IPC_RMID) drops one reference to the queue named by id. At
// zero references every pending message is discarded and the slot is
// recycled.
func MsgRemove(id int) *kernel.Error {
	if id < 0 || id >= maxQueues || !mqueues[id].inUse {
		return ErrBadQueue
	}
	q := &mqueues[id]
	q.refCount--
	if q.refCount <= 0 {
		*q = mqueue{}
	}
	return nil
}

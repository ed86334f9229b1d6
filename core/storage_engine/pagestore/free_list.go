package pagestore

import (
	"encoding/binary"
	"fmt"

	"github.com/granitedb/granite/core/storage_engine/dberror"
)

// Free pages are tracked in a linked list of free-list pages headed from the
// reserved page. Each node's payload holds the next node and a stack of free
// page ids:
//
//	[0:8]   next free-list page (0 = end of chain)
//	[8:10]  count of ids stored
//	[10:]   count * uint64 page ids
//
// A node that runs out of ids is itself handed out as the next allocation,
// and a page freed when the head node is full becomes the new head node.
const freeListFixedSize = 10

// FreeListCapacity returns how many page ids one free-list node can hold.
func FreeListCapacity(pageSize int) int {
	return (pageSize - PageHeaderSize - freeListFixedSize) / 8
}

// FreeListNode is the decoded payload of a free-list page.
type FreeListNode struct {
	Next PageID
	IDs  []PageID
}

// DecodeFreeList parses a free-list node out of a page payload.
func DecodeFreeList(payload []byte) (FreeListNode, error) {
	if len(payload) < freeListFixedSize {
		return FreeListNode{}, fmt.Errorf("%w: free-list payload truncated", dberror.ErrDeserialization)
	}
	n := FreeListNode{Next: PageID(binary.LittleEndian.Uint64(payload[0:]))}
	count := int(binary.LittleEndian.Uint16(payload[8:]))
	if freeListFixedSize+count*8 > len(payload) {
		return FreeListNode{}, fmt.Errorf("%w: free-list count %d exceeds page", dberror.ErrDeserialization, count)
	}
	n.IDs = make([]PageID, count)
	for i := 0; i < count; i++ {
		n.IDs[i] = PageID(binary.LittleEndian.Uint64(payload[freeListFixedSize+i*8:]))
	}
	return n, nil
}

// EncodeFreeList writes a free-list node into a page payload.
func EncodeFreeList(payload []byte, n FreeListNode) error {
	if freeListFixedSize+len(n.IDs)*8 > len(payload) {
		return fmt.Errorf("%w: %d free page ids exceed node capacity", dberror.ErrSerialization, len(n.IDs))
	}
	binary.LittleEndian.PutUint64(payload[0:], uint64(n.Next))
	binary.LittleEndian.PutUint16(payload[8:], uint16(len(n.IDs)))
	for i, id := range n.IDs {
		binary.LittleEndian.PutUint64(payload[freeListFixedSize+i*8:], uint64(id))
	}
	return nil
}

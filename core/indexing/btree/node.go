package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
)

// node is the in-memory form of one tree page. Internal nodes carry keys
// and child pointers; leaves carry keys, values and the next-leaf link that
// forms the sorted frontier. A node is always a full copy of its page, so
// holding one does not pin anything in the buffer pool.
type node[K any, V any] struct {
	pageID   pagestore.PageID
	isLeaf   bool
	keys     []K
	values   []V              // leaves only
	children []pagestore.PageID // internal only, len(keys)+1
	next     pagestore.PageID   // leaves only, InvalidPageID at the end
}

const nodeLeafFlag = 1 << 0

// serializeNode writes n into the page, replacing its payload. The page is
// typed as a tree node and the unused tail is zeroed so images of the same
// logical content stay byte-identical.
func (bt *BTree[K, V]) serializeNode(page *pagestore.Page, n *node[K, V]) error {
	buffer := new(bytes.Buffer)

	var flags byte
	if n.isLeaf {
		flags |= nodeLeafFlag
	}
	if err := binary.Write(buffer, binary.LittleEndian, flags); err != nil {
		return fmt.Errorf("%w: writing flags: %v", dberror.ErrSerialization, err)
	}
	if err := binary.Write(buffer, binary.LittleEndian, uint16(len(n.keys))); err != nil {
		return fmt.Errorf("%w: writing numKeys: %v", dberror.ErrSerialization, err)
	}
	if n.isLeaf {
		if err := binary.Write(buffer, binary.LittleEndian, uint64(n.next)); err != nil {
			return fmt.Errorf("%w: writing next leaf: %v", dberror.ErrSerialization, err)
		}
	}

	for _, k := range n.keys {
		keyData, err := bt.serializer.SerializeKey(k)
		if err != nil {
			return fmt.Errorf("%w: serializing key: %v", dberror.ErrSerialization, err)
		}
		if err := binary.Write(buffer, binary.LittleEndian, uint16(len(keyData))); err != nil {
			return err
		}
		if _, err := buffer.Write(keyData); err != nil {
			return err
		}
	}

	if n.isLeaf {
		for _, v := range n.values {
			valData, err := bt.serializer.SerializeValue(v)
			if err != nil {
				return fmt.Errorf("%w: serializing value: %v", dberror.ErrSerialization, err)
			}
			if err := binary.Write(buffer, binary.LittleEndian, uint16(len(valData))); err != nil {
				return err
			}
			if _, err := buffer.Write(valData); err != nil {
				return err
			}
		}
	} else {
		if err := binary.Write(buffer, binary.LittleEndian, uint16(len(n.children))); err != nil {
			return fmt.Errorf("%w: writing numChildren: %v", dberror.ErrSerialization, err)
		}
		for _, childID := range n.children {
			if err := binary.Write(buffer, binary.LittleEndian, uint64(childID)); err != nil {
				return fmt.Errorf("%w: writing child page id: %v", dberror.ErrSerialization, err)
			}
		}
	}

	payload := page.Payload()
	serialized := buffer.Bytes()
	if len(serialized) > len(payload) {
		return fmt.Errorf("%w: node with %d keys needs %d bytes, page payload is %d (index %s, page %d)",
			dberror.ErrValueTooLargeForPage, len(n.keys), len(serialized), len(payload), bt.name, n.pageID)
	}
	copy(payload, serialized)
	for i := len(serialized); i < len(payload); i++ {
		payload[i] = 0
	}
	page.SetType(pagestore.PageTypeBTreeNode)
	return nil
}

// deserializeNode reconstructs a node from a fetched page. Structural
// violations surface as deserialization errors rather than panics; a
// corrupt page must fail the operation, not the process.
func (bt *BTree[K, V]) deserializeNode(page *pagestore.Page) (*node[K, V], error) {
	if page.Type() != pagestore.PageTypeBTreeNode {
		return nil, fmt.Errorf("%w: page %d holds %s, expected a btree node (index %s)",
			dberror.ErrDeserialization, page.GetPageID(), page.Type(), bt.name)
	}
	buffer := bytes.NewReader(page.Payload())
	n := &node[K, V]{pageID: page.GetPageID()}

	var flags byte
	if err := binary.Read(buffer, binary.LittleEndian, &flags); err != nil {
		return nil, fmt.Errorf("%w: reading flags: %v", dberror.ErrDeserialization, err)
	}
	n.isLeaf = flags&nodeLeafFlag != 0

	var numKeys uint16
	if err := binary.Read(buffer, binary.LittleEndian, &numKeys); err != nil {
		return nil, fmt.Errorf("%w: reading numKeys: %v", dberror.ErrDeserialization, err)
	}
	if n.isLeaf {
		var next uint64
		if err := binary.Read(buffer, binary.LittleEndian, &next); err != nil {
			return nil, fmt.Errorf("%w: reading next leaf: %v", dberror.ErrDeserialization, err)
		}
		n.next = pagestore.PageID(next)
	}

	n.keys = make([]K, numKeys)
	for i := uint16(0); i < numKeys; i++ {
		keyData, err := readChunk(buffer)
		if err != nil {
			return nil, fmt.Errorf("%w: reading key %d: %v", dberror.ErrDeserialization, i, err)
		}
		key, err := bt.serializer.DeserializeKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("%w: deserializing key %d: %v", dberror.ErrDeserialization, i, err)
		}
		n.keys[i] = key
	}

	if n.isLeaf {
		n.values = make([]V, numKeys)
		for i := uint16(0); i < numKeys; i++ {
			valData, err := readChunk(buffer)
			if err != nil {
				return nil, fmt.Errorf("%w: reading value %d: %v", dberror.ErrDeserialization, i, err)
			}
			val, err := bt.serializer.DeserializeValue(valData)
			if err != nil {
				return nil, fmt.Errorf("%w: deserializing value %d: %v", dberror.ErrDeserialization, i, err)
			}
			n.values[i] = val
		}
		return n, nil
	}

	var numChildren uint16
	if err := binary.Read(buffer, binary.LittleEndian, &numChildren); err != nil {
		return nil, fmt.Errorf("%w: reading numChildren: %v", dberror.ErrDeserialization, err)
	}
	if numChildren != numKeys+1 {
		return nil, fmt.Errorf("%w: internal node on page %d has %d keys but %d children",
			dberror.ErrDeserialization, n.pageID, numKeys, numChildren)
	}
	n.children = make([]pagestore.PageID, numChildren)
	for i := uint16(0); i < numChildren; i++ {
		var childID uint64
		if err := binary.Read(buffer, binary.LittleEndian, &childID); err != nil {
			return nil, fmt.Errorf("%w: reading child %d: %v", dberror.ErrDeserialization, i, err)
		}
		if childID == uint64(pagestore.InvalidPageID) {
			return nil, fmt.Errorf("%w: internal node on page %d has an invalid child pointer at %d",
				dberror.ErrDeserialization, n.pageID, i)
		}
		n.children[i] = pagestore.PageID(childID)
	}
	return n, nil
}

// readChunk reads one u16-length-prefixed byte run.
func readChunk(r *bytes.Reader) ([]byte, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// indexHeader is the payload of the tree's header page. The root pointer
// moves when the tree grows or shrinks in height; order never changes after
// creation.
type indexHeader struct {
	Root   pagestore.PageID
	Order  uint16
	Height uint16
}

func encodeIndexHeader(payload []byte, hdr indexHeader) {
	binary.LittleEndian.PutUint64(payload[0:], uint64(hdr.Root))
	binary.LittleEndian.PutUint16(payload[8:], hdr.Order)
	binary.LittleEndian.PutUint16(payload[10:], hdr.Height)
}

func decodeIndexHeader(payload []byte) (indexHeader, error) {
	if len(payload) < 12 {
		return indexHeader{}, fmt.Errorf("%w: index header truncated", dberror.ErrDeserialization)
	}
	hdr := indexHeader{
		Root:   pagestore.PageID(binary.LittleEndian.Uint64(payload[0:])),
		Order:  binary.LittleEndian.Uint16(payload[8:]),
		Height: binary.LittleEndian.Uint16(payload[10:]),
	}
	if hdr.Root == pagestore.InvalidPageID || hdr.Order < 3 || hdr.Height == 0 {
		return indexHeader{}, fmt.Errorf("%w: index header implausible (root %d, order %d, height %d)",
			dberror.ErrDeserialization, hdr.Root, hdr.Order, hdr.Height)
	}
	return hdr, nil
}

package table

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
)

// Heap pages are slotted: a fixed header and the slot directory grow down
// from the top of the payload, row bytes pack upward from the bottom. Slot
// numbers are stable for the life of a row; row locations point at slots,
// never at byte offsets, so re-encoding may repack bytes freely.
//
// payload layout:
//
//	[0:8)   next heap page in the table's chain
//	[8:10)  number of slots
//	then per slot: row offset (u16), row length (u16); offset 0 = empty slot
const (
	heapFixedSize = 8 + 2
	heapSlotSize  = 2 + 2
)

// heapPage is the decoded form. rows is indexed by slot; a nil entry is an
// empty slot waiting for reuse.
type heapPage struct {
	pageID pagestore.PageID
	next   pagestore.PageID
	rows   [][]byte
}

func (p *heapPage) encodedSize() int {
	size := heapFixedSize + len(p.rows)*heapSlotSize
	for _, row := range p.rows {
		size += len(row)
	}
	return size
}

// liveRows counts occupied slots.
func (p *heapPage) liveRows() int {
	n := 0
	for _, row := range p.rows {
		if row != nil {
			n++
		}
	}
	return n
}

// tryAddRow places row in the first empty slot, or a new one, when the page
// has room. It returns the slot used.
func (p *heapPage) tryAddRow(row []byte, payloadSize int) (int, bool) {
	for slot, existing := range p.rows {
		if existing == nil {
			if p.encodedSize()+len(row) > payloadSize {
				return 0, false
			}
			p.rows[slot] = row
			return slot, true
		}
	}
	if p.encodedSize()+heapSlotSize+len(row) > payloadSize {
		return 0, false
	}
	p.rows = append(p.rows, row)
	return len(p.rows) - 1, true
}

// updateRow replaces the row in slot when the new bytes still fit.
func (p *heapPage) updateRow(slot int, row []byte, payloadSize int) bool {
	old := p.rows[slot]
	if p.encodedSize()-len(old)+len(row) > payloadSize {
		return false
	}
	p.rows[slot] = row
	return true
}

func (p *heapPage) deleteRow(slot int) {
	p.rows[slot] = nil
}

func (p *heapPage) getRow(slot int) ([]byte, bool) {
	if slot < 0 || slot >= len(p.rows) || p.rows[slot] == nil {
		return nil, false
	}
	return p.rows[slot], true
}

// maxHeapRowSize is the largest row an empty page can take.
func maxHeapRowSize(pageSize int) int {
	return pageSize - pagestore.PageHeaderSize - heapFixedSize - heapSlotSize
}

func encodeHeapPage(page *pagestore.Page, p *heapPage) error {
	// Trailing empty slots carry no information; dropping them keeps the
	// directory from growing forever under churn.
	rows := p.rows
	for len(rows) > 0 && rows[len(rows)-1] == nil {
		rows = rows[:len(rows)-1]
	}
	p.rows = rows

	payload := page.Payload()
	if p.encodedSize() > len(payload) {
		return fmt.Errorf("%w: heap page %d needs %d bytes",
			dberror.ErrValueTooLargeForPage, p.pageID, p.encodedSize())
	}

	binary.LittleEndian.PutUint64(payload[0:], uint64(p.next))
	binary.LittleEndian.PutUint16(payload[8:], uint16(len(p.rows)))

	cursor := len(payload)
	for slot, row := range p.rows {
		dir := heapFixedSize + slot*heapSlotSize
		if row == nil {
			binary.LittleEndian.PutUint16(payload[dir:], 0)
			binary.LittleEndian.PutUint16(payload[dir+2:], 0)
			continue
		}
		cursor -= len(row)
		copy(payload[cursor:], row)
		binary.LittleEndian.PutUint16(payload[dir:], uint16(cursor))
		binary.LittleEndian.PutUint16(payload[dir+2:], uint16(len(row)))
	}
	for i := heapFixedSize + len(p.rows)*heapSlotSize; i < cursor; i++ {
		payload[i] = 0
	}
	page.SetType(pagestore.PageTypeHeap)
	return nil
}

func decodeHeapPage(page *pagestore.Page) (*heapPage, error) {
	if page.Type() != pagestore.PageTypeHeap {
		return nil, fmt.Errorf("%w: page %d is %s, want heap",
			dberror.ErrDeserialization, page.GetPageID(), page.Type())
	}
	payload := page.Payload()
	p := &heapPage{
		pageID: page.GetPageID(),
		next:   pagestore.PageID(binary.LittleEndian.Uint64(payload[0:])),
	}
	numSlots := int(binary.LittleEndian.Uint16(payload[8:]))
	dirEnd := heapFixedSize + numSlots*heapSlotSize
	if dirEnd > len(payload) {
		return nil, fmt.Errorf("%w: heap page %d directory of %d slots",
			dberror.ErrDeserialization, p.pageID, numSlots)
	}
	p.rows = make([][]byte, numSlots)
	for slot := 0; slot < numSlots; slot++ {
		dir := heapFixedSize + slot*heapSlotSize
		offset := int(binary.LittleEndian.Uint16(payload[dir:]))
		length := int(binary.LittleEndian.Uint16(payload[dir+2:]))
		if offset == 0 {
			continue
		}
		if offset < dirEnd || offset+length > len(payload) {
			return nil, fmt.Errorf("%w: heap page %d slot %d at [%d:%d)",
				dberror.ErrDeserialization, p.pageID, slot, offset, offset+length)
		}
		p.rows[slot] = bytes.Clone(payload[offset : offset+length])
	}
	return p, nil
}

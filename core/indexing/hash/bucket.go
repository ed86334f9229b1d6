package hash

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
)

// Bucket page payload: next overflow page (u64), entry count (u16), then
// entries as [u16 key length][key bytes][row location]. Entries keep
// arrival order; new ones go to the tail of the chain.
const bucketFixedSize = 10

type bucketPage struct {
	pageID pagestore.PageID
	next   pagestore.PageID
	keys   [][]byte
	locs   []pagestore.RowLocation
}

func (b *bucketPage) encodedSize() int {
	size := bucketFixedSize
	for _, k := range b.keys {
		size += 2 + len(k) + pagestore.RowLocationSize
	}
	return size
}

// tryAdd appends an entry when it still fits in payloadSize bytes.
func (b *bucketPage) tryAdd(key []byte, loc pagestore.RowLocation, payloadSize int) bool {
	if b.encodedSize()+2+len(key)+pagestore.RowLocationSize > payloadSize {
		return false
	}
	b.keys = append(b.keys, key)
	b.locs = append(b.locs, loc)
	return true
}

func encodeBucket(page *pagestore.Page, b *bucketPage) error {
	payload := page.Payload()
	if b.encodedSize() > len(payload) {
		return fmt.Errorf("%w: bucket with %d entries needs %d bytes, page payload is %d",
			dberror.ErrValueTooLargeForPage, len(b.keys), b.encodedSize(), len(payload))
	}
	binary.LittleEndian.PutUint64(payload[0:], uint64(b.next))
	binary.LittleEndian.PutUint16(payload[8:], uint16(len(b.keys)))
	off := bucketFixedSize
	for i, k := range b.keys {
		binary.LittleEndian.PutUint16(payload[off:], uint16(len(k)))
		off += 2
		copy(payload[off:], k)
		off += len(k)
		binary.LittleEndian.PutUint64(payload[off:], uint64(b.locs[i].PageID))
		binary.LittleEndian.PutUint16(payload[off+8:], b.locs[i].Slot)
		off += pagestore.RowLocationSize
	}
	for i := off; i < len(payload); i++ {
		payload[i] = 0
	}
	page.SetType(pagestore.PageTypeHashBucket)
	return nil
}

func decodeBucket(page *pagestore.Page) (*bucketPage, error) {
	if page.Type() != pagestore.PageTypeHashBucket {
		return nil, fmt.Errorf("%w: page %d holds %s, expected a hash bucket",
			dberror.ErrDeserialization, page.GetPageID(), page.Type())
	}
	payload := page.Payload()
	b := &bucketPage{
		pageID: page.GetPageID(),
		next:   pagestore.PageID(binary.LittleEndian.Uint64(payload[0:])),
	}
	count := int(binary.LittleEndian.Uint16(payload[8:]))
	b.keys = make([][]byte, 0, count)
	b.locs = make([]pagestore.RowLocation, 0, count)
	off := bucketFixedSize
	for i := 0; i < count; i++ {
		if off+2 > len(payload) {
			return nil, fmt.Errorf("%w: bucket page %d truncated at entry %d",
				dberror.ErrDeserialization, b.pageID, i)
		}
		keyLen := int(binary.LittleEndian.Uint16(payload[off:]))
		off += 2
		if off+keyLen+pagestore.RowLocationSize > len(payload) {
			return nil, fmt.Errorf("%w: bucket page %d truncated at entry %d",
				dberror.ErrDeserialization, b.pageID, i)
		}
		b.keys = append(b.keys, bytes.Clone(payload[off:off+keyLen]))
		off += keyLen
		loc, err := pagestore.DecodeRowLocation(payload[off:])
		if err != nil {
			return nil, err
		}
		b.locs = append(b.locs, loc)
		off += pagestore.RowLocationSize
	}
	return b, nil
}

// Directory page payload: next page (u64), bucket count on this page (u16),
// then bucket head page ids. Bucket i lives on directory page i/perPage at
// slot i%perPage.
type dirPage struct {
	pageID  pagestore.PageID
	next    pagestore.PageID
	buckets []pagestore.PageID
}

func dirCapacity(pageSize int) int {
	return (pageSize - pagestore.PageHeaderSize - bucketFixedSize) / 8
}

func encodeDir(page *pagestore.Page, d *dirPage) error {
	payload := page.Payload()
	if bucketFixedSize+8*len(d.buckets) > len(payload) {
		return fmt.Errorf("%w: directory page overflows with %d buckets",
			dberror.ErrSerialization, len(d.buckets))
	}
	binary.LittleEndian.PutUint64(payload[0:], uint64(d.next))
	binary.LittleEndian.PutUint16(payload[8:], uint16(len(d.buckets)))
	off := bucketFixedSize
	for _, id := range d.buckets {
		binary.LittleEndian.PutUint64(payload[off:], uint64(id))
		off += 8
	}
	for i := off; i < len(payload); i++ {
		payload[i] = 0
	}
	page.SetType(pagestore.PageTypeHashDir)
	return nil
}

func decodeDir(page *pagestore.Page) (*dirPage, error) {
	if page.Type() != pagestore.PageTypeHashDir {
		return nil, fmt.Errorf("%w: page %d holds %s, expected a hash directory",
			dberror.ErrDeserialization, page.GetPageID(), page.Type())
	}
	payload := page.Payload()
	d := &dirPage{
		pageID: page.GetPageID(),
		next:   pagestore.PageID(binary.LittleEndian.Uint64(payload[0:])),
	}
	count := int(binary.LittleEndian.Uint16(payload[8:]))
	if bucketFixedSize+8*count > len(payload) {
		return nil, fmt.Errorf("%w: directory page %d claims %d buckets",
			dberror.ErrDeserialization, d.pageID, count)
	}
	d.buckets = make([]pagestore.PageID, count)
	for i := 0; i < count; i++ {
		d.buckets[i] = pagestore.PageID(binary.LittleEndian.Uint64(payload[bucketFixedSize+8*i:]))
	}
	return d, nil
}

// Meta page payload: bucket count (u64), entry count (u64), directory head
// (u64). The entry count drives the load factor check, so it is persisted
// and mutated transactionally with the entries themselves.
type hashMeta struct {
	BucketCount uint64
	EntryCount  uint64
	DirHead     pagestore.PageID
}

func encodeHashMeta(page *pagestore.Page, m hashMeta) {
	payload := page.Payload()
	binary.LittleEndian.PutUint64(payload[0:], m.BucketCount)
	binary.LittleEndian.PutUint64(payload[8:], m.EntryCount)
	binary.LittleEndian.PutUint64(payload[16:], uint64(m.DirHead))
	page.SetType(pagestore.PageTypeHashMeta)
}

func decodeHashMeta(page *pagestore.Page) (hashMeta, error) {
	if page.Type() != pagestore.PageTypeHashMeta {
		return hashMeta{}, fmt.Errorf("%w: page %d holds %s, expected hash index metadata",
			dberror.ErrDeserialization, page.GetPageID(), page.Type())
	}
	payload := page.Payload()
	m := hashMeta{
		BucketCount: binary.LittleEndian.Uint64(payload[0:]),
		EntryCount:  binary.LittleEndian.Uint64(payload[8:]),
		DirHead:     pagestore.PageID(binary.LittleEndian.Uint64(payload[16:])),
	}
	if m.BucketCount == 0 || m.BucketCount&(m.BucketCount-1) != 0 || m.DirHead == pagestore.InvalidPageID {
		return hashMeta{}, fmt.Errorf("%w: hash metadata implausible (buckets %d, dir head %d)",
			dberror.ErrDeserialization, m.BucketCount, m.DirHead)
	}
	return m, nil
}

package pagestore

import (
	"container/list"
	"encoding/binary"
	"hash/crc32"
	"sync"
	"time"
)

// PageID represents a unique identifier for a page on disk.
type PageID uint64

// InvalidPageID doubles as the id of the reserved meta page; a zero page id
// never refers to user data.
const InvalidPageID PageID = 0

// MetaPageID is the reserved page holding the file header, free-list head
// and catalog head. It shares the zero value with InvalidPageID: page 0 is
// never the target of a reference, so zero always reads as "no page" in
// links and log records.
const MetaPageID PageID = 0

// LSN is a log sequence number.
type LSN uint64

const InvalidLSN LSN = 0

// PageType tags the content stored in a page. A zeroed page decodes as
// PageTypeInvalid.
type PageType uint8

const (
	PageTypeInvalid PageType = iota
	PageTypeMeta
	PageTypeFreeList
	PageTypeCatalog
	PageTypeBTreeNode
	PageTypeHashMeta
	PageTypeHashBucket
	PageTypeHeap
	PageTypeBTreeMeta
	PageTypeHashDir
)

func (t PageType) String() string {
	switch t {
	case PageTypeMeta:
		return "meta"
	case PageTypeFreeList:
		return "freelist"
	case PageTypeCatalog:
		return "catalog"
	case PageTypeBTreeNode:
		return "btree"
	case PageTypeHashMeta:
		return "hashmeta"
	case PageTypeHashBucket:
		return "hashbucket"
	case PageTypeHeap:
		return "heap"
	case PageTypeBTreeMeta:
		return "btreemeta"
	case PageTypeHashDir:
		return "hashdir"
	default:
		return "invalid"
	}
}

// Every page starts with a fixed header:
//
//	[0]     page type
//	[1]     flags
//	[2:4]   reserved
//	[4:12]  LSN of the last log record that modified the page
//	[12:16] CRC32 over the whole page with this field zeroed
const (
	PageHeaderSize     = 16
	pageTypeOffset     = 0
	pageFlagsOffset    = 1
	pageLSNOffset      = 4
	pageChecksumOffset = 12
)

// Page represents an in-memory copy of a disk page.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool

	// For LRU
	lruElement *list.Element

	// latch protects the in-memory contents of this specific page. It is a
	// lightweight lock for physical concurrency control, distinct from the
	// transaction-level locks.
	latch sync.RWMutex

	updatedAt time.Time
}

// NewPage creates a new Page instance backed by a zeroed buffer.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

// Reset clears the frame for reuse by another disk page.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lruElement = nil
	for i := range p.data {
		p.data[i] = 0
	}
}

func (p *Page) GetLruElement() *list.Element     { return p.lruElement }
func (p *Page) SetLruElement(elem *list.Element) { p.lruElement = elem }
func (p *Page) GetData() []byte                  { return p.data }
func (p *Page) GetPageID() PageID                { return p.id }
func (p *Page) SetPageID(id PageID)              { p.id = id }
func (p *Page) IsDirty() bool                    { return p.isDirty }
func (p *Page) SetDirty(dirty bool)              { p.isDirty = dirty }
func (p *Page) Pin()                             { p.pinCount++ }
func (p *Page) GetPinCount() uint32              { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32)      { p.pinCount = pinCount }
func (p *Page) UpdatedAt(t time.Time)            { p.updatedAt = t }
func (p *Page) GetUpdatedAt() time.Time          { return p.updatedAt }

func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// Payload returns the usable region of the page after the header.
func (p *Page) Payload() []byte { return p.data[PageHeaderSize:] }

// Type reads the page type tag from the header.
func (p *Page) Type() PageType { return PageType(p.data[pageTypeOffset]) }

// SetType writes the page type tag into the header.
func (p *Page) SetType(t PageType) { p.data[pageTypeOffset] = byte(t) }

// Flags reads the header flag byte.
func (p *Page) Flags() byte { return p.data[pageFlagsOffset] }

// SetFlags writes the header flag byte.
func (p *Page) SetFlags(f byte) { p.data[pageFlagsOffset] = f }

// PageLSN reads the LSN of the last log record that modified this page.
func (p *Page) PageLSN() LSN {
	return LSN(binary.LittleEndian.Uint64(p.data[pageLSNOffset:]))
}

// SetPageLSN stamps the header with the LSN of the modifying log record.
func (p *Page) SetPageLSN(lsn LSN) {
	binary.LittleEndian.PutUint64(p.data[pageLSNOffset:], uint64(lsn))
}

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

// TryLock attempts to acquire the write latch without blocking.
func (p *Page) TryLock() bool { return p.latch.TryLock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }

// PageTypeOf reads the header type byte from a raw page image.
func PageTypeOf(data []byte) PageType {
	return PageType(data[pageTypeOffset])
}

// SetPageTypeOf stamps the header type byte on a raw page image.
func SetPageTypeOf(data []byte, t PageType) {
	data[pageTypeOffset] = byte(t)
}

// PageLSNOf reads the header LSN from a raw page image. Used by recovery,
// which works on buffers rather than pooled frames.
func PageLSNOf(data []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(data[pageLSNOffset:]))
}

// SetPageLSNOf stamps the header LSN on a raw page image.
func SetPageLSNOf(data []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(data[pageLSNOffset:], uint64(lsn))
}

// ChecksumPage computes the page checksum: CRC32 (IEEE) over the full image
// with the checksum field treated as zero.
func ChecksumPage(data []byte) uint32 {
	crc := crc32.NewIEEE()
	crc.Write(data[:pageChecksumOffset])
	var zero [4]byte
	crc.Write(zero[:])
	crc.Write(data[pageChecksumOffset+4:])
	return crc.Sum32()
}

// StampChecksum writes the current checksum into the page image.
func StampChecksum(data []byte) {
	binary.LittleEndian.PutUint32(data[pageChecksumOffset:], ChecksumPage(data))
}

// VerifyChecksum recomputes the checksum and compares it against the stored
// value.
func VerifyChecksum(data []byte) bool {
	stored := binary.LittleEndian.Uint32(data[pageChecksumOffset:])
	return stored == ChecksumPage(data)
}

// IsZeroPage reports whether the image is all zero bytes, i.e. a freshly
// extended page that has never been written.
func IsZeroPage(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

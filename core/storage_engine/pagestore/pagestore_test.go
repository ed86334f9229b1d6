package pagestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
)

const testPageSize = 4096

func newTestDiskManager(t *testing.T) (*DiskManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "granite.db")
	dm, created, err := NewDiskManager(path, testPageSize, zap.NewNop())
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { dm.Close() })
	return dm, path
}

// heapImage builds a page-sized image with a recognizable payload.
func heapImage(fill byte) []byte {
	img := make([]byte, testPageSize)
	SetPageTypeOf(img, PageTypeHeap)
	for i := PageHeaderSize; i < len(img); i++ {
		img[i] = fill
	}
	return img
}

func TestDiskManagerRejectsTinyPageSize(t *testing.T) {
	_, _, err := NewDiskManager(filepath.Join(t.TempDir(), "granite.db"), PageHeaderSize, zap.NewNop())
	require.Error(t, err)
}

func TestDiskManagerPageRoundTrip(t *testing.T) {
	dm, _ := newTestDiskManager(t)

	img := heapImage(0xAB)
	require.NoError(t, dm.WritePage(3, img))

	buf := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(3, buf))
	require.Equal(t, img, buf, "WritePage stamps the checksum into the image before writing")
	require.True(t, VerifyChecksum(buf))
	require.Equal(t, PageTypeHeap, PageTypeOf(buf))

	// Writing page 3 extended the file; the skipped pages read as zero.
	n, err := dm.NumFilePages()
	require.NoError(t, err)
	require.Equal(t, uint64(4), n)
	require.NoError(t, dm.ReadPage(1, buf))
	require.True(t, IsZeroPage(buf), "never-written pages inside the file are all zero")
}

func TestDiskManagerRejectsWrongSizeBuffers(t *testing.T) {
	dm, _ := newTestDiskManager(t)

	require.Error(t, dm.WritePage(1, make([]byte, testPageSize-1)))
	require.Error(t, dm.ReadPage(1, make([]byte, testPageSize+1)))
}

// TestDiskManagerDetectsCorruption flips a payload byte behind the disk
// manager's back and checks the checked read refuses the page while the
// unchecked read, which recovery uses, hands it over.
func TestDiskManagerDetectsCorruption(t *testing.T) {
	dm, path := newTestDiskManager(t)
	require.NoError(t, dm.WritePage(3, heapImage(0xAB)))

	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(3)*testPageSize+100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	buf := make([]byte, testPageSize)
	err = dm.ReadPage(3, buf)
	require.ErrorIs(t, err, dberror.ErrChecksumMismatch)

	require.NoError(t, dm.ReadPageUnchecked(3, buf))
	require.Equal(t, byte(0xFF), buf[100])
}

func TestDiskManagerUncheckedReadBeyondEOF(t *testing.T) {
	dm, _ := newTestDiskManager(t)
	require.NoError(t, dm.WritePage(1, heapImage(0x01)))

	buf := heapImage(0xFF) // dirty buffer, must come back zeroed
	require.NoError(t, dm.ReadPageUnchecked(42, buf))
	require.True(t, IsZeroPage(buf))
}

func TestDiskManagerReopenKeepsPages(t *testing.T) {
	dm, path := newTestDiskManager(t)
	img := heapImage(0x5C)
	require.NoError(t, dm.WritePage(2, img))
	require.NoError(t, dm.Close())

	dm2, created, err := NewDiskManager(path, testPageSize, zap.NewNop())
	require.NoError(t, err)
	require.False(t, created, "an existing file must not report as freshly created")
	defer dm2.Close()

	buf := make([]byte, testPageSize)
	require.NoError(t, dm2.ReadPage(2, buf))
	require.Equal(t, img, buf)
}

func TestPageHeaderAccessors(t *testing.T) {
	p := NewPage(7, testPageSize)
	require.Equal(t, PageID(7), p.GetPageID())
	require.Len(t, p.Payload(), testPageSize-PageHeaderSize)
	require.Equal(t, PageTypeInvalid, p.Type(), "a zeroed page decodes as invalid")

	p.SetType(PageTypeBTreeNode)
	p.SetPageLSN(99)
	require.Equal(t, PageTypeBTreeNode, p.Type())
	require.Equal(t, LSN(99), p.PageLSN())

	// The raw-image helpers read the same header fields.
	require.Equal(t, PageTypeBTreeNode, PageTypeOf(p.GetData()))
	require.Equal(t, LSN(99), PageLSNOf(p.GetData()))

	StampChecksum(p.GetData())
	require.True(t, VerifyChecksum(p.GetData()))
	p.Payload()[0] = 0x01
	require.False(t, VerifyChecksum(p.GetData()))
}

func TestPagePinning(t *testing.T) {
	p := NewPage(1, testPageSize)
	p.Pin()
	p.Pin()
	require.Equal(t, uint32(2), p.GetPinCount())
	p.Unpin()
	p.Unpin()
	p.Unpin() // pin count never goes negative
	require.Equal(t, uint32(0), p.GetPinCount())
}

func TestMetaFormatAndDecode(t *testing.T) {
	img := FormatMetaPage(testPageSize)
	require.Len(t, img, testPageSize)
	require.Equal(t, PageTypeMeta, PageTypeOf(img))

	meta, err := DecodeMeta(img[PageHeaderSize:], testPageSize)
	require.NoError(t, err)
	require.Equal(t, NewMeta(testPageSize), meta)
	require.Equal(t, uint64(1), meta.NumPages, "a fresh file holds only the reserved page")
	require.Equal(t, InvalidPageID, meta.FreeListHead)
	require.Equal(t, InvalidPageID, meta.CatalogHead)

	meta.NumPages = 12
	meta.FreeListHead = 4
	meta.CatalogHead = 2
	meta.CheckpointLSN = 77
	EncodeMeta(img[PageHeaderSize:], meta)
	got, err := DecodeMeta(img[PageHeaderSize:], testPageSize)
	require.NoError(t, err)
	require.Equal(t, meta, got)

	_, err = DecodeMeta(img[PageHeaderSize:], testPageSize*2)
	require.ErrorIs(t, err, dberror.ErrDeserialization, "a page-size mismatch means the file belongs to another configuration")

	img[PageHeaderSize] ^= 0xFF
	_, err = DecodeMeta(img[PageHeaderSize:], testPageSize)
	require.ErrorIs(t, err, dberror.ErrDeserialization, "bad magic")
}

func TestFreeListNodeEncoding(t *testing.T) {
	payload := make([]byte, testPageSize-PageHeaderSize)

	node := FreeListNode{Next: 9, IDs: []PageID{4, 17, 3}}
	require.NoError(t, EncodeFreeList(payload, node))
	got, err := DecodeFreeList(payload)
	require.NoError(t, err)
	require.Equal(t, node, got)

	capacity := FreeListCapacity(testPageSize)
	require.Greater(t, capacity, 0)
	overfull := FreeListNode{IDs: make([]PageID, capacity+1)}
	require.ErrorIs(t, EncodeFreeList(payload, overfull), dberror.ErrSerialization)

	full := FreeListNode{IDs: make([]PageID, capacity)}
	for i := range full.IDs {
		full.IDs[i] = PageID(i + 2)
	}
	require.NoError(t, EncodeFreeList(payload, full))
	got, err = DecodeFreeList(payload)
	require.NoError(t, err)
	require.Len(t, got.IDs, capacity)
}

func TestRowLocationEncoding(t *testing.T) {
	loc := RowLocation{PageID: 123456, Slot: 42}
	buf := EncodeRowLocation(nil, loc)
	require.Len(t, buf, RowLocationSize)

	got, err := DecodeRowLocation(buf)
	require.NoError(t, err)
	require.Equal(t, loc, got)
	require.Equal(t, "(123456,42)", loc.String())

	_, err = DecodeRowLocation(buf[:RowLocationSize-1])
	require.ErrorIs(t, err, dberror.ErrDeserialization)
}

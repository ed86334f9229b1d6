package pagestore

import (
	"encoding/binary"
	"fmt"

	"github.com/granitedb/granite/core/storage_engine/dberror"
)

// Page 0 is reserved: its payload carries the file header, the free-list
// head, and the head of the table catalog chain.
const (
	MetaMagic   uint32 = 0x47524E54 // "GRNT"
	MetaVersion uint16 = 1
)

// Meta is the decoded payload of the reserved page.
type Meta struct {
	Magic         uint32
	Version       uint16
	PageSize      uint32
	NumPages      uint64 // pages handed out so far, including page 0
	FreeListHead  PageID
	CatalogHead   PageID
	CheckpointLSN LSN
}

const metaEncodedSize = 4 + 2 + 4 + 8 + 8 + 8 + 8

// NewMeta returns the header for a freshly formatted file: one page (the meta
// page itself), no free pages, no catalog.
func NewMeta(pageSize int) Meta {
	return Meta{
		Magic:    MetaMagic,
		Version:  MetaVersion,
		PageSize: uint32(pageSize),
		NumPages: 1,
	}
}

// EncodeMeta writes the header into a page payload.
func EncodeMeta(payload []byte, m Meta) {
	binary.LittleEndian.PutUint32(payload[0:], m.Magic)
	binary.LittleEndian.PutUint16(payload[4:], m.Version)
	binary.LittleEndian.PutUint32(payload[6:], m.PageSize)
	binary.LittleEndian.PutUint64(payload[10:], m.NumPages)
	binary.LittleEndian.PutUint64(payload[18:], uint64(m.FreeListHead))
	binary.LittleEndian.PutUint64(payload[26:], uint64(m.CatalogHead))
	binary.LittleEndian.PutUint64(payload[34:], uint64(m.CheckpointLSN))
}

// DecodeMeta parses the header out of a page payload, validating magic and
// version.
func DecodeMeta(payload []byte, expectPageSize int) (Meta, error) {
	if len(payload) < metaEncodedSize {
		return Meta{}, fmt.Errorf("%w: meta payload truncated", dberror.ErrDeserialization)
	}
	m := Meta{
		Magic:         binary.LittleEndian.Uint32(payload[0:]),
		Version:       binary.LittleEndian.Uint16(payload[4:]),
		PageSize:      binary.LittleEndian.Uint32(payload[6:]),
		NumPages:      binary.LittleEndian.Uint64(payload[10:]),
		FreeListHead:  PageID(binary.LittleEndian.Uint64(payload[18:])),
		CatalogHead:   PageID(binary.LittleEndian.Uint64(payload[26:])),
		CheckpointLSN: LSN(binary.LittleEndian.Uint64(payload[34:])),
	}
	if m.Magic != MetaMagic {
		return Meta{}, fmt.Errorf("%w: bad magic 0x%08X", dberror.ErrDeserialization, m.Magic)
	}
	if m.Version != MetaVersion {
		return Meta{}, fmt.Errorf("%w: unsupported file version %d", dberror.ErrDeserialization, m.Version)
	}
	if int(m.PageSize) != expectPageSize {
		return Meta{}, fmt.Errorf("%w: file page size %d, configured %d", dberror.ErrDeserialization, m.PageSize, expectPageSize)
	}
	return m, nil
}

// FormatMetaPage produces the on-disk image of a freshly formatted reserved
// page.
func FormatMetaPage(pageSize int) []byte {
	data := make([]byte, pageSize)
	data[pageTypeOffset] = byte(PageTypeMeta)
	EncodeMeta(data[PageHeaderSize:], NewMeta(pageSize))
	return data
}
